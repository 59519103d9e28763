// Package session runs the single live broadcast session: it connects chat
// ingestion, fans events out to a bounded handler pool that parses and enqueues
// them, and owns the playback controller for the session's lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/request-tender/backend/analytics"
	"github.com/onnwee/request-tender/backend/chat"
	"github.com/onnwee/request-tender/backend/command"
	"github.com/onnwee/request-tender/backend/db"
	"github.com/onnwee/request-tender/backend/queue"
)

// ErrSessionActive is returned by Start while a session is running.
var ErrSessionActive = errors.New("session: a session is already active")

// ChatSource is the ingestion client of one session.
type ChatSource interface {
	Connect(ctx context.Context, room string) (<-chan chat.ChatEvent, error)
	Stop()
}

// Player is the playback controller of one session.
type Player interface {
	Start(ctx context.Context)
	Stop()
}

// Queue is the subset of queue.Manager a session drives.
type Queue interface {
	Subscribe(o queue.Observer) func()
	Enqueue(req queue.SongRequest) (int, error)
	RevokeLatest(viewerID string) (queue.SongRequest, error)
	NowPlaying() (queue.SongRequest, bool)
	SkipIfPlaying(id string) (queue.SongRequest, bool, error)
	Drain() int
}

// Store persists session rows. *db.SessionStore implements it.
type Store interface {
	Insert(ctx context.Context, room string, startedAt time.Time) (db.LiveSession, error)
	End(ctx context.Context, id string, endedAt time.Time, report any) error
	Active(ctx context.Context) (db.LiveSession, bool, error)
}

// Recorder is a queue observer bound to one session, flushed on Close.
type Recorder interface {
	queue.Observer
	Close()
}

// Info describes the current or most recent session.
type Info struct {
	ID            string              `json:"id,omitempty"`
	Room          string              `json:"room,omitempty"`
	Active        bool                `json:"active"`
	StartedAt     time.Time           `json:"started_at,omitzero"`
	EndedAt       time.Time           `json:"ended_at,omitzero"`
	EventsHandled uint64              `json:"events_handled"`
	Report        *analytics.Snapshot `json:"report,omitempty"` // final analytics of an ended session
}

// Options wires a Manager. Queue, Parser, Analytics, NewChat and NewPlayer are required.
type Options struct {
	Workers   int // concurrent chat event handlers, default 4
	Queue     Queue
	Parser    *command.Parser
	Analytics *analytics.Aggregator
	NewChat   func() ChatSource
	NewPlayer func() Player

	Store       Store                                                                  // optional
	NewRecorder func(sessionID string) Recorder                                        // optional
	LoadHistory func(ctx context.Context, sessionID string) ([]queue.SongRequest, error) // optional, used by Recover
	OnChange    func(Info)                                                             // optional
	Now         func() time.Time
}

type running struct {
	info     Info
	chat     ChatSource
	player   Player
	recorder Recorder
	unsub    []func()
	cancel   context.CancelFunc
	handled  atomic.Uint64
	done     chan struct{} // closed once every handler returned
}

// Manager starts and stops sessions. Start and Stop are serialized.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	cur  *running
	last Info
}

// New returns a Manager with no active session.
func New(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.OnChange == nil {
		opts.OnChange = func(Info) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, log: slog.Default().With(slog.String("component", "session"))}
}

// Current returns the active session, or the last one ended.
func (m *Manager) Current() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		info := m.cur.info
		info.EventsHandled = m.cur.handled.Load()
		return info
	}
	return m.last
}

// Start connects to room and begins accepting requests. ctx bounds the chat
// handshake and the database write; the session itself runs until Stop.
func (m *Manager) Start(ctx context.Context, room string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return m.cur.info, ErrSessionActive
	}
	r, err := m.start(ctx, room, nil)
	if err != nil {
		return Info{}, err
	}
	return r.info, nil
}

// Recover resumes a session left active by a previous process: it reconnects
// chat, re-queues the requests that were still waiting and rebuilds analytics
// from the persisted history. It reports whether a session was resumed.
func (m *Manager) Recover(ctx context.Context) (bool, error) {
	if m.opts.Store == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return false, nil
	}
	ls, ok, err := m.opts.Store.Active(ctx)
	if err != nil || !ok {
		return false, err
	}
	m.log.Info("recovering session", slog.String("session_id", ls.ID), slog.String("room", ls.Room))
	if _, err := m.start(ctx, ls.Room, &ls); err != nil {
		if endErr := m.opts.Store.End(ctx, ls.ID, m.opts.Now(), m.opts.Analytics.Snapshot()); endErr != nil {
			m.log.Warn("failed to close unrecoverable session", slog.String("session_id", ls.ID), slog.Any("error", endErr))
		}
		return false, fmt.Errorf("recover session %s: %w", ls.ID, err)
	}
	return true, nil
}

// start must be called with mu held. existing is set when recovering.
func (m *Manager) start(ctx context.Context, room string, existing *db.LiveSession) (*running, error) {
	now := m.opts.Now().UTC()
	chat.InitStatus(room)

	src := m.opts.NewChat()
	events, err := src.Connect(ctx, room)
	if err != nil {
		chat.ResetStatus()
		return nil, err
	}

	info := Info{Room: room, Active: true, StartedAt: now}
	switch {
	case existing != nil:
		info.ID, info.StartedAt = existing.ID, existing.StartedAt
	case m.opts.Store != nil:
		ls, err := m.opts.Store.Insert(ctx, room, now)
		if err != nil {
			src.Stop()
			chat.ResetStatus()
			if errors.Is(err, db.ErrSessionActive) {
				return nil, ErrSessionActive
			}
			return nil, err
		}
		info.ID = ls.ID
	default:
		info.ID = uuid.Must(uuid.NewV7()).String()
	}

	r := &running{info: info, chat: src, done: make(chan struct{})}
	m.opts.Analytics.Reset(info.StartedAt)
	r.unsub = append(r.unsub, m.opts.Queue.Subscribe(m.opts.Analytics))
	if m.opts.NewRecorder != nil {
		r.recorder = m.opts.NewRecorder(info.ID)
		r.unsub = append(r.unsub, m.opts.Queue.Subscribe(r.recorder))
	}
	if existing != nil {
		m.restore(ctx, r)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.player = m.opts.NewPlayer()
	r.player.Start(runCtx)
	go m.dispatch(r, events)

	m.cur = r
	m.log.Info("session started", slog.String("session_id", info.ID), slog.String("room", room))
	m.opts.OnChange(info)
	return r, nil
}

// restore re-queues unfinished requests and rebuilds analytics after a restart.
// A request the queue refuses is retired as Removed, and the recorder persists
// that so the next recovery does not pick it up again.
func (m *Manager) restore(ctx context.Context, r *running) {
	if m.opts.LoadHistory == nil {
		return
	}
	sessionID := r.info.ID
	rows, err := m.opts.LoadHistory(ctx, sessionID)
	if err != nil {
		m.log.Warn("could not load session history", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	requeued := 0
	for i, req := range rows {
		if req.Status.Retired() {
			continue
		}
		if _, err := m.opts.Queue.Enqueue(req); err != nil {
			m.log.Warn("could not re-queue request", slog.String("request_id", req.ID), slog.Any("error", err))
			now := m.opts.Now()
			rows[i].Status = queue.StatusRemoved
			rows[i].UpdatedAt = now
			if r.recorder != nil {
				r.recorder.OnTransition(queue.Transition{Request: rows[i], From: req.Status, At: now})
			}
			continue
		}
		rows[i].Status = queue.StatusPending
		requeued++
	}
	m.opts.Analytics.Rebuild(rows)
	m.log.Info("session state restored", slog.Int("history", len(rows)), slog.Int("requeued", requeued))
}

// dispatch feeds events to the handler pool until the chat stream closes.
func (m *Manager) dispatch(r *running, events <-chan chat.ChatEvent) {
	defer close(r.done)
	var g errgroup.Group
	g.SetLimit(m.opts.Workers)
	for ev := range events {
		g.Go(func() error {
			m.handle(ev)
			r.handled.Add(1)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) handle(ev chat.ChatEvent) {
	if ev.Engagement() {
		m.opts.Analytics.RecordEngagement(ev)
		return
	}
	cmd := m.opts.Parser.Classify(ev)
	switch cmd.Kind {
	case command.KindRequest:
		m.opts.Analytics.RecordParse(command.Accepted)
		pos, err := m.opts.Queue.Enqueue(cmd.Request)
		if err != nil {
			m.opts.Analytics.RecordEnqueueError(err)
			m.log.Debug("request refused", slog.String("viewer", ev.ViewerName), slog.Any("error", err))
			return
		}
		m.log.Debug("request queued", slog.String("viewer", ev.ViewerName),
			slog.String("query", cmd.Request.NormalizedQuery), slog.Int("position", pos))
	case command.KindRevoke:
		m.opts.Analytics.RecordParse(command.Accepted)
		if req, err := m.opts.Queue.RevokeLatest(ev.ViewerID); err == nil {
			m.log.Debug("request revoked", slog.String("viewer", ev.ViewerName), slog.String("request_id", req.ID))
		}
	case command.KindSkip:
		m.opts.Analytics.RecordParse(command.Accepted)
		skipped, ok := m.opts.Queue.NowPlaying()
		if !ok {
			return
		}
		// Only the track the broadcaster saw is skipped, never the one after it.
		if _, _, err := m.opts.Queue.SkipIfPlaying(skipped.ID); err == nil {
			m.log.Info("broadcaster skipped track", slog.String("request_id", skipped.ID))
		}
	default:
		m.opts.Analytics.RecordParse(cmd.Reason)
	}
}

// Stop ends the active session: chat is disconnected, in-flight handlers finish,
// the controller stops after its current call, the queue is drained and the
// final report stored. Stop without an active session returns the last Info.
func (m *Manager) Stop(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.cur
	if r == nil {
		return m.last, nil
	}

	r.chat.Stop()
	select {
	case <-r.done:
	case <-ctx.Done():
		m.log.Warn("handlers still running at stop deadline", slog.String("session_id", r.info.ID))
	}
	r.player.Stop()
	r.cancel()

	retired := m.opts.Queue.Drain()
	for _, unsub := range r.unsub {
		unsub()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}

	now := m.opts.Now().UTC()
	report := m.opts.Analytics.Snapshot()
	info := r.info
	info.Active = false
	info.EndedAt = now
	info.EventsHandled = r.handled.Load()
	info.Report = &report

	var err error
	if m.opts.Store != nil {
		if err = m.opts.Store.End(ctx, info.ID, now, report); err != nil {
			err = fmt.Errorf("store session report: %w", err)
		}
	}

	m.opts.Analytics.Reset(now)
	chat.ResetStatus()
	m.cur = nil
	m.last = info
	m.log.Info("session stopped", slog.String("session_id", info.ID), slog.Int("retired", retired),
		slog.Int("total_requests", report.TotalRequests), slog.Uint64("events", info.EventsHandled))
	m.opts.OnChange(info)
	return info, err
}
