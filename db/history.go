package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onnwee/request-tender/backend/queue"
	"github.com/onnwee/request-tender/backend/telemetry"
)

// HistoryConfig sets batching for song_requests writes.
type HistoryConfig struct {
	MaxBatch     int           // default 50
	FlushEvery   time.Duration // default 2s
	ChanBuffer   int           // default 1024
	FlushTimeout time.Duration // default 5s
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// HistoryRecorder persists every queue transition of one session to
// song_requests. It is a queue.Observer: OnTransition never blocks, and when the
// buffer is full the row is dropped and counted. Rows upsert on id, so a later
// transition of the same request overwrites the earlier one.
type HistoryRecorder struct {
	sessionID string
	input     chan queue.SongRequest
	cfg       HistoryConfig
	sender    batchSender
	dropped   atomic.Uint64
	log       *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewHistoryRecorder starts a recorder writing through pool.
func NewHistoryRecorder(pool *pgxpool.Pool, sessionID string, cfg HistoryConfig) *HistoryRecorder {
	return newHistoryRecorder(pool, sessionID, cfg)
}

func newHistoryRecorder(sender batchSender, sessionID string, cfg HistoryConfig) *HistoryRecorder {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 50
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.ChanBuffer <= 0 {
		cfg.ChanBuffer = 1024
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &HistoryRecorder{
		sessionID: sessionID,
		input:     make(chan queue.SongRequest, cfg.ChanBuffer),
		cfg:       cfg,
		sender:    sender,
		log:       slog.Default().With(slog.String("component", "history"), slog.String("session_id", sessionID)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

// OnTransition implements queue.Observer.
func (r *HistoryRecorder) OnTransition(t queue.Transition) {
	select {
	case r.input <- t.Request:
	default:
		telemetry.IncCounter(telemetry.HistoryDropped)
		if dropped := r.dropped.Add(1); dropped%100 == 1 {
			r.log.Warn("history buffer full, dropping rows", slog.Uint64("dropped_total", dropped))
		}
	}
}

// Dropped returns the number of rows lost to a full buffer.
func (r *HistoryRecorder) Dropped() uint64 { return r.dropped.Load() }

// Close flushes buffered rows and stops the recorder. Transitions arriving after
// Close are discarded.
func (r *HistoryRecorder) Close() {
	r.closeOnce.Do(r.cancel)
	<-r.done
}

const upsertSongRequest = `
INSERT INTO song_requests (
  id, session_id, viewer_id, viewer_name, raw_query, normalized_query,
  status, track_uri, track_name, requested_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  track_uri = COALESCE(EXCLUDED.track_uri, song_requests.track_uri),
  track_name = COALESCE(EXCLUDED.track_name, song_requests.track_name),
  updated_at = EXCLUDED.updated_at
WHERE song_requests.updated_at <= EXCLUDED.updated_at`

func (r *HistoryRecorder) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushEvery)
	defer ticker.Stop()

	var (
		batch   = &pgx.Batch{}
		pending = 0
		total   uint64
	)

	queueRow := func(req queue.SongRequest) {
		batch.Queue(upsertSongRequest,
			req.ID, nullable(r.sessionID), req.ViewerID, req.ViewerName, req.RawQuery, req.NormalizedQuery,
			string(req.Status), nullable(req.TrackURI), nullable(req.TrackName), req.RequestedAt.UTC(), req.UpdatedAt.UTC(),
		)
		pending++
	}

	flush := func() {
		if pending == 0 {
			return
		}
		dbCtx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
		defer cancel()

		br := r.sender.SendBatch(dbCtx, batch)
		if err := br.Close(); err != nil {
			r.log.Error("history flush failed", slog.Int("rows", pending), slog.Any("error", err))
		} else {
			total += uint64(pending)
		}
		batch = &pgx.Batch{}
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			// Pick up what was buffered before Close.
			for n := len(r.input); n > 0; n-- {
				queueRow(<-r.input)
				if pending >= r.cfg.MaxBatch {
					flush()
				}
			}
			flush()
			r.log.Info("history recorder stopped", slog.Uint64("rows_written", total))
			return
		case <-ticker.C:
			flush()
		case req := <-r.input:
			queueRow(req)
			if pending >= r.cfg.MaxBatch {
				flush()
			}
		}
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LoadSessionRequests returns every persisted request of a session in request
// order, for rebuilding state after a restart.
func LoadSessionRequests(ctx context.Context, dbx *sql.DB, sessionID string) ([]queue.SongRequest, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT id, viewer_id, COALESCE(viewer_name, ''), raw_query, normalized_query, status,
		        COALESCE(track_uri, ''), COALESCE(track_name, ''), requested_at, updated_at
		 FROM song_requests WHERE session_id = $1 ORDER BY requested_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []queue.SongRequest
	for rows.Next() {
		var (
			req    queue.SongRequest
			status string
		)
		if err := rows.Scan(&req.ID, &req.ViewerID, &req.ViewerName, &req.RawQuery, &req.NormalizedQuery,
			&status, &req.TrackURI, &req.TrackName, &req.RequestedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		req.Status = queue.Status(status)
		out = append(out, req)
	}
	return out, rows.Err()
}
