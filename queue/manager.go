package queue

import (
	"sync"
	"time"

	"github.com/onnwee/request-tender/backend/telemetry"
)

// Options configures queue limits. Zero values disable the corresponding limit,
// except HistoryLimit which defaults to 1000.
type Options struct {
	MaxLength           int           // max Pending entries
	MaxPendingPerViewer int           // max Pending entries per viewer
	Cooldown            time.Duration // min gap between accepted requests from one viewer
	HistoryLimit        int           // retired entries kept in memory
	Now                 func() time.Time
}

// Manager serializes every queue mutation behind one mutex. No method performs I/O,
// so callers never wait on a network call to enqueue.
type Manager struct {
	opts Options

	mu          sync.Mutex
	pending     []SongRequest
	playing     *SongRequest
	history     []SongRequest
	lastRequest map[string]time.Time
	observers   map[int]Observer
	nextObsID   int

	changed chan struct{}
}

// NewManager creates an empty queue.
func NewManager(opts Options) *Manager {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:        opts,
		lastRequest: make(map[string]time.Time),
		observers:   make(map[int]Observer),
		changed:     make(chan struct{}, 1),
	}
}

// Subscribe registers an observer for all future transitions. The returned func
// unsubscribes and is safe to call more than once.
func (m *Manager) Subscribe(o Observer) func() {
	m.mu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = o
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// Changed returns a channel that receives a value after any mutation. Signals
// coalesce: one receive may stand for several changes.
func (m *Manager) Changed() <-chan struct{} { return m.changed }

// Enqueue appends req as Pending and returns its 1-based position among Pending entries.
func (m *Manager) Enqueue(req SongRequest) (int, error) {
	if req.ID == "" || req.ViewerID == "" {
		return 0, ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	if m.opts.MaxPendingPerViewer > 0 && m.pendingFor(req.ViewerID) >= m.opts.MaxPendingPerViewer {
		return 0, ErrRateLimited
	}
	if last, ok := m.lastRequest[req.ViewerID]; ok && m.opts.Cooldown > 0 && now.Sub(last) < m.opts.Cooldown {
		return 0, ErrRateLimited
	}
	if m.opts.MaxLength > 0 && len(m.pending) >= m.opts.MaxLength {
		return 0, ErrQueueFull
	}

	req.Status = StatusPending
	req.UpdatedAt = now
	m.pending = append(m.pending, req)
	m.lastRequest[req.ViewerID] = now
	m.emit(req, "", now)
	return len(m.pending), nil
}

// PeekNext returns the head of the Pending sequence without changing anything.
func (m *Manager) PeekNext() (SongRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return SongRequest{}, false
	}
	return m.pending[0], true
}

// Advance completes the current entry, if any, and promotes the head of the
// Pending sequence to Playing. It is the only way now playing changes.
func (m *Manager) Advance() (SongRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	m.retirePlaying(StatusCompleted, now)
	return m.promote(now)
}

// Skip marks the current entry Skipped and then advances.
func (m *Manager) Skip() (SongRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	m.retirePlaying(StatusSkipped, now)
	return m.promote(now)
}

// SkipIfPlaying skips only when id is the current entry. The controller uses it
// so a failure on an old entry never skips a newer one.
func (m *Manager) SkipIfPlaying(id string) (SongRequest, bool, error) {
	return m.retireIfPlaying(id, StatusSkipped)
}

// CompleteIfPlaying is Advance guarded by the id of the entry expected to be playing.
func (m *Manager) CompleteIfPlaying(id string) (SongRequest, bool, error) {
	return m.retireIfPlaying(id, StatusCompleted)
}

func (m *Manager) retireIfPlaying(id string, status Status) (SongRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing == nil || m.playing.ID != id {
		return SongRequest{}, false, ErrNotFound
	}
	now := m.opts.Now()
	m.retirePlaying(status, now)
	next, ok := m.promote(now)
	return next, ok, nil
}

// Remove retires a Pending entry. The Playing entry cannot be removed, only skipped.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pending {
		if m.pending[i].ID == id {
			m.removeAt(i, m.opts.Now())
			return nil
		}
	}
	return ErrNotFound
}

// RevokeLatest removes the viewer's most recent Pending entry.
func (m *Manager) RevokeLatest(viewerID string) (SongRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.pending) - 1; i >= 0; i-- {
		if m.pending[i].ViewerID == viewerID {
			return m.removeAt(i, m.opts.Now()), nil
		}
	}
	return SongRequest{}, ErrNotFound
}

// Resolve records the track the Playing entry resolved to.
func (m *Manager) Resolve(id, trackURI, trackName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing == nil || m.playing.ID != id {
		return ErrNotFound
	}
	updated := *m.playing
	updated.TrackURI = trackURI
	updated.TrackName = trackName
	updated.UpdatedAt = m.opts.Now()
	m.playing = &updated
	return nil
}

// Drain retires everything: Pending entries become Removed and the Playing entry
// Completed. It returns the number of entries retired.
func (m *Manager) Drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	n := len(m.pending)
	for len(m.pending) > 0 {
		m.removeAt(len(m.pending)-1, now)
	}
	if m.playing != nil {
		m.retirePlaying(StatusCompleted, now)
		n++
	}
	clear(m.lastRequest)
	return n
}

// NowPlaying returns the Playing entry, if any.
func (m *Manager) NowPlaying() (SongRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing == nil {
		return SongRequest{}, false
	}
	return *m.playing, true
}

// Snapshot returns now playing and the Pending sequence from one critical section.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{Pending: make([]SongRequest, len(m.pending))}
	copy(st.Pending, m.pending)
	if m.playing != nil {
		p := *m.playing
		st.NowPlaying = &p
	}
	return st
}

// Len returns the number of Pending entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// History returns retired entries, oldest first.
func (m *Manager) History() []SongRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SongRequest, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) pendingFor(viewerID string) int {
	n := 0
	for i := range m.pending {
		if m.pending[i].ViewerID == viewerID {
			n++
		}
	}
	return n
}

// removeAt must be called with mu held.
func (m *Manager) removeAt(i int, now time.Time) SongRequest {
	req := m.pending[i]
	m.pending = append(m.pending[:i], m.pending[i+1:]...)
	req.Status = StatusRemoved
	req.UpdatedAt = now
	m.archive(req)
	m.emit(req, StatusPending, now)
	return req
}

// retirePlaying must be called with mu held.
func (m *Manager) retirePlaying(status Status, now time.Time) {
	if m.playing == nil {
		return
	}
	req := *m.playing
	m.playing = nil
	req.Status = status
	req.UpdatedAt = now
	m.archive(req)
	m.emit(req, StatusPlaying, now)
}

// promote must be called with mu held and the Playing slot empty.
func (m *Manager) promote(now time.Time) (SongRequest, bool) {
	if len(m.pending) == 0 {
		return SongRequest{}, false
	}
	req := m.pending[0]
	m.pending = m.pending[1:]
	req.Status = StatusPlaying
	req.UpdatedAt = now
	m.playing = &req
	m.emit(req, StatusPending, now)
	return req, true
}

func (m *Manager) archive(req SongRequest) {
	m.history = append(m.history, req)
	if over := len(m.history) - m.opts.HistoryLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

func (m *Manager) emit(req SongRequest, from Status, now time.Time) {
	t := Transition{Request: req, From: from, At: now}
	telemetry.SetQueueDepth(len(m.pending))
	for _, o := range m.observers {
		o.OnTransition(t)
	}
	select {
	case m.changed <- struct{}{}:
	default:
	}
}
