// Package analytics accumulates per-session request statistics for the dashboard.
//
// The Aggregator is a passive observer: it is fed parser outcomes and queue
// transitions and never touches queue state. Everything it holds can be rebuilt
// from the queue's request log with Rebuild.
package analytics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/request-tender/backend/chat"
	"github.com/onnwee/request-tender/backend/command"
	"github.com/onnwee/request-tender/backend/queue"
	"github.com/onnwee/request-tender/backend/telemetry"
)

// SongCount is one row of the popularity table.
type SongCount struct {
	Song           string    `json:"song"`
	Count          int       `json:"count"`
	FirstRequested time.Time `json:"first_requested"`
}

// Snapshot is a consistent copy of the counters.
type Snapshot struct {
	SessionStart      time.Time      `json:"session_start"`
	TotalRequests     int            `json:"total_requests"`
	UniqueViewerCount int            `json:"unique_viewer_count"`
	TopSongs          []SongCount    `json:"top_songs"`
	Rejected          map[string]int `json:"rejected"`
	QueueRejected     map[string]int `json:"queue_rejected"`
	Completed         int            `json:"completed"`
	Skipped           int            `json:"skipped"`
	Removed           int            `json:"removed"`
	PlaybackFailed    int            `json:"playback_failed"` // skipped because playback could not start
	Engagement        Engagement     `json:"engagement"`
}

// Engagement totals the non-command events of a session.
type Engagement struct {
	Events        map[string]int `json:"events"`     // occurrences by kind
	Gifts         int            `json:"gifts"`      // gift items, e.g. a combo of 5 roses counts 5
	GiftValue     int            `json:"gift_value"` // platform currency: bits, diamonds
	Gifters       int            `json:"gifters"`
	Subscriptions int            `json:"subscriptions"`
	RaidViewers   int            `json:"raid_viewers"`
	Likes         int            `json:"likes"`
}

type songStat struct {
	count int
	first time.Time
	seq   uint64
}

// Aggregator is safe for concurrent use. One mutex covers every counter so a
// snapshot never pairs a total with a stale viewer set.
type Aggregator struct {
	topK int

	mu            sync.Mutex
	sessionStart  time.Time
	total         int
	viewers       map[string]struct{}
	songs         map[string]*songStat
	seq           uint64
	rejected      map[string]int
	queueRejected map[string]int
	completed     int
	skipped       int
	removed       int
	failed        int
	engagement    Engagement
	gifters       map[string]struct{}
}

// New returns an empty aggregator keeping the topK most requested songs (default 10).
func New(topK int, sessionStart time.Time) *Aggregator {
	if topK <= 0 {
		topK = 10
	}
	a := &Aggregator{topK: topK}
	a.reset(sessionStart)
	return a
}

// Reset clears all counters and starts a new session window.
func (a *Aggregator) Reset(sessionStart time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset(sessionStart)
}

func (a *Aggregator) reset(sessionStart time.Time) {
	a.sessionStart = sessionStart.UTC()
	a.total = 0
	a.viewers = make(map[string]struct{})
	a.songs = make(map[string]*songStat)
	a.seq = 0
	a.rejected = make(map[string]int)
	a.queueRejected = make(map[string]int)
	a.completed, a.skipped, a.removed = 0, 0, 0
	a.failed = 0
	a.engagement = Engagement{Events: make(map[string]int)}
	a.gifters = make(map[string]struct{})
}

// RecordParse counts a parser outcome. Accepted lines are counted once they reach
// the queue, through OnTransition.
func (a *Aggregator) RecordParse(reason command.RejectReason) {
	telemetry.Inc(telemetry.CommandsParsed, reason.String())
	if reason == command.Accepted {
		return
	}
	a.mu.Lock()
	a.rejected[reason.String()]++
	a.mu.Unlock()
}

// RecordEnqueueError counts a request the queue refused.
func (a *Aggregator) RecordEnqueueError(err error) {
	var reason string
	switch {
	case errors.Is(err, queue.ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, queue.ErrQueueFull):
		reason = "queue_full"
	default:
		reason = "invalid"
	}
	telemetry.Inc(telemetry.EnqueueRejected, reason)
	a.mu.Lock()
	a.queueRejected[reason]++
	a.mu.Unlock()
}

// RecordEngagement counts a gift, subscription, raid or other non-command event.
// Chat lines are ignored.
func (a *Aggregator) RecordEngagement(ev chat.ChatEvent) {
	if !ev.Engagement() {
		return
	}
	telemetry.Inc(telemetry.Engagement, string(ev.Kind))
	count := max(ev.Count, 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	e := &a.engagement
	e.Events[string(ev.Kind)]++
	switch ev.Kind {
	case chat.EventGift:
		e.Gifts += count
		e.GiftValue += ev.Value
		a.gifters[ev.ViewerID] = struct{}{}
	case chat.EventSubscription:
		e.Subscriptions += count
	case chat.EventRaid:
		e.RaidViewers += ev.Count
	case chat.EventLike:
		e.Likes += count
	}
}

// RecordPlaybackFailure counts an entry skipped because it could not be played.
func (a *Aggregator) RecordPlaybackFailure() {
	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
}

// OnTransition implements queue.Observer.
func (a *Aggregator) OnTransition(t queue.Transition) {
	telemetry.Inc(telemetry.QueueTransitions, string(t.Request.Status))
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.From == "" && t.Request.Status == queue.StatusPending {
		a.countRequest(t.Request)
		return
	}
	a.countOutcome(t.Request.Status)
}

// countRequest must be called with mu held.
func (a *Aggregator) countRequest(r queue.SongRequest) {
	a.total++
	a.viewers[r.ViewerID] = struct{}{}
	st, ok := a.songs[r.NormalizedQuery]
	if !ok {
		a.seq++
		st = &songStat{first: r.RequestedAt, seq: a.seq}
		a.songs[r.NormalizedQuery] = st
	}
	st.count++
}

// countOutcome must be called with mu held.
func (a *Aggregator) countOutcome(s queue.Status) {
	switch s {
	case queue.StatusCompleted:
		a.completed++
	case queue.StatusSkipped:
		a.skipped++
	case queue.StatusRemoved:
		a.removed++
	}
}

// Snapshot returns a consistent copy of every counter.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	type row struct {
		song string
		*songStat
	}
	rows := make([]row, 0, len(a.songs))
	for song, st := range a.songs {
		rows = append(rows, row{song, st})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		if !rows[i].first.Equal(rows[j].first) {
			return rows[i].first.Before(rows[j].first)
		}
		return rows[i].seq < rows[j].seq
	})
	if len(rows) > a.topK {
		rows = rows[:a.topK]
	}
	top := make([]SongCount, len(rows))
	for i, r := range rows {
		top[i] = SongCount{Song: r.song, Count: r.count, FirstRequested: r.first}
	}

	return Snapshot{
		SessionStart:      a.sessionStart,
		TotalRequests:     a.total,
		UniqueViewerCount: len(a.viewers),
		TopSongs:          top,
		Rejected:          copyCounts(a.rejected),
		QueueRejected:     copyCounts(a.queueRejected),
		Completed:         a.completed,
		Skipped:           a.skipped,
		Removed:           a.removed,
		PlaybackFailed:    a.failed,
		Engagement:        a.engagementCopy(),
	}
}

// engagementCopy must be called with mu held.
func (a *Aggregator) engagementCopy() Engagement {
	e := a.engagement
	e.Events = copyCounts(a.engagement.Events)
	e.Gifters = len(a.gifters)
	return e
}

// Rebuild recomputes request-derived counters from entries (the queue's retired
// history plus its active entries), in request order. Rejection, failure and
// engagement counters are kept since they never reach the queue.
func (a *Aggregator) Rebuild(entries []queue.SongRequest) {
	sorted := make([]queue.SongRequest, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RequestedAt.Before(sorted[j].RequestedAt)
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	rejected, queueRejected := a.rejected, a.queueRejected
	failed, engagement, gifters := a.failed, a.engagement, a.gifters
	a.reset(a.sessionStart)
	a.rejected, a.queueRejected = rejected, queueRejected
	a.failed, a.engagement, a.gifters = failed, engagement, gifters
	for _, r := range sorted {
		a.countRequest(r)
		a.countOutcome(r.Status)
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
