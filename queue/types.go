// Package queue holds the ordered song request queue shared by chat handlers,
// the playback controller and the dashboard.
package queue

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a SongRequest.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusRemoved   Status = "removed"
)

// Retired reports whether the status is terminal.
func (s Status) Retired() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusRemoved
}

// SongRequest is a viewer's request. The queue only ever hands out copies;
// changing one never changes queue state.
type SongRequest struct {
	ID              string    `json:"id"`
	ViewerID        string    `json:"viewer_id"`
	ViewerName      string    `json:"viewer_name"`
	RawQuery        string    `json:"raw_query"`
	NormalizedQuery string    `json:"normalized_query"`
	RequestedAt     time.Time `json:"requested_at"`
	Status          Status    `json:"status"`
	TrackURI        string    `json:"track_uri,omitempty"`
	TrackName       string    `json:"track_name,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Transition describes one status change. From is empty for a fresh enqueue.
type Transition struct {
	Request SongRequest
	From    Status
	At      time.Time
}

// Observer receives every transition in order. OnTransition runs while the queue
// lock is held: it must not block and must not call back into the Manager.
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// State is a consistent view of the active queue.
type State struct {
	NowPlaying *SongRequest  `json:"now_playing"`
	Pending    []SongRequest `json:"pending"`
}

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrRateLimited    = errors.New("viewer is rate limited")
	ErrNotFound       = errors.New("request not found")
	ErrInvalidRequest = errors.New("invalid request")
)
