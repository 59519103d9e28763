package chat

import (
	"sync/atomic"
	"time"

	"github.com/onnwee/request-tender/backend/telemetry"
)

// State is the connection state shown on the dashboard.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Status is replaced as a whole on every change so readers never see a mix of
// old and new fields.
type Status struct {
	State     State     `json:"state"`
	Room      string    `json:"room,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRetry time.Time `json:"next_retry,omitzero"`
	Since     time.Time `json:"since"`
}

var current atomic.Pointer[Status]

// CurrentStatus returns the latest published status.
func CurrentStatus() Status {
	if s := current.Load(); s != nil {
		return *s
	}
	return Status{State: StateDisconnected}
}

// InitStatus marks the start of a session's connection lifecycle for room.
func InitStatus(room string) {
	publish(Status{State: StateConnecting, Room: room, Since: time.Now().UTC()})
}

// ResetStatus tears the status back down to Disconnected.
func ResetStatus() {
	publish(Status{State: StateDisconnected, Since: time.Now().UTC()})
}

func publish(s Status) {
	current.Store(&s)
	if s.State == StateConnected {
		telemetry.SetGauge(telemetry.ChatConnected, 1)
	} else {
		telemetry.SetGauge(telemetry.ChatConnected, 0)
	}
}
