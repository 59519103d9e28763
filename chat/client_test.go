package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errDropped = errors.New("connection reset by peer")

// step scripts one call to Run.
type step struct {
	fail   error       // returned before the handshake
	events []ChatEvent // delivered after ready
	hold   bool        // block until ctx is canceled instead of dropping
}

type scriptedTransport struct {
	mu        sync.Mutex
	steps     []step
	calls     int
	delivered chan struct{}
}

func newScripted(steps ...step) *scriptedTransport {
	return &scriptedTransport{steps: steps, delivered: make(chan struct{}, 16)}
}

func (s *scriptedTransport) Run(ctx context.Context, room string, ready func(), deliver func(ChatEvent)) error {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	st := s.steps[i]
	s.calls++
	s.mu.Unlock()

	if st.fail != nil {
		return st.fail
	}
	ready()
	for _, ev := range st.events {
		deliver(ev)
	}
	s.delivered <- struct{}{}
	if st.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return errDropped
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastOptions() Options {
	return Options{BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond, DedupWindow: time.Second}
}

func receive(t *testing.T, ch <-chan ChatEvent) ChatEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat event")
	}
	return ChatEvent{}
}

func TestConnectInitialFailure(t *testing.T) {
	tr := newScripted(step{fail: ErrJoinRejected})
	c := NewClient(tr, fastOptions())
	_, err := c.Connect(context.Background(), "nosuchroom")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() err = %v, want *ConnectionError", err)
	}
	if !errors.Is(err, ErrJoinRejected) {
		t.Errorf("Connect() err should wrap ErrJoinRejected: %v", err)
	}
	if connErr.Room != "nosuchroom" {
		t.Errorf("Room = %q", connErr.Room)
	}
	if tr.Calls() != 1 {
		t.Errorf("transport calls = %d, want 1 (no retry before first join)", tr.Calls())
	}
	if st := CurrentStatus(); st.State == StateConnected {
		t.Errorf("status = %s after failed connect", st.State)
	}
	c.Stop()
}

func TestConnectCanceledContext(t *testing.T) {
	c := NewClient(blockingTransport{}, fastOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Connect(ctx, "room")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() err = %v, want ConnectionError wrapping deadline", err)
	}
}

// blockingTransport never completes the handshake.
type blockingTransport struct{}

func (blockingTransport) Run(ctx context.Context, _ string, _ func(), _ func(ChatEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestReconnectAfterDrop(t *testing.T) {
	tr := newScripted(
		step{events: []ChatEvent{{ViewerID: "1", ViewerName: "alice", RawText: "!play one"}}},
		step{events: []ChatEvent{{ViewerID: "2", ViewerName: "bob", RawText: "!play two"}}, hold: true},
	)
	c := NewClient(tr, fastOptions())
	events, err := c.Connect(context.Background(), "room")
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	first := receive(t, events)
	second := receive(t, events)
	if first.ViewerName != "alice" || second.ViewerName != "bob" {
		t.Errorf("events = %+v, %+v", first, second)
	}
	if first.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be stamped on delivery")
	}
	if tr.Calls() != 2 {
		t.Errorf("transport calls = %d, want 2", tr.Calls())
	}
	if st := CurrentStatus(); st.State != StateConnected {
		t.Errorf("status = %s, want connected after reconnect", st.State)
	}

	c.Stop()
	c.Stop()
	if _, ok := <-events; ok {
		t.Error("event stream should be closed after Stop")
	}
	if st := CurrentStatus(); st.State != StateStopped {
		t.Errorf("status = %s, want stopped", st.State)
	}
}

func TestDuplicateFramesDropped(t *testing.T) {
	tr := newScripted(step{events: []ChatEvent{
		{ViewerID: "1", RawText: "!play song"},
		{ViewerID: "1", RawText: "!play song"},           // same viewer, same text
		{ViewerID: "2", RawText: "!play song"},           // other viewer
		{ViewerID: "1", RawText: "!play other"},          // other text
		{MessageID: "m1", ViewerID: "3", RawText: "hey"}, // first sight of m1
		{MessageID: "m1", ViewerID: "3", RawText: "hey!"},
	}, hold: true})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := fastOptions()
	opts.Now = func() time.Time { return clock }
	c := NewClient(tr, opts)
	events, err := c.Connect(context.Background(), "room")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	<-tr.delivered

	if got := len(events); got != 4 {
		t.Errorf("buffered events = %d, want 4", got)
	}
}

func TestBackpressureDropsWhenFull(t *testing.T) {
	tr := newScripted(step{events: []ChatEvent{
		{ViewerID: "1", RawText: "a"},
		{ViewerID: "2", RawText: "b"},
		{ViewerID: "3", RawText: "c"},
	}, hold: true})
	opts := fastOptions()
	opts.Buffer = 1
	c := NewClient(tr, opts)
	events, err := c.Connect(context.Background(), "room")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	<-tr.delivered

	if c.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", c.Dropped())
	}
	if ev := receive(t, events); ev.RawText != "a" {
		t.Errorf("kept event = %q, want the first one", ev.RawText)
	}
}

func TestConnectTwice(t *testing.T) {
	c := NewClient(newScripted(step{hold: true}), fastOptions())
	if _, err := c.Connect(context.Background(), "room"); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	if _, err := c.Connect(context.Background(), "room"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() err = %v, want ErrAlreadyConnected", err)
	}
}

func TestReconnectDelayFullJitter(t *testing.T) {
	d := newReconnectDelay(100*time.Millisecond, 400*time.Millisecond)
	ceilings := []time.Duration{100, 200, 400, 400, 400}
	for i, ceil := range ceilings {
		got := d.Next()
		if got < 0 || got > ceil*time.Millisecond {
			t.Errorf("delay[%d] = %v, want within [0, %v]", i, got, ceil*time.Millisecond)
		}
	}
	d.Reset()
	if got := d.Next(); got > 100*time.Millisecond {
		t.Errorf("delay after Reset = %v, want <= base", got)
	}
}

func TestStatusLifecycle(t *testing.T) {
	InitStatus("room")
	if st := CurrentStatus(); st.State != StateConnecting || st.Room != "room" {
		t.Errorf("after InitStatus = %+v", st)
	}
	ResetStatus()
	if st := CurrentStatus(); st.State != StateDisconnected || st.Room != "" {
		t.Errorf("after ResetStatus = %+v", st)
	}
}
