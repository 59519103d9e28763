package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/request-tender/backend/telemetry"
)

// EventKind separates chat lines from engagement events such as gifts.
type EventKind string

const (
	EventMessage      EventKind = "" // a chat line, the only kind parsed for commands
	EventGift         EventKind = "gift"
	EventSubscription EventKind = "subscription"
	EventRaid         EventKind = "raid"
	EventFollow       EventKind = "follow"
	EventLike         EventKind = "like"
	EventShare        EventKind = "share"
	EventJoin         EventKind = "join"
)

// ChatEvent is one inbound chat line or engagement event. For engagement events
// Count is the number of items (gifts, subscriptions, likes, raiders) and Value
// the platform currency they carry (bits, diamonds).
type ChatEvent struct {
	MessageID   string    `json:"message_id,omitempty"`
	Kind        EventKind `json:"kind,omitempty"`
	ViewerID    string    `json:"viewer_id"`
	ViewerName  string    `json:"viewer_name"`
	RawText     string    `json:"raw_text"`
	ReceivedAt  time.Time `json:"received_at"`
	Broadcaster bool      `json:"broadcaster,omitempty"`
	Count       int       `json:"count,omitempty"`
	Value       int       `json:"value,omitempty"`
}

// Engagement reports whether ev is an engagement event rather than a chat line.
func (ev ChatEvent) Engagement() bool { return ev.Kind != EventMessage }

// Transport is a single chat connection attempt. Run dials, joins room, calls
// ready once the join is acknowledged, then passes every frame to deliver until
// the connection ends or ctx is canceled. deliver must not be called after Run returns.
type Transport interface {
	Run(ctx context.Context, room string, ready func(), deliver func(ChatEvent)) error
}

// ErrJoinRejected is returned by transports when the server refuses the room.
var ErrJoinRejected = errors.New("chat: join rejected")

// ErrAlreadyConnected is returned by Connect on a client that is already running.
var ErrAlreadyConnected = errors.New("chat: client already connected")

// ConnectionError reports that the room could not be joined on the first attempt.
type ConnectionError struct {
	Room string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chat: cannot join %q: %v", e.Room, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Options tunes a Client. Zero values select the defaults noted per field.
type Options struct {
	Buffer      int           // output channel capacity, default 256
	DedupWindow time.Duration // default 1s
	BackoffBase time.Duration // default 1s
	BackoffCap  time.Duration // default 30s
	Now         func() time.Time
}

// Client owns the ingestion task for one session.
type Client struct {
	transport Transport
	opts      Options
	dedup     *deduper
	dropped   atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	outMu   sync.RWMutex
	closed  bool
	stopped bool
}

// NewClient wraps a transport.
func NewClient(t Transport, opts Options) *Client {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{transport: t, opts: opts, dedup: newDeduper(opts.DedupWindow)}
}

// Connect joins room and returns the event stream. It blocks until the first
// handshake succeeds or fails; a first failure is returned as *ConnectionError.
// The stream is closed after Stop. ctx only bounds the initial handshake.
func (c *Client) Connect(ctx context.Context, room string) (<-chan ChatEvent, error) {
	c.mu.Lock()
	if c.cancel != nil || c.stopped {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	out := make(chan ChatEvent, c.opts.Buffer)
	first := make(chan error, 1)
	publish(Status{State: StateConnecting, Room: room, Since: c.opts.Now().UTC()})
	go c.run(runCtx, room, out, first)

	select {
	case err := <-first:
		if err != nil {
			c.Stop()
			return nil, err
		}
		return out, nil
	case <-ctx.Done():
		c.Stop()
		return nil, &ConnectionError{Room: room, Err: ctx.Err()}
	}
}

// Stop closes the connection and waits for the ingestion task to exit.
// Calling it more than once is a no-op.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.stopped = true
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Dropped returns how many events were discarded because the consumer fell behind.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) run(ctx context.Context, room string, out chan ChatEvent, first chan<- error) {
	defer close(c.done)
	defer c.closeOut(out)

	var firstOnce sync.Once
	signalFirst := func(err error) { firstOnce.Do(func() { first <- err }) }
	delay := newReconnectDelay(c.opts.BackoffBase, c.opts.BackoffCap)
	attempt := 0
	established := false

	for {
		var handshook atomic.Bool
		ready := func() {
			handshook.Store(true)
			publish(Status{State: StateConnected, Room: room, Since: c.opts.Now().UTC()})
			slog.Info("chat connected", slog.String("room", room), slog.Int("attempt", attempt), slog.String("component", "chat"))
			signalFirst(nil)
		}
		err := c.transport.Run(ctx, room, ready, c.deliverTo(out))

		if ctx.Err() != nil {
			publish(Status{State: StateStopped, Room: room, Since: c.opts.Now().UTC()})
			return
		}
		if handshook.Load() {
			established = true
			attempt = 0
			delay.Reset()
		}
		if !established {
			if err == nil {
				err = errors.New("connection closed before join")
			}
			publish(Status{State: StateDisconnected, Room: room, LastError: err.Error(), Since: c.opts.Now().UTC()})
			signalFirst(&ConnectionError{Room: room, Err: err})
			return
		}

		attempt++
		wait := delay.Next()
		errText := "connection closed"
		if err != nil {
			errText = err.Error()
		}
		now := c.opts.Now().UTC()
		publish(Status{State: StateReconnecting, Room: room, Attempt: attempt, LastError: errText, NextRetry: now.Add(wait), Since: now})
		telemetry.IncCounter(telemetry.ChatReconnects)
		slog.Warn("chat disconnected, reconnecting",
			slog.String("room", room),
			slog.Int("attempt", attempt),
			slog.Duration("delay", wait),
			slog.String("err", errText),
			slog.String("component", "chat"))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			publish(Status{State: StateStopped, Room: room, Since: c.opts.Now().UTC()})
			return
		case <-t.C:
		}
	}
}

func (c *Client) deliverTo(out chan<- ChatEvent) func(ChatEvent) {
	return func(ev ChatEvent) {
		now := c.opts.Now()
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = now.UTC()
		}
		if c.dedup.duplicate(ev, now) {
			telemetry.Inc(telemetry.ChatEvents, "duplicate")
			return
		}
		c.outMu.RLock()
		defer c.outMu.RUnlock()
		if c.closed {
			return
		}
		select {
		case out <- ev:
			telemetry.Inc(telemetry.ChatEvents, "delivered")
		default:
			n := c.dropped.Add(1)
			telemetry.Inc(telemetry.ChatEvents, "dropped")
			if n%100 == 1 {
				slog.Warn("chat buffer full, dropping events", slog.Uint64("dropped_total", n), slog.String("component", "chat"))
			}
		}
	}
}

func (c *Client) closeOut(out chan ChatEvent) {
	c.outMu.Lock()
	c.closed = true
	close(out)
	c.outMu.Unlock()
}

// reconnectDelay yields capped exponential delays with full jitter: each delay is
// uniform in [0, min(cap, base*2^n)].
type reconnectDelay struct {
	exp *backoff.ExponentialBackOff
}

func newReconnectDelay(base, ceiling time.Duration) *reconnectDelay {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = ceiling
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.Reset()
	return &reconnectDelay{exp: exp}
}

func (d *reconnectDelay) Next() time.Duration {
	ceil := d.exp.NextBackOff()
	//nolint:gosec // G404: jitter only, not security sensitive
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}

func (d *reconnectDelay) Reset() { d.exp.Reset() }
