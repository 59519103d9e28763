// Package player drives playback: it pulls the next request off the queue, resolves
// it against the music service and starts it, then advances when the track ends.
//
// The controller is the only consumer of queue.Manager.Changed. It never holds the
// queue lock across a network call, so enqueueing never waits on playback.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/request-tender/backend/oauth"
	"github.com/onnwee/request-tender/backend/queue"
	"github.com/onnwee/request-tender/backend/spotify"
	"github.com/onnwee/request-tender/backend/telemetry"
)

// MusicService resolves and plays tracks.
type MusicService interface {
	Search(ctx context.Context, token, query string) (spotify.Track, error)
	Play(ctx context.Context, token, uri string) error
}

// Credentials hands out access tokens.
type Credentials interface {
	GetValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Queue is the subset of queue.Manager the controller drives.
type Queue interface {
	Changed() <-chan struct{}
	NowPlaying() (queue.SongRequest, bool)
	PeekNext() (queue.SongRequest, bool)
	Advance() (queue.SongRequest, bool)
	CompleteIfPlaying(id string) (queue.SongRequest, bool, error)
	SkipIfPlaying(id string) (queue.SongRequest, bool, error)
	Resolve(id, trackURI, trackName string) error
}

// Notice kinds published to the dashboard.
const (
	NoticeNotAuthorized  = "not_authorized"
	NoticePlaybackFailed = "playback_failed"
	NoticeNowPlaying     = "now_playing"
)

// Notice is an operator-facing event.
type Notice struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Track     string `json:"track,omitempty"`
}

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	MaxAttempts        int           // per entry, default 3
	BackoffBase        time.Duration // first retry delay, default 1s
	CallTimeout        time.Duration // per external call, default 10s
	DefaultTrackLength time.Duration // when the service reports none, default 3m
	AuthRetryInterval  time.Duration // re-check for a credential while unauthorized, default 5s
	Notify             func(Notice)
}

// Controller runs the playback loop.
type Controller struct {
	q     Queue
	music MusicService
	creds Credentials
	opts  Options
	log   *slog.Logger

	// owned by the loop goroutine
	startedID    string
	trackEnd     *time.Timer
	unauthorized bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns an idle controller.
func New(q Queue, music MusicService, creds Credentials, opts Options) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.DefaultTrackLength <= 0 {
		opts.DefaultTrackLength = 3 * time.Minute
	}
	if opts.AuthRetryInterval <= 0 {
		opts.AuthRetryInterval = 5 * time.Second
	}
	if opts.Notify == nil {
		opts.Notify = func(Notice) {}
	}
	return &Controller{
		q:     q,
		music: music,
		creds: creds,
		opts:  opts,
		log:   slog.Default().With(slog.String("component", "player")),
		done:  make(chan struct{}),
	}
}

// Start launches the loop. It returns immediately.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go func() {
			defer close(c.done)
			c.run(ctx)
		}()
	})
}

// Stop asks the loop to exit and waits for it. A call already in flight finishes
// first; no further entries are pulled. Safe to call more than once.
func (c *Controller) Stop() {
	c.startOnce.Do(func() { close(c.done) }) // never started
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	<-c.done
}

func (c *Controller) run(ctx context.Context) {
	c.log.Info("playback controller started")
	defer c.log.Info("playback controller stopped")

	c.trackEnd = time.NewTimer(time.Hour)
	c.trackEnd.Stop()
	defer c.trackEnd.Stop()

	var authRetry <-chan time.Time
	for {
		authRetry = nil
		if blocked := c.step(ctx); blocked {
			authRetry = time.After(c.opts.AuthRetryInterval)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.q.Changed():
		case <-authRetry:
		case <-c.trackEnd.C:
			if c.startedID != "" {
				if _, _, err := c.q.CompleteIfPlaying(c.startedID); err == nil {
					c.log.Debug("track finished", slog.String("request_id", c.startedID))
				}
				c.startedID = ""
			}
		}
	}
}

// step brings the queue to a state where something the controller started is
// playing, or nothing can be. It reports true when blocked on authorization.
func (c *Controller) step(ctx context.Context) (blockedOnAuth bool) {
	for ctx.Err() == nil {
		cur, playing := c.q.NowPlaying()
		if playing && cur.ID == c.startedID {
			return false
		}
		if !playing {
			if _, ok := c.q.PeekNext(); !ok {
				return false
			}
		}
		// Check authorization before promoting so entries are not burned while
		// nobody has granted access yet.
		_, tokErr := c.token(ctx)
		if errors.Is(tokErr, oauth.ErrNotAuthorized) {
			if !c.unauthorized {
				c.unauthorized = true
				c.notifyUnauthorized()
			}
			return true
		}
		c.unauthorized = false
		if !playing {
			var ok bool
			if cur, ok = c.q.Advance(); !ok {
				return false
			}
		}
		c.startedID = ""
		c.trackEnd.Stop()
		err := tokErr
		if errors.Is(err, oauth.ErrRefreshFailed) {
			// A failed refresh ends this entry's call; retrying would only repeat the exchange.
			err = fmt.Errorf("play %q: %w", cur.RawQuery, err)
		} else {
			err = c.playEntry(ctx, cur)
		}
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, queue.ErrNotFound) {
				// skipped or removed while resolving
				continue
			}
			if errors.Is(err, oauth.ErrNotAuthorized) {
				c.notifyUnauthorized()
			}
			c.log.Warn("skipping request after playback failure",
				slog.String("request_id", cur.ID), slog.String("query", cur.RawQuery), slog.Any("err", err))
			c.opts.Notify(Notice{Kind: NoticePlaybackFailed, Message: err.Error(), RequestID: cur.ID})
			_, _, _ = c.q.SkipIfPlaying(cur.ID)
		}
	}
	return false
}

func (c *Controller) notifyUnauthorized() {
	c.log.Warn("playback blocked: no credential installed")
	c.opts.Notify(Notice{Kind: NoticeNotAuthorized, Message: "playback is not authorized; connect a Spotify account"})
}

// playEntry resolves and starts req, retrying per Options. On success it arms the
// track-end timer.
func (c *Controller) playEntry(ctx context.Context, req queue.SongRequest) error {
	var track spotify.Track
	var authRefreshed bool
	callCtx := context.WithoutCancel(ctx)

	op := func() (spotify.Track, error) {
		token, err := c.token(callCtx)
		if err != nil {
			if errors.Is(err, oauth.ErrNotAuthorized) || errors.Is(err, oauth.ErrRefreshFailed) {
				return spotify.Track{}, backoff.Permanent(err)
			}
			return spotify.Track{}, err
		}

		if track.URI == "" {
			tr, err := c.withAuthRetry(callCtx, token, &authRefreshed, func(tok string) (spotify.Track, error) {
				return c.search(callCtx, tok, req.NormalizedQuery)
			})
			if err != nil {
				return spotify.Track{}, c.retryable(err)
			}
			track = tr
			if err := c.q.Resolve(req.ID, track.URI, track.Display()); err != nil {
				// The entry was skipped or removed while resolving.
				return spotify.Track{}, backoff.Permanent(err)
			}
		}

		_, err = c.withAuthRetry(callCtx, token, &authRefreshed, func(tok string) (spotify.Track, error) {
			return track, c.play(callCtx, tok, track.URI)
		})
		if err != nil {
			return spotify.Track{}, c.retryable(err)
		}
		return track, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.BackoffBase
	expo.Multiplier = 2
	expo.MaxInterval = 30 * time.Second

	var played spotify.Track
	var err error
	telemetry.TimeFunc(telemetry.PlaybackDuration, func() {
		played, err = backoff.Retry(ctx, op,
			backoff.WithBackOff(expo),
			backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.log.Info("retrying playback", slog.String("request_id", req.ID), slog.Duration("in", next), slog.Any("err", err))
			}),
		)
	})
	if err != nil {
		return fmt.Errorf("play %q: %w", req.RawQuery, err)
	}

	c.startedID = req.ID
	length := played.Duration
	if length <= 0 {
		length = c.opts.DefaultTrackLength
	}
	c.trackEnd.Reset(length)
	c.log.Info("now playing", slog.String("request_id", req.ID), slog.String("track", played.Display()),
		slog.String("viewer", req.ViewerName), slog.Duration("length", length))
	c.opts.Notify(Notice{Kind: NoticeNowPlaying, Message: "now playing", RequestID: req.ID, Track: played.Display()})
	return nil
}

// withAuthRetry runs call once and, on an auth failure, forces one credential
// refresh per entry and runs it again.
func (c *Controller) withAuthRetry(ctx context.Context, token string, refreshed *bool, call func(string) (spotify.Track, error)) (spotify.Track, error) {
	tr, err := call(token)
	if err == nil || spotify.Classify(err) != spotify.ClassAuth {
		return tr, err
	}
	if *refreshed {
		return tr, backoff.Permanent(err)
	}
	*refreshed = true
	rctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	fresh, ferr := c.creds.ForceRefresh(rctx, token)
	cancel()
	if ferr != nil {
		return tr, backoff.Permanent(fmt.Errorf("%w (refresh: %w)", err, ferr))
	}
	tr, err = call(fresh)
	if err != nil && spotify.Classify(err) == spotify.ClassAuth {
		return tr, backoff.Permanent(err)
	}
	return tr, err
}

// retryable converts err into what backoff.Retry expects.
func (c *Controller) retryable(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	switch spotify.Classify(err) {
	case spotify.ClassFatal, spotify.ClassAuth:
		return backoff.Permanent(err)
	}
	if d := spotify.RetryAfter(err); d > 0 {
		return fmt.Errorf("%w: %w", err, backoff.RetryAfter(int(d/time.Second)))
	}
	return err
}

func (c *Controller) token(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.creds.GetValidToken(ctx)
}

func (c *Controller) search(ctx context.Context, token, query string) (spotify.Track, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	tr, err := c.music.Search(ctx, token, query)
	if err != nil {
		telemetry.Inc(telemetry.PlaybackAttempts, spotify.ResultLabel(err))
	}
	return tr, err
}

func (c *Controller) play(ctx context.Context, token, uri string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	err := c.music.Play(ctx, token, uri)
	telemetry.Inc(telemetry.PlaybackAttempts, spotify.ResultLabel(err))
	return err
}
