package chat

import (
	"sync"
	"time"
)

// minIDRetention bounds how long transport message ids are remembered.
const minIDRetention = 30 * time.Second

// deduper drops repeated frames: the same viewer sending the same text within
// window, or a frame id that was already seen. Engagement events are matched by
// id only; a burst of likes is not a repeat.
type deduper struct {
	window time.Duration

	mu        sync.Mutex
	texts     map[string]time.Time
	ids       map[string]time.Time
	lastSweep time.Time
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{
		window: window,
		texts:  make(map[string]time.Time),
		ids:    make(map[string]time.Time),
	}
}

// duplicate records ev as seen at now and reports whether it repeats an earlier frame.
func (d *deduper) duplicate(ev ChatEvent, now time.Time) bool {
	if d.window <= 0 && ev.MessageID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweep(now)

	if ev.MessageID != "" {
		if _, ok := d.ids[ev.MessageID]; ok {
			return true
		}
		d.ids[ev.MessageID] = now
	}
	if d.window <= 0 || ev.Engagement() {
		return false
	}
	key := ev.ViewerID + "\x00" + ev.RawText
	prev, ok := d.texts[key]
	d.texts[key] = now
	return ok && absDuration(now.Sub(prev)) < d.window
}

func (d *deduper) sweep(now time.Time) {
	if now.Sub(d.lastSweep) < d.window && now.Sub(d.lastSweep) < minIDRetention {
		return
	}
	d.lastSweep = now
	for k, at := range d.texts {
		if now.Sub(at) >= d.window {
			delete(d.texts, k)
		}
	}
	retention := max(d.window, minIDRetention)
	for k, at := range d.ids {
		if now.Sub(at) >= retention {
			delete(d.ids, k)
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
