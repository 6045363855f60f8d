// Package debounce suppresses repeated parsing of the same link inside one
// session. The window is pure time: only the first-seen timestamp matters
// until it expires, then a new window starts. Stale entries are never
// actively expired; they are harmless and only ever looked up by exact key.
package debounce

import (
	"sync"
	"time"
)

type key struct {
	session string
	link    string
}

type Debouncer struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	seen map[key]time.Time
}

func New(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		now:      time.Now,
		seen:     make(map[key]time.Time),
	}
}

// Hit reports whether the identical (session, link) pair was already seen
// within the interval. A miss records the sighting and opens a new window.
func (d *Debouncer) Hit(session, link string) bool {
	if d.interval <= 0 {
		return false
	}

	k := key{session: session, link: link}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[k]; ok && d.now().Sub(ts) < d.interval {
		return true
	}

	d.seen[k] = d.now()
	return false
}
