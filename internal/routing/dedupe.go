package routing

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// Dedupe remembers recently seen keys (platform + provider message id) so that
// payloads replayed by the backend after a reconnect are published only once.
type Dedupe struct {
	mu     sync.Mutex
	seen   *lru.Cache
	window time.Duration
	now    func() time.Time
}

// NewDedupe keeps at most maxSize keys, each for window.
func NewDedupe(window time.Duration, maxSize int) *Dedupe {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Dedupe{
		seen:   lru.New(maxSize),
		window: window,
		now:    time.Now,
	}
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen within the window.
func (d *Dedupe) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if v, ok := d.seen.Get(key); ok && now.Sub(v.(time.Time)) < d.window {
		return true
	}
	d.seen.Add(key, now)
	return false
}
