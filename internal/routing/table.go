// Package routing keeps the conversation -> platform table the dispatcher uses
// to pick an adapter for outbound sends. The table is built from inbound
// traffic, bounded by an LRU size limit and an idle TTL, and can optionally
// write through to a Store so routes survive restarts.
package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"

	"github.com/golang/groupcache/lru"
)

// Route records where a conversation lives.
type Route struct {
	ConversationID string          `json:"conversationId"`
	Platform       domain.Platform `json:"platform"`
	Target         string          `json:"target"` // provider recipient: wa_id, chat id, PSID, address
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists routes outside the process.
type Store interface {
	Load(ctx context.Context, since time.Time, limit int) ([]Route, error)
	Save(ctx context.Context, r Route) error
	Close() error
}

type TableConfig struct {
	MaxEntries int
	TTL        time.Duration // 0 disables expiry
	Store      Store         // optional
	Logger     *slog.Logger
	OnEvict    func(Route)
}

// Table is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	cache  *lru.Cache
	ttl    time.Duration
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTable(cfg TableConfig) *Table {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := lru.New(cfg.MaxEntries)
	if cfg.OnEvict != nil {
		c.OnEvicted = func(_ lru.Key, v interface{}) {
			cfg.OnEvict(v.(Route))
		}
	}
	return &Table{
		cache:  c,
		ttl:    cfg.TTL,
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Warm loads still-live routes from the store, most recent winning the LRU.
func (t *Table) Warm(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	var since time.Time
	if t.ttl > 0 {
		since = t.now().Add(-t.ttl)
	}

	t.mu.Lock()
	limit := t.cache.MaxEntries
	t.mu.Unlock()

	routes, err := t.store.Load(ctx, since, limit)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Load returns newest first; insert oldest first so the newest end up most recently used.
	for i := len(routes) - 1; i >= 0; i-- {
		t.cache.Add(routes[i].ConversationID, routes[i])
	}
	return len(routes), nil
}

// Put records or refreshes a route. Store failures are logged; the in-memory entry is kept.
func (t *Table) Put(ctx context.Context, r Route) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = t.now()
	}
	if r.Target == "" {
		r.Target = r.ConversationID
	}

	t.mu.Lock()
	t.cache.Add(r.ConversationID, r)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Save(ctx, r); err != nil {
			t.logger.Warn("route persist failed", "conversation", r.ConversationID, "err", err)
		}
	}
}

// Lookup returns the route for a conversation. Entries idle longer than the TTL are dropped.
func (t *Table) Lookup(conversationID string) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.cache.Get(conversationID)
	if !ok {
		return Route{}, false
	}
	r := v.(Route)
	if t.ttl > 0 && t.now().Sub(r.UpdatedAt) > t.ttl {
		t.cache.Remove(conversationID)
		return Route{}, false
	}
	return r, true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Close releases the backing store, if any.
func (t *Table) Close() error {
	if t.store == nil {
		return nil
	}
	return t.store.Close()
}
