package routing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_PutLookup(t *testing.T) {
	tbl := NewTable(TableConfig{MaxEntries: 10})
	tbl.Put(context.Background(), Route{ConversationID: "521555", Platform: domain.PlatformWhatsApp})

	r, ok := tbl.Lookup("521555")
	require.True(t, ok)
	assert.Equal(t, domain.PlatformWhatsApp, r.Platform)
	assert.Equal(t, "521555", r.Target, "target defaults to the conversation id")

	_, ok = tbl.Lookup("unknown")
	assert.False(t, ok)
}

func TestTable_OverwriteChangesPlatform(t *testing.T) {
	tbl := NewTable(TableConfig{MaxEntries: 10})
	ctx := context.Background()
	tbl.Put(ctx, Route{ConversationID: "c", Platform: domain.PlatformWhatsApp})
	tbl.Put(ctx, Route{ConversationID: "c", Platform: domain.PlatformTelegram})

	r, ok := tbl.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, domain.PlatformTelegram, r.Platform)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_LRUEviction(t *testing.T) {
	var evicted []string
	tbl := NewTable(TableConfig{
		MaxEntries: 2,
		OnEvict:    func(r Route) { evicted = append(evicted, r.ConversationID) },
	})
	ctx := context.Background()
	tbl.Put(ctx, Route{ConversationID: "a", Platform: domain.PlatformEmail})
	tbl.Put(ctx, Route{ConversationID: "b", Platform: domain.PlatformEmail})
	_, _ = tbl.Lookup("a") // a is now most recently used
	tbl.Put(ctx, Route{ConversationID: "c", Platform: domain.PlatformEmail})

	assert.Equal(t, []string{"b"}, evicted)
	_, ok := tbl.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_TTLExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tbl := NewTable(TableConfig{MaxEntries: 10, TTL: time.Hour})
	tbl.now = func() time.Time { return now }

	tbl.Put(context.Background(), Route{ConversationID: "c", Platform: domain.PlatformInstagram})

	now = now.Add(59 * time.Minute)
	_, ok := tbl.Lookup("c")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = tbl.Lookup("c")
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_WarmFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "routes.db")

	store, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	tbl := NewTable(TableConfig{MaxEntries: 10, TTL: time.Hour, Store: store})
	tbl.Put(ctx, Route{ConversationID: "tg-99", Platform: domain.PlatformTelegram, Target: "99"})
	tbl.Put(ctx, Route{
		ConversationID: "stale",
		Platform:       domain.PlatformWhatsApp,
		UpdatedAt:      time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, tbl.Close())

	store, err = NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	warm := NewTable(TableConfig{MaxEntries: 10, TTL: time.Hour, Store: store})
	defer warm.Close()

	n, err := warm.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired routes are not loaded")

	r, ok := warm.Lookup("tg-99")
	require.True(t, ok)
	assert.Equal(t, domain.PlatformTelegram, r.Platform)
	assert.Equal(t, "99", r.Target)
}

func TestDedupe_CheckAndMark(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := NewDedupe(time.Minute, 10)
	d.now = func() time.Time { return now }

	assert.False(t, d.CheckAndMark("whatsapp:wamid.1"))
	assert.True(t, d.CheckAndMark("whatsapp:wamid.1"))
	assert.False(t, d.CheckAndMark("telegram:wamid.1"))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.CheckAndMark("whatsapp:wamid.1"), "expired keys count as new")
}
