package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-capture/internal/product"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestPutGetWithinTTL(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := New(Config{TTL: time.Hour}, clk)
	defer c.Close() //nolint:errcheck
	ctx := context.Background()

	rec := product.MergedRecord{ProductName: "Bohrer", ArticleNumber: "B-100"}
	require.NoError(t, c.Put(ctx, "fp", rec))

	got, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := New(Config{TTL: time.Minute}, clk)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "fp", product.MergedRecord{ProductName: "x"}))

	clk.Advance(59 * time.Second)
	_, ok, _ := c.Get(ctx, "fp")
	require.True(t, ok)

	clk.Advance(time.Second)
	_, ok, _ = c.Get(ctx, "fp")
	require.False(t, ok)

	require.Equal(t, 1, c.Sweep())
	require.Zero(t, c.Len())
}

func TestEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := New(Config{TTL: time.Hour, MaxEntries: 2}, clk)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", product.MergedRecord{ProductName: "a"}))
	clk.Advance(time.Second)
	require.NoError(t, c.Put(ctx, "b", product.MergedRecord{ProductName: "b"}))
	clk.Advance(time.Second)
	require.NoError(t, c.Put(ctx, "c", product.MergedRecord{ProductName: "c"}))

	require.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "a")
	require.False(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	require.True(t, ok)

	// overwriting an existing key never evicts
	require.NoError(t, c.Put(ctx, "b", product.MergedRecord{ProductName: "b2"}))
	require.Equal(t, 2, c.Len())
}

func TestJanitorSweeps(t *testing.T) {
	t.Parallel()

	clk := newClock()
	c := New(Config{TTL: time.Minute, JanitorInterval: 5 * time.Millisecond}, clk)
	defer c.Close() //nolint:errcheck
	require.NoError(t, c.Put(context.Background(), "fp", product.MergedRecord{}))
	clk.Advance(time.Hour)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
}
