package histdata

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/types"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	bars  []types.Bar
	err   error
}

func (f *fakeFetcher) RetrieveBars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sampleBars(t *testing.T) []types.Bar {
	t.Helper()
	base := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	var bars []types.Bar
	for i := 0; i < 3; i++ {
		px := decimal.RequireFromString("21050.25").Add(decimal.NewFromInt(int64(i)))
		bars = append(bars, types.Bar{
			Time:   base.Add(time.Duration(i) * time.Minute),
			Open:   px,
			High:   px.Add(decimal.RequireFromString("1.5")),
			Low:    px.Sub(decimal.RequireFromString("0.75")),
			Close:  px.Add(decimal.RequireFromString("0.25")),
			Volume: int64(100 + i),
		})
	}
	return bars
}

// chicagoOpen returns a moment the CME session is open.
func chicagoOpen(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return time.Date(2025, 6, 2, 10, 0, 0, 0, loc) // Monday mid-session
}

func newTestCache(t *testing.T, dir string, origin Fetcher) *Cache {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = dir
	c, err := New(cfg, origin, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	open := chicagoOpen(t)
	c.now = func() time.Time { return open }
	return c
}

func barsEqual(a, b []types.Bar) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Time.Equal(b[i].Time) ||
			!a[i].Open.Equal(b[i].Open) ||
			!a[i].High.Equal(b[i].High) ||
			!a[i].Low.Equal(b[i].Low) ||
			!a[i].Close.Equal(b[i].Close) ||
			a[i].Volume != b[i].Volume {
			return false
		}
	}
	return true
}

func TestCache_ColdMissThenHits(t *testing.T) {
	origin := &fakeFetcher{bars: sampleBars(t)}
	c := newTestCache(t, t.TempDir(), origin)

	const n = 5
	for i := 0; i < n; i++ {
		bars, err := c.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !barsEqual(bars, origin.bars) {
			t.Fatalf("get %d returned wrong bars", i)
		}
	}

	if got := origin.callCount(); got != 1 {
		t.Errorf("origin fetches = %d, want 1", got)
	}
	stats := c.Stats()
	if stats.MemoryMisses != 1 || stats.MemoryHits != n-1 {
		t.Errorf("memory hits/misses = %d/%d, want %d/1", stats.MemoryHits, stats.MemoryMisses, n-1)
	}
	if stats.OriginFetches != 1 {
		t.Errorf("origin fetch counter = %d, want 1", stats.OriginFetches)
	}
}

func TestCache_DurableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	origin := &fakeFetcher{bars: sampleBars(t)}

	first := newTestCache(t, dir, origin)
	if _, err := first.GetBars(context.Background(), "MES", types.Timeframe1m, 3); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// A fresh process with an empty memory tier must serve the same key
	// from the snapshot without touching the origin.
	second := newTestCache(t, dir, origin)
	bars, err := second.GetBars(context.Background(), "MES", types.Timeframe1m, 3)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !barsEqual(bars, origin.bars) {
		t.Error("snapshot round trip lost data")
	}
	if got := origin.callCount(); got != 1 {
		t.Errorf("origin fetches = %d, want 1", got)
	}
	if stats := second.Stats(); stats.DurableHits != 1 {
		t.Errorf("durable hits = %d, want 1", stats.DurableHits)
	}
}

func TestCache_GobFormatRoundTrip(t *testing.T) {
	dir := t.TempDir()
	origin := &fakeFetcher{bars: sampleBars(t)}

	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Format = FormatGob
	first, err := New(cfg, origin, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	open := chicagoOpen(t)
	first.now = func() time.Time { return open }

	if _, err := first.GetBars(context.Background(), "MGC", types.Timeframe5m, 3); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// Parquet-configured readers still accept the legacy format.
	second := newTestCache(t, dir, origin)
	bars, err := second.GetBars(context.Background(), "MGC", types.Timeframe5m, 3)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !barsEqual(bars, origin.bars) {
		t.Error("legacy snapshot round trip lost data")
	}
	if got := origin.callCount(); got != 1 {
		t.Errorf("origin fetches = %d, want 1", got)
	}
}

func TestCache_CorruptSnapshotFallsThrough(t *testing.T) {
	dir := t.TempDir()
	origin := &fakeFetcher{bars: sampleBars(t)}

	c := newTestCache(t, dir, origin)
	if _, err := c.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3); err != nil {
		t.Fatalf("warm: %v", err)
	}

	path := filepath.Join(dir, "MNQ_1m_3.parquet")
	if err := os.WriteFile(path, []byte("not a parquet file"), 0o644); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}

	fresh := newTestCache(t, dir, origin)
	bars, err := fresh.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3)
	if err != nil {
		t.Fatalf("get after corruption: %v", err)
	}
	if !barsEqual(bars, origin.bars) {
		t.Error("corrupted entry should be refetched from origin")
	}
	if got := origin.callCount(); got != 2 {
		t.Errorf("origin fetches = %d, want 2", got)
	}

	// The snapshot must have been rewritten readable.
	again := newTestCache(t, dir, origin)
	if _, err := again.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3); err != nil {
		t.Fatalf("get after rewrite: %v", err)
	}
	if got := origin.callCount(); got != 2 {
		t.Errorf("rewritten snapshot should serve without origin, fetches = %d", got)
	}
}

func TestCache_ConcurrentColdLookupsShareOneFetch(t *testing.T) {
	origin := &fakeFetcher{bars: sampleBars(t), delay: 20 * time.Millisecond}
	c := newTestCache(t, t.TempDir(), origin)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3); err != nil {
				t.Errorf("concurrent get: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := origin.callCount(); got != 1 {
		t.Errorf("concurrent cold lookups made %d origin fetches, want 1", got)
	}
}

func TestCache_StaleDuringOpenSession(t *testing.T) {
	origin := &fakeFetcher{bars: sampleBars(t)}
	c := newTestCache(t, t.TempDir(), origin)

	open := chicagoOpen(t)
	now := open
	c.now = func() time.Time { return now }

	if _, err := c.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// Within one bar interval the entry is still fresh.
	now = open.Add(30 * time.Second)
	if _, err := c.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3); err != nil {
		t.Fatalf("fresh get: %v", err)
	}
	if got := origin.callCount(); got != 1 {
		t.Fatalf("fresh entry refetched, fetches = %d", got)
	}

	// Past one bar interval with the market open, a new bar may exist.
	now = open.Add(2 * time.Minute)
	if _, err := c.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3); err != nil {
		t.Fatalf("stale get: %v", err)
	}
	if got := origin.callCount(); got != 2 {
		t.Errorf("stale entry should refetch, fetches = %d", got)
	}
}

func TestCache_FreshAcrossClosedPeriod(t *testing.T) {
	origin := &fakeFetcher{bars: sampleBars(t)}
	c := newTestCache(t, t.TempDir(), origin)

	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	saturdayMorning := time.Date(2025, 6, 7, 9, 0, 0, 0, loc)
	saturdayEvening := time.Date(2025, 6, 7, 21, 0, 0, 0, loc)

	if !c.fresh(saturdayMorning, saturdayEvening, types.Timeframe1m) {
		t.Error("entry fetched during the weekend should stay fresh until Sunday open")
	}

	sundayOpen := time.Date(2025, 6, 8, 17, 30, 0, 0, loc)
	if c.fresh(saturdayMorning, sundayOpen, types.Timeframe1m) {
		t.Error("weekend entry should go stale once the session reopens")
	}
}

func TestCache_MemoryEviction(t *testing.T) {
	origin := &fakeFetcher{bars: sampleBars(t)}

	cfg := DefaultConfig()
	cfg.Dir = "" // isolate the memory tier
	cfg.MemoryCapacity = 2
	c, err := New(cfg, origin, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	open := chicagoOpen(t)
	c.now = func() time.Time { return open }

	for _, sym := range []string{"MNQ", "MES", "MGC"} {
		if _, err := c.GetBars(context.Background(), sym, types.Timeframe1m, 3); err != nil {
			t.Fatalf("get %s: %v", sym, err)
		}
	}

	// MNQ was evicted by MGC; re-reading it goes back to the origin.
	if _, err := c.GetBars(context.Background(), "MNQ", types.Timeframe1m, 3); err != nil {
		t.Fatalf("reread: %v", err)
	}
	if got := origin.callCount(); got != 4 {
		t.Errorf("origin fetches = %d, want 4 (3 cold + 1 evicted)", got)
	}

	// MGC is still resident.
	if _, err := c.GetBars(context.Background(), "MGC", types.Timeframe1m, 3); err != nil {
		t.Fatalf("resident get: %v", err)
	}
	if got := origin.callCount(); got != 4 {
		t.Errorf("resident key refetched, fetches = %d", got)
	}
}
