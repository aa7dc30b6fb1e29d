// Package histdata caches OHLCV bars behind a three-tier read-through
// hierarchy: memory, durable snapshot files, origin API.
package histdata

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trananhduc/apexbot/internal/market"
	"github.com/trananhduc/apexbot/internal/metrics"
	"github.com/trananhduc/apexbot/internal/types"
)

// Snapshot formats for the durable tier.
const (
	FormatParquet = "parquet"
	FormatGob     = "gob"
)

// Fetcher is the origin for bar data, typically the broker API.
type Fetcher interface {
	RetrieveBars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error)
}

// Config holds cache settings.
type Config struct {
	// Dir is the durable-tier directory. Empty disables the durable
	// tier; lookups go memory -> origin.
	Dir string

	// Format selects the snapshot codec for new writes. Readers accept
	// both formats regardless.
	Format string

	// MemoryCapacity bounds the number of in-memory entries. Least
	// recently used entries are evicted first.
	MemoryCapacity int
}

// DefaultConfig returns default cache settings.
func DefaultConfig() Config {
	return Config{
		Dir:            "data/cache",
		Format:         FormatParquet,
		MemoryCapacity: 256,
	}
}

// key identifies one cached request.
type key struct {
	Symbol    string
	Timeframe types.Timeframe
	Count     int
}

func newKey(symbol string, tf types.Timeframe, count int) key {
	return key{Symbol: strings.ToUpper(symbol), Timeframe: tf, Count: count}
}

func (k key) String() string {
	return fmt.Sprintf("%s_%s_%d", k.Symbol, k.Timeframe, k.Count)
}

type entry struct {
	bars      []types.Bar
	fetchedAt time.Time
}

// Stats are cumulative per-tier lookup counters.
type Stats struct {
	MemoryHits    int64
	MemoryMisses  int64
	DurableHits   int64
	DurableMisses int64
	OriginFetches int64
}

// Cache is the three-tier bar cache. Safe for concurrent use;
// concurrent lookups for the same cold key share one origin fetch.
type Cache struct {
	cfg      Config
	origin   Fetcher
	calendar *market.Calendar
	logger   *slog.Logger
	recorder *metrics.Recorder

	writeCodec codec
	readCodecs []codec

	mu      sync.Mutex
	entries map[key]*list.Element
	order   *list.List // front = most recently used

	group singleflight.Group

	memoryHits    atomic.Int64
	memoryMisses  atomic.Int64
	durableHits   atomic.Int64
	durableMisses atomic.Int64
	originFetches atomic.Int64

	now func() time.Time
}

type lruItem struct {
	k key
	e entry
}

// New creates a cache backed by the given origin fetcher.
func New(cfg Config, origin Fetcher, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = DefaultConfig().MemoryCapacity
	}
	wc, err := codecFor(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	return &Cache{
		cfg:        cfg,
		origin:     origin,
		calendar:   market.NewCalendar(),
		logger:     logger,
		recorder:   metrics.NewRecorder(),
		writeCodec: wc,
		readCodecs: []codec{parquetCodec{}, gobCodec{}},
		entries:    make(map[key]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}, nil
}

// GetBars returns the most recent count bars for symbol at the given
// timeframe, consulting memory, then durable snapshots, then the
// origin. It blocks for at most one origin round trip.
func (c *Cache) GetBars(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: bar count %d", types.ErrInvalidConfig, count)
	}
	k := newKey(symbol, tf, count)
	now := c.now()

	if bars, ok := c.memoryGet(k, now); ok {
		c.memoryHits.Add(1)
		c.recorder.RecordCacheHit("memory")
		return bars, nil
	}
	c.memoryMisses.Add(1)
	c.recorder.RecordCacheMiss("memory")

	v, err, _ := c.group.Do(k.String(), func() (any, error) {
		// A concurrent flight may have landed while we waited.
		if bars, ok := c.memoryGet(k, c.now()); ok {
			return bars, nil
		}
		return c.fill(ctx, k)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Bar), nil
}

// fill serves a memory miss from the durable tier or the origin,
// promoting and writing through as it goes.
func (c *Cache) fill(ctx context.Context, k key) ([]types.Bar, error) {
	now := c.now()

	if bars, fetchedAt, ok := c.durableGet(k); ok && c.fresh(fetchedAt, now, k.Timeframe) {
		c.durableHits.Add(1)
		c.recorder.RecordCacheHit("durable")
		c.memoryPut(k, entry{bars: bars, fetchedAt: fetchedAt})
		return bars, nil
	}
	c.durableMisses.Add(1)
	c.recorder.RecordCacheMiss("durable")

	c.originFetches.Add(1)
	c.recorder.RecordOriginFetch()
	bars, err := c.origin.RetrieveBars(ctx, k.Symbol, k.Timeframe, k.Count)
	if err != nil {
		return nil, fmt.Errorf("origin fetch %s: %w", k, err)
	}

	e := entry{bars: bars, fetchedAt: c.now()}
	c.durablePut(k, e)
	c.memoryPut(k, e)
	return bars, nil
}

// fresh reports whether an entry fetched at fetchedAt is still usable.
// While the market is open a fetch goes stale after one bar interval;
// across a closed period no new bars can form, so entries from the
// same closed period stay valid until the next session open.
func (c *Cache) fresh(fetchedAt, now time.Time, tf types.Timeframe) bool {
	if now.Sub(fetchedAt) < tf.Interval() {
		return true
	}
	if !c.calendar.IsOpen(now) && !c.calendar.IsOpen(fetchedAt) &&
		c.calendar.NextOpen(fetchedAt).Equal(c.calendar.NextOpen(now)) {
		return true
	}
	return false
}

func (c *Cache) memoryGet(k key, now time.Time) ([]types.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)
	if !c.fresh(item.e.fetchedAt, now, k.Timeframe) {
		c.order.Remove(el)
		delete(c.entries, k)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.e.bars, true
}

func (c *Cache) memoryPut(k key, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[k]; ok {
		el.Value.(*lruItem).e = e
		c.order.MoveToFront(el)
		return
	}
	c.entries[k] = c.order.PushFront(&lruItem{k: k, e: e})
	for len(c.entries) > c.cfg.MemoryCapacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruItem).k)
	}
}

// durableGet tries each snapshot format for the key. An unreadable
// file is deleted and treated as a miss.
func (c *Cache) durableGet(k key) ([]types.Bar, time.Time, bool) {
	if c.cfg.Dir == "" {
		return nil, time.Time{}, false
	}

	for _, codec := range c.readCodecs {
		path := snapshotPath(c.cfg.Dir, k, codec)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		bars, err := codec.read(path)
		if err != nil {
			c.logger.Warn("discarding unreadable cache snapshot",
				"path", path,
				"err", &types.CacheError{Tier: "durable", Err: err},
			)
			c.recorder.RecordCorruptEntry()
			_ = os.Remove(path)
			continue
		}
		return bars, info.ModTime(), true
	}
	return nil, time.Time{}, false
}

// durablePut writes a snapshot for the key. Failures degrade to a
// memory-only entry, never to a lookup error.
func (c *Cache) durablePut(k key, e entry) {
	if c.cfg.Dir == "" {
		return
	}
	path := snapshotPath(c.cfg.Dir, k, c.writeCodec)
	if err := c.writeCodec.write(path, e.bars); err != nil {
		c.logger.Warn("cache snapshot write failed",
			"path", path,
			"err", &types.CacheError{Tier: "durable", Err: err},
		)
		return
	}
	// Snapshot freshness rides on the file's mtime.
	_ = os.Chtimes(path, e.fetchedAt, e.fetchedAt)
}

// Stats returns cumulative per-tier counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:    c.memoryHits.Load(),
		MemoryMisses:  c.memoryMisses.Load(),
		DurableHits:   c.durableHits.Load(),
		DurableMisses: c.durableMisses.Load(),
		OriginFetches: c.originFetches.Load(),
	}
}

// Prefetch periodically warms the given keys until ctx is cancelled.
// Lookup errors are logged and the loop keeps going.
func (c *Cache) Prefetch(ctx context.Context, interval time.Duration, symbols []string, tf types.Timeframe, count int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	warm := func() {
		for _, sym := range symbols {
			if _, err := c.GetBars(ctx, sym, tf, count); err != nil {
				c.logger.Warn("prefetch failed", "symbol", sym, "err", err)
			}
		}
	}

	warm()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			warm()
		}
	}
}
