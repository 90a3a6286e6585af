// Package barcache implements the three-tier bar cache and gap backfill
// (spec.md §4.5): memory → durable store → upstream market-data fetch.
package barcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Store is the durable tier-2 persistence layer: source of truth,
// deduplicating by (symbol, timeframe, timestamp) on insert.
type Store interface {
	Insert(ctx context.Context, symbol string, timeframe types.Timeframe, bars []types.Bar) error
	Range(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Bar, error)
}

// Upstream is the tier-3 market-data fetch, invoked only for missing ranges.
type Upstream interface {
	FetchRange(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)
}

// Options controls one GetBars call (spec.md §4.5).
type Options struct {
	ForceRefresh bool
	DetectGaps   bool
	BackfillGaps bool
}

const (
	defaultTTL          = 5 * time.Second
	defaultMaxSize      = 10000
	defaultGapThreshold = 0.5
)

type memEntry struct {
	bars      []types.Bar
	lastFetch time.Time
}

// Cache is the three-tier bar cache. Safe for concurrent use; in-flight
// fetches for the same (symbol, timeframe) key coalesce onto one upstream
// round trip (spec.md §4.5 "Concurrency").
type Cache struct {
	store    Store
	upstream Upstream
	logger   *zap.Logger

	ttl          time.Duration
	maxSize      int
	gapThreshold float64

	mu      sync.Mutex
	memory  map[string]*memEntry
	inflight map[string]chan struct{}
}

// New builds a Cache with spec.md's documented defaults (ttl 5s implicit,
// maxSize 10 000, gapThreshold 50%); zero values in the given fields fall
// back to those defaults.
func New(store Store, upstream Upstream, logger *zap.Logger, ttl time.Duration, maxSize int, gapThreshold float64) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if gapThreshold <= 0 {
		gapThreshold = defaultGapThreshold
	}
	return &Cache{
		store:        store,
		upstream:     upstream,
		logger:       logger,
		ttl:          ttl,
		maxSize:      maxSize,
		gapThreshold: gapThreshold,
		memory:       make(map[string]*memEntry),
		inflight:     make(map[string]chan struct{}),
	}
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return symbol + "|" + string(timeframe)
}

// GetBars implements the six-step algorithm of spec.md §4.5.
func (c *Cache) GetBars(ctx context.Context, symbol string, timeframe types.Timeframe, limit int, opts Options) ([]types.Bar, error) {
	key := cacheKey(symbol, timeframe)

	// coalesce concurrent calls for the same key onto one fetch.
	c.mu.Lock()
	if wait, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.GetBars(ctx, symbol, timeframe, limit, opts)
	}
	done := make(chan struct{})
	c.inflight[key] = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(done)
	}()

	// step 1: memory hit.
	if !opts.ForceRefresh {
		c.mu.Lock()
		if e, ok := c.memory[key]; ok && time.Since(e.lastFetch) < c.ttl {
			bars := tail(e.bars, limit)
			c.mu.Unlock()
			return bars, nil
		}
		c.mu.Unlock()
	}

	// step 2: store.
	bars, err := c.store.Range(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("barcache: store range: %w", err)
	}

	// step 3: gap detection.
	var gaps []types.Gap
	if opts.DetectGaps && len(bars) >= 2 {
		gaps = detectGaps(bars, timeframe)
	}

	// step 4: backfill, per-gap failure isolation.
	if opts.BackfillGaps {
		for _, g := range gaps {
			filled, err := c.upstream.FetchRange(ctx, symbol, timeframe, g.Start, g.End)
			if err != nil {
				c.logger.Warn("barcache: gap backfill failed, continuing", zap.String("symbol", symbol), zap.Time("gap_start", g.Start), zap.Error(err))
				continue
			}
			filled = filterRange(filled, g.Start, g.End)
			if len(filled) == 0 {
				continue
			}
			if err := c.store.Insert(ctx, symbol, timeframe, filled); err != nil {
				c.logger.Warn("barcache: gap backfill insert failed", zap.Error(err))
				continue
			}
			bars = mergeSorted(bars, filled)
		}
	}

	// step 5: tail top-up.
	coverage := 1.0
	if limit > 0 {
		coverage = float64(len(bars)) / float64(limit)
	}
	if len(bars) < limit {
		var start time.Time
		var end time.Time = time.Now()
		if coverage < c.gapThreshold || len(bars) == 0 {
			start = end.Add(-time.Duration(limit) * timeframe.Duration())
		} else {
			start = bars[len(bars)-1].Timestamp
		}
		fresh, err := c.upstream.FetchRange(ctx, symbol, timeframe, start, end)
		if err != nil {
			c.logger.Warn("barcache: tail top-up fetch failed", zap.String("symbol", symbol), zap.Error(err))
		} else if len(fresh) > 0 {
			// step 6: persist only net-new bars.
			netNew := filterNewerThan(fresh, lastTimestamp(bars))
			if len(netNew) > 0 {
				if err := c.store.Insert(ctx, symbol, timeframe, netNew); err != nil {
					c.logger.Warn("barcache: persist net-new bars failed", zap.Error(err))
				}
			}
			bars = mergeSorted(bars, fresh)
		}
	}

	if len(bars) > c.maxSize {
		bars = bars[len(bars)-c.maxSize:]
	}

	c.mu.Lock()
	c.memory[key] = &memEntry{bars: bars, lastFetch: time.Now()}
	c.mu.Unlock()

	return tail(bars, limit), nil
}

func tail(bars []types.Bar, limit int) []types.Bar {
	if limit <= 0 || len(bars) <= limit {
		out := make([]types.Bar, len(bars))
		copy(out, bars)
		return out
	}
	out := make([]types.Bar, limit)
	copy(out, bars[len(bars)-limit:])
	return out
}

func lastTimestamp(bars []types.Bar) time.Time {
	if len(bars) == 0 {
		return time.Time{}
	}
	return bars[len(bars)-1].Timestamp
}

func filterRange(bars []types.Bar, start, end time.Time) []types.Bar {
	var out []types.Bar
	for _, b := range bars {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out
}

func filterNewerThan(bars []types.Bar, since time.Time) []types.Bar {
	var out []types.Bar
	for _, b := range bars {
		if b.Timestamp.After(since) {
			out = append(out, b)
		}
	}
	return out
}

// mergeSorted merges and dedupes two bar slices by timestamp, ascending.
func mergeSorted(a, b []types.Bar) []types.Bar {
	byTS := make(map[int64]types.Bar, len(a)+len(b))
	for _, bar := range a {
		byTS[bar.Timestamp.UnixNano()] = bar
	}
	for _, bar := range b {
		byTS[bar.Timestamp.UnixNano()] = bar
	}
	out := make([]types.Bar, 0, len(byTS))
	for _, bar := range byTS {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
