package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/barcache"
	"github.com/atlas-desktop/trading-backend/internal/workers"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func barcacheOptionsForWarmup() barcache.Options {
	return barcache.Options{DetectGaps: true, BackfillGaps: true}
}

func barcacheFetchOptions() barcache.Options {
	return barcache.Options{DetectGaps: true, BackfillGaps: true}
}

// ensureFeed starts a ticking bar-fan-out loop for key if one isn't
// already running (spec.md §4.6 step 3).
func (o *Orchestrator) ensureFeed(key feedKey) {
	o.feedMu.Lock()
	defer o.feedMu.Unlock()
	if _, ok := o.feeds[key]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.feeds[key] = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.feedLoop(ctx, key)
	}()
}

func (o *Orchestrator) stopFeed(key feedKey) {
	o.feedMu.Lock()
	cancel, ok := o.feeds[key]
	if ok {
		delete(o.feeds, key)
	}
	o.feedMu.Unlock()
	if ok {
		cancel()
	}
}

// feedLoop ticks at key.timeframe's nominal interval, fetches the latest
// bar, and — if it's new — fans it out to every instance subscribed to
// this feed, one bar at a time per instance but instances in parallel
// with each other (spec.md §4.6 "Concurrency model").
func (o *Orchestrator) feedLoop(ctx context.Context, key feedKey) {
	interval := key.timeframe.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTimestamp time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			lastTimestamp = o.tick(ctx, key, lastTimestamp)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context, key feedKey, lastTimestamp time.Time) time.Time {
	if o.bars == nil {
		return lastTimestamp
	}
	bars, err := o.bars.GetBars(ctx, key.symbol, key.timeframe, 1, barcacheFetchOptions())
	if err != nil || len(bars) == 0 {
		if err != nil {
			o.logger.Warn("bar feed fetch failed", zap.String("symbol", key.symbol), zap.Error(err))
		}
		return lastTimestamp
	}
	bar := bars[len(bars)-1]
	if !bar.Timestamp.After(lastTimestamp) {
		return lastTimestamp
	}

	o.mu.RLock()
	instances := append([]*instance(nil), o.instancesByFeed[key]...)
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.processBarFor(ctx, key, inst, bar)
		}()
	}
	wg.Wait()

	if o.metrics != nil {
		o.metrics.BarsProcessed.WithLabelValues(key.symbol, string(key.timeframe)).Add(float64(len(instances)))
	}
	return bar.Timestamp
}

// processBarFor runs one instance's ProcessBar under the worker pool,
// holding the instance's per-symbol lock so fills and reconciliation
// never interleave with it. The pool recovers a panicking call and
// returns it as an error, so one instance's failure never interferes
// with another's (spec.md §4.6 step 3 "an exception in one does not
// interfere with others"); SubmitWait waits for the call to finish, and
// the pool's task timeout only frees the worker.
func (o *Orchestrator) processBarFor(ctx context.Context, key feedKey, inst *instance, bar types.Bar) {
	start := time.Now()
	err := o.pool.SubmitWait(workers.TaskFunc(func() error {
		return o.symLock.WithLock(ctx, inst.symbol, func() error {
			return inst.eng.ProcessBar(ctx, bar, false)
		})
	}))
	if o.metrics != nil {
		o.metrics.BarProcessSeconds.WithLabelValues(key.symbol).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		o.logger.Error("process bar failed", zap.String("strategy_id", inst.strategyID), zap.Error(err))
		return
	}
	if o.hub != nil {
		o.hub.PublishToChannel("instance:"+inst.strategyID, api.MsgTypeInstanceState, inst.eng.State())
	}
}
