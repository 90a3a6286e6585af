package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/atlas-desktop/trading-backend/internal/compiler"
	"github.com/atlas-desktop/trading-backend/internal/engine"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// discoveryLoop polls the repository for PENDING (and, once at startup,
// ACTIVE) records belonging to the configured user and instantiates any
// newly discovered ones (spec.md §4.6 step 1).
func (o *Orchestrator) discoveryLoop(ctx context.Context) {
	o.resumeActive(ctx)

	ticker := time.NewTicker(o.config.DiscoveryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.discoverPending(ctx)
		}
	}
}

// resumeActive re-instantiates records already ACTIVE at process start
// (spec.md §4.6 step 1 "PENDING, or ACTIVE at startup").
func (o *Orchestrator) resumeActive(ctx context.Context) {
	records, err := o.repo.FindActive(ctx, o.config.UserID)
	if err != nil {
		o.logger.Error("discovery: find active failed", zap.Error(err))
		return
	}
	for _, rec := range records {
		o.instantiate(ctx, rec, true)
	}
}

func (o *Orchestrator) discoverPending(ctx context.Context) {
	records, err := o.repo.FindPending(ctx, o.config.UserID)
	if err != nil {
		o.logger.Error("discovery: find pending failed", zap.Error(err))
		return
	}
	for _, rec := range records {
		if o.ActiveCount() >= o.config.MaxConcurrentStrategies {
			o.logger.Warn("discovery: at capacity, leaving record pending",
				zap.String("strategy_id", rec.ID), zap.Int("max", o.config.MaxConcurrentStrategies))
			return
		}
		o.instantiate(ctx, rec, false)
	}
}

// instantiate compiles rec's YAML, builds an FSM engine, runs warm-up
// replay, and — on success — registers the instance and marks the
// record ACTIVE. alreadyActive skips the re-activation call for records
// resumed from a prior ACTIVE state. Any failure marks the record
// FAILED with a diagnostic (spec.md §4.6 step 2).
func (o *Orchestrator) instantiate(ctx context.Context, rec types.StrategyRecord, alreadyActive bool) {
	logger := o.logger.With(zap.String("strategy_id", rec.ID), zap.String("symbol", rec.Symbol))

	var doc compiler.Document
	if err := yaml.Unmarshal([]byte(rec.YAMLContent), &doc); err != nil {
		o.fail(ctx, rec.ID, fmt.Sprintf("yaml parse: %v", err), logger)
		return
	}

	compiled, err := compiler.Compile(doc, o.registry)
	if err != nil {
		if o.metrics != nil {
			o.metrics.CompileFailures.Inc()
		}
		o.fail(ctx, rec.ID, fmt.Sprintf("compile: %v", err), logger)
		return
	}

	eng := engine.New(compiled, rec.ID, o.broker, engine.BrokerEnv{AccountID: o.config.UserID, Live: o.config.AllowLiveOrders},
		logger, o.config.AllowLiveOrders, o.config.AllowCancelEntries, nil).WithMetrics(o.metrics)

	timeframe := types.Timeframe(compiled.Timeframe)
	if err := o.warmUp(ctx, eng, compiled.Symbol, timeframe); err != nil {
		o.fail(ctx, rec.ID, fmt.Sprintf("warm-up replay: %v", err), logger)
		return
	}

	inst := &instance{strategyID: rec.ID, symbol: compiled.Symbol, timeframe: timeframe, eng: eng}
	o.register(inst)

	if !alreadyActive {
		if _, err := o.repo.Activate(ctx, rec.ID); err != nil {
			logger.Error("failed to mark strategy active after successful instantiation", zap.Error(err))
		}
	}
	if o.metrics != nil {
		o.metrics.ActiveInstances.Set(float64(o.ActiveCount()))
	}
	logger.Info("strategy instance activated")
}

// warmUp replays the lookback window with replay=true so the engine
// arrives at the correct state for the first live bar without any
// side effects (spec.md §4.9).
func (o *Orchestrator) warmUp(ctx context.Context, eng *engine.Engine, symbol string, timeframe types.Timeframe) error {
	if o.bars == nil || o.config.WarmupBars <= 0 {
		return nil
	}
	bars, err := o.bars.GetBars(ctx, symbol, timeframe, o.config.WarmupBars, barcacheOptionsForWarmup())
	if err != nil {
		return err
	}
	for _, bar := range bars {
		if err := eng.ProcessBar(ctx, bar, true); err != nil {
			return fmt.Errorf("replay bar at %s: %w", bar.Timestamp, err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, strategyID, reason string, logger *zap.Logger) {
	logger.Error("strategy instantiation failed", zap.String("reason", reason))
	if _, err := o.repo.MarkFailed(ctx, strategyID, reason); err != nil {
		logger.Error("failed to mark strategy FAILED", zap.Error(err))
	}
}

// register indexes inst by strategy id and by (symbol,timeframe), and
// ensures a bar-feed loop is running for that feed.
func (o *Orchestrator) register(inst *instance) {
	o.mu.Lock()
	o.instancesByID[inst.strategyID] = inst
	key := feedKey{symbol: inst.symbol, timeframe: inst.timeframe}
	o.instancesByFeed[key] = append(o.instancesByFeed[key], inst)
	o.mu.Unlock()

	o.ensureFeed(key)
}

// unregister removes inst from both indexes. If it was the last instance
// on its feed, the feed loop is stopped.
func (o *Orchestrator) unregister(strategyID string) {
	o.mu.Lock()
	inst, ok := o.instancesByID[strategyID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.instancesByID, strategyID)
	key := feedKey{symbol: inst.symbol, timeframe: inst.timeframe}
	list := o.instancesByFeed[key]
	for i, candidate := range list {
		if candidate.strategyID == strategyID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	empty := len(list) == 0
	if empty {
		delete(o.instancesByFeed, key)
	} else {
		o.instancesByFeed[key] = list
	}
	o.mu.Unlock()

	if empty {
		o.stopFeed(key)
	}
}
