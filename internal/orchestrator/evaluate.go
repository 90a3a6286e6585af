package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// evaluationLoop periodically consults the Evaluator Client for every
// live instance (spec.md §6) and acts on its recommendation: keep does
// nothing, close tears the instance down and marks its record CLOSED,
// swap is logged for an operator to action (no automatic strategy
// replacement is implemented). Any evaluator error or nil evaluator is
// treated as keep, never fatal to the instance.
func (o *Orchestrator) evaluationLoop(ctx context.Context) {
	if o.evaluator == nil || o.config.EvaluationInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.evaluateAll(ctx)
		}
	}
}

func (o *Orchestrator) evaluateAll(ctx context.Context) {
	for _, inst := range o.snapshotInstances() {
		o.evaluateOne(ctx, inst)
	}
}

func (o *Orchestrator) snapshotInstances() []*instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*instance, 0, len(o.instancesByID))
	for _, inst := range o.instancesByID {
		out = append(out, inst)
	}
	return out
}

func (o *Orchestrator) evaluateOne(ctx context.Context, inst *instance) {
	logger := o.logger.With(zap.String("strategy_id", inst.strategyID))
	state := inst.eng.State()

	req := types.EvaluatorRequest{
		StrategyID: inst.strategyID,
		Symbol:     inst.symbol,
		Snapshot: map[string]any{
			"state":         string(state.State),
			"bar_count":     state.BarCount,
			"position_size": state.PositionSize.String(),
			"realized_pnl":  state.RealizedPnL.String(),
			"daily_pnl":     state.DailyPnL.String(),
			"features":      state.FeatureSnapshot,
		},
	}

	resp, err := o.evaluator.Evaluate(ctx, req)
	if err != nil {
		logger.Warn("evaluator call failed, keeping instance", zap.Error(err))
		return
	}

	switch resp.Recommendation {
	case types.RecommendationClose:
		logger.Info("evaluator recommended close", zap.String("reason", resp.Reason))
		o.closeInstance(ctx, inst, resp.Reason)
	case types.RecommendationSwap:
		logger.Info("evaluator recommended swap, awaiting operator action",
			zap.String("reason", resp.Reason), zap.String("suggested", resp.SuggestedStrategy))
	default:
		// keep: no action.
	}
}

func (o *Orchestrator) closeInstance(ctx context.Context, inst *instance, reason string) {
	o.unregister(inst.strategyID)
	if _, err := o.repo.Close(ctx, inst.strategyID, reason); err != nil {
		o.logger.Error("failed to mark strategy CLOSED after evaluator close", zap.String("strategy_id", inst.strategyID), zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.ActiveInstances.Set(float64(o.ActiveCount()))
	}
}
