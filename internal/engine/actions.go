package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
)

// executeAction dispatches one lowered action (spec.md §4.4 "Actions").
// In replay mode every side-effectful action is suppressed (spec.md
// §4.9); log and noop still run since they have no broker side-effect.
func (e *Engine) executeAction(ctx context.Context, action ir.Action, replay bool) error {
	switch action.Kind {
	case ir.ActionStartTimer:
		e.state.Timers[action.TimerName] = action.TimerBars
		return nil
	case ir.ActionSubmitOrderPlan:
		return e.submitOrderPlan(ctx, action.PlanID, replay)
	case ir.ActionCancelEntries:
		return e.cancelEntries(ctx, replay)
	case ir.ActionLog:
		e.logger.Info(action.Message)
		return nil
	case ir.ActionNoop:
		return nil
	}
	return fmt.Errorf("engine: unknown action kind %q", action.Kind)
}

func (e *Engine) findOrderPlan(planID string) (ir.OrderPlan, bool) {
	for _, p := range e.compiled.OrderPlans {
		if p.ID == planID {
			return p, true
		}
	}
	return ir.OrderPlan{}, false
}

func expectedNewOrders(plan ir.OrderPlan) int {
	if plan.Mode == ir.BracketSplit {
		return len(plan.Targets)
	}
	return 1
}

// submitOrderPlan implements the guarded submission cascade (spec.md
// §4.4 "submit_order_plan"): every numbered check must pass, in order;
// any failure logs and returns without submission.
func (e *Engine) submitOrderPlan(ctx context.Context, planID string, replay bool) error {
	plan, ok := e.findOrderPlan(planID)
	if !ok {
		return fmt.Errorf("engine: unknown order plan %q", planID)
	}

	// 1. not in replay mode.
	if replay {
		e.logger.Debug("submit_order_plan suppressed during replay", zap.String("plan_id", planID))
		return nil
	}
	// 2. kill switch.
	if !e.allowLiveOrders {
		e.logger.Warn("submit_order_plan blocked: live orders disabled", zap.String("plan_id", planID))
		return nil
	}
	// 3. daily loss limit.
	if e.compiled.Risk.DailyLossLimit.IsPositive() && e.state.DailyPnL.LessThanOrEqual(e.compiled.Risk.DailyLossLimit.Neg()) {
		e.state.audit("submit_blocked", "daily loss limit breached", map[string]any{"plan_id": planID})
		e.logger.Warn("submit_order_plan blocked: daily loss limit breached", zap.String("plan_id", planID))
		return nil
	}
	// 4. max orders per symbol.
	if e.compiled.Risk.MaxOrdersPerSymbol > 0 {
		if len(e.state.OpenOrders)+expectedNewOrders(plan) > e.compiled.Risk.MaxOrdersPerSymbol {
			e.logger.Warn("submit_order_plan blocked: would exceed maxOrdersPerSymbol", zap.String("plan_id", planID))
			return nil
		}
	}
	// 5. cancel any still-open orders first; abort on partial failure.
	if len(e.state.OpenOrders) > 0 {
		if err := e.cancelEntries(ctx, replay); err != nil {
			e.logger.Warn("submit_order_plan aborted: pre-submit cancellation failed", zap.String("plan_id", planID), zap.Error(err))
			return nil
		}
	}

	qty := plan.Qty
	// 6. dynamic sizing.
	if e.compiled.Risk.EnableDynamicSizing && e.buyingPower != nil {
		sized, err := e.sizePosition(plan)
		if err != nil {
			e.logger.Warn("submit_order_plan aborted: dynamic sizing failed", zap.String("plan_id", planID), zap.Error(err))
			return nil
		}
		if sized.IsZero() {
			e.state.audit("submit_blocked_zero_qty", "dynamic sizing clamped quantity to zero", map[string]any{"plan_id": planID})
			e.logger.Warn("submit_order_plan blocked: dynamic sizing clamped to zero", zap.String("plan_id", planID))
			return nil
		}
		qty = sized
	}

	sizedPlan := plan
	sizedPlan.Qty = qty

	levels, ok := e.state.PlanLevels[planID]
	if !ok {
		e.logger.Warn("submit_order_plan aborted: no recomputed levels", zap.String("plan_id", planID))
		return nil
	}

	// 7. submit.
	orders, err := e.broker.SubmitOrderPlan(ctx, e.compiled.Symbol, sizedPlan, levels, e.env)
	if err != nil {
		return fmt.Errorf("submit order plan %q: %w", planID, err)
	}
	for _, o := range orders {
		e.state.OpenOrders[o.ID] = o
	}
	e.state.audit("order_plan_submitted", "order plan submitted", map[string]any{"plan_id": planID, "order_count": len(orders)})
	return nil
}

// sizePosition implements spec.md §4.4 step 6: floor(buyingPower * factor
// / targetEntryPrice), clamped to (yaml qty, maxOrderQty,
// maxNotionalPerSymbol / targetEntryPrice).
func (e *Engine) sizePosition(plan ir.OrderPlan) (decimal.Decimal, error) {
	levels, ok := e.state.PlanLevels[plan.ID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no recomputed levels for plan %q", plan.ID)
	}
	targetEntryPrice := (levels.EntryLow + levels.EntryHigh) / 2
	if targetEntryPrice <= 0 || math.IsNaN(targetEntryPrice) {
		return decimal.Zero, fmt.Errorf("invalid target entry price %v", targetEntryPrice)
	}

	buyingPower := e.buyingPower()
	factor := e.compiled.Risk.SizingFactor
	if factor == 0 {
		factor = 0.75
	}

	computed := decimal.NewFromFloat(math.Floor(buyingPower.InexactFloat64() * factor / targetEntryPrice))

	clamp := plan.Qty
	if e.compiled.Risk.MaxOrderQty.IsPositive() {
		clamp = utils.MinDecimal(clamp, e.compiled.Risk.MaxOrderQty)
	}
	if e.compiled.Risk.MaxNotionalPerSymbol.IsPositive() {
		byNotional := decimal.NewFromFloat(e.compiled.Risk.MaxNotionalPerSymbol.InexactFloat64() / targetEntryPrice)
		clamp = utils.MinDecimal(clamp, byNotional)
	}
	return utils.ClampDecimal(computed, decimal.Zero, clamp), nil
}

// cancelEntries cancels all open orders (spec.md §4.4 "cancel_entries"),
// guarded by allowCancelEntries; any failed cancellation is surfaced as
// an error.
func (e *Engine) cancelEntries(ctx context.Context, replay bool) error {
	if replay {
		return nil
	}
	if !e.allowCancelEntries {
		return fmt.Errorf("engine: cancel_entries blocked: cancellation disabled")
	}
	if len(e.state.OpenOrders) == 0 {
		return nil
	}
	orders := make([]types.Order, 0, len(e.state.OpenOrders))
	for _, o := range e.state.OpenOrders {
		orders = append(orders, o)
	}
	result, err := e.broker.CancelOpenEntries(ctx, e.compiled.Symbol, orders, e.env)
	if err != nil {
		return fmt.Errorf("cancel open entries: %w", err)
	}
	for _, id := range result.Succeeded {
		delete(e.state.OpenOrders, id)
	}
	if result.AnyFailed() {
		return fmt.Errorf("cancel open entries: %d failures", len(result.Failed))
	}
	return nil
}
