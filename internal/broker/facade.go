// Package broker implements the broker adapter façade (spec.md §4.8):
// constraint enforcement, split-bracket expansion, and rollback on
// partial bracket failure, sitting between the FSM engine and a venue
// Adapter. The façade is the authoritative enforcement point for
// maxOrderQty and maxNotionalPerSymbol — engine-level checks are only
// pre-filters.
package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/engine"
	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/symlock"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Adapter is the venue-facing transport the façade drives. SimulatedAdapter
// implements it over an AMQP exchange; a real venue adapter implements it
// over that venue's own order-entry API.
type Adapter interface {
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
}

// Constraints are the hard limits the façade enforces on every order it
// places, independent of whatever the engine already checked (spec.md §4.8).
type Constraints struct {
	MaxOrderQty          decimal.Decimal
	MaxNotionalPerSymbol decimal.Decimal
	// ValidSymbols restricts which symbols the façade will route orders
	// for. A nil map disables the check.
	ValidSymbols map[string]bool
}

// Facade is the sole broker-facing entry point engine.Engine instances
// submit orders through; it satisfies engine.Broker structurally.
type Facade struct {
	adapter     Adapter
	constraints Constraints
	logger      *zap.Logger
	metrics     *metrics.Registry
	retry       *symlock.RetryQueue
}

// NewFacade builds a Facade over the given venue Adapter.
func NewFacade(adapter Adapter, constraints Constraints, logger *zap.Logger) *Facade {
	return &Facade{adapter: adapter, constraints: constraints, logger: logger}
}

// WithMetrics attaches a metrics.Registry so order submissions and
// failures are counted per symbol/side. Optional: a Facade with no
// registry attached simply skips instrumentation.
func (f *Facade) WithMetrics(reg *metrics.Registry) *Facade {
	f.metrics = reg
	return f
}

// WithRetry attaches a symlock.RetryQueue used to retry GetOpenOrders
// (spec.md §4.7 "exponential-backoff retry queue"). Order placement and
// cancellation are never retried here — a blind retry on those risks
// duplicate brackets or double-cancellation, so that guarantee is left
// to the caller (the engine's own guarded submission cascade and the
// reconciliation loop's periodic re-pull already cover transient
// failures without needing retry-inside-submit).
func (f *Facade) WithRetry(q *symlock.RetryQueue) *Facade {
	f.retry = q
	return f
}

func (f *Facade) validate(symbol string, qty, price decimal.Decimal) error {
	if f.constraints.ValidSymbols != nil && !f.constraints.ValidSymbols[symbol] {
		return fmt.Errorf("broker: unknown symbol %q", symbol)
	}
	if qty.IsZero() || qty.IsNegative() {
		return fmt.Errorf("broker: non-positive quantity %s", qty)
	}
	if f.constraints.MaxOrderQty.IsPositive() && qty.GreaterThan(f.constraints.MaxOrderQty) {
		return fmt.Errorf("broker: qty %s exceeds maxOrderQty %s", qty, f.constraints.MaxOrderQty)
	}
	if f.constraints.MaxNotionalPerSymbol.IsPositive() && !price.IsZero() {
		notional := qty.Mul(price)
		if notional.GreaterThan(f.constraints.MaxNotionalPerSymbol) {
			return fmt.Errorf("broker: notional %s exceeds maxNotionalPerSymbol %s", notional, f.constraints.MaxNotionalPerSymbol)
		}
	}
	return nil
}

// bracketSpec is one entry/stop/targets triplet to submit as a unit.
type bracketSpec struct {
	qty     decimal.Decimal
	entry   decimal.Decimal
	stop    decimal.Decimal
	targets []decimal.Decimal
}

// splitBrackets implements spec.md §4.8 "split-bracket expansion": a plan
// with ratios [r1, r2, ...] is materialized as k child brackets, each with
// qty = round(plan.qty * ri), the last child absorbing the rounding
// remainder. Single mode submits one bracket for the full quantity with
// every target attached as a separate take-profit leg.
func splitBrackets(plan ir.OrderPlan, levels engine.PlanLevels) []bracketSpec {
	entry := decimal.NewFromFloat((levels.EntryLow + levels.EntryHigh) / 2)
	stop := decimal.NewFromFloat(levels.Stop)

	if plan.Mode != ir.BracketSplit {
		targets := make([]decimal.Decimal, len(levels.Targets))
		for i, t := range levels.Targets {
			targets[i] = decimal.NewFromFloat(t)
		}
		return []bracketSpec{{qty: plan.Qty, entry: entry, stop: stop, targets: targets}}
	}

	specs := make([]bracketSpec, len(plan.Targets))
	allocated := decimal.Zero
	for i, tgt := range plan.Targets {
		var qty decimal.Decimal
		if i == len(plan.Targets)-1 {
			qty = plan.Qty.Sub(allocated)
		} else {
			qty = plan.Qty.Mul(tgt.Ratio).Round(0)
			allocated = allocated.Add(qty)
		}
		price := decimal.Zero
		if i < len(levels.Targets) {
			price = decimal.NewFromFloat(levels.Targets[i])
		}
		specs[i] = bracketSpec{qty: qty, entry: entry, stop: stop, targets: []decimal.Decimal{price}}
	}
	return specs
}

// SubmitOrderPlan implements engine.Broker. It expands the plan into one
// or more brackets, submits each in order, and rolls back (cancels)
// every already-submitted bracket if a later one fails (spec.md §4.8
// "rollback on partial failure"). Every leg of every bracket is tagged
// with symbol, which is what makes a placed entry visible to a later
// GetOpenOrders(symbol) sync (spec.md §4.4 step 2, §4.8).
func (f *Facade) SubmitOrderPlan(ctx context.Context, symbol string, plan ir.OrderPlan, levels engine.PlanLevels, env engine.BrokerEnv) ([]types.Order, error) {
	specs := splitBrackets(plan, levels)

	var submitted []types.Order
	for i, spec := range specs {
		orders, err := f.submitBracket(ctx, symbol, plan.Side, spec)
		if err != nil {
			f.logger.Warn("broker: bracket submission failed, rolling back prior brackets",
				zap.Int("failed_bracket", i), zap.Int("prior_brackets", i), zap.Error(err))
			f.rollback(ctx, submitted)
			if f.metrics != nil {
				f.metrics.OrderSubmitErrors.WithLabelValues(symbol, "bracket_submit_failed").Inc()
			}
			return nil, fmt.Errorf("broker: submit bracket %d/%d: %w", i+1, len(specs), err)
		}
		submitted = append(submitted, orders...)
	}
	if f.metrics != nil {
		f.metrics.OrdersSubmitted.WithLabelValues(symbol, string(plan.Side)).Inc()
	}
	return submitted, nil
}

func (f *Facade) submitBracket(ctx context.Context, symbol string, side types.OrderSide, spec bracketSpec) ([]types.Order, error) {
	if err := f.validate(symbol, spec.qty, spec.entry); err != nil {
		return nil, err
	}

	entryOrder := types.Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      types.OrderTypeLimit,
		Quantity:  spec.qty,
		Price:     spec.entry,
		Status:    types.OrderStatusPending,
		BracketRole: "entry",
	}
	entry, err := f.adapter.PlaceOrder(ctx, entryOrder)
	if err != nil {
		return nil, fmt.Errorf("place entry: %w", err)
	}
	placed := []types.Order{entry}

	stopSide := opposite(side)
	stopOrder := types.Order{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Side:          stopSide,
		Type:          types.OrderTypeStopMarket,
		Quantity:      spec.qty,
		StopPrice:     spec.stop,
		Status:        types.OrderStatusPending,
		ParentOrderID: entry.ID,
		BracketRole:   "stop",
	}
	stop, err := f.adapter.PlaceOrder(ctx, stopOrder)
	if err != nil {
		f.rollback(ctx, placed)
		return nil, fmt.Errorf("place stop: %w", err)
	}
	placed = append(placed, stop)

	remaining := spec.qty
	n := len(spec.targets)
	for i, price := range spec.targets {
		qty := remaining
		if i < n-1 {
			qty = spec.qty.Div(decimal.NewFromInt(int64(n))).Round(0)
			remaining = remaining.Sub(qty)
		}
		targetOrder := types.Order{
			ID:            uuid.NewString(),
			Symbol:        symbol,
			Side:          stopSide,
			Type:          types.OrderTypeLimit,
			Quantity:      qty,
			Price:         price,
			Status:        types.OrderStatusPending,
			ParentOrderID: entry.ID,
			BracketRole:   "target",
		}
		target, err := f.adapter.PlaceOrder(ctx, targetOrder)
		if err != nil {
			f.rollback(ctx, placed)
			return nil, fmt.Errorf("place target %d/%d: %w", i+1, n, err)
		}
		placed = append(placed, target)
	}
	return placed, nil
}

func (f *Facade) rollback(ctx context.Context, orders []types.Order) {
	for i := len(orders) - 1; i >= 0; i-- {
		if err := f.adapter.CancelOrder(ctx, orders[i].ID); err != nil {
			f.logger.Error("broker: rollback cancel failed", zap.String("order_id", orders[i].ID), zap.Error(err))
		}
	}
}

func opposite(side types.OrderSide) types.OrderSide {
	if side == types.OrderSideBuy {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

// SubmitMarketOrder implements engine.Broker.
func (f *Facade) SubmitMarketOrder(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, env engine.BrokerEnv) (types.Order, error) {
	if err := f.validate(symbol, qty, decimal.Zero); err != nil {
		if f.metrics != nil {
			f.metrics.OrderSubmitErrors.WithLabelValues(symbol, "constraint_violation").Inc()
		}
		return types.Order{}, err
	}
	order := types.Order{
		ID:       uuid.NewString(),
		Symbol:   symbol,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
		Status:   types.OrderStatusPending,
	}
	placed, err := f.adapter.PlaceOrder(ctx, order)
	if f.metrics != nil {
		if err != nil {
			f.metrics.OrderSubmitErrors.WithLabelValues(symbol, "adapter_error").Inc()
		} else {
			f.metrics.OrdersSubmitted.WithLabelValues(symbol, string(side)).Inc()
		}
	}
	return placed, err
}

// CancelOpenEntries implements engine.Broker, cancelling every order
// passed and reporting per-order success/failure (spec.md §4.8).
func (f *Facade) CancelOpenEntries(ctx context.Context, symbol string, orders []types.Order, env engine.BrokerEnv) (types.CancellationResult, error) {
	var result types.CancellationResult
	for _, o := range orders {
		if err := f.adapter.CancelOrder(ctx, o.ID); err != nil {
			result.Failed = append(result.Failed, types.CancellationFail{OrderID: o.ID, Reason: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, o.ID)
	}
	return result, nil
}

// GetOpenOrders implements engine.Broker. If a RetryQueue is attached,
// transient adapter failures are retried with exponential backoff
// before being surfaced to the caller.
func (f *Facade) GetOpenOrders(ctx context.Context, symbol string, env engine.BrokerEnv) ([]types.Order, error) {
	if f.retry == nil {
		return f.adapter.GetOpenOrders(ctx, symbol)
	}

	var orders []types.Order
	attempt := 0
	err := f.retry.Do(ctx, func(ctx context.Context) error {
		if attempt > 0 && f.metrics != nil {
			f.metrics.QueueRetries.WithLabelValues(symbol).Inc()
		}
		attempt++
		out, err := f.adapter.GetOpenOrders(ctx, symbol)
		if err != nil {
			return symlock.Retryable(err)
		}
		orders = out
		return nil
	})
	return orders, err
}
