package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// BrokerEnv is the broker-environment config a submit/cancel call carries
// (spec.md §4.4 "a broker-environment config"): account routing, paper
// vs. live, and anything else a concrete adapter needs out-of-band.
type BrokerEnv struct {
	AccountID string
	Live      bool
}

// Broker is the subset of the broker adapter façade (spec.md §4.8) the
// FSM engine depends on. internal/broker.Facade satisfies this; the
// engine never depends on internal/broker directly, only on this
// interface, keeping the declared dependency order (FSM engine before
// broker façade) acyclic.
type Broker interface {
	// SubmitOrderPlan submits one order plan's bracket for symbol. levels
	// carries the plan's entry/stop/target prices already resolved to
	// numbers for this bar (spec.md §4.4 step 4) since plan.EntryLow/
	// EntryHigh/Stop/Targets remain unevaluated expr.Node trees at this
	// layer.
	SubmitOrderPlan(ctx context.Context, symbol string, plan ir.OrderPlan, levels PlanLevels, env BrokerEnv) ([]types.Order, error)
	SubmitMarketOrder(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, env BrokerEnv) (types.Order, error)
	CancelOpenEntries(ctx context.Context, symbol string, orders []types.Order, env BrokerEnv) (types.CancellationResult, error)
	GetOpenOrders(ctx context.Context, symbol string, env BrokerEnv) ([]types.Order, error)
}
