package broker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/engine"
	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type fakeAdapter struct {
	placed    []types.Order
	cancelled []string
	failOn    int // 1-indexed PlaceOrder call at which to fail; 0 disables
	calls     int
}

func (a *fakeAdapter) PlaceOrder(_ context.Context, order types.Order) (types.Order, error) {
	a.calls++
	if a.failOn != 0 && a.calls == a.failOn {
		return types.Order{}, errors.New("simulated placement failure")
	}
	if order.ID == "" {
		order.ID = "gen-" + string(rune('a'+len(a.placed)))
	}
	a.placed = append(a.placed, order)
	return order, nil
}

func (a *fakeAdapter) CancelOrder(_ context.Context, orderID string) error {
	a.cancelled = append(a.cancelled, orderID)
	return nil
}

func (a *fakeAdapter) GetOpenOrders(_ context.Context, _ string) ([]types.Order, error) {
	return a.placed, nil
}

func buyPlan(mode ir.BracketMode, targets []ir.BracketTarget) ir.OrderPlan {
	return ir.OrderPlan{
		ID:   "p1",
		Side: types.OrderSideBuy,
		Qty:  decimal.NewFromInt(100),
		Mode: mode,
		Targets: targets,
	}
}

func TestSubmitOrderPlanSingleModeSubmitsOneBracket(t *testing.T) {
	adapter := &fakeAdapter{}
	f := broker.NewFacade(adapter, broker.Constraints{}, zap.NewNop())

	plan := buyPlan(ir.BracketSingle, []ir.BracketTarget{{Ratio: decimal.NewFromFloat(1.0)}})
	levels := engine.PlanLevels{EntryLow: 99, EntryHigh: 101, Stop: 95, Targets: []float64{110}}

	orders, err := f.SubmitOrderPlan(context.Background(), "AAPL", plan, levels, engine.BrokerEnv{})
	if err != nil {
		t.Fatalf("SubmitOrderPlan: %v", err)
	}
	// entry + stop + 1 target = 3 orders
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders for a single bracket, got %d", len(orders))
	}
	var roles []string
	for _, o := range orders {
		roles = append(roles, o.BracketRole)
	}
	if roles[0] != "entry" || roles[1] != "stop" || roles[2] != "target" {
		t.Fatalf("unexpected bracket role order: %v", roles)
	}
}

func TestSubmitOrderPlanSplitBracketAllocatesQtyByRatioWithRemainderOnLast(t *testing.T) {
	adapter := &fakeAdapter{}
	f := broker.NewFacade(adapter, broker.Constraints{}, zap.NewNop())

	plan := buyPlan(ir.BracketSplit, []ir.BracketTarget{
		{Ratio: decimal.NewFromFloat(0.3333)},
		{Ratio: decimal.NewFromFloat(0.3333)},
		{Ratio: decimal.NewFromFloat(0.3334)},
	})
	levels := engine.PlanLevels{EntryLow: 99, EntryHigh: 101, Stop: 95, Targets: []float64{110, 115, 120}}

	orders, err := f.SubmitOrderPlan(context.Background(), "AAPL", plan, levels, engine.BrokerEnv{})
	if err != nil {
		t.Fatalf("SubmitOrderPlan: %v", err)
	}
	// 3 brackets, each entry+stop+target = 9 orders
	if len(orders) != 9 {
		t.Fatalf("expected 9 orders across 3 split brackets, got %d", len(orders))
	}

	total := decimal.Zero
	for _, o := range orders {
		if o.BracketRole == "entry" {
			total = total.Add(o.Quantity)
		}
	}
	if !total.Equal(plan.Qty) {
		t.Fatalf("expected split bracket entry quantities to sum to plan qty %s, got %s", plan.Qty, total)
	}
}

func TestSubmitOrderPlanRollsBackOnPartialFailure(t *testing.T) {
	adapter := &fakeAdapter{failOn: 4} // fails on the 2nd bracket's entry order
	f := broker.NewFacade(adapter, broker.Constraints{}, zap.NewNop())

	plan := buyPlan(ir.BracketSplit, []ir.BracketTarget{
		{Ratio: decimal.NewFromFloat(0.5)},
		{Ratio: decimal.NewFromFloat(0.5)},
	})
	levels := engine.PlanLevels{EntryLow: 99, EntryHigh: 101, Stop: 95, Targets: []float64{110, 115}}

	_, err := f.SubmitOrderPlan(context.Background(), "AAPL", plan, levels, engine.BrokerEnv{})
	if err == nil {
		t.Fatal("expected an error from the failing second bracket")
	}
	// The first bracket's 3 orders (entry, stop, target) must all be rolled back.
	if len(adapter.cancelled) != 3 {
		t.Fatalf("expected 3 rollback cancellations for the first bracket, got %d: %v", len(adapter.cancelled), adapter.cancelled)
	}
}

func TestSubmitMarketOrderRejectsQtyOverMax(t *testing.T) {
	adapter := &fakeAdapter{}
	f := broker.NewFacade(adapter, broker.Constraints{MaxOrderQty: decimal.NewFromInt(10)}, zap.NewNop())

	_, err := f.SubmitMarketOrder(context.Background(), "AAPL", decimal.NewFromInt(50), types.OrderSideBuy, engine.BrokerEnv{})
	if err == nil {
		t.Fatal("expected maxOrderQty rejection")
	}
}

func TestSubmitMarketOrderRejectsUnknownSymbol(t *testing.T) {
	adapter := &fakeAdapter{}
	f := broker.NewFacade(adapter, broker.Constraints{ValidSymbols: map[string]bool{"AAPL": true}}, zap.NewNop())

	_, err := f.SubmitMarketOrder(context.Background(), "ZZZZ", decimal.NewFromInt(1), types.OrderSideBuy, engine.BrokerEnv{})
	if err == nil {
		t.Fatal("expected unknown-symbol rejection")
	}
}

func TestCancelOpenEntriesReportsSuccessAndFailure(t *testing.T) {
	adapter := &fakeAdapter{}
	f := broker.NewFacade(adapter, broker.Constraints{}, zap.NewNop())

	orders := []types.Order{{ID: "o1"}, {ID: "o2"}}
	result, err := f.CancelOpenEntries(context.Background(), "AAPL", orders, engine.BrokerEnv{})
	if err != nil {
		t.Fatalf("CancelOpenEntries: %v", err)
	}
	if len(result.Succeeded) != 2 || result.AnyFailed() {
		t.Fatalf("expected both cancellations to succeed, got %+v", result)
	}
}
