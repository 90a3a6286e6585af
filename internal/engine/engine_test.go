package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/compiler"
	"github.com/atlas-desktop/trading-backend/internal/engine"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type fakeBroker struct {
	openOrders   []types.Order
	submitCount  int
	submitErr    error
	cancelErr    error
	nextOrderID  int
	submittedQty decimal.Decimal
}

func (f *fakeBroker) SubmitOrderPlan(_ context.Context, _ string, plan ir.OrderPlan, _ engine.PlanLevels, _ engine.BrokerEnv) ([]types.Order, error) {
	f.submitCount++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submittedQty = plan.Qty
	f.nextOrderID++
	o := types.Order{ID: "order-1", Symbol: "AAPL", Side: plan.Side, Status: types.OrderStatusOpen}
	f.openOrders = append(f.openOrders, o)
	return []types.Order{o}, nil
}

func (f *fakeBroker) SubmitMarketOrder(_ context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, _ engine.BrokerEnv) (types.Order, error) {
	return types.Order{ID: "market-1", Symbol: symbol, Side: side, Quantity: qty}, nil
}

func (f *fakeBroker) CancelOpenEntries(_ context.Context, _ string, orders []types.Order, _ engine.BrokerEnv) (types.CancellationResult, error) {
	if f.cancelErr != nil {
		return types.CancellationResult{}, f.cancelErr
	}
	res := types.CancellationResult{}
	for _, o := range orders {
		res.Succeeded = append(res.Succeeded, o.ID)
	}
	f.openOrders = nil
	return res, nil
}

func (f *fakeBroker) GetOpenOrders(_ context.Context, _ string, _ engine.BrokerEnv) ([]types.Order, error) {
	return f.openOrders, nil
}

func testDoc() compiler.Document {
	return compiler.Document{
		Meta: compiler.MetaDoc{Symbol: "AAPL", Timeframe: "5m"},
		Rules: compiler.RulesDoc{
			Arm:                "close > 0",
			Trigger:            "close > 0",
			TriggerActions:     []compiler.ActionDoc{{Kind: "submit_order_plan", PlanID: "p1"}},
			EntryFilledActions: []compiler.ActionDoc{{Kind: "log", Message: "entered managing"}},
			Invalidate:         "close < 0",
		},
		OrderPlans: []compiler.OrderPlanDoc{
			{
				ID: "p1", Side: "buy",
				EntryLow: "close - 1", EntryHigh: "close + 1", Stop: "close - 5",
				Qty: 10, Mode: "single",
				Targets: []compiler.TargetDoc{{Price: "close + 10", Ratio: 1.0}},
			},
		},
		Risk: compiler.RiskDoc{},
	}
}

func bar(ts int64, price float64) types.Bar {
	p := decimal.NewFromFloat(price)
	return types.Bar{
		Timestamp: time.Unix(ts, 0),
		Open:      p, High: p.Add(decimal.NewFromInt(1)), Low: p.Sub(decimal.NewFromInt(1)), Close: p,
		Volume: decimal.NewFromInt(1000),
	}
}

func newTestEngine(t *testing.T, broker *fakeBroker) *engine.Engine {
	t.Helper()
	compiled, err := compiler.Compile(testDoc(), features.DefaultRegistry())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return engine.New(compiled, "strat-1", broker, engine.BrokerEnv{AccountID: "acct"}, zap.NewNop(), true, true, nil)
}

func TestEngineProgressesThroughScaffold(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	ctx := context.Background()

	if eng.State().State != ir.StateIdle {
		t.Fatalf("expected initial state IDLE, got %s", eng.State().State)
	}

	if err := eng.ProcessBar(ctx, bar(0, 100), false); err != nil {
		t.Fatalf("ProcessBar: %v", err)
	}
	if eng.State().State != ir.StateArmed {
		t.Fatalf("expected ARMED after bar 1, got %s", eng.State().State)
	}

	if err := eng.ProcessBar(ctx, bar(1, 101), false); err != nil {
		t.Fatalf("ProcessBar: %v", err)
	}
	if eng.State().State != ir.StatePlaced {
		t.Fatalf("expected PLACED after bar 2 (trigger fired), got %s", eng.State().State)
	}
	if broker.submitCount != 1 {
		t.Fatalf("expected submit_order_plan to have fired once, got %d", broker.submitCount)
	}

	// bar 3: entry-confirmation gate should pass since the broker reports
	// the submitted order still open.
	if err := eng.ProcessBar(ctx, bar(2, 102), false); err != nil {
		t.Fatalf("ProcessBar: %v", err)
	}
	if eng.State().State != ir.StateManaging {
		t.Fatalf("expected MANAGING after bar 3, got %s", eng.State().State)
	}
}

func TestEntryConfirmationGateBlocksOnEmptyBroker(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	ctx := context.Background()

	eng.ProcessBar(ctx, bar(0, 100), false) // -> ARMED
	eng.ProcessBar(ctx, bar(1, 101), false) // -> PLACED, submits

	// broker "loses" the order before the next sync (simulating a silent
	// submission failure) — the gate must not let the FSM advance.
	broker.openOrders = nil

	eng.ProcessBar(ctx, bar(2, 102), false)
	if eng.State().State != ir.StatePlaced {
		t.Fatalf("expected to remain PLACED when broker reports no open orders and position is flat, got %s", eng.State().State)
	}
}

func TestReplaySuppressesOrderSubmission(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	ctx := context.Background()

	eng.ProcessBar(ctx, bar(0, 100), true) // replay
	eng.ProcessBar(ctx, bar(1, 101), true) // replay: would trigger submit, but must suppress

	if eng.State().State != ir.StatePlaced {
		t.Fatalf("expected replay to still drive state to PLACED, got %s", eng.State().State)
	}
	if broker.submitCount != 0 {
		t.Fatalf("expected submit_order_plan to be suppressed during replay, got %d calls", broker.submitCount)
	}
}

func TestKillSwitchBlocksSubmission(t *testing.T) {
	broker := &fakeBroker{}
	compiled, err := compiler.Compile(testDoc(), features.DefaultRegistry())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	eng := engine.New(compiled, "strat-1", broker, engine.BrokerEnv{}, zap.NewNop(), false /* allowLiveOrders */, true, nil)
	ctx := context.Background()

	eng.ProcessBar(ctx, bar(0, 100), false)
	eng.ProcessBar(ctx, bar(1, 101), false)

	if broker.submitCount != 0 {
		t.Fatalf("expected kill switch to block submission, got %d calls", broker.submitCount)
	}
	if eng.State().State != ir.StatePlaced {
		t.Fatalf("expected transition to PLACED to still commit even though submission was blocked, got %s", eng.State().State)
	}
}

func TestUpdatePositionTracksSignedSize(t *testing.T) {
	broker := &fakeBroker{}
	eng := newTestEngine(t, broker)
	eng.State().UpdatePosition(decimal.NewFromInt(10), types.OrderSideBuy)
	if !eng.State().PositionSize.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected position 10, got %s", eng.State().PositionSize)
	}
	eng.State().UpdatePosition(decimal.NewFromInt(10), types.OrderSideSell)
	if !eng.State().PositionSize.IsZero() {
		t.Fatalf("expected position back to zero, got %s", eng.State().PositionSize)
	}
}
