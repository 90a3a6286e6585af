package engine

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/expr"
	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// entryTimerName is the reserved timer key driving the scaffold's
// ARMED --(entry_timer expired or disarm)--> IDLE edge (spec.md §4.1
// step 5). It is started by commitTransition on entry to ARMED and
// never user-addressable through start_timer actions.
const entryTimerName = "entry_timer"

// BuyingPowerFunc supplies the account's current buying power for
// dynamic position sizing (spec.md §4.4 step 6). A nil func disables
// dynamic sizing regardless of the IR's EnableDynamicSizing flag.
type BuyingPowerFunc func() decimal.Decimal

// Engine is one FSM execution engine instance (spec.md §4.4), bound to a
// single compiled strategy, broker, and runtime state. Not safe for
// concurrent ProcessBar calls — the orchestrator serializes bars per
// instance (spec.md §4.6).
type Engine struct {
	compiled   *ir.CompiledIR
	strategyID string
	broker     Broker
	env        BrokerEnv
	state      *RuntimeState
	logger     *zap.Logger
	metrics    *metrics.Registry

	allowLiveOrders    bool
	allowCancelEntries bool
	buyingPower        BuyingPowerFunc
}

// WithMetrics attaches a metrics.Registry so reconciliation mismatches
// are counted per symbol. Optional: an Engine with no registry attached
// simply skips instrumentation.
func (e *Engine) WithMetrics(reg *metrics.Registry) *Engine {
	e.metrics = reg
	return e
}

// New builds an Engine in its compiled initial state.
func New(compiled *ir.CompiledIR, strategyID string, broker Broker, env BrokerEnv, logger *zap.Logger, allowLiveOrders, allowCancelEntries bool, buyingPower BuyingPowerFunc) *Engine {
	return &Engine{
		compiled:           compiled,
		strategyID:         strategyID,
		broker:             broker,
		env:                env,
		state:              NewRuntimeState(compiled.InitialState),
		logger:             logger.With(zap.String("strategy_id", strategyID), zap.String("symbol", compiled.Symbol)),
		allowLiveOrders:    allowLiveOrders,
		allowCancelEntries: allowCancelEntries,
		buyingPower:        buyingPower,
	}
}

// State returns the engine's current runtime state for diagnostics; the
// orchestrator and repository layers read from it but never mutate it.
func (e *Engine) State() *RuntimeState { return e.state }

// Symbol returns the underlying instrument symbol, for callers (like the
// reconciliation loop) that index engines per symbol.
func (e *Engine) Symbol() string { return e.compiled.Symbol }

// Reconcile forces an out-of-band broker-truth pull (spec.md §4.8),
// independent of ProcessBar's own step-2 sync. The caller is responsible
// for serializing this against concurrent ProcessBar calls on the same
// instance, e.g. via internal/symlock.SymbolLock keyed on Symbol().
func (e *Engine) Reconcile(ctx context.Context) error {
	return e.syncOpenOrders(ctx)
}

// ProcessBar implements the eight-step bar-processing contract (spec.md
// §4.4). In replay mode all side-effectful actions are suppressed but
// features, timers, and transitions still run, so the engine arrives at
// the correct live state (spec.md §4.9).
func (e *Engine) ProcessBar(ctx context.Context, bar types.Bar, replay bool) error {
	// step 1
	e.state.BarCount++
	e.state.pushBar(bar)
	e.state.lastSyncFresh = false

	// step 2
	if len(e.state.OpenOrders) == 0 && !replay {
		e.syncOpenOrders(ctx)
	}

	// step 3
	e.computeFeatures()

	// step 4
	if !e.state.LevelsFrozen {
		e.recomputePlanLevels()
	}

	// step 5
	e.maybeFreezeLevels()

	// step 6
	e.tickTimers()

	// step 7 (+ step 8)
	e.evaluateTransitions(ctx, replay)
	e.state.StateBarCount++

	return nil
}

func (e *Engine) computeFeatures() {
	ctx := featureComputeContext{state: e.state}
	values := make([]float64, len(e.compiled.FeaturePlan.Entries))
	for i, entry := range e.compiled.FeaturePlan.Entries {
		v, err := entry.Compute(ctx)
		if err != nil {
			e.logger.Warn("feature compute failed, recording NaN", zap.String("feature", entry.Name), zap.Error(err))
			v = math.NaN()
		}
		e.state.FeatureSnapshot[entry.Name] = v
		values[i] = v
	}
	// history is appended only once the whole plan has run, so
	// FeatureHistory(name, 1) is the previous bar's value for every feature.
	for i, entry := range e.compiled.FeaturePlan.Entries {
		e.state.recordFeature(entry.Name, values[i])
	}
}

// planVarsFor evaluates a plan's own dynamic entryLow/entryHigh/stop/
// target fields and returns the resulting plan-scoped variable bindings
// (spec.md §4.4 step 4, §4.1 step 3 "entry, stop, eL, eH, t1").
func (e *Engine) planVarsFor(plan ir.OrderPlan) (PlanLevels, map[string]float64, error) {
	base := evalContext{state: e.state}
	eL, err := expr.Evaluate(plan.EntryLow, base)
	if err != nil {
		return PlanLevels{}, nil, err
	}
	eH, err := expr.Evaluate(plan.EntryHigh, base)
	if err != nil {
		return PlanLevels{}, nil, err
	}
	stop, err := expr.Evaluate(plan.Stop, base)
	if err != nil {
		return PlanLevels{}, nil, err
	}

	vars := map[string]float64{"eL": eL, "eH": eH, "stop": stop, "entry": (eL + eH) / 2}
	targets := make([]float64, len(plan.Targets))
	for i, tgt := range plan.Targets {
		tctx := evalContext{state: e.state, planVars: vars}
		v, err := expr.Evaluate(tgt.Price, tctx)
		if err != nil {
			return PlanLevels{}, nil, err
		}
		targets[i] = v
		if i == 0 {
			vars["t1"] = v
		}
	}
	return PlanLevels{EntryLow: eL, EntryHigh: eH, Stop: stop, Targets: targets}, vars, nil
}

func (e *Engine) recomputePlanLevels() {
	for _, plan := range e.compiled.OrderPlans {
		levels, _, err := e.planVarsFor(plan)
		if err != nil {
			e.logger.Warn("dynamic level recompute failed", zap.String("plan_id", plan.ID), zap.Error(err))
			continue
		}
		e.state.PlanLevels[plan.ID] = levels
	}
}

func (e *Engine) maybeFreezeLevels() {
	switch e.compiled.Execution.FreezeLevelsOn {
	case ir.FreezeOnArmed:
		if e.state.State == ir.StateArmed {
			e.state.LevelsFrozen = true
		}
	case ir.FreezeOnTrigger:
		if e.state.State == ir.StatePlaced {
			e.state.LevelsFrozen = true
		}
	}
}

func (e *Engine) tickTimers() {
	for name, remaining := range e.state.Timers {
		if remaining > 0 {
			e.state.Timers[name] = remaining - 1
		}
	}
}

// ambientPlanVars returns the plan-scoped variable bindings rule
// predicates see: the first order plan's levels, since a strategy's
// rules reference a single implicit active plan in practice (spec.md
// §4.1 step 3 lists entry/stop/eL/eH/t1 without naming which plan for a
// document with several; this engine resolves it to OrderPlans[0] —
// recorded as an Open Question decision in DESIGN.md).
func (e *Engine) ambientPlanVars() map[string]float64 {
	if len(e.compiled.OrderPlans) == 0 {
		return nil
	}
	levels, ok := e.state.PlanLevels[e.compiled.OrderPlans[0].ID]
	if !ok {
		return nil
	}
	vars := map[string]float64{"eL": levels.EntryLow, "eH": levels.EntryHigh, "stop": levels.Stop, "entry": (levels.EntryLow + levels.EntryHigh) / 2}
	if len(levels.Targets) > 0 {
		vars["t1"] = levels.Targets[0]
	}
	return vars
}

// entryTimerExpired reports whether the entry-timeout timer has run out
// while the instance is still ARMED (spec.md §4.1 step 5's
// "entry_timer expired" edge). A zero EntryTimeoutBars never starts the
// timer, so this is always false in that configuration.
func (e *Engine) entryTimerExpired() bool {
	remaining, started := e.state.Timers[entryTimerName]
	return started && remaining <= 0
}

func (e *Engine) commitEntryTimeout(ctx context.Context) {
	e.logger.Info("entry timer expired, disarming", zap.String("from", string(ir.StateArmed)), zap.String("to", string(ir.StateIdle)))
	delete(e.state.Timers, entryTimerName)
	e.state.State = ir.StateIdle
	e.state.StateBarCount = 0
	e.state.audit("transition", string(ir.StateArmed)+"->"+string(ir.StateIdle)+" (entry_timer expired)", nil)
}

func (e *Engine) evaluateTransitions(ctx context.Context, replay bool) {
	if e.state.State == ir.StateArmed && e.entryTimerExpired() {
		e.commitEntryTimeout(ctx)
		return
	}

	planVars := e.ambientPlanVars()
	for _, t := range e.compiled.Transitions {
		if t.From != e.state.State {
			continue
		}

		// dwell gate (spec.md §4.4 step 7): PLACED is sticky for one bar.
		if t.From == ir.StatePlaced && t.To != ir.StateManaging && e.state.StateBarCount < 1 {
			continue
		}

		// entry-confirmation gate.
		if t.To == ir.StateManaging {
			e.syncOpenOrders(ctx)
			if !e.state.lastSyncHadLiveOrder && e.state.PositionSize.IsZero() {
				continue
			}
		}

		v, err := expr.Evaluate(t.When, evalContext{state: e.state, planVars: planVars})
		if err != nil {
			e.logger.Warn("transition predicate failed, treated as false", zap.String("from", string(t.From)), zap.String("to", string(t.To)), zap.Error(err))
			continue
		}
		if !expr.Truthy(v) {
			continue
		}

		e.commitTransition(ctx, t, replay)
		return // at most one transition per bar
	}
}

func (e *Engine) commitTransition(ctx context.Context, t ir.StateTransition, replay bool) {
	e.logger.Info("state transition", zap.String("from", string(t.From)), zap.String("to", string(t.To)))
	if t.From == ir.StateArmed {
		delete(e.state.Timers, entryTimerName)
	}
	if t.To == ir.StateArmed && e.compiled.Execution.EntryTimeoutBars > 0 {
		e.state.Timers[entryTimerName] = e.compiled.Execution.EntryTimeoutBars
	}
	e.state.State = t.To
	e.state.StateBarCount = 0
	e.state.audit("transition", string(t.From)+"->"+string(t.To), nil)

	for _, action := range t.Actions {
		if err := e.executeAction(ctx, action, replay); err != nil {
			e.logger.Error("action failed, aborting remaining actions for this transition", zap.String("kind", string(action.Kind)), zap.Error(err))
			return
		}
	}
}

// syncOpenOrders pulls broker truth and replaces the local open-order
// set (spec.md §4.4 step 2, §4.8 reconciliation). A mismatch between the
// prior local set and broker truth is audited as ReconciliationMismatch
// (spec.md §7). Failures are logged and ignored for the bar.
func (e *Engine) syncOpenOrders(ctx context.Context) error {
	orders, err := e.broker.GetOpenOrders(ctx, e.compiled.Symbol, e.env)
	if err != nil {
		e.logger.Warn("broker sync failed, ignoring for this bar", zap.Error(err))
		return err
	}
	fresh := make(map[string]types.Order, len(orders))
	for _, o := range orders {
		fresh[o.ID] = o
	}
	if orderSetsDiffer(e.state.OpenOrders, fresh) {
		e.state.audit("ReconciliationMismatch", "local open-order set replaced by broker truth", map[string]any{
			"local_count":  len(e.state.OpenOrders),
			"broker_count": len(fresh),
		})
		if e.metrics != nil {
			e.metrics.ReconcileMismatch.WithLabelValues(e.compiled.Symbol).Inc()
		}
	}
	e.state.OpenOrders = fresh
	e.state.lastSyncFresh = true
	e.state.lastSyncHadLiveOrder = len(fresh) > 0
	return nil
}

func orderSetsDiffer(a, b map[string]types.Order) bool {
	if len(a) != len(b) {
		return true
	}
	for id, oa := range a {
		ob, ok := b[id]
		if !ok || oa.Status != ob.Status {
			return true
		}
	}
	return false
}
