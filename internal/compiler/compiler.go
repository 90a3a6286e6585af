package compiler

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/internal/expr"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// planScopedVars are identifiers accepted inside order-plan dynamic
// expressions and the invalidate rule, but not in arm, trigger or disarm
// (spec.md §4.1 step 3, §4.4 step 4).
var planScopedVars = map[string]bool{
	"entry": true, "stop": true, "eL": true, "eH": true, "t1": true,
}

const ratioTolerance = 1e-6

// Compile runs the six-step pipeline (spec.md §4.1) against doc, binding
// declared features to registry entries, and returns the frozen IR. The
// compiler is pure: the same (doc, registry) always yields byte-identical
// IR, since features.BuildPlan sorts by topological-rank-then-name and
// transitions are emitted in a fixed scaffold order.
func Compile(doc Document, registry *features.Registry) (*ir.CompiledIR, error) {
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	parsed, err := parseExpressions(doc)
	if err != nil {
		return nil, err
	}

	if err := resolveNames(doc, parsed); err != nil {
		return nil, err
	}

	plan, err := buildFeaturePlan(doc, registry)
	if err != nil {
		return nil, err
	}

	transitions := lowerTransitions(doc, parsed)

	orderPlans, err := lowerOrderPlans(doc, parsed)
	if err != nil {
		return nil, err
	}

	execCfg := lowerExecution(doc.Execution)
	riskCfg := lowerRisk(doc.Risk)

	return &ir.CompiledIR{
		Symbol:       doc.Meta.Symbol,
		Timeframe:    doc.Meta.Timeframe,
		InitialState: ir.StateIdle,
		FeaturePlan:  plan,
		Transitions:  transitions,
		OrderPlans:   orderPlans,
		Execution:    execCfg,
		Risk:         riskCfg,
	}, nil
}

// --- step 1: schema validation ---------------------------------------

func validateSchema(doc Document) error {
	if strings.TrimSpace(doc.Meta.Symbol) == "" {
		return &SchemaError{Path: "meta.symbol", Reason: "must not be empty"}
	}
	if strings.TrimSpace(doc.Rules.Trigger) == "" {
		return &SchemaError{Path: "rules.trigger", Reason: "must not be empty"}
	}
	if len(doc.OrderPlans) == 0 {
		return &SchemaError{Path: "orderPlans", Reason: "must declare at least one order plan"}
	}
	for i, op := range doc.OrderPlans {
		path := fmt.Sprintf("orderPlans[%d]", i)
		if op.Side != string(types.OrderSideBuy) && op.Side != string(types.OrderSideSell) {
			return &SchemaError{Path: path + ".side", Reason: fmt.Sprintf("must be %q or %q", types.OrderSideBuy, types.OrderSideSell)}
		}
		if op.Mode != "" && op.Mode != string(ir.BracketSingle) && op.Mode != string(ir.BracketSplit) {
			return &SchemaError{Path: path + ".mode", Reason: "must be \"single\" or \"split_bracket\""}
		}
		if len(op.Targets) == 0 {
			return &SchemaError{Path: path + ".targets", Reason: "must declare at least one bracket target"}
		}
		sum := 0.0
		for j, tgt := range op.Targets {
			if tgt.Ratio < 0 || tgt.Ratio > 1 {
				return &SchemaError{Path: fmt.Sprintf("%s.targets[%d].ratio", path, j), Reason: "must be within [0,1]"}
			}
			sum += tgt.Ratio
		}
		if math.Abs(sum-1.0) > ratioTolerance {
			return &SchemaError{Path: path + ".targets", Reason: fmt.Sprintf("ratios must sum to 1.0 ± %.e, got %f", ratioTolerance, sum)}
		}
	}
	seen := make(map[string]bool, len(doc.Features))
	for i, f := range doc.Features {
		path := fmt.Sprintf("features[%d]", i)
		if f.Name == "" {
			return &SchemaError{Path: path + ".name", Reason: "must not be empty"}
		}
		if f.Family == "" {
			return &SchemaError{Path: path + ".family", Reason: "must not be empty"}
		}
		if seen[f.Name] {
			return &SchemaError{Path: path + ".name", Reason: fmt.Sprintf("duplicate feature name %q", f.Name)}
		}
		seen[f.Name] = true
	}
	return nil
}

// --- step 2: expression parsing ---------------------------------------

// parsedDoc mirrors Document's dynamic-expression fields with their
// parsed AST in place of raw text.
type parsedDoc struct {
	arm        expr.Node
	trigger    expr.Node
	invalidate expr.Node
	disarm     expr.Node // nil if doc.Rules.Disarm == ""

	orderPlans []parsedOrderPlan
}

type parsedOrderPlan struct {
	entryLow  expr.Node
	entryHigh expr.Node
	stop      expr.Node
	targets   []expr.Node
}

func mustParseAt(path, src string) (expr.Node, error) {
	n, err := expr.Parse(src)
	if err != nil {
		return nil, &ParseError{Path: path, Expr: src, Err: err}
	}
	return n, nil
}

func parseExpressions(doc Document) (*parsedDoc, error) {
	out := &parsedDoc{}
	var err error

	if out.arm, err = mustParseAt("rules.arm", doc.Rules.Arm); err != nil {
		return nil, err
	}
	if out.trigger, err = mustParseAt("rules.trigger", doc.Rules.Trigger); err != nil {
		return nil, err
	}
	if out.invalidate, err = mustParseAt("rules.invalidate", doc.Rules.Invalidate); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Rules.Disarm) != "" {
		if out.disarm, err = mustParseAt("rules.disarm", doc.Rules.Disarm); err != nil {
			return nil, err
		}
	}

	out.orderPlans = make([]parsedOrderPlan, len(doc.OrderPlans))
	for i, op := range doc.OrderPlans {
		path := fmt.Sprintf("orderPlans[%d]", i)
		pop := parsedOrderPlan{}
		if pop.entryLow, err = mustParseAt(path+".entryLow", op.EntryLow); err != nil {
			return nil, err
		}
		if pop.entryHigh, err = mustParseAt(path+".entryHigh", op.EntryHigh); err != nil {
			return nil, err
		}
		if pop.stop, err = mustParseAt(path+".stop", op.Stop); err != nil {
			return nil, err
		}
		pop.targets = make([]expr.Node, len(op.Targets))
		for j, tgt := range op.Targets {
			tpath := fmt.Sprintf("%s.targets[%d].price", path, j)
			if pop.targets[j], err = mustParseAt(tpath, tgt.Price); err != nil {
				return nil, err
			}
		}
		out.orderPlans[i] = pop
	}
	return out, nil
}

// --- step 3: name resolution & type check ------------------------------

func resolveNames(doc Document, parsed *parsedDoc) error {
	known := make(map[string]bool, len(doc.Features)+len(features.BarBuiltins)+len(planScopedVars))
	for _, f := range doc.Features {
		known[f.Name] = true
	}
	for name := range features.BarBuiltins {
		known[name] = true
	}

	check := func(path string, n expr.Node, withPlanVars bool) error {
		for _, name := range expr.Identifiers(n) {
			if known[name] {
				continue
			}
			if withPlanVars && planScopedVars[name] {
				continue
			}
			return &NameError{Path: path, Symbol: name}
		}
		return nil
	}

	if err := check("rules.arm", parsed.arm, false); err != nil {
		return err
	}
	if err := check("rules.trigger", parsed.trigger, false); err != nil {
		return err
	}
	if err := check("rules.invalidate", parsed.invalidate, true); err != nil {
		return err
	}
	if parsed.disarm != nil {
		if err := check("rules.disarm", parsed.disarm, false); err != nil {
			return err
		}
	}
	for i, pop := range parsed.orderPlans {
		path := fmt.Sprintf("orderPlans[%d]", i)
		if err := check(path+".entryLow", pop.entryLow, true); err != nil {
			return err
		}
		if err := check(path+".entryHigh", pop.entryHigh, true); err != nil {
			return err
		}
		if err := check(path+".stop", pop.stop, true); err != nil {
			return err
		}
		for j, tgt := range pop.targets {
			tpath := fmt.Sprintf("%s.targets[%d].price", path, j)
			if err := check(tpath, tgt, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- step 4: feature DAG construction ----------------------------------

func buildFeaturePlan(doc Document, registry *features.Registry) (*features.Plan, error) {
	decls := make([]features.FeatureDecl, len(doc.Features))
	for i, f := range doc.Features {
		decls[i] = features.FeatureDecl{
			Name:      f.Name,
			Family:    f.Family,
			Params:    f.Params,
			DependsOn: f.DependsOn,
		}
	}
	plan, err := features.BuildPlan(registry, decls)
	if err != nil {
		if strings.Contains(err.Error(), "cycle") {
			return nil, &CycleError{Reason: err.Error()}
		}
		return nil, err
	}
	return plan, nil
}

// --- step 5: lowering to IR ---------------------------------------------

func lowerActions(docs []ActionDoc) []ir.Action {
	out := make([]ir.Action, len(docs))
	for i, a := range docs {
		out[i] = ir.Action{
			Kind:      ir.ActionKind(a.Kind),
			TimerName: a.TimerName,
			TimerBars: a.TimerBars,
			PlanID:    a.PlanID,
			Message:   a.Message,
		}
	}
	return out
}

// lowerTransitions emits the canonical FSM scaffold (spec.md §4.1 step 5,
// §4.4): IDLE--arm-->ARMED, ARMED--trigger-->PLACED,
// PLACED--(entry filled)-->MANAGING, MANAGING--invalidate-->EXITED, and
// optionally ARMED--disarm-->IDLE. Within ARMED, trigger is declared
// before disarm so the happy path is evaluated first — an Open Question
// decision recorded in DESIGN.md.
func lowerTransitions(doc Document, parsed *parsedDoc) []ir.StateTransition {
	out := []ir.StateTransition{
		{From: ir.StateIdle, To: ir.StateArmed, When: parsed.arm, Actions: lowerActions(doc.Rules.ArmActions)},
		{From: ir.StateArmed, To: ir.StatePlaced, When: parsed.trigger, Actions: lowerActions(doc.Rules.TriggerActions)},
		{From: ir.StatePlaced, To: ir.StateManaging, When: expr.BoolLit{Value: true}, Actions: lowerActions(doc.Rules.EntryFilledActions)},
		{From: ir.StateManaging, To: ir.StateExited, When: parsed.invalidate, Actions: lowerActions(doc.Rules.InvalidateActions)},
	}
	if parsed.disarm != nil {
		out = append(out, ir.StateTransition{From: ir.StateArmed, To: ir.StateIdle, When: parsed.disarm, Actions: lowerActions(doc.Rules.DisarmActions)})
	}
	return out
}

// --- step 6: order-plan invariant checks --------------------------------

// staticValue evaluates n if (and only if) it references no identifiers —
// "static" per spec.md §4.1 step 6. Dynamic expressions type-check here
// (step 3) but their numeric invariants are rechecked by the engine each
// bar against live feature values.
func staticValue(n expr.Node) (float64, bool) {
	if len(expr.Identifiers(n)) > 0 {
		return 0, false
	}
	v, err := expr.Evaluate(n, noopContext{})
	if err != nil {
		return 0, false
	}
	return v, true
}

type noopContext struct{}

func (noopContext) Feature(string) (float64, bool)        { return 0, false }
func (noopContext) History(string, int) (float64, bool)   { return 0, false }

func lowerOrderPlans(doc Document, parsed *parsedDoc) ([]ir.OrderPlan, error) {
	out := make([]ir.OrderPlan, len(doc.OrderPlans))
	for i, op := range doc.OrderPlans {
		pop := parsed.orderPlans[i]
		mode := ir.BracketMode(op.Mode)
		if mode == "" {
			mode = ir.BracketSingle
		}
		targets := make([]ir.BracketTarget, len(op.Targets))
		for j, tgt := range op.Targets {
			targets[j] = ir.BracketTarget{Price: pop.targets[j], Ratio: decimal.NewFromFloat(tgt.Ratio)}
		}

		lowered := ir.OrderPlan{
			ID:        op.ID,
			Side:      types.OrderSide(op.Side),
			EntryLow:  pop.entryLow,
			EntryHigh: pop.entryHigh,
			Stop:      pop.stop,
			Qty:       decimal.NewFromFloat(op.Qty),
			Targets:   targets,
			Mode:      mode,
		}

		eL, okL := staticValue(pop.entryLow)
		eH, okH := staticValue(pop.entryHigh)
		stop, okS := staticValue(pop.stop)
		staticTargets := make([]float64, len(pop.targets))
		allTargetsStatic := true
		for j, t := range pop.targets {
			v, ok := staticValue(t)
			staticTargets[j] = v
			if !ok {
				allTargetsStatic = false
			}
		}

		if okL && okH && okS && allTargetsStatic {
			lowered.StaticEntryLow = eL
			lowered.StaticEntryHigh = eH
			lowered.StaticStop = stop
			if err := checkInvariants(op.ID, types.OrderSide(op.Side), eL, eH, stop, staticTargets); err != nil {
				return nil, err
			}
		} else {
			lowered.StaticEntryLow = math.NaN()
			lowered.StaticEntryHigh = math.NaN()
			lowered.StaticStop = math.NaN()
		}

		out[i] = lowered
	}
	return out, nil
}

func checkInvariants(planID string, side types.OrderSide, eL, eH, stop float64, targets []float64) error {
	if eL > eH {
		return &InvariantError{PlanID: planID, Reason: fmt.Sprintf("entryLow (%v) must be <= entryHigh (%v)", eL, eH)}
	}
	switch side {
	case types.OrderSideBuy:
		if stop >= eL {
			return &InvariantError{PlanID: planID, Reason: fmt.Sprintf("stop (%v) must be < entryLow (%v) for a buy", stop, eL)}
		}
		for _, t := range targets {
			if t <= eH {
				return &InvariantError{PlanID: planID, Reason: fmt.Sprintf("target (%v) must be > entryHigh (%v) for a buy", t, eH)}
			}
		}
	case types.OrderSideSell:
		if stop <= eH {
			return &InvariantError{PlanID: planID, Reason: fmt.Sprintf("stop (%v) must be > entryHigh (%v) for a sell", stop, eH)}
		}
		for _, t := range targets {
			if t >= eL {
				return &InvariantError{PlanID: planID, Reason: fmt.Sprintf("target (%v) must be < entryLow (%v) for a sell", t, eL)}
			}
		}
	}
	return nil
}

// --- execution/risk config lowering -------------------------------------

func lowerExecution(e *ExecutionDoc) ir.ExecutionConfig {
	if e == nil {
		return ir.ExecutionConfig{EntryTimeoutBars: 0, RTHOnly: true, FreezeLevelsOn: ir.FreezeNone}
	}
	return ir.ExecutionConfig{
		EntryTimeoutBars: e.EntryTimeoutBars,
		RTHOnly:          e.RTHOnly,
		FreezeLevelsOn:   ir.FreezeTrigger(e.FreezeLevelsOn),
	}
}

func lowerRisk(r RiskDoc) ir.RiskConfig {
	factor := r.SizingFactor
	if factor == 0 {
		factor = 0.75
	}
	return ir.RiskConfig{
		MaxRiskPerTrade:      decimal.NewFromFloat(r.MaxRiskPerTrade),
		MaxOrderQty:          decimal.NewFromFloat(r.MaxOrderQty),
		MaxNotionalPerSymbol: decimal.NewFromFloat(r.MaxNotionalPerSymbol),
		MaxOrdersPerSymbol:   r.MaxOrdersPerSymbol,
		DailyLossLimit:       decimal.NewFromFloat(r.DailyLossLimit),
		EnableDynamicSizing:  r.EnableDynamicSizing,
		SizingFactor:         factor,
	}
}
