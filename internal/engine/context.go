package engine

import (
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// featureComputeContext adapts RuntimeState to features.ComputeContext for
// the step-3 plan walk (spec.md §4.3). It is rebuilt fresh each bar; its
// FeatureHistory never sees the current bar's values, since they are
// written into history only after every entry of the plan has computed.
type featureComputeContext struct {
	state *RuntimeState
}

func (c featureComputeContext) Bar() types.Bar { return c.state.CurrentBar }

func (c featureComputeContext) BarHistory() []types.Bar { return c.state.BarHistory }

func (c featureComputeContext) Feature(name string) (float64, bool) {
	if v, ok := c.state.FeatureSnapshot[name]; ok {
		return v, true
	}
	return features.BarBuiltinValue(c.state.CurrentBar, name)
}

func (c featureComputeContext) FeatureHistory(name string, k int) (float64, bool) {
	h := c.state.FeatureHistory[name]
	idx := len(h) - k
	if idx < 0 || idx >= len(h) {
		return 0, false
	}
	return h[idx], true
}

// evalContext adapts RuntimeState to expr.EvaluationContext for rule
// predicates and dynamic order-plan levels (spec.md §4.2, §4.4 step 4).
// planVars carries the plan-scoped entry/stop/eL/eH/t1 bindings, empty
// when evaluating a plain rule predicate. Unlike featureComputeContext,
// History here is called after the current bar's features have already
// been recorded (step 3 happens before steps 4 and 7), so k==0 resolves
// to the current bar.
type evalContext struct {
	state    *RuntimeState
	planVars map[string]float64
}

func (c evalContext) Feature(name string) (float64, bool) {
	if c.planVars != nil {
		if v, ok := c.planVars[name]; ok {
			return v, true
		}
	}
	if v, ok := c.state.FeatureSnapshot[name]; ok {
		return v, true
	}
	return features.BarBuiltinValue(c.state.CurrentBar, name)
}

func (c evalContext) History(name string, k int) (float64, bool) {
	if features.BarBuiltins[name] {
		bars := c.state.BarHistory
		idx := len(bars) - 1 - k
		if idx < 0 || idx >= len(bars) {
			return 0, false
		}
		return features.BarBuiltinValue(bars[idx], name)
	}
	h := c.state.FeatureHistory[name]
	idx := len(h) - 1 - k
	if idx < 0 || idx >= len(h) {
		return 0, false
	}
	return h[idx], true
}
