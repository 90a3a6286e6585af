package features_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// fakeEngine replays a plan over a fixed sequence of bars, maintaining the
// bounded history every PlanEntry.Compute needs — a minimal stand-in for
// the FSM engine's own bookkeeping (internal/engine, not yet built).
type fakeEngine struct {
	bars        []types.Bar
	featureHist map[string][]float64 // oldest first
	cur         map[string]float64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{featureHist: make(map[string][]float64)}
}

func (e *fakeEngine) Bar() types.Bar { return e.bars[len(e.bars)-1] }

func (e *fakeEngine) BarHistory() []types.Bar { return e.bars }

func (e *fakeEngine) Feature(name string) (float64, bool) {
	if v, ok := e.cur[name]; ok {
		return v, true
	}
	if b, ok := features.BarBuiltinValue(e.Bar(), name); ok {
		return b, true
	}
	return 0, false
}

// FeatureHistory is called mid-computation, before the current bar's
// value has been appended: k==1 means "the last completed bar's value",
// at index len(h)-1.
func (e *fakeEngine) FeatureHistory(name string, k int) (float64, bool) {
	h := e.featureHist[name]
	idx := len(h) - k
	if idx < 0 || idx >= len(h) {
		return 0, false
	}
	return h[idx], true
}

// run feeds bars one at a time through plan, returning the final bar's
// feature values keyed by name.
func (e *fakeEngine) run(plan *features.Plan, bars []types.Bar) (map[string]float64, error) {
	var last map[string]float64
	for _, b := range bars {
		e.bars = append(e.bars, b)
		e.cur = make(map[string]float64)
		for _, entry := range plan.Entries {
			v, err := entry.Compute(e)
			if err != nil {
				return nil, err
			}
			e.cur[entry.Name] = v
		}
		for name, v := range e.cur {
			e.featureHist[name] = append(e.featureHist[name], v)
		}
		last = e.cur
	}
	return last, nil
}

func bar(ts int64, o, h, l, c, v float64) types.Bar {
	return types.Bar{
		Timestamp: time.Unix(ts, 0),
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(v),
	}
}

func risingBars(n int, start float64) []types.Bar {
	out := make([]types.Bar, 0, n)
	price := start
	for i := 0; i < n; i++ {
		out = append(out, bar(int64(i), price-0.5, price+1, price-1, price, 1000))
		price++
	}
	return out
}

func TestBuildPlanTopologicalOrder(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{
		{Name: "macd_histogram", Family: "macd_histogram", DependsOn: []string{"macd_line", "macd_sig"}},
		{Name: "macd_sig", Family: "macd_signal", Params: map[string]float64{"period": 9}, DependsOn: []string{"macd_line"}},
		{Name: "macd_line", Family: "macd", Params: map[string]float64{"fast": 12, "slow": 26}},
	}
	plan, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	pos := make(map[string]int, len(plan.Entries))
	for i, e := range plan.Entries {
		pos[e.Name] = i
	}
	if pos["macd_line"] > pos["macd_sig"] {
		t.Fatalf("macd_line must precede macd_sig, got order %v", plan.Entries)
	}
	if pos["macd_sig"] > pos["macd_histogram"] {
		t.Fatalf("macd_sig must precede macd_histogram, got order %v", plan.Entries)
	}
}

func TestBuildPlanIsDeterministic(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{
		{Name: "b", Family: "sma", Params: map[string]float64{"period": 3}},
		{Name: "a", Family: "sma", Params: map[string]float64{"period": 3}},
		{Name: "c", Family: "sma", DependsOn: nil, Params: map[string]float64{"period": 3}},
	}
	p1, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	p2, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	for i := range p1.Entries {
		if p1.Entries[i].Name != p2.Entries[i].Name {
			t.Fatalf("non-deterministic plan order: %v vs %v", p1.Entries, p2.Entries)
		}
	}
	// independent features with no edges between them break ties by name.
	want := []string{"a", "b", "c"}
	for i, name := range want {
		if p1.Entries[i].Name != name {
			t.Fatalf("expected name-sorted tiebreak %v, got %v", want, p1.Entries)
		}
	}
}

func TestBuildPlanDetectsCycle(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{
		{Name: "x", Family: "sma", DependsOn: []string{"y"}},
		{Name: "y", Family: "sma", DependsOn: []string{"x"}},
	}
	_, err := features.BuildPlan(reg, decls)
	if err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func TestBuildPlanRejectsUndeclaredDependency(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{
		{Name: "x", Family: "sma", DependsOn: []string{"nonexistent"}},
	}
	_, err := features.BuildPlan(reg, decls)
	if err == nil {
		t.Fatalf("expected error for undeclared dependency")
	}
}

func TestSMAMatchesMeanOfWindow(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{{Name: "sma5", Family: "sma", Params: map[string]float64{"period": 5}}}
	plan, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	bars := risingBars(5, 100)
	result, err := newFakeEngine().run(plan, bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// closes are 100..104, mean = 102.
	if math.Abs(result["sma5"]-102) > 1e-9 {
		t.Fatalf("expected sma5 == 102, got %v", result["sma5"])
	}
}

func TestSMAInsufficientHistoryIsNaN(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{{Name: "sma5", Family: "sma", Params: map[string]float64{"period": 5}}}
	plan, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	bars := risingBars(3, 100)
	result, err := newFakeEngine().run(plan, bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !math.IsNaN(result["sma5"]) {
		t.Fatalf("expected NaN with insufficient history, got %v", result["sma5"])
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{{Name: "rsi14", Family: "rsi", Params: map[string]float64{"period": 14}}}
	plan, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	bars := risingBars(16, 100) // strictly increasing closes -> no losses
	result, err := newFakeEngine().run(plan, bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result["rsi14"] != 100 {
		t.Fatalf("expected rsi14 == 100 for an all-gains window, got %v", result["rsi14"])
	}
}

func TestOBVAccumulatesAcrossBars(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{{Name: "obv", Family: "obv"}}
	plan, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	bars := []types.Bar{
		bar(0, 10, 11, 9, 10, 1000),
		bar(1, 10, 12, 9, 11, 500), // up bar: +500
		bar(2, 11, 12, 9, 9, 300),  // down bar: -300
	}
	result, err := newFakeEngine().run(plan, bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result["obv"] != 200 {
		t.Fatalf("expected obv == 200 (500 - 300), got %v", result["obv"])
	}
}

func TestBodyRatioZeroRangeIsZero(t *testing.T) {
	reg := features.DefaultRegistry()
	decls := []features.FeatureDecl{{Name: "br", Family: "body_ratio"}}
	plan, err := features.BuildPlan(reg, decls)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	bars := []types.Bar{bar(0, 10, 10, 10, 10, 100)}
	result, err := newFakeEngine().run(plan, bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result["br"] != 0 {
		t.Fatalf("expected body_ratio == 0 for a zero-range bar, got %v", result["br"])
	}
}

func TestDefaultRegistryKindsIncludesAllBuiltins(t *testing.T) {
	reg := features.DefaultRegistry()
	for _, want := range []string{
		"sma", "ema", "rsi", "macd", "macd_signal", "macd_histogram",
		"bollinger_upper", "bollinger_lower", "atr", "volume_sma", "vwap",
		"obv", "stoch_k", "stoch_d", "body_ratio", "upper_wick_ratio",
		"lower_wick_ratio", "range_pct",
	} {
		if _, ok := reg.Lookup(want); !ok {
			t.Errorf("expected family %q to be registered", want)
		}
	}
}
