package compiler_test

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/compiler"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/internal/ir"
)

func validDoc() compiler.Document {
	return compiler.Document{
		Meta: compiler.MetaDoc{Symbol: "AAPL", Timeframe: "5m"},
		Features: []compiler.FeatureDoc{
			{Name: "sma_fast", Family: "sma", Params: map[string]float64{"period": 10}},
			{Name: "sma_slow", Family: "sma", Params: map[string]float64{"period": 30}},
		},
		Rules: compiler.RulesDoc{
			Arm:        "sma_fast > sma_slow",
			Trigger:    "close > sma_fast",
			Invalidate: "close < stop",
		},
		OrderPlans: []compiler.OrderPlanDoc{
			{
				ID:        "p1",
				Side:      "buy",
				EntryLow:  "close - 0.1",
				EntryHigh: "close + 0.1",
				Stop:      "close - 1",
				Qty:       100,
				Mode:      "single",
				Targets: []compiler.TargetDoc{
					{Price: "close + 2", Ratio: 1.0},
				},
			},
		},
		Risk: compiler.RiskDoc{MaxRiskPerTrade: 100},
	}
}

func TestCompileValidDocument(t *testing.T) {
	out, err := compiler.Compile(validDoc(), features.DefaultRegistry())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if out.Symbol != "AAPL" {
		t.Fatalf("expected symbol AAPL, got %s", out.Symbol)
	}
	if len(out.Transitions) != 4 {
		t.Fatalf("expected 4 scaffold transitions (no disarm), got %d", len(out.Transitions))
	}
	if len(out.FeaturePlan.Entries) != 2 {
		t.Fatalf("expected 2 feature plan entries, got %d", len(out.FeaturePlan.Entries))
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	reg := features.DefaultRegistry()
	a, err := compiler.Compile(validDoc(), reg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := compiler.Compile(validDoc(), reg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(a.FeaturePlan.Entries) != len(b.FeaturePlan.Entries) {
		t.Fatalf("feature plan length differs across compiles")
	}
	for i := range a.FeaturePlan.Entries {
		if a.FeaturePlan.Entries[i].Name != b.FeaturePlan.Entries[i].Name {
			t.Fatalf("non-deterministic feature plan ordering at %d: %s vs %s",
				i, a.FeaturePlan.Entries[i].Name, b.FeaturePlan.Entries[i].Name)
		}
	}
	for i := range a.Transitions {
		if a.Transitions[i].From != b.Transitions[i].From || a.Transitions[i].To != b.Transitions[i].To {
			t.Fatalf("non-deterministic transition ordering at %d", i)
		}
	}
}

func TestCompileRejectsMissingSymbol(t *testing.T) {
	doc := validDoc()
	doc.Meta.Symbol = ""
	_, err := compiler.Compile(doc, features.DefaultRegistry())
	if _, ok := err.(*compiler.SchemaError); !ok {
		t.Fatalf("expected *compiler.SchemaError, got %T (%v)", err, err)
	}
}

func TestCompileRejectsEmptyOrderPlans(t *testing.T) {
	doc := validDoc()
	doc.OrderPlans = nil
	_, err := compiler.Compile(doc, features.DefaultRegistry())
	if _, ok := err.(*compiler.SchemaError); !ok {
		t.Fatalf("expected *compiler.SchemaError, got %T (%v)", err, err)
	}
}

func TestCompileRejectsBadRatioSum(t *testing.T) {
	doc := validDoc()
	doc.OrderPlans[0].Targets = []compiler.TargetDoc{
		{Price: "close + 1", Ratio: 0.5},
		{Price: "close + 2", Ratio: 0.3},
	}
	_, err := compiler.Compile(doc, features.DefaultRegistry())
	if _, ok := err.(*compiler.SchemaError); !ok {
		t.Fatalf("expected *compiler.SchemaError for bad ratio sum, got %T (%v)", err, err)
	}
}

func TestCompileRejectsUnparsableExpression(t *testing.T) {
	doc := validDoc()
	doc.Rules.Trigger = "close >"
	_, err := compiler.Compile(doc, features.DefaultRegistry())
	if _, ok := err.(*compiler.ParseError); !ok {
		t.Fatalf("expected *compiler.ParseError, got %T (%v)", err, err)
	}
}

func TestCompileRejectsUnknownIdentifier(t *testing.T) {
	doc := validDoc()
	doc.Rules.Arm = "rsi_missing > 50"
	_, err := compiler.Compile(doc, features.DefaultRegistry())
	if _, ok := err.(*compiler.NameError); !ok {
		t.Fatalf("expected *compiler.NameError, got %T (%v)", err, err)
	}
}

func TestCompileRejectsFeatureCycle(t *testing.T) {
	doc := validDoc()
	doc.Features = []compiler.FeatureDoc{
		{Name: "a", Family: "sma", DependsOn: []string{"b"}},
		{Name: "b", Family: "sma", DependsOn: []string{"a"}},
	}
	doc.Rules.Arm = "a > b"
	_, err := compiler.Compile(doc, features.DefaultRegistry())
	if _, ok := err.(*compiler.CycleError); !ok {
		t.Fatalf("expected *compiler.CycleError, got %T (%v)", err, err)
	}
}

func TestCompileRejectsStaticInvariantViolation(t *testing.T) {
	doc := validDoc()
	// fully static, violates stop < entryLow for a buy.
	doc.OrderPlans[0].EntryLow = "10"
	doc.OrderPlans[0].EntryHigh = "11"
	doc.OrderPlans[0].Stop = "10.5" // stop must be < entryLow (10)
	doc.OrderPlans[0].Targets = []compiler.TargetDoc{{Price: "12", Ratio: 1.0}}
	_, err := compiler.Compile(doc, features.DefaultRegistry())
	if _, ok := err.(*compiler.InvariantError); !ok {
		t.Fatalf("expected *compiler.InvariantError, got %T (%v)", err, err)
	}
}

func TestCompileSkipsInvariantCheckForDynamicLevels(t *testing.T) {
	// entryLow/entryHigh/stop reference "close", so they are dynamic;
	// the compiler must not try to evaluate them statically.
	_, err := compiler.Compile(validDoc(), features.DefaultRegistry())
	if err != nil {
		t.Fatalf("expected dynamic levels to type-check without numeric invariant evaluation: %v", err)
	}
}

func TestCompileWithDisarmAddsFifthTransition(t *testing.T) {
	doc := validDoc()
	doc.Rules.Disarm = "sma_fast < sma_slow"
	out, err := compiler.Compile(doc, features.DefaultRegistry())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(out.Transitions) != 5 {
		t.Fatalf("expected 5 transitions with disarm present, got %d", len(out.Transitions))
	}
	last := out.Transitions[len(out.Transitions)-1]
	if last.From != ir.StateArmed || last.To != ir.StateIdle {
		t.Fatalf("expected disarm transition ARMED->IDLE, got %s->%s", last.From, last.To)
	}
}
