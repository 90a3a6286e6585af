// Package compiler turns a declarative strategy document into a frozen
// ir.CompiledIR (spec.md §4.1). The six-step pipeline — schema validation,
// expression parsing, name resolution, feature DAG construction, lowering,
// and order-plan invariant checks — is pure: the same Document always
// compiles to byte-identical IR.
package compiler

import (
	"gopkg.in/yaml.v3"
)

// Document is the on-disk/over-the-wire shape of a strategy spec (spec.md
// §4.1 "a structured mapping of meta, features[], rules, orderPlans[],
// execution?, risk").
type Document struct {
	Meta       MetaDoc        `yaml:"meta"`
	Features   []FeatureDoc   `yaml:"features"`
	Rules      RulesDoc       `yaml:"rules"`
	OrderPlans []OrderPlanDoc `yaml:"orderPlans"`
	Execution  *ExecutionDoc  `yaml:"execution,omitempty"`
	Risk       RiskDoc        `yaml:"risk"`
}

// MetaDoc carries the symbol/timeframe binding (spec.md §3 "CompiledIR").
type MetaDoc struct {
	Symbol    string `yaml:"symbol"`
	Timeframe string `yaml:"timeframe"`
}

// FeatureDoc declares one feature instance (spec.md §3 "Feature").
type FeatureDoc struct {
	Name      string             `yaml:"name"`
	Family    string             `yaml:"family"`
	Params    map[string]float64 `yaml:"params,omitempty"`
	DependsOn []string           `yaml:"dependsOn,omitempty"`
}

// RulesDoc holds the rule predicates lowered onto the canonical FSM
// scaffold (spec.md §4.1 step 5): IDLE --arm--> ARMED --trigger--> PLACED
// --(entry filled)--> MANAGING --invalidate--> EXITED, plus an optional
// ARMED --disarm--> IDLE escape hatch. Entry-timeout back to IDLE is an
// engine-level check against Execution.EntryTimeoutBars, not a rule:
// the engine starts a reserved "entry_timer" countdown on entry to
// ARMED and forces IDLE when it expires (internal/engine's
// commitTransition/evaluateTransitions), independent of any declared
// disarm predicate.
type RulesDoc struct {
	Arm        string      `yaml:"arm"`
	ArmActions []ActionDoc `yaml:"armActions,omitempty"`

	Trigger        string      `yaml:"trigger"`
	TriggerActions []ActionDoc `yaml:"triggerActions,omitempty"`

	// EntryFilledActions run on the automatic PLACED->MANAGING transition,
	// gated by the engine's fresh-broker-sync entry-confirmation check
	// rather than a user-authored predicate (spec.md §4.4 step 7).
	EntryFilledActions []ActionDoc `yaml:"entryFilledActions,omitempty"`

	Invalidate        string      `yaml:"invalidate"`
	InvalidateActions []ActionDoc `yaml:"invalidateActions,omitempty"`

	Disarm        string      `yaml:"disarm,omitempty"`
	DisarmActions []ActionDoc `yaml:"disarmActions,omitempty"`
}

// ActionDoc is the document form of one ir.Action (spec.md §4.4 "Actions").
type ActionDoc struct {
	Kind      string `yaml:"kind"`
	TimerName string `yaml:"timerName,omitempty"`
	TimerBars int    `yaml:"timerBars,omitempty"`
	PlanID    string `yaml:"planId,omitempty"`
	Message   string `yaml:"message,omitempty"`
}

// TargetDoc is one bracket leg: a price expression and its share of the
// position (spec.md §3 "Order Plan").
type TargetDoc struct {
	Price string  `yaml:"price"`
	Ratio float64 `yaml:"ratio"`
}

// OrderPlanDoc is the document form of an order plan template.
type OrderPlanDoc struct {
	ID        string      `yaml:"id"`
	Side      string      `yaml:"side"`
	EntryLow  string      `yaml:"entryLow"`
	EntryHigh string      `yaml:"entryHigh"`
	Stop      string      `yaml:"stop"`
	Qty       float64     `yaml:"qty"`
	Targets   []TargetDoc `yaml:"targets"`
	Mode      string      `yaml:"mode"`
}

// ExecutionDoc is the document form of ir.ExecutionConfig.
type ExecutionDoc struct {
	EntryTimeoutBars int    `yaml:"entryTimeoutBars"`
	RTHOnly          bool   `yaml:"rthOnly"`
	FreezeLevelsOn   string `yaml:"freezeLevelsOn,omitempty"`
}

// RiskDoc is the document form of ir.RiskConfig.
type RiskDoc struct {
	MaxRiskPerTrade      float64 `yaml:"maxRiskPerTrade"`
	MaxOrderQty          float64 `yaml:"maxOrderQty"`
	MaxNotionalPerSymbol float64 `yaml:"maxNotionalPerSymbol"`
	MaxOrdersPerSymbol   int     `yaml:"maxOrdersPerSymbol"`
	DailyLossLimit       float64 `yaml:"dailyLossLimit"`
	EnableDynamicSizing  bool    `yaml:"enableDynamicSizing"`
	SizingFactor         float64 `yaml:"sizingFactor"`
}

// ParseDocument unmarshals raw YAML bytes into a Document. Structural
// well-formedness only; semantic validation happens in Compile step 1.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, &SchemaError{Path: "$", Reason: err.Error()}
	}
	return doc, nil
}
