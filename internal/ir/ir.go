// Package ir defines the frozen, post-validation intermediate
// representation the compiler produces and the FSM engine executes
// against (spec.md §3 "CompiledIR", §4.1). Every dynamic field is kept as
// an *expr.Node so the engine can re-evaluate it bar over bar; static
// snapshots used for the compiler's own invariant checks are kept
// alongside, never mutated after compilation.
package ir

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/internal/expr"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// State is a strategy instance's position in the canonical FSM scaffold
// (spec.md §3, §4.4): IDLE --arm--> ARMED --trigger--> PLACED
// --(entry filled)--> MANAGING --invalidate--> EXITED, plus
// ARMED --(entry_timer expired or disarm)--> IDLE.
type State string

const (
	StateIdle     State = "IDLE"
	StateArmed    State = "ARMED"
	StatePlaced   State = "PLACED"
	StateManaging State = "MANAGING"
	StateExited   State = "EXITED"
)

// FreezeTrigger names the point at which dynamic plan levels stop moving
// (spec.md §4.4 step 5).
type FreezeTrigger string

const (
	FreezeNone      FreezeTrigger = ""
	FreezeOnArmed   FreezeTrigger = "armed"
	FreezeOnTrigger FreezeTrigger = "triggered"
)

// Action is one side-effecting or logging step an executed transition
// performs, in declaration order (spec.md §4.4 "Actions").
type ActionKind string

const (
	ActionStartTimer      ActionKind = "start_timer"
	ActionSubmitOrderPlan ActionKind = "submit_order_plan"
	ActionCancelEntries   ActionKind = "cancel_entries"
	ActionLog             ActionKind = "log"
	ActionNoop            ActionKind = "noop"
)

// Action is a lowered action invocation. TimerName/TimerBars are set only
// for ActionStartTimer; PlanID only for ActionSubmitOrderPlan; Message
// only for ActionLog.
type Action struct {
	Kind      ActionKind
	TimerName string
	TimerBars int
	PlanID    string
	Message   string
}

// StateTransition is one lowered rule (spec.md §4.1 step 5).
type StateTransition struct {
	From    State
	To      State
	When    expr.Node
	Actions []Action
}

// BracketTarget is one (price, ratio-of-position) leg of an order plan's
// take-profit ladder (spec.md §3 "Order Plan").
type BracketTarget struct {
	Price expr.Node
	Ratio decimal.Decimal
}

// BracketMode distinguishes a plan that submits as one bracket from one
// split proportionally across several child brackets (spec.md §4.8
// "Split-bracket expansion").
type BracketMode string

const (
	BracketSingle BracketMode = "single"
	BracketSplit  BracketMode = "split_bracket"
)

// OrderPlan is the compiled order template attached to the IR (spec.md
// §3). EntryLow/EntryHigh/Stop are dynamic expressions re-evaluated each
// bar (spec.md §4.4 step 4) unless levels are frozen; StaticEntryLow/
// StaticEntryHigh/StaticStop hold the compile-time snapshot the invariant
// checker validated (spec.md §4.1 step 6).
type OrderPlan struct {
	ID        string
	Side      types.OrderSide
	EntryLow  expr.Node
	EntryHigh expr.Node
	Stop      expr.Node
	Qty       decimal.Decimal
	Targets   []BracketTarget
	Mode      BracketMode

	StaticEntryLow  float64
	StaticEntryHigh float64
	StaticStop      float64
}

// ExecutionConfig is the IR's per-instance execution tuning (spec.md §3).
type ExecutionConfig struct {
	EntryTimeoutBars int
	RTHOnly          bool
	FreezeLevelsOn   FreezeTrigger
}

// RiskConfig is the IR's per-instance risk tuning (spec.md §3).
type RiskConfig struct {
	MaxRiskPerTrade     decimal.Decimal
	MaxOrderQty         decimal.Decimal
	MaxNotionalPerSymbol decimal.Decimal
	MaxOrdersPerSymbol  int
	DailyLossLimit      decimal.Decimal
	EnableDynamicSizing bool
	SizingFactor        float64
}

// CompiledIR is the compiler's frozen output (spec.md §3, §4.1). It is
// never mutated after Compile returns; the FSM engine treats it as
// read-only shared state across bars.
type CompiledIR struct {
	Symbol      string
	Timeframe   string
	InitialState State

	FeaturePlan *features.Plan
	Transitions []StateTransition
	OrderPlans  []OrderPlan

	Execution ExecutionConfig
	Risk      RiskConfig
}
