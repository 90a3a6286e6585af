// Package engine implements the per-strategy FSM execution engine
// (spec.md §4.4): the bar-processing contract, action dispatch, and
// runtime state a compiled strategy carries between bars. One Engine
// exists per live strategy instance; state is never shared across
// instances.
package engine

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/internal/ir"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const (
	// barHistoryCap bounds the bounded bar history (spec.md §3 default 200).
	barHistoryCap = 200
	// featureHistoryCap bounds each feature's ring buffer (spec.md §3 default 100).
	featureHistoryCap = 100
)

// PlanLevels is the live, possibly-recomputed numeric snapshot of one
// order plan's dynamic fields (spec.md §4.4 step 4).
type PlanLevels struct {
	EntryLow  float64
	EntryHigh float64
	Stop      float64
	Targets   []float64
}

// RuntimeState is the per-instance mutable state the engine owns (spec.md
// §3 "Strategy Runtime State"). Not safe for concurrent use — the
// orchestrator guarantees one bar at a time per instance (spec.md §4.6).
type RuntimeState struct {
	State         ir.State
	BarCount      int
	StateBarCount int

	CurrentBar types.Bar
	BarHistory []types.Bar

	FeatureSnapshot map[string]float64
	FeatureHistory  map[string][]float64

	OpenOrders   map[string]types.Order
	PositionSize decimal.Decimal
	RealizedPnL  decimal.Decimal
	DailyPnL     decimal.Decimal

	LevelsFrozen bool
	PlanLevels   map[string]PlanLevels

	// Timers maps a timer name to bars remaining; a bar that ticks a
	// timer to zero leaves it at zero until consumed or restarted.
	Timers map[string]int

	AuditLog []types.AuditEvent

	// lastSyncHadLiveOrder records the result of the most recent broker
	// sync, consumed by the MANAGING entry-confirmation gate (spec.md
	// §4.4 step 7); lastSyncFresh marks whether a sync has happened yet
	// this bar at all.
	lastSyncHadLiveOrder bool
	lastSyncFresh        bool
}

// NewRuntimeState returns a fresh runtime state in the given initial FSM state.
func NewRuntimeState(initial ir.State) *RuntimeState {
	return &RuntimeState{
		State:           initial,
		FeatureSnapshot: make(map[string]float64),
		FeatureHistory:  make(map[string][]float64),
		OpenOrders:      make(map[string]types.Order),
		PositionSize:    decimal.Zero,
		RealizedPnL:     decimal.Zero,
		DailyPnL:        decimal.Zero,
		PlanLevels:      make(map[string]PlanLevels),
		Timers:          make(map[string]int),
	}
}

func (s *RuntimeState) pushBar(b types.Bar) {
	s.CurrentBar = b
	s.BarHistory = append(s.BarHistory, b)
	if len(s.BarHistory) > barHistoryCap {
		s.BarHistory = s.BarHistory[len(s.BarHistory)-barHistoryCap:]
	}
}

func (s *RuntimeState) recordFeature(name string, v float64) {
	s.FeatureSnapshot[name] = v
	h := append(s.FeatureHistory[name], v)
	if len(h) > featureHistoryCap {
		h = h[len(h)-featureHistoryCap:]
	}
	s.FeatureHistory[name] = h
}

func (s *RuntimeState) audit(kind, message string, detail map[string]any) {
	s.AuditLog = append(s.AuditLog, types.AuditEvent{
		Kind:    kind,
		Message: message,
		Detail:  detail,
	})
}

// UpdatePosition applies an external fill notification (spec.md §4.4
// "Position tracking"): positionSize += qty for a buy, -= qty for a sell.
// Zero-crossings are logged as open/close events.
func (s *RuntimeState) UpdatePosition(qty decimal.Decimal, side types.OrderSide) {
	before := s.PositionSize
	switch side {
	case types.OrderSideBuy:
		s.PositionSize = s.PositionSize.Add(qty)
	case types.OrderSideSell:
		s.PositionSize = s.PositionSize.Sub(qty)
	}
	if before.IsZero() && !s.PositionSize.IsZero() {
		s.audit("position_opened", "position opened", map[string]any{"size": s.PositionSize.String()})
	} else if !before.IsZero() && s.PositionSize.IsZero() {
		s.audit("position_closed", "position closed", nil)
	}
}
