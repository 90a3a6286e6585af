// Package types provides shared type definitions for the trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusOpen           OrderStatus = "open"
	OrderStatusFilled         OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusPartial        OrderStatus = "partial"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRejected       OrderStatus = "rejected"
	OrderStatusExpired        OrderStatus = "expired"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// SignalType represents the type of trading signal
type SignalType string

const (
	SignalTypeEntry SignalType = "entry"
	SignalTypeExit  SignalType = "exit"
	SignalTypeScale SignalType = "scale"
)

// Timeframe represents trading timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the nominal wall-clock interval a timeframe covers.
// Used by the bar cache's gap detector to decide expected spacing.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// OHLCV represents a single candlestick. The specification calls this a
// "Bar"; Bar is kept as an alias so existing field access compiles either way.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Bar is the specification's name for OHLCV. Immutable once constructed.
type Bar = OHLCV

// Valid reports whether the bar satisfies the OHLCV invariant:
// low <= min(open,close) <= max(open,close) <= high, volume >= 0.
func (b OHLCV) Valid() bool {
	if b.Volume.IsNegative() {
		return false
	}
	lo := decimal.Min(b.Open, b.Close)
	hi := decimal.Max(b.Open, b.Close)
	return b.Low.LessThanOrEqual(lo) && hi.LessThanOrEqual(b.High)
}

// Tick represents a single trade/tick
type Tick struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      OrderSide       `json:"side"`
	TradeID   string          `json:"tradeId"`
}

// Order represents a trading order
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Commission    decimal.Decimal `json:"commission"`
	ParentOrderID string          `json:"parentOrderId,omitempty"`
	BracketRole   string          `json:"bracketRole,omitempty"` // "entry", "stop", "target"
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
}

// Position represents an open position
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// OrderBook represents an order book snapshot
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// OrderBookLevel represents a price level in the order book
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Trade represents an executed trade
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	PnL        decimal.Decimal `json:"pnl"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Signal represents a trading signal
type Signal struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Type       SignalType      `json:"type"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Source     string          `json:"source"`
	Timeframe  Timeframe       `json:"timeframe"`
	Indicators map[string]any  `json:"indicators"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// Portfolio represents the current portfolio state
type Portfolio struct {
	Cash      decimal.Decimal      `json:"cash"`
	Equity    decimal.Decimal      `json:"equity"`
	Positions map[string]*Position `json:"positions"`
	TotalPnL  decimal.Decimal      `json:"totalPnl"`
	DailyPnL  decimal.Decimal      `json:"dailyPnl"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// StrategyStatus is the lifecycle status of a StrategyRecord.
type StrategyStatus string

const (
	StrategyStatusDraft   StrategyStatus = "DRAFT"
	StrategyStatusPending StrategyStatus = "PENDING"
	StrategyStatusActive  StrategyStatus = "ACTIVE"
	StrategyStatusClosed  StrategyStatus = "CLOSED"
	StrategyStatusFailed  StrategyStatus = "FAILED"
)

// StrategyRecord is the persistence-facing record for a user's strategy
// instance (spec.md §3 "Strategy Record").
type StrategyRecord struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Symbol      string         `json:"symbol"`
	Timeframe   Timeframe      `json:"timeframe"`
	Status      StrategyStatus `json:"status"`
	YAMLContent string         `json:"yamlContent"`
	ActivatedAt *time.Time     `json:"activatedAt,omitempty"`
	ClosedAt    *time.Time     `json:"closedAt,omitempty"`
	CloseReason string         `json:"closeReason,omitempty"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
}

// Gap describes a detected hole in a bar sequence (spec.md §4.5 step 3).
type Gap struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	MissingBars int       `json:"missingBars"`
}

// CancellationResult is returned by Broker.CancelOpenEntries (spec.md §4.8).
type CancellationResult struct {
	Succeeded []string           `json:"succeeded"`
	Failed    []CancellationFail `json:"failed"`
}

// CancellationFail names one order that could not be cancelled and why.
type CancellationFail struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// AnySucceeded reports whether at least one cancellation succeeded.
func (c CancellationResult) AnySucceeded() bool { return len(c.Succeeded) > 0 }

// AnyFailed reports whether at least one cancellation failed.
func (c CancellationResult) AnyFailed() bool { return len(c.Failed) > 0 }

// AuditEvent is one append-only audit-log row produced by a Strategy
// Repository lifecycle call or an engine action (spec.md §6, §3).
type AuditEvent struct {
	ID         string         `json:"id"`
	StrategyID string         `json:"strategyId"`
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// EvaluatorRecommendation is the verdict returned by the Evaluator Client
// (spec.md §6).
type EvaluatorRecommendation string

const (
	RecommendationKeep  EvaluatorRecommendation = "keep"
	RecommendationSwap  EvaluatorRecommendation = "swap"
	RecommendationClose EvaluatorRecommendation = "close"
)

// EvaluatorResponse is the Evaluator Client's reply.
type EvaluatorResponse struct {
	Recommendation    EvaluatorRecommendation `json:"recommendation"`
	Confidence        decimal.Decimal         `json:"confidence"`
	Reason            string                  `json:"reason"`
	SuggestedStrategy string                  `json:"suggestedStrategy,omitempty"`
}

// EvaluatorRequest is sent to the Evaluator Client.
type EvaluatorRequest struct {
	StrategyID string         `json:"strategyId"`
	Symbol     string         `json:"symbol"`
	Snapshot   map[string]any `json:"snapshot"`
}
