// Package types provides configuration types for the trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits represents account-wide risk management limits. No component
// reads it; the broker façade enforces its own constraint set.
type RiskLimits struct {
	MaxPositionSize  decimal.Decimal `json:"maxPositionSize"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDailyLoss     decimal.Decimal `json:"maxDailyLoss"`
	MaxOpenPositions int             `json:"maxOpenPositions"`
	MaxLeverage      decimal.Decimal `json:"maxLeverage"`
}

// KillSwitchConfig holds kill-switch thresholds. No component reads it;
// order submission is gated by ProcessConfig.AllowLiveOrders.
type KillSwitchConfig struct {
	MaxDrawdownPct     decimal.Decimal `json:"maxDrawdownPct"`
	MaxDailyLossPct    decimal.Decimal `json:"maxDailyLossPct"`
	MaxConsecutiveLoss int             `json:"maxConsecutiveLoss"`
	CooldownPeriod     time.Duration   `json:"cooldownPeriod"`
}

// ServerConfig represents the optional debug/status HTTP surface.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// DataConfig represents bar-cache storage configuration.
type DataConfig struct {
	DataDir   string `json:"dataDir"`
	CacheSize int    `json:"cacheSize"` // MB
}

// ProcessConfig is the process-wide state described in spec.md §6:
// "Configured once at startup from environment... created at process
// start, torn down on shutdown signal." It is the only true global.
type ProcessConfig struct {
	// BrokerType selects the broker.Adapter implementation; only "simulated"
	// (or empty) is accepted, any other value fails at startup.
	BrokerType string `mapstructure:"broker_type"`
	// BrokerCredentials is opaque, broker-implementation-specific connection config.
	BrokerCredentials map[string]string `mapstructure:"broker_credentials"`
	// UserID scopes which strategy records the orchestrator discovers.
	UserID string `mapstructure:"user_id"`

	// MaxConcurrentStrategies bounds live FSM engine instances (spec.md §4.6 step 4).
	MaxConcurrentStrategies int `mapstructure:"max_concurrent_strategies"`
	// DiscoveryPollInterval is how often the repository is polled for PENDING records.
	DiscoveryPollInterval time.Duration `mapstructure:"discovery_poll_interval"`
	// EvaluationInterval is how often the Evaluator Client is consulted per instance.
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
	// EvaluatorTimeout bounds a single evaluate() call (spec.md §6 default 50s).
	EvaluatorTimeout time.Duration `mapstructure:"evaluator_timeout"`

	// AllowLiveOrders is the master kill switch for order submission (spec.md §4.4).
	AllowLiveOrders bool `mapstructure:"allow_live_orders"`
	// AllowCancelEntries gates the cancel_entries action (spec.md §4.4).
	AllowCancelEntries bool `mapstructure:"allow_cancel_entries"`

	Server ServerConfig `mapstructure:"server"`
	Data   DataConfig   `mapstructure:"data"`
}
