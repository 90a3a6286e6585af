package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/atlas-desktop/trading-backend/internal/barcache"
	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/symlock"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// buildBroker constructs the venue Adapter named by cfg.BrokerType, wraps
// it in a constraint-enforcing Facade, and returns a closer to release
// the adapter's own resources (e.g. the simulated adapter's AMQP
// connection) on shutdown. closer is nil if there's nothing to release.
// fillConsumer is non-nil only for the simulated adapter, which has no
// real drop-copy feed of its own and needs one built from its fill
// events to keep engine position tracking live (spec.md §4.4 "Position
// tracking").
func buildBroker(cfg *types.ProcessConfig, logger *zap.Logger, metricsRegistry *metrics.Registry) (facade *broker.Facade, fillConsumer *broker.FillConsumer, closer func(), err error) {
	constraints := broker.Constraints{
		MaxOrderQty:          decimalOrZero(cfg.BrokerCredentials["max_order_qty"]),
		MaxNotionalPerSymbol: decimalOrZero(cfg.BrokerCredentials["max_notional_per_symbol"]),
		ValidSymbols:         symbolSet(cfg.BrokerCredentials["valid_symbols"]),
	}

	switch cfg.BrokerType {
	case "", "simulated":
		ratePerSecond := floatOrDefault(cfg.BrokerCredentials["rate_limit_per_sec"], 10)
		burst := intOrDefault(cfg.BrokerCredentials["rate_limit_burst"], 20)
		amqpURL := cfg.BrokerCredentials["amqp_url"]
		adapter, err := broker.NewSimulatedAdapter(amqpURL, ratePerSecond, burst, logger.Named("simulated-adapter"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build simulated broker adapter: %w", err)
		}
		fills, err := broker.NewFillConsumer(amqpURL, logger.Named("fill-consumer"))
		if err != nil {
			adapter.Close()
			return nil, nil, nil, fmt.Errorf("build fill consumer: %w", err)
		}
		retryQueue := symlock.NewRetryQueue(500*time.Millisecond, 5)
		facade := broker.NewFacade(adapter, constraints, logger).WithMetrics(metricsRegistry).WithRetry(retryQueue)
		closer := func() {
			fills.Close()
			adapter.Close()
		}
		return facade, fills, closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported broker_type %q", cfg.BrokerType)
	}
}

// buildBarDataSources builds the tier-2 Store and tier-3 Upstream
// barcache.New needs. The Store reuses repo's gorm connection pool
// (spec.md §4.7 "reusing the gorm handle rather than a second connection
// pool") rather than opening its own. Upstream is a placeholder: the
// real vendor integration is out of scope (spec.md §1).
func buildBarDataSources(db *gorm.DB, logger *zap.Logger) (barcache.Store, barcache.Upstream, error) {
	store, err := barcache.NewPostgresStore(db)
	if err != nil {
		return nil, nil, fmt.Errorf("build bar store: %w", err)
	}
	return store, barcache.NoopUpstream{}, nil
}

func decimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func floatOrDefault(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func intOrDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// symbolSet parses a comma-separated symbol list into the lookup map
// broker.Constraints.ValidSymbols expects. An empty input disables the
// check (nil map).
func symbolSet(csv string) map[string]bool {
	if csv == "" {
		return nil
	}
	symbols := strings.Split(csv, ",")
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = true
		}
	}
	return set
}
