// Package config loads the process-wide ProcessConfig described in
// spec.md §6 ("configured once at startup from environment") using viper,
// a dependency the teacher repo declares but never wires into its own
// cmd/server/main.go flag-and-getEnvOrDefault setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// EnvPrefix is prepended to every environment variable this process reads,
// e.g. ORCH_BROKER_TYPE, ORCH_ALLOW_LIVE_ORDERS.
const EnvPrefix = "ORCH"

// Load builds a ProcessConfig from defaults, an optional YAML file at
// configPath (skipped silently if empty or missing), and environment
// variables, in that order of increasing precedence.
func Load(configPath string) (*types.ProcessConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	var cfg types.ProcessConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.UserID == "" {
		return nil, fmt.Errorf("config: user_id is required")
	}
	if cfg.MaxConcurrentStrategies <= 0 {
		return nil, fmt.Errorf("config: max_concurrent_strategies must be positive")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker_type", "simulated")
	v.SetDefault("max_concurrent_strategies", 50)
	v.SetDefault("discovery_poll_interval", 30*time.Second)
	v.SetDefault("evaluation_interval", 15*time.Minute)
	v.SetDefault("evaluator_timeout", 50*time.Second)
	v.SetDefault("allow_live_orders", false)
	v.SetDefault("allow_cancel_entries", true)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.websocketPath", "/ws")
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.maxConnections", 100)
	v.SetDefault("server.enableMetrics", true)
	v.SetDefault("server.metricsPort", 9090)

	v.SetDefault("data.dataDir", "./data")
	v.SetDefault("data.cacheSize", 256)
}
