// Package main is the multi-strategy live-trading orchestrator process
// (spec.md §4.6): it loads process config, wires the compiler/engine/
// broker/barcache/repository/evaluator stack, starts the orchestrator and
// its broker-reconciliation loop, and serves an optional debug HTTP
// surface (health, /metrics, visualization WebSocket) until a shutdown
// signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/barcache"
	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/evaluator"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/orchestrator"
	"github.com/atlas-desktop/trading-backend/internal/reconcile"
	"github.com/atlas-desktop/trading-backend/internal/repository"
	"github.com/atlas-desktop/trading-backend/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional; env vars always take precedence)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := telemetry.MustNewLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsRegistry := metrics.NewRegistry()

	repo, err := repository.NewPostgresRepository(cfg.BrokerCredentials["postgres_dsn"], logger.Named("repository"))
	if err != nil {
		logger.Fatal("failed to connect strategy repository", zap.Error(err))
	}

	brokerFacade, fillConsumer, brokerCloser, err := buildBroker(cfg, logger, metricsRegistry)
	if err != nil {
		logger.Fatal("failed to initialize broker", zap.Error(err))
	}
	if brokerCloser != nil {
		defer brokerCloser()
	}

	barStore, barUpstream, err := buildBarDataSources(repo.DB(), logger)
	if err != nil {
		logger.Fatal("failed to initialize bar data sources", zap.Error(err))
	}
	barCache := barcache.New(barStore, barUpstream, logger.Named("barcache"), time.Minute, 50000, 0.5)

	var evalClient evaluator.Client
	if url := cfg.BrokerCredentials["evaluator_url"]; url != "" {
		evalClient = evaluator.NewHTTPClient(url, logger.Named("evaluator"), evaluator.WithTimeout(cfg.EvaluatorTimeout))
	} else {
		logger.Warn("no evaluator_url configured, periodic evaluation is disabled")
	}

	hub := api.NewHub(logger.Named("hub"))
	go hub.Run()

	orchCfg := orchestrator.Config{
		UserID:                  cfg.UserID,
		MaxConcurrentStrategies: cfg.MaxConcurrentStrategies,
		DiscoveryPollInterval:   cfg.DiscoveryPollInterval,
		EvaluationInterval:      cfg.EvaluationInterval,
		AllowLiveOrders:         cfg.AllowLiveOrders,
		AllowCancelEntries:      cfg.AllowCancelEntries,
		WarmupBars:              200,
	}
	orch := orchestrator.New(orchCfg, orchestrator.Deps{
		Repository: repo,
		Broker:     brokerFacade,
		Bars:       barCache,
		Evaluator:  evalClient,
		Registry:   features.DefaultRegistry(),
		Metrics:    metricsRegistry,
		Hub:        hub,
	}, logger.Named("orchestrator"))

	reconciler := reconcile.New(orch, orch.SymbolLock(), 30*time.Second, logger.Named("reconcile")).WithMetrics(metricsRegistry)

	var debugServer *api.Server
	if cfg.Server.EnableMetrics || cfg.Server.Port != 0 {
		debugServer = api.NewServer(logger.Named("debug-http"), &cfg.Server, hub, metricsRegistry)
	}

	logger.Info("starting orchestrator",
		zap.String("user_id", cfg.UserID),
		zap.Int("max_concurrent_strategies", cfg.MaxConcurrentStrategies),
		zap.Bool("allow_live_orders", cfg.AllowLiveOrders),
	)

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}

	go reconciler.Run(ctx)

	if fillConsumer != nil {
		go func() {
			if err := fillConsumer.Run(ctx, orch.HandleFill); err != nil {
				logger.Error("fill consumer stopped", zap.Error(err))
			}
		}()
	}

	if debugServer != nil {
		go func() {
			if err := debugServer.Start(); err != nil {
				logger.Error("debug HTTP server error", zap.Error(err))
			}
		}()
		logger.Info("debug HTTP surface listening",
			zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	if err := orch.Stop(); err != nil {
		logger.Error("error stopping orchestrator", zap.Error(err))
	}

	if debugServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := debugServer.Stop(shutdownCtx); err != nil {
			logger.Error("error during debug HTTP server shutdown", zap.Error(err))
		}
	}

	logger.Info("orchestrator stopped")
}
