package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/config"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

func main() {
	defaultPath := os.Getenv("ALERT_BRIDGE_CONFIG")
	if defaultPath == "" {
		defaultPath = "config/config.yaml"
	}
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultPath, "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := observ.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	observ.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.close()

	observ.Log("startup", map[string]any{
		"addr":            cfg.Server.Addr,
		"paper_enabled":   a.settings.Enabled(),
		"live_gateway":    cfg.Broker.Enabled(),
		"idempotency":     cfg.Idempotency.Backend,
		"ledger":          cfg.Ledger.Backend,
		"expiry_policy":   cfg.Instruments.ExpiryPolicy,
		"instruments":     a.master.Len(),
		"rate_per_second": cfg.Dispatch.RatePerSec,
	})

	a.cron.Start()
	defer a.cron.Stop()

	if err := a.server.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
