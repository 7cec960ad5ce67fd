package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hongminglow/credit-ledger/internal/access"
	"github.com/hongminglow/credit-ledger/internal/config"
	"github.com/hongminglow/credit-ledger/internal/gateway"
	"github.com/hongminglow/credit-ledger/internal/generation"
	"github.com/hongminglow/credit-ledger/internal/http/handlers"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/metrics"
	"github.com/hongminglow/credit-ledger/internal/server"
	postgres "github.com/hongminglow/credit-ledger/internal/storage/postgres"
	"github.com/hongminglow/credit-ledger/internal/topup"
	"github.com/hongminglow/credit-ledger/internal/worker"
)

const serviceName = "credit-ledger"

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.NewLoggerWithService(serviceName, "info").WithError(err).Fatal("load config")
	}
	logger := logging.NewLoggerWithService(serviceName, cfg.LogLevel)
	if envErr != nil {
		logger.Debug("no .env file found; relying on existing environment")
	}
	if cfg.Generation.ProviderURL == "" {
		logger.Fatal("GENERATION_PROVIDER_URL is required")
	}

	policy, err := ledger.ParseRefundPolicy(cfg.RefundPolicy)
	if err != nil {
		logger.WithError(err).Fatal("invalid REFUND_POLICY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("init database")
	}
	defer store.Close()

	collector := metrics.NewCollector(serviceName)
	engine := ledger.NewEngine(store, logger, ledger.WithMetrics(collector), ledger.WithRefundPolicy(policy))

	payments := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		ShopID:     cfg.Gateway.ShopID,
		SecretKey:  cfg.Gateway.SecretKey,
		Currency:   cfg.Gateway.Currency,
		ReturnURL:  cfg.Gateway.ReturnURL,
		Timeout:    cfg.Gateway.Timeout,
		MaxRetries: cfg.Gateway.MaxRetries,
	}, logger, gateway.WithMetrics(collector))

	provider := generation.NewHTTPProvider(cfg.Generation.ProviderURL, cfg.Generation.ProviderKey, cfg.Generation.Timeout)

	webhook := handlers.WebhookOptions{
		Secret:         cfg.Webhook.Secret,
		UnknownRetries: 3,
		UnknownDelay:   250 * time.Millisecond,
	}
	if cfg.Webhook.VerifyWithGateway {
		webhook.Status = payments
	}

	srv := server.New(cfg, server.Deps{
		Ledger:      engine,
		TopUps:      topup.NewService(engine, payments, cfg.TopUpAmounts, cfg.Generation.Cost, logger),
		Generations: generation.NewService(engine, provider, cfg.Generation.Cost, logger),
		Access:      access.NewService(store, logger),
		Webhook:     webhook,
		Logger:      logger,
		Metrics:     collector,
	})

	reconciler := worker.NewReconciler(engine, store, payments, worker.ReconcilerConfig{
		Interval:  cfg.Reconcile.Interval,
		MinAge:    cfg.Reconcile.MinAge,
		BatchSize: cfg.Reconcile.BatchSize,
		Workers:   cfg.Reconcile.Workers,
	}, logger, collector)
	go reconciler.Start(ctx)

	go func() {
		logger.WithField("addr", cfg.HTTPAddress()).Info("credit ledger listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.WithError(err).Error("graceful shutdown error")
		os.Exit(1)
	}
}
