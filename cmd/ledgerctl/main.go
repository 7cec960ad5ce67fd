package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hongminglow/credit-ledger/internal/config"
	"github.com/hongminglow/credit-ledger/internal/logging"
	postgres "github.com/hongminglow/credit-ledger/internal/storage/postgres"
)

var Version = "dev"

var logLevel string

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tooling for the credit ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (defaults to LOG_LEVEL)")

	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every database-backed command needs.
type env struct {
	cfg    config.Config
	logger logging.Logger
	store  *postgres.Store
}

// openEnv needs DATABASE_URL only; JWT_SECRET is for the server and token.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.LoadWith(config.RequireDatabase)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.NewLoggerWithService("ledgerctl", level)
	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: store}, nil
}

func (e *env) Close() {
	e.store.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
