package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/hongminglow/credit-ledger/internal/gateway"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/worker"
)

func reconcileCmd() *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll the gateway once for every stale pending top-up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			policy, err := ledger.ParseRefundPolicy(e.cfg.RefundPolicy)
			if err != nil {
				return err
			}
			engine := ledger.NewEngine(e.store, e.logger, ledger.WithRefundPolicy(policy))
			client := gateway.NewClient(gateway.Config{
				BaseURL:    e.cfg.Gateway.BaseURL,
				ShopID:     e.cfg.Gateway.ShopID,
				SecretKey:  e.cfg.Gateway.SecretKey,
				Currency:   e.cfg.Gateway.Currency,
				Timeout:    e.cfg.Gateway.Timeout,
				MaxRetries: e.cfg.Gateway.MaxRetries,
			}, e.logger)

			cfg := worker.ReconcilerConfig{
				MinAge:    e.cfg.Reconcile.MinAge,
				BatchSize: e.cfg.Reconcile.BatchSize,
				Workers:   e.cfg.Reconcile.Workers,
			}
			if cmd.Flags().Changed("min-age") {
				cfg.MinAge = minAge
			}
			summary, err := worker.NewReconciler(engine, e.store, client, cfg, e.logger, nil).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only poll top-ups pending longer than this (defaults to RECONCILE_MIN_AGE_SECONDS)")
	return cmd
}
