package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongminglow/credit-ledger/internal/auth"
	"github.com/hongminglow/credit-ledger/internal/config"
)

func tokenCmd() *cobra.Command {
	var (
		service string
		adminID int64
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the front-end service or an administrator",
		Example: `  ledgerctl token --service chat-frontend --ttl 720h
  ledgerctl token --admin-id 12`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (service == "") == (adminID == 0) {
				return errors.New("exactly one of --service or --admin-id is required")
			}
			cfg, err := config.LoadWith(config.RequireJWT)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			lifetime := cfg.JWTTTL
			if ttl > 0 {
				lifetime = ttl
			}
			tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, lifetime)

			var raw string
			if service != "" {
				raw, err = tokens.Generate(service, auth.RoleService)
			} else {
				raw, err = tokens.GenerateForAdministrator(adminID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "issue a service token with this subject")
	cmd.Flags().Int64Var(&adminID, "admin-id", 0, "issue an administrator token for this user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TTL_MINUTES)")
	return cmd
}
