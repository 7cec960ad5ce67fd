package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hongminglow/credit-ledger/internal/ledger"
)

var errInconsistent = errors.New("ledger inconsistency detected")

func verifyCmd() *cobra.Command {
	var (
		users []int64
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare cached balances with the sum of succeeded transactions",
		Example: `  ledgerctl verify --user 7 --user 12
  ledgerctl verify --all`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (len(users) == 0) == !all {
				return errors.New("use either --user or --all")
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			engine := ledger.NewEngine(e.store, e.logger)
			var checks []ledger.BalanceCheck
			if all {
				checks, err = engine.VerifyAllBalances(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				for _, id := range users {
					check, err := engine.VerifyBalance(cmd.Context(), id)
					if err != nil {
						return err
					}
					checks = append(checks, check)
				}
			}
			return reportChecks(cmd.OutOrStdout(), checks)
		},
	}
	cmd.Flags().Int64SliceVar(&users, "user", nil, "user id to verify (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "verify every user")
	return cmd
}

func reportChecks(w io.Writer, checks []ledger.BalanceCheck) error {
	failed := 0
	for _, check := range checks {
		state := "ok"
		if !check.Consistent() {
			state = "MISMATCH"
			failed++
		}
		fmt.Fprintf(w, "user %d: cached=%d derived=%d %s\n", check.UserID, check.Cached, check.Derived, state)
	}
	fmt.Fprintf(w, "%d checked, %d mismatched\n", len(checks), failed)
	if failed > 0 {
		return errInconsistent
	}
	return nil
}
