package main

import (
	"github.com/spf13/cobra"

	"github.com/hongminglow/credit-ledger/internal/legacy"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [snapshot.json]",
		Short: "Import a legacy document-store snapshot",
		Long: `Import a legacy snapshot into the relational store in one transaction.

Any inconsistency aborts the whole import and leaves the store untouched.
On success the snapshot file is renamed with an .imported-<timestamp> suffix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := legacy.NewImporter(e.store, e.logger).Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
