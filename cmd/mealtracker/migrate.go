package main

import (
	"github.com/korjavin/mealtracker/pkg/ledger"
	"github.com/spf13/cobra"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := commonRun()
			// Opening a SQL ledger creates the meals table and its unique constraint
			l, err := ledger.Open(cfg.LedgerURL)
			if err != nil {
				return err
			}
			log.Info("Ledger schema is up to date")
			return l.Close()
		},
	}
}
