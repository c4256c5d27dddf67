package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terminal-bench/satengine/internal/ledger"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [account...]",
	Short: "Compare stored balances with the sum of their ledger entries",
	Long: `Compare stored balances with ledger entry sums for the given accounts,
or for every account when none are given. Exits non-zero on drift.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		var (
			checked int
			drifted []*ledger.Reconciliation
		)
		if len(args) > 0 {
			checked = len(args)
			drifted, err = a.ledger.ReconcileAll(ctx, args)
		} else {
			checked, drifted, err = a.ledger.ReconcileEvery(ctx, 500)
		}
		if err != nil {
			return err
		}

		for _, r := range drifted {
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%d entries=%d drift=%d\n",
				r.AccountID, r.Balance, r.EntrySum, r.Drift)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked %d accounts, %d drifted\n", checked, len(drifted))
		if len(drifted) > 0 {
			return fmt.Errorf("ledger drift in %d accounts", len(drifted))
		}
		return nil
	},
}
