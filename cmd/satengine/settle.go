package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var settleBefore string

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run one settlement batch for matured content",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		before := time.Now().Add(-cfg.Settlement.Maturity)
		if settleBefore != "" {
			t, err := time.Parse(time.RFC3339, settleBefore)
			if err != nil {
				return fmt.Errorf("invalid --before: %w", err)
			}
			before = t
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.processor.SettleMatured(ctx, before)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var subsidizeAt string

var subsidizeCmd = &cobra.Command{
	Use:   "subsidize",
	Short: "Pay this week's quality subsidies from the subsidy reserve",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		at := time.Now()
		if subsidizeAt != "" {
			t, err := time.Parse(time.RFC3339, subsidizeAt)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			at = t
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.processor.Subsidize(ctx, at)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	subsidizeCmd.Flags().StringVar(&subsidizeAt, "at", "", "run as of this RFC3339 time (default now)")
	settleCmd.Flags().StringVar(&settleBefore, "before", "", "settle content created at or before this RFC3339 time (default now minus maturity)")
}
