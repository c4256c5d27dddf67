package main

import (
	"github.com/spf13/cobra"

	"github.com/terminal-bench/satengine/internal/challenge"
)

var (
	challenger string
	reason     string
)

var challengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Moderation disputes",
}

var challengeFileCmd = &cobra.Command{
	Use:   "file <content-id>",
	Short: "File a challenge against a post or comment and settle the verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.challenges.File(ctx, &challenge.FileRequest{
			ChallengerID: challenger,
			ContentID:    args[0],
			Reason:       reason,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, c)
	},
}

var challengeGetCmd = &cobra.Command{
	Use:   "get <challenge-id>",
	Short: "Show a challenge and its verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.challenges.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, c)
	},
}

var challengeResolveCmd = &cobra.Command{
	Use:   "resolve <challenge-id>",
	Short: "Finish settling a decided challenge whose payouts failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.challenges.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, c)
	},
}

func init() {
	challengeFileCmd.Flags().StringVar(&challenger, "by", "", "challenger account id")
	challengeFileCmd.Flags().StringVar(&reason, "reason", "", "why the content breaks the rules")
	_ = challengeFileCmd.MarkFlagRequired("by")
	_ = challengeFileCmd.MarkFlagRequired("reason")

	challengeCmd.AddCommand(challengeFileCmd)
	challengeCmd.AddCommand(challengeGetCmd)
	challengeCmd.AddCommand(challengeResolveCmd)
}
