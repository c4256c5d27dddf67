package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var groups []string

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Scan known groups for cabal behaviour and apply penalties",
	Long: `Scan every undetected group once. Each --group registers a comma
separated member list before the scan.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, g := range groups {
			if _, err := a.detector.RegisterGroup(ctx, splitMembers(g)); err != nil {
				return err
			}
		}
		detections, err := a.detector.Detect(ctx, time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd, detections)
	},
}

func splitMembers(s string) []string {
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func init() {
	detectCmd.Flags().StringArrayVar(&groups, "group", nil, "register a group of account ids, comma separated")
}
