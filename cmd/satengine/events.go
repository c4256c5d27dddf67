package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/pkg/messaging"
)

var eventSubjects []string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail engine events from NATS",
	Long: `Subscribe to the engine's event subjects and print each message as
"<subject> <json>" until interrupted. Requires nats.url or NATS_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.NATS.URL == "" {
			return errors.New("nats url is not configured")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := messaging.NewClient(messaging.Config{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name + "-events",
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		out := make(chan string, 64)
		for _, subject := range eventSubjects {
			err := client.Subscribe(subject, func(msg *nats.Msg) {
				select {
				case out <- fmt.Sprintf("%s %s", msg.Subject, msg.Data):
				default:
					logger.Warn("dropping event, output is behind", zap.String("subject", msg.Subject))
				}
			})
			if err != nil {
				return err
			}
		}
		logger.Info("tailing events", zap.Strings("subjects", eventSubjects))

		for {
			select {
			case <-ctx.Done():
				return nil
			case line := <-out:
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
		}
	},
}

func init() {
	eventsCmd.Flags().StringArrayVar(&eventSubjects, "subject", []string{
		messaging.SubjectLedgerEntry,
		messaging.SubjectSettlementCompleted,
		messaging.SubjectChallengeResolved,
		messaging.SubjectCabalDetected,
		messaging.SubjectTrustChanged,
	}, "subject to subscribe to (repeatable, wildcards allowed)")
}
