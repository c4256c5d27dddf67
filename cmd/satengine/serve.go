package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/satengine/internal/server"
)

var (
	noSettle       bool
	detectInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin server, the settlement loop and cabal detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		deps := server.Deps{
			Store:     a.store,
			Trust:     a.trust,
			Ledger:    a.ledger,
			Discovery: a.scorer,
		}
		if a.bus != nil {
			deps.Bus = a.bus
		}
		srv := server.New(deps, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(":" + cfg.Server.Port)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if !noSettle {
			g.Go(func() error {
				return ignoreCancel(a.processor.Run(gctx, cfg.Settlement.Interval, cfg.Settlement.Maturity))
			})
			g.Go(func() error {
				return ignoreCancel(a.processor.RunSubsidies(gctx, cfg.Settlement.Interval))
			})
		}
		if detectInterval > 0 {
			g.Go(func() error {
				return ignoreCancel(a.detectLoop(gctx, detectInterval))
			})
		}

		logger.Info("satengine started",
			zap.String("port", cfg.Server.Port),
			zap.String("store", cfg.Database.Driver),
			zap.Bool("settlement", !noSettle))
		err = g.Wait()
		logger.Info("satengine stopped")
		return err
	},
}

func (a *app) detectLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			detections, err := a.detector.Detect(ctx, now)
			if err != nil {
				a.logger.Error("cabal detection failed", zap.Error(err))
				continue
			}
			if len(detections) > 0 {
				a.logger.Info("cabals detected", zap.Int("groups", len(detections)))
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	serveCmd.Flags().BoolVar(&noSettle, "no-settle", false, "do not run the settlement loop in this instance")
	serveCmd.Flags().DurationVar(&detectInterval, "detect-interval", 24*time.Hour, "cabal detection interval, 0 disables")
}
