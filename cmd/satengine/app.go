package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/challenge"
	"github.com/terminal-bench/satengine/internal/config"
	"github.com/terminal-bench/satengine/internal/discovery"
	"github.com/terminal-bench/satengine/internal/engagement"
	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/report"
	"github.com/terminal-bench/satengine/internal/risk"
	"github.com/terminal-bench/satengine/internal/settlement"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/store/memory"
	"github.com/terminal-bench/satengine/internal/store/postgres"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/circuit"
	"github.com/terminal-bench/satengine/pkg/messaging"
)

// app holds every wired service. The caller must defer Close.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store      store.Store
	publisher  messaging.Publisher
	bus        *messaging.Client
	ledger     *ledger.Ledger
	trust      *trust.Engine
	analyzer   *risk.Analyzer
	guard      *risk.CircleGuard
	detector   *risk.Detector
	scorer     *discovery.Scorer
	processor  *settlement.Processor
	engagement *engagement.Service
	challenges *challenge.Service

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() { st.Close() })

	a.publisher = messaging.Nop{}
	if cfg.NATS.URL != "" {
		client, err := messaging.NewClient(messaging.Config{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		a.publisher = client
		a.bus = client
		a.closers = append(a.closers, func() { client.Close() })
	}

	var counter risk.ContributionCounter = risk.NewMemoryCounter()
	if cfg.Redis.URL != "" {
		rc, err := risk.NewRedisCounter(ctx, cfg.Redis.URL, cfg.Risk.CounterTTL)
		if err != nil {
			return nil, err
		}
		counter = rc
		a.closers = append(a.closers, func() { rc.Close() })
	}

	var locker settlement.Locker
	if len(cfg.Etcd.Endpoints) > 0 {
		el, err := settlement.NewEtcdLocker(cfg.Etcd.Endpoints, cfg.Settlement.LockKey, cfg.Settlement.LockTTL)
		if err != nil {
			return nil, err
		}
		locker = el
		a.closers = append(a.closers, func() { el.Close() })
	}

	var reporter settlement.Reporter
	if cfg.Influx.Enabled() {
		influx := report.NewInflux(cfg.Influx)
		if err := influx.Ping(ctx); err != nil {
			logger.Warn("influxdb unreachable, settlement reports may be lost", zap.Error(err))
		}
		reporter = influx
		a.closers = append(a.closers, influx.Close)
	}

	a.wire(st, counter, locker, reporter, rand.New(rand.NewSource(time.Now().UnixNano())))
	ok = true
	return a, nil
}

// wire builds the services on top of the opened infrastructure
func (a *app) wire(st store.Store, counter risk.ContributionCounter, locker settlement.Locker,
	reporter settlement.Reporter, rng *rand.Rand) {
	cfg, logger := a.cfg, a.logger
	a.store = st
	if a.publisher == nil {
		a.publisher = messaging.Nop{}
	}
	a.ledger = ledger.NewLedger(st, a.publisher, logger, cfg.Ledger.BeneficiaryShare)
	a.trust = trust.NewEngine(st, cfg.Trust, logger).WithPublisher(a.publisher)
	a.analyzer = risk.NewAnalyzer(st, cfg.Risk)
	a.guard = risk.NewCircleGuard(a.analyzer, counter, cfg.Risk, logger)
	a.detector = risk.NewDetector(st, a.trust, a.ledger, a.publisher, cfg.Risk, rng, logger)
	a.scorer = discovery.NewScorer(st, a.analyzer, cfg.Risk, cfg.Trust, cfg.Discovery, logger)
	a.processor = settlement.NewProcessor(st, a.scorer, a.ledger, a.trust, locker,
		a.publisher, reporter, cfg.Settlement, logger)
	a.engagement = engagement.NewService(st, a.ledger, a.trust, a.guard, cfg.Discovery, cfg.Costs, logger)
	a.challenges = challenge.NewService(st, a.ledger, a.trust, newOracle(cfg.Challenge, logger),
		a.publisher, cfg.Challenge, logger)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return memory.New(), nil
	}
	st, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		AutoMigrate:     cfg.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return st, nil
}

// newOracle chains the configured providers in order behind per-provider
// breakers, ending in the rule-based fallback
func newOracle(cfg challenge.Config, logger *zap.Logger) challenge.Oracle {
	oracles := make([]challenge.Oracle, 0, len(cfg.Oracles))
	for _, oc := range cfg.Oracles {
		oracles = append(oracles, challenge.NewHTTPOracle(oc, logger))
	}
	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 3,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("oracle breaker changed state",
				zap.String("oracle", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return challenge.NewChain(oracles, breakers, cfg.OracleTimeout, logger)
}

// Close releases connections in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
