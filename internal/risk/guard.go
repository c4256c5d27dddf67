package risk

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CircleGuard enforces the daily cap on weight sent to circle members
type CircleGuard struct {
	analyzer *Analyzer
	counter  ContributionCounter
	cfg      Config
	logger   *zap.Logger
}

// NewCircleGuard creates a guard
func NewCircleGuard(analyzer *Analyzer, counter ContributionCounter, cfg Config, logger *zap.Logger) *CircleGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircleGuard{analyzer: analyzer, counter: counter, cfg: cfg, logger: logger.Named("circle-guard")}
}

// Admit returns the fraction of weight admitted for a like by liker on
// author's content at time at. Likes outside the liker's circle are
// always admitted in full.
func (g *CircleGuard) Admit(ctx context.Context, likerID, authorID string, weight float64, at time.Time) (float64, error) {
	if weight <= 0 {
		return 1, nil
	}
	circle, err := g.analyzer.Circle(ctx, likerID, at)
	if err != nil {
		return 0, err
	}
	if !circle.Contains(authorID) {
		return 1, nil
	}

	admitted, err := g.counter.Reserve(ctx, likerID, DayStart(at), weight, g.cfg.DailyCircleLimit)
	if err != nil {
		return 0, err
	}
	fraction := admitted / weight
	switch {
	case fraction <= 0:
		circleAdmissions.WithLabelValues("rejected").Inc()
		g.logger.Debug("circle budget exhausted",
			zap.String("liker", likerID),
			zap.String("author", authorID))
	case fraction < 1:
		circleAdmissions.WithLabelValues("partial").Inc()
	default:
		circleAdmissions.WithLabelValues("full").Inc()
	}
	return fraction, nil
}
