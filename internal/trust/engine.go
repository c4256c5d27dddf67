// Package trust maintains reputation sub-scores and the composite trust
// score that drives tiers, fees and discovery weight.
package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
	"github.com/terminal-bench/satengine/pkg/sats"
)

var ErrInvalidDimension = errors.New("invalid reputation dimension")

// Breakdown is the externally visible trust state of an account
type Breakdown struct {
	AccountID     string            `json:"account_id"`
	Score         float64           `json:"score"`
	Tier          int               `json:"tier"`
	FeeMultiplier float64           `json:"fee_multiplier"`
	RiskPenalty   float64           `json:"risk_penalty"`
	Dimensions    models.Reputation `json:"dimensions"`
	Penalized     bool              `json:"penalized"`
}

// Slash describes a proportional reputation cut with a floor, plus a risk
// increase and a penalty window
type Slash struct {
	CreatorFraction float64
	CuratorFraction float64
	Floor           float64
	RiskIncrease    float64
	PenaltyUntil    time.Time
	Reason          string
}

// Engine applies reputation changes atomically with score recomputation
type Engine struct {
	accounts  store.Accounts
	cfg       Config
	publisher messaging.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a trust engine
func NewEngine(accounts store.Accounts, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		accounts:  accounts,
		cfg:       cfg,
		publisher: messaging.Nop{},
		logger:    logger.Named("trust"),
		now:       time.Now,
	}
}

// WithPublisher announces every applied change on the event bus
func (e *Engine) WithPublisher(p messaging.Publisher) *Engine {
	if p != nil {
		e.publisher = p
	}
	return e
}

// Config returns the formula constants in use
func (e *Engine) Config() Config { return e.cfg }

// Register creates an account with default reputation and zero balance
func (e *Engine) Register(ctx context.Context, id, handle string) (*models.Account, error) {
	a := &models.Account{
		ID:         id,
		Handle:     handle,
		Reputation: e.cfg.Defaults,
		CreatedAt:  e.now(),
	}
	e.cfg.Recompute(a)
	if err := e.accounts.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}
	return a, nil
}

// Adjust changes one dimension and returns the new composite score
func (e *Engine) Adjust(ctx context.Context, accountID string, d models.Dimension, delta float64, reason string) (float64, error) {
	if !d.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDimension, d)
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("invalid delta %v", delta)
	}

	var applied float64
	var fromTier int
	a, err := e.accounts.UpdateAccount(ctx, accountID, func(a *models.Account) error {
		fromTier = a.Tier
		applied = e.cfg.Apply(a, d, delta)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to adjust %s: %w", d, err)
	}

	e.observe(d, applied, fromTier, a.Tier)
	e.logger.Debug("reputation adjusted",
		zap.String("account", accountID),
		zap.String("dimension", string(d)),
		zap.Float64("requested", delta),
		zap.Float64("applied", applied),
		zap.Float64("score", a.TrustScore),
		zap.String("reason", reason))
	if applied != 0 {
		e.publish(ctx, a, string(d), applied, reason)
	}
	return a.TrustScore, nil
}

func (e *Engine) publish(ctx context.Context, a *models.Account, dimension string, delta float64, reason string) {
	ev := messaging.TrustEvent{
		AccountID: a.ID,
		Dimension: dimension,
		Delta:     delta,
		Score:     a.TrustScore,
		Tier:      a.Tier,
		Reason:    reason,
		Timestamp: e.now(),
	}
	if err := e.publisher.Publish(ctx, messaging.SubjectTrustChanged, ev); err != nil {
		e.logger.Warn("failed to publish trust change", zap.String("account", a.ID), zap.Error(err))
	}
}

func (e *Engine) observe(d models.Dimension, applied float64, fromTier, toTier int) {
	switch {
	case applied > 0:
		adjustments.WithLabelValues(string(d), "up").Inc()
	case applied < 0:
		adjustments.WithLabelValues(string(d), "down").Inc()
	}
	if fromTier != toTier {
		tierTransitions.WithLabelValues(strconv.Itoa(fromTier), strconv.Itoa(toTier)).Inc()
	}
}

func (e *Engine) UpdateCreator(ctx context.Context, accountID string, delta float64, reason string) (float64, error) {
	return e.Adjust(ctx, accountID, models.DimCreator, delta, reason)
}

func (e *Engine) UpdateCurator(ctx context.Context, accountID string, delta float64, reason string) (float64, error) {
	return e.Adjust(ctx, accountID, models.DimCurator, delta, reason)
}

func (e *Engine) UpdateJuror(ctx context.Context, accountID string, delta float64, reason string) (float64, error) {
	return e.Adjust(ctx, accountID, models.DimJuror, delta, reason)
}

func (e *Engine) UpdateRisk(ctx context.Context, accountID string, delta float64, reason string) (float64, error) {
	return e.Adjust(ctx, accountID, models.DimRisk, delta, reason)
}

// Slash cuts creator and curator by fractions of their current value
// without going below the floor (a value already under the floor is kept),
// raises risk and sets the penalty window. All in one update.
func (e *Engine) Slash(ctx context.Context, accountID string, s Slash) (*models.Account, error) {
	cut := func(v, frac float64) float64 {
		if v <= s.Floor {
			return v
		}
		return math.Max(s.Floor, v-v*frac)
	}

	a, err := e.accounts.UpdateAccount(ctx, accountID, func(a *models.Account) error {
		a.Reputation.Creator = cut(a.Reputation.Creator, s.CreatorFraction)
		a.Reputation.Curator = cut(a.Reputation.Curator, s.CuratorFraction)
		a.Reputation.Risk = e.cfg.clamp(models.DimRisk, a.Reputation.Risk+s.RiskIncrease)
		if !s.PenaltyUntil.IsZero() {
			until := s.PenaltyUntil
			a.PenalizedUntil = &until
		}
		e.cfg.Recompute(a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to slash account: %w", err)
	}

	adjustments.WithLabelValues("slash", "down").Inc()
	e.logger.Info("account slashed",
		zap.String("account", accountID),
		zap.Float64("score", a.TrustScore),
		zap.Int("tier", a.Tier),
		zap.String("reason", s.Reason))
	e.publish(ctx, a, "slash", 0, s.Reason)
	return a, nil
}

// Breakdown returns the account's score, tier, fee multiplier and dimensions
func (e *Engine) Breakdown(ctx context.Context, accountID string) (*Breakdown, error) {
	a, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	score := e.cfg.Score(a.Reputation)
	return &Breakdown{
		AccountID:     a.ID,
		Score:         score,
		Tier:          e.cfg.Tier(score),
		FeeMultiplier: e.cfg.FeeMultiplier(score),
		RiskPenalty:   e.cfg.RiskPenalty(a.Reputation.Risk),
		Dimensions:    a.Reputation,
		Penalized:     a.Penalized(e.now()),
	}, nil
}

// Price returns base scaled by the account's fee multiplier, at least 1
func (e *Engine) Price(ctx context.Context, accountID string, base int64) (int64, error) {
	a, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return sats.Price(base, e.cfg.FeeMultiplier(a.TrustScore)), nil
}
