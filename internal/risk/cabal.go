package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
	"github.com/terminal-bench/satengine/pkg/sats"
)

var ErrGroupTooSmall = errors.New("group has too few members")

// CabalStore is what the detector reads and writes
type CabalStore interface {
	store.Cabals
	InteractionSource
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// Slasher applies reputation penalties
type Slasher interface {
	Slash(ctx context.Context, accountID string, s trust.Slash) (*models.Account, error)
}

// Seizer moves seized balances into the platform pool
type Seizer interface {
	SpendToPool(ctx context.Context, accountID string, amount int64, kind models.EntryKind, source models.PoolSource, ref models.Ref, operationID string) (*models.LedgerEntry, error)
}

// Detection is the outcome for one flagged group
type Detection struct {
	Group       *models.CabalGroup `json:"group"`
	Internal    int                `json:"internal"`
	External    int                `json:"external"`
	Ratio       float64            `json:"ratio"`
	SeizureRate float64            `json:"seizure_rate"`
	Seized      map[string]int64   `json:"seized"`
}

// Detector scans known groups and penalises the ones that trade
// interactions mostly among themselves
type Detector struct {
	store     CabalStore
	slasher   Slasher
	seizer    Seizer
	publisher messaging.Publisher
	cfg       Config
	logger    *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDetector creates a detector. rng drives the randomized slash sizes.
func NewDetector(s CabalStore, slasher Slasher, seizer Seizer, publisher messaging.Publisher, cfg Config, rng *rand.Rand, logger *zap.Logger) *Detector {
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		store:     s,
		slasher:   slasher,
		seizer:    seizer,
		publisher: publisher,
		cfg:       cfg,
		rng:       rng,
		logger:    logger.Named("cabal"),
	}
}

// RegisterGroup records a known association group for scanning
func (d *Detector) RegisterGroup(ctx context.Context, members []string) (*models.CabalGroup, error) {
	uniq := make(map[string]struct{}, len(members))
	var clean []string
	for _, m := range members {
		if _, dup := uniq[m]; dup || m == "" {
			continue
		}
		uniq[m] = struct{}{}
		clean = append(clean, m)
	}
	if len(clean) < d.cfg.CabalMinMembers {
		return nil, fmt.Errorf("%w: %d < %d", ErrGroupTooSmall, len(clean), d.cfg.CabalMinMembers)
	}
	g := &models.CabalGroup{Members: clean}
	if err := d.store.CreateCabal(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// SeizureRate scales the base rate by how lopsided the group is and how
// long it has existed. Each multiplier is held in [1, cap], so the rate
// stays within [SeizureBase, SeizureMax].
func (c Config) SeizureRate(ratio float64, daysActive float64) float64 {
	ratioMult := math.Min(c.SeizureRatioCap, math.Max(1, ratio/c.CabalRatioThreshold))
	durationMult := math.Min(c.SeizureDurationCap, math.Max(1, daysActive/float64(c.SeizureDurationPeriod)))
	return math.Min(c.SeizureMax, c.SeizureBase*ratioMult*durationMult)
}

func (d *Detector) uniform(lo, hi float64) float64 {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return lo + d.rng.Float64()*(hi-lo)
}

// Detect scans every undetected group as of now. A group failing to load
// is logged and skipped.
func (d *Detector) Detect(ctx context.Context, now time.Time) ([]*Detection, error) {
	groups, err := d.store.ListUndetected(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	var detections []*Detection
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return detections, err
		}
		det, err := d.scan(ctx, g, now)
		if err != nil {
			d.logger.Error("group scan failed", zap.String("group", g.ID), zap.Error(err))
			continue
		}
		if det != nil {
			detections = append(detections, det)
		}
	}
	return detections, nil
}

func (d *Detector) scan(ctx context.Context, g *models.CabalGroup, now time.Time) (*Detection, error) {
	if len(g.Members) < d.cfg.CabalMinMembers {
		return nil, nil
	}
	members := make(map[string]struct{}, len(g.Members))
	for _, m := range g.Members {
		members[m] = struct{}{}
	}

	from := now.Add(-d.cfg.Window())
	internal, external := 0, 0
	for _, m := range g.Members {
		counts, err := d.store.InteractionCounts(ctx, m, from, now)
		if err != nil {
			return nil, err
		}
		for target, n := range counts {
			if _, in := members[target]; in {
				internal += n
			} else {
				external += n
			}
		}
	}

	ratio := float64(internal) / float64(max(external, 1))
	avgInternal := float64(internal) / float64(len(g.Members))
	rate := g.SeizureRate
	// a group already part way through its penalties keeps its first
	// verdict and rate
	if len(g.Penalized) == 0 {
		if ratio <= d.cfg.CabalRatioThreshold && avgInternal <= d.cfg.VolumeThreshold {
			return nil, nil
		}
		daysActive := math.Max(1, now.Sub(g.CreatedAt).Hours()/24)
		rate = d.cfg.SeizureRate(ratio, daysActive)
		g.Ratio = ratio
		g.SeizureRate = rate
	} else {
		ratio = g.Ratio
	}

	det := &Detection{
		Group:       g,
		Internal:    internal,
		External:    external,
		Ratio:       ratio,
		SeizureRate: rate,
		Seized:      make(map[string]int64, len(g.Members)),
	}
	penaltyUntil := now.Add(time.Duration(d.cfg.PenaltyDays) * 24 * time.Hour)

	var (
		total  int64
		failed []string
	)
	for _, m := range g.Members {
		if err := d.penalize(ctx, g, m, penaltyUntil); err != nil {
			d.logger.Error("failed to slash member", zap.String("group", g.ID), zap.String("account", m), zap.Error(err))
			failed = append(failed, m)
			continue
		}

		seized, err := d.seize(ctx, g, m, rate)
		if err != nil {
			d.logger.Error("failed to seize balance", zap.String("group", g.ID), zap.String("account", m), zap.Error(err))
			failed = append(failed, m)
			continue
		}
		det.Seized[m] = seized
		total += seized
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("group %s left unfinished for %d members", g.ID, len(failed))
	}

	detectedAt := now
	g.Detected = true
	g.DetectedAt = &detectedAt
	if err := d.store.MarkDetected(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to mark group: %w", err)
	}
	cabalsDetected.Inc()
	seizedSats.Add(float64(total))

	d.logger.Warn("cabal detected",
		zap.String("group", g.ID),
		zap.Int("members", len(g.Members)),
		zap.Float64("ratio", ratio),
		zap.Float64("seizure_rate", rate),
		zap.Int64("seized", total))

	ev := messaging.CabalEvent{
		GroupID:     g.ID,
		Members:     g.Members,
		Ratio:       ratio,
		SeizureRate: rate,
		Seized:      total,
		Timestamp:   now,
	}
	if err := d.publisher.Publish(ctx, messaging.SubjectCabalDetected, ev); err != nil {
		d.logger.Warn("failed to publish detection", zap.Error(err))
	}
	return det, nil
}

// penalize slashes a member's reputation once per group
func (d *Detector) penalize(ctx context.Context, g *models.CabalGroup, accountID string, until time.Time) error {
	if g.IsPenalized(accountID) {
		return nil
	}
	if _, err := d.slasher.Slash(ctx, accountID, trust.Slash{
		CreatorFraction: d.uniform(d.cfg.CreatorSlashMin, d.cfg.CreatorSlashMax),
		CuratorFraction: d.uniform(d.cfg.CuratorSlashMin, d.cfg.CuratorSlashMax),
		Floor:           d.cfg.SlashFloor,
		RiskIncrease:    d.uniform(d.cfg.RiskIncreaseMin, d.cfg.RiskIncreaseMax),
		PenaltyUntil:    until,
		Reason:          "cabal " + g.ID,
	}); err != nil {
		return err
	}
	if err := d.store.MarkPenalized(ctx, g, accountID); err != nil {
		return fmt.Errorf("failed to record penalty: %w", err)
	}
	g.Penalized = append(g.Penalized, accountID)
	return nil
}

// seize moves a share of the balance to the pool. The operation id is per
// group and member, so a retried seizure reports the original amount.
func (d *Detector) seize(ctx context.Context, g *models.CabalGroup, accountID string, rate float64) (int64, error) {
	a, err := d.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	amount := sats.FloorMul(a.Balance, rate)
	if amount <= 0 {
		return 0, nil
	}
	e, err := d.seizer.SpendToPool(ctx, accountID, amount, models.EntryCabalSeizure, models.PoolFromSeizure,
		models.Ref{Kind: models.RefUser, ID: accountID}, "cabal:"+g.ID+":"+accountID)
	if err != nil {
		return 0, err
	}
	return -e.Amount, nil
}
