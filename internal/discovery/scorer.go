package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/models"
)

// Source is the read-only view of the store the scorer needs
type Source interface {
	GetContent(ctx context.Context, id string) (*models.Content, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListLikes(ctx context.Context, contentID string) ([]*models.Like, error)
	IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error)
	CountInteractions(ctx context.Context, actorID, targetID string, from, to time.Time) (int, error)
}

// SuspicionSource returns an account's suspicion for the day containing at
type SuspicionSource interface {
	Suspicion(ctx context.Context, accountID string, at time.Time) (float64, error)
}

// Dampers converts suspicion into weight multipliers
type Dampers interface {
	LikerMultiplier(suspicion float64) float64
	AuthorMultiplier(suspicion float64) float64
}

// LikeFactors is one row of a score breakdown
type LikeFactors struct {
	UserID         string    `json:"user_id"`
	LikedAt        time.Time `json:"liked_at"`
	Tier           int       `json:"tier"`
	Trust          float64   `json:"trust"`
	PriorCount     int       `json:"prior_interactions"`
	Novelty        float64   `json:"novelty"`
	Follows        bool      `json:"follows"`
	Source         float64   `json:"source"`
	CrossCircle    float64   `json:"cross_circle"`
	Penalty        float64   `json:"penalty"`
	CircleAdmit    float64   `json:"circle_admit"`
	LikerSuspicion float64   `json:"liker_suspicion"`
	LikerDamper    float64   `json:"liker_damper"`
	AuthorDamper   float64   `json:"author_damper"`
	Entropy        float64   `json:"entropy"`
	Weight         float64   `json:"weight"`
}

// Breakdown explains a content item's discovery score
type Breakdown struct {
	ContentID       string         `json:"content_id"`
	AuthorID        string         `json:"author_id"`
	AsOf            time.Time      `json:"as_of"`
	Likes           []*LikeFactors `json:"likes"`
	Entropy         float64        `json:"entropy"`
	AuthorSuspicion float64        `json:"author_suspicion"`
	Raw             float64        `json:"raw"`
	Diminishing     float64        `json:"diminishing"`
	// PeakLikes is how many of the earliest likes produced Score
	PeakLikes int     `json:"peak_likes"`
	Score     float64 `json:"score"`
}

// Scorer computes discovery scores from engagement and trust snapshots
type Scorer struct {
	source    Source
	suspicion SuspicionSource
	dampers   Dampers
	trust     trust.Config
	cfg       Config
	logger    *zap.Logger
}

// NewScorer creates a scorer. suspicion and dampers may be nil, in which
// case no suspicion damping is applied.
func NewScorer(source Source, suspicion SuspicionSource, dampers Dampers, trustCfg trust.Config, cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scorer{
		source:    source,
		suspicion: suspicion,
		dampers:   dampers,
		trust:     trustCfg,
		cfg:       cfg,
		logger:    logger.Named("discovery"),
	}
}

// Score returns the content's discovery score as of asOf
func (s *Scorer) Score(ctx context.Context, contentID string, asOf time.Time) (float64, error) {
	b, err := s.ScoreBreakdown(ctx, contentID, asOf)
	if err != nil {
		return 0, err
	}
	return b.Score, nil
}

// ScoreBreakdown computes the score with its per-like factor table. Only
// likes made at or before asOf count.
func (s *Scorer) ScoreBreakdown(ctx context.Context, contentID string, asOf time.Time) (*Breakdown, error) {
	start := time.Now()
	defer func() { scoreDuration.Observe(time.Since(start).Seconds()) }()

	content, err := s.source.GetContent(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load content %s: %w", contentID, err)
	}
	likes, err := s.source.ListLikes(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load likes for %s: %w", contentID, err)
	}

	b := &Breakdown{
		ContentID:   contentID,
		AuthorID:    content.AuthorID,
		AsOf:        asOf,
		Likes:       make([]*LikeFactors, 0, len(likes)),
		Diminishing: 1,
	}

	authorDamper := 1.0
	if s.suspicion != nil && s.dampers != nil {
		susp, err := s.suspicion.Suspicion(ctx, content.AuthorID, asOf)
		if err != nil {
			return nil, fmt.Errorf("failed to load author suspicion: %w", err)
		}
		b.AuthorSuspicion = susp
		authorDamper = s.dampers.AuthorMultiplier(susp)
	}

	for _, l := range likes {
		if l.CreatedAt.After(asOf) {
			continue
		}
		f, err := s.likeFactors(ctx, content.AuthorID, l, asOf)
		if err != nil {
			return nil, err
		}
		f.AuthorDamper = authorDamper
		b.Likes = append(b.Likes, f)
	}
	sort.SliceStable(b.Likes, func(i, j int) bool {
		return b.Likes[i].LikedAt.Before(b.Likes[j].LikedAt)
	})

	// The score is the best value over arrival prefixes of the like set, so
	// a later like never lowers it.
	tiers := make([]int, 0, len(b.Likes))
	bases := make([]float64, len(b.Likes))
	running := 0.0
	for i, f := range b.Likes {
		bases[i] = f.Trust * f.Novelty * f.Source * f.CrossCircle * f.Penalty *
			f.CircleAdmit * f.LikerDamper * f.AuthorDamper
		running += bases[i]
		tiers = append(tiers, f.Tier)
		if v := running * s.cfg.Entropy(tiers) / s.cfg.Diminishing(len(tiers)); v > b.Score {
			b.Score = v
			b.PeakLikes = len(tiers)
		}
	}

	b.Entropy = s.cfg.Entropy(tiers)
	for i, f := range b.Likes {
		f.Entropy = b.Entropy
		f.Weight = bases[i] * f.Entropy
		b.Raw += f.Weight
	}
	b.Diminishing = s.cfg.Diminishing(len(b.Likes))
	return b, nil
}

func (s *Scorer) likeFactors(ctx context.Context, authorID string, l *models.Like, asOf time.Time) (*LikeFactors, error) {
	liker, err := s.source.GetAccount(ctx, l.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load liker %s: %w", l.UserID, err)
	}
	window := time.Duration(s.cfg.NoveltyWindowDays) * 24 * time.Hour
	prior, err := s.source.CountInteractions(ctx, l.UserID, authorID, l.CreatedAt.Add(-window), l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to count prior interactions: %w", err)
	}
	follows, err := s.source.IsFollowing(ctx, l.UserID, authorID)
	if err != nil {
		return nil, fmt.Errorf("failed to check follow: %w", err)
	}

	tier := s.trust.Tier(liker.TrustScore)
	f := &LikeFactors{
		UserID:      l.UserID,
		LikedAt:     l.CreatedAt,
		Tier:        tier,
		Trust:       s.cfg.TrustWeight(tier),
		PriorCount:  prior,
		Novelty:     s.cfg.Novelty(prior),
		Follows:     follows,
		Source:      s.cfg.Source(follows),
		CrossCircle: s.cfg.CrossCircle(follows),
		Penalty:     s.cfg.Penalty(liker.Penalized(asOf)),
		CircleAdmit: clamp01(l.CircleAdmit),
		LikerDamper: 1,
	}
	if s.suspicion != nil && s.dampers != nil {
		susp, err := s.suspicion.Suspicion(ctx, l.UserID, asOf)
		if err != nil {
			return nil, fmt.Errorf("failed to load liker suspicion: %w", err)
		}
		f.LikerSuspicion = susp
		f.LikerDamper = s.dampers.LikerMultiplier(susp)
	}
	return f, nil
}

// ScoreMany scores ids in parallel with a bounded worker count
func (s *Scorer) ScoreMany(ctx context.Context, ids []string, asOf time.Time) (map[string]float64, error) {
	scores := make([]float64, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			score, err := s.Score(gctx, id, asOf)
			if err != nil {
				return err
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(ids))
	for i, id := range ids {
		out[id] = scores[i]
	}
	s.logger.Debug("scored batch", zap.Int("items", len(ids)), zap.Time("as_of", asOf))
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
