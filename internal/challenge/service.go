package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
	"github.com/terminal-bench/satengine/pkg/sats"
)

var (
	ErrDuplicate     = errors.New("content already has an active challenge")
	ErrWindowClosed  = errors.New("challenge window has closed")
	ErrSelfChallenge = errors.New("cannot challenge your own content")
	ErrInactive      = errors.New("content is not active")
	ErrEmptyReason   = errors.New("challenge reason is required")
	ErrUndecided     = errors.New("challenge has no verdict yet")
)

// Store is the subset of store.Store used by challenges
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetContent(ctx context.Context, id string) (*models.Content, error)
	SetContentStatus(ctx context.Context, id string, status models.ContentStatus) error
	ListByAuthor(ctx context.Context, authorID string, limit int) ([]*models.Content, error)
	store.Challenges
}

// FileRequest disputes a content item
type FileRequest struct {
	ChallengerID string
	ContentID    string
	Reason       string
}

// Service files and settles challenges
type Service struct {
	store     Store
	ledger    *ledger.Ledger
	trust     *trust.Engine
	oracle    Oracle
	fallback  Oracle
	publisher messaging.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a service. A nil oracle judges with the rule-based
// fallback only.
func NewService(s Store, l *ledger.Ledger, t *trust.Engine, oracle Oracle, publisher messaging.Publisher, cfg Config, logger *zap.Logger) *Service {
	if oracle == nil {
		oracle = NewRuleBased()
	}
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     s,
		ledger:    l,
		trust:     t,
		oracle:    oracle,
		fallback:  NewRuleBased(),
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("challenge"),
		now:       time.Now,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// File charges the challenger, asks the oracle for a verdict and settles
// the outcome. Validation failures charge nothing, and a failure before the
// verdict refunds the fee. When settling fails the decided challenge is
// returned with the error; Resolve finishes it.
func (s *Service) File(ctx context.Context, req *FileRequest) (*models.Challenge, error) {
	if req.Reason == "" {
		return nil, ErrEmptyReason
	}
	challenger, err := s.store.GetAccount(ctx, req.ChallengerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenger: %w", err)
	}
	content, err := s.store.GetContent(ctx, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	if content.Status != models.StatusActive {
		return nil, ErrInactive
	}
	if content.AuthorID == challenger.ID {
		return nil, ErrSelfChallenge
	}
	now := s.now()
	if now.After(content.CreatedAt.Add(s.cfg.Window)) {
		return nil, ErrWindowClosed
	}

	c := &models.Challenge{
		ID:           uuid.NewString(),
		ContentID:    content.ID,
		ContentKind:  content.Kind,
		ChallengerID: challenger.ID,
		AuthorID:     content.AuthorID,
		Reason:       req.Reason,
		Verdict:      models.VerdictPending,
		CreatedAt:    now,
	}
	if err := s.store.ReserveChallenge(ctx, c); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to reserve challenge: %w", err)
	}

	fee, err := s.trust.Price(ctx, challenger.ID, s.cfg.BaseFee)
	if err == nil {
		_, err = s.ledger.Spend(ctx, challenger.ID, fee, models.EntryChallengeFee,
			ledger.WithRef(models.RefChallenge, c.ID),
			ledger.WithOperation(opID(c, "fee")))
	}
	if err != nil {
		if rerr := s.store.ReleaseChallenge(ctx, c.ID); rerr != nil {
			s.logger.Error("failed to release challenge", zap.String("challenge", c.ID), zap.Error(rerr))
		}
		return nil, err
	}
	c.FeePaid = fee

	oc, err := s.buildContext(ctx, content, req.Reason)
	if err != nil {
		return nil, s.abort(ctx, c, err)
	}
	v := s.judge(ctx, oc)
	c.Verdict = v.Outcome
	c.Oracle = v.Oracle
	c.OracleReason = v.Reason
	c.Confidence = v.Confidence
	if c.Verdict == models.VerdictGuilty {
		c.FineAmount = max(1, sats.RoundMul(content.CostPaid, s.cfg.FineMultiplier))
	} else {
		c.Verdict = models.VerdictNotGuilty
	}

	// the verdict is stored before any leg runs so a failed leg leaves a
	// decided challenge for Resolve, never a pending one
	if err := s.store.UpdateChallenge(ctx, c); err != nil {
		return nil, s.abort(ctx, c, fmt.Errorf("failed to record verdict: %w", err))
	}
	if err := s.settle(ctx, c, content); err != nil {
		unsettled.Inc()
		s.logger.Error("challenge settlement incomplete",
			zap.String("challenge", c.ID),
			zap.String("verdict", string(c.Verdict)),
			zap.Error(err))
		return c, err
	}
	return c, nil
}

// Resolve completes the settlement of a decided challenge whose legs did
// not all apply. Legs that already ran are skipped by their operation ids;
// a resolved challenge is returned unchanged.
func (s *Service) Resolve(ctx context.Context, id string) (*models.Challenge, error) {
	c, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.ResolvedAt != nil {
		return c, nil
	}
	if c.Verdict == models.VerdictPending {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrUndecided)
	}
	content, err := s.store.GetContent(ctx, c.ContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	if err := s.settle(ctx, c, content); err != nil {
		return nil, err
	}
	return c, nil
}

// abort refunds the fee of a challenge that never reached a verdict and
// frees the content for another one
func (s *Service) abort(ctx context.Context, c *models.Challenge, cause error) error {
	if _, err := s.ledger.Earn(ctx, c.ChallengerID, c.FeePaid, models.EntryChallengeRefund,
		ledger.WithRef(models.RefChallenge, c.ID),
		ledger.WithOperation(opID(c, "refund"))); err != nil {
		s.logger.Error("failed to refund challenge fee",
			zap.String("challenge", c.ID),
			zap.Int64("fee", c.FeePaid),
			zap.Error(err))
		return errors.Join(cause, err)
	}
	if err := s.store.ReleaseChallenge(ctx, c.ID); err != nil {
		s.logger.Error("failed to release challenge", zap.String("challenge", c.ID), zap.Error(err))
		return errors.Join(cause, err)
	}
	s.logger.Warn("challenge aborted, fee refunded",
		zap.String("challenge", c.ID),
		zap.Int64("fee", c.FeePaid),
		zap.Error(cause))
	return cause
}

// settle applies the legs of the stored verdict and marks the challenge
// resolved
func (s *Service) settle(ctx context.Context, c *models.Challenge, content *models.Content) error {
	var err error
	if c.Verdict == models.VerdictGuilty {
		err = s.settleGuilty(ctx, c, content)
	} else {
		err = s.settleNotGuilty(ctx, c)
	}
	if err != nil {
		return err
	}

	resolved := s.now()
	c.ResolvedAt = &resolved
	if err := s.store.UpdateChallenge(ctx, c); err != nil {
		c.ResolvedAt = nil
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	verdicts.WithLabelValues(string(c.Verdict)).Inc()
	s.publish(ctx, c)

	s.logger.Info("challenge resolved",
		zap.String("challenge", c.ID),
		zap.String("content", c.ContentID),
		zap.String("verdict", string(c.Verdict)),
		zap.String("oracle", c.Oracle),
		zap.Int64("fee", c.FeePaid),
		zap.Int64("fine", c.FineCollected))
	return nil
}

func (s *Service) judge(ctx context.Context, oc Context) Verdict {
	v, err := s.oracle.Judge(ctx, oc)
	if err == nil && (v.Outcome == models.VerdictGuilty || v.Outcome == models.VerdictNotGuilty) {
		if v.Oracle == "" {
			v.Oracle = s.oracle.Name()
		}
		return v
	}
	s.logger.Warn("oracle gave no verdict, using rules", zap.String("oracle", s.oracle.Name()), zap.Error(err))
	v, _ = s.fallback.Judge(ctx, oc)
	return v
}

func (s *Service) buildContext(ctx context.Context, content *models.Content, reason string) (Context, error) {
	author, err := s.store.GetAccount(ctx, content.AuthorID)
	if err != nil {
		return Context{}, fmt.Errorf("failed to load author: %w", err)
	}
	recent, err := s.store.ListByAuthor(ctx, author.ID, s.cfg.RecentItems)
	if err != nil {
		return Context{}, fmt.Errorf("failed to load recent content: %w", err)
	}
	guilty, err := s.store.CountGuilty(ctx, author.ID)
	if err != nil {
		return Context{}, fmt.Errorf("failed to count violations: %w", err)
	}

	oc := Context{
		Author: AuthorProfile{
			ID:             author.ID,
			Handle:         author.Handle,
			TrustScore:     author.TrustScore,
			Tier:           author.Tier,
			Creator:        author.Reputation.Creator,
			Curator:        author.Reputation.Curator,
			Risk:           author.Reputation.Risk,
			AccountAgeDays: int(s.now().Sub(author.CreatedAt).Hours() / 24),
		},
		PastViolations: guilty,
		ContentKind:    content.Kind,
		Content:        content.Body,
		Reason:         reason,
	}
	for _, r := range recent {
		if r.ID == content.ID {
			continue
		}
		oc.Recent = append(oc.Recent, RecentItem{Kind: r.Kind, Body: r.Body})
	}
	return oc, nil
}

func (s *Service) settleGuilty(ctx context.Context, c *models.Challenge, content *models.Content) error {
	if err := s.store.SetContentStatus(ctx, content.ID, models.StatusRemoved); err != nil {
		return fmt.Errorf("failed to remove content: %w", err)
	}

	collected, err := s.collectFine(ctx, c)
	if err != nil {
		return err
	}
	c.FineCollected = collected

	reward := sats.RoundMul(collected, s.cfg.ChallengerCut)
	c.ChallengerWin = reward
	c.PoolShare = collected - reward
	if _, err := s.ledger.Earn(ctx, c.ChallengerID, c.FeePaid+reward, models.EntryChallengeReward,
		ledger.WithRef(models.RefChallenge, c.ID),
		ledger.WithNote(fmt.Sprintf("refund %d + reward %d", c.FeePaid, reward)),
		ledger.WithOperation(opID(c, "challenger"))); err != nil {
		return fmt.Errorf("failed to pay challenger: %w", err)
	}
	if err := s.ledger.ToPool(ctx, c.PoolShare, models.PoolFromChallenge,
		models.Ref{Kind: models.RefChallenge, ID: c.ID}, opID(c, "pool")); err != nil {
		return err
	}

	// reputation moves once every money leg has landed
	finesCollected.Add(float64(collected))
	if collected < c.FineAmount {
		s.adjust(ctx, c.AuthorID, models.DimRisk, s.cfg.ShortfallRisk, "unpaid fine")
	}
	s.adjust(ctx, c.AuthorID, models.DimCreator, s.cfg.GuiltyCreator, "content violation")
	s.adjust(ctx, c.AuthorID, models.DimRisk, s.cfg.GuiltyRisk, "content violation")
	s.adjust(ctx, c.ChallengerID, models.DimCreator, s.cfg.ChallengerBonus, "successful challenge")
	return nil
}

// collectFine takes as much of the fine as the author can pay. A fine
// already taken for this challenge is reported, not taken again.
func (s *Service) collectFine(ctx context.Context, c *models.Challenge) (int64, error) {
	taken, err := s.ledger.History(ctx, c.AuthorID, store.EntryFilter{Kind: models.EntryFine})
	if err != nil {
		return 0, fmt.Errorf("failed to read author fines: %w", err)
	}
	for _, e := range taken {
		if e.OperationID == opID(c, "fine") {
			return -e.Amount, nil
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		balance, err := s.ledger.Balance(ctx, c.AuthorID)
		if err != nil {
			return 0, fmt.Errorf("failed to read author balance: %w", err)
		}
		amount := min(c.FineAmount, balance)
		if amount <= 0 {
			return 0, nil
		}
		_, err = s.ledger.Spend(ctx, c.AuthorID, amount, models.EntryFine,
			ledger.WithRef(models.RefChallenge, c.ID),
			ledger.WithOperation(opID(c, "fine")))
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to collect fine: %w", err)
		}
		return amount, nil
	}
	return 0, nil
}

func (s *Service) settleNotGuilty(ctx context.Context, c *models.Challenge) error {
	comp := sats.RoundMul(c.FeePaid, s.cfg.VindicationCut)
	c.AuthorComp = comp
	c.PoolShare = c.FeePaid - comp
	if comp > 0 {
		if _, err := s.ledger.Earn(ctx, c.AuthorID, comp, models.EntryChallengeReward,
			ledger.WithRef(models.RefChallenge, c.ID),
			ledger.WithOperation(opID(c, "author"))); err != nil {
			return fmt.Errorf("failed to pay vindication: %w", err)
		}
	}
	if err := s.ledger.ToPool(ctx, c.PoolShare, models.PoolFromVindication,
		models.Ref{Kind: models.RefChallenge, ID: c.ID}, opID(c, "pool")); err != nil {
		return err
	}
	s.adjust(ctx, c.AuthorID, models.DimCreator, s.cfg.VindicationBonus, "survived challenge")
	return nil
}

func (s *Service) adjust(ctx context.Context, accountID string, d models.Dimension, delta float64, reason string) {
	if delta == 0 {
		return
	}
	if _, err := s.trust.Adjust(ctx, accountID, d, delta, reason); err != nil {
		s.logger.Warn("failed to adjust trust",
			zap.String("account", accountID),
			zap.String("dimension", string(d)),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, c *models.Challenge) {
	ev := messaging.ChallengeEvent{
		ChallengeID:  c.ID,
		ContentID:    c.ContentID,
		ChallengerID: c.ChallengerID,
		AuthorID:     c.AuthorID,
		Verdict:      string(c.Verdict),
		Oracle:       c.Oracle,
		Fine:         c.FineCollected,
		Timestamp:    s.now(),
	}
	if err := s.publisher.Publish(ctx, messaging.SubjectChallengeResolved, ev); err != nil {
		s.logger.Warn("failed to publish challenge", zap.String("challenge", c.ID), zap.Error(err))
	}
}

// Get returns a challenge by id
func (s *Service) Get(ctx context.Context, id string) (*models.Challenge, error) {
	return s.store.GetChallenge(ctx, id)
}

func opID(c *models.Challenge, leg string) string {
	return "challenge:" + c.ID + "/" + leg
}
