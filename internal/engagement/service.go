package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/discovery"
	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/models"
)

var (
	ErrInactive         = errors.New("content is not active")
	ErrSelfAction       = errors.New("cannot engage with your own content")
	ErrAlreadyLiked     = errors.New("already liked")
	ErrAlreadyFollowing = errors.New("already following")
	ErrWrongKind        = errors.New("wrong content kind")
	ErrEmptyBody        = errors.New("empty body")
)

// Costs are the base prices before the trust multiplier
type Costs struct {
	Post        int64 `toml:"post"`
	Comment     int64 `toml:"comment"`
	Like        int64 `toml:"like"`
	CommentLike int64 `toml:"comment_like"`
}

// DefaultCosts returns the production base prices
func DefaultCosts() Costs {
	return Costs{Post: 200, Comment: 50, Like: 10, CommentLike: 5}
}

// Store is the subset of store.Store used by the service
type Store interface {
	store.Contents
	store.Social
}

// Guard admits the weight of a like against the liker's circle budget
type Guard interface {
	Admit(ctx context.Context, likerID, authorID string, weight float64, at time.Time) (float64, error)
}

// Service prices and records user actions
type Service struct {
	store   Store
	ledger  *ledger.Ledger
	trust   *trust.Engine
	guard   Guard
	weights discovery.Config
	costs   Costs
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a service. A nil guard admits every like in full.
func NewService(s Store, l *ledger.Ledger, t *trust.Engine, guard Guard, weights discovery.Config, costs Costs, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   s,
		ledger:  l,
		trust:   t,
		guard:   guard,
		weights: weights,
		costs:   costs,
		logger:  logger.Named("engagement"),
		now:     time.Now,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PostRequest creates a post. A caller-supplied ID makes retries idempotent.
type PostRequest struct {
	ID       string
	AuthorID string
	Body     string
}

// Post charges the author and publishes a post
func (s *Service) Post(ctx context.Context, req *PostRequest) (*models.Content, error) {
	if req.Body == "" {
		return nil, ErrEmptyBody
	}
	c := &models.Content{
		ID:       req.ID,
		AuthorID: req.AuthorID,
		Kind:     models.KindPost,
		Body:     req.Body,
	}
	return s.publish(ctx, c, s.costs.Post, models.EntrySpendPost)
}

// CommentRequest creates a comment on a post, optionally replying to
// another comment on the same post
type CommentRequest struct {
	ID       string
	AuthorID string
	PostID   string
	ReplyTo  string
	Body     string
}

// Comment charges the author and publishes a comment
func (s *Service) Comment(ctx context.Context, req *CommentRequest) (*models.Content, error) {
	if req.Body == "" {
		return nil, ErrEmptyBody
	}
	post, err := s.active(ctx, req.PostID)
	if err != nil {
		return nil, err
	}
	if post.Kind != models.KindPost {
		return nil, fmt.Errorf("%s: %w", req.PostID, ErrWrongKind)
	}

	parentID, target, kind := post.ID, post.AuthorID, models.InteractComment
	if req.ReplyTo != "" {
		parent, err := s.active(ctx, req.ReplyTo)
		if err != nil {
			return nil, err
		}
		if parent.Kind != models.KindComment {
			return nil, fmt.Errorf("%s: %w", req.ReplyTo, ErrWrongKind)
		}
		parentID, target, kind = parent.ID, parent.AuthorID, models.InteractReply
	}

	c := &models.Content{
		ID:       req.ID,
		AuthorID: req.AuthorID,
		Kind:     models.KindComment,
		ParentID: parentID,
		Body:     req.Body,
	}
	c, err = s.publish(ctx, c, s.costs.Comment, models.EntrySpendComment)
	if err != nil {
		return nil, err
	}
	s.interact(ctx, req.AuthorID, target, kind, c.ID, c.CreatedAt)
	return c, nil
}

func (s *Service) publish(ctx context.Context, c *models.Content, base int64, kind models.EntryKind) (*models.Content, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	price, err := s.trust.Price(ctx, c.AuthorID, base)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Spend(ctx, c.AuthorID, price, kind,
		ledger.WithRef(c.RefKind(), c.ID),
		ledger.WithOperation(string(kind)+":"+c.ID)); err != nil {
		return nil, err
	}

	c.CostPaid = price
	c.Status = models.StatusActive
	c.CreatedAt = s.now()
	if err := s.store.CreateContent(ctx, c); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.store.GetContent(ctx, c.ID)
		}
		return nil, fmt.Errorf("failed to store content: %w", err)
	}
	actions.WithLabelValues(string(c.Kind)).Inc()
	s.logger.Info("content published",
		zap.String("content", c.ID),
		zap.String("author", c.AuthorID),
		zap.String("kind", string(c.Kind)),
		zap.Int64("cost", price))
	return c, nil
}

// Like charges the liker, pays the author their share and records the
// like with its circle admission fraction
func (s *Service) Like(ctx context.Context, userID, contentID string) (*models.Like, error) {
	c, err := s.active(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if c.Kind != models.KindPost {
		return nil, fmt.Errorf("%s: %w", contentID, ErrWrongKind)
	}
	return s.like(ctx, userID, c, s.costs.Like, models.EntrySpendLike, models.EntryEarnLike,
		models.PoolFromLike, models.InteractLike)
}

// CommentLike is Like for comments
func (s *Service) CommentLike(ctx context.Context, userID, commentID string) (*models.Like, error) {
	c, err := s.active(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if c.Kind != models.KindComment {
		return nil, fmt.Errorf("%s: %w", commentID, ErrWrongKind)
	}
	return s.like(ctx, userID, c, s.costs.CommentLike, models.EntrySpendCommentLike, models.EntryEarnComment,
		models.PoolFromCommentLike, models.InteractCommentLike)
}

func (s *Service) like(ctx context.Context, userID string, c *models.Content, base int64,
	payKind, earnKind models.EntryKind, source models.PoolSource, kind models.InteractionKind) (*models.Like, error) {
	if userID == c.AuthorID {
		return nil, ErrSelfAction
	}
	liked, err := s.hasLiked(ctx, c.ID, userID)
	if err != nil {
		return nil, err
	}
	if liked {
		return nil, ErrAlreadyLiked
	}

	price, err := s.trust.Price(ctx, userID, base)
	if err != nil {
		return nil, err
	}
	now := s.now()

	// one operation per (content, user)
	if _, err := s.ledger.SpendWithSplit(ctx, ledger.SplitRequest{
		Payer:           userID,
		Beneficiary:     c.AuthorID,
		Amount:          price,
		PayerKind:       payKind,
		BeneficiaryKind: earnKind,
		Source:          source,
		Ref:             models.Ref{Kind: c.RefKind(), ID: c.ID},
		OperationID:     "like:" + c.ID + ":" + userID,
	}); err != nil {
		return nil, err
	}

	admit, err := s.admit(ctx, userID, c.AuthorID, now)
	if err != nil {
		// fee already charged: record the like at zero weight
		s.logger.Warn("circle guard unavailable",
			zap.String("liker", userID),
			zap.String("author", c.AuthorID),
			zap.Error(err))
		admit = 0
	}

	l := &models.Like{
		ContentID:   c.ID,
		UserID:      userID,
		FeePaid:     price,
		CircleAdmit: admit,
		CreatedAt:   now,
	}
	if err := s.store.AddLike(ctx, l); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyLiked
		}
		return nil, fmt.Errorf("failed to store like: %w", err)
	}
	s.interact(ctx, userID, c.AuthorID, kind, c.ID, now)
	actions.WithLabelValues(string(kind)).Inc()
	return l, nil
}

// admit charges the like's base discovery weight against the circle budget
func (s *Service) admit(ctx context.Context, likerID, authorID string, at time.Time) (float64, error) {
	if s.guard == nil {
		return 1, nil
	}
	liker, err := s.trust.Breakdown(ctx, likerID)
	if err != nil {
		return 0, err
	}
	prior, err := s.store.CountInteractions(ctx, likerID, authorID,
		at.Add(-time.Duration(s.weights.NoveltyWindowDays)*24*time.Hour), at)
	if err != nil {
		return 0, err
	}
	follows, err := s.store.IsFollowing(ctx, likerID, authorID)
	if err != nil {
		return 0, err
	}
	weight := s.weights.TrustWeight(liker.Tier) * s.weights.Novelty(prior) * s.weights.Source(follows)
	return s.guard.Admit(ctx, likerID, authorID, weight, at)
}

func (s *Service) hasLiked(ctx context.Context, contentID, userID string) (bool, error) {
	likes, err := s.store.ListLikes(ctx, contentID)
	if err != nil {
		return false, fmt.Errorf("failed to load likes: %w", err)
	}
	for _, l := range likes {
		if l.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Follow records a follow edge. Following is free.
func (s *Service) Follow(ctx context.Context, followerID, followeeID string) error {
	if followerID == followeeID {
		return &ledger.ValidationError{Field: "followee", Reason: "cannot follow yourself"}
	}
	err := s.store.AddFollow(ctx, &models.Follow{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: s.now()})
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadyFollowing
	}
	if err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}
	return nil
}

func (s *Service) active(ctx context.Context, id string) (*models.Content, error) {
	c, err := s.store.GetContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load content %s: %w", id, err)
	}
	if c.Status != models.StatusActive {
		return nil, fmt.Errorf("%s: %w", id, ErrInactive)
	}
	return c, nil
}

func (s *Service) interact(ctx context.Context, actor, target string, kind models.InteractionKind, contentID string, at time.Time) {
	if actor == target {
		return
	}
	err := s.store.RecordInteraction(ctx, &models.Interaction{
		ActorID:   actor,
		TargetID:  target,
		Kind:      kind,
		ContentID: contentID,
		CreatedAt: at,
	})
	if err != nil {
		s.logger.Error("failed to record interaction",
			zap.String("actor", actor),
			zap.String("target", target),
			zap.Error(err))
	}
}
