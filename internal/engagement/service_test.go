package engagement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/satengine/internal/discovery"
	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/risk"
	"github.com/terminal-bench/satengine/internal/store/memory"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
)

var epoch = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	trust   *trust.Engine
	service *Service
}

func newFixture(t *testing.T, guard Guard, accounts ...string) *fixture {
	t.Helper()
	return newFixtureOn(t, memory.New().WithClock(func() time.Time { return epoch }), guard, accounts...)
}

func newFixtureOn(t *testing.T, st *memory.Store, guard Guard, accounts ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return epoch }
	f := &fixture{
		store:  st,
		ledger: ledger.NewLedger(st, messaging.Nop{}, nil, 0.8),
		trust:  trust.NewEngine(st, trust.DefaultConfig(), nil),
	}
	f.service = NewService(st, f.ledger, f.trust, guard, discovery.DefaultConfig(), DefaultCosts(), nil).WithClock(clock)
	for _, id := range accounts {
		_, err := f.trust.Register(ctx, id, id)
		require.NoError(t, err)
		_, err = f.ledger.Deposit(ctx, id, 1000)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestPost(t *testing.T) {
	ctx := context.Background()

	t.Run("should charge the trust-adjusted post cost", func(t *testing.T) {
		f := newFixture(t, nil, "alice")

		c, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "hello"})
		require.NoError(t, err)
		assert.Equal(t, int64(258), c.CostPaid)
		assert.Equal(t, models.StatusActive, c.Status)
		assert.Equal(t, int64(1000-258), f.balance(t, "alice"))

		stored, err := f.store.GetContent(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", stored.Body)
	})

	t.Run("should charge once when retried with the same id", func(t *testing.T) {
		f := newFixture(t, nil, "alice")

		for i := 0; i < 3; i++ {
			_, err := f.service.Post(ctx, &PostRequest{ID: "p1", AuthorID: "alice", Body: "hello"})
			require.NoError(t, err)
		}
		assert.Equal(t, int64(1000-258), f.balance(t, "alice"))
	})

	t.Run("should reject when balance is insufficient", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.trust.Register(ctx, "broke", "broke")
		require.NoError(t, err)

		_, err = f.service.Post(ctx, &PostRequest{ID: "p1", AuthorID: "broke", Body: "hello"})
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

		_, err = f.store.GetContent(ctx, "p1")
		assert.Error(t, err)
	})

	t.Run("should reject an empty body", func(t *testing.T) {
		f := newFixture(t, nil, "alice")
		_, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice"})
		assert.ErrorIs(t, err, ErrEmptyBody)
	})
}

func TestComment(t *testing.T) {
	ctx := context.Background()

	t.Run("should attach top-level comments and replies", func(t *testing.T) {
		f := newFixture(t, nil, "alice", "bob", "carol")
		post, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "post"})
		require.NoError(t, err)

		top, err := f.service.Comment(ctx, &CommentRequest{AuthorID: "bob", PostID: post.ID, Body: "nice"})
		require.NoError(t, err)
		assert.Equal(t, post.ID, top.ParentID)
		assert.Equal(t, int64(65), top.CostPaid)

		reply, err := f.service.Comment(ctx, &CommentRequest{AuthorID: "carol", PostID: post.ID, ReplyTo: top.ID, Body: "agreed"})
		require.NoError(t, err)
		assert.Equal(t, top.ID, reply.ParentID)

		comments, err := f.store.ListComments(ctx, post.ID)
		require.NoError(t, err)
		require.Len(t, comments, 1)
		assert.Equal(t, top.ID, comments[0].ID)

		n, err := f.store.CountInteractions(ctx, "carol", "bob", epoch.Add(-time.Hour), epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("should refuse comments on removed posts", func(t *testing.T) {
		f := newFixture(t, nil, "alice", "bob")
		post, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "post"})
		require.NoError(t, err)
		require.NoError(t, f.store.SetContentStatus(ctx, post.ID, models.StatusRemoved))

		_, err = f.service.Comment(ctx, &CommentRequest{AuthorID: "bob", PostID: post.ID, Body: "late"})
		assert.ErrorIs(t, err, ErrInactive)
		assert.Equal(t, int64(1000), f.balance(t, "bob"))
	})
}

func TestLike(t *testing.T) {
	ctx := context.Background()

	t.Run("should split the fee between author and pool", func(t *testing.T) {
		f := newFixture(t, nil, "alice", "bob")
		post, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "post"})
		require.NoError(t, err)

		like, err := f.service.Like(ctx, "bob", post.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(13), like.FeePaid)
		assert.Equal(t, 1.0, like.CircleAdmit)

		assert.Equal(t, int64(1000-13), f.balance(t, "bob"))
		assert.Equal(t, int64(1000-258+10), f.balance(t, "alice"))
		pool, err := f.store.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), pool)

		n, err := f.store.CountInteractions(ctx, "bob", "alice", epoch.Add(-time.Hour), epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("should refuse duplicate and self likes", func(t *testing.T) {
		f := newFixture(t, nil, "alice", "bob")
		post, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "post"})
		require.NoError(t, err)

		_, err = f.service.Like(ctx, "bob", post.ID)
		require.NoError(t, err)
		_, err = f.service.Like(ctx, "bob", post.ID)
		assert.ErrorIs(t, err, ErrAlreadyLiked)
		assert.Equal(t, int64(1000-13), f.balance(t, "bob"))

		_, err = f.service.Like(ctx, "alice", post.ID)
		assert.ErrorIs(t, err, ErrSelfAction)
	})

	t.Run("should route comments through CommentLike", func(t *testing.T) {
		f := newFixture(t, nil, "alice", "bob", "carol")
		post, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "post"})
		require.NoError(t, err)
		comment, err := f.service.Comment(ctx, &CommentRequest{AuthorID: "bob", PostID: post.ID, Body: "c"})
		require.NoError(t, err)

		_, err = f.service.Like(ctx, "carol", comment.ID)
		assert.ErrorIs(t, err, ErrWrongKind)

		like, err := f.service.CommentLike(ctx, "carol", comment.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(6), like.FeePaid)
	})

	t.Run("should store the admission fraction from the guard", func(t *testing.T) {
		f := newFixture(t, stubGuard{fraction: 0.25}, "alice", "bob")
		post, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "post"})
		require.NoError(t, err)

		like, err := f.service.Like(ctx, "bob", post.ID)
		require.NoError(t, err)
		assert.Equal(t, 0.25, like.CircleAdmit)
	})

	t.Run("should record zero weight when the guard fails", func(t *testing.T) {
		f := newFixture(t, stubGuard{err: errors.New("redis down")}, "alice", "bob")
		post, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "post"})
		require.NoError(t, err)

		like, err := f.service.Like(ctx, "bob", post.ID)
		require.NoError(t, err)
		assert.Zero(t, like.CircleAdmit)
	})

	t.Run("should exhaust the daily circle budget", func(t *testing.T) {
		cfg := risk.DefaultConfig()
		cfg.DailyCircleLimit = 0.03

		st := memory.New().WithClock(func() time.Time { return epoch })
		guard := risk.NewCircleGuard(risk.NewAnalyzer(st, cfg), risk.NewMemoryCounter(), cfg, nil)
		f := newFixtureOn(t, st, guard, "alice", "bob")
		// alice is bob's closest counterparty
		for i := 0; i < 40; i++ {
			require.NoError(t, st.RecordInteraction(ctx, &models.Interaction{
				ActorID: "bob", TargetID: "alice", Kind: models.InteractLike,
				CreatedAt: epoch.Add(-48*time.Hour + time.Duration(i)*time.Minute),
			}))
		}

		p1, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "one"})
		require.NoError(t, err)
		p2, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "two"})
		require.NoError(t, err)
		p3, err := f.service.Post(ctx, &PostRequest{AuthorID: "alice", Body: "three"})
		require.NoError(t, err)

		// weight 0.5 × 0.05 × 1.0 = 0.025 per like
		first, err := f.service.Like(ctx, "bob", p1.ID)
		require.NoError(t, err)
		assert.Equal(t, 1.0, first.CircleAdmit)

		second, err := f.service.Like(ctx, "bob", p2.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.2, second.CircleAdmit, 1e-9)

		third, err := f.service.Like(ctx, "bob", p3.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0, third.CircleAdmit, 1e-9)
	})
}

func TestFollow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "alice", "bob")

	t.Run("should follow once", func(t *testing.T) {
		require.NoError(t, f.service.Follow(ctx, "bob", "alice"))
		assert.ErrorIs(t, f.service.Follow(ctx, "bob", "alice"), ErrAlreadyFollowing)

		ok, err := f.store.IsFollowing(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should reject following yourself", func(t *testing.T) {
		var verr *ledger.ValidationError
		assert.ErrorAs(t, f.service.Follow(ctx, "bob", "bob"), &verr)
	})
}

type stubGuard struct {
	fraction float64
	err      error
}

func (g stubGuard) Admit(ctx context.Context, likerID, authorID string, weight float64, at time.Time) (float64, error) {
	return g.fraction, g.err
}
