package challenge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/store/memory"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
)

var epoch = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	trust   *trust.Engine
	events  *messaging.Recorder
	service *Service
	now     time.Time
}

func newFixture(t *testing.T, oracle Oracle) *fixture {
	t.Helper()
	f := &fixture{now: epoch.Add(time.Hour), events: &messaging.Recorder{}}
	clock := func() time.Time { return f.now }
	f.store = memory.New().WithClock(clock)
	f.ledger = ledger.NewLedger(f.store, nil, nil, 0.8)
	f.trust = trust.NewEngine(f.store, trust.DefaultConfig(), nil)
	f.service = NewService(f.store, f.ledger, f.trust, oracle, f.events, DefaultConfig(), nil).WithClock(clock)
	return f
}

func (f *fixture) account(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.trust.Register(ctx, id, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.Deposit(ctx, id, balance)
		require.NoError(t, err)
	}
}

func (f *fixture) post(t *testing.T, id, author, body string) {
	t.Helper()
	require.NoError(t, f.store.CreateContent(context.Background(), &models.Content{
		ID: id, AuthorID: author, Kind: models.KindPost, Body: body, CostPaid: 200, CreatedAt: epoch,
	}))
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) rep(t *testing.T, id string) models.Reputation {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Reputation
}

func TestFileGuilty(t *testing.T) {
	ctx := context.Background()

	t.Run("should fine the author the full post cost", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 500)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "Click here for free money!")

		c, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "spam"})
		require.NoError(t, err)

		assert.Equal(t, models.VerdictGuilty, c.Verdict)
		assert.Equal(t, "rules", c.Oracle)
		assert.Equal(t, int64(129), c.FeePaid)
		assert.Equal(t, int64(200), c.FineAmount)
		assert.Equal(t, int64(200), c.FineCollected)
		assert.Equal(t, int64(70), c.ChallengerWin)
		assert.Equal(t, int64(130), c.PoolShare)
		require.NotNil(t, c.ResolvedAt)

		assert.Equal(t, int64(300), f.balance(t, "author"))
		assert.Equal(t, int64(1000-129+129+70), f.balance(t, "reporter"))
		pool, err := f.store.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(130), pool)

		content, err := f.store.GetContent(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRemoved, content.Status)

		assert.InDelta(t, 120.0, f.rep(t, "author").Creator, 1e-9)
		assert.InDelta(t, 50.0, f.rep(t, "author").Risk, 1e-9)
		assert.InDelta(t, 155.0, f.rep(t, "reporter").Creator, 1e-9)

		events := f.events.Messages(messaging.SubjectChallengeResolved)
		require.Len(t, events, 1)
		assert.Equal(t, "guilty", events[0].Data.(messaging.ChallengeEvent).Verdict)
	})

	t.Run("should raise risk instead of failing on a short balance", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 50)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "airdrop for everyone")

		c, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "scam"})
		require.NoError(t, err)

		assert.Equal(t, int64(200), c.FineAmount)
		assert.Equal(t, int64(50), c.FineCollected)
		assert.Equal(t, int64(18), c.ChallengerWin)
		assert.Equal(t, int64(32), c.PoolShare)
		assert.Zero(t, f.balance(t, "author"))
		// shortfall 30 plus violation 20
		assert.InDelta(t, 80.0, f.rep(t, "author").Risk, 1e-9)
	})
}

func TestFileNotGuilty(t *testing.T) {
	ctx := context.Background()

	t.Run("should compensate the author and keep the content", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 0)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "a thoughtful essay about lightning channels")

		c, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "I disagree"})
		require.NoError(t, err)

		assert.Equal(t, models.VerdictNotGuilty, c.Verdict)
		assert.Equal(t, int64(26), c.AuthorComp)
		assert.Equal(t, int64(103), c.PoolShare)
		assert.Equal(t, int64(26), f.balance(t, "author"))
		assert.Equal(t, int64(1000-129), f.balance(t, "reporter"))
		assert.InDelta(t, 153.0, f.rep(t, "author").Creator, 1e-9)
		assert.InDelta(t, 150.0, f.rep(t, "reporter").Creator, 1e-9)

		content, err := f.store.GetContent(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, content.Status)
	})

	t.Run("should allow a new challenge after dismissal", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 0)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "nothing wrong here")

		_, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "first"})
		require.NoError(t, err)
		_, err = f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "second"})
		assert.NoError(t, err)
	})
}

func TestFileValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject a duplicate without charging", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 0)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "body")
		require.NoError(t, f.store.ReserveChallenge(ctx, &models.Challenge{ContentID: "p1", ChallengerID: "other"}))

		_, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "spam"})
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.Equal(t, int64(1000), f.balance(t, "reporter"))
	})

	t.Run("should reject after the window closes", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 0)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "body")
		f.now = epoch.Add(7*24*time.Hour + time.Second)

		_, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "spam"})
		assert.ErrorIs(t, err, ErrWindowClosed)
		assert.Equal(t, int64(1000), f.balance(t, "reporter"))
	})

	t.Run("should reject challenging your own content", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 1000)
		f.post(t, "p1", "author", "body")

		_, err := f.service.File(ctx, &FileRequest{ChallengerID: "author", ContentID: "p1", Reason: "oops"})
		assert.ErrorIs(t, err, ErrSelfChallenge)
	})

	t.Run("should release the reservation when the fee bounces", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 0)
		f.account(t, "broke", 10)
		f.post(t, "p1", "author", "body")

		_, err := f.service.File(ctx, &FileRequest{ChallengerID: "broke", ContentID: "p1", Reason: "spam"})
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.Equal(t, int64(10), f.balance(t, "broke"))

		assert.NoError(t, f.store.ReserveChallenge(ctx, &models.Challenge{ContentID: "p1", ChallengerID: "x"}))
	})

	t.Run("should require a reason", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.service.File(ctx, &FileRequest{ChallengerID: "a", ContentID: "p1"})
		assert.ErrorIs(t, err, ErrEmptyReason)
	})
}

func TestFileWithOracle(t *testing.T) {
	ctx := context.Background()

	t.Run("should use the configured oracle verdict", func(t *testing.T) {
		oracle := &stubOracle{name: "llm", verdict: Verdict{Outcome: models.VerdictGuilty, Reason: "harassment", Confidence: 0.9}}
		f := newFixture(t, oracle)
		f.account(t, "author", 500)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "a perfectly ordinary sentence")

		c, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "abuse"})
		require.NoError(t, err)
		assert.Equal(t, models.VerdictGuilty, c.Verdict)
		assert.Equal(t, "llm", c.Oracle)
		assert.Equal(t, 0.9, c.Confidence)
		require.Len(t, oracle.seen, 1)
		assert.Equal(t, "author", oracle.seen[0].Author.Handle)
		assert.Equal(t, "abuse", oracle.seen[0].Reason)
	})

	t.Run("should fall back to rules when the oracle fails", func(t *testing.T) {
		oracle := &stubOracle{name: "llm", err: context.DeadlineExceeded}
		f := newFixture(t, oracle)
		f.account(t, "author", 500)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "send btc to double it")

		c, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "scam"})
		require.NoError(t, err)
		assert.Equal(t, models.VerdictGuilty, c.Verdict)
		assert.Equal(t, "rules", c.Oracle)
	})
}

var errLegDown = errors.New("ledger unavailable")

// flakyStore fails the next ledger entry whose operation id ends in failOp,
// and author history reads while failRecent is set
type flakyStore struct {
	*memory.Store
	failOp     string
	failRecent bool
}

func (s *flakyStore) AppendEntry(ctx context.Context, e *models.LedgerEntry) (*models.LedgerEntry, error) {
	if s.failOp != "" && strings.HasSuffix(e.OperationID, s.failOp) {
		s.failOp = ""
		return nil, errLegDown
	}
	return s.Store.AppendEntry(ctx, e)
}

func (s *flakyStore) ListByAuthor(ctx context.Context, authorID string, limit int) ([]*models.Content, error) {
	if s.failRecent {
		return nil, errLegDown
	}
	return s.Store.ListByAuthor(ctx, authorID, limit)
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyStore) {
	t.Helper()
	f := newFixture(t, nil)
	fs := &flakyStore{Store: f.store}
	clock := func() time.Time { return f.now }
	f.ledger = ledger.NewLedger(fs, nil, nil, 0.8)
	f.service = NewService(fs, f.ledger, f.trust, nil, f.events, DefaultConfig(), nil).WithClock(clock)
	return f, fs
}

func TestFileFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("should keep a guilty verdict when paying the challenger fails", func(t *testing.T) {
		f, fs := newFlakyFixture(t)
		f.account(t, "author", 500)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "Click here for free money!")
		fs.failOp = "/challenger"

		c, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "spam"})
		require.ErrorIs(t, err, errLegDown)
		require.NotNil(t, c)
		assert.Nil(t, c.ResolvedAt)

		stored, err := f.store.GetChallenge(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.VerdictGuilty, stored.Verdict)
		assert.Equal(t, int64(300), f.balance(t, "author"))
		assert.Equal(t, int64(1000-129), f.balance(t, "reporter"))
		assert.Empty(t, f.events.Messages(messaging.SubjectChallengeResolved))

		resolved, err := f.service.Resolve(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, resolved.ResolvedAt)
		assert.Equal(t, int64(200), resolved.FineCollected)
		assert.Equal(t, int64(300), f.balance(t, "author"))
		assert.Equal(t, int64(1000-129+129+70), f.balance(t, "reporter"))
		pool, err := f.store.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(130), pool)
		assert.InDelta(t, 50.0, f.rep(t, "author").Risk, 1e-9)

		again, err := f.service.Resolve(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, resolved.ResolvedAt, again.ResolvedAt)
		assert.Equal(t, int64(1000-129+129+70), f.balance(t, "reporter"))
		assert.Len(t, f.events.Messages(messaging.SubjectChallengeResolved), 1)
	})

	t.Run("should free the content when paying a dismissal fails", func(t *testing.T) {
		f, fs := newFlakyFixture(t)
		f.account(t, "author", 0)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "a thoughtful essay about lightning channels")
		fs.failOp = "/author"

		c, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "first"})
		require.ErrorIs(t, err, errLegDown)
		require.NotNil(t, c)
		assert.Equal(t, models.VerdictNotGuilty, c.Verdict)

		_, err = f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "second"})
		require.NoError(t, err)
		assert.Equal(t, int64(26), f.balance(t, "author"))

		_, err = f.service.Resolve(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(52), f.balance(t, "author"))
	})

	t.Run("should refund the fee when no verdict can be reached", func(t *testing.T) {
		f, fs := newFlakyFixture(t)
		f.account(t, "author", 0)
		f.account(t, "reporter", 1000)
		f.post(t, "p1", "author", "body")
		fs.failRecent = true

		_, err := f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "spam"})
		require.ErrorIs(t, err, errLegDown)
		assert.Equal(t, int64(1000), f.balance(t, "reporter"))

		fs.failRecent = false
		_, err = f.service.File(ctx, &FileRequest{ChallengerID: "reporter", ContentID: "p1", Reason: "spam"})
		assert.NoError(t, err)
	})

	t.Run("should not resolve a challenge without a verdict", func(t *testing.T) {
		f := newFixture(t, nil)
		f.account(t, "author", 0)
		f.post(t, "p1", "author", "body")
		c := &models.Challenge{ContentID: "p1", ChallengerID: "x", AuthorID: "author"}
		require.NoError(t, f.store.ReserveChallenge(ctx, c))

		_, err := f.service.Resolve(ctx, c.ID)
		assert.ErrorIs(t, err, ErrUndecided)
	})
}
