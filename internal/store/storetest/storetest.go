// Package storetest is the behavioural contract every store.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/models"
)

// Epoch is the base time used by the contract
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Open returns an empty store for one subtest
type Open func(t *testing.T) store.Store

// Run exercises s against the contract
func Run(t *testing.T, open Open) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, open(t)) })
	t.Run("entries", func(t *testing.T) { testEntries(t, open(t)) })
	t.Run("concurrent spends", func(t *testing.T) { testConcurrentSpends(t, open(t)) })
	t.Run("contents", func(t *testing.T) { testContents(t, open(t)) })
	t.Run("social", func(t *testing.T) { testSocial(t, open(t)) })
	t.Run("rewards", func(t *testing.T) { testRewards(t, open(t)) })
	t.Run("challenges", func(t *testing.T) { testChallenges(t, open(t)) })
	t.Run("cabals", func(t *testing.T) { testCabals(t, open(t)) })
}

func account(t *testing.T, s store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.CreateAccount(context.Background(), &models.Account{
			ID:         id,
			Handle:     id,
			Reputation: models.Reputation{Creator: 150, Curator: 150, Juror: 300, Risk: 30},
			CreatedAt:  Epoch,
		}))
	}
}

func credit(t *testing.T, s store.Store, id string, amount int64, op string) *models.LedgerEntry {
	t.Helper()
	e, err := s.AppendEntry(context.Background(), &models.LedgerEntry{
		AccountID: id, Amount: amount, Kind: models.EntryDeposit, OperationID: op, CreatedAt: Epoch,
	})
	require.NoError(t, err)
	return e
}

func post(t *testing.T, s store.Store, id, author string, at time.Time) {
	t.Helper()
	require.NoError(t, s.CreateContent(context.Background(), &models.Content{
		ID: id, AuthorID: author, Kind: models.KindPost, Body: "body " + id, CostPaid: 200, CreatedAt: at,
	}))
}

func testAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "carol", "alice", "bob")

	t.Run("should reject duplicates and preset balances", func(t *testing.T) {
		err := s.CreateAccount(ctx, &models.Account{ID: "alice", Handle: "alice", CreatedAt: Epoch})
		assert.ErrorIs(t, err, store.ErrConflict)

		err = s.CreateAccount(ctx, &models.Account{ID: "dave", Handle: "dave", Balance: 10, CreatedAt: Epoch})
		assert.ErrorIs(t, err, store.ErrBalanceImmutable)
	})

	t.Run("should report unknown accounts", func(t *testing.T) {
		_, err := s.GetAccount(ctx, "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("should update reputation under lock", func(t *testing.T) {
		a, err := s.UpdateAccount(ctx, "alice", func(a *models.Account) error {
			a.Reputation.Creator += 10
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 160.0, a.Reputation.Creator)

		boom := errors.New("boom")
		_, err = s.UpdateAccount(ctx, "alice", func(a *models.Account) error {
			a.Reputation.Creator = 0
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 160.0, got.Reputation.Creator)
	})

	t.Run("should page account ids in order", func(t *testing.T) {
		ids, err := s.ListAccountIDs(ctx, "", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, ids)

		ids, err = s.ListAccountIDs(ctx, "bob", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"carol"}, ids)
	})
}

func testEntries(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "alice")

	t.Run("should apply entries and track the balance", func(t *testing.T) {
		e := credit(t, s, "alice", 100, "op-1")
		assert.Equal(t, int64(100), e.BalanceAfter)
		assert.NotEmpty(t, e.ID)

		spend, err := s.AppendEntry(ctx, &models.LedgerEntry{
			AccountID: "alice", Amount: -30, Kind: models.EntrySpendLike, CreatedAt: Epoch.Add(time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(70), spend.BalanceAfter)

		a, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(70), a.Balance)
	})

	t.Run("should not apply an operation twice", func(t *testing.T) {
		prior, err := s.AppendEntry(ctx, &models.LedgerEntry{
			AccountID: "alice", Amount: 100, Kind: models.EntryDeposit, OperationID: "op-1", CreatedAt: Epoch,
		})
		assert.ErrorIs(t, err, store.ErrDuplicateOperation)
		require.NotNil(t, prior)
		assert.Equal(t, int64(100), prior.BalanceAfter)

		sum, err := s.SumEntries(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(70), sum)
	})

	t.Run("should refuse to overdraw and write nothing", func(t *testing.T) {
		_, err := s.AppendEntry(ctx, &models.LedgerEntry{
			AccountID: "alice", Amount: -71, Kind: models.EntrySpendPost, CreatedAt: Epoch,
		})
		assert.ErrorIs(t, err, store.ErrInsufficientBalance)

		entries, err := s.ListEntries(ctx, "alice", store.EntryFilter{})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("should list newest first with filters", func(t *testing.T) {
		entries, err := s.ListEntries(ctx, "alice", store.EntryFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(-30), entries[0].Amount)

		deposits, err := s.ListEntries(ctx, "alice", store.EntryFilter{Kind: models.EntryDeposit})
		require.NoError(t, err)
		require.Len(t, deposits, 1)

		page, err := s.ListEntries(ctx, "alice", store.EntryFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(100), page[0].Amount)

		_, err = s.ListEntries(ctx, "nobody", store.EntryFilter{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func testConcurrentSpends(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "alice")
	credit(t, s, "alice", 150, "seed")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.AppendEntry(ctx, &models.LedgerEntry{
				AccountID: "alice", Amount: -100, Kind: models.EntrySpendPost, CreatedAt: Epoch,
			})
		}(i)
	}
	wg.Wait()

	t.Run("should let exactly one spend through", func(t *testing.T) {
		failed := 0
		for _, err := range results {
			if err != nil {
				assert.ErrorIs(t, err, store.ErrInsufficientBalance)
				failed++
			}
		}
		assert.Equal(t, 1, failed)

		a, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(50), a.Balance)
	})
}

func testContents(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "alice", "bob")
	post(t, s, "p1", "alice", Epoch)
	post(t, s, "p2", "alice", Epoch.Add(48*time.Hour))
	require.NoError(t, s.CreateContent(ctx, &models.Content{
		ID: "c1", AuthorID: "bob", Kind: models.KindComment, ParentID: "p1",
		Body: "nice", CostPaid: 50, CreatedAt: Epoch.Add(time.Hour),
	}))

	t.Run("should reject duplicate ids", func(t *testing.T) {
		err := s.CreateContent(ctx, &models.Content{ID: "p1", AuthorID: "alice", Kind: models.KindPost, CreatedAt: Epoch})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("should list matured posts only", func(t *testing.T) {
		matured, err := s.ListMatured(ctx, Epoch.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, matured, 1)
		assert.Equal(t, "p1", matured[0].ID)
	})

	t.Run("should list comments and author history", func(t *testing.T) {
		comments, err := s.ListComments(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, comments, 1)
		assert.Equal(t, "c1", comments[0].ID)

		byAlice, err := s.ListByAuthor(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, byAlice, 2)
		assert.Equal(t, "p2", byAlice[0].ID)
	})

	t.Run("should list posts in a creation window", func(t *testing.T) {
		posts, err := s.ListPosts(ctx, Epoch, Epoch.Add(48*time.Hour))
		require.NoError(t, err)
		require.Len(t, posts, 2)
		assert.Equal(t, "p1", posts[0].ID)
		assert.Equal(t, "p2", posts[1].ID)

		posts, err = s.ListPosts(ctx, Epoch.Add(time.Hour), Epoch.Add(72*time.Hour))
		require.NoError(t, err)
		require.Len(t, posts, 1)
		assert.Equal(t, "p2", posts[0].ID)
	})

	t.Run("should hide removed posts from settlement", func(t *testing.T) {
		require.NoError(t, s.SetContentStatus(ctx, "p1", models.StatusRemoved))
		matured, err := s.ListMatured(ctx, Epoch.Add(72*time.Hour))
		require.NoError(t, err)
		require.Len(t, matured, 1)
		assert.Equal(t, "p2", matured[0].ID)

		assert.ErrorIs(t, s.SetContentStatus(ctx, "missing", models.StatusRemoved), store.ErrNotFound)
	})
}

func testSocial(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "alice", "bob", "carol")
	post(t, s, "p1", "alice", Epoch)

	t.Run("should keep one like per user", func(t *testing.T) {
		require.NoError(t, s.AddLike(ctx, &models.Like{ContentID: "p1", UserID: "carol", FeePaid: 10, CircleAdmit: 1, CreatedAt: Epoch.Add(2 * time.Minute)}))
		require.NoError(t, s.AddLike(ctx, &models.Like{ContentID: "p1", UserID: "bob", FeePaid: 10, CircleAdmit: 0.5, CreatedAt: Epoch.Add(time.Minute)}))
		err := s.AddLike(ctx, &models.Like{ContentID: "p1", UserID: "bob", FeePaid: 10, CreatedAt: Epoch})
		assert.ErrorIs(t, err, store.ErrConflict)

		likes, err := s.ListLikes(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, likes, 2)
		assert.Equal(t, "bob", likes[0].UserID)
		assert.Equal(t, 0.5, likes[0].CircleAdmit)
	})

	t.Run("should track follows", func(t *testing.T) {
		require.NoError(t, s.AddFollow(ctx, &models.Follow{FollowerID: "bob", FolloweeID: "alice", CreatedAt: Epoch}))
		assert.ErrorIs(t, s.AddFollow(ctx, &models.Follow{FollowerID: "bob", FolloweeID: "alice", CreatedAt: Epoch}), store.ErrConflict)

		yes, err := s.IsFollowing(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.True(t, yes)
		no, err := s.IsFollowing(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.False(t, no)
	})

	t.Run("should count interactions in a half-open window", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, s.RecordInteraction(ctx, &models.Interaction{
				ActorID: "bob", TargetID: "alice", Kind: models.InteractLike, CreatedAt: Epoch.Add(time.Duration(i) * time.Hour),
			}))
		}
		require.NoError(t, s.RecordInteraction(ctx, &models.Interaction{
			ActorID: "bob", TargetID: "carol", Kind: models.InteractComment, CreatedAt: Epoch,
		}))

		n, err := s.CountInteractions(ctx, "bob", "alice", Epoch, Epoch.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		counts, err := s.InteractionCounts(ctx, "bob", Epoch, Epoch.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"alice": 3, "carol": 1}, counts)
	})
}

func testRewards(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "alice", "bob")
	post(t, s, "p1", "alice", Epoch)
	require.NoError(t, s.CreateContent(ctx, &models.Content{
		ID: "c1", AuthorID: "bob", Kind: models.KindComment, ParentID: "p1", CostPaid: 50, CreatedAt: Epoch,
	}))

	t.Run("should claim pool funds once per batch", func(t *testing.T) {
		require.NoError(t, s.AddPoolFund(ctx, &models.PoolFund{Amount: 30, Source: models.PoolFromLike, OperationID: "f1", CreatedAt: Epoch}))
		require.NoError(t, s.AddPoolFund(ctx, &models.PoolFund{Amount: 30, Source: models.PoolFromLike, OperationID: "f1", CreatedAt: Epoch}))
		require.NoError(t, s.AddPoolFund(ctx, &models.PoolFund{Amount: 12, Source: models.PoolFromChallenge, CreatedAt: Epoch}))

		unclaimed, err := s.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(42), unclaimed)

		require.NoError(t, s.CreateBatch(ctx, &models.SettlementBatch{ID: "b1", Status: models.RewardPending, CreatedAt: Epoch}))
		total, err := s.ClaimPoolFunds(ctx, "b1", models.BatchSettlement)
		require.NoError(t, err)
		assert.Equal(t, int64(42), total)

		again, err := s.ClaimPoolFunds(ctx, "b1", models.BatchSettlement)
		require.NoError(t, err)
		assert.Equal(t, int64(42), again)

		unclaimed, err = s.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Zero(t, unclaimed)
	})

	t.Run("should store one reward per content", func(t *testing.T) {
		r := &models.ContentReward{
			ContentID:      "p1",
			BatchID:        "b1",
			AuthorID:       "alice",
			DiscoveryScore: 1.5,
			ItemReward:     "100",
			AuthorReward:   80,
			SecondaryPool:  20,
			Comments:       []*models.CommentReward{{CommentID: "c1", ContentID: "p1", AuthorID: "bob", Amount: 20}},
			Status:         models.RewardPending,
			CreatedAt:      Epoch,
		}
		require.NoError(t, s.InsertReward(ctx, r))
		assert.ErrorIs(t, s.InsertReward(ctx, r), store.ErrConflict)

		matured, err := s.ListMatured(ctx, Epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, matured)

		pending, err := s.ListPendingRewards(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Len(t, pending[0].Comments, 1)
		assert.Equal(t, int64(20), pending[0].Comments[0].Amount)

		require.NoError(t, s.MarkRewardSettled(ctx, "p1", Epoch.Add(time.Hour)))
		require.NoError(t, s.MarkRewardSettled(ctx, "p1", Epoch.Add(2*time.Hour)))
		pending, err = s.ListPendingRewards(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		got, err := s.GetReward(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(80), got.AuthorReward)
		assert.Equal(t, models.RewardSettled, got.Status)

		n, paid, err := s.BatchPayouts(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, int64(100), paid)
	})

	t.Run("should update batches", func(t *testing.T) {
		b, err := s.GetBatch(ctx, "b1")
		require.NoError(t, err)
		b.Status = models.RewardSettled
		b.Distributed = 100
		require.NoError(t, s.UpdateBatch(ctx, b))

		got, err := s.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, models.RewardSettled, got.Status)
		assert.Equal(t, int64(100), got.Distributed)
	})

	t.Run("should keep the subsidy reserve apart", func(t *testing.T) {
		require.NoError(t, s.AddPoolFund(ctx, &models.PoolFund{Amount: 19, Source: models.PoolForSubsidy, OperationID: "r1", CreatedAt: Epoch}))

		require.NoError(t, s.CreateBatch(ctx, &models.SettlementBatch{ID: "b2", Kind: models.BatchSettlement, Status: models.RewardPending, CreatedAt: Epoch.Add(time.Hour)}))
		claimed, err := s.ClaimPoolFunds(ctx, "b2", models.BatchSettlement)
		require.NoError(t, err)
		assert.Zero(t, claimed)

		require.NoError(t, s.CreateBatch(ctx, &models.SettlementBatch{ID: "s1", Kind: models.BatchSubsidy, Status: models.RewardPending, CreatedAt: Epoch.Add(2 * time.Hour)}))
		claimed, err = s.ClaimPoolFunds(ctx, "s1", models.BatchSubsidy)
		require.NoError(t, err)
		assert.Equal(t, int64(19), claimed)

		got, err := s.GetBatch(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.BatchSubsidy, got.Kind)

		open, err := s.ListOpenBatches(ctx)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "b2", open[0].ID)
		assert.Equal(t, "s1", open[1].ID)
	})

	t.Run("should return released funds to the pool", func(t *testing.T) {
		released, err := s.ReleasePoolFunds(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(19), released)

		unclaimed, err := s.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(19), unclaimed)

		claimed, err := s.ClaimPoolFunds(ctx, "s1", models.BatchSubsidy)
		require.NoError(t, err)
		assert.Equal(t, int64(19), claimed)
	})

	t.Run("should store subsidies once", func(t *testing.T) {
		sub := &models.Subsidy{BatchID: "s1", ContentID: "p1", AuthorID: "alice", Likes: 3, Density: 0.05, Amount: 19, CreatedAt: Epoch}
		require.NoError(t, s.InsertSubsidies(ctx, []*models.Subsidy{sub}))
		assert.ErrorIs(t, s.InsertSubsidies(ctx, []*models.Subsidy{sub}), store.ErrConflict)

		pending, err := s.ListPendingSubsidies(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, models.RewardPending, pending[0].Status)
		assert.Equal(t, 3, pending[0].Likes)

		n, paid, err := s.BatchPayouts(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, int64(19), paid)

		require.NoError(t, s.MarkSubsidyPaid(ctx, "s1", "p1", Epoch.Add(time.Hour)))
		require.NoError(t, s.MarkSubsidyPaid(ctx, "s1", "p1", Epoch.Add(2*time.Hour)))
		pending, err = s.ListPendingSubsidies(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		assert.ErrorIs(t, s.MarkSubsidyPaid(ctx, "s1", "missing", Epoch), store.ErrNotFound)
	})
}

func testChallenges(t *testing.T, s store.Store) {
	ctx := context.Background()
	account(t, s, "alice", "bob")
	post(t, s, "p1", "alice", Epoch)
	post(t, s, "p2", "alice", Epoch)

	reserve := func(id, content string) error {
		return s.ReserveChallenge(ctx, &models.Challenge{
			ID: id, ContentID: content, ContentKind: models.KindPost, ChallengerID: "bob", AuthorID: "alice",
			Reason: "spam", CreatedAt: Epoch,
		})
	}

	t.Run("should keep one live challenge per content", func(t *testing.T) {
		require.NoError(t, reserve("ch1", "p1"))
		assert.ErrorIs(t, reserve("ch2", "p1"), store.ErrConflict)

		got, err := s.GetChallenge(ctx, "ch1")
		require.NoError(t, err)
		assert.Equal(t, models.VerdictPending, got.Verdict)
	})

	t.Run("should free the content when a challenge is released", func(t *testing.T) {
		require.NoError(t, s.ReleaseChallenge(ctx, "ch1"))
		_, err := s.GetChallenge(ctx, "ch1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		require.NoError(t, reserve("ch3", "p1"))
	})

	t.Run("should free the content after a dismissal only", func(t *testing.T) {
		c, err := s.GetChallenge(ctx, "ch3")
		require.NoError(t, err)
		c.Verdict = models.VerdictNotGuilty
		require.NoError(t, s.UpdateChallenge(ctx, c))
		require.NoError(t, reserve("ch4", "p1"))

		require.NoError(t, reserve("ch5", "p2"))
		c, err = s.GetChallenge(ctx, "ch5")
		require.NoError(t, err)
		c.Verdict = models.VerdictGuilty
		require.NoError(t, s.UpdateChallenge(ctx, c))
		assert.ErrorIs(t, reserve("ch6", "p2"), store.ErrConflict)

		n, err := s.CountGuilty(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func testCabals(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("should list undetected groups until marked", func(t *testing.T) {
		g := &models.CabalGroup{ID: "g1", Members: []string{"a", "b", "c"}, CreatedAt: Epoch}
		require.NoError(t, s.CreateCabal(ctx, g))

		groups, err := s.ListUndetected(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, []string{"a", "b", "c"}, groups[0].Members)

		at := Epoch.Add(time.Hour)
		g.Detected = true
		g.DetectedAt = &at
		g.Ratio = 4
		require.NoError(t, s.MarkDetected(ctx, g))

		groups, err = s.ListUndetected(ctx)
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("should remember penalized members once", func(t *testing.T) {
		g := &models.CabalGroup{ID: "g2", Members: []string{"a", "b", "c"}, CreatedAt: Epoch}
		require.NoError(t, s.CreateCabal(ctx, g))

		g.Ratio = 6
		g.SeizureRate = 0.5
		require.NoError(t, s.MarkPenalized(ctx, g, "a"))
		require.NoError(t, s.MarkPenalized(ctx, g, "a"))
		require.NoError(t, s.MarkPenalized(ctx, g, "c"))

		groups, err := s.ListUndetected(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, []string{"a", "c"}, groups[0].Penalized)
		assert.True(t, groups[0].IsPenalized("c"))
		assert.False(t, groups[0].IsPenalized("b"))
		assert.InDelta(t, 6.0, groups[0].Ratio, 1e-9)
		assert.InDelta(t, 0.5, groups[0].SeizureRate, 1e-9)

		err = s.MarkPenalized(ctx, &models.CabalGroup{ID: "missing"}, "a")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
