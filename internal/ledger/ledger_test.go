package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/store/memory"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
)

func setup(t *testing.T, accounts ...string) (*Ledger, *memory.Store, *messaging.Recorder) {
	t.Helper()
	st := memory.New()
	for _, id := range accounts {
		require.NoError(t, st.CreateAccount(context.Background(), &models.Account{ID: id, Handle: id}))
	}
	rec := &messaging.Recorder{}
	return NewLedger(st, rec, zap.NewNop(), 0.8), st, rec
}

func assertConserved(t *testing.T, st *memory.Store, id string) {
	t.Helper()
	a, err := st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	sum, err := st.SumEntries(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, a.Balance, sum, "balance of %s must equal its entry sum", id)
	assert.GreaterOrEqual(t, a.Balance, int64(0))
}

func TestSpend(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject spend from empty account without writing", func(t *testing.T) {
		l, st, rec := setup(t, "alice")

		_, err := l.Spend(ctx, "alice", 100, models.EntrySpendPost)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		bal, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), bal)

		hist, err := l.History(ctx, "alice", store.EntryFilter{})
		require.NoError(t, err)
		assert.Empty(t, hist)
		assert.Empty(t, rec.Messages(messaging.SubjectLedgerEntry))
		assertConserved(t, st, "alice")
	})

	t.Run("should append a negative entry with the new balance", func(t *testing.T) {
		l, st, rec := setup(t, "alice")
		_, err := l.Deposit(ctx, "alice", 500)
		require.NoError(t, err)

		e, err := l.Spend(ctx, "alice", 120, models.EntrySpendPost, WithRef(models.RefPost, "p1"), WithNote("post"))
		require.NoError(t, err)
		assert.Equal(t, int64(-120), e.Amount)
		assert.Equal(t, int64(380), e.BalanceAfter)
		assert.Equal(t, models.Ref{Kind: models.RefPost, ID: "p1"}, e.Ref)
		assert.Len(t, rec.Messages(messaging.SubjectLedgerEntry), 2)
		assertConserved(t, st, "alice")
	})

	t.Run("should reject non-positive amounts and unknown accounts", func(t *testing.T) {
		l, _, _ := setup(t, "alice")
		var verr *ValidationError

		_, err := l.Spend(ctx, "alice", 0, models.EntrySpendPost)
		assert.True(t, errors.As(err, &verr))

		_, err = l.Earn(ctx, "alice", -5, models.EntryDeposit)
		assert.True(t, errors.As(err, &verr))

		_, err = l.Earn(ctx, "ghost", 5, models.EntryDeposit)
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "account", verr.Field)
	})
}

func TestConcurrentSpend(t *testing.T) {
	t.Run("should let exactly one of two competing spends through", func(t *testing.T) {
		ctx := context.Background()
		l, st, _ := setup(t, "alice")
		_, err := l.Deposit(ctx, "alice", 150)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = l.Spend(ctx, "alice", 100, models.EntrySpendLike)
			}(i)
		}
		wg.Wait()

		ok, failed := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				failed++
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, failed)

		bal, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(50), bal)
		assertConserved(t, st, "alice")
	})

	t.Run("should never overdraw under many concurrent spends", func(t *testing.T) {
		ctx := context.Background()
		l, st, _ := setup(t, "bob")
		_, err := l.Deposit(ctx, "bob", 1000)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Spend(ctx, "bob", 30, models.EntrySpendComment)
			}()
		}
		wg.Wait()

		bal, err := l.Balance(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(1000-33*30), bal)
		assertConserved(t, st, "bob")
	})
}

func TestRandomizedSequences(t *testing.T) {
	t.Run("should conserve balances and never go negative", func(t *testing.T) {
		ctx := context.Background()
		ids := []string{"a", "b", "c"}
		l, st, _ := setup(t, ids...)
		rng := rand.New(rand.NewSource(42))

		for i := 0; i < 2000; i++ {
			id := ids[rng.Intn(len(ids))]
			amount := int64(rng.Intn(200) + 1)
			switch rng.Intn(3) {
			case 0:
				_, err := l.Earn(ctx, id, amount, models.EntryRewardPost)
				require.NoError(t, err)
			case 1:
				_, err := l.Spend(ctx, id, amount, models.EntrySpendLike)
				if err != nil {
					require.ErrorIs(t, err, ErrInsufficientBalance)
				}
			case 2:
				other := ids[(rng.Intn(len(ids)-1)+1+indexOf(ids, id))%len(ids)]
				_, err := l.SpendWithSplit(ctx, SplitRequest{
					Payer:           id,
					Beneficiary:     other,
					Amount:          amount,
					PayerKind:       models.EntrySpendLike,
					BeneficiaryKind: models.EntryEarnLike,
					Source:          models.PoolFromLike,
				})
				if err != nil {
					require.ErrorIs(t, err, ErrInsufficientBalance)
				}
			}
		}
		for _, id := range ids {
			assertConserved(t, st, id)
		}
	})
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestSpendWithSplit(t *testing.T) {
	ctx := context.Background()

	t.Run("should split 80/20 between author and pool", func(t *testing.T) {
		l, st, _ := setup(t, "liker", "author")
		_, err := l.Deposit(ctx, "liker", 100)
		require.NoError(t, err)

		res, err := l.SpendWithSplit(ctx, SplitRequest{
			Payer:           "liker",
			Beneficiary:     "author",
			Amount:          13,
			PayerKind:       models.EntrySpendLike,
			BeneficiaryKind: models.EntryEarnLike,
			Source:          models.PoolFromLike,
			Ref:             models.Ref{Kind: models.RefPost, ID: "p1"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.Beneficiary)
		assert.Equal(t, int64(3), res.Platform)

		author, _ := l.Balance(ctx, "author")
		liker, _ := l.Balance(ctx, "liker")
		pool, err := st.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(10), author)
		assert.Equal(t, int64(87), liker)
		assert.Equal(t, int64(3), pool)
	})

	t.Run("should forbid paying yourself", func(t *testing.T) {
		l, _, _ := setup(t, "alice")
		_, err := l.SpendWithSplit(ctx, SplitRequest{
			Payer: "alice", Beneficiary: "alice", Amount: 10,
			PayerKind: models.EntrySpendLike, BeneficiaryKind: models.EntryEarnLike,
		})
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	t.Run("should complete only missing legs on retry", func(t *testing.T) {
		l, st, _ := setup(t, "liker", "author")
		_, err := l.Deposit(ctx, "liker", 100)
		require.NoError(t, err)

		// simulate a crash after the spend leg
		_, err = l.Spend(ctx, "liker", 10, models.EntrySpendLike, WithOperation("op-1/spend"))
		require.NoError(t, err)

		req := SplitRequest{
			Payer: "liker", Beneficiary: "author", Amount: 10, OperationID: "op-1",
			PayerKind: models.EntrySpendLike, BeneficiaryKind: models.EntryEarnLike, Source: models.PoolFromLike,
		}
		_, err = l.SpendWithSplit(ctx, req)
		require.NoError(t, err)
		_, err = l.SpendWithSplit(ctx, req)
		require.NoError(t, err)

		liker, _ := l.Balance(ctx, "liker")
		author, _ := l.Balance(ctx, "author")
		pool, _ := st.UnclaimedPool(ctx)
		assert.Equal(t, int64(90), liker)
		assert.Equal(t, int64(8), author)
		assert.Equal(t, int64(2), pool)
		assertConserved(t, st, "liker")
		assertConserved(t, st, "author")
	})
}

func TestHistory(t *testing.T) {
	t.Run("should list newest first with filters", func(t *testing.T) {
		ctx := context.Background()
		l, _, _ := setup(t, "alice")
		_, err := l.Deposit(ctx, "alice", 100)
		require.NoError(t, err)
		_, err = l.Spend(ctx, "alice", 10, models.EntrySpendLike)
		require.NoError(t, err)
		_, err = l.Spend(ctx, "alice", 20, models.EntrySpendPost)
		require.NoError(t, err)

		all, err := l.History(ctx, "alice", store.EntryFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, int64(-20), all[0].Amount)

		likes, err := l.History(ctx, "alice", store.EntryFilter{Kind: models.EntrySpendLike})
		require.NoError(t, err)
		require.Len(t, likes, 1)

		page, err := l.History(ctx, "alice", store.EntryFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(-10), page[0].Amount)
	})
}

func TestReconcile(t *testing.T) {
	t.Run("should report no drift for ledger-driven balances", func(t *testing.T) {
		ctx := context.Background()
		l, _, _ := setup(t, "alice", "bob")
		_, err := l.Deposit(ctx, "alice", 70)
		require.NoError(t, err)

		drifted, err := l.ReconcileAll(ctx, []string{"alice", "bob"})
		require.NoError(t, err)
		assert.Empty(t, drifted)

		r, err := l.Reconcile(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, r.Consistent())
		assert.Equal(t, int64(70), r.EntrySum)
	})
	t.Run("should page through every account", func(t *testing.T) {
		ctx := context.Background()
		l, _, _ := setup(t, "alice", "bob", "carol")
		_, err := l.Deposit(ctx, "carol", 5)
		require.NoError(t, err)

		checked, drifted, err := l.ReconcileEvery(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, checked)
		assert.Empty(t, drifted)
	})
}
