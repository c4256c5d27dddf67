package risk

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/store/memory"
	"github.com/terminal-bench/satengine/internal/trust"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
)

var day0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func interact(t *testing.T, st *memory.Store, actor, target string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.RecordInteraction(context.Background(), &models.Interaction{
			ActorID:   actor,
			TargetID:  target,
			Kind:      models.InteractLike,
			CreatedAt: at,
		}))
	}
}

func TestBuildCircle(t *testing.T) {
	t.Run("should keep top counterparties with stable ties", func(t *testing.T) {
		counts := map[string]int{"a": 5, "b": 9, "c": 5, "d": 1, "self": 100}
		c := BuildCircle("self", day0, counts, 3)

		assert.Equal(t, []string{"b", "a", "c"}, c.Members)
		assert.Equal(t, 19, c.InCircle)
		assert.Equal(t, 20, c.Total)
		assert.True(t, c.Contains("c"))
		assert.False(t, c.Contains("d"))
		assert.Equal(t, "2024-03-10", c.Day)
	})
}

func TestSuspicion(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("should be zero without enough history", func(t *testing.T) {
		c := BuildCircle("x", day0, map[string]int{"a": 19}, 10)
		assert.Equal(t, 0.0, cfg.Suspicion(c))
	})

	t.Run("should be zero at or below the concentration threshold", func(t *testing.T) {
		counts := map[string]int{}
		for i := 0; i < 20; i++ {
			counts[fmt.Sprintf("u%02d", i)] = 1
		}
		c := BuildCircle("x", day0, counts, 10)
		assert.InDelta(t, 0.5, c.Concentration(), 1e-9)
		assert.Equal(t, 0.0, cfg.Suspicion(c))
	})

	t.Run("should rise linearly above the threshold", func(t *testing.T) {
		counts := map[string]int{"a": 15, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1, "g": 1, "h": 1, "i": 1, "j": 1}
		for i := 0; i < 5; i++ {
			counts[fmt.Sprintf("z%d", i)] = 1
		}
		c := BuildCircle("x", day0, counts, 10)
		// 24 of 29 in circle
		assert.InDelta(t, (24.0/29.0-0.5)*2, cfg.Suspicion(c), 1e-9)
	})

	t.Run("should add a volume boost and respect the cap", func(t *testing.T) {
		c := BuildCircle("x", day0, map[string]int{"a": 100, "b": 100, "c": 100}, 10)
		// concentration 1.0 -> 0.9, avg 100 -> boost 0.1 capped at 0.95
		assert.InDelta(t, 0.95, cfg.Suspicion(c), 1e-9)
	})

	t.Run("should damp likers more than authors", func(t *testing.T) {
		assert.InDelta(t, 1-0.5*0.7, cfg.LikerMultiplier(0.5), 1e-9)
		assert.InDelta(t, 1-0.5*0.49, cfg.AuthorMultiplier(0.5), 1e-9)
	})
}

func TestDayCache(t *testing.T) {
	t.Run("should compute once per key and day", func(t *testing.T) {
		var calls atomic.Int32
		c := NewDayCache(func(ctx context.Context, key string, day time.Time) (int, error) {
			calls.Add(1)
			return len(key), nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := c.Get(context.Background(), "abc", day0)
				assert.NoError(t, err)
				assert.Equal(t, 3, v)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, calls.Load(), int32(20))

		before := calls.Load()
		_, err := c.Get(context.Background(), "abc", day0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, before, calls.Load())
	})

	t.Run("should drop the previous generation on a new day", func(t *testing.T) {
		var calls atomic.Int32
		c := NewDayCache(func(ctx context.Context, key string, day time.Time) (string, error) {
			calls.Add(1)
			return DayKey(day), nil
		})

		v, err := c.Get(context.Background(), "k", day0)
		require.NoError(t, err)
		assert.Equal(t, "2024-03-10", v)

		v, err = c.Get(context.Background(), "k", day0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "2024-03-11", v)
		assert.Equal(t, "2024-03-11", c.Generation())
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("should not cache errors", func(t *testing.T) {
		fail := true
		c := NewDayCache(func(ctx context.Context, key string, day time.Time) (int, error) {
			if fail {
				return 0, errors.New("down")
			}
			return 1, nil
		})
		_, err := c.Get(context.Background(), "k", day0)
		assert.Error(t, err)
		fail = false
		v, err := c.Get(context.Background(), "k", day0)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})
}

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()

	t.Run("should admit fully, partially, then nothing", func(t *testing.T) {
		c := NewMemoryCounter()
		got, _ := c.Reserve(ctx, "a", day0, 60, 100)
		assert.Equal(t, 60.0, got)
		got, _ = c.Reserve(ctx, "a", day0, 60, 100)
		assert.Equal(t, 40.0, got)
		got, _ = c.Reserve(ctx, "a", day0, 60, 100)
		assert.Equal(t, 0.0, got)

		used, _ := c.Used(ctx, "a", day0)
		assert.Equal(t, 100.0, used)
	})

	t.Run("should reset per day and prune old days", func(t *testing.T) {
		c := NewMemoryCounter()
		c.Reserve(ctx, "a", day0, 100, 100)
		got, _ := c.Reserve(ctx, "a", day0.Add(24*time.Hour), 10, 100)
		assert.Equal(t, 10.0, got)

		c.Reserve(ctx, "a", day0.Add(72*time.Hour), 1, 100)
		used, _ := c.Used(ctx, "a", day0)
		assert.Equal(t, 0.0, used)
	})
}

func TestCircleGuard(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()

	t.Run("should admit likes outside the circle in full", func(t *testing.T) {
		st := memory.New()
		interact(t, st, "liker", "friend", 5, day0.Add(-48*time.Hour))
		g := NewCircleGuard(NewAnalyzer(st, cfg), NewMemoryCounter(), cfg, zap.NewNop())

		f, err := g.Admit(ctx, "liker", "stranger", 500, day0)
		require.NoError(t, err)
		assert.Equal(t, 1.0, f)
	})

	t.Run("should cap weight sent to circle members", func(t *testing.T) {
		st := memory.New()
		interact(t, st, "liker", "friend", 5, day0.Add(-48*time.Hour))
		g := NewCircleGuard(NewAnalyzer(st, cfg), NewMemoryCounter(), cfg, zap.NewNop())

		f, err := g.Admit(ctx, "liker", "friend", 80, day0)
		require.NoError(t, err)
		assert.Equal(t, 1.0, f)

		f, err = g.Admit(ctx, "liker", "friend", 40, day0)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, f, 1e-9)

		f, err = g.Admit(ctx, "liker", "friend", 40, day0)
		require.NoError(t, err)
		assert.Equal(t, 0.0, f)
	})

	t.Run("should ignore interactions from the current day", func(t *testing.T) {
		st := memory.New()
		interact(t, st, "liker", "friend", 5, day0)
		g := NewCircleGuard(NewAnalyzer(st, cfg), NewMemoryCounter(), cfg, zap.NewNop())

		circle, err := NewAnalyzer(st, cfg).Circle(ctx, "liker", day0)
		require.NoError(t, err)
		assert.Empty(t, circle.Members)

		f, err := g.Admit(ctx, "liker", "friend", 500, day0)
		require.NoError(t, err)
		assert.Equal(t, 1.0, f)
	})
}

func TestSeizureRate(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		ratio, days, want float64
	}{
		{3, 1, 0.3},
		{3.5, 1, 0.35},
		{6, 1, 0.6},
		{100, 1, 0.6},
		{6, 45, 0.8},
		{4.5, 45, 0.675},
	}
	for _, c := range cases {
		got := cfg.SeizureRate(c.ratio, c.days)
		assert.InDelta(t, c.want, got, 1e-9, "ratio %v days %v", c.ratio, c.days)
		assert.GreaterOrEqual(t, got, 0.3)
		assert.LessOrEqual(t, got, 0.8)
	}
}

type cabalFixture struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	trust    *trust.Engine
	detector *Detector
	events   *messaging.Recorder
}

func newCabalFixture(t *testing.T, members ...string) *cabalFixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	rec := &messaging.Recorder{}
	l := ledger.NewLedger(st, rec, zap.NewNop(), 0.8)
	te := trust.NewEngine(st, trust.DefaultConfig(), zap.NewNop())
	for _, m := range members {
		_, err := te.Register(ctx, m, m)
		require.NoError(t, err)
		_, err = l.Deposit(ctx, m, 1000)
		require.NoError(t, err)
		_, err = te.UpdateCreator(ctx, m, 350, "seed")
		require.NoError(t, err)
	}
	d := NewDetector(st, te, l, rec, DefaultConfig(), rand.New(rand.NewSource(7)), zap.NewNop())
	return &cabalFixture{store: st, ledger: l, trust: te, detector: d, events: rec}
}

func TestCabalDetection(t *testing.T) {
	ctx := context.Background()
	members := []string{"m1", "m2", "m3", "m4", "m5"}

	t.Run("should flag a closed group, seize balances and penalise members", func(t *testing.T) {
		f := newCabalFixture(t, append(members, "outsider")...)
		now := time.Now()
		for _, a := range members {
			for _, b := range members {
				if a != b {
					interact(t, f.store, a, b, 10, now.Add(-time.Hour))
				}
			}
			interact(t, f.store, a, "outsider", 5, now.Add(-time.Hour))
		}

		g, err := f.detector.RegisterGroup(ctx, members)
		require.NoError(t, err)

		dets, err := f.detector.Detect(ctx, now)
		require.NoError(t, err)
		require.Len(t, dets, 1)
		det := dets[0]
		assert.Equal(t, g.ID, det.Group.ID)
		assert.Equal(t, 200, det.Internal)
		assert.Equal(t, 25, det.External)
		assert.InDelta(t, 8.0, det.Ratio, 1e-9)

		pool, err := f.store.UnclaimedPool(ctx)
		require.NoError(t, err)
		var seized int64
		for _, m := range members {
			a, err := f.store.GetAccount(ctx, m)
			require.NoError(t, err)

			fraction := float64(1000-a.Balance) / 1000
			assert.GreaterOrEqual(t, fraction, 0.3)
			assert.LessOrEqual(t, fraction, 0.8)
			seized += 1000 - a.Balance

			assert.True(t, a.Penalized(now.Add(29*24*time.Hour)))
			assert.False(t, a.Penalized(now.Add(31*24*time.Hour)))
			assert.Less(t, a.Reputation.Creator, 500.0)
			assert.GreaterOrEqual(t, a.Reputation.Creator, 100.0)
			assert.GreaterOrEqual(t, a.Reputation.Risk, 180.0)
		}
		assert.Equal(t, seized, pool)
		assert.Len(t, f.events.Messages(messaging.SubjectCabalDetected), 1)

		again, err := f.detector.Detect(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("should leave open groups alone", func(t *testing.T) {
		f := newCabalFixture(t, members...)
		now := time.Now()
		for _, a := range members {
			interact(t, f.store, a, "world", 40, now.Add(-time.Hour))
			interact(t, f.store, a, members[0], 2, now.Add(-time.Hour))
		}
		_, err := f.detector.RegisterGroup(ctx, members)
		require.NoError(t, err)

		dets, err := f.detector.Detect(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, dets)
	})

	t.Run("should refuse groups below the minimum size", func(t *testing.T) {
		f := newCabalFixture(t, "a", "b")
		_, err := f.detector.RegisterGroup(ctx, []string{"a", "b", "a"})
		assert.ErrorIs(t, err, ErrGroupTooSmall)
	})
}

var errSeizeDown = errors.New("seize down")

type flakySeizer struct {
	Seizer
	fail map[string]bool
}

func (s *flakySeizer) SpendToPool(ctx context.Context, accountID string, amount int64, kind models.EntryKind, source models.PoolSource, ref models.Ref, operationID string) (*models.LedgerEntry, error) {
	if s.fail[accountID] {
		delete(s.fail, accountID)
		return nil, errSeizeDown
	}
	return s.Seizer.SpendToPool(ctx, accountID, amount, kind, source, ref, operationID)
}

type countingSlasher struct {
	Slasher
	calls map[string]int
}

func (s *countingSlasher) Slash(ctx context.Context, accountID string, sl trust.Slash) (*models.Account, error) {
	s.calls[accountID]++
	return s.Slasher.Slash(ctx, accountID, sl)
}

func TestCabalPartialFailure(t *testing.T) {
	ctx := context.Background()
	members := []string{"m1", "m2", "m3", "m4", "m5"}

	t.Run("should finish every member before marking the group", func(t *testing.T) {
		f := newCabalFixture(t, members...)
		now := time.Now()
		for _, a := range members {
			for _, b := range members {
				if a != b {
					interact(t, f.store, a, b, 10, now.Add(-time.Hour))
				}
			}
		}
		g, err := f.detector.RegisterGroup(ctx, members)
		require.NoError(t, err)

		slasher := &countingSlasher{Slasher: f.trust, calls: map[string]int{}}
		seizer := &flakySeizer{Seizer: f.ledger, fail: map[string]bool{"m3": true}}
		d := NewDetector(f.store, slasher, seizer, f.events, DefaultConfig(), rand.New(rand.NewSource(7)), zap.NewNop())

		dets, err := d.Detect(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, dets)

		open, err := f.store.ListUndetected(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, g.ID, open[0].ID)
		assert.Len(t, open[0].Penalized, len(members))
		assert.Empty(t, f.events.Messages(messaging.SubjectCabalDetected))

		m3, err := f.store.GetAccount(ctx, "m3")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), m3.Balance)
		m1, err := f.store.GetAccount(ctx, "m1")
		require.NoError(t, err)
		firstSeized := 1000 - m1.Balance
		assert.Positive(t, firstSeized)

		// the rerun must not slash twice or seize m1 again
		dets, err = d.Detect(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, dets, 1)
		assert.Equal(t, firstSeized, dets[0].Seized["m1"])
		assert.InDelta(t, open[0].SeizureRate, dets[0].SeizureRate, 1e-12)

		var seized int64
		for _, m := range members {
			assert.Equal(t, 1, slasher.calls[m], m)
			a, err := f.store.GetAccount(ctx, m)
			require.NoError(t, err)
			assert.Positive(t, 1000-a.Balance, m)
			assert.Equal(t, 1000-a.Balance, dets[0].Seized[m], m)
			seized += 1000 - a.Balance
		}
		pool, err := f.store.UnclaimedPool(ctx)
		require.NoError(t, err)
		assert.Equal(t, seized, pool)

		open, err = f.store.ListUndetected(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)
		assert.Len(t, f.events.Messages(messaging.SubjectCabalDetected), 1)
	})
}
