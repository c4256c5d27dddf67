package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/challenge"
	"github.com/terminal-bench/satengine/internal/engagement"
	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/risk"
	"github.com/terminal-bench/satengine/internal/store/memory"
)

var (
	simUsers   int
	simDays    int
	simSeed    int64
	simDeposit int64
)

// simSummary is printed at the end of a simulation
type simSummary struct {
	Users        int   `json:"users"`
	Days         int   `json:"days"`
	Posts        int   `json:"posts"`
	Comments     int   `json:"comments"`
	Likes        int   `json:"likes"`
	Follows      int   `json:"follows"`
	Rejected     int   `json:"rejected"`
	Challenges   int   `json:"challenges"`
	Batches      int   `json:"batches"`
	ItemsSettled int   `json:"items_settled"`
	Distributed  int64 `json:"distributed"`
	Subsidized   int64 `json:"subsidized"`
	Deposited    int64 `json:"deposited"`
	Balances     int64 `json:"balances"`
	Drifted      int   `json:"drifted"`
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a seeded engagement simulation on an in-memory store",
	Long: `Register users, let them post, comment, like and follow at random over
a simulated clock, settle matured content at the end of every day and report
totals. Nothing is written outside the process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := simulate(cmd.Context(), simUsers, simDays, simSeed, simDeposit)
		if err != nil {
			return err
		}
		return printJSON(cmd, sum)
	},
}

func simulate(ctx context.Context, users, days int, seed, deposit int64) (*simSummary, error) {
	if users < 2 || days < 1 {
		return nil, fmt.Errorf("need at least 2 users and 1 day")
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tick := func() { now = now.Add(time.Minute) }
	rng := rand.New(rand.NewSource(seed))

	// simulations never call hosted oracles
	simCfg := *cfg
	simCfg.Challenge.Oracles = nil
	a := &app{cfg: &simCfg, logger: logger}
	a.wire(memory.New().WithClock(clock), risk.NewMemoryCounter(), nil, nil, rand.New(rand.NewSource(seed)))
	a.engagement.WithClock(clock)
	a.processor.WithClock(clock)
	a.challenges.WithClock(clock)

	sum := &simSummary{Users: users, Days: days}
	ids := make([]string, users)
	for i := range ids {
		ids[i] = fmt.Sprintf("user%03d", i)
		if _, err := a.trust.Register(ctx, ids[i], ids[i]); err != nil {
			return nil, err
		}
		if _, err := a.ledger.Deposit(ctx, ids[i], deposit, ledger.WithOperation("sim:deposit:"+ids[i])); err != nil {
			return nil, err
		}
		sum.Deposited += deposit
	}
	pick := func() string { return ids[rng.Intn(len(ids))] }

	var posts []string
	record := func(err error, counter *int) error {
		switch {
		case err == nil:
			*counter++
			return nil
		case rejected(err):
			sum.Rejected++
			return nil
		default:
			return err
		}
	}

	for day := 0; day < days; day++ {
		start := now
		for _, u := range ids {
			if rng.Float64() < 0.3 {
				tick()
				body := "post from " + u
				if rng.Float64() < 0.05 {
					body = "click here for free money"
				}
				c, err := a.engagement.Post(ctx, &engagement.PostRequest{AuthorID: u, Body: body})
				if err := record(err, &sum.Posts); err != nil {
					return nil, err
				}
				if c != nil {
					posts = append(posts, c.ID)
				}
			}
			if len(posts) == 0 {
				continue
			}
			for j := 0; j < 3; j++ {
				target := posts[rng.Intn(len(posts))]
				tick()
				_, err := a.engagement.Like(ctx, u, target)
				if err := record(err, &sum.Likes); err != nil {
					return nil, err
				}
			}
			if rng.Float64() < 0.15 {
				tick()
				_, err := a.engagement.Comment(ctx, &engagement.CommentRequest{
					AuthorID: u, PostID: posts[rng.Intn(len(posts))], Body: "reply from " + u,
				})
				if err := record(err, &sum.Comments); err != nil {
					return nil, err
				}
			}
			if rng.Float64() < 0.05 {
				tick()
				err := a.engagement.Follow(ctx, u, pick())
				if err := record(err, &sum.Follows); err != nil {
					return nil, err
				}
			}
		}

		if day%3 == 2 && len(posts) > 0 {
			tick()
			_, err := a.challenges.File(ctx, &challenge.FileRequest{
				ChallengerID: pick(),
				ContentID:    posts[rng.Intn(len(posts))],
				Reason:       "looks like spam",
			})
			if err := record(err, &sum.Challenges); err != nil {
				return nil, err
			}
		}

		now = start.Add(24 * time.Hour)
		res, err := a.processor.SettleMatured(ctx, now.Add(-cfg.Settlement.Maturity))
		if err != nil {
			return nil, err
		}
		if res.BatchID != "" {
			sum.Batches++
			sum.ItemsSettled += res.ItemsSettled
			sum.Distributed += res.Distributed
		}
		if day%7 == 6 {
			sub, err := a.processor.Subsidize(ctx, now)
			if err != nil {
				return nil, err
			}
			sum.Subsidized += sub.Distributed
		}
		logger.Debug("simulated day", zap.Int("day", day), zap.Int("posts", len(posts)))
	}

	for _, id := range ids {
		b, err := a.ledger.Balance(ctx, id)
		if err != nil {
			return nil, err
		}
		sum.Balances += b
	}
	_, drifted, err := a.ledger.ReconcileEvery(ctx, 100)
	if err != nil {
		return nil, err
	}
	sum.Drifted = len(drifted)
	return sum, nil
}

// rejected reports user errors a simulation expects to hit
func rejected(err error) bool {
	var verr *ledger.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, engagement.ErrSelfAction) ||
		errors.Is(err, engagement.ErrAlreadyLiked) ||
		errors.Is(err, engagement.ErrAlreadyFollowing) ||
		errors.Is(err, engagement.ErrInactive) ||
		errors.Is(err, challenge.ErrDuplicate) ||
		errors.Is(err, challenge.ErrSelfChallenge) ||
		errors.Is(err, challenge.ErrInactive) ||
		errors.Is(err, challenge.ErrWindowClosed)
}

func init() {
	simulateCmd.Flags().IntVar(&simUsers, "users", 25, "number of simulated accounts")
	simulateCmd.Flags().IntVar(&simDays, "days", 14, "number of simulated days")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 1, "random seed")
	simulateCmd.Flags().Int64Var(&simDeposit, "deposit", 5000, "sats deposited per account")
}
