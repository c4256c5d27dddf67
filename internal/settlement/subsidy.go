package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/models"
	"github.com/terminal-bench/satengine/pkg/sats"
)

// SubsidyResult summarises one Subsidize call
type SubsidyResult struct {
	BatchID     string `json:"batch_id"`
	Candidates  int    `json:"candidates"`
	Pool        int64  `json:"pool"`
	Paid        int    `json:"paid"`
	Distributed int64  `json:"distributed"`
	Carryover   int64  `json:"carryover"`
	Skipped     bool   `json:"skipped,omitempty"`
}

type subsidyCandidate struct {
	content *models.Content
	likes   int
	density float64
}

// SubsidyBatchID names the subsidy batch of the ISO week containing t
func SubsidyBatchID(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("subsidy-%d-W%02d", year, week)
}

// Subsidize pays the subsidy reserve to underexposed posts whose likers and
// author suggest quality. One batch runs per ISO week; later calls in the
// same week are skipped.
func (p *Processor) Subsidize(ctx context.Context, asOf time.Time) (*SubsidyResult, error) {
	release, err := p.locker.TryLock(ctx)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			runs.WithLabelValues("not_leader").Inc()
		}
		return nil, err
	}
	defer release()

	if err := p.catchUp(ctx, &Result{}); err != nil {
		return nil, err
	}

	res := &SubsidyResult{BatchID: SubsidyBatchID(asOf)}
	if _, err := p.store.GetBatch(ctx, res.BatchID); err == nil {
		res.Skipped = true
		return res, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up batch %s: %w", res.BatchID, err)
	}

	candidates, err := p.subsidyCandidates(ctx, asOf)
	if err != nil {
		return nil, err
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		runs.WithLabelValues("subsidy_empty").Inc()
		return res, nil
	}

	batch := &models.SettlementBatch{
		ID:        res.BatchID,
		Kind:      models.BatchSubsidy,
		Before:    asOf,
		ItemCount: len(candidates),
		Status:    models.RewardPending,
		CreatedAt: p.now(),
	}
	if err := p.store.CreateBatch(ctx, batch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			res.Skipped = true
			return res, nil
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	claimed, err := p.store.ClaimPoolFunds(ctx, batch.ID, models.BatchSubsidy)
	if err != nil {
		p.abandonQuietly(ctx, batch)
		return nil, fmt.Errorf("failed to claim subsidy reserve: %w", err)
	}
	batch.PoolFunds = claimed
	batch.Pool = claimed
	if err := p.store.UpdateBatch(ctx, batch); err != nil {
		p.abandonQuietly(ctx, batch)
		return nil, fmt.Errorf("failed to record pool of batch %s: %w", batch.ID, err)
	}
	res.Pool = batch.Pool

	subsidies := p.shareReserve(batch, candidates)
	if len(subsidies) == 0 {
		res.Pool = 0
		if err := p.abandon(ctx, batch); err != nil {
			return res, err
		}
		return res, nil
	}
	if err := p.store.InsertSubsidies(ctx, subsidies); err != nil {
		p.abandonQuietly(ctx, batch)
		return nil, fmt.Errorf("failed to record subsidies: %w", err)
	}

	var allocated int64
	for _, sub := range subsidies {
		allocated += sub.Amount
		if err := p.paySubsidy(ctx, sub); err != nil {
			p.logger.Error("failed to pay subsidy",
				zap.String("batch", batch.ID),
				zap.String("content", sub.ContentID),
				zap.Error(err))
			continue
		}
		res.Paid++
		res.Distributed += sub.Amount
	}

	if res.Carryover, err = p.returnUnallocated(ctx, batch, allocated); err != nil {
		return res, err
	}
	if err := p.closeBatch(ctx, batch, &Result{
		BatchID:      batch.ID,
		ItemsSettled: res.Paid,
		Pool:         batch.Pool,
		Distributed:  res.Distributed,
		Carryover:    res.Carryover,
	}); err != nil {
		return res, err
	}
	runs.WithLabelValues("subsidized").Inc()
	return res, nil
}

// subsidyCandidates returns posts in the age window with enough likes and
// quality density, keeping the least liked share of them
func (p *Processor) subsidyCandidates(ctx context.Context, asOf time.Time) ([]subsidyCandidate, error) {
	cfg := p.cfg.Subsidy
	posts, err := p.store.ListPosts(ctx, asOf.Add(-cfg.MaxAge), asOf.Add(-cfg.MinAge))
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	var out []subsidyCandidate
	for _, c := range posts {
		likes, err := p.store.ListLikes(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list likes of %s: %w", c.ID, err)
		}
		var (
			n     int
			trust float64
		)
		for _, l := range likes {
			if l.CreatedAt.After(asOf) {
				continue
			}
			liker, err := p.store.GetAccount(ctx, l.UserID)
			if err != nil {
				return nil, fmt.Errorf("failed to load liker %s: %w", l.UserID, err)
			}
			trust += liker.TrustScore
			n++
		}
		if n < cfg.MinLikes {
			continue
		}

		author, err := p.store.GetAccount(ctx, c.AuthorID)
		if err != nil {
			return nil, fmt.Errorf("failed to load author %s: %w", c.AuthorID, err)
		}
		if author.Reputation.Risk > cfg.RiskCutoff {
			continue
		}
		density := cfg.Density(n, trust/float64(n), author.TrustScore, author.Reputation.Risk)
		if density < cfg.MinDensity {
			continue
		}
		out = append(out, subsidyCandidate{content: c, likes: n, density: density})
	}
	if len(out) == 0 {
		return nil, nil
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].likes != out[j].likes {
			return out[i].likes < out[j].likes
		}
		return out[i].content.ID < out[j].content.ID
	})
	keep := max(1, int(float64(len(out))*cfg.ExposurePercentile))
	return out[:min(keep, len(out))], nil
}

// shareReserve splits the batch pool by density, floored per post
func (p *Processor) shareReserve(batch *models.SettlementBatch, candidates []subsidyCandidate) []*models.Subsidy {
	total := 0.0
	for _, c := range candidates {
		total += c.density
	}
	pool := sats.FromInt(batch.Pool)
	now := p.now()

	var out []*models.Subsidy
	for _, c := range candidates {
		amount := pool.Portion(c.density, total).Floor()
		if amount <= 0 {
			continue
		}
		out = append(out, &models.Subsidy{
			BatchID:   batch.ID,
			ContentID: c.content.ID,
			AuthorID:  c.content.AuthorID,
			Likes:     c.likes,
			Density:   c.density,
			Amount:    amount,
			Status:    models.RewardPending,
			CreatedAt: now,
		})
	}
	return out
}

func (p *Processor) paySubsidy(ctx context.Context, sub *models.Subsidy) error {
	if _, err := p.payer.Earn(ctx, sub.AuthorID, sub.Amount, models.EntrySubsidy,
		ledger.WithRef(models.RefPost, sub.ContentID),
		ledger.WithOperation("subsidy:"+sub.BatchID+"/"+sub.ContentID)); err != nil {
		return fmt.Errorf("failed to pay subsidy on %s: %w", sub.ContentID, err)
	}
	if err := p.store.MarkSubsidyPaid(ctx, sub.BatchID, sub.ContentID, p.now()); err != nil {
		return fmt.Errorf("failed to mark subsidy on %s paid: %w", sub.ContentID, err)
	}
	subsidiesPaid.Inc()
	return nil
}

// RunSubsidies runs Subsidize on every tick until ctx is cancelled
func (p *Processor) RunSubsidies(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := p.Subsidize(ctx, p.now())
			switch {
			case errors.Is(err, ErrNotLeader):
				p.logger.Debug("another instance is subsidizing")
			case err != nil:
				p.logger.Error("subsidy run failed", zap.Error(err))
			case !res.Skipped && res.Paid > 0:
				p.logger.Info("subsidies paid",
					zap.String("batch", res.BatchID),
					zap.Int("paid", res.Paid),
					zap.Int64("distributed", res.Distributed))
			}
		}
	}
}
