package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/ledger"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/messaging"
	"github.com/terminal-bench/satengine/pkg/models"
	"github.com/terminal-bench/satengine/pkg/sats"
)

// Store is the subset of store.Store used by settlement
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	store.Contents
	ListLikes(ctx context.Context, contentID string) ([]*models.Like, error)
	store.Rewards
}

// Scorer computes discovery scores as of a snapshot time
type Scorer interface {
	ScoreMany(ctx context.Context, ids []string, asOf time.Time) (map[string]float64, error)
}

// Payer credits rewards and returns undistributed sats to the pool
type Payer interface {
	Earn(ctx context.Context, accountID string, amount int64, kind models.EntryKind, opts ...ledger.Option) (*models.LedgerEntry, error)
	ToPool(ctx context.Context, amount int64, source models.PoolSource, ref models.Ref, operationID string) error
}

// TrustUpdater applies reputation deltas
type TrustUpdater interface {
	UpdateCreator(ctx context.Context, accountID string, delta float64, reason string) (float64, error)
	UpdateCurator(ctx context.Context, accountID string, delta float64, reason string) (float64, error)
}

// Reporter records finished batches outside the store
type Reporter interface {
	Report(ctx context.Context, b *models.SettlementBatch) error
}

// Result summarises one SettleMatured call
type Result struct {
	BatchID      string `json:"batch_id,omitempty"`
	ItemsSettled int    `json:"items_settled"`
	ItemsFailed  int    `json:"items_failed"`
	Pool         int64  `json:"pool"`
	Distributed  int64  `json:"distributed"`
	Carryover    int64  `json:"carryover"`
	Resumed      int    `json:"resumed"`
	Recovered    int    `json:"recovered"`
}

// Processor converts matured engagement into rewards
type Processor struct {
	store     Store
	scorer    Scorer
	payer     Payer
	trust     TrustUpdater
	locker    Locker
	publisher messaging.Publisher
	reporter  Reporter
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor creates a processor. A nil locker serializes runs in
// process only; nil publisher and reporter are no-ops.
func NewProcessor(s Store, scorer Scorer, payer Payer, trust TrustUpdater, locker Locker,
	publisher messaging.Publisher, reporter Reporter, cfg Config, logger *zap.Logger) *Processor {
	if locker == nil {
		locker = &LocalLocker{}
	}
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AuthorShare <= 0 || cfg.AuthorShare > 1 {
		cfg.AuthorShare = 0.8
	}
	return &Processor{
		store:     s,
		scorer:    scorer,
		payer:     payer,
		trust:     trust,
		locker:    locker,
		publisher: publisher,
		reporter:  reporter,
		cfg:       cfg,
		logger:    logger.Named("settlement"),
		now:       time.Now,
	}
}

// WithClock replaces the processor clock
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// SettleMatured settles every active post created at or before before
// that has no reward yet. Running it again for the same cutoff is a no-op.
// Items that cannot be scored are left for a later run.
func (p *Processor) SettleMatured(ctx context.Context, before time.Time) (*Result, error) {
	release, err := p.locker.TryLock(ctx)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			runs.WithLabelValues("not_leader").Inc()
		}
		return nil, err
	}
	defer release()

	res := &Result{}
	if err := p.catchUp(ctx, res); err != nil {
		runs.WithLabelValues("error").Inc()
		return nil, err
	}

	items, err := p.store.ListMatured(ctx, before)
	if err != nil {
		runs.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list matured content: %w", err)
	}
	if len(items) == 0 {
		runs.WithLabelValues("empty").Inc()
		return res, nil
	}

	ids := make([]string, len(items))
	for i, c := range items {
		ids[i] = c.ID
	}
	scores, err := p.score(ctx, ids, before)
	if err != nil {
		runs.WithLabelValues("error").Inc()
		return nil, err
	}
	scored := items[:0]
	for _, c := range items {
		if _, ok := scores[c.ID]; ok {
			scored = append(scored, c)
			continue
		}
		res.ItemsFailed++
		itemFailures.Inc()
	}
	items = scored
	if len(items) == 0 {
		runs.WithLabelValues("error").Inc()
		return res, nil
	}

	batch, err := p.openBatch(ctx, before, items)
	if err != nil {
		runs.WithLabelValues("error").Inc()
		return nil, err
	}
	res.BatchID = batch.ID
	res.Pool = batch.Pool

	total := 0.0
	for _, s := range scores {
		total += s
	}
	pool := sats.FromInt(batch.Pool)
	threshold := topDecile(scores)

	var (
		allocated int64
		recorded  int
	)
	for _, c := range items {
		score := scores[c.ID]
		reward, err := p.settleItem(ctx, batch, c, pool.Portion(score, total), score, before)
		if reward != nil {
			recorded++
			allocated += reward.Total()
		}
		if err != nil {
			res.ItemsFailed++
			itemFailures.Inc()
			p.logger.Error("failed to settle item",
				zap.String("batch", batch.ID),
				zap.String("content", c.ID),
				zap.Error(err))
			continue
		}
		if reward == nil {
			continue
		}
		res.ItemsSettled++
		res.Distributed += reward.Total()
		p.applyTrust(ctx, c, reward, threshold)
	}

	if recorded == 0 {
		res.Pool = 0
		if err := p.abandon(ctx, batch); err != nil {
			runs.WithLabelValues("error").Inc()
			return res, err
		}
		runs.WithLabelValues("abandoned").Inc()
		return res, nil
	}

	// flooring dust and unscored shares go back to the pool
	res.Carryover, err = p.returnUnallocated(ctx, batch, allocated)
	if err != nil {
		runs.WithLabelValues("error").Inc()
		return res, err
	}
	if err := p.closeBatch(ctx, batch, res); err != nil {
		return res, err
	}
	runs.WithLabelValues("settled").Inc()
	return res, nil
}

// score scores ids in one call and falls back to one call per id when that
// fails. Ids that still fail are logged and left out of the result.
func (p *Processor) score(ctx context.Context, ids []string, asOf time.Time) (map[string]float64, error) {
	scores, err := p.scorer.ScoreMany(ctx, ids, asOf)
	if err == nil {
		return scores, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("failed to score content: %w", ctxErr)
	}
	p.logger.Warn("batch scoring failed, scoring items one by one",
		zap.Int("items", len(ids)),
		zap.Error(err))

	scores = make(map[string]float64, len(ids))
	for _, id := range ids {
		one, err := p.scorer.ScoreMany(ctx, []string{id}, asOf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("failed to score content: %w", ctxErr)
			}
			scoreFailures.Inc()
			p.logger.Error("failed to score content", zap.String("content", id), zap.Error(err))
			continue
		}
		scores[id] = one[id]
	}
	return scores, nil
}

// openBatch records the batch, claims the pool funds and persists the pool
// before any reward is written against it
func (p *Processor) openBatch(ctx context.Context, before time.Time, items []*models.Content) (*models.SettlementBatch, error) {
	batch := &models.SettlementBatch{
		ID:        uuid.NewString(),
		Kind:      models.BatchSettlement,
		Before:    before,
		ItemCount: len(items),
		Status:    models.RewardPending,
		CreatedAt: p.now(),
	}

	authors := make(map[string]struct{})
	for _, c := range items {
		authors[c.AuthorID] = struct{}{}
		fees, err := p.itemFees(ctx, c)
		if err != nil {
			return nil, err
		}
		batch.Fees += fees
	}
	batch.Emission = p.cfg.EmissionPerAuthor * int64(max(1, len(authors)))

	if err := p.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	claimed, err := p.store.ClaimPoolFunds(ctx, batch.ID, models.BatchSettlement)
	if err != nil {
		p.abandonQuietly(ctx, batch)
		return nil, fmt.Errorf("failed to claim pool funds: %w", err)
	}
	batch.PoolFunds = claimed
	batch.Reserve = sats.FloorMul(claimed, p.cfg.SubsidyShare)
	batch.Pool = batch.Fees + batch.Emission + batch.PoolFunds - batch.Reserve
	if err := p.store.UpdateBatch(ctx, batch); err != nil {
		p.abandonQuietly(ctx, batch)
		return nil, fmt.Errorf("failed to record pool of batch %s: %w", batch.ID, err)
	}
	lastPool.Set(float64(batch.Pool))
	return batch, nil
}

// returnUnallocated sends what a batch did not allocate back to the pool,
// and its subsidy reserve to the subsidy fund. Operation ids make a repeat
// after a crash a no-op.
func (p *Processor) returnUnallocated(ctx context.Context, batch *models.SettlementBatch, allocated int64) (int64, error) {
	ref := models.Ref{Kind: models.RefBatch, ID: batch.ID}
	source := models.PoolFromCarryover
	if batch.Kind == models.BatchSubsidy {
		source = models.PoolForSubsidy
	}
	carryover := batch.Pool - allocated
	if carryover > 0 {
		if err := p.payer.ToPool(ctx, carryover, source, ref, "batch:"+batch.ID+"/carryover"); err != nil {
			return 0, fmt.Errorf("failed to return carryover of batch %s: %w", batch.ID, err)
		}
	}
	if batch.Reserve > 0 {
		if err := p.payer.ToPool(ctx, batch.Reserve, models.PoolForSubsidy, ref, "batch:"+batch.ID+"/subsidy"); err != nil {
			return carryover, fmt.Errorf("failed to reserve subsidy of batch %s: %w", batch.ID, err)
		}
	}
	return carryover, nil
}

// abandon gives the claimed pool funds back and closes a batch that paid
// nothing. Its items stay unrewarded for the next run.
func (p *Processor) abandon(ctx context.Context, batch *models.SettlementBatch) error {
	released, err := p.store.ReleasePoolFunds(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to release pool funds of batch %s: %w", batch.ID, err)
	}
	now := p.now()
	batch.Pool, batch.Fees, batch.Emission, batch.PoolFunds, batch.Reserve, batch.Distributed = 0, 0, 0, 0, 0, 0
	batch.Status = models.RewardSettled
	batch.SettledAt = &now
	if err := p.store.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to close batch %s: %w", batch.ID, err)
	}
	p.logger.Warn("batch abandoned",
		zap.String("batch", batch.ID),
		zap.String("kind", string(batch.Kind)),
		zap.Int64("released", released))
	return nil
}

// abandonQuietly is abandon on an error path; a batch it cannot close is
// recovered by the next run
func (p *Processor) abandonQuietly(ctx context.Context, batch *models.SettlementBatch) {
	if err := p.abandon(ctx, batch); err != nil {
		p.logger.Error("failed to abandon batch", zap.String("batch", batch.ID), zap.Error(err))
	}
}

// itemFees is what the post and its top-level comments cost to publish
func (p *Processor) itemFees(ctx context.Context, c *models.Content) (int64, error) {
	fees := c.CostPaid
	comments, err := p.store.ListComments(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list comments of %s: %w", c.ID, err)
	}
	for _, cm := range comments {
		fees += cm.CostPaid
	}
	return fees, nil
}

// settleItem records and pays one item. The reward is returned once it is
// recorded, even if paying it failed; nil means another run owns it.
func (p *Processor) settleItem(ctx context.Context, batch *models.SettlementBatch, c *models.Content,
	item sats.Share, score float64, before time.Time) (*models.ContentReward, error) {
	reward := &models.ContentReward{
		ContentID:      c.ID,
		BatchID:        batch.ID,
		AuthorID:       c.AuthorID,
		DiscoveryScore: score,
		ItemReward:     item.String(),
		Status:         models.RewardPending,
		CreatedAt:      p.now(),
	}

	author := item.MulFloat(p.cfg.AuthorShare)
	secondary := item.Sub(author)
	comments, err := p.commentRewards(ctx, c, secondary, before)
	if err != nil {
		return nil, err
	}
	if len(comments) > 0 {
		reward.AuthorReward = author.Floor()
		reward.SecondaryPool = secondary.Floor()
		reward.Comments = comments
	} else {
		reward.AuthorReward = item.Floor()
	}

	if err := p.store.InsertReward(ctx, reward); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to insert reward: %w", err)
	}
	if err := p.pay(ctx, reward); err != nil {
		return reward, err
	}
	itemsSettled.Inc()
	distributed.Add(float64(reward.Total()))
	return reward, nil
}

func (p *Processor) commentRewards(ctx context.Context, c *models.Content, secondary sats.Share, before time.Time) ([]*models.CommentReward, error) {
	comments, err := p.store.ListComments(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments of %s: %w", c.ID, err)
	}
	if len(comments) == 0 {
		return nil, nil
	}

	ids := make([]string, len(comments))
	for i, cm := range comments {
		ids[i] = cm.ID
	}
	scores, err := p.score(ctx, ids, before)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, s := range scores {
		total += s
	}
	if total <= 0 {
		return nil, nil
	}

	var out []*models.CommentReward
	for _, cm := range comments {
		cs, ok := scores[cm.ID]
		if !ok || cs <= 0 {
			continue
		}
		out = append(out, &models.CommentReward{
			CommentID:      cm.ID,
			ContentID:      c.ID,
			AuthorID:       cm.AuthorID,
			DiscoveryScore: cs,
			Amount:         secondary.Portion(cs, total).Floor(),
		})
	}
	return out, nil
}

// pay credits every leg of a reward and marks it settled. Each leg has its
// own operation id so a resumed payout skips legs already applied.
func (p *Processor) pay(ctx context.Context, r *models.ContentReward) error {
	if r.AuthorReward > 0 {
		if _, err := p.payer.Earn(ctx, r.AuthorID, r.AuthorReward, models.EntryRewardPost,
			ledger.WithRef(models.RefPost, r.ContentID),
			ledger.WithOperation("reward:"+r.ContentID+"/author")); err != nil {
			return fmt.Errorf("failed to pay author of %s: %w", r.ContentID, err)
		}
	}
	for _, cr := range r.Comments {
		if cr.Amount <= 0 {
			continue
		}
		if _, err := p.payer.Earn(ctx, cr.AuthorID, cr.Amount, models.EntryRewardComment,
			ledger.WithRef(models.RefComment, cr.CommentID),
			ledger.WithOperation("reward:"+cr.CommentID+"/comment")); err != nil {
			return fmt.Errorf("failed to pay comment %s: %w", cr.CommentID, err)
		}
	}
	if err := p.store.MarkRewardSettled(ctx, r.ContentID, p.now()); err != nil {
		return fmt.Errorf("failed to mark %s settled: %w", r.ContentID, err)
	}
	return nil
}

// catchUp finishes what an interrupted run left behind: pending rewards
// and subsidies are paid, then open batches are closed
func (p *Processor) catchUp(ctx context.Context, res *Result) error {
	resumed, err := p.resume(ctx)
	if err != nil {
		return err
	}
	res.Resumed = resumed
	recovered, err := p.recoverBatches(ctx)
	if err != nil {
		return err
	}
	res.Recovered = recovered
	return nil
}

// resume pays out rewards and subsidies left pending by an interrupted run
func (p *Processor) resume(ctx context.Context) (int, error) {
	pending, err := p.store.ListPendingRewards(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending rewards: %w", err)
	}
	n := 0
	for _, r := range pending {
		if err := p.pay(ctx, r); err != nil {
			p.logger.Error("failed to resume reward",
				zap.String("content", r.ContentID),
				zap.String("batch", r.BatchID),
				zap.Error(err))
			continue
		}
		n++
	}

	subsidies, err := p.store.ListPendingSubsidies(ctx)
	if err != nil {
		return n, fmt.Errorf("failed to list pending subsidies: %w", err)
	}
	for _, sub := range subsidies {
		if err := p.paySubsidy(ctx, sub); err != nil {
			p.logger.Error("failed to resume subsidy",
				zap.String("content", sub.ContentID),
				zap.String("batch", sub.BatchID),
				zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		p.logger.Info("resumed pending payouts", zap.Int("count", n))
	}
	return n, nil
}

// recoverBatches closes batches an interrupted run left open. A batch with
// nothing recorded gives its pool funds back; otherwise what it did not
// allocate is returned as a finished run would.
func (p *Processor) recoverBatches(ctx context.Context) (int, error) {
	open, err := p.store.ListOpenBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open batches: %w", err)
	}
	n := 0
	for _, b := range open {
		if err := p.recoverBatch(ctx, b); err != nil {
			p.logger.Error("failed to recover batch", zap.String("batch", b.ID), zap.Error(err))
			continue
		}
		batchesRecovered.Inc()
		n++
	}
	return n, nil
}

func (p *Processor) recoverBatch(ctx context.Context, b *models.SettlementBatch) error {
	count, allocated, err := p.store.BatchPayouts(ctx, b.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		return p.abandon(ctx, b)
	}
	res := &Result{BatchID: b.ID, ItemsSettled: count, Pool: b.Pool, Distributed: allocated}
	if res.Carryover, err = p.returnUnallocated(ctx, b, allocated); err != nil {
		return err
	}
	return p.closeBatch(ctx, b, res)
}

func (p *Processor) applyTrust(ctx context.Context, c *models.Content, r *models.ContentReward, threshold float64) {
	if p.trust == nil {
		return
	}
	score := r.DiscoveryScore
	var deltas []float64
	switch {
	case score > 0:
		deltas = append(deltas, p.cfg.RewardedBonus)
		if threshold > 0 && score >= threshold {
			deltas = append(deltas, min(max(float64(int(score)), p.cfg.TopDecileMin), p.cfg.TopDecileMax))
		}
	default:
		deltas = append(deltas, p.cfg.UnseenPenalty)
	}
	for _, d := range deltas {
		if _, err := p.trust.UpdateCreator(ctx, c.AuthorID, d, "settlement"); err != nil {
			p.logger.Warn("failed to update creator trust", zap.String("account", c.AuthorID), zap.Error(err))
		}
	}

	if r.Total() <= 0 {
		return
	}
	likes, err := p.store.ListLikes(ctx, c.ID)
	if err != nil {
		p.logger.Warn("failed to load likers", zap.String("content", c.ID), zap.Error(err))
		return
	}
	for _, l := range likes {
		if _, err := p.trust.UpdateCurator(ctx, l.UserID, p.cfg.CuratorCredit, "curated rewarded content"); err != nil {
			p.logger.Warn("failed to update curator trust", zap.String("account", l.UserID), zap.Error(err))
		}
	}
}

func (p *Processor) closeBatch(ctx context.Context, batch *models.SettlementBatch, res *Result) error {
	now := p.now()
	batch.Distributed = res.Distributed
	batch.Status = models.RewardSettled
	batch.SettledAt = &now
	if err := p.store.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to close batch %s: %w", batch.ID, err)
	}

	ev := messaging.SettlementEvent{
		BatchID:      batch.ID,
		ItemsSettled: res.ItemsSettled,
		Pool:         batch.Pool,
		Distributed:  batch.Distributed,
		Timestamp:    now,
	}
	if err := p.publisher.Publish(ctx, messaging.SubjectSettlementCompleted, ev); err != nil {
		p.logger.Warn("failed to publish settlement", zap.String("batch", batch.ID), zap.Error(err))
	}
	if p.reporter != nil {
		if err := p.reporter.Report(ctx, batch); err != nil {
			p.logger.Warn("failed to report batch", zap.String("batch", batch.ID), zap.Error(err))
		}
	}

	p.logger.Info("batch settled",
		zap.String("batch", batch.ID),
		zap.Int("items", res.ItemsSettled),
		zap.Int("failed", res.ItemsFailed),
		zap.Int64("pool", batch.Pool),
		zap.Int64("distributed", batch.Distributed))
	return nil
}

// topDecile is the score at index n/10 of the descending order
func topDecile(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := make([]float64, 0, len(scores))
	for _, s := range scores {
		sorted = append(sorted, s)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted[len(sorted)/10]
}

// Run settles on every tick until ctx is cancelled
func (p *Processor) Run(ctx context.Context, interval, maturity time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := p.SettleMatured(ctx, p.now().Add(-maturity))
			switch {
			case errors.Is(err, ErrNotLeader):
				p.logger.Debug("another instance is settling")
			case err != nil:
				p.logger.Error("settlement run failed", zap.Error(err))
			case res.BatchID != "":
				p.logger.Debug("settlement tick", zap.String("batch", res.BatchID))
			}
		}
	}
}
