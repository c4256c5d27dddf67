package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/models"
)

const batchColumns = `id, kind, before_ts, pool, fees, emission, pool_funds, reserve, item_count, distributed, status, created_at, settled_at`

func (s *Store) CreateBatch(ctx context.Context, b *models.SettlementBatch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	if b.Kind == "" {
		b.Kind = models.BatchSettlement
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID, b.Kind, b.Before, b.Pool, b.Fees, b.Emission, b.PoolFunds, b.Reserve, b.ItemCount, b.Distributed,
		b.Status, b.CreatedAt, nullTime(b.SettledAt))
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("batch %s: %w", b.ID, store.ErrConflict)
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *models.SettlementBatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_batches
		SET pool = $1, fees = $2, emission = $3, pool_funds = $4, reserve = $5, item_count = $6,
		    distributed = $7, status = $8, settled_at = $9
		WHERE id = $10`,
		b.Pool, b.Fees, b.Emission, b.PoolFunds, b.Reserve, b.ItemCount, b.Distributed, b.Status,
		nullTime(b.SettledAt), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, store.ErrNotFound)
	}
	return nil
}

func scanBatch(row scanner) (*models.SettlementBatch, error) {
	var b models.SettlementBatch
	var settled sql.NullTime
	err := row.Scan(&b.ID, &b.Kind, &b.Before, &b.Pool, &b.Fees, &b.Emission, &b.PoolFunds, &b.Reserve,
		&b.ItemCount, &b.Distributed, &b.Status, &b.CreatedAt, &settled)
	if err != nil {
		return nil, err
	}
	b.SettledAt = timePtr(settled)
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*models.SettlementBatch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM settlement_batches WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "batch", id)
	}
	return b, nil
}

func (s *Store) ListOpenBatches(ctx context.Context) ([]*models.SettlementBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM settlement_batches
		WHERE status = 'pending'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open batches: %w", err)
	}
	defer rows.Close()

	var out []*models.SettlementBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) BatchPayouts(ctx context.Context, batchID string) (int, int64, error) {
	var (
		n     int
		total int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM content_rewards WHERE batch_id = $1)
		  + (SELECT COUNT(*) FROM subsidies WHERE batch_id = $1),
		  (SELECT COALESCE(SUM(author_reward), 0) FROM content_rewards WHERE batch_id = $1)
		  + (SELECT COALESCE(SUM(cr.amount), 0) FROM comment_rewards cr
		     JOIN content_rewards r ON r.content_id = cr.content_id WHERE r.batch_id = $1)
		  + (SELECT COALESCE(SUM(amount), 0) FROM subsidies WHERE batch_id = $1)`,
		batchID).Scan(&n, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum batch payouts: %w", err)
	}
	return n, total, nil
}

func (s *Store) InsertReward(ctx context.Context, r *models.ContentReward) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Status == "" {
		r.Status = models.RewardPending
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO content_rewards (content_id, batch_id, author_id, discovery_score, item_reward,
			                             author_reward, secondary_pool, status, created_at, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ContentID, r.BatchID, r.AuthorID, r.DiscoveryScore, r.ItemReward,
			r.AuthorReward, r.SecondaryPool, r.Status, r.CreatedAt, nullTime(r.SettledAt))
		if err != nil {
			if isUnique(err) {
				return fmt.Errorf("reward %s: %w", r.ContentID, store.ErrConflict)
			}
			return fmt.Errorf("failed to insert reward: %w", err)
		}
		for _, c := range r.Comments {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO comment_rewards (comment_id, content_id, author_id, discovery_score, amount)
				VALUES ($1, $2, $3, $4, $5)`,
				c.CommentID, r.ContentID, c.AuthorID, c.DiscoveryScore, c.Amount)
			if err != nil {
				if isUnique(err) {
					return fmt.Errorf("comment reward %s: %w", c.CommentID, store.ErrConflict)
				}
				return fmt.Errorf("failed to insert comment reward: %w", err)
			}
		}
		return nil
	})
}

const rewardColumns = `content_id, batch_id, author_id, discovery_score, item_reward,
	author_reward, secondary_pool, status, created_at, settled_at`

func scanReward(row scanner) (*models.ContentReward, error) {
	var r models.ContentReward
	var settled sql.NullTime
	err := row.Scan(&r.ContentID, &r.BatchID, &r.AuthorID, &r.DiscoveryScore, &r.ItemReward,
		&r.AuthorReward, &r.SecondaryPool, &r.Status, &r.CreatedAt, &settled)
	if err != nil {
		return nil, err
	}
	r.SettledAt = timePtr(settled)
	return &r, nil
}

func (s *Store) loadCommentRewards(ctx context.Context, r *models.ContentReward) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, content_id, author_id, discovery_score, amount
		FROM comment_rewards WHERE content_id = $1 ORDER BY comment_id`, r.ContentID)
	if err != nil {
		return fmt.Errorf("failed to load comment rewards: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.CommentReward
		if err := rows.Scan(&c.CommentID, &c.ContentID, &c.AuthorID, &c.DiscoveryScore, &c.Amount); err != nil {
			return fmt.Errorf("failed to scan comment reward: %w", err)
		}
		r.Comments = append(r.Comments, &c)
	}
	return rows.Err()
}

func (s *Store) GetReward(ctx context.Context, contentID string) (*models.ContentReward, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM content_rewards WHERE content_id = $1`, contentID)
	r, err := scanReward(row)
	if err != nil {
		return nil, notFound(err, "reward", contentID)
	}
	if err := s.loadCommentRewards(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) ListPendingRewards(ctx context.Context) ([]*models.ContentReward, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rewardColumns+` FROM content_rewards WHERE status = 'pending' ORDER BY content_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending rewards: %w", err)
	}
	var out []*models.ContentReward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range out {
		if err := s.loadCommentRewards(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) MarkRewardSettled(ctx context.Context, contentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_rewards SET status = 'settled', settled_at = $1
		WHERE content_id = $2 AND status = 'pending'`, at, contentID)
	if err != nil {
		return fmt.Errorf("failed to settle reward: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetReward(ctx, contentID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AddPoolFund(ctx context.Context, f *models.PoolFund) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	if f.Ref.Kind == "" {
		f.Ref.Kind = models.RefNone
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_funds (id, amount, source, ref_kind, ref_id, operation_id, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (operation_id) DO NOTHING`,
		f.ID, f.Amount, f.Source, f.Ref.Kind, f.Ref.ID, nullString(f.OperationID), nullString(f.BatchID), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add pool fund: %w", err)
	}
	return nil
}

func (s *Store) ClaimPoolFunds(ctx context.Context, batchID string, kind models.BatchKind) (int64, error) {
	claim := `UPDATE pool_funds SET batch_id = $1 WHERE batch_id IS NULL AND source <> $2`
	if kind == models.BatchSubsidy {
		claim = `UPDATE pool_funds SET batch_id = $1 WHERE batch_id IS NULL AND source = $2`
	}
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, claim, batchID, models.PoolForSubsidy); err != nil {
			return fmt.Errorf("failed to claim pool funds: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM pool_funds WHERE batch_id = $1`, batchID,
		).Scan(&total)
	})
	return total, err
}

func (s *Store) ReleasePoolFunds(ctx context.Context, batchID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		WITH released AS (
			UPDATE pool_funds SET batch_id = NULL WHERE batch_id = $1 RETURNING amount
		)
		SELECT COALESCE(SUM(amount), 0) FROM released`, batchID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to release pool funds: %w", err)
	}
	return total, nil
}

func (s *Store) UnclaimedPool(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM pool_funds WHERE batch_id IS NULL`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pool: %w", err)
	}
	return total, nil
}

// Subsidies

const subsidyColumns = `batch_id, content_id, author_id, likes, density, amount, status, created_at, settled_at`

func (s *Store) InsertSubsidies(ctx context.Context, subsidies []*models.Subsidy) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sub := range subsidies {
			if sub.CreatedAt.IsZero() {
				sub.CreatedAt = s.now()
			}
			if sub.Status == "" {
				sub.Status = models.RewardPending
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO subsidies (`+subsidyColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				sub.BatchID, sub.ContentID, sub.AuthorID, sub.Likes, sub.Density, sub.Amount,
				sub.Status, sub.CreatedAt, nullTime(sub.SettledAt))
			if err != nil {
				if isUnique(err) {
					return fmt.Errorf("subsidy %s/%s: %w", sub.BatchID, sub.ContentID, store.ErrConflict)
				}
				return fmt.Errorf("failed to insert subsidy: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListPendingSubsidies(ctx context.Context) ([]*models.Subsidy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subsidyColumns+` FROM subsidies
		WHERE status = 'pending'
		ORDER BY batch_id, content_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending subsidies: %w", err)
	}
	defer rows.Close()

	var out []*models.Subsidy
	for rows.Next() {
		var sub models.Subsidy
		var settled sql.NullTime
		if err := rows.Scan(&sub.BatchID, &sub.ContentID, &sub.AuthorID, &sub.Likes, &sub.Density,
			&sub.Amount, &sub.Status, &sub.CreatedAt, &settled); err != nil {
			return nil, fmt.Errorf("failed to scan subsidy: %w", err)
		}
		sub.SettledAt = timePtr(settled)
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *Store) MarkSubsidyPaid(ctx context.Context, batchID, contentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subsidies SET status = 'settled', settled_at = $1
		WHERE batch_id = $2 AND content_id = $3 AND status = 'pending'`, at, batchID, contentID)
	if err != nil {
		return fmt.Errorf("failed to mark subsidy paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subsidies WHERE batch_id = $1 AND content_id = $2)`,
		batchID, contentID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up subsidy: %w", err)
	}
	if !exists {
		return fmt.Errorf("subsidy %s/%s: %w", batchID, contentID, store.ErrNotFound)
	}
	return nil
}

// Challenges

const challengeColumns = `id, content_id, content_kind, challenger_id, author_id, reason, fee_paid,
	fine_amount, fine_collected, challenger_reward, author_compensation, pool_share,
	verdict, oracle, oracle_reason, confidence, created_at, resolved_at`

func (s *Store) ReserveChallenge(ctx context.Context, c *models.Challenge) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Verdict == "" {
		c.Verdict = models.VerdictPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		c.ID, c.ContentID, c.ContentKind, c.ChallengerID, c.AuthorID, c.Reason, c.FeePaid,
		c.FineAmount, c.FineCollected, c.ChallengerWin, c.AuthorComp, c.PoolShare,
		c.Verdict, c.Oracle, c.OracleReason, c.Confidence, c.CreatedAt, nullTime(c.ResolvedAt))
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("challenge on %s: %w", c.ContentID, store.ErrConflict)
		}
		return fmt.Errorf("failed to reserve challenge: %w", err)
	}
	return nil
}

func (s *Store) ReleaseChallenge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = $1 AND verdict = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to release challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("challenge %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateChallenge(ctx context.Context, c *models.Challenge) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges
		SET fee_paid = $1, fine_amount = $2, fine_collected = $3, challenger_reward = $4,
		    author_compensation = $5, pool_share = $6, verdict = $7, oracle = $8,
		    oracle_reason = $9, confidence = $10, resolved_at = $11
		WHERE id = $12`,
		c.FeePaid, c.FineAmount, c.FineCollected, c.ChallengerWin, c.AuthorComp, c.PoolShare,
		c.Verdict, c.Oracle, c.OracleReason, c.Confidence, nullTime(c.ResolvedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("challenge %s: %w", c.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	var c models.Challenge
	var resolved sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id).Scan(
		&c.ID, &c.ContentID, &c.ContentKind, &c.ChallengerID, &c.AuthorID, &c.Reason, &c.FeePaid,
		&c.FineAmount, &c.FineCollected, &c.ChallengerWin, &c.AuthorComp, &c.PoolShare,
		&c.Verdict, &c.Oracle, &c.OracleReason, &c.Confidence, &c.CreatedAt, &resolved)
	if err != nil {
		return nil, notFound(err, "challenge", id)
	}
	c.ResolvedAt = timePtr(resolved)
	return &c, nil
}

func (s *Store) CountGuilty(ctx context.Context, authorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM challenges WHERE author_id = $1 AND verdict = 'guilty'`, authorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count verdicts: %w", err)
	}
	return n, nil
}

// Cabals

func (s *Store) CreateCabal(ctx context.Context, g *models.CabalGroup) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cabal_groups (id, members, detected, detected_at, ratio, seizure_rate, penalized, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, pq.Array(g.Members), g.Detected, nullTime(g.DetectedAt), g.Ratio, g.SeizureRate,
		pq.Array(nonNil(g.Penalized)), g.CreatedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("cabal %s: %w", g.ID, store.ErrConflict)
		}
		return fmt.Errorf("failed to create cabal: %w", err)
	}
	return nil
}

func (s *Store) ListUndetected(ctx context.Context) ([]*models.CabalGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, members, detected, detected_at, ratio, seizure_rate, penalized, created_at
		FROM cabal_groups WHERE NOT detected ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cabals: %w", err)
	}
	defer rows.Close()

	var out []*models.CabalGroup
	for rows.Next() {
		var g models.CabalGroup
		var detectedAt sql.NullTime
		if err := rows.Scan(&g.ID, pq.Array(&g.Members), &g.Detected, &detectedAt,
			&g.Ratio, &g.SeizureRate, pq.Array(&g.Penalized), &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cabal: %w", err)
		}
		g.DetectedAt = timePtr(detectedAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *Store) MarkDetected(ctx context.Context, g *models.CabalGroup) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cabal_groups SET detected = TRUE, detected_at = $1, ratio = $2, seizure_rate = $3
		WHERE id = $4 AND NOT detected`,
		nullTime(g.DetectedAt), g.Ratio, g.SeizureRate, g.ID)
	if err != nil {
		return fmt.Errorf("failed to mark cabal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cabal %s: %w", g.ID, store.ErrConflict)
	}
	return nil
}

func (s *Store) MarkPenalized(ctx context.Context, g *models.CabalGroup, accountID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cabal_groups SET ratio = $1, seizure_rate = $2,
			penalized = CASE WHEN $3::text = ANY(penalized) THEN penalized ELSE array_append(penalized, $3::text) END
		WHERE id = $4`,
		g.Ratio, g.SeizureRate, accountID, g.ID)
	if err != nil {
		return fmt.Errorf("failed to mark cabal member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cabal %s: %w", g.ID, store.ErrNotFound)
	}
	return nil
}
