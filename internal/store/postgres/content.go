package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/models"
)

const contentColumns = `id, author_id, kind, parent_id, body, cost_paid, status, created_at`

func scanContent(row scanner) (*models.Content, error) {
	var c models.Content
	err := row.Scan(&c.ID, &c.AuthorID, &c.Kind, &c.ParentID, &c.Body, &c.CostPaid, &c.Status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) queryContents(ctx context.Context, query string, args ...any) ([]*models.Content, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contents: %w", err)
	}
	defer rows.Close()

	var out []*models.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateContent(ctx context.Context, c *models.Content) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Status == "" {
		c.Status = models.StatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contents (`+contentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.AuthorID, c.Kind, c.ParentID, c.Body, c.CostPaid, c.Status, c.CreatedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("content %s: %w", c.ID, store.ErrConflict)
		}
		return fmt.Errorf("failed to create content: %w", err)
	}
	return nil
}

func (s *Store) GetContent(ctx context.Context, id string) (*models.Content, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM contents WHERE id = $1`, id)
	c, err := scanContent(row)
	if err != nil {
		return nil, notFound(err, "content", id)
	}
	return c, nil
}

func (s *Store) SetContentStatus(ctx context.Context, id string, status models.ContentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contents SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("content %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListMatured(ctx context.Context, before time.Time) ([]*models.Content, error) {
	return s.queryContents(ctx, `
		SELECT `+contentColumns+` FROM contents c
		WHERE c.kind = 'post' AND c.status = 'active' AND c.created_at <= $1
		  AND NOT EXISTS (SELECT 1 FROM content_rewards r WHERE r.content_id = c.id)
		ORDER BY c.created_at, c.id`, before)
}

func (s *Store) ListComments(ctx context.Context, postID string) ([]*models.Content, error) {
	return s.queryContents(ctx, `
		SELECT `+contentColumns+` FROM contents
		WHERE kind = 'comment' AND parent_id = $1 AND status = 'active'
		ORDER BY created_at, id`, postID)
}

func (s *Store) ListByAuthor(ctx context.Context, authorID string, limit int) ([]*models.Content, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryContents(ctx, `
		SELECT `+contentColumns+` FROM contents
		WHERE author_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, authorID, limit)
}

func (s *Store) ListPosts(ctx context.Context, from, to time.Time) ([]*models.Content, error) {
	return s.queryContents(ctx, `
		SELECT `+contentColumns+` FROM contents
		WHERE kind = 'post' AND status = 'active' AND created_at BETWEEN $1 AND $2
		ORDER BY created_at, id`, from, to)
}

// Social

func (s *Store) AddLike(ctx context.Context, l *models.Like) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO likes (content_id, user_id, fee_paid, circle_admit, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		l.ContentID, l.UserID, l.FeePaid, l.CircleAdmit, l.CreatedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("like %s/%s: %w", l.ContentID, l.UserID, store.ErrConflict)
		}
		return fmt.Errorf("failed to add like: %w", err)
	}
	return nil
}

func (s *Store) ListLikes(ctx context.Context, contentID string) ([]*models.Like, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id, user_id, fee_paid, circle_admit, created_at
		FROM likes WHERE content_id = $1
		ORDER BY created_at, user_id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list likes: %w", err)
	}
	defer rows.Close()

	var out []*models.Like
	for rows.Next() {
		var l models.Like
		if err := rows.Scan(&l.ContentID, &l.UserID, &l.FeePaid, &l.CircleAdmit, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan like: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) AddFollow(ctx context.Context, f *models.Follow) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follows (follower_id, followee_id, created_at) VALUES ($1, $2, $3)`,
		f.FollowerID, f.FolloweeID, f.CreatedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("follow %s->%s: %w", f.FollowerID, f.FolloweeID, store.ErrConflict)
		}
		return fmt.Errorf("failed to add follow: %w", err)
	}
	return nil
}

func (s *Store) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM follows WHERE follower_id = $1 AND followee_id = $2)`,
		followerID, followeeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check follow: %w", err)
	}
	return exists, nil
}

func (s *Store) RecordInteraction(ctx context.Context, i *models.Interaction) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, actor_id, target_id, kind, content_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		i.ID, i.ActorID, i.TargetID, i.Kind, i.ContentID, i.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

func (s *Store) CountInteractions(ctx context.Context, actorID, targetID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interactions
		WHERE actor_id = $1 AND target_id = $2 AND created_at >= $3 AND created_at < $4`,
		actorID, targetID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}
	return n, nil
}

func (s *Store) InteractionCounts(ctx context.Context, actorID string, from, to time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, COUNT(*) FROM interactions
		WHERE actor_id = $1 AND target_id <> $1 AND created_at >= $2 AND created_at < $3
		GROUP BY target_id`, actorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count interactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var target string
		var n int
		if err := rows.Scan(&target, &n); err != nil {
			return nil, fmt.Errorf("failed to scan interaction count: %w", err)
		}
		counts[target] = n
	}
	return counts, rows.Err()
}
