package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/models"
)

func cloneReward(r *models.ContentReward) *models.ContentReward {
	c := *r
	c.Comments = make([]*models.CommentReward, len(r.Comments))
	for i, cr := range r.Comments {
		cc := *cr
		c.Comments[i] = &cc
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

func (s *Store) CreateBatch(ctx context.Context, b *models.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch %s: %w", b.ID, store.ErrConflict)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	stored := *b
	s.batches[b.ID] = &stored
	return nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *models.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; !ok {
		return fmt.Errorf("batch %s: %w", b.ID, store.ErrNotFound)
	}
	stored := *b
	s.batches[b.ID] = &stored
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*models.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	out := *b
	return &out, nil
}

func (s *Store) InsertReward(ctx context.Context, r *models.ContentReward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rewards[r.ContentID]; exists {
		return fmt.Errorf("reward %s: %w", r.ContentID, store.ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Status == "" {
		r.Status = models.RewardPending
	}
	s.rewards[r.ContentID] = cloneReward(r)
	return nil
}

func (s *Store) GetReward(ctx context.Context, contentID string) (*models.ContentReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rewards[contentID]
	if !ok {
		return nil, fmt.Errorf("reward %s: %w", contentID, store.ErrNotFound)
	}
	return cloneReward(r), nil
}

func (s *Store) ListPendingRewards(ctx context.Context) ([]*models.ContentReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ContentReward
	for _, r := range s.rewards {
		if r.Status == models.RewardPending {
			out = append(out, cloneReward(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out, nil
}

func (s *Store) MarkRewardSettled(ctx context.Context, contentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rewards[contentID]
	if !ok {
		return fmt.Errorf("reward %s: %w", contentID, store.ErrNotFound)
	}
	if r.Status == models.RewardSettled {
		return nil
	}
	r.Status = models.RewardSettled
	r.SettledAt = &at
	return nil
}

func (s *Store) AddPoolFund(ctx context.Context, f *models.PoolFund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.OperationID != "" {
		if _, seen := s.poolOps[f.OperationID]; seen {
			return nil
		}
		s.poolOps[f.OperationID] = struct{}{}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	stored := *f
	s.pool = append(s.pool, &stored)
	return nil
}

func (s *Store) ClaimPoolFunds(ctx context.Context, batchID string, kind models.BatchKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, f := range s.pool {
		if f.BatchID == "" && (f.Source == models.PoolForSubsidy) == (kind == models.BatchSubsidy) {
			f.BatchID = batchID
		}
		if f.BatchID == batchID {
			total += f.Amount
		}
	}
	return total, nil
}

func (s *Store) ReleasePoolFunds(ctx context.Context, batchID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, f := range s.pool {
		if f.BatchID == batchID {
			f.BatchID = ""
			total += f.Amount
		}
	}
	return total, nil
}

func (s *Store) UnclaimedPool(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, f := range s.pool {
		if f.BatchID == "" {
			total += f.Amount
		}
	}
	return total, nil
}

func (s *Store) ListOpenBatches(ctx context.Context) ([]*models.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SettlementBatch
	for _, b := range s.batches {
		if b.Status == models.RewardPending {
			bb := *b
			out = append(out, &bb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) BatchPayouts(ctx context.Context, batchID string) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		n     int
		total int64
	)
	for _, r := range s.rewards {
		if r.BatchID == batchID {
			n++
			total += r.Total()
		}
	}
	for _, sub := range s.subsidies {
		if sub.BatchID == batchID {
			n++
			total += sub.Amount
		}
	}
	return n, total, nil
}

func subsidyKey(batchID, contentID string) string {
	return batchID + "/" + contentID
}

func (s *Store) InsertSubsidies(ctx context.Context, subsidies []*models.Subsidy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range subsidies {
		if _, exists := s.subsidies[subsidyKey(sub.BatchID, sub.ContentID)]; exists {
			return fmt.Errorf("subsidy %s: %w", subsidyKey(sub.BatchID, sub.ContentID), store.ErrConflict)
		}
	}
	for _, sub := range subsidies {
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = s.now()
		}
		if sub.Status == "" {
			sub.Status = models.RewardPending
		}
		stored := *sub
		s.subsidies[subsidyKey(sub.BatchID, sub.ContentID)] = &stored
	}
	return nil
}

func (s *Store) ListPendingSubsidies(ctx context.Context) ([]*models.Subsidy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Subsidy
	for _, sub := range s.subsidies {
		if sub.Status == models.RewardPending {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return subsidyKey(out[i].BatchID, out[i].ContentID) < subsidyKey(out[j].BatchID, out[j].ContentID)
	})
	return out, nil
}

func (s *Store) MarkSubsidyPaid(ctx context.Context, batchID, contentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subsidies[subsidyKey(batchID, contentID)]
	if !ok {
		return fmt.Errorf("subsidy %s: %w", subsidyKey(batchID, contentID), store.ErrNotFound)
	}
	if sub.Status == models.RewardSettled {
		return nil
	}
	sub.Status = models.RewardSettled
	sub.SettledAt = &at
	return nil
}

// Challenges

func (s *Store) ReserveChallenge(ctx context.Context, c *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.activeChal[c.ContentID]; active {
		return fmt.Errorf("challenge on %s: %w", c.ContentID, store.ErrConflict)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Verdict == "" {
		c.Verdict = models.VerdictPending
	}
	stored := *c
	s.challenges[c.ID] = &stored
	s.activeChal[c.ContentID] = c.ID
	return nil
}

func (s *Store) ReleaseChallenge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, store.ErrNotFound)
	}
	if s.activeChal[c.ContentID] == id {
		delete(s.activeChal, c.ContentID)
	}
	delete(s.challenges, id)
	return nil
}

func (s *Store) UpdateChallenge(ctx context.Context, c *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[c.ID]; !ok {
		return fmt.Errorf("challenge %s: %w", c.ID, store.ErrNotFound)
	}
	stored := *c
	s.challenges[c.ID] = &stored
	// a dismissed challenge frees the content for a new one
	if c.Verdict == models.VerdictNotGuilty && s.activeChal[c.ContentID] == c.ID {
		delete(s.activeChal, c.ContentID)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, store.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (s *Store) CountGuilty(ctx context.Context, authorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.challenges {
		if c.AuthorID == authorID && c.Verdict == models.VerdictGuilty {
			n++
		}
	}
	return n, nil
}

// Cabals

func (s *Store) CreateCabal(ctx context.Context, g *models.CabalGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	stored := *g
	stored.Members = append([]string(nil), g.Members...)
	stored.Penalized = append([]string(nil), g.Penalized...)
	s.cabals[g.ID] = &stored
	return nil
}

func (s *Store) ListUndetected(ctx context.Context) ([]*models.CabalGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CabalGroup
	for _, g := range s.cabals {
		if !g.Detected {
			c := *g
			c.Members = append([]string(nil), g.Members...)
			c.Penalized = append([]string(nil), g.Penalized...)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkDetected(ctx context.Context, g *models.CabalGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.cabals[g.ID]
	if !ok {
		return fmt.Errorf("cabal %s: %w", g.ID, store.ErrNotFound)
	}
	if stored.Detected {
		return fmt.Errorf("cabal %s: %w", g.ID, store.ErrConflict)
	}
	stored.Detected = true
	stored.DetectedAt = g.DetectedAt
	stored.Ratio = g.Ratio
	stored.SeizureRate = g.SeizureRate
	return nil
}

func (s *Store) MarkPenalized(ctx context.Context, g *models.CabalGroup, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.cabals[g.ID]
	if !ok {
		return fmt.Errorf("cabal %s: %w", g.ID, store.ErrNotFound)
	}
	stored.Ratio = g.Ratio
	stored.SeizureRate = g.SeizureRate
	if !stored.IsPenalized(accountID) {
		stored.Penalized = append(stored.Penalized, accountID)
	}
	return nil
}
