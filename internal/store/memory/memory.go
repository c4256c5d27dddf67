// Package memory is an in-process store.Store used by tests, simulations
// and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/pkg/models"
)

type followKey struct{ follower, followee string }

type likeKey struct{ content, user string }

// Store keeps every table in maps guarded by one RWMutex, which serializes
// all mutations including per-account balance changes.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]*models.Account
	entries      map[string][]*models.LedgerEntry
	operations   map[string]*models.LedgerEntry
	contents     map[string]*models.Content
	likes        map[string][]*models.Like
	likeIndex    map[likeKey]struct{}
	follows      map[followKey]*models.Follow
	interactions map[string][]*models.Interaction
	batches      map[string]*models.SettlementBatch
	rewards      map[string]*models.ContentReward
	subsidies    map[string]*models.Subsidy
	pool         []*models.PoolFund
	poolOps      map[string]struct{}
	challenges   map[string]*models.Challenge
	activeChal   map[string]string
	cabals       map[string]*models.CabalGroup

	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		accounts:     make(map[string]*models.Account),
		entries:      make(map[string][]*models.LedgerEntry),
		operations:   make(map[string]*models.LedgerEntry),
		contents:     make(map[string]*models.Content),
		likes:        make(map[string][]*models.Like),
		likeIndex:    make(map[likeKey]struct{}),
		follows:      make(map[followKey]*models.Follow),
		interactions: make(map[string][]*models.Interaction),
		batches:      make(map[string]*models.SettlementBatch),
		rewards:      make(map[string]*models.ContentReward),
		subsidies:    make(map[string]*models.Subsidy),
		poolOps:      make(map[string]struct{}),
		challenges:   make(map[string]*models.Challenge),
		activeChal:   make(map[string]string),
		cabals:       make(map[string]*models.CabalGroup),
		now:          time.Now,
	}
}

// WithClock replaces the clock used for generated timestamps
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Accounts

func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.Balance != 0 {
		return store.ErrBalanceImmutable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, store.ErrConflict)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.UpdatedAt = a.CreatedAt
	a.Version = 1
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Store) ListAccountIDs(ctx context.Context, after string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) UpdateAccount(ctx context.Context, id string, fn func(a *models.Account) error) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Balance != current.Balance {
		return nil, store.ErrBalanceImmutable
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	s.accounts[id] = next
	return next.Clone(), nil
}

// Entries

func (s *Store) AppendEntry(ctx context.Context, e *models.LedgerEntry) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.OperationID != "" {
		if prior, ok := s.operations[e.OperationID]; ok {
			c := *prior
			return &c, store.ErrDuplicateOperation
		}
	}
	a, ok := s.accounts[e.AccountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", e.AccountID, store.ErrNotFound)
	}
	balance := a.Balance + e.Amount
	if balance < 0 {
		return nil, store.ErrInsufficientBalance
	}

	stored := *e
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.Ref.Kind == "" {
		stored.Ref.Kind = models.RefNone
	}
	stored.BalanceAfter = balance

	next := a.Clone()
	next.Balance = balance
	next.Version++
	next.UpdatedAt = stored.CreatedAt
	s.accounts[a.ID] = next
	s.entries[a.ID] = append(s.entries[a.ID], &stored)
	if stored.OperationID != "" {
		s.operations[stored.OperationID] = &stored
	}

	out := stored
	return &out, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string, f store.EntryFilter) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	all := s.entries[accountID]
	out := make([]*models.LedgerEntry, 0, len(all))
	// newest first
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.entries[accountID] {
		sum += e.Amount
	}
	return sum, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Contents

func (s *Store) CreateContent(ctx context.Context, c *models.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.contents[c.ID]; exists {
		return fmt.Errorf("content %s: %w", c.ID, store.ErrConflict)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Status == "" {
		c.Status = models.StatusActive
	}
	stored := *c
	s.contents[c.ID] = &stored
	return nil
}

func (s *Store) GetContent(ctx context.Context, id string) (*models.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contents[id]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, store.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (s *Store) SetContentStatus(ctx context.Context, id string, status models.ContentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contents[id]
	if !ok {
		return fmt.Errorf("content %s: %w", id, store.ErrNotFound)
	}
	c.Status = status
	return nil
}

func (s *Store) ListMatured(ctx context.Context, before time.Time) ([]*models.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Content
	for _, c := range s.contents {
		if c.Kind != models.KindPost || c.Status != models.StatusActive || c.CreatedAt.After(before) {
			continue
		}
		if _, rewarded := s.rewards[c.ID]; rewarded {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}
	sortContent(out)
	return out, nil
}

func (s *Store) ListComments(ctx context.Context, postID string) ([]*models.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Content
	for _, c := range s.contents {
		if c.Kind == models.KindComment && c.ParentID == postID && c.Status == models.StatusActive {
			cc := *c
			out = append(out, &cc)
		}
	}
	sortContent(out)
	return out, nil
}

func (s *Store) ListByAuthor(ctx context.Context, authorID string, limit int) ([]*models.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Content
	for _, c := range s.contents {
		if c.AuthorID == authorID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sortContent(out)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return paginate(out, 0, limit), nil
}

func (s *Store) ListPosts(ctx context.Context, from, to time.Time) ([]*models.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Content
	for _, c := range s.contents {
		if c.Kind != models.KindPost || c.Status != models.StatusActive {
			continue
		}
		if c.CreatedAt.Before(from) || c.CreatedAt.After(to) {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}
	sortContent(out)
	return out, nil
}

func sortContent(items []*models.Content) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// Social

func (s *Store) AddLike(ctx context.Context, l *models.Like) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := likeKey{l.ContentID, l.UserID}
	if _, exists := s.likeIndex[key]; exists {
		return fmt.Errorf("like %s/%s: %w", l.ContentID, l.UserID, store.ErrConflict)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	stored := *l
	s.likeIndex[key] = struct{}{}
	s.likes[l.ContentID] = append(s.likes[l.ContentID], &stored)
	return nil
}

func (s *Store) ListLikes(ctx context.Context, contentID string) ([]*models.Like, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.likes[contentID]
	out := make([]*models.Like, len(src))
	for i, l := range src {
		c := *l
		out[i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AddFollow(ctx context.Context, f *models.Follow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := followKey{f.FollowerID, f.FolloweeID}
	if _, exists := s.follows[key]; exists {
		return fmt.Errorf("follow %s->%s: %w", f.FollowerID, f.FolloweeID, store.ErrConflict)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	stored := *f
	s.follows[key] = &stored
	return nil
}

func (s *Store) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.follows[followKey{followerID, followeeID}]
	return ok, nil
}

func (s *Store) RecordInteraction(ctx context.Context, i *models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = s.now()
	}
	stored := *i
	s.interactions[i.ActorID] = append(s.interactions[i.ActorID], &stored)
	return nil
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (s *Store) CountInteractions(ctx context.Context, actorID, targetID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, i := range s.interactions[actorID] {
		if i.TargetID == targetID && inWindow(i.CreatedAt, from, to) {
			n++
		}
	}
	return n, nil
}

func (s *Store) InteractionCounts(ctx context.Context, actorID string, from, to time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, i := range s.interactions[actorID] {
		if i.TargetID != actorID && inWindow(i.CreatedAt, from, to) {
			counts[i.TargetID]++
		}
	}
	return counts, nil
}
