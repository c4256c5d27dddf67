// Package store defines the persistence contract shared by the in-memory
// and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/terminal-bench/satengine/pkg/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateOperation  = errors.New("operation already applied")
	ErrBalanceImmutable    = errors.New("balance can only change through ledger entries")
)

// EntryFilter narrows ledger history queries
type EntryFilter struct {
	Kind   models.EntryKind
	Since  time.Time
	Limit  int
	Offset int
}

// Accounts stores account rows. UpdateAccount runs fn against the current
// row under the account's write lock; fn must not touch the balance.
type Accounts interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateAccount(ctx context.Context, id string, fn func(a *models.Account) error) (*models.Account, error)
	// ListAccountIDs pages through account ids in ascending order,
	// starting after the given id.
	ListAccountIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// Entries is the append-only ledger. AppendEntry locks the account, applies
// e.Amount to its balance and stores the entry with BalanceAfter set, or
// fails with ErrInsufficientBalance leaving nothing written. An entry whose
// OperationID was already used is not applied again: the stored entry is
// returned together with ErrDuplicateOperation.
type Entries interface {
	AppendEntry(ctx context.Context, e *models.LedgerEntry) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string, f EntryFilter) ([]*models.LedgerEntry, error)
	SumEntries(ctx context.Context, accountID string) (int64, error)
}

// Contents stores posts and comments
type Contents interface {
	CreateContent(ctx context.Context, c *models.Content) error
	GetContent(ctx context.Context, id string) (*models.Content, error)
	SetContentStatus(ctx context.Context, id string, status models.ContentStatus) error
	// ListMatured returns active posts created at or before the cutoff that
	// have no ContentReward yet, oldest first.
	ListMatured(ctx context.Context, before time.Time) ([]*models.Content, error)
	// ListComments returns the active top-level comments of a post.
	ListComments(ctx context.Context, postID string) ([]*models.Content, error)
	ListByAuthor(ctx context.Context, authorID string, limit int) ([]*models.Content, error)
	// ListPosts returns active posts created in [from, to], oldest first.
	ListPosts(ctx context.Context, from, to time.Time) ([]*models.Content, error)
}

// Social stores likes, follows and the interaction log
type Social interface {
	// AddLike fails with ErrConflict when the user already liked the content.
	AddLike(ctx context.Context, l *models.Like) error
	ListLikes(ctx context.Context, contentID string) ([]*models.Like, error)
	AddFollow(ctx context.Context, f *models.Follow) error
	IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error)
	RecordInteraction(ctx context.Context, i *models.Interaction) error
	// CountInteractions counts actor→target interactions in [from, to).
	CountInteractions(ctx context.Context, actorID, targetID string, from, to time.Time) (int, error)
	// InteractionCounts returns actor's outbound interaction count per
	// target in [from, to).
	InteractionCounts(ctx context.Context, actorID string, from, to time.Time) (map[string]int, error)
}

// Rewards stores settlement batches, reward decisions and the platform pool
type Rewards interface {
	CreateBatch(ctx context.Context, b *models.SettlementBatch) error
	UpdateBatch(ctx context.Context, b *models.SettlementBatch) error
	GetBatch(ctx context.Context, id string) (*models.SettlementBatch, error)
	// InsertReward stores a pending reward with its comment rewards, or
	// fails with ErrConflict when the content already has one.
	InsertReward(ctx context.Context, r *models.ContentReward) error
	GetReward(ctx context.Context, contentID string) (*models.ContentReward, error)
	ListPendingRewards(ctx context.Context) ([]*models.ContentReward, error)
	// MarkRewardSettled is a no-op for an already settled reward.
	MarkRewardSettled(ctx context.Context, contentID string, at time.Time) error
	// AddPoolFund is idempotent on a non-empty OperationID.
	AddPoolFund(ctx context.Context, f *models.PoolFund) error
	// ClaimPoolFunds assigns unclaimed funds to the batch and returns the
	// claimed total. Settlement batches take every source except
	// PoolForSubsidy; subsidy batches take only PoolForSubsidy.
	// Re-claiming for the same batch returns its total.
	ClaimPoolFunds(ctx context.Context, batchID string, kind models.BatchKind) (int64, error)
	// ReleasePoolFunds returns a batch's claimed funds to the pool.
	ReleasePoolFunds(ctx context.Context, batchID string) (int64, error)
	UnclaimedPool(ctx context.Context) (int64, error)
	// ListOpenBatches returns pending batches, oldest first.
	ListOpenBatches(ctx context.Context) ([]*models.SettlementBatch, error)
	// BatchPayouts counts the rewards and subsidies recorded against a
	// batch and sums what they pay.
	BatchPayouts(ctx context.Context, batchID string) (int, int64, error)
	// InsertSubsidies stores pending subsidies all or nothing, failing with
	// ErrConflict when one already exists.
	InsertSubsidies(ctx context.Context, subsidies []*models.Subsidy) error
	ListPendingSubsidies(ctx context.Context) ([]*models.Subsidy, error)
	// MarkSubsidyPaid is a no-op for an already paid subsidy.
	MarkSubsidyPaid(ctx context.Context, batchID, contentID string, at time.Time) error
}

// Challenges stores disputes. ReserveChallenge fails with ErrConflict when
// the content already has a pending or guilty challenge.
type Challenges interface {
	ReserveChallenge(ctx context.Context, c *models.Challenge) error
	ReleaseChallenge(ctx context.Context, id string) error
	UpdateChallenge(ctx context.Context, c *models.Challenge) error
	GetChallenge(ctx context.Context, id string) (*models.Challenge, error)
	CountGuilty(ctx context.Context, authorID string) (int, error)
}

// Cabals stores known association groups
type Cabals interface {
	CreateCabal(ctx context.Context, g *models.CabalGroup) error
	ListUndetected(ctx context.Context) ([]*models.CabalGroup, error)
	MarkDetected(ctx context.Context, g *models.CabalGroup) error
	// MarkPenalized records accountID as slashed for the group along with
	// the group's ratio and seizure rate. Repeats are no-ops.
	MarkPenalized(ctx context.Context, g *models.CabalGroup, accountID string) error
}

// Store is the full persistence surface of the engine
type Store interface {
	Accounts
	Entries
	Contents
	Social
	Rewards
	Challenges
	Cabals
	Ping(ctx context.Context) error
	Close() error
}
