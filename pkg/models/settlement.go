package models

import "time"

// RewardStatus moves one way, pending to settled
type RewardStatus string

const (
	RewardPending RewardStatus = "pending"
	RewardSettled RewardStatus = "settled"
)

// BatchKind separates reward batches from subsidy batches
type BatchKind string

const (
	BatchSettlement BatchKind = "settlement"
	BatchSubsidy    BatchKind = "subsidy"
)

// SettlementBatch summarises one settlement or subsidy run. Pool is what
// the batch may distribute; Reserve is the part of its pool funds set
// aside for subsidies when the batch closes.
type SettlementBatch struct {
	ID          string       `json:"id"`
	Kind        BatchKind    `json:"kind"`
	Before      time.Time    `json:"before"`
	Pool        int64        `json:"pool"`
	Fees        int64        `json:"fees"`
	Emission    int64        `json:"emission"`
	PoolFunds   int64        `json:"pool_funds"`
	Reserve     int64        `json:"reserve"`
	ItemCount   int          `json:"item_count"`
	Distributed int64        `json:"distributed"`
	Status      RewardStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	SettledAt   *time.Time   `json:"settled_at,omitempty"`
}

// ContentReward is the reward decision for one post, unique per content
type ContentReward struct {
	ContentID      string           `json:"content_id"`
	BatchID        string           `json:"batch_id"`
	AuthorID       string           `json:"author_id"`
	DiscoveryScore float64          `json:"discovery_score"`
	ItemReward     string           `json:"item_reward"`
	AuthorReward   int64            `json:"author_reward"`
	SecondaryPool  int64            `json:"secondary_pool"`
	Comments       []*CommentReward `json:"comments,omitempty"`
	Status         RewardStatus     `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	SettledAt      *time.Time       `json:"settled_at,omitempty"`
}

// Total is everything the reward pays out
func (r *ContentReward) Total() int64 {
	total := r.AuthorReward
	for _, c := range r.Comments {
		total += c.Amount
	}
	return total
}

// CommentReward is a top-level comment's cut of its post's secondary pool
type CommentReward struct {
	CommentID      string  `json:"comment_id"`
	ContentID      string  `json:"content_id"`
	AuthorID       string  `json:"author_id"`
	DiscoveryScore float64 `json:"discovery_score"`
	Amount         int64   `json:"amount"`
}

// Subsidy is a quality payout to an underexposed post, unique per batch
// and content
type Subsidy struct {
	BatchID   string       `json:"batch_id"`
	ContentID string       `json:"content_id"`
	AuthorID  string       `json:"author_id"`
	Likes     int          `json:"likes"`
	Density   float64      `json:"density"`
	Amount    int64        `json:"amount"`
	Status    RewardStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	SettledAt *time.Time   `json:"settled_at,omitempty"`
}
