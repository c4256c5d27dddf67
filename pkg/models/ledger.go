package models

import "time"

// EntryKind classifies a ledger entry
type EntryKind string

const (
	EntrySpendPost        EntryKind = "spend_post"
	EntrySpendComment     EntryKind = "spend_comment"
	EntrySpendLike        EntryKind = "spend_like"
	EntrySpendCommentLike EntryKind = "spend_comment_like"
	EntryEarnLike         EntryKind = "earn_like"
	EntryEarnComment      EntryKind = "earn_comment"
	EntryRewardPost       EntryKind = "reward_post"
	EntryRewardComment    EntryKind = "reward_comment"
	EntryChallengeFee     EntryKind = "challenge_fee"
	EntryChallengeRefund  EntryKind = "challenge_refund"
	EntryChallengeReward  EntryKind = "challenge_reward"
	EntryFine             EntryKind = "fine"
	EntryCabalSeizure     EntryKind = "cabal_seizure"
	EntryDeposit          EntryKind = "deposit"
	EntrySubsidy          EntryKind = "subsidy"
)

// RefKind is the type of object an entry points at
type RefKind string

const (
	RefNone      RefKind = "none"
	RefPost      RefKind = "post"
	RefComment   RefKind = "comment"
	RefChallenge RefKind = "challenge"
	RefUser      RefKind = "user"
	RefBatch     RefKind = "batch"
)

// Ref identifies the object behind a ledger entry or pool fund
type Ref struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id,omitempty"`
}

// LedgerEntry is an immutable balance change
type LedgerEntry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Kind         EntryKind `json:"kind"`
	Ref          Ref       `json:"ref"`
	Note         string    `json:"note,omitempty"`
	OperationID  string    `json:"operation_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PoolSource says where platform pool revenue came from
type PoolSource string

const (
	PoolFromLike        PoolSource = "like"
	PoolFromComment     PoolSource = "comment"
	PoolFromCommentLike PoolSource = "comment_like"
	PoolFromSeizure     PoolSource = "seizure"
	PoolFromChallenge   PoolSource = "challenge"
	PoolFromVindication PoolSource = "vindication"
	PoolFromCarryover   PoolSource = "carryover"
	// PoolForSubsidy funds are only claimed by subsidy batches
	PoolForSubsidy PoolSource = "subsidy_reserve"
)

// PoolFund is revenue waiting in the platform pool until a settlement
// batch claims it
type PoolFund struct {
	ID          string     `json:"id"`
	Amount      int64      `json:"amount"`
	Source      PoolSource `json:"source"`
	Ref         Ref        `json:"ref"`
	OperationID string     `json:"operation_id,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
