package messaging

import (
	"time"
)

// Subjects published by the engine
const (
	SubjectLedgerEntry         = "ledger.entry"
	SubjectSettlementCompleted = "settlement.completed"
	SubjectChallengeResolved   = "challenge.resolved"
	SubjectCabalDetected       = "risk.cabal_detected"
	SubjectTrustChanged        = "trust.changed"
)

// LedgerEntryEvent is published after a ledger entry commits
type LedgerEntryEvent struct {
	EntryID      string    `json:"entry_id"`
	AccountID    string    `json:"account_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Kind         string    `json:"kind"`
	RefKind      string    `json:"ref_kind"`
	RefID        string    `json:"ref_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SettlementEvent is published when a settlement batch completes
type SettlementEvent struct {
	BatchID      string    `json:"batch_id"`
	ItemsSettled int       `json:"items_settled"`
	Pool         int64     `json:"pool"`
	Distributed  int64     `json:"distributed"`
	Timestamp    time.Time `json:"timestamp"`
}

// ChallengeEvent is published when a challenge is resolved
type ChallengeEvent struct {
	ChallengeID  string    `json:"challenge_id"`
	ContentID    string    `json:"content_id"`
	ChallengerID string    `json:"challenger_id"`
	AuthorID     string    `json:"author_id"`
	Verdict      string    `json:"verdict"`
	Oracle       string    `json:"oracle"`
	Fine         int64     `json:"fine"`
	Timestamp    time.Time `json:"timestamp"`
}

// CabalEvent is published when a group is flagged
type CabalEvent struct {
	GroupID     string    `json:"group_id"`
	Members     []string  `json:"members"`
	Ratio       float64   `json:"ratio"`
	SeizureRate float64   `json:"seizure_rate"`
	Seized      int64     `json:"seized"`
	Timestamp   time.Time `json:"timestamp"`
}

// TrustEvent is published when a reputation dimension changes
type TrustEvent struct {
	AccountID string    `json:"account_id"`
	Dimension string    `json:"dimension"`
	Delta     float64   `json:"delta"`
	Score     float64   `json:"score"`
	Tier      int       `json:"tier"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
