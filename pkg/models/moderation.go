package models

import "time"

// Outcome is a challenge verdict
type Outcome string

const (
	VerdictPending   Outcome = "pending"
	VerdictGuilty    Outcome = "guilty"
	VerdictNotGuilty Outcome = "not_guilty"
)

// Challenge is a paid dispute against a content item
type Challenge struct {
	ID            string      `json:"id"`
	ContentID     string      `json:"content_id"`
	ContentKind   ContentKind `json:"content_kind"`
	ChallengerID  string      `json:"challenger_id"`
	AuthorID      string      `json:"author_id"`
	Reason        string      `json:"reason"`
	FeePaid       int64       `json:"fee_paid"`
	FineAmount    int64       `json:"fine_amount"`
	FineCollected int64       `json:"fine_collected"`
	ChallengerWin int64       `json:"challenger_reward"`
	AuthorComp    int64       `json:"author_compensation"`
	PoolShare     int64       `json:"pool_share"`
	Verdict       Outcome     `json:"verdict"`
	Oracle        string      `json:"oracle"`
	OracleReason  string      `json:"oracle_reason"`
	Confidence    float64     `json:"confidence"`
	CreatedAt     time.Time   `json:"created_at"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
}

// CabalGroup is a known association group scanned by the detector
type CabalGroup struct {
	ID          string     `json:"id"`
	Members     []string   `json:"members"`
	Detected    bool       `json:"detected"`
	DetectedAt  *time.Time `json:"detected_at,omitempty"`
	Ratio       float64    `json:"ratio"`
	SeizureRate float64    `json:"seizure_rate"`
	Penalized   []string   `json:"penalized,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsPenalized reports whether accountID has already been slashed for the group
func (g *CabalGroup) IsPenalized(accountID string) bool {
	for _, m := range g.Penalized {
		if m == accountID {
			return true
		}
	}
	return false
}
