package models

import "time"

// Dimension names one reputation sub-score
type Dimension string

const (
	DimCreator Dimension = "creator"
	DimCurator Dimension = "curator"
	DimJuror   Dimension = "juror"
	DimRisk    Dimension = "risk"
)

// Valid reports whether d names a known dimension
func (d Dimension) Valid() bool {
	switch d {
	case DimCreator, DimCurator, DimJuror, DimRisk:
		return true
	}
	return false
}

// Reputation holds the four reputation sub-scores of an account
type Reputation struct {
	Creator float64 `json:"creator"`
	Curator float64 `json:"curator"`
	Juror   float64 `json:"juror"`
	Risk    float64 `json:"risk"`
}

// Get returns the value of one dimension
func (r Reputation) Get(d Dimension) float64 {
	switch d {
	case DimCreator:
		return r.Creator
	case DimCurator:
		return r.Curator
	case DimJuror:
		return r.Juror
	case DimRisk:
		return r.Risk
	}
	return 0
}

// Set assigns the value of one dimension
func (r *Reputation) Set(d Dimension, v float64) {
	switch d {
	case DimCreator:
		r.Creator = v
	case DimCurator:
		r.Curator = v
	case DimJuror:
		r.Juror = v
	case DimRisk:
		r.Risk = v
	}
}

// Account is a platform user as seen by the economy
type Account struct {
	ID             string     `json:"id"`
	Handle         string     `json:"handle"`
	Balance        int64      `json:"balance"`
	Reputation     Reputation `json:"reputation"`
	TrustScore     float64    `json:"trust_score"`
	Tier           int        `json:"tier"`
	PenalizedUntil *time.Time `json:"penalized_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int64      `json:"version"`
}

// Penalized reports whether a cabal penalty is in force at t
func (a *Account) Penalized(t time.Time) bool {
	return a.PenalizedUntil != nil && t.Before(*a.PenalizedUntil)
}

// Clone returns a deep copy safe to hand out of a store
func (a *Account) Clone() *Account {
	c := *a
	if a.PenalizedUntil != nil {
		p := *a.PenalizedUntil
		c.PenalizedUntil = &p
	}
	return &c
}
