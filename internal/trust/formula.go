package trust

import (
	"math"

	"github.com/terminal-bench/satengine/pkg/models"
)

// Config holds the trust formula constants
type Config struct {
	CreatorWeight  float64 `toml:"creator_weight"`
	CuratorWeight  float64 `toml:"curator_weight"`
	JurorBaseline  float64 `toml:"juror_baseline"`
	JurorBonusRate float64 `toml:"juror_bonus_rate"`

	// risk penalty is (risk/RiskScale)^2 up to RiskKnee, then
	// RiskKneePenalty + (risk-RiskKnee)*RiskSlope
	RiskScale       float64 `toml:"risk_scale"`
	RiskKnee        float64 `toml:"risk_knee"`
	RiskKneePenalty float64 `toml:"risk_knee_penalty"`
	RiskSlope       float64 `toml:"risk_slope"`
	RiskMax         float64 `toml:"risk_max"`

	// TierBounds are the inclusive upper bounds of tiers 0..3
	TierBounds        []float64 `toml:"tier_bounds"`
	RewardMultipliers []float64 `toml:"reward_multipliers"`

	FeeIntercept float64 `toml:"fee_intercept"`
	FeeDivisor   float64 `toml:"fee_divisor"`
	FeeMin       float64 `toml:"fee_min"`
	FeeMax       float64 `toml:"fee_max"`

	Defaults models.Reputation `toml:"defaults"`
}

// DefaultConfig returns the production constants
func DefaultConfig() Config {
	return Config{
		CreatorWeight:     0.6,
		CuratorWeight:     0.3,
		JurorBaseline:     300,
		JurorBonusRate:    0.1,
		RiskScale:         50,
		RiskKnee:          100,
		RiskKneePenalty:   125,
		RiskSlope:         5,
		RiskMax:           1000,
		TierBounds:        []float64{150, 250, 400, 700},
		RewardMultipliers: []float64{1.0, 0.7, 0.5, 0.3, 0.15},
		FeeIntercept:      1.4,
		FeeDivisor:        1250,
		FeeMin:            0.6,
		FeeMax:            1.4,
		Defaults: models.Reputation{
			Creator: 150,
			Curator: 150,
			Juror:   300,
			Risk:    30,
		},
	}
}

// Tiers is the number of trust tiers
const Tiers = 5

// RiskPenalty is convex: quadratic below the knee, steep linear above it
func (c Config) RiskPenalty(risk float64) float64 {
	if risk <= c.RiskKnee {
		r := risk / c.RiskScale
		return r * r
	}
	return c.RiskKneePenalty + (risk-c.RiskKnee)*c.RiskSlope
}

// Score computes the composite trust score, floored at zero
func (c Config) Score(r models.Reputation) float64 {
	juror := math.Max(0, (r.Juror-c.JurorBaseline)*c.JurorBonusRate)
	raw := c.CreatorWeight*r.Creator + c.CuratorWeight*r.Curator + juror - c.RiskPenalty(r.Risk)
	return math.Max(0, raw)
}

// Tier maps a score onto 0..4
func (c Config) Tier(score float64) int {
	for i, bound := range c.TierBounds {
		if score <= bound {
			return i
		}
	}
	return len(c.TierBounds)
}

// FeeMultiplier is K(trust), non-increasing in score
func (c Config) FeeMultiplier(score float64) float64 {
	k := c.FeeIntercept - score/c.FeeDivisor
	return math.Min(c.FeeMax, math.Max(c.FeeMin, k))
}

// RewardMultiplier scales positive reputation gains by tier
func (c Config) RewardMultiplier(tier int) float64 {
	if tier < 0 {
		tier = 0
	}
	if tier >= len(c.RewardMultipliers) {
		tier = len(c.RewardMultipliers) - 1
	}
	return c.RewardMultipliers[tier]
}

// clamp keeps a dimension inside its valid range
func (c Config) clamp(d models.Dimension, v float64) float64 {
	if v < 0 {
		v = 0
	}
	if d == models.DimRisk && v > c.RiskMax {
		v = c.RiskMax
	}
	return v
}

// Apply changes one dimension of a and recomputes score and tier. Positive
// gains on creator, curator and juror are scaled by the current tier's
// reward multiplier; losses and risk changes apply in full. It returns the
// change actually applied after scaling and clamping.
func (c Config) Apply(a *models.Account, d models.Dimension, delta float64) float64 {
	scaled := delta
	if delta > 0 && d != models.DimRisk {
		scaled = delta * c.RewardMultiplier(a.Tier)
	}
	before := a.Reputation.Get(d)
	after := c.clamp(d, before+scaled)
	a.Reputation.Set(d, after)
	c.Recompute(a)
	return after - before
}

// Recompute refreshes the derived score and tier
func (c Config) Recompute(a *models.Account) {
	a.TrustScore = c.Score(a.Reputation)
	a.Tier = c.Tier(a.TrustScore)
}
