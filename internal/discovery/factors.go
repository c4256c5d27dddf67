package discovery

import "math"

// NoveltyBucket maps prior interaction counts up to Max onto Factor
type NoveltyBucket struct {
	Max    int     `toml:"max"`
	Factor float64 `toml:"factor"`
}

// Config holds the discovery weight tables
type Config struct {
	TierWeights       []float64       `toml:"tier_weights"`
	NoveltyBuckets    []NoveltyBucket `toml:"novelty_buckets"`
	NoveltyFloor      float64         `toml:"novelty_floor"`
	NoveltyWindowDays int             `toml:"novelty_window_days"`
	StrangerSource    float64         `toml:"stranger_source"`
	FollowerSource    float64         `toml:"follower_source"`
	CrossCircleBonus  float64         `toml:"cross_circle_bonus"`
	CabalPenalty      float64         `toml:"cabal_penalty"`
	EntropyMin        float64         `toml:"entropy_min"`
	EntropyMax        float64         `toml:"entropy_max"`

	// scores of items with more likes than this are divided by
	// 1 + ln(likes/threshold); zero disables
	DiminishingThreshold int `toml:"diminishing_threshold"`
	Workers              int `toml:"workers"`
}

// DefaultConfig returns the production weight tables
func DefaultConfig() Config {
	return Config{
		TierWeights: []float64{0.5, 1.0, 2.0, 3.5, 6.0},
		NoveltyBuckets: []NoveltyBucket{
			{Max: 0, Factor: 1.0},
			{Max: 3, Factor: 0.6},
			{Max: 10, Factor: 0.3},
			{Max: 30, Factor: 0.12},
		},
		NoveltyFloor:         0.05,
		NoveltyWindowDays:    30,
		StrangerSource:       1.0,
		FollowerSource:       0.15,
		CrossCircleBonus:     1.5,
		CabalPenalty:         0.3,
		EntropyMin:           0.02,
		EntropyMax:           10,
		DiminishingThreshold: 100,
		Workers:              8,
	}
}

// TrustWeight maps a tier onto its weight
func (c Config) TrustWeight(tier int) float64 {
	if tier < 0 {
		tier = 0
	}
	if tier >= len(c.TierWeights) {
		tier = len(c.TierWeights) - 1
	}
	return c.TierWeights[tier]
}

// Novelty decays with the number of prior interactions
func (c Config) Novelty(prior int) float64 {
	for _, b := range c.NoveltyBuckets {
		if prior <= b.Max {
			return b.Factor
		}
	}
	return c.NoveltyFloor
}

// Source favours strangers over followers
func (c Config) Source(follows bool) float64 {
	if follows {
		return c.FollowerSource
	}
	return c.StrangerSource
}

// CrossCircle rewards likes from outside the author's audience
func (c Config) CrossCircle(follows bool) float64 {
	if follows {
		return 1.0
	}
	return c.CrossCircleBonus
}

// Penalty damps likes from penalised accounts
func (c Config) Penalty(penalized bool) float64 {
	if penalized {
		return c.CabalPenalty
	}
	return 1.0
}

// Entropy rescales the normalised Shannon entropy of liker tiers into
// [EntropyMin, EntropyMax]. A single-tier set, including a lone like,
// sits at EntropyMin.
func (c Config) Entropy(tiers []int) float64 {
	if len(tiers) == 0 || len(c.TierWeights) < 2 {
		return c.EntropyMin
	}
	counts := make([]int, len(c.TierWeights))
	for _, t := range tiers {
		if t < 0 {
			t = 0
		}
		if t >= len(counts) {
			t = len(counts) - 1
		}
		counts[t]++
	}

	h := 0.0
	n := float64(len(tiers))
	for _, k := range counts {
		if k == 0 {
			continue
		}
		p := float64(k) / n
		h -= p * math.Log2(p)
	}
	normalized := h / math.Log2(float64(len(counts)))
	return c.EntropyMin + normalized*(c.EntropyMax-c.EntropyMin)
}

// Diminishing returns the divisor applied to an item's raw score
func (c Config) Diminishing(likes int) float64 {
	if c.DiminishingThreshold <= 0 || likes <= c.DiminishingThreshold {
		return 1.0
	}
	return 1 + math.Log(float64(likes)/float64(c.DiminishingThreshold))
}
