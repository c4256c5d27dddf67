package settlement

import "time"

// Config holds the settlement schedule and reward constants
type Config struct {
	Maturity          time.Duration `toml:"maturity"`
	Interval          time.Duration `toml:"interval"`
	EmissionPerAuthor int64         `toml:"emission_per_author"`
	AuthorShare       float64       `toml:"author_share"`
	LockKey           string        `toml:"lock_key"`
	LockTTL           time.Duration `toml:"lock_ttl"`

	RewardedBonus float64 `toml:"rewarded_bonus"`
	UnseenPenalty float64 `toml:"unseen_penalty"`
	TopDecileMin  float64 `toml:"top_decile_min"`
	TopDecileMax  float64 `toml:"top_decile_max"`
	CuratorCredit float64 `toml:"curator_credit"`

	// SubsidyShare of each batch's claimed pool funds is set aside for
	// quality subsidies
	SubsidyShare float64       `toml:"subsidy_share"`
	Subsidy      SubsidyConfig `toml:"subsidy"`
}

// SubsidyConfig picks underexposed posts of good quality for the weekly
// subsidy. Density is inferred quality divided by likes plus one.
type SubsidyConfig struct {
	MinLikes           int           `toml:"min_likes"`
	MinDensity         float64       `toml:"min_density"`
	ExposurePercentile float64       `toml:"exposure_percentile"`
	MinAge             time.Duration `toml:"min_age"`
	MaxAge             time.Duration `toml:"max_age"`
	RiskCutoff         float64       `toml:"risk_cutoff"`
	TrustScale         float64       `toml:"trust_scale"`
	RiskScale          float64       `toml:"risk_scale"`
	SourceWeight       float64       `toml:"source_weight"`
	AuthorWeight       float64       `toml:"author_weight"`
	RiskWeight         float64       `toml:"risk_weight"`
}

// Density is the inferred quality of a post, clamped to [0, 1], per like
func (c SubsidyConfig) Density(likes int, likerTrust, authorTrust, authorRisk float64) float64 {
	quality := likerTrust/c.TrustScale*c.SourceWeight + authorTrust/c.TrustScale*c.AuthorWeight
	if authorRisk > 0 {
		quality -= authorRisk / c.RiskScale * c.RiskWeight
	}
	quality = min(1, max(0, quality))
	return quality / float64(likes+1)
}

// DefaultConfig returns the production settlement constants
func DefaultConfig() Config {
	return Config{
		Maturity:          7 * 24 * time.Hour,
		Interval:          time.Hour,
		EmissionPerAuthor: 300,
		AuthorShare:       0.8,
		LockKey:           "/satengine/settlement",
		LockTTL:           time.Minute,
		RewardedBonus:     3,
		UnseenPenalty:     -1,
		TopDecileMin:      5,
		TopDecileMax:      15,
		CuratorCredit:     1,
		SubsidyShare:      0.25,
		Subsidy: SubsidyConfig{
			MinLikes:           2,
			MinDensity:         0.04,
			ExposurePercentile: 0.7,
			MinAge:             24 * time.Hour,
			MaxAge:             30 * 24 * time.Hour,
			RiskCutoff:         100,
			TrustScale:         500,
			RiskScale:          500,
			SourceWeight:       0.35,
			AuthorWeight:       0.2,
			RiskWeight:         0.1,
		},
	}
}
