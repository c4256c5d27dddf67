package challenge

import "time"

// Config holds fees, splits and trust deltas for challenges
type Config struct {
	BaseFee        int64         `toml:"base_fee"`
	FineMultiplier float64       `toml:"fine_multiplier"`
	ChallengerCut  float64       `toml:"challenger_cut"`
	VindicationCut float64       `toml:"vindication_cut"`
	Window         time.Duration `toml:"window"`
	OracleTimeout  time.Duration `toml:"oracle_timeout"`
	RecentItems    int           `toml:"recent_items"`

	ShortfallRisk    float64 `toml:"shortfall_risk"`
	GuiltyCreator    float64 `toml:"guilty_creator"`
	GuiltyRisk       float64 `toml:"guilty_risk"`
	ChallengerBonus  float64 `toml:"challenger_bonus"`
	VindicationBonus float64 `toml:"vindication_bonus"`

	Oracles []OracleConfig `toml:"oracles"`
}

// DefaultConfig returns the production challenge constants
func DefaultConfig() Config {
	return Config{
		BaseFee:          100,
		FineMultiplier:   1.0,
		ChallengerCut:    0.35,
		VindicationCut:   0.20,
		Window:           7 * 24 * time.Hour,
		OracleTimeout:    10 * time.Second,
		RecentItems:      20,
		ShortfallRisk:    30,
		GuiltyCreator:    -30,
		GuiltyRisk:       20,
		ChallengerBonus:  5,
		VindicationBonus: 3,
	}
}
