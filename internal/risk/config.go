// Package risk protects the reward economy from coordinated gaming: it
// tracks interaction circles, caps same-circle contributions, scores
// suspicion and detects cabals.
package risk

import "time"

// Config holds the anti-manipulation thresholds
type Config struct {
	CircleSize int `toml:"circle_size"`
	WindowDays int `toml:"window_days"`

	DailyCircleLimit float64       `toml:"daily_circle_limit"`
	CounterTTL       time.Duration `toml:"counter_ttl"`

	MinInteractions        int     `toml:"min_interactions"`
	ConcentrationThreshold float64 `toml:"concentration_threshold"`
	ConcentrationSlope     float64 `toml:"concentration_slope"`
	ConcentrationCap       float64 `toml:"concentration_cap"`
	VolumeThreshold        float64 `toml:"volume_threshold"`
	VolumeMinMembers       int     `toml:"volume_min_members"`
	VolumeBoostCap         float64 `toml:"volume_boost_cap"`
	VolumeBoostDivisor     float64 `toml:"volume_boost_divisor"`
	SuspicionCap           float64 `toml:"suspicion_cap"`

	// damping is 1 - suspicion×factor
	LikerDamping  float64 `toml:"liker_damping"`
	AuthorDamping float64 `toml:"author_damping"`

	CabalMinMembers     int     `toml:"cabal_min_members"`
	CabalRatioThreshold float64 `toml:"cabal_ratio_threshold"`
	RiskIncreaseMin     float64 `toml:"risk_increase_min"`
	RiskIncreaseMax     float64 `toml:"risk_increase_max"`
	CreatorSlashMin     float64 `toml:"creator_slash_min"`
	CreatorSlashMax     float64 `toml:"creator_slash_max"`
	CuratorSlashMin     float64 `toml:"curator_slash_min"`
	CuratorSlashMax     float64 `toml:"curator_slash_max"`
	SlashFloor          float64 `toml:"slash_floor"`
	PenaltyDays         int     `toml:"penalty_days"`

	SeizureBase           float64 `toml:"seizure_base"`
	SeizureMax            float64 `toml:"seizure_max"`
	SeizureRatioCap       float64 `toml:"seizure_ratio_cap"`
	SeizureDurationCap    float64 `toml:"seizure_duration_cap"`
	SeizureDurationPeriod int     `toml:"seizure_duration_period_days"`
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		CircleSize:             10,
		WindowDays:             30,
		DailyCircleLimit:       100,
		CounterTTL:             48 * time.Hour,
		MinInteractions:        20,
		ConcentrationThreshold: 0.5,
		ConcentrationSlope:     2,
		ConcentrationCap:       0.9,
		VolumeThreshold:        50,
		VolumeMinMembers:       3,
		VolumeBoostCap:         0.1,
		VolumeBoostDivisor:     100,
		SuspicionCap:           0.95,
		LikerDamping:           0.7,
		AuthorDamping:          0.49,
		CabalMinMembers:        3,
		CabalRatioThreshold:    3,
		RiskIncreaseMin:        150,
		RiskIncreaseMax:        500,
		CreatorSlashMin:        0.5,
		CreatorSlashMax:        0.8,
		CuratorSlashMin:        0.3,
		CuratorSlashMax:        0.5,
		SlashFloor:             100,
		PenaltyDays:            30,
		SeizureBase:            0.3,
		SeizureMax:             0.8,
		SeizureRatioCap:        2,
		SeizureDurationCap:     1.5,
		SeizureDurationPeriod:  30,
	}
}

// Window returns the trailing interaction window
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

// DayStart truncates t to its UTC day
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayKey formats the UTC day of t
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
