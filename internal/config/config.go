// Package config loads the engine configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/terminal-bench/satengine/internal/challenge"
	"github.com/terminal-bench/satengine/internal/discovery"
	"github.com/terminal-bench/satengine/internal/engagement"
	"github.com/terminal-bench/satengine/internal/report"
	"github.com/terminal-bench/satengine/internal/risk"
	"github.com/terminal-bench/satengine/internal/settlement"
	"github.com/terminal-bench/satengine/internal/trust"
)

const (
	groqURL      = "https://api.groq.com/openai/v1/chat/completions"
	groqModel    = "llama-3.3-70b-versatile"
	anthropicURL = "https://api.anthropic.com/v1/messages"
	claudeModel  = "claude-3-5-haiku-latest"
)

// Config is the full engine configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	NATS     NATSConfig     `toml:"nats"`
	Etcd     EtcdConfig     `toml:"etcd"`
	Influx   report.Config  `toml:"influx"`

	Ledger     LedgerConfig      `toml:"ledger"`
	Trust      trust.Config      `toml:"trust"`
	Risk       risk.Config       `toml:"risk"`
	Discovery  discovery.Config  `toml:"discovery"`
	Settlement settlement.Config `toml:"settlement"`
	Challenge  challenge.Config  `toml:"challenge"`
	Costs      engagement.Costs  `toml:"costs"`
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Port            string        `toml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the store. Driver is "postgres" or
// "memory".
type DatabaseConfig struct {
	Driver          string        `toml:"driver"`
	URL             string        `toml:"url"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	AutoMigrate     bool          `toml:"auto_migrate"`
}

// RedisConfig locates the shared circle budget counters. Empty URL keeps
// the counters in process.
type RedisConfig struct {
	URL string `toml:"url"`
}

// NATSConfig locates the event bus. Empty URL disables publishing.
type NATSConfig struct {
	URL           string        `toml:"url"`
	Name          string        `toml:"name"`
	ReconnectWait time.Duration `toml:"reconnect_wait"`
	MaxReconnects int           `toml:"max_reconnects"`
}

// EtcdConfig locates the settlement leader lock. No endpoints means a
// process-local lock.
type EtcdConfig struct {
	Endpoints []string `toml:"endpoints"`
}

// LedgerConfig holds the split between beneficiary and pool
type LedgerConfig struct {
	BeneficiaryShare float64 `toml:"beneficiary_share"`
}

// Default returns the production configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		NATS: NATSConfig{
			Name:          "satengine",
			ReconnectWait: time.Second,
			MaxReconnects: 10,
		},
		Ledger:     LedgerConfig{BeneficiaryShare: 0.8},
		Trust:      trust.DefaultConfig(),
		Risk:       risk.DefaultConfig(),
		Discovery:  discovery.DefaultConfig(),
		Settlement: settlement.DefaultConfig(),
		Challenge:  challenge.DefaultConfig(),
		Costs:      engagement.DefaultCosts(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides connection settings and secrets from the environment
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Database.URL, "DATABASE_URL")
	if c.Database.URL != "" && getenv("DATABASE_URL") != "" {
		c.Database.Driver = "postgres"
	}
	set(&c.Redis.URL, "REDIS_URL")
	set(&c.NATS.URL, "NATS_URL")
	if v := getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	set(&c.Influx.URL, "INFLUX_URL")
	set(&c.Influx.Token, "INFLUX_TOKEN")
	set(&c.Influx.Org, "INFLUX_ORG")
	set(&c.Influx.Bucket, "INFLUX_BUCKET")

	if key := getenv("GROQ_API_KEY"); key != "" {
		c.withOracleKey(challenge.OracleConfig{
			Name:     "groq",
			Provider: challenge.ProviderOpenAI,
			URL:      groqURL,
			Model:    groqModel,
			Retries:  2,
		}, key)
	}
	if key := getenv("ANTHROPIC_API_KEY"); key != "" {
		c.withOracleKey(challenge.OracleConfig{
			Name:     "anthropic",
			Provider: challenge.ProviderAnthropic,
			URL:      anthropicURL,
			Model:    claudeModel,
			Retries:  2,
		}, key)
	}
}

// withOracleKey fills the key of a configured oracle, or appends def
func (c *Config) withOracleKey(def challenge.OracleConfig, key string) {
	for i := range c.Challenge.Oracles {
		if c.Challenge.Oracles[i].Name == def.Name {
			if c.Challenge.Oracles[i].APIKey == "" {
				c.Challenge.Oracles[i].APIKey = key
			}
			return
		}
	}
	def.APIKey = key
	c.Challenge.Oracles = append(c.Challenge.Oracles, def)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		check(c.Database.URL != "", "database.url is required for postgres")
	default:
		check(false, "database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	check(c.Server.Port != "", "server.port is required")

	check(unit(c.Ledger.BeneficiaryShare), "ledger.beneficiary_share must be in (0, 1]")

	check(len(c.Trust.TierBounds) == trust.Tiers-1, "trust.tier_bounds needs %d values", trust.Tiers-1)
	check(ascending(c.Trust.TierBounds), "trust.tier_bounds must be ascending")
	check(len(c.Trust.RewardMultipliers) == trust.Tiers, "trust.reward_multipliers needs %d values", trust.Tiers)
	check(c.Trust.FeeDivisor > 0, "trust.fee_divisor must be positive")
	check(c.Trust.FeeMin > 0 && c.Trust.FeeMin <= c.Trust.FeeMax, "trust.fee_min must be positive and at most fee_max")

	check(c.Risk.CircleSize > 0, "risk.circle_size must be positive")
	check(c.Risk.WindowDays > 0, "risk.window_days must be positive")
	check(c.Risk.DailyCircleLimit >= 0, "risk.daily_circle_limit must not be negative")

	check(len(c.Discovery.TierWeights) == trust.Tiers, "discovery.tier_weights needs %d values", trust.Tiers)
	check(c.Discovery.EntropyMin > 0 && c.Discovery.EntropyMin <= c.Discovery.EntropyMax,
		"discovery.entropy_min must be positive and at most entropy_max")
	check(c.Discovery.Workers > 0, "discovery.workers must be positive")

	check(c.Settlement.Maturity > 0, "settlement.maturity must be positive")
	check(c.Settlement.Interval > 0, "settlement.interval must be positive")
	check(unit(c.Settlement.AuthorShare), "settlement.author_share must be in (0, 1]")
	check(c.Settlement.EmissionPerAuthor >= 0, "settlement.emission_per_author must not be negative")
	check(c.Settlement.SubsidyShare >= 0 && c.Settlement.SubsidyShare < 1, "settlement.subsidy_share must be in [0, 1)")
	check(c.Settlement.Subsidy.MinLikes > 0, "settlement.subsidy.min_likes must be positive")
	check(c.Settlement.Subsidy.MinAge < c.Settlement.Subsidy.MaxAge, "settlement.subsidy.min_age must be below max_age")
	check(unit(c.Settlement.Subsidy.ExposurePercentile), "settlement.subsidy.exposure_percentile must be in (0, 1]")
	check(c.Settlement.Subsidy.TrustScale > 0 && c.Settlement.Subsidy.RiskScale > 0,
		"settlement.subsidy scales must be positive")

	check(c.Challenge.BaseFee > 0, "challenge.base_fee must be positive")
	check(c.Challenge.FineMultiplier > 0, "challenge.fine_multiplier must be positive")
	check(c.Challenge.ChallengerCut >= 0 && c.Challenge.ChallengerCut <= 1, "challenge.challenger_cut must be in [0, 1]")
	check(c.Challenge.VindicationCut >= 0 && c.Challenge.VindicationCut <= 1, "challenge.vindication_cut must be in [0, 1]")
	check(c.Challenge.Window > 0, "challenge.window must be positive")
	for _, o := range c.Challenge.Oracles {
		check(o.Provider == challenge.ProviderOpenAI || o.Provider == challenge.ProviderAnthropic,
			"challenge oracle %q has unknown provider %q", o.Name, o.Provider)
		check(o.URL != "", "challenge oracle %q needs a url", o.Name)
	}

	check(c.Costs.Post > 0 && c.Costs.Comment > 0 && c.Costs.Like > 0 && c.Costs.CommentLike > 0,
		"costs must all be positive")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func unit(f float64) bool { return f > 0 && f <= 1 }

func ascending(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return false
		}
	}
	return true
}
