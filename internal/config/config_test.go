package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/satengine/internal/challenge"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satengine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefault(t *testing.T) {
	t.Run("should validate", func(t *testing.T) {
		require.NoError(t, Default().Validate())
	})

	t.Run("should carry the package defaults", func(t *testing.T) {
		cfg := Default()
		assert.Equal(t, 7*24*time.Hour, cfg.Settlement.Maturity)
		assert.Equal(t, int64(200), cfg.Costs.Post)
		assert.Equal(t, 0.8, cfg.Ledger.BeneficiaryShare)
		assert.Equal(t, "memory", cfg.Database.Driver)
	})
}

func TestLoad(t *testing.T) {
	t.Run("should overlay the file on the defaults", func(t *testing.T) {
		path := writeConfig(t, `
[server]
port = "9090"

[settlement]
maturity = "72h"
emission_per_author = 500

[costs]
post = 300
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.Server.Port)
		assert.Equal(t, 72*time.Hour, cfg.Settlement.Maturity)
		assert.Equal(t, int64(500), cfg.Settlement.EmissionPerAuthor)
		assert.Equal(t, int64(300), cfg.Costs.Post)
		assert.Equal(t, int64(50), cfg.Costs.Comment)
		assert.Equal(t, 0.8, cfg.Settlement.AuthorShare)
	})

	t.Run("should reject unknown keys", func(t *testing.T) {
		path := writeConfig(t, "[settlement]\nmaturty = \"1h\"\n")
		_, err := Load(path)
		assert.ErrorContains(t, err, "maturty")
	})

	t.Run("should reject invalid values", func(t *testing.T) {
		path := writeConfig(t, "[settlement]\nauthor_share = 1.5\n")
		_, err := Load(path)
		assert.ErrorContains(t, err, "settlement.author_share")
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
		assert.Error(t, err)
	})

	t.Run("should load oracles from the file", func(t *testing.T) {
		path := writeConfig(t, `
[[challenge.oracles]]
name = "local"
provider = "openai"
url = "http://localhost:11434/v1/chat/completions"
model = "llama3"
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		require.Len(t, cfg.Challenge.Oracles, 1)
		assert.Equal(t, challenge.ProviderOpenAI, cfg.Challenge.Oracles[0].Provider)
	})
}

func TestApplyEnv(t *testing.T) {
	t.Run("should override connections", func(t *testing.T) {
		cfg := Default()
		cfg.ApplyEnv(envOf(map[string]string{
			"PORT":           "7000",
			"DATABASE_URL":   "postgres://localhost/sat",
			"REDIS_URL":      "redis://localhost:6379/0",
			"NATS_URL":       "nats://localhost:4222",
			"ETCD_ENDPOINTS": "10.0.0.1:2379, 10.0.0.2:2379,",
			"INFLUX_URL":     "http://localhost:8086",
			"INFLUX_BUCKET":  "settlements",
		}))

		assert.Equal(t, "7000", cfg.Server.Port)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, "postgres://localhost/sat", cfg.Database.URL)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
		assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
		assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Etcd.Endpoints)
		assert.True(t, cfg.Influx.Enabled())
		require.NoError(t, cfg.Validate())
	})

	t.Run("should add oracles in priority order", func(t *testing.T) {
		cfg := Default()
		cfg.ApplyEnv(envOf(map[string]string{
			"GROQ_API_KEY":      "gk",
			"ANTHROPIC_API_KEY": "ak",
		}))

		require.Len(t, cfg.Challenge.Oracles, 2)
		assert.Equal(t, "groq", cfg.Challenge.Oracles[0].Name)
		assert.Equal(t, "gk", cfg.Challenge.Oracles[0].APIKey)
		assert.Equal(t, challenge.ProviderAnthropic, cfg.Challenge.Oracles[1].Provider)
		assert.Equal(t, "ak", cfg.Challenge.Oracles[1].APIKey)
	})

	t.Run("should keep a configured oracle and fill its key", func(t *testing.T) {
		cfg := Default()
		cfg.Challenge.Oracles = []challenge.OracleConfig{
			{Name: "groq", Provider: challenge.ProviderOpenAI, URL: "http://proxy", Model: "m"},
		}
		cfg.ApplyEnv(envOf(map[string]string{"GROQ_API_KEY": "gk"}))

		require.Len(t, cfg.Challenge.Oracles, 1)
		assert.Equal(t, "http://proxy", cfg.Challenge.Oracles[0].URL)
		assert.Equal(t, "gk", cfg.Challenge.Oracles[0].APIKey)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, "database.driver"},
		{"short tier bounds", func(c *Config) { c.Trust.TierBounds = []float64{150, 250} }, "trust.tier_bounds"},
		{"unordered tier bounds", func(c *Config) { c.Trust.TierBounds = []float64{150, 100, 400, 700} }, "ascending"},
		{"zero maturity", func(c *Config) { c.Settlement.Maturity = 0 }, "settlement.maturity"},
		{"whole pool reserved", func(c *Config) { c.Settlement.SubsidyShare = 1 }, "settlement.subsidy_share"},
		{"inverted subsidy ages", func(c *Config) { c.Settlement.Subsidy.MinAge = 60 * 24 * time.Hour }, "settlement.subsidy.min_age"},
		{"free likes", func(c *Config) { c.Costs.Like = 0 }, "costs"},
		{"bad oracle", func(c *Config) {
			c.Challenge.Oracles = []challenge.OracleConfig{{Name: "x", Provider: "gemini", URL: "http://x"}}
		}, "unknown provider"},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
