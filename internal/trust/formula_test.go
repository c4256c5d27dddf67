package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/satengine/pkg/models"
)

func TestScore(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("should score new accounts in the lowest tier", func(t *testing.T) {
		score := cfg.Score(cfg.Defaults)
		// 0.6*150 + 0.3*150 + 0 - (30/50)^2
		assert.InDelta(t, 134.64, score, 1e-9)
		assert.Equal(t, 0, cfg.Tier(score))
	})

	t.Run("should add juror bonus above baseline only", func(t *testing.T) {
		r := models.Reputation{Juror: 500}
		assert.InDelta(t, 20.0, cfg.Score(r), 1e-9)
		r.Juror = 100
		assert.Equal(t, 0.0, cfg.Score(r))
	})

	t.Run("should never go below zero", func(t *testing.T) {
		assert.Equal(t, 0.0, cfg.Score(models.Reputation{Risk: 1000}))
	})
}

func TestRiskPenalty(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("should be quadratic up to the knee", func(t *testing.T) {
		assert.InDelta(t, 1.0, cfg.RiskPenalty(50), 1e-9)
		assert.InDelta(t, 4.0, cfg.RiskPenalty(100), 1e-9)
	})

	t.Run("should be linear above the knee", func(t *testing.T) {
		assert.InDelta(t, 130.0, cfg.RiskPenalty(101), 1e-9)
		assert.InDelta(t, 625.0, cfg.RiskPenalty(200), 1e-9)
	})

	t.Run("should be monotone", func(t *testing.T) {
		prev := -1.0
		for r := 0.0; r <= 1000; r += 0.5 {
			p := cfg.RiskPenalty(r)
			assert.GreaterOrEqual(t, p, prev)
			prev = p
		}
	})
}

func TestTiers(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		score float64
		tier  int
	}{
		{0, 0}, {150, 0}, {150.01, 1}, {250, 1}, {251, 2}, {400, 2}, {401, 3}, {700, 3}, {701, 4}, {5000, 4},
	}
	for _, c := range cases {
		assert.Equal(t, c.tier, cfg.Tier(c.score), "score %v", c.score)
	}
}

func TestFeeMultiplier(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("should clamp to range", func(t *testing.T) {
		assert.Equal(t, 1.4, cfg.FeeMultiplier(0))
		assert.Equal(t, 0.6, cfg.FeeMultiplier(5000))
		assert.InDelta(t, 1.0, cfg.FeeMultiplier(500), 1e-9)
	})

	t.Run("should be non-increasing in trust", func(t *testing.T) {
		prev := cfg.FeeMultiplier(0)
		for s := 1.0; s <= 2000; s++ {
			k := cfg.FeeMultiplier(s)
			assert.LessOrEqual(t, k, prev)
			prev = k
		}
	})
}

func TestApply(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("should scale gains by tier and apply losses in full", func(t *testing.T) {
		a := &models.Account{Reputation: models.Reputation{Creator: 1000, Juror: 300}}
		cfg.Recompute(a)
		assert.Equal(t, 3, a.Tier)

		gain := cfg.Apply(a, models.DimCreator, 10)
		assert.InDelta(t, 3.0, gain, 1e-9)

		loss := cfg.Apply(a, models.DimCreator, -10)
		assert.InDelta(t, -10.0, loss, 1e-9)
	})

	t.Run("should not scale risk increases", func(t *testing.T) {
		a := &models.Account{Reputation: models.Reputation{Creator: 2000}}
		cfg.Recompute(a)
		assert.Equal(t, 4, a.Tier)
		assert.InDelta(t, 20.0, cfg.Apply(a, models.DimRisk, 20), 1e-9)
	})

	t.Run("should clamp to valid ranges", func(t *testing.T) {
		a := &models.Account{Reputation: models.Reputation{Creator: 5, Risk: 990}}
		cfg.Apply(a, models.DimCreator, -50)
		cfg.Apply(a, models.DimRisk, 50)
		assert.Equal(t, 0.0, a.Reputation.Creator)
		assert.Equal(t, 1000.0, a.Reputation.Risk)
	})
}
