package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/satengine/pkg/circuit"
	"github.com/terminal-bench/satengine/pkg/models"
)

type stubOracle struct {
	name    string
	verdict Verdict
	err     error
	delay   time.Duration

	mu    sync.Mutex
	calls int
	seen  []Context
}

func (s *stubOracle) Name() string { return s.name }

func (s *stubOracle) Judge(ctx context.Context, c Context) (Verdict, error) {
	s.mu.Lock()
	s.calls++
	s.seen = append(s.seen, c)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	return s.verdict, s.err
}

func TestRuleBased(t *testing.T) {
	rules := NewRuleBased()
	ctx := context.Background()

	t.Run("should convict repeat offenders with high risk", func(t *testing.T) {
		v, err := rules.Judge(ctx, Context{Author: AuthorProfile{Risk: 250}, PastViolations: 2, Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, models.VerdictGuilty, v.Outcome)
		assert.Equal(t, 0.7, v.Confidence)
	})

	t.Run("should flag spam keywords case-insensitively", func(t *testing.T) {
		v, err := rules.Judge(ctx, Context{Content: "Guaranteed PROFIT, DM me for details"})
		require.NoError(t, err)
		assert.Equal(t, models.VerdictGuilty, v.Outcome)
		assert.Equal(t, 0.6, v.Confidence)
	})

	t.Run("should default to not guilty", func(t *testing.T) {
		v, err := rules.Judge(ctx, Context{Author: AuthorProfile{Risk: 250}, PastViolations: 1, Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, models.VerdictNotGuilty, v.Outcome)
		assert.Equal(t, "rules", v.Oracle)
	})
}

func TestParseVerdict(t *testing.T) {
	t.Run("should parse the three-line format", func(t *testing.T) {
		v := ParseVerdict("VERDICT: GUILTY\nCONFIDENCE: 0.85\nREASON: obvious phishing link")
		assert.Equal(t, models.VerdictGuilty, v.Outcome)
		assert.Equal(t, 0.85, v.Confidence)
		assert.Equal(t, "obvious phishing link", v.Reason)
	})

	t.Run("should treat NOT_GUILTY as not guilty", func(t *testing.T) {
		v := ParseVerdict("  verdict: not_guilty \n reason: fine")
		assert.Equal(t, models.VerdictNotGuilty, v.Outcome)
		assert.Equal(t, "fine", v.Reason)
	})

	t.Run("should clamp confidence and keep defaults on garbage", func(t *testing.T) {
		v := ParseVerdict("VERDICT: GUILTY\nCONFIDENCE: 7")
		assert.Equal(t, 1.0, v.Confidence)

		v = ParseVerdict("I cannot help with that")
		assert.Equal(t, models.VerdictNotGuilty, v.Outcome)
		assert.Equal(t, 0.5, v.Confidence)
	})
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	guilty := Verdict{Outcome: models.VerdictGuilty, Reason: "spam", Confidence: 0.9}

	t.Run("should use the first oracle that answers", func(t *testing.T) {
		down := &stubOracle{name: "groq", err: errors.New("503")}
		up := &stubOracle{name: "anthropic", verdict: guilty}
		chain := NewChain([]Oracle{down, up}, nil, time.Second, nil)

		v, err := chain.Judge(ctx, Context{Content: "x"})
		require.NoError(t, err)
		assert.Equal(t, models.VerdictGuilty, v.Outcome)
		assert.Equal(t, "anthropic", v.Oracle)
	})

	t.Run("should fall back to rules when every oracle fails", func(t *testing.T) {
		chain := NewChain([]Oracle{&stubOracle{name: "groq", err: errors.New("boom")}}, nil, time.Second, nil)

		v, err := chain.Judge(ctx, Context{Content: "click here"})
		require.NoError(t, err)
		assert.Equal(t, "rules", v.Oracle)
		assert.Equal(t, models.VerdictGuilty, v.Outcome)
	})

	t.Run("should bound slow oracles by the timeout", func(t *testing.T) {
		slow := &stubOracle{name: "slow", verdict: guilty, delay: time.Second}
		chain := NewChain([]Oracle{slow}, nil, 20*time.Millisecond, nil)

		start := time.Now()
		v, err := chain.Judge(ctx, Context{Content: "benign"})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, "rules", v.Oracle)
		assert.Equal(t, models.VerdictNotGuilty, v.Outcome)
	})

	t.Run("should stop calling an oracle once its breaker opens", func(t *testing.T) {
		down := &stubOracle{name: "groq", err: errors.New("503")}
		breakers := circuit.NewBreakerGroup(circuit.Config{MaxFailures: 2, Timeout: time.Hour})
		chain := NewChain([]Oracle{down}, breakers, time.Second, nil)

		for i := 0; i < 5; i++ {
			_, err := chain.Judge(ctx, Context{})
			require.NoError(t, err)
		}
		assert.Equal(t, 2, down.calls)
		assert.Equal(t, circuit.StateOpen, breakers.States()["groq"])
	})
}

func TestHTTPOracle(t *testing.T) {
	ctx := context.Background()
	in := Context{Author: AuthorProfile{Handle: "mallory"}, Content: "buy my course", Reason: "spam"}

	t.Run("should speak the OpenAI-compatible format", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
			var req openAIRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "llama", req.Model)
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Contains(t, req.Messages[1].Content, "@mallory")

			json.NewEncoder(w).Encode(map[string]interface{}{
				"choices": []map[string]interface{}{
					{"message": map[string]string{"role": "assistant", "content": "VERDICT: GUILTY\nCONFIDENCE: 0.8\nREASON: promo"}},
				},
			})
		}))
		defer srv.Close()

		o := NewHTTPOracle(OracleConfig{Name: "groq", Provider: ProviderOpenAI, URL: srv.URL, Model: "llama", APIKey: "k1"}, nil)
		v, err := o.Judge(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, models.VerdictGuilty, v.Outcome)
		assert.Equal(t, 0.8, v.Confidence)
		assert.Equal(t, "groq", v.Oracle)
	})

	t.Run("should speak the Anthropic messages format", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "k2", r.Header.Get("x-api-key"))
			assert.NotEmpty(t, r.Header.Get("anthropic-version"))
			var req anthropicRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotEmpty(t, req.System)
			assert.Equal(t, 500, req.MaxTokens)

			json.NewEncoder(w).Encode(map[string]interface{}{
				"content": []map[string]string{{"type": "text", "text": "VERDICT: NOT_GUILTY\nCONFIDENCE: 0.6\nREASON: ok"}},
			})
		}))
		defer srv.Close()

		o := NewHTTPOracle(OracleConfig{Provider: ProviderAnthropic, URL: srv.URL, APIKey: "k2"}, nil)
		v, err := o.Judge(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, models.VerdictNotGuilty, v.Outcome)
		assert.Equal(t, "anthropic", v.Oracle)
	})

	t.Run("should fail on error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		o := NewHTTPOracle(OracleConfig{Provider: ProviderOpenAI, URL: srv.URL}, nil)
		_, err := o.Judge(ctx, in)
		assert.Error(t, err)
	})
}

func TestPrompt(t *testing.T) {
	t.Run("should include the author profile and recent posts", func(t *testing.T) {
		p := Prompt(Context{
			Author:         AuthorProfile{Handle: "bob", Tier: 2, Risk: 40},
			PastViolations: 1,
			ContentKind:    models.KindComment,
			Content:        "reported text",
			Reason:         "rude",
			Recent:         []RecentItem{{Kind: models.KindPost, Body: "older post"}},
		})
		assert.Contains(t, p, "=== REPORTED COMMENT ===\nreported text")
		assert.Contains(t, p, "Handle: @bob")
		assert.Contains(t, p, "Past Violations: 1")
		assert.Contains(t, p, "[post] older post")
	})
}
