package challenge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/pkg/circuit"
	"github.com/terminal-bench/satengine/pkg/models"
)

// ErrOracleUnavailable means no configured oracle produced a verdict
var ErrOracleUnavailable = errors.New("moderation oracle unavailable")

// AuthorProfile is what the oracle learns about the author
type AuthorProfile struct {
	ID             string  `json:"id"`
	Handle         string  `json:"handle"`
	TrustScore     float64 `json:"trust_score"`
	Tier           int     `json:"tier"`
	Creator        float64 `json:"creator"`
	Curator        float64 `json:"curator"`
	Risk           float64 `json:"risk"`
	AccountAgeDays int     `json:"account_age_days"`
}

// RecentItem is one of the author's recent posts or comments
type RecentItem struct {
	Kind models.ContentKind `json:"kind"`
	Body string             `json:"body"`
}

// Context is everything an oracle sees when judging a challenge
type Context struct {
	Author         AuthorProfile      `json:"author"`
	Recent         []RecentItem       `json:"recent"`
	PastViolations int                `json:"past_violations"`
	ContentKind    models.ContentKind `json:"content_kind"`
	Content        string             `json:"content"`
	Reason         string             `json:"reason"`
}

// Verdict is an oracle's decision
type Verdict struct {
	Outcome    models.Outcome `json:"outcome"`
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"`
	Oracle     string         `json:"oracle"`
}

// Oracle judges reported content
type Oracle interface {
	Name() string
	Judge(ctx context.Context, c Context) (Verdict, error)
}

var spamKeywords = []string{
	"buy now",
	"free money",
	"click here",
	"dm me for",
	"send btc",
	"guaranteed profit",
	"airdrop",
}

// RuleBased is the deterministic fallback oracle
type RuleBased struct {
	RiskThreshold  float64
	RepeatOffences int
}

// NewRuleBased returns the fallback with its default thresholds
func NewRuleBased() RuleBased {
	return RuleBased{RiskThreshold: 200, RepeatOffences: 2}
}

func (RuleBased) Name() string { return "rules" }

func (r RuleBased) Judge(ctx context.Context, c Context) (Verdict, error) {
	if c.Author.Risk > r.RiskThreshold && c.PastViolations >= r.RepeatOffences {
		return Verdict{
			Outcome:    models.VerdictGuilty,
			Reason:     "high risk account with repeated violations",
			Confidence: 0.7,
			Oracle:     r.Name(),
		}, nil
	}
	body := strings.ToLower(c.Content)
	for _, kw := range spamKeywords {
		if strings.Contains(body, kw) {
			return Verdict{
				Outcome:    models.VerdictGuilty,
				Reason:     "content contains spam indicators",
				Confidence: 0.6,
				Oracle:     r.Name(),
			}, nil
		}
	}
	return Verdict{
		Outcome:    models.VerdictNotGuilty,
		Reason:     "no clear violation detected by automated review",
		Confidence: 0.5,
		Oracle:     r.Name(),
	}, nil
}

// Chain asks each oracle in priority order, each behind its own circuit
// breaker, and falls back to the rule-based oracle when all of them fail
type Chain struct {
	oracles  []Oracle
	breakers *circuit.BreakerGroup
	timeout  time.Duration
	fallback Oracle
	logger   *zap.Logger
}

// NewChain creates a chain. timeout bounds each oracle call.
func NewChain(oracles []Oracle, breakers *circuit.BreakerGroup, timeout time.Duration, logger *zap.Logger) *Chain {
	if breakers == nil {
		breakers = circuit.NewBreakerGroup(circuit.Config{MaxFailures: 3, Timeout: time.Minute})
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		oracles:  oracles,
		breakers: breakers,
		timeout:  timeout,
		fallback: NewRuleBased(),
		logger:   logger.Named("oracle"),
	}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Judge(ctx context.Context, in Context) (Verdict, error) {
	v, err := c.try(ctx, in)
	if err == nil {
		return v, nil
	}
	c.logger.Warn("falling back to rule-based moderation", zap.Error(err))
	oracleCalls.WithLabelValues(c.fallback.Name(), "fallback").Inc()
	return c.fallback.Judge(ctx, in)
}

func (c *Chain) try(ctx context.Context, in Context) (Verdict, error) {
	for _, o := range c.oracles {
		var v Verdict
		err := c.breakers.Get(o.Name()).Execute(ctx, func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			var err error
			v, err = o.Judge(callCtx, in)
			return err
		})
		if err != nil {
			oracleCalls.WithLabelValues(o.Name(), "error").Inc()
			c.logger.Warn("oracle failed", zap.String("oracle", o.Name()), zap.Error(err))
			continue
		}
		oracleCalls.WithLabelValues(o.Name(), "ok").Inc()
		v.Oracle = o.Name()
		return v, nil
	}
	return Verdict{}, ErrOracleUnavailable
}

// ParseVerdict reads the three-line VERDICT/CONFIDENCE/REASON reply.
// Anything that is not clearly guilty is not guilty.
func ParseVerdict(text string) Verdict {
	v := Verdict{
		Outcome:    models.VerdictNotGuilty,
		Reason:     "review completed",
		Confidence: 0.5,
	}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "VERDICT":
			raw := strings.ToUpper(value)
			if strings.Contains(raw, "GUILTY") && !strings.Contains(raw, "NOT") {
				v.Outcome = models.VerdictGuilty
			} else {
				v.Outcome = models.VerdictNotGuilty
			}
		case "CONFIDENCE":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				v.Confidence = min(1, max(0, f))
			}
		case "REASON":
			v.Reason = value
		}
	}
	return v
}

const systemPrompt = `You are a content moderator for a social platform.
You will receive a reported post or comment along with the author's profile, trust score, recent posts and violation history.

Content is GUILTY if it contains:
- Spam, advertising or low-effort promotional content
- Scams, phishing or impersonation
- Malware links
- Hate speech, violence or illegal content
- Targeted harassment or personal attacks

Only mark GUILTY if the violation is clear. Borderline content is NOT_GUILTY.

Respond in exactly this format (3 lines):
VERDICT: GUILTY or NOT_GUILTY
CONFIDENCE: 0.0 to 1.0
REASON: one sentence explanation`

// Prompt renders the oracle context as the user message
func Prompt(c Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== REPORTED %s ===\n%s\n\n", strings.ToUpper(string(c.ContentKind)), c.Content)
	fmt.Fprintf(&b, "=== REPORT REASON ===\n%s\n\n", c.Reason)
	fmt.Fprintf(&b, "=== AUTHOR PROFILE ===\n")
	fmt.Fprintf(&b, "Handle: @%s\n", c.Author.Handle)
	fmt.Fprintf(&b, "Trust Score: %.1f (tier %d)\n", c.Author.TrustScore, c.Author.Tier)
	fmt.Fprintf(&b, "Creator Score: %.1f\n", c.Author.Creator)
	fmt.Fprintf(&b, "Risk Score: %.1f/1000\n", c.Author.Risk)
	fmt.Fprintf(&b, "Account Age: %d days\n", c.Author.AccountAgeDays)
	fmt.Fprintf(&b, "Past Violations: %d\n\n", c.PastViolations)
	b.WriteString("=== RECENT POSTS ===\n")
	if len(c.Recent) == 0 {
		b.WriteString("  (no recent posts)\n")
	}
	for i, r := range c.Recent {
		if i == 10 {
			break
		}
		fmt.Fprintf(&b, "  - [%s] %s\n", r.Kind, truncate(r.Body, 100))
	}
	b.WriteString("\nPlease judge: is the reported content a rule violation?")
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
