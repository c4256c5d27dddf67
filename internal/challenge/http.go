package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Provider selects the wire format of an HTTP oracle
type Provider string

const (
	// ProviderOpenAI is any OpenAI-compatible chat completions API
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// OracleConfig describes one HTTP oracle
type OracleConfig struct {
	Name      string   `toml:"name"`
	Provider  Provider `toml:"provider"`
	URL       string   `toml:"url"`
	Model     string   `toml:"model"`
	APIKey    string   `toml:"api_key"`
	MaxTokens int      `toml:"max_tokens"`
	Retries   int      `toml:"retries"`
}

// leveledZap adapts zap to retryablehttp, reporting retried errors as
// warnings
type leveledZap struct {
	inner *zap.SugaredLogger
}

func (l leveledZap) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Infow(msg, keysAndValues...)
}

func (l leveledZap) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debugw(msg, keysAndValues...)
}

// HTTPOracle asks a hosted language model for a verdict
type HTTPOracle struct {
	cfg    OracleConfig
	client *retryablehttp.Client
}

// NewHTTPOracle creates an oracle for cfg
func NewHTTPOracle(cfg OracleConfig, logger *zap.Logger) *HTTPOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Provider)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = retryablehttp.LeveledLogger(leveledZap{logger.Named("oracle-http").Sugar()})
	return &HTTPOracle{cfg: cfg, client: client}
}

func (o *HTTPOracle) Name() string { return o.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (o *HTTPOracle) Judge(ctx context.Context, c Context) (Verdict, error) {
	prompt := Prompt(c)

	var body interface{}
	switch o.cfg.Provider {
	case ProviderAnthropic:
		body = anthropicRequest{
			Model:     o.cfg.Model,
			System:    systemPrompt,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
			MaxTokens: o.cfg.MaxTokens,
		}
	case ProviderOpenAI:
		body = openAIRequest{
			Model: o.cfg.Model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature: 0.1,
			MaxTokens:   o.cfg.MaxTokens,
		}
	default:
		return Verdict{}, fmt.Errorf("unknown oracle provider %q", o.cfg.Provider)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to encode oracle request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.Provider == ProviderAnthropic {
		req.Header.Set("x-api-key", o.cfg.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	} else {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("oracle %s request failed: %w", o.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to read oracle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("oracle %s returned %d", o.cfg.Name, resp.StatusCode)
	}

	text, err := o.extract(raw)
	if err != nil {
		return Verdict{}, err
	}
	v := ParseVerdict(text)
	v.Oracle = o.cfg.Name
	return v, nil
}

func (o *HTTPOracle) extract(raw []byte) (string, error) {
	if o.cfg.Provider == ProviderAnthropic {
		var r anthropicResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fmt.Errorf("failed to decode oracle response: %w", err)
		}
		for _, c := range r.Content {
			if c.Type == "text" {
				return c.Text, nil
			}
		}
		return "", fmt.Errorf("oracle %s returned no text", o.cfg.Name)
	}

	var r openAIResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("failed to decode oracle response: %w", err)
	}
	if len(r.Choices) == 0 {
		return "", fmt.Errorf("oracle %s returned no choices", o.cfg.Name)
	}
	return r.Choices[0].Message.Content, nil
}
