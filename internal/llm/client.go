package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"plannerd/internal/energy"
	logx "plannerd/pkg/logx"
)

// Config selects a provider and maps energy tiers to concrete models.
//
// Provider values: "openai" (any openai-compatible endpoint), "ollama",
// "mock". The mock provider needs no network and is the test/offline default.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string

	LargeModel string
	SmallModel string

	Timeout time.Duration

	// RatePerMin throttles provider requests. 0 disables throttling.
	RatePerMin int
}

// Provider executes one completion against a concrete model.
type Provider interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// Client is the tiered LLM client. Extraction/classification quality is an
// external concern; the client only owns transport, tier selection and
// lenient response parsing.
type Client struct {
	cfg      Config
	provider Provider
	limiter  *rate.Limiter
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.LargeModel == "" {
		cfg.LargeModel = "gpt-4o"
	}
	if cfg.SmallModel == "" {
		cfg.SmallModel = "gpt-4o-mini"
	}

	var p Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "mock":
		p = &MockProvider{}
	case "openai":
		p = newOpenAIProvider(cfg)
	case "ollama":
		p = newOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	var lim *rate.Limiter
	if cfg.RatePerMin > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin)
	}
	return &Client{cfg: cfg, provider: p, limiter: lim, log: log}, nil
}

// NewWithProvider injects a provider directly (tests).
func NewWithProvider(cfg Config, p Provider, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, provider: p, log: log}
}

func (c *Client) model(tier energy.Tier) string {
	if tier == energy.TierSmall {
		return c.cfg.SmallModel
	}
	return c.cfg.LargeModel
}

func (c *Client) complete(ctx context.Context, tier energy.Tier, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	model := c.model(tier)
	started := time.Now()
	out, err := c.provider.Complete(ctx, model, prompt)
	if err != nil {
		return "", fmt.Errorf("llm complete (%s): %w", model, err)
	}
	c.log.Debug("llm completion", logx.String("model", model), logx.Duration("took", time.Since(started)))
	return out, nil
}

// ExtractTasks pulls actionable tasks out of a free-text note.
// An empty note short-circuits without a provider call.
func (c *Client) ExtractTasks(ctx context.Context, note string, tier energy.Tier) ([]RawTask, error) {
	if strings.TrimSpace(note) == "" {
		return nil, nil
	}
	out, err := c.complete(ctx, tier, extractPrompt(note))
	if err != nil {
		return nil, err
	}
	tasks, err := parseTaskArray(out)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return tasks, nil
}

// ClassifyTasks fills in category and priority for extracted tasks.
// On provider failure the caller keeps the unclassified tasks; this is a
// refinement step, not a gate.
func (c *Client) ClassifyTasks(ctx context.Context, tasks []RawTask, tier energy.Tier) ([]RawTask, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	out, err := c.complete(ctx, tier, classifyPrompt(tasks))
	if err != nil {
		return nil, err
	}
	classified, err := parseTaskArray(out)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return classified, nil
}

var errEmptyResponse = errors.New("empty provider response")
