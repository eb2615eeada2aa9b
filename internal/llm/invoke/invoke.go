// Package invoke wraps every outbound model call with budget
// enforcement, bounded retries, deterministic backoff, and response
// normalization. It is stateless across calls; retry counters live in
// one Invoke frame.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"scriptorium/internal/budget"
	"scriptorium/internal/llm"
)

// ErrNoResult is the sentinel returned when a call yields nothing
// usable after all retries. Callers must treat it as "no result" and
// leave checkpoint state unchanged.
var ErrNoResult = errors.New("no result from model")

// Options tunes a single invocation.
type Options struct {
	JSONMode        bool
	Temperature     float64
	ContextTokens   int // overrides the client default when > 0
	MaxOutputTokens int
	// ShowReasoning logs a bounded excerpt of any stripped reasoning
	// span. The returned text never includes it.
	ShowReasoning bool
}

// Invoker is the contract every pipeline stage calls through.
type Invoker interface {
	Invoke(ctx context.Context, msgs []llm.Message, opts Options) (string, error)
}

type Config struct {
	Provider      llm.Provider
	Model         string
	Budgeter      budget.Budgeter
	ContextTokens int
	MaxRetries    int
	BackoffBase   float64 // seconds
	BackoffJitter float64 // seconds
	Logger        *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ContextTokens <= 0 {
		c.ContextTokens = 32768
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 3.0
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Client struct {
	cfg   Config
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "invoke"),
		sleep: sleepCtx,
	}
}

// Backoff returns the pause before retrying after attempt (1-based):
// base^(attempt-1) + jitter seconds. The escalation is deterministic
// so retry behavior is reproducible.
func (c *Client) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := math.Pow(c.cfg.BackoffBase, float64(attempt-1)) + c.cfg.BackoffJitter
	return time.Duration(secs * float64(time.Second))
}

// Invoke runs one budgeted, retried model call and returns normalized
// text. Every failure path wraps ErrNoResult.
func (c *Client) Invoke(ctx context.Context, msgs []llm.Message, opts Options) (string, error) {
	contextTokens := c.cfg.ContextTokens
	if opts.ContextTokens > 0 {
		contextTokens = opts.ContextTokens
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoResult, err)
		}

		fitted := c.cfg.Budgeter.Fit(msgs, contextTokens)
		text, err := c.cfg.Provider.Chat(ctx, llm.ChatRequest{
			Model:           c.cfg.Model,
			Messages:        fitted,
			JSONMode:        opts.JSONMode,
			Temperature:     opts.Temperature,
			ContextTokens:   contextTokens,
			MaxOutputTokens: opts.MaxOutputTokens,
		})
		switch {
		case err == nil:
			cleaned := c.normalize(text, opts.ShowReasoning)
			if strings.TrimSpace(cleaned) == "" {
				lastErr = errors.New("empty response")
				c.log.Warn("empty model response",
					"attempt", attempt, "max", c.cfg.MaxRetries)
			} else {
				return cleaned, nil
			}
		case llm.IsTimeout(err):
			lastErr = err
			c.log.Warn("model call timed out",
				"attempt", attempt, "max", c.cfg.MaxRetries, "error", err)
		case !llm.IsRetryable(err):
			c.log.Error("model call failed permanently", "error", err)
			return "", fmt.Errorf("%w: %w", ErrNoResult, err)
		default:
			lastErr = err
			c.log.Warn("model call failed",
				"attempt", attempt, "max", c.cfg.MaxRetries, "error", err)
		}

		if attempt < c.cfg.MaxRetries {
			if err := c.sleep(ctx, c.Backoff(attempt)); err != nil {
				return "", fmt.Errorf("%w: %w", ErrNoResult, err)
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("retries exhausted")
	}
	return "", fmt.Errorf("%w: %w", ErrNoResult, lastErr)
}

const reasoningExcerptLimit = 500

var reasoningSpanRe = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>(.*?)</\s*(think|thinking|reasoning)\s*>`)

// normalize strips delimited reasoning spans from the returned text.
// Stripped content never reaches the caller; with visibility on, a
// bounded excerpt goes to the log.
func (c *Client) normalize(text string, showReasoning bool) string {
	matches := reasoningSpanRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text)
	}
	if showReasoning {
		var spans []string
		for _, m := range matches {
			spans = append(spans, strings.TrimSpace(m[2]))
		}
		excerpt := strings.Join(spans, "\n")
		if len(excerpt) > reasoningExcerptLimit {
			cut := reasoningExcerptLimit
			for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
				cut--
			}
			excerpt = excerpt[:cut]
		}
		c.log.Info("stripped reasoning span", "excerpt", excerpt)
	}
	return strings.TrimSpace(reasoningSpanRe.ReplaceAllString(text, ""))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
