// Package draft produces a scene draft by sampling the model several
// times at varied temperatures and asking an editor pass to pick the
// strongest candidate.
package draft

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"scriptorium/internal/fanout"
	"scriptorium/internal/jsonutil"
	"scriptorium/internal/llm"
	"scriptorium/internal/llm/invoke"
)

type Sampler struct {
	inv          invoke.Invoker
	temps        []float64
	previewChars int
	log          *slog.Logger
}

func NewSampler(inv invoke.Invoker, temps []float64, previewChars int, log *slog.Logger) *Sampler {
	if len(temps) == 0 {
		temps = []float64{0.7, 0.9, 1.1}
	}
	if previewChars <= 0 {
		previewChars = 3000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{inv: inv, temps: temps, previewChars: previewChars, log: log.With("component", "draft")}
}

// Sample fans out one call per temperature, ignores individual
// failures, and reduces: zero results is a failure, one result is
// returned unchanged, two or more go through the selector. Selector
// trouble of any kind falls back to the first candidate; the sampling
// work is never thrown away.
func (s *Sampler) Sample(ctx context.Context, msgs []llm.Message) (string, error) {
	results := fanout.Run(ctx, len(s.temps), func(ctx context.Context, i int) (string, error) {
		return s.inv.Invoke(ctx, msgs, invoke.Options{Temperature: s.temps[i]})
	})
	for _, r := range results {
		if r.Err != nil {
			s.log.Warn("draft sample failed", "temperature", s.temps[r.Index], "error", r.Err)
		}
	}
	candidates := fanout.Successes(results)
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("all %d draft samples failed: %w", len(s.temps), invoke.ErrNoResult)
	case 1:
		return candidates[0], nil
	}
	return candidates[s.selectIndex(ctx, candidates)], nil
}

var selectorSchema = jsonutil.MustSchema("selector.json", `{
	"type": "object",
	"required": ["choice"],
	"properties": {
		"choice": {"type": "integer"},
		"reason": {"type": "string"}
	}
}`)

type selectorVerdict struct {
	Choice int    `json:"choice"`
	Reason string `json:"reason"`
}

// selectIndex asks the model to pick among candidates and returns a
// valid 0-based index, defaulting to 0 on any failure.
func (s *Sampler) selectIndex(ctx context.Context, candidates []string) int {
	var b strings.Builder
	fmt.Fprintf(&b, "Pick the strongest draft of the %d below. Judge voice, momentum, and concrete detail.\n", len(candidates))
	b.WriteString(`Respond with JSON: {"choice": <1-based number>, "reason": "<one sentence>"}` + "\n")
	for i, c := range candidates {
		preview := truncate(c, s.previewChars)
		fmt.Fprintf(&b, "\n--- CANDIDATE %d ---\n%s\n", i+1, preview)
	}

	raw, err := s.inv.Invoke(ctx, []llm.Message{
		llm.System("You are a decisive fiction editor."),
		llm.User(b.String()),
	}, invoke.Options{JSONMode: true})
	if err != nil {
		s.log.Warn("selector call failed, keeping first candidate", "error", err)
		return 0
	}

	var v selectorVerdict
	if err := jsonutil.DecodeValidated(raw, selectorSchema, &v); err != nil {
		s.log.Warn("selector verdict unparseable, keeping first candidate", "error", err)
		return 0
	}
	if v.Choice < 1 || v.Choice > len(candidates) {
		s.log.Warn("selector choice out of range, keeping first candidate", "choice", v.Choice, "candidates", len(candidates))
		return 0
	}
	s.log.Info("selector picked candidate", "choice", v.Choice, "reason", v.Reason)
	return v.Choice - 1
}

// truncate cuts s to at most n bytes at a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
