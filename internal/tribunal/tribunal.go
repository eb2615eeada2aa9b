// Package tribunal runs the parallel multi-category critique: one
// critic per category, scored 0-100 with a fix suggestion, merged into
// a ScoreSet with a single priority category.
package tribunal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"scriptorium/internal/fanout"
	"scriptorium/internal/jsonutil"
	"scriptorium/internal/llm"
	"scriptorium/internal/llm/invoke"
)

type Category string

const (
	CategoryProse      Category = "prose"
	CategoryRedundancy Category = "redundancy"
	CategoryArc        Category = "structural-arc"
)

// Tie-break order for the priority category.
var Precedence = []Category{CategoryProse, CategoryRedundancy, CategoryArc}

// NeutralScore substitutes for an unparseable or failed critic. 50
// rather than 0: a zero would force endless revision on a critic
// hiccup.
const NeutralScore = 50

type Verdict struct {
	Score int    `json:"score"`
	Fix   string `json:"fix"`
}

type ScoreSet struct {
	Verdicts map[Category]Verdict
}

// Priority returns the lowest-scoring category, ties broken by
// Precedence order.
func (s ScoreSet) Priority() (Category, Verdict) {
	best := Precedence[0]
	bestV := s.Verdicts[best]
	for _, c := range Precedence[1:] {
		v, ok := s.Verdicts[c]
		if !ok {
			continue
		}
		if v.Score < bestV.Score {
			best, bestV = c, v
		}
	}
	return best, bestV
}

// Passes reports whether every category meets threshold.
func (s ScoreSet) Passes(threshold int) bool {
	for _, c := range Precedence {
		if v, ok := s.Verdicts[c]; ok && v.Score < threshold {
			return false
		}
	}
	return true
}

// PriorityFix synthesizes the combined revision directive.
func (s ScoreSet) PriorityFix() string {
	c, v := s.Priority()
	fix := strings.TrimSpace(v.Fix)
	if fix == "" {
		fix = "improve this dimension of the draft"
	}
	return fmt.Sprintf("PRIORITY [%s, scored %d]: %s", c, v.Score, fix)
}

func (s ScoreSet) String() string {
	parts := make([]string, 0, len(Precedence))
	for _, c := range Precedence {
		if v, ok := s.Verdicts[c]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", c, v.Score))
		}
	}
	return strings.Join(parts, " ")
}

// ArcVariant selects how much structural-arc critique a unit gets
// based on how many finalized scenes precede it. Early units have too
// little continuity context to judge arc against.
type ArcVariant int

const (
	ArcSkip ArcVariant = iota
	ArcLight
	ArcFull
)

type Panel struct {
	inv           invoke.Invoker
	arcSkipBelow  int
	arcLightBelow int
	log           *slog.Logger
}

func NewPanel(inv invoke.Invoker, arcSkipBelow, arcLightBelow int, log *slog.Logger) *Panel {
	if log == nil {
		log = slog.Default()
	}
	return &Panel{
		inv:           inv,
		arcSkipBelow:  arcSkipBelow,
		arcLightBelow: arcLightBelow,
		log:           log.With("component", "tribunal"),
	}
}

func (p *Panel) arcVariant(priorScenes int) ArcVariant {
	switch {
	case priorScenes < p.arcSkipBelow:
		return ArcSkip
	case priorScenes < p.arcLightBelow:
		return ArcLight
	default:
		return ArcFull
	}
}

var verdictSchema = jsonutil.MustSchema("verdict.json", `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "integer", "minimum": 0, "maximum": 100},
		"fix": {"type": "string"}
	}
}`)

type critic struct {
	category Category
	system   string
	ask      string
}

func (p *Panel) critics(priorScenes int) []critic {
	out := []critic{
		{
			category: CategoryProse,
			system:   "You are a line editor scoring prose quality.",
			ask:      "Score the prose 0-100: sentence rhythm, concrete detail, filter words, verb strength.",
		},
		{
			category: CategoryRedundancy,
			system:   "You are an editor hunting repetition.",
			ask:      "Score 0-100 for redundancy: repeated beats, restated information, duplicated imagery. 100 means no redundancy.",
		},
	}
	switch p.arcVariant(priorScenes) {
	case ArcSkip:
		// Appended as a synthetic passing verdict in Review.
	case ArcLight:
		out = append(out, critic{
			category: CategoryArc,
			system:   "You are a story editor checking scene shape.",
			ask:      "Score 0-100 on scene-level arc only: does the scene turn, does the state change? Ignore book-level continuity.",
		})
	default:
		out = append(out, critic{
			category: CategoryArc,
			system:   "You are a story editor checking structural arc.",
			ask:      "Score 0-100 on structural arc: scene turn, stakes movement, continuity with the story so far, payoff of open promises.",
		})
	}
	return out
}

// Review runs the critics concurrently and merges their verdicts.
// It never fails: a critic whose call fails or whose output cannot be
// parsed contributes the neutral default so the loop keeps moving.
func (p *Panel) Review(ctx context.Context, draft, storyContext string, priorScenes int) ScoreSet {
	critics := p.critics(priorScenes)
	results := fanout.Run(ctx, len(critics), func(ctx context.Context, i int) (Verdict, error) {
		return p.runCritic(ctx, critics[i], draft, storyContext)
	})

	set := ScoreSet{Verdicts: map[Category]Verdict{}}
	for i, r := range results {
		cat := critics[i].category
		if r.Err != nil {
			p.log.Warn("critic failed, using neutral default", "category", cat, "error", r.Err)
			set.Verdicts[cat] = Verdict{Score: NeutralScore, Fix: "critic unavailable; give the draft a general polish pass"}
			continue
		}
		set.Verdicts[cat] = r.Value
	}
	if p.arcVariant(priorScenes) == ArcSkip {
		set.Verdicts[CategoryArc] = Verdict{Score: 100, Fix: ""}
	}
	p.log.Info("tribunal scored draft", "scores", set.String(), "prior_scenes", priorScenes)
	return set
}

func (p *Panel) runCritic(ctx context.Context, c critic, draft, storyContext string) (Verdict, error) {
	var b strings.Builder
	b.WriteString(c.ask)
	b.WriteString("\nRespond with JSON: {\"score\": <0-100>, \"fix\": \"<the single most useful fix>\"}\n")
	if strings.TrimSpace(storyContext) != "" {
		b.WriteString("\nSTORY CONTEXT:\n" + storyContext + "\n")
	}
	b.WriteString("\nDRAFT:\n" + draft)

	raw, err := p.inv.Invoke(ctx, []llm.Message{
		llm.System(c.system),
		llm.User(b.String()),
	}, invoke.Options{JSONMode: true})
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	if err := jsonutil.DecodeValidated(raw, verdictSchema, &v); err != nil {
		p.log.Debug("critic output unparseable", "category", c.category, "raw", raw, "error", err)
		return Verdict{Score: NeutralScore, Fix: "critic response unparseable; give the draft a general polish pass"}, nil
	}
	return v, nil
}
