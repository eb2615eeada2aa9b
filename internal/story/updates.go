package story

import (
	"context"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"scriptorium/internal/jsonutil"
	"scriptorium/internal/llm/invoke"
)

// Analyst runs the JSON-mode bookkeeping calls around the pipeline:
// outline planning, post-finalization state extraction, arc ledger
// updates, character learning, and macro-outline planning. Every call
// has one documented fail-safe default; none of them can block the
// pipeline.
type Analyst struct {
	inv invoke.Invoker
	log *slog.Logger
}

func NewAnalyst(inv invoke.Invoker, log *slog.Logger) *Analyst {
	if log == nil {
		log = slog.Default()
	}
	return &Analyst{inv: inv, log: log.With("component", "analyst")}
}

var outlineSchema = jsonutil.MustSchema("outline.json", `{
	"type": "object",
	"required": ["before_state", "after_state"],
	"properties": {
		"before_state": {"type": "string"},
		"after_state": {"type": "string"},
		"irreversible_change": {"type": "string"},
		"beats": {"type": "array", "items": {"type": "string"}},
		"hooks": {"type": "string"}
	}
}`)

// Outline produces the beat sheet for a unit. The plan is always
// non-null: call or parse failure, or an after-state equal to the
// before-state, yields the degraded fallback plan.
func (a *Analyst) Outline(ctx context.Context, unit WorkUnit, storyContext string) *OutlinePlan {
	raw, err := a.inv.Invoke(ctx, OutlineMessages(unit, storyContext), invoke.Options{JSONMode: true})
	if err != nil {
		a.log.Warn("outline call failed, using fallback plan", "unit", unit.ID, "error", err)
		return FallbackPlan(unit.Goal)
	}
	var plan OutlinePlan
	if err := jsonutil.DecodeValidated(raw, outlineSchema, &plan); err != nil {
		a.log.Warn("outline unparseable, using fallback plan", "unit", unit.ID, "error", err)
		return FallbackPlan(unit.Goal)
	}
	if strings.TrimSpace(plan.AfterState) == strings.TrimSpace(plan.BeforeState) {
		a.log.Warn("outline after_state equals before_state, using fallback plan", "unit", unit.ID)
		return FallbackPlan(unit.Goal)
	}
	return &plan
}

var worldDeltaSchema = jsonutil.MustSchema("world_delta.json", `{
	"type": "object",
	"properties": {
		"time": {"type": "string"},
		"location": {"type": "string"},
		"inventory_add": {"type": "array", "items": {"type": "string"}},
		"inventory_remove": {"type": "array", "items": {"type": "string"}},
		"character_status": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`)

// WorldDelta extracts the conservative world-state change from a
// finalized draft. Failure yields the empty delta.
func (a *Analyst) WorldDelta(ctx context.Context, draftText string) WorldDelta {
	raw, err := a.inv.Invoke(ctx, WorldDeltaMessages(draftText), invoke.Options{JSONMode: true})
	if err != nil {
		a.log.Warn("world delta call failed, skipping", "error", err)
		return WorldDelta{}
	}
	var d WorldDelta
	if err := jsonutil.DecodeValidated(raw, worldDeltaSchema, &d); err != nil {
		a.log.Warn("world delta unparseable, skipping", "error", err)
		return WorldDelta{}
	}
	return d
}

var arcDeltaSchema = jsonutil.MustSchema("arc_delta.json", `{
	"type": "object",
	"properties": {
		"want": {"type": "string"},
		"turn": {"type": "string"},
		"consequence": {"type": "string"},
		"stakes_raised": {"type": "array", "items": {"type": "string"}},
		"promises_made": {"type": "array", "items": {"type": "string"}},
		"questions_opened": {"type": "array", "items": {"type": "string"}},
		"questions_closed": {"type": "array", "items": {"type": "string"}}
	}
}`)

// ArcDelta records the scene's arc contribution. Failure yields the
// empty delta; the scene still enters history.
func (a *Analyst) ArcDelta(ctx context.Context, unit WorkUnit, draftText string) ArcDelta {
	raw, err := a.inv.Invoke(ctx, ArcDeltaMessages(unit, draftText), invoke.Options{JSONMode: true})
	if err != nil {
		a.log.Warn("arc delta call failed, skipping", "unit", unit.ID, "error", err)
		return ArcDelta{}
	}
	var d ArcDelta
	if err := jsonutil.DecodeValidated(raw, arcDeltaSchema, &d); err != nil {
		a.log.Warn("arc delta unparseable, skipping", "unit", unit.ID, "error", err)
		return ArcDelta{}
	}
	return d
}

var profilesSchema = jsonutil.MustSchema("profiles.json", `{
	"type": "object",
	"required": ["characters"],
	"properties": {
		"characters": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"behavioral_markers": {"type": "array", "items": {"type": "string"}},
					"voice_notes": {"type": "array", "items": {"type": "string"}},
					"hard_limits": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`)

// LearnProfiles extracts observed character behavior. Failure yields
// nil.
func (a *Analyst) LearnProfiles(ctx context.Context, draftText string) []CharacterProfile {
	raw, err := a.inv.Invoke(ctx, ProfileLearnMessages(draftText), invoke.Options{JSONMode: true})
	if err != nil {
		a.log.Warn("profile learning call failed, skipping", "error", err)
		return nil
	}
	var out struct {
		Characters []CharacterProfile `json:"characters"`
	}
	if err := jsonutil.DecodeValidated(raw, profilesSchema, &out); err != nil {
		a.log.Warn("profile learning unparseable, skipping", "error", err)
		return nil
	}
	return out.Characters
}

var macroOutlineSchema = jsonutil.MustSchema("macro_outline.json", `{
	"type": "object",
	"required": ["scenes"],
	"properties": {
		"scenes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["title", "goal"],
				"properties": {
					"title": {"type": "string"},
					"goal": {"type": "string"}
				}
			}
		}
	}
}`)

// MacroOutline plans the next run of scenes for auto-seeding. The
// fail-safe default is a single open-ended scene so seeding always has
// something to create.
func (a *Analyst) MacroOutline(ctx context.Context, storyContext string, targetWords, currentWords int) []PlannedScene {
	fallback := []PlannedScene{{
		Title: "Next scene",
		Goal:  "Advance the story from where the last scene left off.",
	}}
	raw, err := a.inv.Invoke(ctx, MacroOutlineMessages(storyContext, targetWords, currentWords), invoke.Options{JSONMode: true})
	if err != nil {
		a.log.Warn("macro outline call failed, using fallback", "error", err)
		return fallback
	}
	var out struct {
		Scenes []PlannedScene `json:"scenes"`
	}
	if err := jsonutil.DecodeValidated(raw, macroOutlineSchema, &out); err != nil {
		a.log.Warn("macro outline unparseable, using fallback", "error", err)
		return fallback
	}
	return out.Scenes
}

const stateBlockMarker = "UPDATE_STATE:"

type yamlDelta struct {
	Time            string            `yaml:"time"`
	Location        string            `yaml:"location"`
	InventoryAdd    []string          `yaml:"inventory_add"`
	InventoryRemove []string          `yaml:"inventory_remove"`
	CharacterStatus map[string]string `yaml:"character_status"`
}

// ExtractStateBlock parses a trailing UPDATE_STATE: YAML block the
// model embedded in the draft and returns the delta plus the draft
// with the block stripped. ok is false when no parseable block exists;
// the draft is returned unchanged then.
func ExtractStateBlock(draftText string) (WorldDelta, string, bool) {
	idx := strings.LastIndex(draftText, stateBlockMarker)
	if idx < 0 {
		return WorldDelta{}, draftText, false
	}
	// The marker must start its line.
	if idx > 0 && draftText[idx-1] != '\n' {
		return WorldDelta{}, draftText, false
	}
	body := draftText[idx+len(stateBlockMarker):]
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")

	var yd yamlDelta
	if err := yaml.Unmarshal([]byte(body), &yd); err != nil {
		return WorldDelta{}, draftText, false
	}

	prose := draftText[:idx]
	// Drop a fence line that opened the block.
	prose = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(prose), "```"))
	return WorldDelta{
		Time:            yd.Time,
		Location:        yd.Location,
		InventoryAdd:    yd.InventoryAdd,
		InventoryRemove: yd.InventoryRemove,
		CharacterStatus: yd.CharacterStatus,
	}, prose, true
}
