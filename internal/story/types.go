// Package story holds the domain types shared across the pipeline:
// work units, outline plans, narrative state, and the prompt builders
// that turn them into message lists.
package story

import "strings"

// WorkUnit is one scene to generate. Created by the external task
// source; read-only to the pipeline for the unit's lifetime.
type WorkUnit struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Goal  string `json:"goal"`
	// Ref is the external queue's own identifier when it differs from
	// ID (it rarely does with beads).
	Ref string `json:"ref,omitempty"`
}

// OutlinePlan is the beat sheet produced once per unit and consumed
// read-only afterward.
type OutlinePlan struct {
	BeforeState        string   `json:"before_state"`
	AfterState         string   `json:"after_state"`
	IrreversibleChange string   `json:"irreversible_change"`
	Beats              []string `json:"beats"`
	Hooks              string   `json:"hooks,omitempty"`
}

// Degraded reports whether the plan carries no usable structure, which
// happens when outline parsing fell back to the default.
func (p *OutlinePlan) Degraded() bool {
	if p == nil {
		return true
	}
	return strings.TrimSpace(p.BeforeState) == "" && len(p.Beats) == 0
}

// FallbackPlan returns the non-null degraded plan used when outline
// generation or parsing fails. Downstream stages receive weaker
// context but never block on a missing plan.
func FallbackPlan(goal string) *OutlinePlan {
	return &OutlinePlan{
		IrreversibleChange: strings.TrimSpace(goal),
	}
}

// CharacterProfile is the typed record of learned character behavior.
// List fields are bounded by the learner; dedup happens on upsert.
type CharacterProfile struct {
	Name              string   `json:"name"`
	BehavioralMarkers []string `json:"behavioral_markers,omitempty"`
	VoiceNotes        []string `json:"voice_notes,omitempty"`
	HardLimits        []string `json:"hard_limits,omitempty"`
}

// SceneEntry is one finalized scene's ledger line in story history.
type SceneEntry struct {
	SceneID     string `json:"scene_id"`
	Title       string `json:"title"`
	Want        string `json:"want,omitempty"`
	Turn        string `json:"turn,omitempty"`
	Consequence string `json:"consequence,omitempty"`
	WordCount   int    `json:"word_count"`
}

// WorldDelta is the conservative world-state change extracted after a
// scene is finalized.
type WorldDelta struct {
	Time            string            `json:"time,omitempty"`
	Location        string            `json:"location,omitempty"`
	InventoryAdd    []string          `json:"inventory_add,omitempty"`
	InventoryRemove []string          `json:"inventory_remove,omitempty"`
	CharacterStatus map[string]string `json:"character_status,omitempty"`
}

// ArcDelta is the arc-ledger update recorded per finalized scene.
type ArcDelta struct {
	Want           string   `json:"want,omitempty"`
	Turn           string   `json:"turn,omitempty"`
	Consequence    string   `json:"consequence,omitempty"`
	StakesRaised   []string `json:"stakes_raised,omitempty"`
	PromisesMade   []string `json:"promises_made,omitempty"`
	QuestionsOpened []string `json:"questions_opened,omitempty"`
	QuestionsClosed []string `json:"questions_closed,omitempty"`
}
