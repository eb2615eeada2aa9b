package story

import (
	"fmt"
	"sort"
	"strings"

	"scriptorium/internal/lint"
	"scriptorium/internal/llm"
)

// Prompt builders. Content is deliberately minimal and functional; the
// literary rubric text lives with the project, not in code. Every
// builder puts the instruction last so the budgeter treats it as
// sacred.

const draftSystem = "You are a novelist writing one scene of an ongoing book. Write prose only: no titles, no notes, no commentary."

func OutlineMessages(unit WorkUnit, storyContext string) []llm.Message {
	var b strings.Builder
	if storyContext != "" {
		b.WriteString("STORY SO FAR:\n" + storyContext + "\n\n")
	}
	fmt.Fprintf(&b, "Plan the scene %q.\nGoal: %s\n\n", unit.Title, unit.Goal)
	b.WriteString(`Respond with JSON:
{"before_state": "<situation as the scene opens>",
 "after_state": "<situation as it closes, must differ>",
 "irreversible_change": "<what cannot be undone>",
 "beats": ["<beat 1>", "<beat 2>", "..."],
 "hooks": "<threads to leave open>"}`)
	return []llm.Message{
		llm.System("You are a story architect planning a single scene."),
		llm.User(b.String()),
	}
}

func DraftMessages(unit WorkUnit, plan *OutlinePlan, storyContext, recentProse string) []llm.Message {
	msgs := []llm.Message{llm.System(draftSystem)}
	if storyContext != "" {
		msgs = append(msgs, llm.User("STORY SO FAR:\n"+storyContext))
	}
	if recentProse != "" {
		msgs = append(msgs, llm.User("PRECEDING PROSE (match its voice):\n"+recentProse))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write the scene %q.\nGoal: %s\n", unit.Title, unit.Goal)
	if !plan.Degraded() {
		fmt.Fprintf(&b, "\nOpens: %s\nCloses: %s\nIrreversible change: %s\n",
			plan.BeforeState, plan.AfterState, plan.IrreversibleChange)
		for i, beat := range plan.Beats {
			fmt.Fprintf(&b, "Beat %d: %s\n", i+1, beat)
		}
	} else if plan != nil && plan.IrreversibleChange != "" {
		fmt.Fprintf(&b, "\nIrreversible change: %s\n", plan.IrreversibleChange)
	}
	b.WriteString("\nWrite the full scene now.")
	return append(msgs, llm.User(b.String()))
}

func LintReviseMessages(draftText string, issues []lint.Issue) []llm.Message {
	var b strings.Builder
	b.WriteString("Revise the scene below fixing ONLY these issues. Change nothing else: keep every event, line of dialogue, and paragraph in place.\n\nISSUES:\n")
	for _, i := range issues {
		fmt.Fprintf(&b, "- %s\n", i)
	}
	b.WriteString("\nSCENE:\n" + draftText + "\n\nReturn the full revised scene.")
	return []llm.Message{llm.System(draftSystem), llm.User(b.String())}
}

func SubtextMapMessages(draftText string) []llm.Message {
	var b strings.Builder
	b.WriteString(`For each speaker in the scene below, give what they want, what they avoid saying, and the tactic they use instead.
Respond with JSON: {"speakers": [{"name": "...", "want": "...", "avoid": "...", "tactic": "..."}]}` + "\n\nSCENE:\n")
	b.WriteString(draftText)
	return []llm.Message{
		llm.System("You analyze dialogue subtext."),
		llm.User(b.String()),
	}
}

func SubtextReviseMessages(draftText, subtextMap string) []llm.Message {
	var b strings.Builder
	b.WriteString("Revise the dialogue in the scene below so each speaker pursues their want obliquely, per this subtext map. Keep all events and narration intact.\n\nSUBTEXT MAP:\n")
	b.WriteString(subtextMap)
	b.WriteString("\n\nSCENE:\n" + draftText + "\n\nReturn the full revised scene.")
	return []llm.Message{llm.System(draftSystem), llm.User(b.String())}
}

func DriftCheckMessages(draftText, characterNotes string) []llm.Message {
	var b strings.Builder
	b.WriteString(`Compare the scene against these established character notes. List any place a character acts against their record.
Respond with JSON: {"drift_found": <bool>, "notes": "<what drifted and how to fix it>"}` + "\n\nCHARACTER NOTES:\n")
	b.WriteString(characterNotes)
	b.WriteString("\n\nSCENE:\n" + draftText)
	return []llm.Message{
		llm.System("You are a continuity editor."),
		llm.User(b.String()),
	}
}

func DriftReviseMessages(draftText, driftNotes string) []llm.Message {
	var b strings.Builder
	b.WriteString("Revise the scene below to correct these continuity problems. Change only what the notes require.\n\nPROBLEMS:\n")
	b.WriteString(driftNotes)
	b.WriteString("\n\nSCENE:\n" + draftText + "\n\nReturn the full revised scene.")
	return []llm.Message{llm.System(draftSystem), llm.User(b.String())}
}

// RevisionMessages builds the tribunal revision prompt: every
// category's fix, the priority directive, the attempt history block
// that discourages repeating a failed approach, and the still-binding
// plan constraints.
func RevisionMessages(draftText string, fixes map[string]string, priorityFix, attemptHistory string, plan *OutlinePlan) []llm.Message {
	var b strings.Builder
	b.WriteString("Revise the scene below.\n\n" + priorityFix + "\n\nAll requested fixes:\n")
	cats := make([]string, 0, len(fixes))
	for cat := range fixes {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		if strings.TrimSpace(fixes[cat]) == "" {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", cat, fixes[cat])
	}
	if attemptHistory != "" {
		b.WriteString("\nPrior attempts (do not repeat these approaches):\n" + attemptHistory + "\n")
	}
	if !plan.Degraded() {
		fmt.Fprintf(&b, "\nThe scene must still open at %q, close at %q, and keep the irreversible change: %s\n",
			plan.BeforeState, plan.AfterState, plan.IrreversibleChange)
	}
	b.WriteString("\nSCENE:\n" + draftText + "\n\nReturn the full revised scene.")
	return []llm.Message{llm.System(draftSystem), llm.User(b.String())}
}

func WorldDeltaMessages(draftText string) []llm.Message {
	var b strings.Builder
	b.WriteString(`Extract only what this scene explicitly changed in the story world. Be conservative: omit anything not clearly stated.
Respond with JSON: {"time": "...", "location": "...", "inventory_add": [], "inventory_remove": [], "character_status": {"<name>": "<status>"}}` + "\n\nSCENE:\n")
	b.WriteString(draftText)
	return []llm.Message{
		llm.System("You track story-world state."),
		llm.User(b.String()),
	}
}

func ArcDeltaMessages(unit WorkUnit, draftText string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "For the finalized scene %q, record its arc contribution.\n", unit.Title)
	b.WriteString(`Respond with JSON: {"want": "...", "turn": "...", "consequence": "...", "stakes_raised": [], "promises_made": [], "questions_opened": [], "questions_closed": []}` + "\n\nSCENE:\n")
	b.WriteString(draftText)
	return []llm.Message{
		llm.System("You keep the book's arc ledger."),
		llm.User(b.String()),
	}
}

func ProfileLearnMessages(draftText string) []llm.Message {
	var b strings.Builder
	b.WriteString(`From the scene below, extract observed character behavior worth remembering.
Respond with JSON: {"characters": [{"name": "...", "behavioral_markers": [], "voice_notes": [], "hard_limits": []}]}
List only what the scene demonstrates, at most three items per list.` + "\n\nSCENE:\n")
	b.WriteString(draftText)
	return []llm.Message{
		llm.System("You maintain character bibles."),
		llm.User(b.String()),
	}
}

func MacroOutlineMessages(storyContext string, targetWords, currentWords int) []llm.Message {
	var b strings.Builder
	if storyContext != "" {
		b.WriteString("STORY SO FAR:\n" + storyContext + "\n\n")
	}
	fmt.Fprintf(&b, "The book is at %d of %d words. Plan the next scenes.\n", currentWords, targetWords)
	b.WriteString(`Respond with JSON: {"scenes": [{"title": "...", "goal": "<one sentence of what must happen>"}]}
Plan 5 to 10 scenes.`)
	return []llm.Message{
		llm.System("You are a story architect planning the road ahead."),
		llm.User(b.String()),
	}
}

// HasDialogue is the quote-pattern heuristic gating the subtext stage.
func HasDialogue(text string) bool {
	straight := strings.Count(text, `"`)
	curly := strings.Count(text, "“") + strings.Count(text, "”")
	return straight >= 2 || curly >= 2
}
