// Package budget estimates token cost of a message list and shrinks it
// to fit a context window while preserving the regions a prompt cannot
// lose: the system message and the final instruction.
package budget

import (
	"math"
	"strings"
	"unicode/utf8"

	"scriptorium/internal/llm"
)

const elisionMarker = "\n[...trimmed...]\n"

// Budgeter holds the sizing constants. The token estimate is a plain
// character-count heuristic, not real tokenization; it overshoots on
// dense prose and undershoots on code, which is acceptable because the
// reserve absorbs the error.
type Budgeter struct {
	// CharsPerToken divides character length into an estimated token
	// count.
	CharsPerToken float64
	// ReserveTokens is withheld from every budget as generation
	// headroom.
	ReserveTokens int
	// MinBudgetTokens is the floor below which pressure is treated as
	// extreme.
	MinBudgetTokens int
	// SlashRatio is the per-message retention ratio under normal
	// pressure (0.7 keeps 70%).
	SlashRatio float64
	// ExtremeCapTokens caps the final message under extreme pressure.
	ExtremeCapTokens int
}

func New() Budgeter {
	return Budgeter{
		CharsPerToken:    3.5,
		ReserveTokens:    2000,
		MinBudgetTokens:  1000,
		SlashRatio:       0.7,
		ExtremeCapTokens: 10000,
	}
}

// Estimate returns the approximate token count of s.
func (b Budgeter) Estimate(s string) int {
	cpt := b.CharsPerToken
	if cpt <= 0 {
		cpt = 3.5
	}
	return int(float64(len(s)) / cpt)
}

// EstimateMessages sums Estimate over the message contents.
func (b Budgeter) EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += b.Estimate(m.Content)
	}
	return total
}

// Fit returns a message list whose estimate fits maxTokens less the
// reserve. The input is returned unchanged when it already fits. The
// first system message and the last message are sacred: under normal
// pressure they are never altered, and every other message is shrunk
// by middle-out elision in a single pass. Under extreme pressure,
// where the sacred set alone leaves less than the minimum budget, only
// the last message is hard-capped; the system message is never touched.
// A result that is still over budget after one pass is acceptable and
// shrinks again on the next call.
func (b Budgeter) Fit(msgs []llm.Message, maxTokens int) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}
	budget := maxTokens - b.ReserveTokens
	if b.EstimateMessages(msgs) <= budget {
		return msgs
	}

	sysIdx := -1
	for i, m := range msgs {
		if m.Role == llm.RoleSystem {
			sysIdx = i
			break
		}
	}
	lastIdx := len(msgs) - 1

	sacred := 0
	if sysIdx >= 0 {
		sacred += b.Estimate(msgs[sysIdx].Content)
	}
	if lastIdx != sysIdx {
		sacred += b.Estimate(msgs[lastIdx].Content)
	}

	out := make([]llm.Message, len(msgs))
	copy(out, msgs)

	if budget-sacred < b.MinBudgetTokens {
		// Extreme pressure: the sacred set alone overflows. Cap the
		// final instruction; everything else stays as-is since the
		// next pass has nothing cheaper to cut.
		cpt := b.CharsPerToken
		if cpt <= 0 {
			cpt = 3.5
		}
		capChars := int(float64(b.ExtremeCapTokens) * cpt)
		out[lastIdx].Content = middleOut(out[lastIdx].Content, capChars)
		return out
	}

	ratio := b.SlashRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.7
	}
	for i := range out {
		if i == sysIdx || i == lastIdx {
			continue
		}
		target := int(math.Floor(float64(len(out[i].Content)) * ratio))
		out[i].Content = middleOut(out[i].Content, target)
	}
	return out
}

// middleOut shrinks s to at most target characters by keeping the head
// and tail halves and splicing a marker in between. Short inputs pass
// through.
func middleOut(s string, target int) string {
	if target <= 0 {
		return elisionMarker
	}
	if len(s) <= target {
		return s
	}
	keep := target - len(elisionMarker)
	if keep <= 0 {
		return strings.TrimSpace(s[:floorRune(s, target)])
	}
	head := keep / 2
	tail := keep - head
	return s[:floorRune(s, head)] + elisionMarker + s[ceilRune(s, len(s)-tail):]
}

// floorRune moves i down to a rune boundary so a cut never splits a
// multi-byte rune.
func floorRune(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// ceilRune moves i up to the next rune boundary.
func ceilRune(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
