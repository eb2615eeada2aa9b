package story

import (
	"fmt"
	"sort"
	"strings"
)

// historyWindow bounds how many recent scenes the context summary
// names.
const historyWindow = 8

// BuildContext renders the state snapshot as the compact story-context
// block fed into prompts. The budgeter treats it as ordinary content,
// so it aims for density over completeness.
func BuildContext(st State) string {
	var b strings.Builder

	if t := st.World["time"]; t != "" {
		fmt.Fprintf(&b, "Time: %s\n", t)
	}
	if l := st.World["location"]; l != "" {
		fmt.Fprintf(&b, "Location: %s\n", l)
	}
	var statusKeys []string
	for k := range st.World {
		if strings.HasPrefix(k, "status:") && st.World[k] != "" {
			statusKeys = append(statusKeys, k)
		}
	}
	sort.Strings(statusKeys)
	for _, k := range statusKeys {
		fmt.Fprintf(&b, "%s: %s\n", strings.TrimPrefix(k, "status:"), st.World[k])
	}
	if len(st.Inventory) > 0 {
		fmt.Fprintf(&b, "Inventory: %s\n", strings.Join(st.Inventory, ", "))
	}

	if n := len(st.History); n > 0 {
		b.WriteString("\nRecent scenes:\n")
		start := 0
		if n > historyWindow {
			start = n - historyWindow
		}
		for _, e := range st.History[start:] {
			line := e.Title
			if e.Consequence != "" {
				line += " -> " + e.Consequence
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	writeList := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n" + header + ":\n")
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", it)
		}
	}
	writeList("Stakes", st.Stakes)
	writeList("Promises to keep", st.Promises)
	writeList("Open questions", st.OpenQuestions)

	if len(st.Characters) > 0 {
		b.WriteString("\nCharacters:\n")
		for _, name := range sortedNames(st.Characters) {
			p := st.Characters[name]
			fmt.Fprintf(&b, "- %s", name)
			if len(p.BehavioralMarkers) > 0 {
				fmt.Fprintf(&b, ": %s", strings.Join(capList(p.BehavioralMarkers, 4), "; "))
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// CharacterNotes renders the learned behavior notes used by the drift
// check.
func CharacterNotes(st State) string {
	var b strings.Builder
	for _, name := range sortedNames(st.Characters) {
		p := st.Characters[name]
		if len(p.BehavioralMarkers) == 0 && len(p.VoiceNotes) == 0 && len(p.HardLimits) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", name)
		for _, m := range p.BehavioralMarkers {
			fmt.Fprintf(&b, "  behavior: %s\n", m)
		}
		for _, v := range p.VoiceNotes {
			fmt.Fprintf(&b, "  voice: %s\n", v)
		}
		for _, h := range p.HardLimits {
			fmt.Fprintf(&b, "  never: %s\n", h)
		}
	}
	return strings.TrimSpace(b.String())
}

func sortedNames(m map[string]*CharacterProfile) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func capList(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
