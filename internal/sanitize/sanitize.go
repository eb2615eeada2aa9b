// Package sanitize strips model artifacts from generated prose: leaked
// reasoning blocks, markup tags, meta-commentary, foreign-script
// bleed, and duplicated paragraphs. The transform is pure text
// cleaning, independent of pipeline order.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	reasoningBlockRe = regexp.MustCompile(`(?is)<(think|thinking|reasoning|reflection|scratchpad)>.*?</\s*(think|thinking|reasoning|reflection|scratchpad)\s*>`)
	// Unclosed reasoning at the start of output: drop through the
	// first close tag or, failing that, the first blank line.
	danglingOpenRe  = regexp.MustCompile(`(?is)^\s*<(think|thinking|reasoning|reflection|scratchpad)>`)
	markupTagRe     = regexp.MustCompile(`(?i)</?(scene|draft|story|chapter|output|response|text|answer|result)>`)
	codeFenceRe     = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")
	multiNewlineRe  = regexp.MustCompile(`\n{3,}`)
	trailingSpaceRe = regexp.MustCompile(`(?m)[ \t]+$`)

	metaLineRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(sure|certainly|of course)[,!.].*$`),
		regexp.MustCompile(`(?i)^here('s| is) (the|your|a) (scene|draft|revised|rewritten|story|chapter).*$`),
		regexp.MustCompile(`(?i)^i hope (this|you).*$`),
		regexp.MustCompile(`(?i)^let me know if.*$`),
		regexp.MustCompile(`(?i)^as an ai\b.*$`),
		regexp.MustCompile(`(?i)^\**\s*word count\s*[:(].*$`),
		regexp.MustCompile(`(?i)^\**\s*note\s*:.*$`),
		regexp.MustCompile(`(?i)^\[?(end|beginning) of (scene|draft|chapter)\]?.*$`),
		regexp.MustCompile(`(?i)^(system|user|assistant)\s*:\s*$`),
	}
)

// Clean applies the full sanitizer to raw model output.
func Clean(raw string) string {
	s := raw

	s = reasoningBlockRe.ReplaceAllString(s, "")
	if loc := danglingOpenRe.FindStringIndex(s); loc != nil {
		// No matching close tag survived above; cut to the first blank
		// line after the open tag.
		rest := s[loc[1]:]
		if i := strings.Index(rest, "\n\n"); i >= 0 {
			s = rest[i+2:]
		} else {
			s = ""
		}
	}

	s = markupTagRe.ReplaceAllString(s, "")
	s = codeFenceRe.ReplaceAllString(s, "")
	s = dropMetaLines(s)
	s = stripForeignScript(s)
	s = dropDuplicateParagraphs(s)

	s = trailingSpaceRe.ReplaceAllString(s, "")
	s = multiNewlineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func dropMetaLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		meta := false
		for _, re := range metaLineRes {
			if re.MatchString(trimmed) {
				meta = true
				break
			}
		}
		if !meta {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// stripForeignScript removes runes from scripts that bleed out of
// multilingual base models mid-generation. Latin text with accents,
// typographic punctuation, and whitespace pass through.
func stripForeignScript(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.Is(unicode.Han, r),
			unicode.Is(unicode.Hiragana, r),
			unicode.Is(unicode.Katakana, r),
			unicode.Is(unicode.Hangul, r),
			unicode.Is(unicode.Cyrillic, r),
			unicode.Is(unicode.Arabic, r),
			unicode.Is(unicode.Devanagari, r),
			unicode.Is(unicode.Thai, r):
			return -1
		}
		return r
	}, s)
}

func dropDuplicateParagraphs(s string) string {
	paras := strings.Split(s, "\n\n")
	seen := make(map[string]bool, len(paras))
	out := make([]string, 0, len(paras))
	for _, p := range paras {
		key := strings.TrimSpace(p)
		if key == "" {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return strings.Join(out, "\n\n")
}
