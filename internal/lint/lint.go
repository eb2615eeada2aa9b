// Package lint is a deterministic local prose linter. It never calls
// the model; it produces a concrete issue list that a single revision
// prompt can be constrained to.
package lint

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Issue struct {
	Kind   string // filter_word, generic_verb, cliche, repetition, monotonous_opening
	Detail string
}

func (i Issue) String() string { return i.Kind + ": " + i.Detail }

var filterWords = []string{
	"felt", "saw", "heard", "noticed", "realized", "seemed",
	"watched", "wondered", "knew", "thought",
}

var genericVerbs = []string{
	"walked", "went", "got", "put", "looked", "moved",
}

var cliches = []string{
	"heart pounded",
	"heart skipped a beat",
	"blood ran cold",
	"time stood still",
	"deafening silence",
	"shiver down",
	"a breath she didn't know",
	"a breath he didn't know",
	"let out a breath",
	"eyes widened",
}

const (
	filterWordLimit  = 2
	genericVerbLimit = 3
	repetitionLimit  = 5
	openingRunLimit  = 3
)

var (
	wordRe     = regexp.MustCompile(`[a-zA-Z']+`)
	sentenceRe = regexp.MustCompile(`[.!?]+[\s"']*`)
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "was": true, "were": true, "is": true, "are": true, "be": true,
	"had": true, "has": true, "have": true, "it": true, "its": true, "her": true,
	"his": true, "she": true, "he": true, "they": true, "them": true, "their": true,
	"that": true, "this": true, "as": true, "from": true, "not": true, "no": true,
	"into": true, "out": true, "up": true, "down": true, "then": true, "when": true,
	"you": true, "your": true, "him": true, "what": true, "all": true, "said": true,
}

// Check runs every lint pass over text and returns the combined issue
// list, stable-ordered by kind then detail.
func Check(text string) []Issue {
	lower := strings.ToLower(text)
	counts := wordCounts(lower)

	var issues []Issue
	for _, w := range filterWords {
		if n := counts[w]; n > filterWordLimit {
			issues = append(issues, Issue{
				Kind:   "filter_word",
				Detail: fmt.Sprintf("%q appears %d times (limit %d); show the perception directly", w, n, filterWordLimit),
			})
		}
	}
	for _, v := range genericVerbs {
		if n := counts[v]; n > genericVerbLimit {
			issues = append(issues, Issue{
				Kind:   "generic_verb",
				Detail: fmt.Sprintf("%q appears %d times (limit %d); pick a more specific verb", v, n, genericVerbLimit),
			})
		}
	}
	for _, c := range cliches {
		if strings.Contains(lower, c) {
			issues = append(issues, Issue{
				Kind:   "cliche",
				Detail: fmt.Sprintf("cliche phrase %q; replace with a fresh image", c),
			})
		}
	}
	issues = append(issues, repetitionIssues(counts)...)
	issues = append(issues, openingIssues(text)...)

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Kind != issues[j].Kind {
			return issues[i].Kind < issues[j].Kind
		}
		return issues[i].Detail < issues[j].Detail
	})
	return issues
}

func wordCounts(lower string) map[string]int {
	counts := map[string]int{}
	for _, w := range wordRe.FindAllString(lower, -1) {
		counts[w]++
	}
	return counts
}

func repetitionIssues(counts map[string]int) []Issue {
	var words []string
	for w, n := range counts {
		if len(w) < 4 || stopwords[w] {
			continue
		}
		if n > repetitionLimit {
			words = append(words, fmt.Sprintf("%q (%d times)", w, n))
		}
	}
	if len(words) == 0 {
		return nil
	}
	sort.Strings(words)
	return []Issue{{
		Kind:   "repetition",
		Detail: "overused words: " + strings.Join(words, ", ") + "; vary the vocabulary",
	}}
}

// openingIssues flags runs of consecutive sentences opening with the
// same word.
func openingIssues(text string) []Issue {
	sentences := sentenceRe.Split(text, -1)
	var issues []Issue
	run := 1
	prev := ""
	for _, s := range sentences {
		first := firstWord(s)
		if first == "" {
			continue
		}
		if first == prev {
			run++
			if run == openingRunLimit {
				issues = append(issues, Issue{
					Kind:   "monotonous_opening",
					Detail: fmt.Sprintf("%d consecutive sentences open with %q; vary sentence structure", openingRunLimit, first),
				})
			}
		} else {
			run = 1
			prev = first
		}
	}
	return issues
}

func firstWord(s string) string {
	m := wordRe.FindString(strings.ToLower(strings.TrimSpace(s)))
	return m
}
