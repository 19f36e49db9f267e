// Package phrase classifies recognised speech against the configured trigger
// phrases.
//
// Matching is two-staged. A case-insensitive substring test runs first and is
// the only test applied to phrases with sensitivity 1.0. For lower
// sensitivities, a window of transcript words as long as the phrase slides
// over the transcript, and a window matches when its normalised Levenshtein
// similarity reaches the phrase's sensitivity. The first phrase in configured
// order that matches wins.
//
// Everything in this package is pure and safe for concurrent use.
package phrase

import (
	"strings"

	"github.com/MrWong99/guardian/pkg/types"
)

// Match describes a successful classification.
type Match struct {
	// Phrase is the configured trigger that matched.
	Phrase types.TriggerPhrase

	// Span is the part of the transcript that matched, lowercased.
	Span string

	// Similarity is 1 for substring matches, otherwise the window score.
	Similarity float64
}

// Classify returns the first phrase in phrases that matches transcript.
func Classify(transcript string, phrases []types.TriggerPhrase) (Match, bool) {
	words := strings.Fields(strings.ToLower(transcript))
	if len(words) == 0 {
		return Match{}, false
	}
	text := strings.Join(words, " ")

	for _, p := range phrases {
		if m, ok := matchOne(text, words, p); ok {
			return m, true
		}
	}
	return Match{}, false
}

// ClassifyAll tries each recogniser alternative in order and returns the
// first match.
func ClassifyAll(alternatives []string, phrases []types.TriggerPhrase) (Match, bool) {
	for _, alt := range alternatives {
		if m, ok := Classify(alt, phrases); ok {
			return m, true
		}
	}
	return Match{}, false
}

func matchOne(text string, words []string, p types.TriggerPhrase) (Match, bool) {
	target := strings.Join(strings.Fields(strings.ToLower(p.Phrase)), " ")
	if target == "" {
		return Match{}, false
	}
	if strings.Contains(text, target) {
		return Match{Phrase: p, Span: target, Similarity: 1}, true
	}
	if p.Sensitivity >= 1 {
		return Match{}, false
	}

	n := len(strings.Fields(target))
	for i := 0; i+n <= len(words); i++ {
		window := strings.Join(words[i:i+n], " ")
		if sim := Similarity(window, target); sim >= p.Sensitivity {
			return Match{Phrase: p, Span: window, Similarity: sim}, true
		}
	}
	return Match{}, false
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)), measured in
// runes. Two empty strings are identical.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes the edit distance between a and b using two rolling
// rows.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
