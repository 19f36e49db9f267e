package phrase

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/guardian/pkg/types"
)

// nearMissThreshold is the Jaro-Winkler score above which an unmatched
// window is reported by [NearMiss].
const nearMissThreshold = 0.75

// Warning is a non-fatal problem found in a phrase set.
type Warning struct {
	Phrase  string
	Message string
}

// String implements fmt.Stringer.
func (w Warning) String() string {
	return fmt.Sprintf("%q: %s", w.Phrase, w.Message)
}

// Lint inspects a phrase set for configurations that behave surprisingly:
// invalid entries, duplicates, phrases the cache cannot store, and pairs
// of phrases whose Double Metaphone codes collide (a recogniser is likely to
// confuse them, and only the first one will ever win).
func Lint(phrases []types.TriggerPhrase) []Warning {
	var warns []Warning
	seen := make(map[string]int, len(phrases))
	codes := make([]map[string]struct{}, len(phrases))

	for i, p := range phrases {
		key := strings.ToLower(strings.TrimSpace(p.Phrase))
		if err := p.Validate(); err != nil {
			warns = append(warns, Warning{Phrase: p.Phrase, Message: err.Error()})
			continue
		}
		if prev, ok := seen[key]; ok {
			warns = append(warns, Warning{Phrase: p.Phrase, Message: fmt.Sprintf("duplicate of entry %d", prev)})
			continue
		}
		seen[key] = i
		if strings.ContainsAny(p.Phrase, entrySep+fieldSep) {
			warns = append(warns, Warning{Phrase: p.Phrase, Message: "contains ',' or '|' and cannot be cached offline"})
		}

		codes[i] = phraseCodes(key)
		for j := 0; j < i; j++ {
			if codes[j] == nil {
				continue
			}
			if sameCodes(codes[i], codes[j]) {
				warns = append(warns, Warning{
					Phrase:  p.Phrase,
					Message: fmt.Sprintf("sounds like %q; the earlier phrase always wins", phrases[j].Phrase),
				})
				break
			}
		}
	}
	return warns
}

// NearMiss reports the phrase and transcript window with the highest
// Jaro-Winkler similarity, provided it exceeds an internal threshold. It is
// used only for debug logging of transcripts that did not match.
func NearMiss(transcript string, phrases []types.TriggerPhrase) (types.TriggerPhrase, string, float64, bool) {
	words := strings.Fields(strings.ToLower(transcript))
	var (
		bestPhrase types.TriggerPhrase
		bestSpan   string
		bestScore  float64
	)
	for _, p := range phrases {
		target := strings.Join(strings.Fields(strings.ToLower(p.Phrase)), " ")
		n := len(strings.Fields(target))
		if n == 0 {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			window := strings.Join(words[i:i+n], " ")
			if s := matchr.JaroWinkler(window, target, false); s > bestScore {
				bestPhrase, bestSpan, bestScore = p, window, s
			}
		}
	}
	if bestScore < nearMissThreshold {
		return types.TriggerPhrase{}, "", 0, false
	}
	return bestPhrase, bestSpan, bestScore, true
}

// phraseCodes returns the concatenated primary Double Metaphone code of each
// word, plus the variant built from secondary codes.
func phraseCodes(s string) map[string]struct{} {
	var prim, sec []string
	for _, w := range strings.Fields(s) {
		p, q := matchr.DoubleMetaphone(w)
		if p == "" {
			return nil
		}
		if q == "" {
			q = p
		}
		prim = append(prim, p)
		sec = append(sec, q)
	}
	if len(prim) == 0 {
		return nil
	}
	return map[string]struct{}{
		strings.Join(prim, " "): {},
		strings.Join(sec, " "):  {},
	}
}

func sameCodes(a, b map[string]struct{}) bool {
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
