package phrase

import (
	"testing"

	"github.com/MrWong99/guardian/pkg/types"
)

func crit(p string, sens float64) types.TriggerPhrase {
	return types.TriggerPhrase{Phrase: p, Severity: types.SeverityCritical, Sensitivity: sens}
}

func TestClassify_Substring(t *testing.T) {
	m, ok := Classify("please HELP me", []types.TriggerPhrase{crit("help", 1.0)})
	if !ok {
		t.Fatal("expected match")
	}
	if m.Span != "help" || m.Similarity != 1 {
		t.Errorf("match = %+v", m)
	}
}

func TestClassify_CollapsesTranscriptWhitespace(t *testing.T) {
	for _, transcript := range []string{"call  the police", "call\tthe\n police", "  CALL the   police now"} {
		m, ok := Classify(transcript, []types.TriggerPhrase{crit("call the police", 1.0)})
		if !ok {
			t.Errorf("%q: expected exact match", transcript)
			continue
		}
		if m.Span != "call the police" || m.Similarity != 1 {
			t.Errorf("%q: match = %+v", transcript, m)
		}
	}
}

func TestClassify_ExactSensitivityRejectsFuzzy(t *testing.T) {
	if _, ok := Classify("holp", []types.TriggerPhrase{crit("help", 1.0)}); ok {
		t.Fatal("sensitivity 1.0 must not match fuzzily")
	}
}

func TestClassify_Fuzzy(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		phrase     types.TriggerPhrase
		wantMatch  bool
		wantSpan   string
	}{
		{name: "one substitution at 0.7", transcript: "holp", phrase: crit("help", 0.7), wantMatch: true, wantSpan: "holp"},
		{name: "one substitution at threshold", transcript: "holp", phrase: crit("help", 0.75), wantMatch: true, wantSpan: "holp"},
		{name: "one substitution above threshold", transcript: "holp", phrase: crit("help", 0.76), wantMatch: false},
		{name: "multiword window", transcript: "oh please call the polise now", phrase: crit("call the police", 0.8), wantMatch: true, wantSpan: "call the polise"},
		{name: "phrase longer than transcript", transcript: "hi", phrase: crit("call the police", 0.1), wantMatch: false},
		{name: "substring inside word", transcript: "helpful", phrase: crit("help", 0.8), wantMatch: true, wantSpan: "help"},
		{name: "unrelated", transcript: "good morning", phrase: crit("emergency", 0.8), wantMatch: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := Classify(tc.transcript, []types.TriggerPhrase{tc.phrase})
			if ok != tc.wantMatch {
				t.Fatalf("match = %v, want %v (%+v)", ok, tc.wantMatch, m)
			}
			if ok && m.Span != tc.wantSpan {
				t.Errorf("span = %q, want %q", m.Span, tc.wantSpan)
			}
		})
	}
}

func TestClassify_OneEditMatchesAtBound(t *testing.T) {
	// A single edit on a phrase of length n matches iff sensitivity <= 1 - 1/n.
	phrases := []string{"help", "emergency", "fire"}
	for _, p := range phrases {
		r := []rune(p)
		r[1] = 'x'
		edited := string(r)
		bound := 1 - 1/float64(len(r))
		if _, ok := Classify(edited, []types.TriggerPhrase{crit(p, bound)}); !ok {
			t.Errorf("%q vs %q at %.4f: expected match", edited, p, bound)
		}
		if _, ok := Classify(edited, []types.TriggerPhrase{crit(p, 1.0)}); ok {
			t.Errorf("%q vs %q at 1.0: expected no match", edited, p)
		}
	}
}

func TestClassify_EmptyTranscript(t *testing.T) {
	if _, ok := Classify("   ", types.DefaultTriggerPhrases()); ok {
		t.Fatal("empty transcript must not match")
	}
}

func TestClassify_FirstPhraseWins(t *testing.T) {
	phrases := []types.TriggerPhrase{
		{Phrase: "stop", Severity: types.SeverityNotice, Sensitivity: 1},
		crit("help", 1),
	}
	m, ok := Classify("help stop", phrases)
	if !ok {
		t.Fatal("expected match")
	}
	if m.Phrase.Phrase != "stop" {
		t.Errorf("winner = %q, want stop (configured first)", m.Phrase.Phrase)
	}
}

func TestClassify_EmptyPhraseIgnored(t *testing.T) {
	if _, ok := Classify("anything", []types.TriggerPhrase{crit("", 0.5)}); ok {
		t.Fatal("empty phrase must never match")
	}
}

func TestClassifyAll_TriesAlternativesInOrder(t *testing.T) {
	m, ok := ClassifyAll([]string{"good morning", "emergency now"}, types.DefaultTriggerPhrases())
	if !ok || m.Phrase.Phrase != "emergency" {
		t.Fatalf("got %+v, %v", m, ok)
	}
	if _, ok := ClassifyAll(nil, types.DefaultTriggerPhrases()); ok {
		t.Fatal("no alternatives must not match")
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"help", "holp", 1},
		{"flaw", "lawn", 2},
		{"straße", "strasse", 2},
	}
	for _, tc := range tests {
		if got := levenshtein([]rune(tc.a), []rune(tc.b)); got != tc.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("help", "holp"); got != 0.75 {
		t.Errorf("Similarity = %v, want 0.75", got)
	}
	if got := Similarity("", ""); got != 1 {
		t.Errorf("Similarity of empty strings = %v, want 1", got)
	}
}
