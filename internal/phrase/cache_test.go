package phrase

import (
	"strings"
	"testing"

	"github.com/MrWong99/guardian/pkg/types"
)

func TestCache_RoundTrip(t *testing.T) {
	in := []types.TriggerPhrase{
		{Phrase: "help", Severity: types.SeverityCritical, Sensitivity: 0.8},
		{Phrase: "i am lost", Severity: types.SeverityNotice, Sensitivity: 1},
		{Phrase: "emergency", Severity: types.SeverityCritical, Sensitivity: 0.65},
	}
	enc, skipped := EncodeCache(in)
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v", skipped)
	}
	out, err := DecodeCache(enc)
	if err != nil {
		t.Fatalf("DecodeCache: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("[%d] = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestCache_LegacyTwoFieldEntries(t *testing.T) {
	out, err := DecodeCache("help|CRITICAL,running late|NOTICE")
	if err != nil {
		t.Fatalf("DecodeCache: %v", err)
	}
	want := []types.TriggerPhrase{
		{Phrase: "help", Severity: types.SeverityCritical, Sensitivity: types.DefaultSensitivity},
		{Phrase: "running late", Severity: types.SeverityNotice, Sensitivity: types.DefaultSensitivity},
	}
	if len(out) != len(want) {
		t.Fatalf("got %+v", out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("[%d] = %+v, want %+v", i, out[i], want[i])
		}
	}
}

func TestCache_SkipsDelimiters(t *testing.T) {
	enc, skipped := EncodeCache([]types.TriggerPhrase{
		{Phrase: "stop, now", Severity: types.SeverityCritical, Sensitivity: 1},
		{Phrase: "a|b", Severity: types.SeverityCritical, Sensitivity: 1},
		{Phrase: "help", Severity: types.SeverityCritical, Sensitivity: 1},
	})
	if len(skipped) != 2 {
		t.Errorf("skipped = %d, want 2", len(skipped))
	}
	if enc != "help|CRITICAL|1" {
		t.Errorf("encoded = %q", enc)
	}
}

func TestCache_Malformed(t *testing.T) {
	for _, in := range []string{
		"help",
		"help|SEVERE",
		"help|CRITICAL|abc",
		"help|CRITICAL|2",
		"help|CRITICAL|0.8|extra",
		"|CRITICAL",
	} {
		if out, err := DecodeCache(in); err == nil {
			t.Errorf("DecodeCache(%q) = %+v, want error", in, out)
		}
	}
}

func TestCache_Empty(t *testing.T) {
	out, err := DecodeCache("")
	if err != nil || len(out) != 0 {
		t.Errorf("got %v, %v", out, err)
	}
	enc, _ := EncodeCache(nil)
	if enc != "" {
		t.Errorf("encoded = %q", enc)
	}
}

func TestLint(t *testing.T) {
	warns := Lint([]types.TriggerPhrase{
		{Phrase: "help", Severity: types.SeverityCritical, Sensitivity: 0.8},
		{Phrase: "HELP", Severity: types.SeverityCritical, Sensitivity: 0.8},
		{Phrase: "night", Severity: types.SeverityNotice, Sensitivity: 1},
		{Phrase: "knight", Severity: types.SeverityNotice, Sensitivity: 1},
		{Phrase: "", Severity: types.SeverityNotice, Sensitivity: 1},
		{Phrase: "stop|go", Severity: types.SeverityNotice, Sensitivity: 1},
	})

	want := map[string]string{
		"HELP":    "duplicate",
		"knight":  "sounds like",
		"":        "phrase is empty",
		"stop|go": "cannot be cached",
	}
	got := make(map[string]string)
	for _, w := range warns {
		got[w.Phrase] = w.Message
	}
	for phrase, substr := range want {
		msg, ok := got[phrase]
		if !ok {
			t.Errorf("missing warning for %q", phrase)
			continue
		}
		if !strings.Contains(msg, substr) {
			t.Errorf("warning for %q = %q, want substring %q", phrase, msg, substr)
		}
	}
	if _, ok := got["help"]; ok {
		t.Error("first occurrence must not be warned about")
	}
}

func TestNearMiss(t *testing.T) {
	p, span, score, ok := NearMiss("halp me", types.DefaultTriggerPhrases())
	if !ok {
		t.Fatal("expected near miss")
	}
	if p.Phrase != "help" || span != "halp" || score <= 0.75 {
		t.Errorf("got %q %q %.3f", p.Phrase, span, score)
	}
	if _, _, _, ok := NearMiss("good morning sunshine", types.DefaultTriggerPhrases()); ok {
		t.Error("unexpected near miss")
	}
}
