package observe

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRing_Overwrites(t *testing.T) {
	r := NewRing(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		r.add(Entry{Message: m})
	}
	got := r.Entries(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].Message != want {
			t.Errorf("[%d] = %q, want %q", i, got[i].Message, want)
		}
	}
	if last := r.Entries(1); len(last) != 1 || last[0].Message != "e" {
		t.Errorf("Entries(1) = %+v", last)
	}
}

func TestRingHandler_TeesRecords(t *testing.T) {
	ring := NewRing(10)
	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	log := slog.New(NewRingHandler(next, ring, slog.LevelInfo))

	log.With("component", "alert").WithGroup("dispatch").Info("sent", "recipients", 2)
	log.Debug("dropped")
	log.Warn("primary failed", "err", errors.New("timeout"))

	entries := ring.Entries(0)
	if len(entries) != 2 {
		t.Fatalf("ring len = %d, want 2", len(entries))
	}
	first := entries[0]
	if first.Message != "sent" || first.Attrs["component"] != "alert" {
		t.Errorf("first = %+v", first)
	}
	if v, ok := first.Attrs["dispatch.recipients"].(int64); !ok || v != 2 {
		t.Errorf("grouped attr = %#v", first.Attrs["dispatch.recipients"])
	}
	if entries[1].Attrs["err"] != "timeout" {
		t.Errorf("err attr = %#v", entries[1].Attrs["err"])
	}

	// Only the warning reaches the downstream handler.
	if out := buf.String(); strings.Contains(out, "sent") || !strings.Contains(out, "primary failed") {
		t.Errorf("downstream output = %q", out)
	}
}

func TestRing_ServeHTTP(t *testing.T) {
	ring := NewRing(5)
	ring.add(Entry{Message: "one", Level: "INFO"})
	ring.add(Entry{Message: "two", Level: "WARN"})

	rec := httptest.NewRecorder()
	ring.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/logs?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []Entry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Message != "two" {
		t.Errorf("got %+v", got)
	}

	rec = httptest.NewRecorder()
	ring.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/logs?limit=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
