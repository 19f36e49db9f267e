package observe

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultRingSize is the number of records kept when NewRing is given a
// non-positive size.
const DefaultRingSize = 500

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring is a bounded in-memory buffer of recent log entries. The oldest entry
// is overwritten when the buffer is full. Safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing returns a ring holding at most size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Entries returns up to limit of the most recent entries, oldest first. A
// non-positive limit returns everything held.
func (r *Ring) Entries(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	if r.full {
		out = append(out, r.entries[r.next:]...)
	}
	out = append(out, r.entries[:r.next]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ServeHTTP writes the ring as JSON. The optional "limit" query parameter
// caps the number of entries.
func (r *Ring) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.Entries(limit))
}

// RingHandler is an [slog.Handler] that forwards every record to next and
// keeps a copy of records at or above its own level in a [Ring].
type RingHandler struct {
	next  slog.Handler
	ring  *Ring
	level slog.Leveler
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*RingHandler)(nil)

// NewRingHandler wraps next. Records below level are only forwarded.
func NewRingHandler(next slog.Handler, ring *Ring, level slog.Leveler) *RingHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &RingHandler{next: next, ring: ring, level: level}
}

// Enabled implements [slog.Handler].
func (h *RingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() || h.next.Enabled(ctx, l)
}

// Handle implements [slog.Handler].
func (h *RingHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= h.level.Level() {
		e := Entry{
			Time:    rec.Time,
			Level:   rec.Level.String(),
			Message: rec.Message,
		}
		if n := len(h.attrs) + rec.NumAttrs(); n > 0 {
			e.Attrs = make(map[string]any, n)
			for _, a := range h.attrs {
				e.Attrs[a.Key] = attrValue(a.Value)
			}
			rec.Attrs(func(a slog.Attr) bool {
				e.Attrs[h.key(a.Key)] = attrValue(a.Value)
				return true
			})
		}
		h.ring.add(e)
	}
	if h.next.Enabled(ctx, rec.Level) {
		return h.next.Handle(ctx, rec)
	}
	return nil
}

// WithAttrs implements [slog.Handler].
func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), qualify(h.group, attrs)...)
	return &c
}

// WithGroup implements [slog.Handler].
func (h *RingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.next = h.next.WithGroup(name)
	c.group = h.key(name)
	return &c
}

func (h *RingHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func qualify(group string, attrs []slog.Attr) []slog.Attr {
	if group == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: group + "." + a.Key, Value: a.Value}
	}
	return out
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.String()
	case slog.KindDuration:
		return v.Duration().String()
	default:
		return v.Any()
	}
}
