// Package crisis tracks whether the principal's group is in crisis mode.
//
// A group is in crisis while at least one ACTIVE alert exists for it. The
// flag changes only when the ACTIVE set goes from empty to non-empty or back;
// alerts arriving or resolving while others remain active do not produce a
// transition.
package crisis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/guardian/internal/observe"
	"github.com/MrWong99/guardian/pkg/docstore"
	"github.com/MrWong99/guardian/pkg/types"
)

// Transition reports a change of the crisis flag.
type Transition struct {
	GroupID string
	Active  bool

	// Alerts is the number of ACTIVE alerts at the time of the transition.
	Alerts int
}

// AlertSource subscribes to a group's ACTIVE alerts. Implemented by
// *store.Repository.
type AlertSource interface {
	WatchActiveAlerts(ctx context.Context, groupID string, fn func([]types.Alert, error)) (docstore.Subscription, error)
}

// Option configures a [Machine].
type Option func(*Machine)

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// Machine holds the crisis flag. Safe for concurrent use.
type Machine struct {
	source      AlertSource
	metrics     *observe.Metrics
	transitions chan Transition

	mu      sync.Mutex
	active  bool
	groupID string
	gen     uint64
	sub     docstore.Subscription
}

// New creates an inactive Machine fed by source. source may be nil when only
// [Machine.Observe] is used.
func New(source AlertSource, opts ...Option) *Machine {
	m := &Machine{
		source:      source,
		transitions: make(chan Transition, 8),
	}
	for _, o := range opts {
		o(m)
	}
	m.metrics = observe.Or(m.metrics)
	return m
}

// Transitions returns the channel on which flag changes from the watched
// group are delivered. The channel is never closed.
func (m *Machine) Transitions() <-chan Transition {
	return m.transitions
}

// Active reports the current crisis flag.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// GroupID returns the currently watched group, or "".
func (m *Machine) GroupID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupID
}

// Observe applies a fresh ACTIVE alert set and returns the transition, if
// the flag changed.
func (m *Machine) Observe(active []types.Alert) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observeLocked(active)
}

func (m *Machine) observeLocked(active []types.Alert) (Transition, bool) {
	n := m.count(active)
	now := n > 0
	if now == m.active {
		return Transition{}, false
	}
	m.active = now
	delta := int64(1)
	if !now {
		delta = -1
	}
	m.metrics.CrisisActive.Add(context.Background(), delta)
	return Transition{GroupID: m.groupID, Active: now, Alerts: n}, true
}

func (m *Machine) count(alerts []types.Alert) int {
	n := 0
	for _, a := range alerts {
		if a.Status == types.AlertActive {
			n++
		}
	}
	return n
}

// Watch subscribes to groupID's ACTIVE alerts, replacing any previous
// subscription. Watching the group already watched is a no-op. An empty
// groupID stops watching and, if the flag was set, reports a transition to
// inactive.
func (m *Machine) Watch(ctx context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if groupID == m.groupID && (m.sub != nil || groupID == "") {
		return nil
	}
	m.stopLocked()
	m.groupID = groupID
	if groupID == "" {
		return nil
	}
	if m.source == nil {
		return fmt.Errorf("crisis: watch %q: no alert source", groupID)
	}

	m.gen++
	gen := m.gen
	sub, err := m.source.WatchActiveAlerts(ctx, groupID, func(alerts []types.Alert, err error) {
		m.onAlerts(gen, alerts, err)
	})
	if err != nil {
		return fmt.Errorf("crisis: watch %q: %w", groupID, err)
	}
	m.sub = sub
	slog.Debug("crisis: watching group", "group_id", groupID)
	return nil
}

// Stop ends the subscription. The flag is reset to inactive, with a
// transition delivered if it was set.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.groupID = ""
}

func (m *Machine) stopLocked() {
	m.gen++
	if m.sub != nil {
		m.sub.Stop()
		m.sub = nil
	}
	if tr, ok := m.observeLocked(nil); ok {
		m.publish(tr)
	}
}

func (m *Machine) onAlerts(gen uint64, alerts []types.Alert, err error) {
	if err != nil {
		// A partial decode still carries the alerts that parsed.
		slog.Warn("crisis: alert watch error", "err", err)
		if alerts == nil {
			return
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if tr, ok := m.observeLocked(alerts); ok {
		slog.Info("crisis: state changed", "group_id", tr.GroupID, "active", tr.Active, "alerts", tr.Alerts)
		m.publish(tr)
	}
}

// publish must be called with m.mu held. A full channel drops the oldest
// queued transition so the newest state always gets through.
func (m *Machine) publish(tr Transition) {
	for {
		select {
		case m.transitions <- tr:
			return
		default:
		}
		select {
		case old := <-m.transitions:
			slog.Warn("crisis: dropping stale transition", "group_id", old.GroupID, "active", old.Active)
		default:
		}
	}
}
