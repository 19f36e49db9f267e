// Package geofence keeps the device's registered safe zones in sync with the
// group configuration and turns platform callbacks into a transition stream.
package geofence

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/guardian/internal/observe"
	capgeo "github.com/MrWong99/guardian/pkg/capability/geofence"
	"github.com/MrWong99/guardian/pkg/types"
)

// Option configures a [Monitor].
type Option func(*Monitor)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithBuffer sets the capacity of the transitions channel.
func WithBuffer(n int) Option {
	return func(mon *Monitor) {
		if n > 0 {
			mon.transitions = make(chan types.ZoneTransition, n)
		}
	}
}

// Monitor registers safe zones with the device and forwards their
// transitions. Safe for concurrent use.
type Monitor struct {
	capability  capgeo.Capability
	metrics     *observe.Metrics
	transitions chan types.ZoneTransition

	mu      sync.Mutex
	zones   []types.SafeZone
	byID    map[string]types.SafeZone
	applied bool
}

// New creates a Monitor for c with nothing registered.
func New(c capgeo.Capability, opts ...Option) *Monitor {
	m := &Monitor{
		capability:  c,
		transitions: make(chan types.ZoneTransition, 32),
		byID:        make(map[string]types.SafeZone),
	}
	for _, o := range opts {
		o(m)
	}
	m.metrics = observe.Or(m.metrics)
	return m
}

// Transitions returns the channel on which zone transitions are delivered.
// The channel is never closed.
func (m *Monitor) Transitions() <-chan types.ZoneTransition {
	return m.transitions
}

// SetZones replaces the registered zone set. A set equal to the one already
// applied, element for element, is a no-op. Capability failures are logged;
// a failed registration is retried by the next call.
func (m *Monitor) SetZones(ctx context.Context, zones []types.SafeZone) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied && slices.Equal(m.zones, zones) {
		return
	}

	if err := m.capability.DeregisterAll(ctx); err != nil {
		slog.Warn("geofence: deregister failed", "err", err)
	}

	m.zones = slices.Clone(zones)
	clear(m.byID)
	fences := make([]capgeo.Fence, 0, len(zones))
	for _, z := range zones {
		if z.ID == "" || z.RadiusMeters <= 0 {
			slog.Warn("geofence: skipping invalid zone", "zone_id", z.ID, "name", z.Name, "radius", z.RadiusMeters)
			continue
		}
		m.byID[z.ID] = z
		fences = append(fences, capgeo.Fence{
			Zone:         z,
			Transitions:  capgeo.TransitionEnter | capgeo.TransitionExit,
			NeverExpire:  true,
			InitialEnter: true,
		})
	}

	m.applied = true
	if len(fences) == 0 {
		slog.Debug("geofence: no zones registered")
		return
	}
	if err := m.capability.Register(ctx, fences, capgeo.ReceiverFunc(m.onTransition)); err != nil {
		slog.Warn("geofence: register failed", "zones", len(fences), "err", err)
		m.applied = false
		return
	}
	slog.Info("geofence: zones registered", "zones", len(fences))
}

// Clear deregisters every zone.
func (m *Monitor) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.capability.DeregisterAll(ctx); err != nil {
		slog.Warn("geofence: deregister failed", "err", err)
	}
	m.zones = nil
	clear(m.byID)
	m.applied = false
}

// Zone returns the registered zone with the given ID.
func (m *Monitor) Zone(id string) (types.SafeZone, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.byID[id]
	return z, ok
}

// Zones returns a copy of the applied zone set.
func (m *Monitor) Zones() []types.SafeZone {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.zones)
}

func (m *Monitor) onTransition(zoneID string, kind types.TransitionKind) {
	if _, ok := m.Zone(zoneID); !ok {
		slog.Debug("geofence: transition for unknown zone", "zone_id", zoneID, "kind", kind)
		return
	}
	m.metrics.RecordGeofenceTransition(context.Background(), string(kind))
	select {
	case m.transitions <- types.ZoneTransition{ZoneID: zoneID, Kind: kind}:
	default:
		slog.Warn("geofence: transition dropped, consumer too slow", "zone_id", zoneID, "kind", kind)
	}
}
