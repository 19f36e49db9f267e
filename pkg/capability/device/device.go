// Package device defines low-rate device state signals: battery level and
// activity (stationary or moving).
package device

import "sync"

// SignalKind identifies the field carried by a [Signal].
type SignalKind int

const (
	SignalBattery SignalKind = iota + 1
	SignalActivity
)

// Signal is a single device state change.
type Signal struct {
	Kind SignalKind

	// BatteryPercent is set for SignalBattery, in [0, 100].
	BatteryPercent float64

	// Stationary is set for SignalActivity.
	Stationary bool
}

// Signals is a source of device state changes.
type Signals interface {
	// Subscribe returns a channel of signals and a function that ends the
	// subscription and closes the channel.
	Subscribe() (<-chan Signal, func())
}

// Hub is an in-process [Signals] fan-out. Publish never blocks; a subscriber
// that falls behind loses the oldest undelivered signal.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Signal]struct{}
}

// NewHub returns an empty [Hub].
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Signal]struct{})}
}

// Subscribe implements [Signals].
func (h *Hub) Subscribe() (<-chan Signal, func()) {
	ch := make(chan Signal, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers s to every subscriber.
func (h *Hub) Publish(s Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Full: drop the oldest and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

var _ Signals = (*Hub)(nil)
