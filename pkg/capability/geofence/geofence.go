// Package geofence defines the device geofencing capability.
package geofence

import (
	"context"

	"github.com/MrWong99/guardian/pkg/types"
)

// Transitions is a bit set of transition kinds a fence reports.
type Transitions uint8

const (
	TransitionEnter Transitions = 1 << iota
	TransitionExit
)

// Has reports whether t includes k.
func (t Transitions) Has(k types.TransitionKind) bool {
	switch k {
	case types.TransitionEnter:
		return t&TransitionEnter != 0
	case types.TransitionExit:
		return t&TransitionExit != 0
	}
	return false
}

// Fence is a single zone registration request.
type Fence struct {
	Zone types.SafeZone

	// Transitions selects which crossings are reported.
	Transitions Transitions

	// NeverExpire keeps the fence registered until explicitly removed.
	NeverExpire bool

	// InitialEnter reports an ENTER immediately when the device is already
	// inside the zone at registration time.
	InitialEnter bool
}

// Receiver is handed to Register and receives transitions for the
// registered fences. Calls may come from any goroutine and must not block.
type Receiver interface {
	OnTransition(zoneID string, kind types.TransitionKind)
}

// ReceiverFunc adapts a function to [Receiver].
type ReceiverFunc func(zoneID string, kind types.TransitionKind)

// OnTransition implements [Receiver].
func (f ReceiverFunc) OnTransition(zoneID string, kind types.TransitionKind) {
	f(zoneID, kind)
}

// Capability registers geofences with the device.
type Capability interface {
	// Register adds fences and routes their transitions to r.
	Register(ctx context.Context, fences []Fence, r Receiver) error

	// DeregisterAll removes every fence registered by this agent.
	DeregisterAll(ctx context.Context) error
}
