// Package mock provides a test double for geofence.Capability.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/guardian/pkg/capability/geofence"
	"github.com/MrWong99/guardian/pkg/types"
)

// Capability is a mock implementation of geofence.Capability.
type Capability struct {
	mu sync.Mutex

	// RegisterErr, if non-nil, is returned by Register.
	RegisterErr error

	// DeregisterErr, if non-nil, is returned by DeregisterAll.
	DeregisterErr error

	// RegisterCalls records the fences of every Register call.
	RegisterCalls [][]geofence.Fence

	// DeregisterCalls counts DeregisterAll invocations.
	DeregisterCalls int

	receiver geofence.Receiver
}

// Register records the call and keeps r for Trigger.
func (c *Capability) Register(_ context.Context, fences []geofence.Fence, r geofence.Receiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]geofence.Fence, len(fences))
	copy(cp, fences)
	c.RegisterCalls = append(c.RegisterCalls, cp)
	if c.RegisterErr != nil {
		return c.RegisterErr
	}
	c.receiver = r
	return nil
}

// DeregisterAll records the call and forgets the receiver.
func (c *Capability) DeregisterAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeregisterCalls++
	c.receiver = nil
	return c.DeregisterErr
}

// Trigger delivers a transition to the registered receiver. Returns false if
// nothing is registered.
func (c *Capability) Trigger(zoneID string, kind types.TransitionKind) bool {
	c.mu.Lock()
	r := c.receiver
	c.mu.Unlock()
	if r == nil {
		return false
	}
	r.OnTransition(zoneID, kind)
	return true
}

// Counts returns the number of Register and DeregisterAll calls.
func (c *Capability) Counts() (registers, deregisters int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.RegisterCalls), c.DeregisterCalls
}

var _ geofence.Capability = (*Capability)(nil)
