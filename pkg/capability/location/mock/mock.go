// Package mock provides a test double for location.Capability.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/guardian/pkg/capability/location"
	"github.com/MrWong99/guardian/pkg/types"
)

// RequestCall records a single invocation of Capability.RequestUpdates.
type RequestCall struct {
	Req    location.Request
	Handle location.Handle
}

// Capability is a mock implementation of location.Capability.
type Capability struct {
	mu sync.Mutex

	// RequestErr, if non-nil, is returned by RequestUpdates.
	RequestErr error

	// Last is returned by LastKnown.
	Last *types.Location

	// LastErr, if non-nil, is returned by LastKnown.
	LastErr error

	// LastDelay makes LastKnown block for the given duration or until the
	// context is done.
	LastDelay time.Duration

	// RequestCalls records every successful RequestUpdates call.
	RequestCalls []RequestCall

	// CancelCalls records every handle passed to CancelUpdates.
	CancelCalls []location.Handle

	// LastKnownCalls counts LastKnown invocations.
	LastKnownCalls int

	next   int
	active map[location.Handle]func(types.Location)
}

// RequestUpdates records the call and registers fn under a new handle.
func (c *Capability) RequestUpdates(_ context.Context, req location.Request, fn func(types.Location)) (location.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RequestErr != nil {
		return "", c.RequestErr
	}
	c.next++
	h := location.Handle(fmt.Sprintf("sub-%d", c.next))
	if c.active == nil {
		c.active = make(map[location.Handle]func(types.Location))
	}
	c.active[h] = fn
	c.RequestCalls = append(c.RequestCalls, RequestCall{Req: req, Handle: h})
	return h, nil
}

// CancelUpdates records the call and drops the subscription.
func (c *Capability) CancelUpdates(_ context.Context, h location.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CancelCalls = append(c.CancelCalls, h)
	delete(c.active, h)
	return nil
}

// LastKnown returns Last and LastErr after the optional LastDelay.
func (c *Capability) LastKnown(ctx context.Context) (*types.Location, error) {
	c.mu.Lock()
	c.LastKnownCalls++
	delay, last, err := c.LastDelay, c.Last, c.LastErr
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return last, err
}

// Emit delivers loc to every active subscription.
func (c *Capability) Emit(loc types.Location) {
	c.mu.Lock()
	fns := make([]func(types.Location), 0, len(c.active))
	for _, fn := range c.active {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(loc)
	}
}

// ActiveCount returns the number of live subscriptions.
func (c *Capability) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Requests returns a copy of RequestCalls.
func (c *Capability) Requests() []RequestCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RequestCall, len(c.RequestCalls))
	copy(out, c.RequestCalls)
	return out
}

// LastKnownCount returns the number of LastKnown invocations. Thread-safe.
func (c *Capability) LastKnownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastKnownCalls
}

// SetLast replaces the value returned by LastKnown. Thread-safe.
func (c *Capability) SetLast(loc *types.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Last = loc
}

var _ location.Capability = (*Capability)(nil)
