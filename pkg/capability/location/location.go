// Package location defines the device location capability.
package location

import (
	"context"
	"time"

	"github.com/MrWong99/guardian/pkg/types"
)

// Priority is the accuracy/power tier requested from the platform.
type Priority string

const (
	PriorityHighAccuracy Priority = "HIGH_ACCURACY"
	PriorityBalanced     Priority = "BALANCED"
	PriorityLowPower     Priority = "LOW_POWER"
)

// Request describes a location update subscription.
type Request struct {
	Priority          Priority      `json:"priority"`
	Interval          time.Duration `json:"interval"`
	MinInterval       time.Duration `json:"minInterval"`
	MinDistanceMeters float64       `json:"minDistanceMeters"`
}

// Handle identifies an active subscription returned by RequestUpdates.
type Handle string

// Capability streams position fixes from the device.
//
// Implementations must be safe for concurrent use. The callback passed to
// RequestUpdates may be invoked from any goroutine and must not block.
type Capability interface {
	// RequestUpdates starts delivering fixes to fn according to req.
	RequestUpdates(ctx context.Context, req Request, fn func(types.Location)) (Handle, error)

	// CancelUpdates stops the subscription identified by h. Cancelling an
	// unknown handle is not an error.
	CancelUpdates(ctx context.Context, h Handle) error

	// LastKnown returns the most recent cached fix, or nil when the device
	// has none.
	LastKnown(ctx context.Context) (*types.Location, error)
}
