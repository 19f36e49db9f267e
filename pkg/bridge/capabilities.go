package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MrWong99/guardian/pkg/capability/device"
	"github.com/MrWong99/guardian/pkg/capability/geofence"
	"github.com/MrWong99/guardian/pkg/capability/location"
	"github.com/MrWong99/guardian/pkg/capability/messaging"
	"github.com/MrWong99/guardian/pkg/capability/speech"
	"github.com/MrWong99/guardian/pkg/types"
)

// Compile-time interface assertions.
var (
	_ speech.Capability   = (*Bridge)(nil)
	_ location.Capability = (*Bridge)(nil)
	_ geofence.Capability = (*Bridge)(nil)
	_ messaging.Sender    = (*Bridge)(nil)
	_ device.Signals      = (*Bridge)(nil)
)

// ── Speech ────────────────────────────────────────────────────────────────────

// IsAvailable reports false only when the connected device said it cannot
// recognise speech. Without a device, sessions fail to start and the caller
// retries with backoff until one connects.
func (b *Bridge) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer == nil || b.speechAvailable
}

// CreateSession returns a session bound to the connected device.
func (b *Bridge) CreateSession() (speech.Session, error) {
	if _, err := b.current(); err != nil {
		return nil, err
	}
	return &remoteSession{b: b, id: uuid.NewString()}, nil
}

type remoteSession struct {
	b  *Bridge
	id string
}

func (s *remoteSession) Start(l speech.Listener) error {
	s.b.mu.Lock()
	s.b.listeners[s.id] = l
	s.b.mu.Unlock()

	if err := s.b.call(context.Background(), TypeSpeechStart, SpeechMessage{Session: s.id}, nil); err != nil {
		s.forget()
		return err
	}
	return nil
}

func (s *remoteSession) Stop() {
	if err := s.b.push(context.Background(), TypeSpeechStop, SpeechMessage{Session: s.id}); err != nil {
		slog.Debug("bridge: speech stop", "session", s.id, "err", err)
	}
}

func (s *remoteSession) Destroy() {
	s.forget()
	if err := s.b.push(context.Background(), TypeSpeechDestroy, SpeechMessage{Session: s.id}); err != nil {
		slog.Debug("bridge: speech destroy", "session", s.id, "err", err)
	}
}

func (s *remoteSession) forget() {
	s.b.mu.Lock()
	delete(s.b.listeners, s.id)
	s.b.mu.Unlock()
}

// ── Location ──────────────────────────────────────────────────────────────────

// RequestUpdates starts a location subscription on the device. The
// subscription is kept across reconnects until cancelled.
func (b *Bridge) RequestUpdates(ctx context.Context, req location.Request, fn func(types.Location)) (location.Handle, error) {
	h := location.Handle(uuid.NewString())
	b.mu.Lock()
	b.subs[h] = subscription{req: req, fn: fn}
	b.mu.Unlock()

	if err := b.call(ctx, TypeLocationRequest, encodeRequest(h, req), nil); err != nil {
		b.mu.Lock()
		delete(b.subs, h)
		b.mu.Unlock()
		return "", err
	}
	return h, nil
}

// CancelUpdates stops a subscription. Unknown handles are a no-op, and the
// subscription is forgotten even when the device cannot be reached.
func (b *Bridge) CancelUpdates(ctx context.Context, h location.Handle) error {
	b.mu.Lock()
	_, ok := b.subs[h]
	delete(b.subs, h)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	err := b.call(ctx, TypeLocationCancel, HandleMessage{Handle: h}, nil)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// LastKnown asks the device for its most recent fix. It returns nil without
// error when the device has none.
func (b *Bridge) LastKnown(ctx context.Context) (*types.Location, error) {
	var res LastKnownMessage
	if err := b.call(ctx, TypeLocationLast, nil, &res); err != nil {
		return nil, err
	}
	return res.Location, nil
}

// ── Geofence ──────────────────────────────────────────────────────────────────

// Register replaces the device's geofence set and routes transitions to r.
func (b *Bridge) Register(ctx context.Context, fences []geofence.Fence, r geofence.Receiver) error {
	b.mu.Lock()
	b.fences = append([]geofence.Fence(nil), fences...)
	b.receiver = r
	b.mu.Unlock()
	return b.call(ctx, TypeGeofenceRegister, encodeFences(fences), nil)
}

// DeregisterAll removes every geofence from the device.
func (b *Bridge) DeregisterAll(ctx context.Context) error {
	b.mu.Lock()
	b.fences = nil
	b.receiver = nil
	b.mu.Unlock()
	err := b.call(ctx, TypeGeofenceClear, nil, nil)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func encodeFences(fences []geofence.Fence) RegisterMessage {
	msg := RegisterMessage{Fences: make([]FenceMessage, 0, len(fences))}
	for _, f := range fences {
		msg.Fences = append(msg.Fences, FenceMessage{
			Zone:         f.Zone,
			Enter:        f.Transitions.Has(types.TransitionEnter),
			Exit:         f.Transitions.Has(types.TransitionExit),
			NeverExpire:  f.NeverExpire,
			InitialEnter: f.InitialEnter,
		})
	}
	return msg
}

// ── Messaging and signals ─────────────────────────────────────────────────────

// Send delivers a text message through the device's SMS facility.
func (b *Bridge) Send(ctx context.Context, phoneNumber, text string) error {
	return b.call(ctx, TypeSMSSend, SMSMessage{Phone: phoneNumber, Text: text}, nil)
}

// Subscribe returns battery and activity signals reported by the device.
func (b *Bridge) Subscribe() (<-chan device.Signal, func()) {
	return b.hub.Subscribe()
}
