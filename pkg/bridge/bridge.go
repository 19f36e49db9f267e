// Package bridge connects the agent to a companion device over a WebSocket.
//
// The device app dials the bridge endpoint and exchanges JSON [Envelope]
// frames. Through that connection the [Bridge] provides the speech,
// location, geofence, SMS and device-signal capabilities the controller
// consumes. Only one device is connected at a time; a new connection
// replaces the previous one.
//
// Location subscriptions and the geofence set outlive a connection. When a
// device says hello they are replayed so a reconnecting device resumes where
// the previous one stopped.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/guardian/pkg/capability/device"
	"github.com/MrWong99/guardian/pkg/capability/geofence"
	"github.com/MrWong99/guardian/pkg/capability/location"
	"github.com/MrWong99/guardian/pkg/capability/speech"
	"github.com/MrWong99/guardian/pkg/types"
)

var (
	// ErrNotConnected is returned when no device is connected.
	ErrNotConnected = errors.New("bridge: no device connected")

	// ErrDisconnected is returned when the device goes away while a request
	// is waiting for its result.
	ErrDisconnected = errors.New("bridge: device disconnected")
)

const defaultTimeout = 10 * time.Second

// Option configures a [Bridge].
type Option func(*Bridge)

// WithTimeout sets how long a request waits for the device's result.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// WebSocket handshakes.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) { b.origins = patterns }
}

// WithConnectionGauge records connects and disconnects on g.
func WithConnectionGauge(g metric.Int64UpDownCounter) Option {
	return func(b *Bridge) {
		if g != nil {
			b.gauge = g
		}
	}
}

type subscription struct {
	req location.Request
	fn  func(types.Location)
}

// Bridge is an [http.Handler] serving the device WebSocket endpoint.
type Bridge struct {
	timeout time.Duration
	origins []string
	gauge   metric.Int64UpDownCounter
	hub     *device.Hub

	mu              sync.Mutex
	peer            *peer
	speechAvailable bool
	listeners       map[string]speech.Listener
	subs            map[location.Handle]subscription
	fences          []geofence.Fence
	receiver        geofence.Receiver
	closed          bool
}

var _ http.Handler = (*Bridge)(nil)

// New creates a Bridge with no device connected.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		timeout:   defaultTimeout,
		gauge:     noopGauge(),
		hub:       device.NewHub(),
		listeners: make(map[string]speech.Listener),
		subs:      make(map[location.Handle]subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func noopGauge() metric.Int64UpDownCounter {
	g, _ := noopmetric.NewMeterProvider().Meter("bridge").Int64UpDownCounter("noop")
	return g
}

// Connected reports whether a device is connected.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// Check implements a readiness probe: it fails while no device is connected.
func (b *Bridge) Check(context.Context) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Close disconnects the current device and rejects new connections.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	p := b.peer
	b.peer = nil
	b.mu.Unlock()
	if p != nil {
		p.close(websocket.StatusGoingAway, "agent shutting down")
	}
	return nil
}

// ServeHTTP upgrades the request and serves the device until it disconnects
// or is replaced.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		http.Error(w, "bridge closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.origins})
	if err != nil {
		slog.Warn("bridge: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	p := &peer{
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan Envelope),
	}
	if !b.attach(p) {
		p.close(websocket.StatusGoingAway, "agent shutting down")
		return
	}
	b.gauge.Add(ctx, 1)
	slog.Info("bridge: device connected", "remote", r.RemoteAddr)

	err = b.readLoop(p)

	b.detach(p)
	b.gauge.Add(context.WithoutCancel(ctx), -1)
	p.close(websocket.StatusNormalClosure, "")
	slog.Info("bridge: device disconnected", "remote", r.RemoteAddr, "err", err)
}

// attach makes p the current device, closing any previous one.
func (b *Bridge) attach(p *peer) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	prev := b.peer
	b.peer = p
	b.speechAvailable = false
	var orphaned map[string]speech.Listener
	if prev != nil {
		orphaned = b.takeListenersLocked()
	}
	b.mu.Unlock()
	if prev != nil {
		slog.Info("bridge: replacing connected device")
		prev.close(websocket.StatusPolicyViolation, "replaced by a new connection")
	}
	failSessions(orphaned)
	return true
}

// detach clears p if it is still current and fails its open speech
// sessions so the recognizer restarts on the next device.
func (b *Bridge) detach(p *peer) {
	b.mu.Lock()
	if b.peer != p {
		b.mu.Unlock()
		return
	}
	b.peer = nil
	b.speechAvailable = false
	orphaned := b.takeListenersLocked()
	b.mu.Unlock()
	failSessions(orphaned)
}

func (b *Bridge) takeListenersLocked() map[string]speech.Listener {
	ls := b.listeners
	b.listeners = make(map[string]speech.Listener)
	return ls
}

// failSessions reports a network error to listeners whose device went away.
func failSessions(ls map[string]speech.Listener) {
	for _, l := range ls {
		go l.OnError(speech.CodeNetwork)
	}
}

func (b *Bridge) current() (*peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peer == nil {
		return nil, ErrNotConnected
	}
	return b.peer, nil
}

// call sends a request to the current device and waits for its result.
func (b *Bridge) call(ctx context.Context, typ string, payload, result any) error {
	p, err := b.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	env, err := p.roundTrip(ctx, typ, payload)
	if err != nil {
		return fmt.Errorf("bridge: %s: %w", typ, err)
	}
	if env.Error != "" {
		return fmt.Errorf("bridge: %s: device: %s", typ, env.Error)
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("bridge: %s: decode result: %w", typ, err)
		}
	}
	return nil
}

// push sends a message to the current device without waiting for a result.
func (b *Bridge) push(ctx context.Context, typ string, payload any) error {
	p, err := b.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := p.send(ctx, Envelope{Type: typ}, payload); err != nil {
		return fmt.Errorf("bridge: %s: %w", typ, err)
	}
	return nil
}

// Notify shows a notice on the device.
func (b *Bridge) Notify(ctx context.Context, text string) error {
	return b.push(ctx, TypeNotice, NoticeMessage{Text: text})
}

// AlertStatus reports an alert's delivery state to the device.
func (b *Bridge) AlertStatus(ctx context.Context, msg AlertStatusMessage) error {
	return b.push(ctx, TypeAlertStatus, msg)
}

func (b *Bridge) readLoop(p *peer) error {
	for {
		var env Envelope
		if err := wsjson.Read(p.ctx, p.conn, &env); err != nil {
			p.failPending()
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if p.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := b.handle(p, env); err != nil {
			slog.Warn("bridge: bad message from device", "type", env.Type, "err", err)
		}
	}
}

func (b *Bridge) handle(p *peer, env Envelope) error {
	switch env.Type {
	case TypeResult:
		p.resolve(env)
	case TypeHello:
		var msg Hello
		if err := decode(env, &msg); err != nil {
			return err
		}
		b.mu.Lock()
		b.speechAvailable = msg.SpeechAvailable
		subs := make(map[location.Handle]location.Request, len(b.subs))
		for h, s := range b.subs {
			subs[h] = s.req
		}
		fences := b.fences
		b.mu.Unlock()
		slog.Info("bridge: device hello", "device_id", msg.DeviceID, "speech", msg.SpeechAvailable)
		if len(subs) > 0 || len(fences) > 0 {
			go b.replay(p, subs, fences)
		}
	case TypeSpeechPartial, TypeSpeechFinal, TypeSpeechError:
		var msg SpeechMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		b.mu.Lock()
		l, ok := b.listeners[msg.Session]
		b.mu.Unlock()
		if !ok {
			slog.Debug("bridge: result for unknown speech session", "session", msg.Session)
			return nil
		}
		switch env.Type {
		case TypeSpeechPartial:
			l.OnPartial(msg.Alternatives)
		case TypeSpeechFinal:
			l.OnFinal(msg.Alternatives)
		default:
			l.OnError(parseCode(msg.Code))
		}
	case TypeLocationFix:
		var msg FixMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		b.mu.Lock()
		sub, ok := b.subs[msg.Handle]
		b.mu.Unlock()
		if ok {
			sub.fn(msg.Location)
		}
	case TypeGeofenceTransition:
		var msg TransitionMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		b.mu.Lock()
		r := b.receiver
		b.mu.Unlock()
		if r != nil {
			r.OnTransition(msg.ZoneID, msg.Kind)
		}
	case TypeBattery:
		var msg BatteryMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		b.hub.Publish(device.Signal{Kind: device.SignalBattery, BatteryPercent: msg.Percent})
	case TypeActivity:
		var msg ActivityMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		b.hub.Publish(device.Signal{Kind: device.SignalActivity, Stationary: msg.Stationary})
	default:
		slog.Debug("bridge: ignoring message", "type", env.Type)
	}
	return nil
}

// replay re-sends the active location subscriptions and geofences to a
// device that just said hello.
func (b *Bridge) replay(p *peer, subs map[location.Handle]location.Request, fences []geofence.Fence) {
	ctx, cancel := context.WithTimeout(p.ctx, b.timeout)
	defer cancel()
	for h, req := range subs {
		if _, err := p.roundTrip(ctx, TypeLocationRequest, encodeRequest(h, req)); err != nil {
			slog.Warn("bridge: replay location request failed", "handle", h, "err", err)
		}
	}
	if len(fences) > 0 {
		if _, err := p.roundTrip(ctx, TypeGeofenceRegister, encodeFences(fences)); err != nil {
			slog.Warn("bridge: replay geofences failed", "err", err)
		}
	}
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("bridge: %s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("bridge: %s: %w", env.Type, err)
	}
	return nil
}

// peer is one device connection.
type peer struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Envelope
	gone    bool

	closeOnce sync.Once
}

func (p *peer) send(ctx context.Context, env Envelope, payload any) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		env.Data = data
	}
	return wsjson.Write(ctx, p.conn, env)
}

func (p *peer) roundTrip(ctx context.Context, typ string, payload any) (Envelope, error) {
	id := strconv.FormatUint(p.seq.Add(1), 10)
	ch := make(chan Envelope, 1)

	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return Envelope{}, ErrDisconnected
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.send(ctx, Envelope{Type: typ, ID: id}, payload); err != nil {
		return Envelope{}, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return Envelope{}, ErrDisconnected
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *peer) resolve(env Envelope) {
	p.mu.Lock()
	ch, ok := p.pending[env.ID]
	delete(p.pending, env.ID)
	p.mu.Unlock()
	if !ok {
		slog.Debug("bridge: result for unknown request", "id", env.ID)
		return
	}
	ch <- env
}

func (p *peer) failPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

func (p *peer) close(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		_ = p.conn.Close(code, reason)
		p.cancel()
	})
}
