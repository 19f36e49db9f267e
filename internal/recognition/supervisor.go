// Package recognition keeps the device's speech recogniser continuously armed.
//
// The platform recogniser captures one utterance per session. [Supervisor]
// runs a single loop that creates a session, waits for its outcome and
// immediately re-arms it. Final results restart listening at once; errors
// restart after an exponential backoff computed by [BackoffDelay]. Results
// are published on [Supervisor.Events].
//
// Platform callbacks are tagged with the generation of the session that
// produced them. Callbacks from a destroyed session are dropped, so a late
// result can never restart a supervisor that has moved on or been stopped.
package recognition

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/guardian/internal/observe"
	"github.com/MrWong99/guardian/pkg/capability/speech"
)

// Default backoff parameters.
const (
	DefaultBaseBackoff = 1000 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second

	backoffFactor = 1.5
)

// ErrUnavailable is reported when the device cannot recognise speech.
var ErrUnavailable = errors.New("recognition: speech recognition unavailable")

// State is the supervisor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateBackoff
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateListening:
		return "LISTENING"
	case StateBackoff:
		return "BACKOFF"
	}
	return "UNKNOWN"
}

// EventKind identifies the type of an [Event].
type EventKind int

const (
	// EventPartial carries interim hypotheses. Listening continues.
	EventPartial EventKind = iota + 1

	// EventFinal carries the final hypotheses of an utterance.
	EventFinal

	// EventError reports a recoverable recognition error. Delay is the
	// backoff before the next attempt.
	EventError

	// EventUnavailable reports that recognition cannot run. The loop has
	// exited and stays idle until the next Start.
	EventUnavailable
)

// Event is one recognition outcome.
type Event struct {
	Kind         EventKind
	Alternatives []string
	// Utterance identifies the session a partial or final result came from.
	// Partials and the final of one utterance share it.
	Utterance uint64
	Code      speech.ErrorCode
	Failures  int
	Delay     time.Duration
}

// BackoffDelay returns the wait before retrying after failures consecutive
// errors: base × 1.5^(failures-1), capped at max. Non-positive failures
// yield zero.
func BackoffDelay(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(backoffFactor, float64(failures-1))
	if max > 0 && d >= float64(max) {
		return max
	}
	return time.Duration(d)
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithBackoff sets the base and maximum backoff. Non-positive values keep the
// defaults.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		if base > 0 {
			s.base = base
		}
		if max > 0 {
			s.max = max
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEventBuffer sets the capacity of the events channel.
func WithEventBuffer(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.events = make(chan Event, n)
		}
	}
}

// Supervisor owns the recognition loop. All methods are safe for concurrent
// use.
type Supervisor struct {
	capability speech.Capability
	base       time.Duration
	max        time.Duration
	metrics    *observe.Metrics
	events     chan Event

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Supervisor for c.
func New(c speech.Capability, opts ...Option) *Supervisor {
	s := &Supervisor{
		capability: c,
		base:       DefaultBaseBackoff,
		max:        DefaultMaxBackoff,
		events:     make(chan Event, 16),
	}
	for _, o := range opts {
		o(s)
	}
	s.metrics = observe.Or(s.metrics)
	return s
}

// Events returns the channel on which recognition outcomes are delivered.
// The channel is never closed.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Supervisor) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start launches the recognition loop. Calling Start while the loop runs is a
// no-op. The loop ends when ctx is cancelled, Stop is called, or recognition
// turns out to be unavailable.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningLocked() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateStarting
	go s.run(loopCtx, s.done)
	return nil
}

// Stop cancels any pending backoff and the in-flight session, and waits for
// the loop to exit. Events still buffered are discarded so a later Start
// never delivers results from this run. Safe to call when not running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	for {
		select {
		case ev := <-s.events:
			slog.Debug("recognition: discarding undelivered event", "kind", ev.Kind)
		default:
			return
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// callback is one platform callback tagged with its session generation.
type callback struct {
	gen  uint64
	kind EventKind
	alts []string
	code speech.ErrorCode
}

// listener forwards platform callbacks into the loop.
type listener struct {
	gen uint64
	ch  chan<- callback
	ctx context.Context
}

func (l listener) OnPartial(alts []string) {
	// Partials are advisory; drop them rather than block the platform.
	select {
	case l.ch <- callback{gen: l.gen, kind: EventPartial, alts: alts}:
	default:
	}
}

func (l listener) OnFinal(alts []string) {
	l.deliver(callback{gen: l.gen, kind: EventFinal, alts: alts})
}

func (l listener) OnError(code speech.ErrorCode) {
	l.deliver(callback{gen: l.gen, kind: EventError, code: code})
}

func (l listener) deliver(cb callback) {
	select {
	case l.ch <- cb:
	case <-l.ctx.Done():
	}
}

var _ speech.Listener = listener{}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateIdle)

	callbacks := make(chan callback, 16)
	var (
		gen      uint64
		failures int
	)

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.capability.IsAvailable() {
			slog.Warn("recognition: speech recognition unavailable")
			s.emit(ctx, Event{Kind: EventUnavailable})
			return
		}

		s.setState(StateStarting)
		gen++
		code, ok := s.listen(ctx, gen, callbacks)
		if !ok {
			return
		}
		if code == nil {
			failures = 0
			continue
		}

		failures++
		s.metrics.RecordRecognitionError(ctx, code.String())
		if code.Permanent() {
			slog.Warn("recognition: permanent error, giving up", "code", code.String())
			s.emit(ctx, Event{Kind: EventUnavailable, Code: *code})
			return
		}

		delay := BackoffDelay(failures, s.base, s.max)
		slog.Debug("recognition: backing off", "code", code.String(), "failures", failures, "delay", delay)
		if !s.emit(ctx, Event{Kind: EventError, Code: *code, Failures: failures, Delay: delay}) {
			return
		}

		s.setState(StateBackoff)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// listen runs one session to completion. It returns a nil code after a final
// result, the error code after a failure, and ok=false when ctx ended.
func (s *Supervisor) listen(ctx context.Context, gen uint64, callbacks chan callback) (code *speech.ErrorCode, ok bool) {
	fail := func(c speech.ErrorCode) (*speech.ErrorCode, bool) { return &c, true }

	sess, err := s.capability.CreateSession()
	if err != nil {
		slog.Warn("recognition: create session failed", "err", err)
		return fail(speech.CodeClient)
	}
	if err := sess.Start(listener{gen: gen, ch: callbacks, ctx: ctx}); err != nil {
		sess.Destroy()
		slog.Warn("recognition: start session failed", "err", err)
		return fail(speech.CodeClient)
	}
	s.metrics.RecognitionSessions.Add(ctx, 1)
	s.setState(StateListening)

	for {
		select {
		case <-ctx.Done():
			sess.Stop()
			sess.Destroy()
			return nil, false
		case cb := <-callbacks:
			if cb.gen != gen {
				slog.Debug("recognition: dropping stale callback", "generation", cb.gen, "current", gen)
				continue
			}
			switch cb.kind {
			case EventPartial:
				if !s.emit(ctx, Event{Kind: EventPartial, Alternatives: cb.alts, Utterance: gen}) {
					sess.Destroy()
					return nil, false
				}
			case EventFinal:
				sess.Destroy()
				if !s.emit(ctx, Event{Kind: EventFinal, Alternatives: cb.alts, Utterance: gen}) {
					return nil, false
				}
				return nil, true
			case EventError:
				sess.Destroy()
				return fail(cb.code)
			}
		}
	}
}

func (s *Supervisor) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
