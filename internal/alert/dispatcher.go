// Package alert dispatches distress alerts.
//
// The primary channel is the alert record written to the document store. The
// write is bounded by a timeout that does not rely on the store honouring
// context cancellation: the dispatcher stops waiting when its own timer
// fires. A failed or late primary write triggers the fallback channel, a
// plain-text message to every emergency contact that has a phone number.
//
// [Dispatcher.Dispatch] never returns an error. Every call resolves to
// [DeliveredPrimary] or [DeliveredFallback].
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/guardian/internal/observe"
	"github.com/MrWong99/guardian/internal/resilience"
	"github.com/MrWong99/guardian/pkg/capability/messaging"
	"github.com/MrWong99/guardian/pkg/types"
)

// Default timeouts.
const (
	DefaultPrimaryTimeout  = 5 * time.Second
	DefaultLocationTimeout = 2 * time.Second
	DefaultSendTimeout     = 10 * time.Second
	DefaultMaxParallel     = 4
)

var (
	// ErrPrimaryTimeout is recorded when the primary write does not
	// acknowledge in time.
	ErrPrimaryTimeout = errors.New("alert: primary write timed out")

	// ErrNoGroup is recorded when the principal has no group to alert.
	ErrNoGroup = errors.New("alert: no group to alert")
)

// Outcome is the channel that delivered an alert.
type Outcome int

const (
	DeliveredPrimary Outcome = iota + 1
	DeliveredFallback
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case DeliveredPrimary:
		return "primary"
	case DeliveredFallback:
		return "fallback"
	}
	return "unknown"
}

// Status is the coarse, user-visible dispatch state.
type Status string

const (
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusSentViaSMS Status = "sent_via_sms"
)

// Update is one entry of the status stream.
type Update struct {
	AlertID string
	Type    types.AlertType
	Status  Status
}

// Request describes one alert.
type Request struct {
	Type   types.AlertType
	Phrase string

	// Location is used as-is when set; otherwise the last known fix is
	// fetched on a best-effort basis.
	Location *types.Location

	// GroupID is the group the alert record belongs to.
	GroupID string

	// DisplayName overrides the principal's display name in the fallback
	// message.
	DisplayName string
}

// Result is the outcome of a dispatch.
type Result struct {
	Outcome  Outcome
	AlertID  string
	Location *types.Location

	// Recipients is the number of contacts with a phone number. Sent is how
	// many of them the fallback channel accepted.
	Recipients int
	Sent       int

	// PrimaryErr is why the primary channel was not used. Nil on
	// DeliveredPrimary.
	PrimaryErr error
}

// Writer is the primary channel. Implemented by *store.Repository.
type Writer interface {
	CreateAlert(ctx context.Context, a types.Alert) error
}

// ContactSource lists fallback recipients.
type ContactSource interface {
	Contacts(ctx context.Context) ([]types.Contact, error)
}

// ContactsFunc adapts a function to [ContactSource].
type ContactsFunc func(ctx context.Context) ([]types.Contact, error)

// Contacts implements [ContactSource].
func (f ContactsFunc) Contacts(ctx context.Context) ([]types.Contact, error) { return f(ctx) }

// Locator returns the device's last known position. Implemented by
// location.Capability.
type Locator interface {
	LastKnown(ctx context.Context) (*types.Location, error)
}

// Config holds the dispatcher timeouts. Zero fields take defaults.
type Config struct {
	PrimaryTimeout  time.Duration
	LocationTimeout time.Duration
	SendTimeout     time.Duration
	MaxParallel     int
}

func (c *Config) applyDefaults() {
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if c.LocationTimeout <= 0 {
		c.LocationTimeout = DefaultLocationTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithConfig sets timeouts and fan-out width.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithBreaker guards the primary channel with b. While b is open the primary
// write is skipped.
func WithBreaker(b *resilience.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithLocator sets the fallback location source.
func WithLocator(l Locator) Option {
	return func(d *Dispatcher) { d.locator = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher sends alerts. Safe for concurrent use.
type Dispatcher struct {
	principal types.Principal
	writer    Writer
	contacts  ContactSource
	sender    messaging.Sender
	locator   Locator
	breaker   *resilience.Breaker
	metrics   *observe.Metrics
	cfg       Config
	updates   chan Update

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	inflight sync.WaitGroup
}

// New creates a Dispatcher acting for p.
func New(p types.Principal, w Writer, contacts ContactSource, sender messaging.Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		principal: p,
		writer:    w,
		contacts:  contacts,
		sender:    sender,
		updates:   make(chan Update, 16),
		now:       time.Now,
		after:     time.After,
	}
	for _, o := range opts {
		o(d)
	}
	d.cfg.applyDefaults()
	d.metrics = observe.Or(d.metrics)
	return d
}

// Updates returns the status stream. Updates are dropped, oldest first, when
// nobody reads. The channel is never closed.
func (d *Dispatcher) Updates() <-chan Update {
	return d.updates
}

// Wait blocks until every in-flight dispatch has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Dispatch delivers req through the primary channel, or the fallback channel
// when the primary fails or does not acknowledge within the timeout.
// Cancelling ctx does not abort a dispatch; the timeouts bound it.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	d.inflight.Add(1)
	defer d.inflight.Done()

	ctx, span := observe.StartSpan(context.WithoutCancel(ctx), "alert.dispatch")
	log := observe.Logger(ctx).With("type", string(req.Type))

	a := types.Alert{
		ID:            uuid.NewString(),
		UserID:        d.principal.UserID,
		GroupID:       req.GroupID,
		Type:          req.Type,
		Status:        types.AlertActive,
		Timestamp:     d.now(),
		TriggerPhrase: req.Phrase,
	}
	d.publish(Update{AlertID: a.ID, Type: a.Type, Status: StatusSending})

	loc := d.resolveLocation(ctx, req.Location)
	if loc != nil {
		lat, lng := loc.Lat, loc.Lng
		a.Lat, a.Lng = &lat, &lng
	}
	res := Result{AlertID: a.ID, Location: loc}

	err := d.writePrimary(ctx, a)
	if err == nil {
		res.Outcome = DeliveredPrimary
		log.Info("alert: delivered via primary channel", "alert_id", a.ID)
		d.publish(Update{AlertID: a.ID, Type: a.Type, Status: StatusSent})
		d.metrics.RecordDispatch(ctx, string(a.Type), res.Outcome.String())
		observe.EndSpan(span, nil, observe.Attr("outcome", res.Outcome.String()))
		return res
	}

	log.Warn("alert: primary channel failed, using fallback", "alert_id", a.ID, "err", err)
	res.Outcome = DeliveredFallback
	res.PrimaryErr = err
	name := req.DisplayName
	if name == "" {
		name = d.principal.DisplayName
	}
	res.Recipients, res.Sent = d.fallback(ctx, ComposeMessage(name, req.Type, req.Phrase, loc))

	d.publish(Update{AlertID: a.ID, Type: a.Type, Status: StatusSentViaSMS})
	d.metrics.RecordDispatch(ctx, string(a.Type), res.Outcome.String())
	observe.EndSpan(span, nil, observe.Attr("outcome", res.Outcome.String()))
	return res
}

func (d *Dispatcher) resolveLocation(ctx context.Context, given *types.Location) *types.Location {
	if given != nil {
		return given
	}
	if d.locator == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, d.cfg.LocationTimeout)
	defer cancel()

	type fix struct {
		loc *types.Location
		err error
	}
	ch := make(chan fix, 1)
	go func() {
		loc, err := d.locator.LastKnown(lctx)
		ch <- fix{loc, err}
	}()
	select {
	case f := <-ch:
		if f.err != nil {
			slog.Debug("alert: last known location unavailable", "err", f.err)
			return nil
		}
		return f.loc
	case <-lctx.Done():
		slog.Debug("alert: location lookup timed out", "timeout", d.cfg.LocationTimeout)
		return nil
	}
}

func (d *Dispatcher) writePrimary(ctx context.Context, a types.Alert) (err error) {
	if a.GroupID == "" {
		return ErrNoGroup
	}
	var done resilience.Done
	if d.breaker != nil {
		if done, err = d.breaker.Allow(); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithTimeout(ctx, d.cfg.PrimaryTimeout)
	defer cancel()

	start := d.now()
	ack := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ack <- fmt.Errorf("alert: primary write panicked: %v", r)
			}
		}()
		ack <- d.writer.CreateAlert(wctx, a)
	}()

	select {
	case err = <-ack:
	case <-d.after(d.cfg.PrimaryTimeout):
		err = ErrPrimaryTimeout
	}
	d.metrics.PrimaryWriteDuration.Record(ctx, d.now().Sub(start).Seconds())
	if done != nil {
		done(err == nil)
	}
	return err
}

// fallback sends text to every contact with a phone number and returns the
// recipient and success counts.
func (d *Dispatcher) fallback(ctx context.Context, text string) (recipients, sent int) {
	contacts, err := d.contacts.Contacts(ctx)
	if err != nil {
		slog.Warn("alert: loading contacts failed", "err", err, "usable", len(contacts))
	}
	var targets []types.Contact
	for _, c := range contacts {
		if strings.TrimSpace(c.Phone) != "" {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		slog.Warn("alert: no emergency contacts with a phone number; fallback has no recipient")
		return 0, 0
	}

	var ok atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for _, c := range targets {
		g.Go(func() error {
			if d.sendOne(ctx, c, text) {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(targets), int(ok.Load())
}

func (d *Dispatcher) sendOne(ctx context.Context, c types.Contact, text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("alert: fallback send panicked", "contact_id", c.ID, "panic", r)
			d.metrics.RecordFallbackSend(ctx, "panic")
			ok = false
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if err := d.sender.Send(sctx, c.Phone, text); err != nil {
		slog.Warn("alert: fallback send failed", "contact_id", c.ID, "name", c.Name, "err", err)
		d.metrics.RecordFallbackSend(ctx, "error")
		return false
	}
	slog.Info("alert: fallback message sent", "contact_id", c.ID, "name", c.Name)
	d.metrics.RecordFallbackSend(ctx, "ok")
	return true
}

func (d *Dispatcher) publish(u Update) {
	for {
		select {
		case d.updates <- u:
			return
		default:
		}
		select {
		case <-d.updates:
		default:
		}
	}
}
