// Package controller runs the safety monitoring loop for one device.
//
// A [Controller] wires speech recognition, trigger classification, crisis
// tracking, location policy, geofencing and alert dispatch together. The
// monitored state (trigger set, zones, crisis flag, policy tracker, location
// subscription) is owned by a single run goroutine that exists while the
// controller is RUNNING. Capability callbacks and document watches feed that
// goroutine through channels.
//
// Lifecycle:
//
//	STOPPED → STARTING → RUNNING → STOPPING → STOPPED
//
// [Controller.Start], [Controller.Stop] and [Controller.Toggle] are
// serialised; repeated identical calls are no-ops.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/guardian/internal/alert"
	"github.com/MrWong99/guardian/internal/crisis"
	"github.com/MrWong99/guardian/internal/geofence"
	"github.com/MrWong99/guardian/internal/locpolicy"
	"github.com/MrWong99/guardian/internal/observe"
	"github.com/MrWong99/guardian/internal/phrase"
	"github.com/MrWong99/guardian/internal/recognition"
	"github.com/MrWong99/guardian/internal/resilience"
	"github.com/MrWong99/guardian/internal/store"
	"github.com/MrWong99/guardian/pkg/capability/device"
	capgeo "github.com/MrWong99/guardian/pkg/capability/geofence"
	"github.com/MrWong99/guardian/pkg/capability/location"
	"github.com/MrWong99/guardian/pkg/capability/messaging"
	"github.com/MrWong99/guardian/pkg/capability/speech"
	"github.com/MrWong99/guardian/pkg/localstore"
	"github.com/MrWong99/guardian/pkg/types"
)

// Local cache keys.
const (
	CacheKeyPhrases  = "trigger_phrases"
	CacheKeyContacts = "emergency_contacts"
)

// User-visible notices.
const (
	NoticeRecognitionUnavailable = "Voice monitoring is unavailable on this device."
)

const (
	writeTimeout    = 5 * time.Second
	refreshTimeout  = 2 * time.Second
	contactsTimeout = 2 * time.Second
	teardownTimeout = 5 * time.Second
)

// ErrPanicPending is returned by [Controller.PanicButton] while a panic
// countdown is already running.
var ErrPanicPending = errors.New("controller: panic alert already pending")

// State is the controller lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	for st := StateStopped; st <= StateStopping; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("controller: unknown state %q", text)
}

// Deps are the collaborators of a [Controller]. Signals and Breaker are
// optional; everything else is required.
type Deps struct {
	Repo     *store.Repository
	Cache    localstore.Store
	Speech   speech.Capability
	Location location.Capability
	Geofence capgeo.Capability
	Signals  device.Signals
	Sender   messaging.Sender
	Breaker  *resilience.Breaker
	Metrics  *observe.Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.Repo == nil {
		errs = append(errs, errors.New("repository is required"))
	}
	if d.Cache == nil {
		errs = append(errs, errors.New("local cache is required"))
	}
	if d.Speech == nil {
		errs = append(errs, errors.New("speech capability is required"))
	}
	if d.Location == nil {
		errs = append(errs, errors.New("location capability is required"))
	}
	if d.Geofence == nil {
		errs = append(errs, errors.New("geofence capability is required"))
	}
	if d.Sender == nil {
		errs = append(errs, errors.New("fallback sender is required"))
	}
	return errors.Join(errs...)
}

// Options tune a [Controller]. Zero values take the component defaults.
type Options struct {
	// Alert holds the dispatcher timeouts.
	Alert alert.Config

	// Countdown delays panic-button dispatches so they can be cancelled.
	// Zero dispatches immediately.
	Countdown time.Duration

	// BackoffBase and BackoffMax bound the recognition retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// StaticContacts are always added to the fallback recipients.
	StaticContacts []types.Contact
}

// AlertStatus is the coarse state of the most recent alert.
type AlertStatus struct {
	ID     string          `json:"id,omitempty"`
	Type   types.AlertType `json:"type"`
	Status alert.Status    `json:"status"`
	At     time.Time       `json:"at"`
}

// Status is a point-in-time snapshot for display.
type Status struct {
	State          State        `json:"state"`
	GroupID        string       `json:"groupId,omitempty"`
	Crisis         bool         `json:"crisis"`
	Recognition    string       `json:"recognition"`
	TriggerPhrases int          `json:"triggerPhrases"`
	SafeZones      int          `json:"safeZones"`
	ZoneStatus     string       `json:"zoneStatus,omitempty"`
	LocationPolicy string       `json:"locationPolicy,omitempty"`
	PanicPending   bool         `json:"panicPending"`
	LastAlert      *AlertStatus `json:"lastAlert,omitempty"`
}

// Controller is the per-device orchestrator. All methods are safe for
// concurrent use.
type Controller struct {
	deps    Deps
	opts    Options
	metrics *observe.Metrics
	now     func() time.Time

	dispatcher *alert.Dispatcher
	countdown  *alert.Countdown
	recog      *recognition.Supervisor
	machine    *crisis.Machine
	fences     *geofence.Monitor
	notices    chan string

	// lifeMu serialises Start, Stop, Toggle and Close.
	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	tasks    sync.WaitGroup
	panics   sync.WaitGroup

	mu           sync.Mutex
	state        State
	profile      types.UserProfile
	groupID      string
	crisisActive bool
	phrases      []types.TriggerPhrase
	rule         locpolicy.Rule
	zoneStatus   string
	lastAlert    *AlertStatus
	contacts     []types.Contact
	haveContacts bool
}

// New creates a stopped Controller.
func New(deps Deps, opts Options) (*Controller, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	m := observe.Or(deps.Metrics)
	c := &Controller{
		deps:    deps,
		opts:    opts,
		metrics: m,
		now:     time.Now,
		notices: make(chan string, 8),
		phrases: types.DefaultTriggerPhrases(),
	}

	dopts := []alert.Option{
		alert.WithConfig(opts.Alert),
		alert.WithLocator(deps.Location),
		alert.WithMetrics(m),
	}
	if deps.Breaker != nil {
		dopts = append(dopts, alert.WithBreaker(deps.Breaker))
	}
	c.dispatcher = alert.New(deps.Repo.Principal(), deps.Repo, alert.ContactsFunc(c.Contacts), deps.Sender, dopts...)
	c.countdown = alert.NewCountdown(opts.Countdown)
	c.recog = recognition.New(deps.Speech,
		recognition.WithBackoff(opts.BackoffBase, opts.BackoffMax),
		recognition.WithMetrics(m),
	)
	c.machine = crisis.New(deps.Repo, crisis.WithMetrics(m))
	c.fences = geofence.New(deps.Geofence, geofence.WithMetrics(m))
	return c, nil
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start begins monitoring. It is a no-op while RUNNING. Capability and store
// failures do not fail Start; the affected subsystem logs and stays idle.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.State() == StateRunning {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("controller: start: %w", err)
	}
	c.setState(StateStarting)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRun(c, runCtx)

	c.setPhrases(c.cachedPhrases(ctx))
	if cached := c.cachedContacts(ctx); cached != nil {
		c.setContacts(cached)
	}

	r.subscribe()
	if err := c.recog.Start(runCtx); err != nil {
		slog.Warn("controller: recognition did not start", "err", err)
	}
	r.evaluatePolicy("start")

	c.cancel = cancel
	c.loopDone = make(chan struct{})
	go r.loop(c.loopDone)

	c.setState(StateRunning)
	slog.Info("controller: started", "user_id", c.deps.Repo.Principal().UserID, "trigger_phrases", len(c.currentPhrases()))
	return nil
}

// Stop ends monitoring and returns once every subscription is torn down and
// in-flight voice dispatches have finished. A pending panic countdown is not
// affected; see [Controller.Close].
func (c *Controller) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.State() != StateRunning {
		return
	}
	c.setState(StateStopping)
	c.cancel()
	<-c.loopDone
	c.tasks.Wait()

	c.cancel = nil
	c.loopDone = nil
	c.mu.Lock()
	c.state = StateStopped
	c.crisisActive = false
	c.rule = 0
	c.mu.Unlock()
	slog.Info("controller: stopped")
}

// Toggle switches monitoring on or off and persists the listening flag.
// Concurrent toggles are serialised; a toggle to the current state does
// nothing.
func (c *Controller) Toggle(ctx context.Context, on bool) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if on == (c.State() == StateRunning) {
		return nil
	}
	if on {
		if err := c.startLocked(ctx); err != nil {
			return err
		}
	} else {
		c.stopLocked()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := c.deps.Repo.SetListeningEnabled(wctx, on); err != nil {
		slog.Warn("controller: persisting listening flag failed", "enabled", on, "err", err)
	}
	return nil
}

// Restore starts monitoring when the stored profile has listening enabled.
func (c *Controller) Restore(ctx context.Context) error {
	p, ok, err := c.deps.Repo.Profile(ctx)
	if err != nil {
		return fmt.Errorf("controller: restore: %w", err)
	}
	if !ok || !p.ListeningEnabled {
		slog.Info("controller: listening disabled in profile; not starting")
		return nil
	}
	return c.Start(ctx)
}

// Close stops monitoring, cancels a pending panic countdown and waits for
// every dispatch to finish. The controller can be started again afterwards.
func (c *Controller) Close() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.stopLocked()
	c.countdown.Close()
	c.panics.Wait()
	c.dispatcher.Wait()
	c.countdown.Reopen()
}

// PanicButton raises a PANIC_BUTTON alert. It works whether or not
// monitoring runs. With a countdown configured the dispatch is scheduled and
// scheduled is true; [Controller.CancelPending] aborts it.
func (c *Controller) PanicButton(ctx context.Context) (scheduled bool, err error) {
	ctx = context.WithoutCancel(ctx)
	req := alert.Request{Type: types.AlertPanicButton}

	if c.countdown.Delay() <= 0 {
		req.GroupID, req.DisplayName = c.identity(ctx)
		c.panics.Add(1)
		go func() {
			defer c.panics.Done()
			c.dispatch(ctx, req)
		}()
		return false, nil
	}

	ok := c.countdown.Start(func() {
		req.GroupID, req.DisplayName = c.identity(ctx)
		c.dispatch(ctx, req)
	})
	if !ok {
		return false, ErrPanicPending
	}
	slog.Info("controller: panic alert scheduled", "delay", c.countdown.Delay())
	return true, nil
}

// CancelPending aborts a scheduled panic alert. It reports whether one was
// pending.
func (c *Controller) CancelPending() bool {
	if c.countdown.Cancel() {
		slog.Info("controller: panic alert cancelled")
		return true
	}
	return false
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:          c.state,
		GroupID:        c.groupID,
		Crisis:         c.crisisActive,
		TriggerPhrases: len(c.phrases),
		ZoneStatus:     c.zoneStatus,
	}
	if c.rule != 0 {
		st.LocationPolicy = c.rule.String()
	}
	if c.lastAlert != nil {
		la := *c.lastAlert
		st.LastAlert = &la
	}
	c.mu.Unlock()

	st.Recognition = c.recog.State().String()
	st.SafeZones = len(c.fences.Zones())
	st.PanicPending = c.countdown.Pending()
	return st
}

// Notices returns the stream of user-visible notices. Notices are dropped,
// oldest first, when nobody reads. The channel is never closed.
func (c *Controller) Notices() <-chan string {
	return c.notices
}

// AlertUpdates returns the dispatcher's status stream.
func (c *Controller) AlertUpdates() <-chan alert.Update {
	return c.dispatcher.Updates()
}

// Contacts returns the fallback recipients: the live contact list, or the
// offline copy when the live list cannot be read, plus the static contacts.
// Duplicate phone numbers are removed.
func (c *Controller) Contacts(ctx context.Context) ([]types.Contact, error) {
	c.mu.Lock()
	live, have := slices.Clone(c.contacts), c.haveContacts
	c.mu.Unlock()

	if !have {
		lctx, cancel := context.WithTimeout(ctx, contactsTimeout)
		fetched, err := c.deps.Repo.Contacts(lctx)
		cancel()
		switch {
		case err != nil && len(fetched) == 0:
			slog.Warn("controller: contacts unavailable, using offline copy", "err", err)
			live = c.cachedContacts(ctx)
		default:
			if err != nil {
				slog.Warn("controller: some contacts could not be read", "err", err)
			}
			live = fetched
		}
	}
	return mergeContacts(live, c.opts.StaticContacts), nil
}

func mergeContacts(lists ...[]types.Contact) []types.Contact {
	seen := make(map[string]struct{})
	var out []types.Contact
	for _, list := range lists {
		for _, ct := range list {
			key, err := messaging.Canonicalize(ct.Phone)
			if err != nil {
				key = strings.TrimSpace(ct.Phone)
			}
			if key != "" {
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
			}
			out = append(out, ct)
		}
	}
	return out
}

// identity returns the group and display name used for an alert.
func (c *Controller) identity(ctx context.Context) (groupID, displayName string) {
	c.mu.Lock()
	groupID, displayName = c.groupID, c.profile.DisplayName
	c.mu.Unlock()
	if displayName == "" {
		displayName = c.deps.Repo.Principal().DisplayName
	}
	if groupID != "" {
		return groupID, displayName
	}

	lctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	p, ok, err := c.deps.Repo.Profile(lctx)
	if err != nil || !ok {
		slog.Warn("controller: profile unavailable for alert", "found", ok, "err", err)
		return "", displayName
	}
	if p.DisplayName != "" {
		displayName = p.DisplayName
	}
	return p.GroupID, displayName
}

func (c *Controller) dispatch(ctx context.Context, req alert.Request) alert.Result {
	c.setLastAlert(AlertStatus{Type: req.Type, Status: alert.StatusSending, At: c.now()})
	res := c.dispatcher.Dispatch(ctx, req)
	st := alert.StatusSent
	if res.Outcome == alert.DeliveredFallback {
		st = alert.StatusSentViaSMS
	}
	c.setLastAlert(AlertStatus{ID: res.AlertID, Type: req.Type, Status: st, At: c.now()})
	return res
}

func (c *Controller) notify(text string) {
	for {
		select {
		case c.notices <- text:
			return
		default:
		}
		select {
		case <-c.notices:
		default:
		}
	}
}

// --- offline cache ---

func (c *Controller) cachedPhrases(ctx context.Context) []types.TriggerPhrase {
	raw, ok, err := c.deps.Cache.GetString(ctx, CacheKeyPhrases)
	if err != nil {
		slog.Warn("controller: reading cached trigger phrases failed", "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	phrases, err := phrase.DecodeCache(raw)
	if err != nil {
		slog.Warn("controller: cached trigger phrases unreadable, using defaults", "err", err)
		return nil
	}
	return phrases
}

func (c *Controller) mirrorPhrases(ctx context.Context, phrases []types.TriggerPhrase) {
	enc, skipped := phrase.EncodeCache(phrases)
	for _, p := range skipped {
		slog.Warn("controller: trigger phrase cannot be cached", "phrase", p.Phrase)
	}
	if err := c.deps.Cache.PutString(ctx, CacheKeyPhrases, enc); err != nil {
		slog.Warn("controller: caching trigger phrases failed", "err", err)
	}
}

func (c *Controller) cachedContacts(ctx context.Context) []types.Contact {
	raw, ok, err := c.deps.Cache.GetString(ctx, CacheKeyContacts)
	if err != nil || !ok {
		if err != nil {
			slog.Warn("controller: reading cached contacts failed", "err", err)
		}
		return nil
	}
	var contacts []types.Contact
	if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
		slog.Warn("controller: cached contacts unreadable", "err", err)
		return nil
	}
	return contacts
}

func (c *Controller) mirrorContacts(ctx context.Context, contacts []types.Contact) {
	raw, err := json.Marshal(contacts)
	if err != nil {
		slog.Warn("controller: encoding contacts failed", "err", err)
		return
	}
	if err := c.deps.Cache.PutString(ctx, CacheKeyContacts, string(raw)); err != nil {
		slog.Warn("controller: caching contacts failed", "err", err)
	}
}

// --- guarded snapshot setters ---

// setPhrases applies phrases, or the built-in defaults when empty.
func (c *Controller) setPhrases(phrases []types.TriggerPhrase) {
	if len(phrases) == 0 {
		phrases = types.DefaultTriggerPhrases()
	}
	c.mu.Lock()
	c.phrases = slices.Clone(phrases)
	c.mu.Unlock()
}

func (c *Controller) currentPhrases() []types.TriggerPhrase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phrases
}

func (c *Controller) setContacts(contacts []types.Contact) {
	c.mu.Lock()
	c.contacts = slices.Clone(contacts)
	c.haveContacts = true
	c.mu.Unlock()
}

func (c *Controller) setLastAlert(a AlertStatus) {
	c.mu.Lock()
	c.lastAlert = &a
	c.mu.Unlock()
}
