package controller

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/guardian/internal/alert"
	"github.com/MrWong99/guardian/internal/crisis"
	"github.com/MrWong99/guardian/internal/locpolicy"
	"github.com/MrWong99/guardian/internal/phrase"
	"github.com/MrWong99/guardian/internal/recognition"
	"github.com/MrWong99/guardian/pkg/capability/device"
	"github.com/MrWong99/guardian/pkg/capability/location"
	"github.com/MrWong99/guardian/pkg/docstore"
	"github.com/MrWong99/guardian/pkg/types"
)

// batteryUnknown is assumed until the device reports a level.
const batteryUnknown = 100

type userUpdate struct {
	profile types.UserProfile
	exists  bool
	err     error
}

type groupUpdate struct {
	groupID string
	config  types.GroupConfig
	exists  bool
	err     error
}

type contactsUpdate struct {
	contacts []types.Contact
	err      error
}

// run is the state of one RUNNING period. Everything except the channels
// and voiceBusy is touched only by the loop goroutine, or by Start before
// the loop goroutine exists.
type run struct {
	c   *Controller
	ctx context.Context

	userSub     docstore.Subscription
	groupSub    docstore.Subscription
	contactsSub docstore.Subscription
	signals     <-chan device.Signal
	unsubscribe func()

	groupID    string
	tracking   types.TrackingMode
	tracker    locpolicy.Tracker
	crisis     bool
	battery    float64
	stationary bool
	locHandle  location.Handle
	lastFix    *types.Location
	ownAlerts  map[string]struct{}

	// Severities already acted on for the current utterance, so a partial
	// and its final raise at most one alert of each kind.
	utterance     uint64
	criticalFired bool
	noticeFired   bool

	users    chan userUpdate
	groups   chan groupUpdate
	contacts chan contactsUpdate
	fixes    chan types.Location
	raised   chan string

	voiceBusy atomic.Bool
}

func newRun(c *Controller, ctx context.Context) *run {
	return &run{
		c:         c,
		ctx:       ctx,
		tracking:  types.TrackingAlertOnly,
		battery:   batteryUnknown,
		ownAlerts: make(map[string]struct{}),
		users:     make(chan userUpdate, 4),
		groups:    make(chan groupUpdate, 4),
		contacts:  make(chan contactsUpdate, 4),
		fixes:     make(chan types.Location, 8),
		raised:    make(chan string, 8),
	}
}

func deliver[T any](ctx context.Context, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}

// subscribe opens the profile, contact and device signal feeds. The group
// feed follows from the profile.
func (r *run) subscribe() {
	repo := r.c.deps.Repo
	var err error

	r.userSub, err = repo.WatchUser(r.ctx, func(p types.UserProfile, exists bool, err error) {
		deliver(r.ctx, r.users, userUpdate{profile: p, exists: exists, err: err})
	})
	if err != nil {
		slog.Warn("controller: watching user profile failed", "err", err)
	}

	r.contactsSub, err = repo.WatchContacts(r.ctx, func(contacts []types.Contact, err error) {
		deliver(r.ctx, r.contacts, contactsUpdate{contacts: contacts, err: err})
	})
	if err != nil {
		slog.Warn("controller: watching contacts failed", "err", err)
	}

	if s := r.c.deps.Signals; s != nil {
		r.signals, r.unsubscribe = s.Subscribe()
	}
}

func (r *run) loop(done chan struct{}) {
	defer close(done)
	defer r.teardown()

	c := r.c
	for {
		select {
		case <-r.ctx.Done():
			return
		case u := <-r.users:
			r.onUser(u)
		case g := <-r.groups:
			r.onGroup(g)
		case u := <-r.contacts:
			r.onContacts(u)
		case ev := <-c.recog.Events():
			r.onRecognition(ev)
		case tr := <-c.machine.Transitions():
			r.onCrisis(tr)
		case zt := <-c.fences.Transitions():
			r.onZone(zt)
		case s, ok := <-r.signals:
			if !ok {
				r.signals = nil
				continue
			}
			r.onSignal(s)
		case loc := <-r.fixes:
			r.onFix(loc)
		case id := <-r.raised:
			r.ownAlerts[id] = struct{}{}
		}
	}
}

// teardown runs on the loop goroutine after the run context is cancelled.
func (r *run) teardown() {
	c := r.c
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), teardownTimeout)
	defer cancel()

	c.recog.Stop()
	c.machine.Stop()
	for _, sub := range []docstore.Subscription{r.userSub, r.groupSub, r.contactsSub} {
		if sub != nil {
			sub.Stop()
		}
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.locHandle != "" {
		if err := c.deps.Location.CancelUpdates(ctx, r.locHandle); err != nil {
			slog.Warn("controller: cancelling location updates failed", "err", err)
		}
		r.locHandle = ""
	}
	c.fences.Clear(ctx)
}

// --- profile, group and contacts ---

func (r *run) onUser(u userUpdate) {
	if u.err != nil {
		slog.Warn("controller: user profile watch error", "err", u.err)
		return
	}
	if !u.exists {
		slog.Warn("controller: user profile not found")
		return
	}
	p := u.profile
	r.tracking = p.TrackingMode
	r.c.mu.Lock()
	r.c.profile = p
	r.c.zoneStatus = p.ZoneStatus
	r.c.mu.Unlock()

	if p.GroupID != r.groupID {
		r.switchGroup(p.GroupID)
	}
}

func (r *run) switchGroup(groupID string) {
	c := r.c
	if r.groupSub != nil {
		r.groupSub.Stop()
		r.groupSub = nil
	}
	slog.Info("controller: group changed", "from", r.groupID, "to", groupID)
	r.groupID = groupID
	c.mu.Lock()
	c.groupID = groupID
	c.mu.Unlock()

	if err := c.machine.Watch(r.ctx, groupID); err != nil {
		slog.Warn("controller: crisis watch failed", "group_id", groupID, "err", err)
	}
	if groupID == "" {
		return
	}
	sub, err := c.deps.Repo.WatchGroup(r.ctx, groupID, func(g types.GroupConfig, exists bool, err error) {
		deliver(r.ctx, r.groups, groupUpdate{groupID: groupID, config: g, exists: exists, err: err})
	})
	if err != nil {
		slog.Warn("controller: watching group failed", "group_id", groupID, "err", err)
		return
	}
	r.groupSub = sub
}

func (r *run) onGroup(g groupUpdate) {
	if g.groupID != r.groupID {
		return
	}
	if g.err != nil {
		slog.Warn("controller: group watch error", "group_id", g.groupID, "err", g.err)
		return
	}
	if !g.exists {
		slog.Warn("controller: group configuration not found", "group_id", g.groupID)
		return
	}
	c := r.c

	var valid []types.TriggerPhrase
	for _, p := range g.config.TriggerPhrases {
		if err := p.Validate(); err != nil {
			slog.Warn("controller: ignoring invalid trigger phrase", "phrase", p.Phrase, "err", err)
			continue
		}
		valid = append(valid, p)
	}
	for _, w := range phrase.Lint(valid) {
		slog.Info("controller: trigger phrase warning", "warning", w.String())
	}
	c.setPhrases(valid)
	c.mirrorPhrases(r.ctx, valid)
	if len(valid) == 0 {
		slog.Info("controller: group has no trigger phrases, using defaults", "group_id", g.groupID)
	}

	c.fences.SetZones(r.ctx, g.config.SafeZones)
}

func (r *run) onContacts(u contactsUpdate) {
	if u.err != nil {
		slog.Warn("controller: contacts watch error", "err", u.err, "usable", len(u.contacts))
		if len(u.contacts) == 0 {
			return
		}
	}
	r.c.setContacts(u.contacts)
	r.c.mirrorContacts(r.ctx, u.contacts)
}

// --- recognition ---

func (r *run) onRecognition(ev recognition.Event) {
	switch ev.Kind {
	case recognition.EventPartial, recognition.EventFinal:
		if ev.Utterance != r.utterance {
			r.utterance = ev.Utterance
			r.criticalFired, r.noticeFired = false, false
		}
		r.classify(ev.Alternatives, ev.Kind == recognition.EventFinal)
	case recognition.EventError:
		slog.Debug("controller: recognition error", "code", ev.Code.String(), "failures", ev.Failures, "retry_in", ev.Delay)
	case recognition.EventUnavailable:
		slog.Warn("controller: speech recognition unavailable", "code", ev.Code.String())
		r.c.notify(NoticeRecognitionUnavailable)
	}
}

func (r *run) classify(alts []string, final bool) {
	c := r.c
	phrases := c.currentPhrases()
	m, ok := phrase.ClassifyAll(alts, phrases)
	if !ok {
		if final && len(alts) > 0 {
			if p, span, score, near := phrase.NearMiss(alts[0], phrases); near {
				slog.Debug("controller: near miss", "phrase", p.Phrase, "heard", span, "score", score, "sensitivity", p.Sensitivity)
			}
		}
		return
	}
	switch m.Phrase.Severity {
	case types.SeverityCritical:
		if r.criticalFired {
			return
		}
		r.criticalFired = true
	case types.SeverityNotice:
		if r.noticeFired {
			return
		}
		r.noticeFired = true
	}

	c.metrics.RecordTriggerMatch(r.ctx, string(m.Phrase.Severity))
	slog.Info("controller: trigger phrase matched",
		"phrase", m.Phrase.Phrase,
		"severity", string(m.Phrase.Severity),
		"similarity", m.Similarity,
		"final", final,
	)
	switch m.Phrase.Severity {
	case types.SeverityCritical:
		r.raiseVoice(m.Phrase.Phrase)
	case types.SeverityNotice:
		r.refreshLocation()
		r.recordNotice(m.Phrase.Phrase)
	}
}

// raiseVoice dispatches a VOICE_TRIGGER alert. Matches arriving while a voice
// dispatch is in flight are dropped.
func (r *run) raiseVoice(trigger string) {
	if !r.voiceBusy.CompareAndSwap(false, true) {
		slog.Info("controller: voice alert already in flight", "phrase", trigger)
		return
	}
	c := r.c
	c.mu.Lock()
	name := c.profile.DisplayName
	c.mu.Unlock()

	req := alert.Request{
		Type:        types.AlertVoiceTrigger,
		Phrase:      trigger,
		Location:    r.lastFix,
		GroupID:     r.groupID,
		DisplayName: name,
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		defer r.voiceBusy.Store(false)
		res := c.dispatch(r.ctx, req)
		if res.Outcome == alert.DeliveredPrimary {
			deliver(r.ctx, r.raised, res.AlertID)
		}
	}()
}

// recordNotice writes a NOTICE record directly.
func (r *run) recordNotice(text string) {
	c := r.c
	if r.groupID == "" {
		slog.Warn("controller: no group; notice not recorded", "text", text)
		return
	}
	a := types.Alert{
		ID:            uuid.NewString(),
		UserID:        c.deps.Repo.Principal().UserID,
		GroupID:       r.groupID,
		Type:          types.AlertNotice,
		Status:        types.AlertActive,
		Timestamp:     c.now(),
		TriggerPhrase: text,
	}
	if r.lastFix != nil {
		lat, lng := r.lastFix.Lat, r.lastFix.Lng
		a.Lat, a.Lng = &lat, &lng
	}
	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()
	if err := c.deps.Repo.CreateAlert(ctx, a); err != nil {
		slog.Warn("controller: writing notice failed", "text", text, "err", err)
		return
	}
	c.metrics.NoticesWritten.Add(r.ctx, 1)
	slog.Info("controller: notice recorded", "alert_id", a.ID, "text", text)
}

// --- crisis and location policy ---

func (r *run) onCrisis(tr crisis.Transition) {
	if tr.Active == r.crisis {
		return
	}
	r.crisis = tr.Active
	r.c.mu.Lock()
	r.c.crisisActive = tr.Active
	r.c.mu.Unlock()

	if !tr.Active {
		r.tracker.ResetEpisode()
		clear(r.ownAlerts)
	}
	slog.Info("controller: crisis mode changed", "active", tr.Active, "group_id", tr.GroupID, "alerts", tr.Alerts)
	r.evaluatePolicy("crisis")
}

func (r *run) onSignal(s device.Signal) {
	switch s.Kind {
	case device.SignalBattery:
		old := r.battery
		r.battery = s.BatteryPercent
		if locpolicy.CrossesBoundary(old, s.BatteryPercent) {
			r.evaluatePolicy("battery")
		}
	case device.SignalActivity:
		if s.Stationary != r.stationary {
			r.stationary = s.Stationary
			r.evaluatePolicy("activity")
		}
	}
}

// evaluatePolicy re-derives the location policy and restarts the location
// subscription when the derived config changed.
func (r *run) evaluatePolicy(reason string) {
	d := r.tracker.Evaluate(locpolicy.Inputs{
		CrisisActive:   r.crisis,
		BatteryPercent: r.battery,
		Stationary:     r.stationary,
	})
	if d.Notice {
		slog.Warn("controller: crisis tracking slowed for low battery", "battery", r.battery)
		r.c.notify(locpolicy.LowBatteryNotice)
	}
	if !d.Changed {
		return
	}
	r.resubscribe(d, reason)
}

func (r *run) resubscribe(d locpolicy.Decision, reason string) {
	c := r.c
	loc := c.deps.Location
	if r.locHandle != "" {
		if err := loc.CancelUpdates(r.ctx, r.locHandle); err != nil {
			slog.Warn("controller: cancelling location updates failed", "err", err)
		}
		r.locHandle = ""
	}
	h, err := loc.RequestUpdates(r.ctx, d.Config.Request(), r.pushFix)
	if err != nil {
		slog.Warn("controller: requesting location updates failed", "rule", d.Rule.String(), "err", err)
		r.tracker.Forget()
		return
	}
	r.locHandle = h
	c.metrics.RecordLocationReconfiguration(r.ctx, d.Rule.String())
	c.mu.Lock()
	c.rule = d.Rule
	c.mu.Unlock()
	slog.Info("controller: location policy applied",
		"rule", d.Rule.String(),
		"reason", reason,
		"interval", d.Config.Interval,
		"priority", string(d.Config.Priority),
	)
}

// pushFix is the location callback. It never blocks; when the loop falls
// behind the oldest queued fix is dropped.
func (r *run) pushFix(loc types.Location) {
	for {
		select {
		case r.fixes <- loc:
			return
		default:
		}
		select {
		case <-r.fixes:
		default:
		}
	}
}

func (r *run) refreshLocation() {
	ctx, cancel := context.WithTimeout(r.ctx, refreshTimeout)
	defer cancel()
	loc, err := r.c.deps.Location.LastKnown(ctx)
	if err != nil {
		slog.Debug("controller: location refresh failed", "err", err)
		return
	}
	if loc != nil {
		r.onFix(*loc)
	}
}

func (r *run) onFix(loc types.Location) {
	r.lastFix = &loc
	if r.tracking != types.TrackingAlways && !r.crisis {
		return
	}
	c := r.c
	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()
	if err := c.deps.Repo.UpdateLocation(ctx, loc); err != nil {
		slog.Warn("controller: uploading location failed", "err", err)
	}
	if !r.crisis {
		return
	}
	for id := range r.ownAlerts {
		if err := c.deps.Repo.UpdateAlertLocation(ctx, id, loc.LatLng); err != nil {
			slog.Debug("controller: updating alert location failed", "alert_id", id, "err", err)
		}
	}
}

// --- zones ---

func (r *run) onZone(t types.ZoneTransition) {
	c := r.c
	name := t.ZoneID
	if z, ok := c.fences.Zone(t.ZoneID); ok && z.Name != "" {
		name = z.Name
	}
	status := "Left " + name
	if t.Kind == types.TransitionEnter {
		status = "Arrived at " + name
	}
	slog.Info("controller: zone transition", "zone_id", t.ZoneID, "kind", string(t.Kind), "status", status)

	c.mu.Lock()
	c.zoneStatus = status
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()
	if err := c.deps.Repo.SetZoneStatus(ctx, status); err != nil {
		slog.Warn("controller: updating zone status failed", "err", err)
	}
}
