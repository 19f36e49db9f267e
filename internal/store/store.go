// Package store is the typed repository over the document store.
//
// Layout:
//
//	users/{userId}                 UserProfile
//	users/{userId}/contacts/{id}   Contact
//	groups/{groupId}               GroupConfig (triggerPhrases, safeZones)
//	alerts/{alertId}               Alert, queried by groupId and status
//
// Every mutation the engine performs goes through a method here. Mutations of
// shared group state are restricted to managers of that group.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/guardian/pkg/docstore"
	"github.com/MrWong99/guardian/pkg/types"
)

// Collection names.
const (
	CollUsers  = "users"
	CollGroups = "groups"
	CollAlerts = "alerts"
)

// Sentinel errors.
var (
	// ErrNotManager is returned when a manager-only mutation is attempted by
	// a member, or by a manager of a different group.
	ErrNotManager = errors.New("store: caller is not a manager of the group")

	// ErrNoProfile is returned when the principal has no user document.
	ErrNoProfile = errors.New("store: user profile not found")
)

// ContactsCollection returns the collection holding a user's emergency
// contacts.
func ContactsCollection(userID string) string {
	return CollUsers + "/" + userID + "/contacts"
}

// Repository reads and writes domain records on behalf of one principal.
// Safe for concurrent use.
type Repository struct {
	docs      docstore.Store
	principal types.Principal
	now       func() time.Time
}

// New returns a repository acting as p.
func New(docs docstore.Store, p types.Principal) *Repository {
	return &Repository{docs: docs, principal: p, now: time.Now}
}

// Principal returns the principal the repository acts for.
func (r *Repository) Principal() types.Principal {
	return r.principal
}

// Ping checks that the underlying store answers.
func (r *Repository) Ping(ctx context.Context) error {
	if _, err := r.docs.Get(ctx, CollUsers, r.principal.UserID); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// --- Users ---

// Profile returns the principal's profile. ok is false when no document
// exists.
func (r *Repository) Profile(ctx context.Context) (p types.UserProfile, ok bool, err error) {
	snap, err := r.docs.Get(ctx, CollUsers, r.principal.UserID)
	if err != nil {
		return types.UserProfile{}, false, fmt.Errorf("store: get profile: %w", err)
	}
	return decodeProfile(snap)
}

// WatchUser subscribes to the principal's profile. exists is false while the
// document is missing.
func (r *Repository) WatchUser(ctx context.Context, fn func(p types.UserProfile, exists bool, err error)) (docstore.Subscription, error) {
	sub, err := r.docs.Watch(ctx, CollUsers, r.principal.UserID, func(snap docstore.Snapshot, err error) {
		if err != nil {
			fn(types.UserProfile{}, false, fmt.Errorf("store: watch user: %w", err))
			return
		}
		fn(decodeProfile(snap))
	})
	if err != nil {
		return nil, fmt.Errorf("store: watch user: %w", err)
	}
	return sub, nil
}

func decodeProfile(snap docstore.Snapshot) (types.UserProfile, bool, error) {
	if !snap.Exists {
		return types.UserProfile{}, false, nil
	}
	var p types.UserProfile
	if err := snap.Decode(&p); err != nil {
		return types.UserProfile{}, true, fmt.Errorf("store: decode profile: %w", err)
	}
	if p.ID == "" {
		p.ID = snap.ID
	}
	if !p.TrackingMode.IsValid() {
		p.TrackingMode = types.TrackingAlertOnly
	}
	return p, true, nil
}

// SetListeningEnabled persists the principal's listening toggle.
func (r *Repository) SetListeningEnabled(ctx context.Context, enabled bool) error {
	return r.patchUser(ctx, "set listening", docstore.Document{"listeningEnabled": enabled})
}

// SetLocationTrackingMode persists the principal's tracking mode.
func (r *Repository) SetLocationTrackingMode(ctx context.Context, mode types.TrackingMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("store: set tracking mode: invalid mode %q", mode)
	}
	return r.patchUser(ctx, "set tracking mode", docstore.Document{"trackingMode": string(mode)})
}

// UpdateLocation stores loc as the principal's last known location.
func (r *Repository) UpdateLocation(ctx context.Context, loc types.Location) error {
	doc, err := docstore.Encode(loc)
	if err != nil {
		return fmt.Errorf("store: update location: %w", err)
	}
	return r.patchUser(ctx, "update location", docstore.Document{"lastLocation": doc})
}

// SetZoneStatus stores the human-readable zone status line.
func (r *Repository) SetZoneStatus(ctx context.Context, status string) error {
	return r.patchUser(ctx, "set zone status", docstore.Document{"zoneStatus": status})
}

// patchUser merges patch into the principal's document, creating it when
// missing.
func (r *Repository) patchUser(ctx context.Context, op string, patch docstore.Document) error {
	err := r.docs.Update(ctx, CollUsers, r.principal.UserID, patch)
	if errors.Is(err, docstore.ErrNotFound) {
		doc := docstore.Document{"id": r.principal.UserID}
		if r.principal.DisplayName != "" {
			doc["displayName"] = r.principal.DisplayName
		}
		for k, v := range patch {
			doc[k] = v
		}
		err = r.docs.Set(ctx, CollUsers, r.principal.UserID, doc)
	}
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return nil
}

// --- Contacts ---

// Contacts returns the principal's emergency contacts ordered by ID.
func (r *Repository) Contacts(ctx context.Context) ([]types.Contact, error) {
	snaps, err := r.docs.Query(ctx, ContactsCollection(r.principal.UserID), nil)
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	return decodeContacts(snaps)
}

// WatchContacts subscribes to the principal's emergency contacts.
func (r *Repository) WatchContacts(ctx context.Context, fn func([]types.Contact, error)) (docstore.Subscription, error) {
	sub, err := r.docs.WatchQuery(ctx, ContactsCollection(r.principal.UserID), nil, func(snaps []docstore.Snapshot, err error) {
		if err != nil {
			fn(nil, fmt.Errorf("store: watch contacts: %w", err))
			return
		}
		fn(decodeContacts(snaps))
	})
	if err != nil {
		return nil, fmt.Errorf("store: watch contacts: %w", err)
	}
	return sub, nil
}

// PutContact creates or replaces one of the principal's contacts.
func (r *Repository) PutContact(ctx context.Context, c types.Contact) error {
	if c.ID == "" {
		return errors.New("store: put contact: id is required")
	}
	doc, err := docstore.Encode(c)
	if err != nil {
		return fmt.Errorf("store: put contact: %w", err)
	}
	if err := r.docs.Set(ctx, ContactsCollection(r.principal.UserID), c.ID, doc); err != nil {
		return fmt.Errorf("store: put contact: %w", err)
	}
	return nil
}

func decodeContacts(snaps []docstore.Snapshot) ([]types.Contact, error) {
	out := make([]types.Contact, 0, len(snaps))
	var errs []error
	for _, s := range snaps {
		var c types.Contact
		if err := s.Decode(&c); err != nil {
			errs = append(errs, err)
			continue
		}
		if c.ID == "" {
			c.ID = s.ID
		}
		out = append(out, c)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("store: decode contacts: %w", errors.Join(errs...))
	}
	return out, nil
}

// --- Groups ---

// WatchGroup subscribes to a group's configuration.
func (r *Repository) WatchGroup(ctx context.Context, groupID string, fn func(g types.GroupConfig, exists bool, err error)) (docstore.Subscription, error) {
	sub, err := r.docs.Watch(ctx, CollGroups, groupID, func(snap docstore.Snapshot, err error) {
		if err != nil {
			fn(types.GroupConfig{}, false, fmt.Errorf("store: watch group: %w", err))
			return
		}
		fn(decodeGroup(snap))
	})
	if err != nil {
		return nil, fmt.Errorf("store: watch group %q: %w", groupID, err)
	}
	return sub, nil
}

func decodeGroup(snap docstore.Snapshot) (types.GroupConfig, bool, error) {
	if !snap.Exists {
		return types.GroupConfig{ID: snap.ID}, false, nil
	}
	var g types.GroupConfig
	if err := snap.Decode(&g); err != nil {
		return types.GroupConfig{ID: snap.ID}, true, fmt.Errorf("store: decode group: %w", err)
	}
	if g.ID == "" {
		g.ID = snap.ID
	}
	return g, true, nil
}

// SetTriggerPhrases replaces the group's trigger phrases. Manager only.
func (r *Repository) SetTriggerPhrases(ctx context.Context, groupID string, phrases []types.TriggerPhrase) error {
	var errs []error
	for i, p := range phrases {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("phrase[%d]: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("store: set trigger phrases: %w", err)
	}
	if err := r.requireManager(ctx, groupID); err != nil {
		return fmt.Errorf("store: set trigger phrases: %w", err)
	}
	list := make([]any, len(phrases))
	for i, p := range phrases {
		list[i] = p
	}
	return r.patchGroup(ctx, "set trigger phrases", groupID, "triggerPhrases", list)
}

// SetSafeZones replaces the group's safe zones. Manager only.
func (r *Repository) SetSafeZones(ctx context.Context, groupID string, zones []types.SafeZone) error {
	var errs []error
	seen := make(map[string]bool, len(zones))
	for i, z := range zones {
		switch {
		case strings.TrimSpace(z.ID) == "":
			errs = append(errs, fmt.Errorf("zone[%d]: id is required", i))
		case seen[z.ID]:
			errs = append(errs, fmt.Errorf("zone[%d]: duplicate id %q", i, z.ID))
		}
		seen[z.ID] = true
		if z.RadiusMeters <= 0 {
			errs = append(errs, fmt.Errorf("zone[%d]: radius must be positive", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("store: set safe zones: %w", err)
	}
	if err := r.requireManager(ctx, groupID); err != nil {
		return fmt.Errorf("store: set safe zones: %w", err)
	}
	list := make([]any, len(zones))
	for i, z := range zones {
		list[i] = z
	}
	return r.patchGroup(ctx, "set safe zones", groupID, "safeZones", list)
}

func (r *Repository) patchGroup(ctx context.Context, op, groupID, field string, value any) error {
	patch := docstore.Document{field: value}
	err := r.docs.Update(ctx, CollGroups, groupID, patch)
	if errors.Is(err, docstore.ErrNotFound) {
		err = r.docs.Set(ctx, CollGroups, groupID, docstore.Document{"id": groupID, field: value})
	}
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return nil
}

// requireManager returns nil when the principal manages groupID.
func (r *Repository) requireManager(ctx context.Context, groupID string) error {
	p, ok, err := r.Profile(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoProfile
	}
	if p.Role != types.RoleManager || p.GroupID != groupID {
		return ErrNotManager
	}
	return nil
}

// --- Alerts ---

// CreateAlert writes a new alert record. ID, UserID, GroupID and Type are
// required; a zero Timestamp is set to now and an empty Status to ACTIVE.
func (r *Repository) CreateAlert(ctx context.Context, a types.Alert) error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if a.UserID == "" {
		errs = append(errs, errors.New("userId is required"))
	}
	if a.GroupID == "" {
		errs = append(errs, errors.New("groupId is required"))
	}
	if a.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("store: create alert: %w", err)
	}
	if a.Status == "" {
		a.Status = types.AlertActive
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now()
	}
	doc, err := docstore.Encode(a)
	if err != nil {
		return fmt.Errorf("store: create alert: %w", err)
	}
	if err := r.docs.Set(ctx, CollAlerts, a.ID, doc); err != nil {
		return fmt.Errorf("store: create alert %s: %w", a.ID, err)
	}
	return nil
}

// ResolveAlert marks an alert RESOLVED. Manager of the alert's group only.
func (r *Repository) ResolveAlert(ctx context.Context, alertID string) error {
	snap, err := r.docs.Get(ctx, CollAlerts, alertID)
	if err != nil {
		return fmt.Errorf("store: resolve alert %s: %w", alertID, err)
	}
	if !snap.Exists {
		return fmt.Errorf("store: resolve alert %s: %w", alertID, docstore.ErrNotFound)
	}
	var a types.Alert
	if err := snap.Decode(&a); err != nil {
		return fmt.Errorf("store: resolve alert %s: %w", alertID, err)
	}
	if err := r.requireManager(ctx, a.GroupID); err != nil {
		return fmt.Errorf("store: resolve alert %s: %w", alertID, err)
	}
	patch := docstore.Document{"status": string(types.AlertResolved)}
	if err := r.docs.Update(ctx, CollAlerts, alertID, patch); err != nil {
		return fmt.Errorf("store: resolve alert %s: %w", alertID, err)
	}
	return nil
}

// UpdateAlertLocation moves an ACTIVE alert raised by the principal to ll.
// Alerts of other users are never touched.
func (r *Repository) UpdateAlertLocation(ctx context.Context, alertID string, ll types.LatLng) error {
	snap, err := r.docs.Get(ctx, CollAlerts, alertID)
	if err != nil {
		return fmt.Errorf("store: update alert location %s: %w", alertID, err)
	}
	if !snap.Exists {
		return fmt.Errorf("store: update alert location %s: %w", alertID, docstore.ErrNotFound)
	}
	var a types.Alert
	if err := snap.Decode(&a); err != nil {
		return fmt.Errorf("store: update alert location %s: %w", alertID, err)
	}
	if a.UserID != r.principal.UserID {
		return fmt.Errorf("store: update alert location %s: alert belongs to another user", alertID)
	}
	if a.Status != types.AlertActive {
		return nil
	}
	patch := docstore.Document{"lat": ll.Lat, "lng": ll.Lng}
	if err := r.docs.Update(ctx, CollAlerts, alertID, patch); err != nil {
		return fmt.Errorf("store: update alert location %s: %w", alertID, err)
	}
	return nil
}

// ActiveAlertsFilter selects a group's ACTIVE alerts.
func ActiveAlertsFilter(groupID string) docstore.Filter {
	return docstore.Filter{
		docstore.Eq("groupId", groupID),
		docstore.Eq("status", string(types.AlertActive)),
	}
}

// ActiveAlerts returns the group's ACTIVE alerts.
func (r *Repository) ActiveAlerts(ctx context.Context, groupID string) ([]types.Alert, error) {
	snaps, err := r.docs.Query(ctx, CollAlerts, ActiveAlertsFilter(groupID))
	if err != nil {
		return nil, fmt.Errorf("store: active alerts: %w", err)
	}
	return decodeAlerts(snaps)
}

// WatchActiveAlerts subscribes to the group's ACTIVE alerts.
func (r *Repository) WatchActiveAlerts(ctx context.Context, groupID string, fn func([]types.Alert, error)) (docstore.Subscription, error) {
	sub, err := r.docs.WatchQuery(ctx, CollAlerts, ActiveAlertsFilter(groupID), func(snaps []docstore.Snapshot, err error) {
		if err != nil {
			fn(nil, fmt.Errorf("store: watch alerts: %w", err))
			return
		}
		fn(decodeAlerts(snaps))
	})
	if err != nil {
		return nil, fmt.Errorf("store: watch alerts %q: %w", groupID, err)
	}
	return sub, nil
}

func decodeAlerts(snaps []docstore.Snapshot) ([]types.Alert, error) {
	out := make([]types.Alert, 0, len(snaps))
	var errs []error
	for _, s := range snaps {
		var a types.Alert
		if err := s.Decode(&a); err != nil {
			errs = append(errs, err)
			continue
		}
		if a.ID == "" {
			a.ID = s.ID
		}
		out = append(out, a)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("store: decode alerts: %w", errors.Join(errs...))
	}
	return out, nil
}
