// Package types defines the shared domain types used across all Guardian
// packages.
//
// These types are the common vocabulary between the capability adapters, the
// document store layer, the monitoring engine, and the controller. Each
// package defines its own internal types; cross-cutting data structures live
// here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity classifies how a matched trigger phrase is escalated.
type Severity string

const (
	// SeverityNotice writes a low-severity record without an alert dispatch.
	SeverityNotice Severity = "NOTICE"

	// SeverityCritical dispatches a full alert.
	SeverityCritical Severity = "CRITICAL"
)

// IsValid reports whether s is a recognised severity.
func (s Severity) IsValid() bool {
	return s == SeverityNotice || s == SeverityCritical
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", fmt.Errorf("types: unknown severity %q", s)
	}
	return sev, nil
}

// DefaultSensitivity is the similarity threshold applied to phrases that do
// not carry an explicit sensitivity.
const DefaultSensitivity = 0.8

// TriggerPhrase is a spoken phrase the recognition loop watches for.
type TriggerPhrase struct {
	// Phrase is the text to look for. Matching is case-insensitive.
	Phrase string `json:"phrase"`

	// Severity selects the escalation path on match.
	Severity Severity `json:"severity"`

	// Sensitivity is the similarity threshold in [0, 1]. 1.0 requires an exact
	// substring match; lower values admit edit-distance similarity matches.
	Sensitivity float64 `json:"sensitivity"`
}

// Validate reports whether p is usable for matching.
func (p TriggerPhrase) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Phrase) == "" {
		errs = append(errs, errors.New("phrase is empty"))
	}
	if !p.Severity.IsValid() {
		errs = append(errs, fmt.Errorf("severity %q is invalid; valid values: NOTICE, CRITICAL", p.Severity))
	}
	if p.Sensitivity < 0 || p.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("sensitivity %.2f is out of range [0, 1]", p.Sensitivity))
	}
	return errors.Join(errs...)
}

// DefaultTriggerPhrases returns the built-in trigger set used when no group
// configuration has been observed. The returned slice is a fresh copy.
func DefaultTriggerPhrases() []TriggerPhrase {
	return []TriggerPhrase{
		{Phrase: "help", Severity: SeverityCritical, Sensitivity: DefaultSensitivity},
		{Phrase: "emergency", Severity: SeverityCritical, Sensitivity: DefaultSensitivity},
	}
}

// LatLng is a WGS84 coordinate pair in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is a single position fix reported by the device.
type Location struct {
	LatLng

	// AccuracyMeters is the estimated horizontal accuracy. Zero when unknown.
	AccuracyMeters float64 `json:"accuracyMeters,omitempty"`

	// Time is when the fix was taken.
	Time time.Time `json:"time"`
}

// SafeZone is a named circular geofence. Values are comparable so zone sets
// can be compared element by element.
type SafeZone struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Center       LatLng  `json:"center"`
	RadiusMeters float64 `json:"radiusMeters"`
}

// TransitionKind is the direction of a geofence transition.
type TransitionKind string

const (
	TransitionEnter TransitionKind = "ENTER"
	TransitionExit  TransitionKind = "EXIT"
)

// ZoneTransition reports that the device crossed a safe zone boundary.
type ZoneTransition struct {
	ZoneID string
	Kind   TransitionKind
}

// AlertType says what raised an alert.
type AlertType string

const (
	AlertPanicButton  AlertType = "PANIC_BUTTON"
	AlertVoiceTrigger AlertType = "VOICE_TRIGGER"
	AlertNotice       AlertType = "NOTICE"
)

// AlertStatus is the lifecycle state of an alert record.
type AlertStatus string

const (
	AlertActive   AlertStatus = "ACTIVE"
	AlertResolved AlertStatus = "RESOLVED"
)

// Alert is a distress or notice record written to the group's alert
// collection. Alerts are never deleted; a manager flips them to RESOLVED.
type Alert struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	GroupID       string      `json:"groupId"`
	Type          AlertType   `json:"type"`
	Status        AlertStatus `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	Lat           *float64    `json:"lat,omitempty"`
	Lng           *float64    `json:"lng,omitempty"`
	TriggerPhrase string      `json:"triggerPhrase,omitempty"`
}

// HasLocation reports whether both coordinates are set.
func (a Alert) HasLocation() bool {
	return a.Lat != nil && a.Lng != nil
}

// Contact is an emergency contact that receives fallback SMS messages.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Principal is the signed-in user the agent acts for. Identity management is
// handled elsewhere; only the stable identifier is relied on.
type Principal struct {
	UserID      string
	DisplayName string
}

// Role is a user's role within a group.
type Role string

const (
	RoleManager Role = "MANAGER"
	RoleMember  Role = "MEMBER"
)

// TrackingMode controls when location fixes are uploaded to the profile.
type TrackingMode string

const (
	// TrackingAlertOnly uploads location only while the group is in crisis.
	TrackingAlertOnly TrackingMode = "ALERT_ONLY"

	// TrackingAlways uploads every fix.
	TrackingAlways TrackingMode = "ALWAYS"
)

// IsValid reports whether m is a recognised tracking mode.
func (m TrackingMode) IsValid() bool {
	return m == TrackingAlertOnly || m == TrackingAlways
}

// UserProfile is the per-user document.
type UserProfile struct {
	ID               string       `json:"id"`
	DisplayName      string       `json:"displayName"`
	GroupID          string       `json:"groupId"`
	Role             Role         `json:"role"`
	TrackingMode     TrackingMode `json:"trackingMode"`
	ListeningEnabled bool         `json:"listeningEnabled"`
	ZoneStatus       string       `json:"zoneStatus,omitempty"`
	LastLocation     *Location    `json:"lastLocation,omitempty"`
}

// GroupConfig is the shared configuration of a family or group.
type GroupConfig struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	TriggerPhrases []TriggerPhrase `json:"triggerPhrases"`
	SafeZones      []SafeZone      `json:"safeZones"`
}
