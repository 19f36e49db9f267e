package bridge

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/guardian/pkg/capability/location"
	"github.com/MrWong99/guardian/pkg/capability/speech"
	"github.com/MrWong99/guardian/pkg/types"
)

// Message types exchanged with the companion device. Requests sent by the
// agent carry an ID and are answered with a [TypeResult] envelope carrying
// the same ID. Events sent by the device carry no ID.
const (
	// Agent to device, answered.
	TypeSpeechStart      = "speech.start"
	TypeLocationRequest  = "location.request"
	TypeLocationCancel   = "location.cancel"
	TypeLocationLast     = "location.last"
	TypeGeofenceRegister = "geofence.register"
	TypeGeofenceClear    = "geofence.deregister_all"
	TypeSMSSend          = "sms.send"

	// Agent to device, fire and forget.
	TypeSpeechStop    = "speech.stop"
	TypeSpeechDestroy = "speech.destroy"
	TypeNotice        = "notice"
	TypeAlertStatus   = "alert.status"

	// Device to agent.
	TypeHello              = "hello"
	TypeResult             = "result"
	TypeSpeechPartial      = "speech.partial"
	TypeSpeechFinal        = "speech.final"
	TypeSpeechError        = "speech.error"
	TypeLocationFix        = "location.fix"
	TypeGeofenceTransition = "geofence.transition"
	TypeBattery            = "device.battery"
	TypeActivity           = "device.activity"
)

// Envelope is the single frame shape on the wire.
type Envelope struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hello is the first message a device sends after connecting.
type Hello struct {
	DeviceID        string `json:"deviceId,omitempty"`
	SpeechAvailable bool   `json:"speechAvailable"`
}

// SpeechMessage addresses a recognition session. Alternatives are set on
// partial and final results, Code on errors.
type SpeechMessage struct {
	Session      string   `json:"session"`
	Alternatives []string `json:"alternatives,omitempty"`
	Code         string   `json:"code,omitempty"`
}

// LocationRequestMessage asks the device to start delivering fixes for Handle.
type LocationRequestMessage struct {
	Handle            location.Handle   `json:"handle"`
	Priority          location.Priority `json:"priority"`
	IntervalMs        int64             `json:"intervalMs"`
	MinIntervalMs     int64             `json:"minIntervalMs"`
	MinDistanceMeters float64           `json:"minDistanceMeters"`
}

func encodeRequest(h location.Handle, req location.Request) LocationRequestMessage {
	return LocationRequestMessage{
		Handle:            h,
		Priority:          req.Priority,
		IntervalMs:        req.Interval.Milliseconds(),
		MinIntervalMs:     req.MinInterval.Milliseconds(),
		MinDistanceMeters: req.MinDistanceMeters,
	}
}

// Request converts the wire form back into a [location.Request].
func (m LocationRequestMessage) Request() location.Request {
	return location.Request{
		Priority:          m.Priority,
		Interval:          time.Duration(m.IntervalMs) * time.Millisecond,
		MinInterval:       time.Duration(m.MinIntervalMs) * time.Millisecond,
		MinDistanceMeters: m.MinDistanceMeters,
	}
}

// HandleMessage names a location subscription.
type HandleMessage struct {
	Handle location.Handle `json:"handle"`
}

// FixMessage delivers one position fix for a subscription.
type FixMessage struct {
	Handle   location.Handle `json:"handle"`
	Location types.Location  `json:"location"`
}

// LastKnownMessage is the result payload of [TypeLocationLast]. Location is
// nil when the device has no fix.
type LastKnownMessage struct {
	Location *types.Location `json:"location"`
}

// FenceMessage is one geofence in a [TypeGeofenceRegister] request.
type FenceMessage struct {
	Zone         types.SafeZone `json:"zone"`
	Enter        bool           `json:"enter"`
	Exit         bool           `json:"exit"`
	NeverExpire  bool           `json:"neverExpire"`
	InitialEnter bool           `json:"initialEnter"`
}

// RegisterMessage replaces the device's geofence set.
type RegisterMessage struct {
	Fences []FenceMessage `json:"fences"`
}

// TransitionMessage reports a geofence crossing.
type TransitionMessage struct {
	ZoneID string               `json:"zoneId"`
	Kind   types.TransitionKind `json:"kind"`
}

// SMSMessage asks the device to send a text message.
type SMSMessage struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// BatteryMessage reports the battery level in percent.
type BatteryMessage struct {
	Percent float64 `json:"percent"`
}

// ActivityMessage reports whether the device is stationary.
type ActivityMessage struct {
	Stationary bool `json:"stationary"`
}

// NoticeMessage carries a user-facing notice.
type NoticeMessage struct {
	Text string `json:"text"`
}

// AlertStatusMessage reports the delivery state of an alert.
type AlertStatusMessage struct {
	AlertID string `json:"alertId"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}

// parseCode maps a wire error code onto a [speech.ErrorCode]. Unrecognised
// codes become [speech.CodeUnknown].
func parseCode(s string) speech.ErrorCode {
	for c := speech.CodeUnknown; c <= speech.CodePermissionDenied; c++ {
		if c.String() == s {
			return c
		}
	}
	return speech.CodeUnknown
}
