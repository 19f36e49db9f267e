package alert

import (
	"fmt"
	"strings"

	"github.com/MrWong99/guardian/pkg/types"
)

// GenericName stands in for a user without a display name.
const GenericName = "A Guardian user"

// LocationUnavailable replaces the map link when no fix is known.
const LocationUnavailable = "Location unavailable"

// MapLink returns a map URL for ll with coordinates rendered to 4 decimal
// places.
func MapLink(ll types.LatLng) string {
	return fmt.Sprintf("https://maps.google.com/?q=%.4f,%.4f", ll.Lat, ll.Lng)
}

// Describe returns the human-readable trigger description.
func Describe(typ types.AlertType, phrase string) string {
	phrase = strings.TrimSpace(phrase)
	switch typ {
	case types.AlertPanicButton:
		return "panic button pressed"
	case types.AlertVoiceTrigger:
		if phrase == "" {
			return "voice trigger"
		}
		return fmt.Sprintf("voice trigger %q", phrase)
	case types.AlertNotice:
		if phrase == "" {
			return "voice notice"
		}
		return fmt.Sprintf("voice notice %q", phrase)
	}
	return strings.ToLower(string(typ))
}

// ComposeMessage renders the plain-text fallback message.
func ComposeMessage(displayName string, typ types.AlertType, phrase string, loc *types.Location) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = GenericName
	}
	where := LocationUnavailable
	if loc != nil {
		where = "Location: " + MapLink(loc.LatLng)
	}
	return fmt.Sprintf("EMERGENCY: %s needs help (%s). %s", name, Describe(typ, phrase), where)
}
