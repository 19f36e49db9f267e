package alert

import (
	"testing"

	"github.com/MrWong99/guardian/pkg/types"
)

func TestComposeMessage(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		typ    types.AlertType
		phrase string
		loc    *types.Location
		want   string
	}{
		{
			name: "voice with location", user: "Alex", typ: types.AlertVoiceTrigger, phrase: "help",
			loc:  &types.Location{LatLng: types.LatLng{Lat: 48.858370, Lng: 2.294481}},
			want: `EMERGENCY: Alex needs help (voice trigger "help"). Location: https://maps.google.com/?q=48.8584,2.2945`,
		},
		{
			name: "panic without location", user: "", typ: types.AlertPanicButton,
			want: "EMERGENCY: A Guardian user needs help (panic button pressed). Location unavailable",
		},
		{
			name: "negative coordinates", user: "  Sam ", typ: types.AlertVoiceTrigger,
			loc:  &types.Location{LatLng: types.LatLng{Lat: -33.86789, Lng: -151.20732}},
			want: "EMERGENCY: Sam needs help (voice trigger). Location: https://maps.google.com/?q=-33.8679,-151.2073",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComposeMessage(tc.user, tc.typ, tc.phrase, tc.loc); got != tc.want {
				t.Errorf("got  %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestMapLink_FourDecimals(t *testing.T) {
	if got := MapLink(types.LatLng{Lat: 1, Lng: 2.123456}); got != "https://maps.google.com/?q=1.0000,2.1235" {
		t.Errorf("MapLink = %q", got)
	}
}
