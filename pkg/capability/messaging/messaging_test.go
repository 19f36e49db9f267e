package messaging

import (
	"errors"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+1 (555) 123-4567", want: "+15551234567"},
		{in: "0049 171 1234567", want: "00491711234567"},
		{in: "  555.123.456 ", want: "555123456"},
		{in: "12345", wantErr: true},
		{in: "", wantErr: true},
		{in: "+", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Canonicalize(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidNumber) {
					t.Fatalf("err = %v, want ErrInvalidNumber", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
