// Package messaging defines the network-independent fallback message channel.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidNumber is returned when a phone number has too few digits.
var ErrInvalidNumber = errors.New("messaging: invalid phone number")

// Sender delivers a plain-text message to one recipient. Each call is
// independent; implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, phoneNumber, text string) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, phoneNumber, text string) error

// Send implements [Sender].
func (f SenderFunc) Send(ctx context.Context, phoneNumber, text string) error {
	return f(ctx, phoneNumber, text)
}

var nonDigits = regexp.MustCompile(`[^\d]`)

// minDigits is the shortest number accepted by [Canonicalize].
const minDigits = 6

// Canonicalize strips formatting from a phone number, keeping a leading '+'.
// Numbers with fewer than six digits are rejected.
func Canonicalize(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	plus := strings.HasPrefix(phone, "+")
	digits := nonDigits.ReplaceAllString(phone, "")
	if len(digits) < minDigits {
		return "", ErrInvalidNumber
	}
	if plus {
		return "+" + digits, nil
	}
	return digits, nil
}
