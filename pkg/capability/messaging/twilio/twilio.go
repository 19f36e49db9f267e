// Package twilio implements the fallback message channel on top of the Twilio
// Programmable Messaging API.
//
// The device-local SMS path is preferred when the agent runs next to a phone;
// this sender is used when the agent runs on a gateway host with its own
// network uplink. Credentials fall back to the TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/MrWong99/guardian/pkg/capability/messaging"
)

// messageCreator is the subset of the Twilio REST API used by [Sender].
// *twilioApi.ApiService satisfies it.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Config holds Twilio credentials.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option configures a [Sender].
type Option func(*Sender)

// withAPI replaces the REST client. Used by tests.
func withAPI(api messageCreator) Option {
	return func(s *Sender) { s.api = api }
}

// Sender sends SMS messages through Twilio.
type Sender struct {
	api  messageCreator
	from string
}

var _ messaging.Sender = (*Sender)(nil)

// New creates a [Sender]. Empty fields in cfg are read from the environment.
func New(cfg Config, opts ...Option) (*Sender, error) {
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twilio sender config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromNumber != "")

	s := &Sender{from: cfg.FromNumber}
	for _, o := range opts {
		o(s)
	}
	if s.api == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, errors.New("twilio: account SID and auth token must be provided")
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		s.api = client.Api
	}
	if s.from == "" {
		return nil, errors.New("twilio: from number must be provided")
	}
	return s, nil
}

// Send delivers text to phone. The Twilio client is not context-aware, so a
// cancelled ctx abandons the wait but not the HTTP request.
func (s *Sender) Send(ctx context.Context, phone, text string) error {
	to, err := messaging.Canonicalize(phone)
	if err != nil {
		return fmt.Errorf("twilio: send: %w", err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(text)

	done := make(chan error, 1)
	go func() {
		resp, err := s.api.CreateMessage(params)
		if err == nil && resp != nil && resp.Sid != nil {
			slog.Debug("twilio message queued", "to", to, "sid", *resp.Sid)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("twilio: send to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("twilio: send to %s: %w", to, ctx.Err())
	}
}
