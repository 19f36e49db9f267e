package twilio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls []*twilioApi.CreateMessageParams
	err   error
	block chan struct{}
}

func (f *fakeAPI) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := New(Config{FromNumber: "+15550000"}); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := New(Config{AccountSID: "AC1", AuthToken: "tok"}); err == nil {
		t.Fatal("expected error without from number")
	}
}

func TestNew_EnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550001")

	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.from != "+15550001" {
		t.Errorf("from = %q, want +15550001", s.from)
	}
}

func TestSend_SetsParams(t *testing.T) {
	api := &fakeAPI{}
	s, err := New(Config{FromNumber: "+15550001"}, withAPI(api))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Send(context.Background(), "+1 (555) 123-4567", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(api.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(api.calls))
	}
	p := api.calls[0]
	if p.To == nil || *p.To != "+15551234567" {
		t.Errorf("To = %v, want +15551234567", p.To)
	}
	if p.From == nil || *p.From != "+15550001" {
		t.Errorf("From = %v, want +15550001", p.From)
	}
	if p.Body == nil || *p.Body != "hello" {
		t.Errorf("Body = %v, want hello", p.Body)
	}
}

func TestSend_InvalidNumber(t *testing.T) {
	api := &fakeAPI{}
	s, _ := New(Config{FromNumber: "+15550001"}, withAPI(api))

	if err := s.Send(context.Background(), "12", "hi"); err == nil {
		t.Fatal("expected error for short number")
	}
	if len(api.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(api.calls))
	}
}

func TestSend_APIError(t *testing.T) {
	api := &fakeAPI{err: errors.New("boom")}
	s, _ := New(Config{FromNumber: "+15550001"}, withAPI(api))

	if err := s.Send(context.Background(), "+15551234567", "hi"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{})}
	defer close(api.block)
	s, _ := New(Config{FromNumber: "+15550001"}, withAPI(api))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, "+15551234567", "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
