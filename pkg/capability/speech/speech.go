// Package speech defines the speech-recognition capability that the device
// exposes to the monitoring engine.
//
// The platform recogniser captures one utterance per session. Callers create a
// fresh [Session] for every listen attempt, start it with a [Listener], and
// destroy it once a final result or an error has been delivered. Sessions are
// never reused.
//
// Implementations must be safe for concurrent use.
package speech

import "fmt"

// ErrorCode classifies a recognition failure reported by the platform.
type ErrorCode int

const (
	// CodeUnknown is any failure the platform does not classify.
	CodeUnknown ErrorCode = iota

	// CodeNoMatch means audio was captured but nothing was recognised.
	CodeNoMatch

	// CodeSpeechTimeout means no speech was heard before the session ended.
	CodeSpeechTimeout

	// CodeNetwork covers network errors and network timeouts.
	CodeNetwork

	// CodeAudio is a recording failure.
	CodeAudio

	// CodeServer is a failure reported by a remote recognition service.
	CodeServer

	// CodeBusy means the recogniser is still occupied by another session.
	CodeBusy

	// CodeClient is a client-side usage error.
	CodeClient

	// CodePermissionDenied means the microphone permission is missing.
	CodePermissionDenied
)

// String returns a short label suitable for logs and metric attributes.
func (c ErrorCode) String() string {
	switch c {
	case CodeNoMatch:
		return "no_match"
	case CodeSpeechTimeout:
		return "speech_timeout"
	case CodeNetwork:
		return "network"
	case CodeAudio:
		return "audio"
	case CodeServer:
		return "server"
	case CodeBusy:
		return "busy"
	case CodeClient:
		return "client"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// Permanent reports whether retrying cannot succeed without user action.
func (c ErrorCode) Permanent() bool {
	return c == CodePermissionDenied
}

// Listener receives the results of a single recognition session. Callbacks
// may be invoked from any goroutine and must not block.
type Listener interface {
	// OnPartial delivers interim hypotheses, best first.
	OnPartial(alternatives []string)

	// OnFinal delivers the final hypotheses, best first. The session ends.
	OnFinal(alternatives []string)

	// OnError reports a failure. The session ends.
	OnError(code ErrorCode)
}

// Session is one listen attempt.
type Session interface {
	// Start begins listening and routes results to l.
	Start(l Listener) error

	// Stop stops capturing audio. A final result may still be delivered.
	Stop()

	// Destroy releases the session. No callbacks are delivered afterwards.
	Destroy()
}

// Capability creates recognition sessions.
type Capability interface {
	// IsAvailable reports whether the device can recognise speech at all.
	IsAvailable() bool

	// CreateSession allocates a new, unstarted session.
	CreateSession() (Session, error)
}

// ListenerFuncs adapts plain functions to [Listener]. Nil fields are ignored.
type ListenerFuncs struct {
	Partial func([]string)
	Final   func([]string)
	Error   func(ErrorCode)
}

// OnPartial implements [Listener].
func (f ListenerFuncs) OnPartial(alts []string) {
	if f.Partial != nil {
		f.Partial(alts)
	}
}

// OnFinal implements [Listener].
func (f ListenerFuncs) OnFinal(alts []string) {
	if f.Final != nil {
		f.Final(alts)
	}
}

// OnError implements [Listener].
func (f ListenerFuncs) OnError(code ErrorCode) {
	if f.Error != nil {
		f.Error(code)
	}
}

var _ Listener = ListenerFuncs{}
