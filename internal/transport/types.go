package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecipientUnreachable means the transport rejected the address itself.
	// Retrying the same message will not help.
	ErrRecipientUnreachable = errors.New("transport: recipient unreachable")
	// ErrCredentialsInvalid means the transport no longer accepts the current credentials.
	ErrCredentialsInvalid = errors.New("transport: credentials invalid")
	// ErrNotConnected is returned by Send before Connect succeeded or after Close.
	ErrNotConnected = errors.New("transport: not connected")
)

type EventKind string

const (
	// EventAuthChallengeIssued carries a pairing challenge the operator must complete.
	EventAuthChallengeIssued EventKind = "auth_challenge_issued"
	EventAuthenticated       EventKind = "authenticated"
	EventDisconnected        EventKind = "disconnected"
	// EventCredentialsInvalidated means a fresh challenge is required.
	EventCredentialsInvalidated EventKind = "credentials_invalidated"
)

// Event is a lifecycle notification from the transport to its session.
type Event struct {
	Kind      EventKind
	Challenge string // EventAuthChallengeIssued only
	Reason    string
	At        time.Time
}

// Ack is the transport's receipt for an accepted send.
type Ack struct {
	Ref string
	At  time.Time
}

// Client is a chat transport as seen by a session.
//
// Connect (re)establishes the connection and returns once it is up or has failed.
// Lifecycle changes after that are reported on events; implementations must not
// block forever on it (select on ctx). Send must honor ctx.
type Client interface {
	Connect(ctx context.Context, events chan<- Event) error
	Send(ctx context.Context, to string, payload []byte) (Ack, error)
	Close(ctx context.Context) error
}

// Emit delivers ev unless ctx ends first.
func Emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
