package session

import (
	"fmt"
	"time"
)

// Phase is the lifecycle position of a transport session.
type Phase int

const (
	Uninitialized Phase = iota
	AwaitingAuthentication
	Ready
	Degraded
	Closed
)

var phaseNames = [...]string{
	Uninitialized:          "uninitialized",
	AwaitingAuthentication: "awaiting_authentication",
	Ready:                  "ready",
	Degraded:               "degraded",
	Closed:                 "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is the value owned by a Session. Only Transition produces new states.
type State struct {
	Phase            Phase     `json:"phase"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	LastError        string    `json:"last_error,omitempty"`
	// Challenge is the pending pairing challenge while AwaitingAuthentication.
	Challenge string `json:"challenge,omitempty"`
}

type EventKind int

const (
	EventStart EventKind = iota
	EventAuthChallengeIssued
	EventAuthenticated
	EventDisconnected
	EventCredentialsInvalidated
	// EventSendFailed is a timeout or transport failure observed by TrySend.
	EventSendFailed
	EventClose
)

var eventNames = [...]string{
	EventStart:                  "start",
	EventAuthChallengeIssued:    "auth_challenge_issued",
	EventAuthenticated:          "authenticated",
	EventDisconnected:           "disconnected",
	EventCredentialsInvalidated: "credentials_invalidated",
	EventSendFailed:             "send_failed",
	EventClose:                  "close",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventNames[k]
}

type Event struct {
	Kind      EventKind
	Challenge string
	Reason    string
	At        time.Time
}

// Transition is the session's pure state transition function.
// It returns the next state and whether anything changed.
//
//	Uninitialized -> AwaitingAuthentication  (Start)
//	AwaitingAuthentication -> Ready          (Authenticated)
//	Ready -> Degraded                        (Disconnected, SendFailed)
//	Degraded -> Ready                        (Authenticated)
//	Ready|Degraded -> AwaitingAuthentication (CredentialsInvalidated, AuthChallengeIssued)
//	any -> Closed                            (Close); Closed is terminal
func Transition(s State, ev Event) (State, bool) {
	if s.Phase == Closed {
		return s, false
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	next := s
	move := func(p Phase) {
		if next.Phase != p {
			next.Phase = p
			next.LastTransitionAt = at
		}
	}

	switch ev.Kind {
	case EventClose:
		move(Closed)
		next.Challenge = ""

	case EventStart:
		if s.Phase == Uninitialized {
			move(AwaitingAuthentication)
		}

	case EventAuthChallengeIssued:
		switch s.Phase {
		case AwaitingAuthentication, Ready, Degraded:
			move(AwaitingAuthentication)
			next.Challenge = ev.Challenge
		}

	case EventAuthenticated:
		switch s.Phase {
		case AwaitingAuthentication, Degraded:
			move(Ready)
			next.Challenge = ""
			next.LastError = ""
		}

	case EventDisconnected, EventSendFailed:
		switch s.Phase {
		case Ready:
			move(Degraded)
			next.LastError = ev.Reason
		case Degraded, AwaitingAuthentication:
			next.LastError = ev.Reason
		}

	case EventCredentialsInvalidated:
		switch s.Phase {
		case Ready, Degraded:
			move(AwaitingAuthentication)
			next.Challenge = ""
			next.LastError = ev.Reason
		case AwaitingAuthentication:
			next.Challenge = ""
			next.LastError = ev.Reason
		}
	}

	return next, next != s
}
