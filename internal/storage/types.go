package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON Lines journal + snapshot
//   - "memory": in-process only; everything is lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	// StatusFailed only appears in outcomes: an attempt failed and will be retried.
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Final reports whether no further transition is allowed.
func (s Status) Final() bool { return s == StatusDelivered || s == StatusAbandoned }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// Message is one "send payload to recipient" intent keyed by a caller id.
type Message struct {
	ID             string    `json:"id"`
	Recipient      string    `json:"recipient"`
	Payload        []byte    `json:"payload"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	AttemptCount   int       `json:"attempt_count"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	Status         Status    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Outcome is one append-only ledger row.
type Outcome struct {
	Seq       int64     `json:"seq"`
	MessageID string    `json:"message_id"`
	Status    Status    `json:"status"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
