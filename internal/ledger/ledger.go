// Package ledger is the append-only record of delivery outcomes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promodispatch/internal/storage"
)

type Outcome = storage.Outcome

var (
	// ErrAlreadyFinalized is returned for any record after Delivered or Abandoned.
	ErrAlreadyFinalized = errors.New("ledger: message already finalized")
	ErrInvalidOutcome   = errors.New("ledger: invalid outcome")
)

// Entry is what a caller records. Pending means "deferred without penalty".
type Entry struct {
	Status  storage.Status
	Attempt int
	Err     error
	At      time.Time
}

type Ledger struct {
	store storage.Store
	now   func() time.Time

	// mu makes check-then-append atomic.
	mu sync.Mutex
}

func New(store storage.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record appends an outcome for id. It is the ledger's only mutator.
func (l *Ledger) Record(ctx context.Context, id string, e Entry) (Outcome, error) {
	switch e.Status {
	case storage.StatusPending, storage.StatusFailed, storage.StatusDelivered, storage.StatusAbandoned:
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, e.Status)
	}
	if id == "" {
		return Outcome{}, fmt.Errorf("%w: empty id", ErrInvalidOutcome)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.store.LastOutcome(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Outcome{}, fmt.Errorf("ledger: read %s: %w", id, err)
	case last.Status.Final():
		return last, fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, id, last.Status)
	}

	o := Outcome{MessageID: id, Status: e.Status, Attempt: e.Attempt, At: e.At}
	if e.Err != nil {
		o.Error = e.Err.Error()
	}
	// A deferral repeating the previous one for the same cause is not a new fact.
	if err == nil && o.Status == storage.StatusPending && last.Status == storage.StatusPending &&
		last.Attempt == o.Attempt && last.Error == o.Error {
		return last, nil
	}
	if o.At.IsZero() {
		o.At = l.now()
	}
	return l.store.AppendOutcome(ctx, o)
}

// History returns every outcome for id, oldest first.
func (l *Ledger) History(ctx context.Context, id string) ([]Outcome, error) {
	return l.store.ListOutcomes(ctx, id)
}
