// Package outbox is the durable dispatch queue.
//
// Every mutation is written to storage before the call returns. Unfinished
// messages (pending or in flight) are also indexed in memory in
// (EnqueuedAt, ID) order so Next does not hit the store.
//
// An attempt's outcome is never lost to a failed write: the queue applies it
// in memory, holds it as unsaved and writes it again on Flush.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"promodispatch/internal/storage"
	logx "promodispatch/pkg/logx"
)

type (
	Message = storage.Message
	Status  = storage.Status
)

var (
	ErrNotFound          = errors.New("outbox: message not found")
	ErrInvalidMessage    = errors.New("outbox: invalid message")
	ErrInvalidTransition = errors.New("outbox: invalid transition")
	// ErrUnsaved wraps a store failure for an outcome that was applied in
	// memory but not yet persisted.
	ErrUnsaved = errors.New("outbox: outcome not persisted")
)

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithRand(r *rand.Rand) Option {
	return func(q *Queue) { q.rng = r }
}

type Queue struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	policy Policy
	rng    *rand.Rand
	open   []*Message // unfinished, sorted by (EnqueuedAt, ID)
	byID   map[string]*Message
	// unsaved holds outcomes whose store write failed, by id.
	unsaved map[string]Message

	wake chan struct{}
}

// Open loads unfinished messages from store.
func Open(ctx context.Context, store storage.Store, policy Policy, log logx.Logger, opts ...Option) (*Queue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		store:   store,
		log:     log.With(logx.String("comp", "outbox")),
		now:     time.Now,
		policy:  policy.withDefaults(),
		byID:    map[string]*Message{},
		unsaved: map[string]Message{},
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	if q.rng == nil {
		q.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	msgs, err := store.ListMessages(ctx, storage.StatusPending, storage.StatusInFlight)
	if err != nil {
		return nil, fmt.Errorf("outbox: load: %w", err)
	}
	for i := range msgs {
		m := msgs[i]
		q.byID[m.ID] = &m
		q.open = append(q.open, &m)
	}
	q.log.Debug("outbox loaded", logx.Int("unfinished", len(q.open)))
	return q, nil
}

// SetPolicy swaps the retry policy for future requeues.
func (q *Queue) SetPolicy(p Policy) {
	q.mu.Lock()
	q.policy = p.withDefaults()
	q.mu.Unlock()
}

func (q *Queue) Policy() Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// Wake is signalled (non-blocking, coalesced) when new work may be available.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue stores a new pending message. A duplicate id is a no-op that
// returns the stored message and inserted=false.
func (q *Queue) Enqueue(ctx context.Context, id, recipient string, payload []byte) (Message, bool, error) {
	id = strings.TrimSpace(id)
	recipient = strings.TrimSpace(recipient)
	if id == "" {
		return Message{}, false, fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	if recipient == "" {
		return Message{}, false, fmt.Errorf("%w: empty recipient", ErrInvalidMessage)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	m := Message{
		ID:             id,
		Recipient:      recipient,
		Payload:        append([]byte(nil), payload...),
		EnqueuedAt:     now,
		NextEligibleAt: now,
		Status:         storage.StatusPending,
		UpdatedAt:      now,
	}
	stored, inserted, err := q.store.InsertMessage(ctx, m)
	if err != nil {
		return Message{}, false, fmt.Errorf("outbox: enqueue %s: %w", id, err)
	}
	if !inserted {
		return stored, false, nil
	}
	q.insertLocked(stored)
	q.signal()
	return stored, true, nil
}

// Get returns the message, preferring an outcome not yet persisted.
func (q *Queue) Get(ctx context.Context, id string) (Message, error) {
	q.mu.Lock()
	held, ok := q.unsaved[id]
	q.mu.Unlock()
	if ok {
		return held, nil
	}
	m, err := q.store.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, err
}

// Next returns the first eligible pending message in (EnqueuedAt, ID) order,
// skipping any message whose recipient has an earlier unfinished message.
func (q *Queue) Next(now time.Time) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.nextLocked(now)
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

// NextWakeup returns the earliest time a currently blocked head of line
// becomes eligible.
func (q *Queue) NextWakeup() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		best  time.Time
		found bool
	)
	q.eachHeadLocked(func(m *Message) bool {
		if m.Status == storage.StatusPending && (!found || m.NextEligibleAt.Before(best)) {
			best, found = m.NextEligibleAt, true
		}
		return true
	})
	return best, found
}

// Claim marks a pending message in flight.
func (q *Queue) Claim(ctx context.Context, id string) (Message, error) {
	return q.mutate(ctx, id, false, func(m *Message, now time.Time) error {
		if m.Status != storage.StatusPending {
			return fmt.Errorf("%w: claim %s in %s", ErrInvalidTransition, m.ID, m.Status)
		}
		m.Status = storage.StatusInFlight
		return nil
	})
}

// Complete records a successful attempt.
func (q *Queue) Complete(ctx context.Context, id string) (Message, error) {
	return q.mutate(ctx, id, true, func(m *Message, now time.Time) error {
		if m.Status != storage.StatusInFlight {
			return fmt.Errorf("%w: complete %s in %s", ErrInvalidTransition, m.ID, m.Status)
		}
		m.AttemptCount++
		m.Status = storage.StatusDelivered
		m.LastError = ""
		return nil
	})
}

// Abandon records a final failed attempt (e.g. unreachable recipient).
func (q *Queue) Abandon(ctx context.Context, id string, cause error) (Message, error) {
	return q.mutate(ctx, id, true, func(m *Message, now time.Time) error {
		if m.Status != storage.StatusInFlight {
			return fmt.Errorf("%w: abandon %s in %s", ErrInvalidTransition, m.ID, m.Status)
		}
		m.AttemptCount++
		m.Status = storage.StatusAbandoned
		m.LastError = errString(cause)
		return nil
	})
}

// Requeue records a failed attempt and schedules a retry with backoff, or
// abandons the message once the retry ceiling is reached.
// NextEligibleAt strictly increases across requeues.
func (q *Queue) Requeue(ctx context.Context, id string, cause error) (Message, error) {
	return q.mutate(ctx, id, true, func(m *Message, now time.Time) error {
		if m.Status != storage.StatusInFlight {
			return fmt.Errorf("%w: requeue %s in %s", ErrInvalidTransition, m.ID, m.Status)
		}
		failures := m.AttemptCount
		m.AttemptCount++
		m.LastError = errString(cause)
		if m.AttemptCount >= q.policy.RetryCeiling {
			m.Status = storage.StatusAbandoned
			return nil
		}
		next := now.Add(Backoff(failures, q.policy.BackoffBase, q.policy.BackoffMax, q.rng))
		if !next.After(m.NextEligibleAt) {
			next = m.NextEligibleAt.Add(time.Nanosecond)
		}
		m.NextEligibleAt = next
		m.Status = storage.StatusPending
		return nil
	})
}

// Defer reschedules without counting an attempt. NextEligibleAt never moves back.
func (q *Queue) Defer(ctx context.Context, id string, delay time.Duration, reason string) (Message, error) {
	return q.mutate(ctx, id, true, func(m *Message, now time.Time) error {
		if m.Status != storage.StatusInFlight && m.Status != storage.StatusPending {
			return fmt.Errorf("%w: defer %s in %s", ErrInvalidTransition, m.ID, m.Status)
		}
		if next := now.Add(delay); next.After(m.NextEligibleAt) {
			m.NextEligibleAt = next
		}
		m.Status = storage.StatusPending
		if reason != "" {
			m.LastError = reason
		}
		return nil
	})
}

// Recover returns every in-flight message to pending. Call once at startup,
// before any worker runs. The interrupted attempt is not counted.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	ids := make([]string, 0)
	for _, m := range q.open {
		if m.Status == storage.StatusInFlight {
			ids = append(ids, m.ID)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		if _, err := q.mutate(ctx, id, false, func(m *Message, now time.Time) error {
			m.Status = storage.StatusPending
			return nil
		}); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		q.log.Info("recovered in-flight messages", logx.Int("count", len(ids)))
		q.signal()
	}
	return len(ids), nil
}

// Counts reports unfinished messages by status.
func (q *Queue) Counts() (pending, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.open {
		switch m.Status {
		case storage.StatusPending:
			pending++
		case storage.StatusInFlight:
			inFlight++
		}
	}
	return pending, inFlight
}

// Unsaved reports how many outcomes wait for Flush.
func (q *Queue) Unsaved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unsaved)
}

// Flush writes every held outcome to the store. Outcomes that still fail
// stay held; their errors are joined.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for id, m := range q.unsaved {
		if err := q.store.UpdateMessage(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("outbox: flush %s: %w", id, err))
			continue
		}
		delete(q.unsaved, id)
		q.log.Info("held outcome persisted", logx.String("id", id), logx.String("status", string(m.Status)))
	}
	return errors.Join(errs...)
}

// mutate applies fn to a copy, persists it and only then updates the index.
// With hold set, a failed write still updates the index; the result is kept
// for Flush and the error wraps ErrUnsaved.
func (q *Queue) mutate(ctx context.Context, id string, hold bool, fn func(m *Message, now time.Time) error) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.byID[id]
	if !ok {
		m, err := q.store.GetMessage(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return Message{}, err
		}
		return m, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, m.Status)
	}

	now := q.now()
	next := *cur
	if err := fn(&next, now); err != nil {
		return *cur, err
	}
	next.UpdatedAt = now
	var saveErr error
	if err := q.store.UpdateMessage(ctx, next); err != nil {
		if !hold {
			return *cur, fmt.Errorf("outbox: update %s: %w", id, err)
		}
		q.unsaved[id] = next
		saveErr = fmt.Errorf("%w: update %s: %w", ErrUnsaved, id, err)
	} else {
		delete(q.unsaved, id)
	}

	if next.Status.Final() {
		q.removeLocked(id)
		// The recipient's next message may now be head of line.
		q.signal()
	} else {
		*cur = next
	}
	return next, saveErr
}

func (q *Queue) insertLocked(m Message) {
	p := &m
	i := sort.Search(len(q.open), func(i int) bool { return lessMsg(p, q.open[i]) })
	q.open = append(q.open, nil)
	copy(q.open[i+1:], q.open[i:])
	q.open[i] = p
	q.byID[m.ID] = p
}

func (q *Queue) removeLocked(id string) {
	delete(q.byID, id)
	for i, m := range q.open {
		if m.ID == id {
			q.open = append(q.open[:i], q.open[i+1:]...)
			return
		}
	}
}

// eachHeadLocked visits the earliest unfinished message of every recipient.
func (q *Queue) eachHeadLocked(fn func(m *Message) bool) {
	seen := make(map[string]struct{}, len(q.open))
	for _, m := range q.open {
		if _, dup := seen[m.Recipient]; dup {
			continue
		}
		seen[m.Recipient] = struct{}{}
		if !fn(m) {
			return
		}
	}
}

func (q *Queue) nextLocked(now time.Time) *Message {
	var found *Message
	q.eachHeadLocked(func(m *Message) bool {
		if m.Status == storage.StatusPending && !m.NextEligibleAt.After(now) {
			found = m
			return false
		}
		return true
	})
	return found
}

func lessMsg(a, b *Message) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
