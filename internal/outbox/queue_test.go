package outbox

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"promodispatch/internal/storage"
	logx "promodispatch/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T, st storage.Store, p Policy) (*Queue, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	q, err := Open(context.Background(), st, p, logx.Nop(), WithClock(clk.now), WithRand(rand.New(rand.NewSource(1))))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return q, clk
}

func mustEnqueue(t *testing.T, q *Queue, id, recipient string) Message {
	t.Helper()
	m, _, err := q.Enqueue(context.Background(), id, recipient, []byte("payload "+id))
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return m
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, clk := newQueue(t, storage.NewMemory(), Policy{})
	ctx := context.Background()
	first, inserted, err := q.Enqueue(ctx, "m1", "r1", []byte("a"))
	if err != nil || !inserted {
		t.Fatalf("first enqueue: inserted=%v err=%v", inserted, err)
	}
	clk.advance(time.Minute)
	again, inserted, err := q.Enqueue(ctx, "m1", "r2", []byte("b"))
	if err != nil || inserted {
		t.Fatalf("duplicate enqueue: inserted=%v err=%v", inserted, err)
	}
	if again.Recipient != "r1" || !again.EnqueuedAt.Equal(first.EnqueuedAt) {
		t.Fatalf("duplicate returned %+v, want original", again)
	}
	if pending, _ := q.Counts(); pending != 1 {
		t.Fatalf("pending = %d, want 1", pending)
	}
	if _, _, err := q.Enqueue(ctx, " ", "r1", nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("empty id err = %v", err)
	}
}

func TestNextKeepsPerRecipientOrder(t *testing.T) {
	q, clk := newQueue(t, storage.NewMemory(), Policy{})
	ctx := context.Background()
	mustEnqueue(t, q, "a", "r1")
	clk.advance(time.Millisecond)
	mustEnqueue(t, q, "b", "r2")
	clk.advance(time.Millisecond)
	mustEnqueue(t, q, "c", "r1")

	m, ok := q.Next(clk.now())
	if !ok || m.ID != "a" {
		t.Fatalf("next = %v %v, want a", m.ID, ok)
	}
	if _, err := q.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if m, ok = q.Next(clk.now()); !ok || m.ID != "b" {
		t.Fatalf("next = %v %v, want b (c waits behind a)", m.ID, ok)
	}
	if _, err := q.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if m, ok = q.Next(clk.now()); ok {
		t.Fatalf("next = %v, want none", m.ID)
	}
	if _, err := q.Complete(ctx, "a"); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if m, ok = q.Next(clk.now()); !ok || m.ID != "c" {
		t.Fatalf("next = %v %v, want c", m.ID, ok)
	}
}

func TestRetriedHeadBlocksRecipient(t *testing.T) {
	q, clk := newQueue(t, storage.NewMemory(), Policy{})
	ctx := context.Background()
	mustEnqueue(t, q, "a", "r1")
	clk.advance(time.Millisecond)
	mustEnqueue(t, q, "b", "r1")

	_, _ = q.Claim(ctx, "a")
	if _, err := q.Requeue(ctx, "a", errors.New("timeout")); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if m, ok := q.Next(clk.now()); ok {
		t.Fatalf("next = %s; b must not overtake a", m.ID)
	}
	wake, ok := q.NextWakeup()
	if !ok || !wake.After(clk.now()) {
		t.Fatalf("next wakeup = %v %v", wake, ok)
	}
	clk.t = wake
	if m, ok := q.Next(clk.now()); !ok || m.ID != "a" {
		t.Fatalf("next at wakeup = %v %v, want a", m.ID, ok)
	}
}

func TestRequeueStrictlyIncreasingAndCeiling(t *testing.T) {
	// The clock stands still, so once the cap is hit only clamping keeps the order strict.
	q, _ := newQueue(t, storage.NewMemory(), Policy{RetryCeiling: 12, BackoffBase: time.Second, BackoffMax: 4 * time.Second})
	ctx := context.Background()
	mustEnqueue(t, q, "m", "r")

	var prev time.Time
	for i := 1; i < 12; i++ {
		if _, err := q.Claim(ctx, "m"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		m, err := q.Requeue(ctx, "m", errors.New("transport failure"))
		if err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
		if m.Status != storage.StatusPending || m.AttemptCount != i {
			t.Fatalf("after requeue %d: status=%s attempts=%d", i, m.Status, m.AttemptCount)
		}
		if !m.NextEligibleAt.After(prev) {
			t.Fatalf("requeue %d: next eligible %v not after %v", i, m.NextEligibleAt, prev)
		}
		prev = m.NextEligibleAt
	}

	_, _ = q.Claim(ctx, "m")
	m, err := q.Requeue(ctx, "m", errors.New("transport failure"))
	if err != nil {
		t.Fatalf("final requeue: %v", err)
	}
	if m.Status != storage.StatusAbandoned || m.AttemptCount != 12 {
		t.Fatalf("at ceiling: status=%s attempts=%d", m.Status, m.AttemptCount)
	}
	if _, err := q.Claim(ctx, "m"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("claim after abandon err = %v", err)
	}
}

func TestBackoffBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base, max := 30*time.Second, 30*time.Minute
	for n := 0; n < 12; n++ {
		want := base << uint(n)
		if want > max {
			want = max
		}
		for i := 0; i < 50; i++ {
			d := Backoff(n, base, max, rng)
			if d < want || d >= want+want/4 {
				t.Fatalf("failures=%d: delay %v outside [%v, %v)", n, d, want, want+want/4)
			}
		}
	}
}

func TestDeferHasNoPenalty(t *testing.T) {
	q, clk := newQueue(t, storage.NewMemory(), Policy{})
	ctx := context.Background()
	mustEnqueue(t, q, "m", "r")
	_, _ = q.Claim(ctx, "m")
	m, err := q.Defer(ctx, "m", 5*time.Second, "rate limited")
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if m.AttemptCount != 0 || m.Status != storage.StatusPending {
		t.Fatalf("after defer: %+v", m)
	}
	if want := clk.now().Add(5 * time.Second); !m.NextEligibleAt.Equal(want) {
		t.Fatalf("next eligible = %v, want %v", m.NextEligibleAt, want)
	}
	_, _ = q.Claim(ctx, "m")
	m, _ = q.Defer(ctx, "m", time.Second, "")
	if want := clk.now().Add(5 * time.Second); !m.NextEligibleAt.Equal(want) {
		t.Fatalf("defer moved next eligible back to %v", m.NextEligibleAt)
	}
}

func TestAbandonCountsAttempt(t *testing.T) {
	q, _ := newQueue(t, storage.NewMemory(), Policy{})
	ctx := context.Background()
	mustEnqueue(t, q, "m", "r")
	_, _ = q.Claim(ctx, "m")
	m, err := q.Abandon(ctx, "m", errors.New("unreachable"))
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if m.Status != storage.StatusAbandoned || m.AttemptCount != 1 || m.LastError != "unreachable" {
		t.Fatalf("after abandon: %+v", m)
	}
	stored, err := q.Get(ctx, "m")
	if err != nil || stored.Status != storage.StatusAbandoned {
		t.Fatalf("stored = %+v (%v)", stored, err)
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestRecoverReturnsInFlightToPending(t *testing.T) {
	st := storage.NewMemory()
	q, _ := newQueue(t, st, Policy{})
	ctx := context.Background()
	mustEnqueue(t, q, "m", "r")
	mustEnqueue(t, q, "n", "r2")
	_, _ = q.Claim(ctx, "m")

	// Simulated restart over the same store.
	q2, clk := newQueue(t, st, Policy{})
	if _, inFlight := q2.Counts(); inFlight != 1 {
		t.Fatalf("in flight after reload = %d", inFlight)
	}
	n, err := q2.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	m, err := q2.Get(ctx, "m")
	if err != nil || m.Status != storage.StatusPending || m.AttemptCount != 0 {
		t.Fatalf("after recover: %+v (%v)", m, err)
	}
	if next, ok := q2.Next(clk.now()); !ok || next.ID != "m" {
		t.Fatalf("next after recover = %v %v", next.ID, ok)
	}
}

func TestEnqueueWakes(t *testing.T) {
	q, _ := newQueue(t, storage.NewMemory(), Policy{})
	mustEnqueue(t, q, "a", "r")
	mustEnqueue(t, q, "b", "r")
	select {
	case <-q.Wake():
	default:
		t.Fatalf("enqueue did not signal")
	}
	select {
	case <-q.Wake():
		t.Fatalf("signals should coalesce")
	default:
	}
}

// failingStore rejects UpdateMessage while fail is set.
type failingStore struct {
	storage.Store
	fail atomic.Bool
}

func (s *failingStore) UpdateMessage(ctx context.Context, m storage.Message) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.Store.UpdateMessage(ctx, m)
}

func TestFailedWriteHoldsOutcome(t *testing.T) {
	st := &failingStore{Store: storage.NewMemory()}
	q, clk := newQueue(t, st, Policy{})
	ctx := context.Background()
	mustEnqueue(t, q, "a", "r1")
	clk.advance(time.Millisecond)
	mustEnqueue(t, q, "b", "r1")

	if _, err := q.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	st.fail.Store(true)

	done, err := q.Complete(ctx, "a")
	if !errors.Is(err, ErrUnsaved) {
		t.Fatalf("complete err = %v, want ErrUnsaved", err)
	}
	if done.Status != storage.StatusDelivered || done.AttemptCount != 1 {
		t.Fatalf("complete returned %+v", done)
	}
	if q.Unsaved() != 1 {
		t.Fatalf("unsaved = %d, want 1", q.Unsaved())
	}
	// The recipient is released even though the write failed.
	if m, ok := q.Next(clk.now()); !ok || m.ID != "b" {
		t.Fatalf("next = %v %v, want b", m.ID, ok)
	}
	if got, err := q.Get(ctx, "a"); err != nil || got.Status != storage.StatusDelivered {
		t.Fatalf("get = %+v, %v", got, err)
	}

	// A claim is not held.
	if _, err := q.Claim(ctx, "b"); err == nil || errors.Is(err, ErrUnsaved) {
		t.Fatalf("claim during failure err = %v", err)
	}
	if pending, inFlight := q.Counts(); pending != 1 || inFlight != 0 {
		t.Fatalf("counts = %d/%d after failed claim", pending, inFlight)
	}

	if err := q.Flush(ctx); err == nil {
		t.Fatalf("flush while failing succeeded")
	}
	st.fail.Store(false)
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if q.Unsaved() != 0 {
		t.Fatalf("unsaved after flush = %d", q.Unsaved())
	}
	stored, err := st.GetMessage(ctx, "a")
	if err != nil || stored.Status != storage.StatusDelivered {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestHeldRequeueSupersededBySave(t *testing.T) {
	st := &failingStore{Store: storage.NewMemory()}
	q, clk := newQueue(t, st, Policy{RetryCeiling: 5, BackoffBase: time.Second, BackoffMax: time.Second})
	ctx := context.Background()
	mustEnqueue(t, q, "a", "r1")

	if _, err := q.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	st.fail.Store(true)
	next, err := q.Requeue(ctx, "a", errors.New("timeout"))
	if !errors.Is(err, ErrUnsaved) || next.Status != storage.StatusPending {
		t.Fatalf("requeue = %+v, %v", next, err)
	}
	st.fail.Store(false)

	clk.advance(2 * time.Second)
	if _, err := q.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
	if q.Unsaved() != 0 {
		t.Fatalf("unsaved = %d after a later save", q.Unsaved())
	}
	stored, _ := st.GetMessage(ctx, "a")
	if stored.Status != storage.StatusInFlight || stored.AttemptCount != 1 {
		t.Fatalf("stored = %+v", stored)
	}
}
