package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "promodispatch/pkg/logx"
)

type driverCase struct {
	name string
	open func(t *testing.T, path string) Store
}

func drivers() []driverCase {
	openWith := func(driver string) func(t *testing.T, path string) Store {
		return func(t *testing.T, path string) Store {
			t.Helper()
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("open %s: %v", driver, err)
			}
			return st
		}
	}
	return []driverCase{
		{name: "memory", open: openWith("memory")},
		{name: "file", open: openWith("file")},
		{name: "sqlite", open: openWith("sqlite")},
	}
}

func msg(id, recipient string, at time.Time) Message {
	return Message{
		ID:         id,
		Recipient:  recipient,
		Payload:    []byte("promo " + id),
		EnqueuedAt: at,
		Status:     StatusPending,
		UpdatedAt:  at,
	}
}

func TestStoreMessages(t *testing.T) {
	for _, dc := range drivers() {
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()
			st := dc.open(t, filepath.Join(t.TempDir(), "store.db"))
			defer st.Close()

			base := time.Unix(1_700_000_000, 0)
			first, inserted, err := st.InsertMessage(ctx, msg("b", "r1", base))
			if err != nil || !inserted {
				t.Fatalf("insert b: inserted=%v err=%v", inserted, err)
			}
			if string(first.Payload) != "promo b" {
				t.Fatalf("payload = %q", first.Payload)
			}
			if _, _, err := st.InsertMessage(ctx, msg("a", "r2", base)); err != nil {
				t.Fatalf("insert a: %v", err)
			}
			if _, _, err := st.InsertMessage(ctx, msg("c", "r1", base.Add(-time.Second))); err != nil {
				t.Fatalf("insert c: %v", err)
			}

			dup := msg("b", "other", base.Add(time.Hour))
			got, inserted, err := st.InsertMessage(ctx, dup)
			if err != nil || inserted {
				t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
			}
			if got.Recipient != "r1" {
				t.Fatalf("duplicate insert must return existing row, got %+v", got)
			}

			got.Status = StatusDelivered
			got.AttemptCount = 2
			got.LastError = "timeout"
			if err := st.UpdateMessage(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			again, err := st.GetMessage(ctx, "b")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if again.Status != StatusDelivered || again.AttemptCount != 2 || again.LastError != "timeout" {
				t.Fatalf("after update: %+v", again)
			}
			if !again.EnqueuedAt.Equal(base) {
				t.Fatalf("enqueued_at = %v, want %v", again.EnqueuedAt, base)
			}

			all, err := st.ListMessages(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			order := ""
			for _, m := range all {
				order += m.ID
			}
			if order != "cab" {
				t.Fatalf("order = %q, want cab", order)
			}
			pending, err := st.ListMessages(ctx, StatusPending, StatusInFlight)
			if err != nil || len(pending) != 2 {
				t.Fatalf("pending = %d (%v)", len(pending), err)
			}

			if _, err := st.GetMessage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing get err = %v", err)
			}
			if err := st.UpdateMessage(ctx, msg("missing", "r", base)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing update err = %v", err)
			}
			if err := st.Compact(ctx); err != nil {
				t.Fatalf("compact: %v", err)
			}
		})
	}
}

func TestStoreOutcomes(t *testing.T) {
	for _, dc := range drivers() {
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()
			st := dc.open(t, filepath.Join(t.TempDir(), "store.db"))
			defer st.Close()

			now := time.Unix(1_700_000_000, 0)
			o1, err := st.AppendOutcome(ctx, Outcome{MessageID: "m", Status: StatusFailed, Attempt: 1, Error: "timeout", At: now})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			o2, err := st.AppendOutcome(ctx, Outcome{MessageID: "m", Status: StatusDelivered, Attempt: 2, At: now.Add(time.Second)})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if o2.Seq <= o1.Seq {
				t.Fatalf("seq not increasing: %d then %d", o1.Seq, o2.Seq)
			}
			if _, err := st.AppendOutcome(ctx, Outcome{MessageID: "other", Status: StatusAbandoned, Attempt: 1, At: now}); err != nil {
				t.Fatalf("append other: %v", err)
			}

			hist, err := st.ListOutcomes(ctx, "m")
			if err != nil {
				t.Fatalf("list outcomes: %v", err)
			}
			if len(hist) != 2 || hist[0].Status != StatusFailed || hist[1].Status != StatusDelivered {
				t.Fatalf("history = %+v", hist)
			}
			if hist[0].Error != "timeout" || !hist[1].At.Equal(now.Add(time.Second)) {
				t.Fatalf("history fields = %+v", hist)
			}

			last, err := st.LastOutcome(ctx, "m")
			if err != nil || last.Seq != o2.Seq || last.Status != StatusDelivered {
				t.Fatalf("last outcome = %+v, err=%v", last, err)
			}
			if _, err := st.LastOutcome(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("last outcome for missing err = %v", err)
			}
		})
	}
}

func TestDurableDriversSurviveReopen(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "store.db")
			cfg := Config{Driver: driver, Path: path}

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			m := msg("x", "r", time.Unix(1_700_000_000, 0))
			if _, _, err := st.InsertMessage(ctx, m); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if err := st.Compact(ctx); err != nil {
				t.Fatalf("compact: %v", err)
			}
			m.Status = StatusInFlight
			m.AttemptCount = 1
			if err := st.UpdateMessage(ctx, m); err != nil {
				t.Fatalf("update: %v", err)
			}
			if _, err := st.AppendOutcome(ctx, Outcome{MessageID: "x", Status: StatusFailed, Attempt: 1, At: time.Now()}); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.GetMessage(ctx, "x")
			if err != nil {
				t.Fatalf("get after reopen: %v", err)
			}
			if got.Status != StatusInFlight || got.AttemptCount != 1 {
				t.Fatalf("after reopen: %+v", got)
			}
			hist, err := st.ListOutcomes(ctx, "x")
			if err != nil || len(hist) != 1 {
				t.Fatalf("outcomes after reopen: %v (%v)", hist, err)
			}
			next, err := st.AppendOutcome(ctx, Outcome{MessageID: "x", Status: StatusDelivered, Attempt: 2, At: time.Now()})
			if err != nil || next.Seq <= hist[0].Seq {
				t.Fatalf("seq after reopen = %d (prev %d), err=%v", next.Seq, hist[0].Seq, err)
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	st := NewMemory()
	_ = st.Close()
	if _, err := st.GetMessage(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
