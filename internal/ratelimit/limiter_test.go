package ratelimit

import (
	"math"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(cfg, WithClock(clk.now)), clk
}

func TestRecipientBucketRefillsAfterWindow(t *testing.T) {
	l, clk := newTestLimiter(DefaultConfig())
	if !l.Admit("r1") {
		t.Fatalf("first send should be admitted")
	}
	if l.Admit("r1") {
		t.Fatalf("second send within the day should be rejected")
	}
	if !l.Admit("r2") {
		t.Fatalf("other recipient has its own bucket")
	}
	clk.advance(24 * time.Hour)
	if !l.Admit("r1") {
		t.Fatalf("bucket should refill after 24h")
	}
}

func TestRejectionConsumesNothing(t *testing.T) {
	l, clk := newTestLimiter(Config{
		Global:    Policy{Capacity: 1, Window: time.Minute},
		Recipient: Policy{Capacity: 1, Window: time.Hour},
	})
	if !l.Admit("a") {
		t.Fatalf("first admit")
	}
	// Global empty: b must keep its recipient token.
	if l.Admit("b") {
		t.Fatalf("global bucket should be empty")
	}
	clk.advance(time.Minute)
	if !l.Admit("b") {
		t.Fatalf("b's recipient token was consumed by a rejected admit")
	}
}

func TestConservation(t *testing.T) {
	p := Policy{Capacity: 5, Window: 10 * time.Second}
	l, clk := newTestLimiter(Config{Global: p})
	admitted := 0
	elapsed := time.Duration(0)
	for step := 0; step < 600; step++ {
		for i := 0; i < 3; i++ {
			if l.Admit("r") {
				admitted++
			}
		}
		bound := p.Capacity + int(math.Floor(elapsed.Seconds()*float64(p.Capacity)/p.Window.Seconds()))
		if admitted > bound {
			t.Fatalf("after %v admitted %d > bound %d", elapsed, admitted, bound)
		}
		clk.advance(100 * time.Millisecond)
		elapsed += 100 * time.Millisecond
	}
	if admitted < 5+25 {
		t.Fatalf("limiter too strict: admitted %d over %v", admitted, elapsed)
	}
}

func TestDisabledPolicyIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 100; i++ {
		if !l.Admit("r") {
			t.Fatalf("admit %d rejected with no limits", i)
		}
	}
}

func TestApplyChangesPolicy(t *testing.T) {
	l, clk := newTestLimiter(DefaultConfig())
	if !l.Admit("r") || l.Admit("r") {
		t.Fatalf("default per-recipient policy not applied")
	}
	cfg := DefaultConfig()
	cfg.Recipient = Policy{Capacity: 1, Window: time.Minute}
	l.Apply(cfg)
	clk.advance(time.Minute)
	if !l.Admit("r") {
		t.Fatalf("new recipient window should apply")
	}
}

func TestSweepKeepsPartialBuckets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTTL = time.Hour
	l, clk := newTestLimiter(cfg)
	l.Admit("used")
	clk.advance(2 * time.Hour)
	l.Admit("fresh")
	clk.advance(2 * time.Hour)

	// "used" is idle but still refilling; "fresh" is idle and empty too.
	if n := l.Sweep(); n != 0 {
		t.Fatalf("swept %d partial buckets", n)
	}
	clk.advance(24 * time.Hour)
	if n := l.Sweep(); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if l.Len() != 0 {
		t.Fatalf("len = %d", l.Len())
	}
}

func TestRefundRestoresBothBuckets(t *testing.T) {
	l, clk := newTestLimiter(Config{
		Global:    Policy{Capacity: 1, Window: time.Hour},
		Recipient: Policy{Capacity: 1, Window: 24 * time.Hour},
	})
	tk, ok := l.Reserve("r")
	if !ok {
		t.Fatalf("first reserve rejected")
	}
	if l.Admit("r") {
		t.Fatalf("buckets should be empty while the ticket is held")
	}
	clk.advance(15 * time.Second)
	l.Refund(tk)
	l.Refund(tk)

	if !l.Admit("r") {
		t.Fatalf("refunded tokens not usable")
	}
	// The refund restores one token, never more.
	if l.Admit("r") {
		t.Fatalf("double refund minted an extra token")
	}
}

func TestReserveRejectsWithoutTicket(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())
	if _, ok := l.Reserve("r"); !ok {
		t.Fatalf("first reserve rejected")
	}
	tk, ok := l.Reserve("r")
	if ok || tk != nil {
		t.Fatalf("second reserve = %v, %v; want nil, false", tk, ok)
	}
	l.Refund(tk)
}
