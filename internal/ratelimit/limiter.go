// Package ratelimit admits sends against a global and a per-recipient token bucket.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is "Capacity sends per Window". Capacity <= 0 disables the bucket.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) limit() rate.Limit {
	if p.Capacity <= 0 || p.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(p.Capacity) / p.Window.Seconds())
}

func (p Policy) burst() int {
	if p.Capacity <= 0 {
		return 1
	}
	return p.Capacity
}

type Config struct {
	Global    Policy
	Recipient Policy
	// IdleTTL is how long an unused, full recipient bucket is kept.
	IdleTTL time.Duration
}

// DefaultConfig is 20 sends per minute overall and one per recipient per day.
func DefaultConfig() Config {
	return Config{
		Global:    Policy{Capacity: 20, Window: time.Minute},
		Recipient: Policy{Capacity: 1, Window: 24 * time.Hour},
		IdleTTL:   48 * time.Hour,
	}
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiter is safe for concurrent use. Admit is atomic across both buckets.
type Limiter struct {
	mu         sync.Mutex
	now        func() time.Time
	cfg        Config
	global     *rate.Limiter
	recipients map[string]*bucket
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now, cfg: cfg, recipients: map[string]*bucket{}}
	for _, o := range opts {
		o(l)
	}
	l.global = l.newLimiter(cfg.Global)
	return l
}

func (l *Limiter) newLimiter(p Policy) *rate.Limiter {
	lim := rate.NewLimiter(p.limit(), p.burst())
	// Buckets start full; pin the refill clock to ours.
	lim.SetLimitAt(l.now(), p.limit())
	return lim
}

// Admit consumes one token from the global bucket and one from recipient's
// bucket, or nothing when either is empty. A rejection is not an error.
func (l *Limiter) Admit(recipient string) bool {
	_, ok := l.Reserve(recipient)
	return ok
}

// Ticket holds the tokens taken by Reserve until the attempt is known to count.
type Ticket struct {
	at        time.Time
	global    *rate.Reservation
	recipient *rate.Reservation
}

// Reserve is Admit that can be undone with Refund. It returns nil, false when
// either bucket is empty.
func (l *Limiter) Reserve(recipient string) (*Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	b, ok := l.recipients[recipient]
	if !ok {
		b = &bucket{lim: l.newLimiter(l.cfg.Recipient)}
		l.recipients[recipient] = b
	}
	b.lastUsed = now

	if !hasToken(l.global, now) || !hasToken(b.lim, now) {
		return nil, false
	}
	return &Ticket{
		at:        now,
		global:    l.global.ReserveN(now, 1),
		recipient: b.lim.ReserveN(now, 1),
	}, true
}

// Refund gives a ticket's tokens back, for attempts that never reached the
// transport. Tokens refilled since the reservation are not counted twice.
func (l *Limiter) Refund(t *Ticket) {
	if t == nil || t.global == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Cancelling at the reservation instant restores the token as if it had
	// never been taken; refill since then continues from that instant.
	t.global.CancelAt(t.at)
	t.recipient.CancelAt(t.at)
	t.global, t.recipient = nil, nil
}

// Apply swaps policies at runtime. Existing buckets keep their current tokens
// (capped at the new capacity).
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.cfg = cfg
	l.global.SetLimitAt(now, cfg.Global.limit())
	l.global.SetBurstAt(now, cfg.Global.burst())
	for _, b := range l.recipients {
		b.lim.SetLimitAt(now, cfg.Recipient.limit())
		b.lim.SetBurstAt(now, cfg.Recipient.burst())
	}
}

// Sweep drops recipient buckets that are full and idle longer than IdleTTL.
// A full bucket is indistinguishable from a fresh one, so no allowance is lost.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	ttl := l.cfg.IdleTTL
	burst := float64(l.cfg.Recipient.burst())
	removed := 0
	for k, b := range l.recipients {
		if now.Sub(b.lastUsed) < ttl {
			continue
		}
		if b.lim.Limit() != rate.Inf && b.lim.TokensAt(now) < burst {
			continue
		}
		delete(l.recipients, k)
		removed++
	}
	return removed
}

// Len reports how many recipient buckets are live.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recipients)
}

func hasToken(lim *rate.Limiter, now time.Time) bool {
	return lim.Limit() == rate.Inf || lim.TokensAt(now) >= 1
}
