// Package session owns one authenticated connection to a chat transport.
//
// Transport callbacks arrive as events and are folded into State by Transition.
// Sends are attempted only in Ready and are serialized per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"promodispatch/internal/eventbus"
	rtsup "promodispatch/internal/runtime/supervisor"
	"promodispatch/internal/transport"
	logx "promodispatch/pkg/logx"
)

var (
	ErrNotReady             = errors.New("session: not ready")
	ErrRecipientUnreachable = errors.New("session: recipient unreachable")
	ErrTimeout              = errors.New("session: send timed out")
	ErrTransportFailure     = errors.New("session: transport failure")
	ErrAuthExpired          = errors.New("session: authentication expired")

	ErrClosed       = errors.New("session: closed")
	ErrAlreadyBound = errors.New("session: already bound to a worker")
)

// Config holds session timings. Zero fields take the defaults below.
type Config struct {
	SendTimeout    time.Duration // default 15s
	ConnectTimeout time.Duration // default 30s
	ReconnectBase  time.Duration // default 1s
	ReconnectMax   time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = c.ReconnectBase
	}
	return c
}

// PhaseChange is published on eventbus.TopicSessionPhase.
type PhaseChange struct {
	Session string `json:"session"`
	From    Phase  `json:"from"`
	To      Phase  `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// Challenge is published on eventbus.TopicSessionChallenge.
type Challenge struct {
	Session string `json:"session"`
	Data    string `json:"data"`
}

type Session struct {
	id     string
	cfg    Config
	client transport.Client
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	state   State
	changed chan struct{}

	// sendMu serializes TrySend; Close takes it to wait for an in-flight send.
	sendMu sync.Mutex

	events chan transport.Event
	sup    *rtsup.Supervisor
	bound  atomic.Bool

	rng *rand.Rand
}

func New(client transport.Client, cfg Config, log logx.Logger, bus eventbus.Bus) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		cfg:     cfg.withDefaults(),
		client:  client,
		log:     log.With(logx.String("comp", "session"), logx.String("session", id[:8])),
		bus:     bus,
		changed: make(chan struct{}),
		events:  make(chan transport.Event, 64),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Session) ID() string { return s.id }

// State returns a snapshot of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watch returns the current state and a channel closed on the next change.
func (s *Session) Watch() (State, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.changed
}

// Bind reserves the session for a single consumer. A second call fails.
func (s *Session) Bind() error {
	if !s.bound.CompareAndSwap(false, true) {
		return ErrAlreadyBound
	}
	return nil
}

// Start moves the session to AwaitingAuthentication and connects the transport
// in the background. Reconnection runs until Close or ctx ends.
func (s *Session) Start(ctx context.Context) error {
	st := s.State()
	switch st.Phase {
	case Closed:
		return ErrClosed
	case Uninitialized:
	default:
		return nil
	}
	s.apply(Event{Kind: EventStart})

	s.mu.Lock()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.Go0("session.loop", s.run)
	return nil
}

// Close moves to Closed, waits for an in-flight send, stops reconnection and
// releases the transport.
func (s *Session) Close(ctx context.Context) error {
	if s.State().Phase == Closed {
		return nil
	}
	s.apply(Event{Kind: EventClose, Reason: "shutdown"})

	acquired := make(chan struct{})
	go func() {
		s.sendMu.Lock()
		close(acquired)
		s.sendMu.Unlock()
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		s.log.Warn("close: in-flight send still running", logx.Err(ctx.Err()))
	}

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	var errs []error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("transport close: %w", err))
	}
	return errors.Join(errs...)
}

// TrySend makes exactly one delivery attempt. It never retries.
func (s *Session) TrySend(ctx context.Context, recipient string, payload []byte) (transport.Ack, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.State().Phase != Ready {
		return transport.Ack{}, ErrNotReady
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	ack, err := s.client.Send(sctx, recipient, payload)
	if err == nil {
		return ack, nil
	}

	switch {
	case errors.Is(err, transport.ErrRecipientUnreachable):
		return transport.Ack{}, fmt.Errorf("%w: %v", ErrRecipientUnreachable, err)
	case errors.Is(err, transport.ErrCredentialsInvalid):
		s.apply(Event{Kind: EventCredentialsInvalidated, Reason: err.Error()})
		return transport.Ack{}, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	case errors.Is(err, transport.ErrNotConnected):
		s.apply(Event{Kind: EventSendFailed, Reason: err.Error()})
		return transport.Ack{}, fmt.Errorf("%w: %v", ErrNotReady, err)
	case errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		s.apply(Event{Kind: EventSendFailed, Reason: "send timeout"})
		return transport.Ack{}, fmt.Errorf("%w after %s", ErrTimeout, s.cfg.SendTimeout)
	default:
		s.apply(Event{Kind: EventSendFailed, Reason: err.Error()})
		return transport.Ack{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
}

// apply feeds ev through Transition and publishes the result.
func (s *Session) apply(ev Event) State {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	prev := s.state
	next, changed := Transition(prev, ev)
	if changed {
		s.state = next
		close(s.changed)
		s.changed = make(chan struct{})
	}
	s.mu.Unlock()

	if !changed {
		return next
	}
	if prev.Phase != next.Phase {
		s.log.Info("session phase changed",
			logx.String("from", prev.Phase.String()),
			logx.String("to", next.Phase.String()),
			logx.String("event", ev.Kind.String()),
			logx.String("reason", ev.Reason),
		)
		s.publish(eventbus.TopicSessionPhase, PhaseChange{Session: s.id, From: prev.Phase, To: next.Phase, Reason: ev.Reason})
	}
	if next.Challenge != "" && next.Challenge != prev.Challenge {
		s.publish(eventbus.TopicSessionChallenge, Challenge{Session: s.id, Data: next.Challenge})
	}
	return next
}

func (s *Session) publish(topic string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: data})
}

func fromTransport(ev transport.Event) (Event, bool) {
	out := Event{Challenge: ev.Challenge, Reason: ev.Reason, At: ev.At}
	switch ev.Kind {
	case transport.EventAuthChallengeIssued:
		out.Kind = EventAuthChallengeIssued
	case transport.EventAuthenticated:
		out.Kind = EventAuthenticated
	case transport.EventDisconnected:
		out.Kind = EventDisconnected
	case transport.EventCredentialsInvalidated:
		out.Kind = EventCredentialsInvalidated
	default:
		return Event{}, false
	}
	return out, true
}

// run owns connection management: it folds transport events into the state
// and reconnects with full-jitter backoff while Degraded.
func (s *Session) run(ctx context.Context) {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		attempt int
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	schedule := func() {
		stopTimer()
		d := backoffDelay(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectMax, s.rng)
		s.log.Debug("reconnect scheduled", logx.Int("attempt", attempt), logx.Duration("in", d))
		timer = time.NewTimer(d)
		timerC = timer.C
	}
	defer stopTimer()

	// connect reports whether another attempt should be scheduled.
	connect := func() bool {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := s.client.Connect(cctx, s.events)
		cancel()
		if err == nil {
			return s.State().Phase == Degraded
		}
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, transport.ErrCredentialsInvalid) {
			s.apply(Event{Kind: EventCredentialsInvalidated, Reason: err.Error()})
			return false
		}
		s.log.Warn("transport connect failed", logx.Int("attempt", attempt), logx.Err(err))
		s.apply(Event{Kind: EventDisconnected, Reason: err.Error()})
		phase := s.State().Phase
		return phase == Degraded || phase == AwaitingAuthentication
	}

	st, changed := s.Watch()
	prev := st.Phase
	if connect() {
		schedule()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-s.events:
			if sev, ok := fromTransport(ev); ok {
				s.apply(sev)
			}

		case <-changed:
			st, changed = s.Watch()
			switch {
			case st.Phase == Closed:
				return
			case st.Phase == Degraded && prev != Degraded:
				attempt = 0
				schedule()
			case st.Phase == Ready:
				attempt = 0
				stopTimer()
			case st.Phase == AwaitingAuthentication && (prev == Ready || prev == Degraded):
				// Credentials are gone; wait for a new pairing instead of reconnecting.
				stopTimer()
			}
			prev = st.Phase

		case <-timerC:
			timer, timerC = nil, nil
			attempt++
			if connect() {
				schedule()
			}
		}
	}
}

// backoffDelay is "full jitter": uniform in [0, min(max, base*2^attempt)].
func backoffDelay(attempt int, base, max time.Duration, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := max
	if attempt < 32 {
		if v := base << uint(attempt); v > 0 && v < max {
			d = v
		}
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(d) + 1))
}
