// Package operator surfaces session state to whoever runs the process:
// systemd notifications, log lines for pairing challenges and the latest
// challenge for the ops server.
package operator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"promodispatch/internal/eventbus"
	"promodispatch/internal/session"
	logx "promodispatch/pkg/logx"
)

// Notifier matches daemon.SdNotify.
type Notifier func(unsetEnvironment bool, state string) (bool, error)

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notify = n }
}

// WithWatchdog overrides the interval read from WATCHDOG_USEC.
func WithWatchdog(every time.Duration) Option {
	return func(s *Service) { s.watchdog = every }
}

type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	notify   Notifier
	watchdog time.Duration

	mu          sync.Mutex
	phase       session.Phase
	challenge   string
	challengeAt time.Time
}

func New(bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{bus: bus, log: log.With(logx.String("comp", "operator")), notify: daemon.SdNotify}
	for _, o := range opts {
		o(s)
	}
	if s.watchdog == 0 {
		if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
			s.watchdog = d / 2
		}
	}
	return s
}

// Challenge returns the latest pairing challenge, cleared once authenticated.
func (s *Service) Challenge() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge, s.challengeAt
}

// Ready tells systemd the service finished starting.
func (s *Service) Ready() { s.send(daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func (s *Service) Stopping() { s.send(daemon.SdNotifyStopping) }

// Run follows session events until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ch, unsubscribe := s.bus.Subscribe(32, eventbus.TopicSessionPhase, eventbus.TopicSessionChallenge)
	defer unsubscribe()

	var tick <-chan time.Time
	if s.watchdog > 0 {
		t := time.NewTicker(s.watchdog)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.send(daemon.SdNotifyWatchdog)
		case e := <-ch:
			s.handle(e)
		}
	}
}

func (s *Service) handle(e eventbus.Event) {
	switch d := e.Data.(type) {
	case session.Challenge:
		at := e.Time
		if at.IsZero() {
			at = time.Now()
		}
		s.mu.Lock()
		s.challenge, s.challengeAt = d.Data, at
		s.mu.Unlock()
		s.log.Warn("authentication required: complete pairing with this challenge",
			logx.String("session", d.Session),
			logx.String("challenge", d.Data),
		)
		s.send("STATUS=awaiting authentication (see logs or /session)")

	case session.PhaseChange:
		s.mu.Lock()
		s.phase = d.To
		if d.To == session.Ready {
			s.challenge, s.challengeAt = "", time.Time{}
		}
		s.mu.Unlock()

		fields := []logx.Field{
			logx.String("from", d.From.String()),
			logx.String("to", d.To.String()),
			logx.String("reason", d.Reason),
		}
		switch d.To {
		case session.Degraded:
			s.log.Warn("session degraded", fields...)
		default:
			s.log.Info("session phase changed", fields...)
		}
		status := "STATUS=" + d.To.String()
		if d.Reason != "" {
			status = fmt.Sprintf("STATUS=%s: %s", d.To, d.Reason)
		}
		s.send(status)
	}
}

func (s *Service) send(state string) {
	if s.notify == nil {
		return
	}
	if _, err := s.notify(false, state); err != nil {
		s.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
