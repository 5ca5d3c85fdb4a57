package operator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/goleak"

	"promodispatch/internal/eventbus"
	"promodispatch/internal/session"
	logx "promodispatch/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) has(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func start(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestChallengeKeptUntilReady(t *testing.T) {
	bus := eventbus.New()
	rec := &recorder{}
	s := New(bus, logx.Nop(), WithNotifier(rec.notify), WithWatchdog(-1))
	start(t, s)

	// Run subscribes asynchronously; republish until observed.
	waitFor(t, "challenge", func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TopicSessionChallenge, Time: time.Now(), Data: session.Challenge{Session: "s1", Data: "code-42"}})
		c, _ := s.Challenge()
		return c == "code-42"
	})
	if !rec.has("STATUS=awaiting authentication") {
		t.Fatalf("no awaiting status sent: %v", rec.states)
	}

	bus.Publish(eventbus.Event{Type: eventbus.TopicSessionPhase, Data: session.PhaseChange{From: session.AwaitingAuthentication, To: session.Ready}})
	waitFor(t, "challenge cleared", func() bool {
		c, _ := s.Challenge()
		return c == ""
	})
	if !rec.has("STATUS=ready") {
		t.Fatalf("no ready status sent: %v", rec.states)
	}
}

func TestDegradedStatusCarriesReason(t *testing.T) {
	bus := eventbus.New()
	rec := &recorder{}
	s := New(bus, logx.Nop(), WithNotifier(rec.notify), WithWatchdog(-1))
	start(t, s)
	waitFor(t, "degraded status", func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TopicSessionPhase, Data: session.PhaseChange{From: session.Ready, To: session.Degraded, Reason: "send timeout"}})
		return rec.has("STATUS=degraded: send timeout")
	})
}

func TestLifecycleNotifications(t *testing.T) {
	rec := &recorder{}
	s := New(eventbus.New(), logx.Nop(), WithNotifier(rec.notify), WithWatchdog(-1))
	s.Ready()
	s.Stopping()
	if !rec.has(daemon.SdNotifyReady) || !rec.has(daemon.SdNotifyStopping) {
		t.Fatalf("states = %v", rec.states)
	}
}

func TestWatchdogPings(t *testing.T) {
	rec := &recorder{}
	s := New(eventbus.New(), logx.Nop(), WithNotifier(rec.notify), WithWatchdog(5*time.Millisecond))
	start(t, s)
	waitFor(t, "watchdog", func() bool { return rec.has(daemon.SdNotifyWatchdog) })
}
