package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"go.uber.org/goleak"

	"promodispatch/internal/dispatch"
	"promodispatch/internal/eventbus"
	"promodispatch/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// assertLine tolerates the otel scope labels the exporter adds.
func assertLine(t *testing.T, out, name, label, value string) {
	t.Helper()
	re := regexp.MustCompile(name + `\{[^}]*` + label + `[^}]*\} ` + value)
	if !re.MatchString(out) {
		t.Fatalf("missing %s{%s} %s in:\n%s", name, label, value, out)
	}
}

func newRecorder(t *testing.T) (*Provider, Recorder) {
	t.Helper()
	p, err := NewProvider()
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	rec, err := NewRecorder(p.MeterProvider())
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	return p, rec
}

func TestRecorderExportsToPrometheus(t *testing.T) {
	p, rec := newRecorder(t)
	ctx := context.Background()
	rec.Outcome(ctx, "delivered")
	rec.Outcome(ctx, "delivered")
	rec.SendDuration(ctx, "delivered", 120*time.Millisecond)
	rec.Transition(ctx, "awaiting_authentication", "ready")

	out := scrape(t, p)
	assertLine(t, out, "promodispatch_outcomes_total", `status="delivered"`, "2")
	assertLine(t, out, "promodispatch_send_duration_seconds_count", `status="delivered"`, "1")
	assertLine(t, out, "promodispatch_session_transitions_total", `to="ready"`, "1")
}

func TestCollectMapsBusEvents(t *testing.T) {
	p, rec := newRecorder(t)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Collect(ctx, bus, rec)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Collect subscribes asynchronously; publish until it is seen.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TopicRetry, Data: dispatch.Result{ID: "m1", Took: 10 * time.Millisecond}})
		if regexp.MustCompile(`promodispatch_outcomes_total\{[^}]*status="failed"`).MatchString(scrape(t, p)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry event never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(eventbus.Event{Type: eventbus.TopicSessionPhase, Data: session.PhaseChange{From: session.Ready, To: session.Degraded}})
	deadline = time.Now().Add(2 * time.Second)
	for !regexp.MustCompile(`promodispatch_session_transitions_total\{[^}]*to="degraded"`).MatchString(scrape(t, p)) {
		if time.Now().After(deadline) {
			t.Fatalf("phase event never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNoOpRecorder(t *testing.T) {
	var rec Recorder = NoOp{}
	rec.Outcome(context.Background(), "delivered")
	rec.SendDuration(context.Background(), "delivered", time.Second)
	rec.Transition(context.Background(), "a", "b")
}
