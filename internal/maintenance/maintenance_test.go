package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/goleak"

	logx "promodispatch/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseSchedule(t *testing.T) {
	for _, raw := range []string{"@every 10m", "@hourly", "*/5 * * * *", "0 */5 * * * *", "90s"} {
		sched, err := ParseSchedule(raw)
		if err != nil || sched == nil {
			t.Fatalf("ParseSchedule(%q) = %v, %v", raw, sched, err)
		}
	}
	sched, err := ParseSchedule("90s")
	if err != nil {
		t.Fatalf("ParseSchedule(90s): %v", err)
	}
	if d, ok := sched.(cron.ConstantDelaySchedule); !ok || d.Delay != 90*time.Second {
		t.Fatalf("90s parsed as %#v", sched)
	}
	if sched, err := ParseSchedule("OFF"); err != nil || sched != nil {
		t.Fatalf("off = %v, %v", sched, err)
	}
	for _, raw := range []string{"", "soon", "-5m", "61 * * * *"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) should fail", raw)
		}
	}
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := withSpread(cron.Every(time.Minute), now, "job")
	first := sched.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(time.Minute+30*time.Second)) {
		t.Fatalf("first run %v outside [1m, 1m30s)", first.Sub(now))
	}
	after := sched.Next(first)
	if got := after.Sub(first); got != time.Minute {
		t.Fatalf("second interval = %v, want 1m", got)
	}
	if _, ok := withSpread(cron.Every(time.Minute), now, "x").(*spreadSchedule); !ok {
		t.Fatalf("interval schedule should be spread")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	err := Config{BucketGC: "never", Compact: "@every x", Timezone: "Mars/Olympus"}.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"maintenance.bucket_gc", "maintenance.compact", "maintenance.timezone"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}
}

func TestRunNowRecordsResult(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var runs atomic.Int32
	s.Register(JobBucketGC, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Register(JobCompact, func(ctx context.Context) error { return errors.New("disk full") })

	ctx := context.Background()
	if err := s.RunNow(ctx, JobBucketGC); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := s.RunNow(ctx, JobCompact); err == nil {
		t.Fatalf("compact should fail")
	}
	if err := s.RunNow(ctx, "nope"); err == nil {
		t.Fatalf("unknown job should fail")
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != JobBucketGC || snap[1].Name != JobCompact {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Runs != 1 || snap[0].Spec != DefaultBucketGC || snap[1].LastErr != "disk full" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestApplyReschedules(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.Register(JobBucketGC, func(ctx context.Context) error { return nil })
	s.Register(JobCompact, func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		s.Stop(sctx)
	}()

	if err := s.Apply(Config{BucketGC: "@every 5m", Compact: Off}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap := s.Snapshot()
	if snap[0].Spec != "@every 5m" || snap[0].Next.IsZero() {
		t.Fatalf("bucket_gc after apply = %+v", snap[0])
	}
	if snap[1].Spec != Off || !snap[1].Next.IsZero() {
		t.Fatalf("compact after apply = %+v", snap[1])
	}
	if err := s.Apply(Config{BucketGC: "bogus"}); err == nil {
		t.Fatalf("invalid apply should fail")
	}
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(Config{BucketGC: "@every 1s", Compact: Off}, logx.Nop())
	done := make(chan struct{}, 1)
	s.Register(JobBucketGC, func(ctx context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start(context.Background())
	defer func() {
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		s.Stop(sctx)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduled job never ran")
	}
}
