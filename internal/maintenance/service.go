// Package maintenance runs periodic housekeeping (rate-limit bucket GC, store
// compaction) on cron schedules that follow config hot reloads.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "promodispatch/pkg/logx"
)

const (
	JobBucketGC = "bucket_gc"
	JobCompact  = "compact"

	DefaultBucketGC = "@every 10m"
	DefaultCompact  = "@every 1h"

	jobTimeout = 2 * time.Minute
)

type Config struct {
	BucketGC string
	Compact  string
	Timezone string // IANA name; empty means Local
}

func (c Config) spec(job string) string {
	var s string
	switch job {
	case JobBucketGC:
		s = c.BucketGC
		if strings.TrimSpace(s) == "" {
			s = DefaultBucketGC
		}
	case JobCompact:
		s = c.Compact
		if strings.TrimSpace(s) == "" {
			s = DefaultCompact
		}
	}
	return s
}

// Validate parses every schedule and the timezone.
func (c Config) Validate() error {
	var errs []error
	for _, job := range []string{JobBucketGC, JobCompact} {
		if _, err := ParseSchedule(c.spec(job)); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.%s: %w", job, err))
		}
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

type job struct {
	name    string
	run     func(ctx context.Context) error
	spec    string
	entryID cron.EntryID

	runs    uint64
	lastRun time.Time
	lastErr string
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	LastRun time.Time `json:"last_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
	Runs    uint64    `json:"runs"`
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job

	stopped bool
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "maintenance")),
		jobs: map[string]*job{},
	}
}

// Register adds a job; its schedule comes from Config by name.
func (s *Service) Register(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, run: run}
	if s.c != nil {
		s.addLocked(s.jobs[name])
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.stopped = false
	s.startLocked()
}

// Apply swaps the configuration and reschedules every job if anything changed.
func (s *Service) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	changed := cfg != s.cfg
	s.cfg = cfg
	old := s.c
	if old == nil || !changed {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.mu.Unlock()

	// Running jobs take s.mu; wait for them without holding it.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil && !s.stopped {
		s.startLocked()
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopped = true
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// RunNow runs a registered job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintenance: unknown job %q", name)
	}
	return s.execute(ctx, j)
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: s.cfg.spec(j.name), LastRun: j.lastRun, LastErr: j.lastErr, Runs: j.runs}
		if s.c != nil && j.entryID != 0 {
			info.Next = s.c.Entry(j.entryID).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) startLocked() {
	loc := s.location()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range s.jobs {
		s.addLocked(j)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) addLocked(j *job) {
	j.entryID = 0
	j.spec = s.cfg.spec(j.name)
	sched, err := ParseSchedule(j.spec)
	if err != nil {
		s.log.Error("invalid schedule; job disabled", logx.String("job", j.name), logx.Err(err))
		return
	}
	if sched == nil {
		s.log.Info("job disabled", logx.String("job", j.name))
		return
	}
	sched = withSpread(sched, time.Now(), j.name)
	j.entryID = s.c.Schedule(sched, cron.FuncJob(func() {
		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		_ = s.execute(ctx, j)
	}))
}

func (s *Service) execute(ctx context.Context, j *job) error {
	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	err := j.run(jctx)

	s.mu.Lock()
	j.runs++
	j.lastRun = start
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
