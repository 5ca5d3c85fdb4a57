package maintenance

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5- or 6-field specs and descriptors such as "@every 10m".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Off disables a job.
const Off = "off"

// ParseSchedule accepts a cron spec ("*/5 * * * *", "@hourly", "@every 10m")
// or a bare Go duration ("10m"). "off" returns a nil schedule.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return nil, fmt.Errorf("schedule required")
	case strings.EqualFold(s, Off):
		return nil, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		sched, err := parser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
		}
		return sched, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '@every 10m' or a duration like '10m')", raw)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return cron.Every(d), nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval job so that jobs
// registered together do not fire together.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

func withSpread(sched cron.Schedule, now time.Time, tag string) cron.Schedule {
	every, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return sched
	}
	spreadMax := every.Delay
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return sched
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spreadMax)))
	return &spreadSchedule{base: sched, first: now.Add(every.Delay + jitter)}
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
