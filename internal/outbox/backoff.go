package outbox

import (
	"math/rand"
	"time"
)

// Policy controls retries.
type Policy struct {
	// RetryCeiling is the maximum number of send attempts. Default 5.
	RetryCeiling int
	// BackoffBase and BackoffMax bound min(max, base*2^n). Defaults 30s and 30m.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{RetryCeiling: 5, BackoffBase: 30 * time.Second, BackoffMax: 30 * time.Minute}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.RetryCeiling <= 0 {
		p.RetryCeiling = d.RetryCeiling
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = d.BackoffMax
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	return p
}

// Backoff returns min(max, base*2^failures) plus jitter uniform in [0, delay/4).
func Backoff(failures int, base, max time.Duration, rng *rand.Rand) time.Duration {
	if failures < 0 {
		failures = 0
	}
	delay := max
	if failures < 32 {
		if v := base << uint(failures); v > 0 && v < max {
			delay = v
		}
	}
	if j := int64(delay / 4); j > 0 && rng != nil {
		delay += time.Duration(rng.Int63n(j))
	}
	return delay
}
