package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = time.Second
	DefaultBackoffMax   = 15 * time.Minute
	BackoffExponential  = "exponential"
	BackoffSchedule     = "schedule"
	BackoffFixed        = "fixed"
	maxExponentialShift = 30
)

// BackoffPolicy computes the wait before the given retry. attempt is the
// number of the delivery that just failed, starting at 1.
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// BackoffSpec is the serializable form of a BackoffPolicy. Durable queue
// backends persist it next to the job so rescheduling survives restarts.
type BackoffSpec struct {
	Mode     string          `json:"mode" koanf:"mode" mapstructure:"mode"`
	Base     time.Duration   `json:"base" koanf:"base" mapstructure:"base"`
	Max      time.Duration   `json:"max" koanf:"max" mapstructure:"max"`
	Schedule []time.Duration `json:"schedule,omitempty" koanf:"schedule" mapstructure:"schedule"`
}

func DefaultBackoffSpec() BackoffSpec {
	return BackoffSpec{
		Mode: BackoffExponential,
		Base: DefaultBackoffBase,
		Max:  DefaultBackoffMax,
	}
}

func (s BackoffSpec) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Mode)) {
	case "", BackoffExponential, BackoffFixed:
		if s.Base < 0 || s.Max < 0 {
			return fmt.Errorf("core: backoff durations must be non-negative")
		}
		return nil
	case BackoffSchedule:
		if len(s.Schedule) == 0 {
			return fmt.Errorf("core: schedule backoff requires at least one step")
		}
		for _, step := range s.Schedule {
			if step < 0 {
				return fmt.Errorf("core: schedule backoff steps must be non-negative")
			}
		}
		return nil
	default:
		return fmt.Errorf("core: unsupported backoff mode %q", s.Mode)
	}
}

func (s BackoffSpec) Policy() BackoffPolicy {
	switch strings.ToLower(strings.TrimSpace(s.Mode)) {
	case BackoffSchedule:
		return ScheduleBackoff{Steps: append([]time.Duration(nil), s.Schedule...)}
	case BackoffFixed:
		return FixedBackoff{Delay: s.Base}
	default:
		return ExponentialBackoff{Base: s.Base, Max: s.Max}
	}
}

func (s BackoffSpec) NextDelay(attempt int) time.Duration {
	return s.Policy().NextDelay(attempt)
}

// IsZero reports whether no backoff was configured.
func (s BackoffSpec) IsZero() bool {
	return strings.TrimSpace(s.Mode) == "" && s.Base == 0 && s.Max == 0 && len(s.Schedule) == 0
}

// ExponentialBackoff doubles Base per attempt: Base, 2*Base, 4*Base, capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (p ExponentialBackoff) NextDelay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxExponentialShift {
		return maxDelay
	}
	delay := base * time.Duration(1<<shift)
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}

// ScheduleBackoff walks an explicit list of delays, repeating the last one.
type ScheduleBackoff struct {
	Steps []time.Duration
}

func (p ScheduleBackoff) NextDelay(attempt int) time.Duration {
	if len(p.Steps) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Steps) {
		return p.Steps[len(p.Steps)-1]
	}
	return p.Steps[attempt-1]
}

type FixedBackoff struct {
	Delay time.Duration
}

func (p FixedBackoff) NextDelay(int) time.Duration {
	if p.Delay < 0 {
		return 0
	}
	return p.Delay
}

// NormalizeEnqueueOptions fills in attempt and backoff defaults.
func NormalizeEnqueueOptions(opts EnqueueOptions) EnqueueOptions {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultMaxAttempts
	}
	if opts.Backoff.IsZero() {
		opts.Backoff = DefaultBackoffSpec()
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return opts
}
