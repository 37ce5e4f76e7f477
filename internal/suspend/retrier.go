package suspend

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	initialRetryInterval = 10 * time.Millisecond
	maxRetryInterval     = 100 * time.Millisecond

	// MaxSuspendWait is the upper bound for the configured retry budget.
	MaxSuspendWait = 3 * time.Minute
)

// Sleeper enters deep sleep. A nil error means the system slept and has
// resumed.
type Sleeper interface {
	EnterDeepSleep() error
}

// Queue gives the retrier a view of the controller's pending requests.
type Queue interface {
	HasPendingRequest() bool
	// WaitForRequest blocks for up to d and reports whether a request
	// arrived in the meantime.
	WaitForRequest(ctx context.Context, d time.Duration) bool
}

// Outcome is the result of a suspend attempt sequence.
type Outcome int

const (
	// Suspended means deep sleep was entered and the system resumed.
	Suspended Outcome = iota
	// Aborted means a newer request superseded the suspend.
	Aborted
	// GaveUp means the retry budget ran out; the caller should shut down.
	GaveUp
)

func (o Outcome) String() string {
	switch o {
	case Suspended:
		return "suspended"
	case Aborted:
		return "aborted"
	case GaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// Result describes how a Suspend call ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	Waited   time.Duration
}

// Retrier wraps the deep sleep primitive with exponential backoff.
type Retrier struct {
	system  Sleeper
	queue   Queue
	maxWait time.Duration
	logger  *log.Logger
}

// NewRetrier creates a retrier. maxWait is clamped to [0, MaxSuspendWait].
func NewRetrier(system Sleeper, queue Queue, maxWait time.Duration, logger *log.Logger) *Retrier {
	return &Retrier{
		system:  system,
		queue:   queue,
		maxWait: ClampMaxWait(maxWait),
		logger:  logger,
	}
}

// ClampMaxWait bounds a configured retry budget.
func ClampMaxWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxSuspendWait {
		return MaxSuspendWait
	}
	return d
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Suspend tries to enter deep sleep until it succeeds, a newer request
// arrives or the cumulative wait reaches the configured maximum.
func (r *Retrier) Suspend(ctx context.Context) Result {
	b := newBackOff()
	var res Result

	for {
		res.Attempts++
		err := r.system.EnterDeepSleep()
		if err == nil {
			res.Outcome = Suspended
			return res
		}

		if res.Waited >= r.maxWait {
			r.logger.Printf("Could not enter deep sleep after %d attempts (waited %v): %v",
				res.Attempts, res.Waited, err)
			res.Outcome = GaveUp
			return res
		}

		if r.queue.HasPendingRequest() {
			r.logger.Printf("Deep sleep attempt %d failed, newer request pending", res.Attempts)
			res.Outcome = Aborted
			return res
		}

		interval := b.NextBackOff()
		r.logger.Printf("Deep sleep attempt %d failed, retrying in %v: %v", res.Attempts, interval, err)

		arrived := r.queue.WaitForRequest(ctx, interval)
		res.Waited += interval
		if arrived || ctx.Err() != nil {
			res.Outcome = Aborted
			return res
		}
	}
}
