package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/common-fate/clio"
	sethRetry "github.com/sethvargo/go-retry"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Options configure a Caller. Zero values fall back to the defaults below.
type Options struct {
	// RequestsPerSecond paces calls made through the Caller. IAM enforces low
	// per-account request rates on its mutating APIs.
	RequestsPerSecond int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// BaseDelay is the first backoff interval; later intervals double.
	BaseDelay time.Duration
	// MaxDuration bounds the total time spent retrying a single operation.
	MaxDuration time.Duration
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
}

const (
	DefaultRequestsPerSecond = 10
	DefaultMaxRetries        = 4
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDuration       = 45 * time.Second
	DefaultCallTimeout       = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.RequestsPerSecond == 0 {
		o.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDuration == 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

// Caller executes provider calls with pacing, a per-attempt timeout and
// bounded exponential backoff on transient errors. Definitive errors are
// returned immediately.
type Caller struct {
	opts    Options
	limiter ratelimit.Limiter
}

// NewCaller builds a Caller. A negative RequestsPerSecond disables pacing.
func NewCaller(opts Options) *Caller {
	opts = opts.withDefaults()
	var limiter ratelimit.Limiter
	if opts.RequestsPerSecond < 0 {
		limiter = ratelimit.NewUnlimited()
	} else {
		limiter = ratelimit.New(opts.RequestsPerSecond)
	}
	return &Caller{opts: opts, limiter: limiter}
}

// Do runs fn until it succeeds, fails definitively or the retry budget is spent.
// Exhausting the budget on a transient error yields a *DegradedError.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := sethRetry.NewExponential(c.opts.BaseDelay)
	b = sethRetry.WithMaxRetries(c.opts.MaxRetries, b)
	b = sethRetry.WithMaxDuration(c.opts.MaxDuration, b)

	attempts := 0
	err := sethRetry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		c.limiter.Take()

		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if callTimedOut(ctx, err) {
			err = fmt.Errorf("%w: %w", errCallTimeout, err)
		}
		if IsTransient(err) {
			clio.Debugw("transient provider error, retrying", "op", op, "attempt", attempts, zap.Error(err))
			return sethRetry.RetryableError(err)
		}
		return err
	})
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		return &DegradedError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}
