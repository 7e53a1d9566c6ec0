package retrypolicy

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Remote names the external systems the pipeline talks to.
type Remote string

const (
	RemoteLLM        Remote = "llm"
	RemoteForum      Remote = "forum"
	RemoteStorefront Remote = "storefront"
)

// schedule is one remote's backoff shape.
type schedule struct {
	base        time.Duration
	multiplier  float64
	maxAttempts int
	cap         time.Duration
}

// Per-remote backoff. The LLM gets the longest leash; the forum and
// storefront are cheaper to give up on.
var schedules = map[Remote]schedule{
	RemoteLLM:        {base: 2 * time.Second, multiplier: 2, maxAttempts: 4, cap: 60 * time.Second},
	RemoteForum:      {base: 3 * time.Second, multiplier: 2, maxAttempts: 3, cap: 30 * time.Second},
	RemoteStorefront: {base: 2 * time.Second, multiplier: 2, maxAttempts: 3, cap: 30 * time.Second},
}

// maxJitter is added uniformly to every sleep to spread synchronized
// retries.
const maxJitter = time.Second

// Policy executes operations against remotes with classification and
// backoff. The zero value is not usable; construct with New.
type Policy struct {
	rand  *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Policy.
type Option func(*Policy)

// WithSleep replaces the sleeper. Tests use it to observe backoff
// without taking it.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = fn }
}

// New creates a policy with the default sleeper.
func New(opts ...Option) *Policy {
	p := &Policy{
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs op, retrying transient failures per the remote's
// schedule. On exhaustion the last error propagates unchanged; the
// caller decides logging and audit.
func (p *Policy) Execute(ctx context.Context, remote Remote, op func(ctx context.Context) error) error {
	sched, ok := schedules[remote]
	if !ok {
		sched = schedules[RemoteStorefront]
	}

	var lastErr error
	delay := sched.base
	for attempt := 1; attempt <= sched.maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Transient(lastErr) {
			return lastErr
		}
		if attempt == sched.maxAttempts {
			break
		}

		wait := delay + time.Duration(p.rand.Int63n(int64(maxJitter)))
		slog.Warn("Transient remote failure, backing off",
			"remote", remote, "attempt", attempt, "wait", wait, "error", lastErr)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * sched.multiplier)
		if delay > sched.cap {
			delay = sched.cap
		}
	}
	return lastErr
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, p *Policy, remote Remote, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, remote, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
