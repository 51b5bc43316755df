package counterstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// backoffJitter is the randomization factor applied to every retry wait.
const backoffJitter = 0.2

// Options configures the failure budget of a Client.
type Options struct {
	Timeout     time.Duration // hard timeout of a single attempt
	MaxRetries  int           // retries after the first attempt
	BackoffBase time.Duration // first retry wait
	BackoffCap  time.Duration // upper bound of a single retry wait
}

// DefaultOptions returns the production failure budget: 2s per attempt,
// 3 retries, 50ms..2s exponential backoff.
func DefaultOptions() Options {
	return Options{
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: 50 * time.Millisecond,
		BackoffCap:  2 * time.Second,
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = o.BackoffBase
	}
	return o
}

// Client enforces the timeout and retry budget around a Backend. The whole
// operation is bounded by a single wall-clock deadline, so a sustained outage
// can never turn into an unbounded retry chain.
type Client struct {
	backend  Backend
	opts     Options
	deadline time.Duration
}

// NewClient wraps backend with the given failure budget.
func NewClient(backend Backend, opts Options) *Client {
	opts = opts.normalize()
	return &Client{
		backend:  backend,
		opts:     opts,
		deadline: deadlineFor(opts),
	}
}

// deadlineFor returns timeout*(maxRetries+1) plus the largest possible sum of
// backoff waits.
func deadlineFor(o Options) time.Duration {
	total := o.Timeout * time.Duration(o.MaxRetries+1)
	wait := o.BackoffBase
	for i := 0; i < o.MaxRetries; i++ {
		total += time.Duration(float64(min(wait, o.BackoffCap)) * (1 + backoffJitter))
		wait *= 2
	}
	return total
}

// Deadline returns the upper bound on the duration of a single Increment.
func (c *Client) Deadline() time.Duration {
	return c.deadline
}

// Options returns the effective failure budget.
func (c *Client) Options() Options {
	return c.opts
}

// Increment increments key, creating it with the given ttl if absent, and
// reports the outcome as a Result. It never returns later than Deadline().
func (c *Client) Increment(ctx context.Context, key string, ttl time.Duration) Result {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	attempts := 0
	count, err := backoff.Retry(opCtx, func() (int64, error) {
		attempts++
		return c.attempt(opCtx, key, ttl)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(c.deadline),
	)

	res := Result{Attempts: attempts, Elapsed: time.Since(start)}
	if err != nil {
		res.Status = classify(err)
		res.Cause = err
		return res
	}
	res.Count = count
	res.Status = StatusOK
	return res
}

// IncrementAndGet is Increment in (value, error) form. The error wraps
// ErrUnavailable.
func (c *Client) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res := c.Increment(ctx, key, ttl)
	return res.Count, res.Err()
}

// Ping performs one liveness probe, abandoned when ctx expires.
func (c *Client) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.backend.Ping(ctx)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("counter store ping: %w", ctx.Err())
	}
}

// Close closes the backend.
func (c *Client) Close() error {
	return c.backend.Close()
}

// attempt runs one backend round trip under the per-attempt timeout. A reply
// arriving after the timeout is discarded.
func (c *Client) attempt(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	type reply struct {
		count int64
		err   error
	}
	ch := make(chan reply, 1)
	go func() {
		n, err := c.backend.Increment(attemptCtx, key, ttl)
		ch <- reply{count: n, err: err}
	}()

	select {
	case r := <-ch:
		return r.count, r.err
	case <-attemptCtx.Done():
		return 0, fmt.Errorf("counter store attempt: %w", attemptCtx.Err())
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffBase
	b.MaxInterval = c.opts.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = backoffJitter
	return b
}

func classify(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}
	return StatusUnavailable
}
