// Package ratelimit provides fixed-window admission control for HTTP requests
// backed by a shared counter store. The limiter fails open: when the store
// cannot answer within its budget, requests are admitted in degraded mode and
// counted, never denied. It includes HTTP middleware that sets standard rate
// limit response headers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"gatekeeper/internal/counterstore"

	"golang.org/x/time/rate"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Allow Decision = iota
	Deny
	AllowDegraded
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case AllowDegraded:
		return "allow_degraded"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Key identifies whose requests are counted together. Scope is one of ip,
// user or api-key.
type Key struct {
	Scope      string
	Identifier string
	Route      string
}

func (k Key) String() string {
	return k.Scope + ":" + k.Identifier + ":" + k.Route
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int64         // Maximum requests per window
	Remaining  int64         // Requests left in the window; 0 when unknown
	ResetAt    time.Time     // When the current window ends
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}

// Result is the outcome of Limiter.Check.
type Result struct {
	Decision Decision
	Info
	// Count is the window count after this request. Zero in degraded mode.
	Count int64
	// StoreStatus explains a degraded admission.
	StoreStatus counterstore.Status
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool {
	return r.Decision != Deny
}

// Degraded reports whether the request was admitted without a count.
func (r Result) Degraded() bool {
	return r.Decision == AllowDegraded
}

// Counter is the store the limiter counts with. *counterstore.Client
// implements it. Increment must bound its own duration.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) counterstore.Result
}

// Observer is notified of every check. Implementations must not block.
type Observer interface {
	ObserveCheck(key Key, decision Decision, reason string)
}

// Limiter is a fixed-window rate limiter. It is safe for concurrent use.
type Limiter struct {
	store    Counter
	prefix   string
	now      func() time.Time
	observer Observer

	degraded   atomic.Int64
	logLimiter *rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix namespaces every store key.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithClock replaces time.Now for window boundary computation.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithObserver registers an observer for check outcomes.
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// WithDegradedLogEvery limits degraded-mode warnings to one per interval.
func WithDegradedLogEvery(every time.Duration) Option {
	return func(l *Limiter) {
		if every > 0 {
			l.logLimiter = rate.NewLimiter(rate.Every(every), 1)
		}
	}
}

// New creates a limiter counting through store.
func New(store Counter, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		now:        time.Now,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request for key in the current window and decides whether
// to admit it. A count up to and including limit is allowed. Any counter
// store failure admits the request as AllowDegraded.
//
// The increment does not end when ctx is canceled: a caller that hangs up
// still counts, and only the store's own deadline can turn the check into
// AllowDegraded.
func (l *Limiter) Check(ctx context.Context, key Key, limit int64, window time.Duration) Result {
	windowMs := max(window.Milliseconds(), 1)
	window = time.Duration(windowMs) * time.Millisecond

	nowMs := l.now().UnixMilli()
	windowStart := nowMs - nowMs%windowMs
	resetAt := time.UnixMilli(windowStart + windowMs)

	res := l.store.Increment(context.WithoutCancel(ctx), l.storeKey(key, windowStart), window)
	if !res.OK() {
		return l.degrade(key, limit, resetAt, res)
	}

	result := Result{
		Info: Info{
			Limit:     limit,
			Remaining: max(limit-res.Count, 0),
			ResetAt:   resetAt,
		},
		Count:       res.Count,
		StoreStatus: counterstore.StatusOK,
	}
	if res.Count <= limit {
		result.Decision = Allow
	} else {
		result.Decision = Deny
		result.RetryAfter = time.Duration(windowStart+windowMs-nowMs) * time.Millisecond
	}

	l.notify(key, result.Decision, "")
	return result
}

// DegradedCount returns the number of requests admitted in degraded mode.
func (l *Limiter) DegradedCount() int64 {
	return l.degraded.Load()
}

func (l *Limiter) degrade(key Key, limit int64, resetAt time.Time, res counterstore.Result) Result {
	total := l.degraded.Add(1)

	if l.logLimiter.Allow() {
		slog.Warn("Counter store unavailable, admitting request in degraded mode",
			"key", key.String(),
			"status", res.Status.String(),
			"attempts", res.Attempts,
			"elapsed", res.Elapsed,
			"error", res.Cause,
			"degraded_total", total,
		)
	}

	l.notify(key, AllowDegraded, res.Status.String())
	return Result{
		Decision:    AllowDegraded,
		Info:        Info{Limit: limit, ResetAt: resetAt},
		StoreStatus: res.Status,
	}
}

func (l *Limiter) notify(key Key, d Decision, reason string) {
	if l.observer != nil {
		l.observer.ObserveCheck(key, d, reason)
	}
}

// storeKey derives the counter key of the window starting at windowStart.
func (l *Limiter) storeKey(key Key, windowStart int64) string {
	return l.prefix + "rl:" + key.String() + ":" + strconv.FormatInt(windowStart, 10)
}
