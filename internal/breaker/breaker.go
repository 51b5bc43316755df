// Package breaker implements per-upstream circuit breakers.
//
// A breaker is CLOSED until, within one rolling window, at least
// VolumeThreshold calls have completed and the error share reaches
// ErrorThresholdPercent. It then stays OPEN for ResetTimeout, after which the
// next caller is let through as the single HALF_OPEN trial: success closes the
// breaker, failure reopens it. There are no timers; the OPEN to HALF_OPEN move
// happens on the first call after the timeout has elapsed.
//
// All mutations of one breaker are serialized by its own mutex. No lock is
// held while the protected call runs.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gatekeeper/internal/models"
)

// ErrOpen is returned by Allow when the call must not be attempted.
var ErrOpen = errors.New("circuit breaker is open")

// State is the position of a breaker in its state machine. The numeric value
// is exported as the circuit_breaker_state gauge.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Settings are the thresholds of one breaker.
type Settings struct {
	ErrorThresholdPercent float64
	VolumeThreshold       int
	ResetTimeout          time.Duration
	RollingWindow         time.Duration
}

// SettingsFrom converts configured circuit settings.
func SettingsFrom(cs models.CircuitSettings) Settings {
	return Settings{
		ErrorThresholdPercent: cs.ErrorThresholdPercent,
		VolumeThreshold:       cs.VolumeThreshold,
		ResetTimeout:          cs.ResetTimeout(),
		RollingWindow:         cs.RollingWindow(),
	}
}

// Transition describes a state change.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// TransitionFunc is called for every state change while the breaker's lock is
// held. It must not block or call back into the breaker.
type TransitionFunc func(Transition)

// Stats is a point-in-time copy of a breaker's bookkeeping.
type Stats struct {
	State                State
	ConsecutiveSuccesses int
	RollingErrors        int
	RollingVolume        int
	WindowStart          time.Time
	OpenedAt             time.Time // zero unless the breaker has opened
	TrialInFlight        bool
}

// Permit is handed out by Allow and must be returned through exactly one of
// Record or Release.
type Permit struct {
	trial      bool
	generation uint64
}

// Trial reports whether the permit is the HALF_OPEN trial.
func (p Permit) Trial() bool {
	return p.trial
}

type options struct {
	now      func() time.Time
	onChange TransitionFunc
	onCreate func(name string)
}

// Option configures breakers and registries.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTransitionHook registers fn for every state change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(o *options) { o.onChange = fn }
}

// WithCreateHook registers fn for every breaker a Registry creates. It runs
// under the registry lock.
func WithCreateHook(fn func(name string)) Option {
	return func(o *options) { o.onCreate = fn }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Breaker is the circuit breaker of one upstream.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange TransitionFunc

	mu                   sync.Mutex
	state                State
	consecutiveSuccesses int
	errors               int
	volume               int
	windowStart          time.Time
	openedAt             time.Time
	trialInFlight        bool
	generation           uint64 // bumped on every transition
}

// New creates a CLOSED breaker.
func New(name string, settings Settings, opts ...Option) *Breaker {
	o := buildOptions(opts)
	return newBreaker(name, settings, o)
}

func newBreaker(name string, settings Settings, o options) *Breaker {
	return &Breaker{
		name:        name,
		settings:    settings,
		now:         o.now,
		onChange:    o.onChange,
		state:       Closed,
		windowStart: o.now(),
	}
}

// Name returns the upstream identifier.
func (b *Breaker) Name() string {
	return b.name
}

// Allow decides whether a call may be attempted. It returns ErrOpen while the
// breaker is OPEN and, in HALF_OPEN, to every caller but the one holding the
// trial.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		now := b.now()
		if now.Sub(b.openedAt) < b.settings.ResetTimeout {
			return Permit{}, ErrOpen
		}
		b.transition(HalfOpen, now)
		fallthrough
	case HalfOpen:
		if b.trialInFlight {
			return Permit{}, ErrOpen
		}
		b.trialInFlight = true
		return Permit{trial: true, generation: b.generation}, nil
	default:
		return Permit{generation: b.generation}, nil
	}
}

// Record reports the outcome of a permitted call. Outcomes of calls admitted
// before the most recent transition are ignored.
func (b *Breaker) Record(p Permit, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if p.trial {
		if p.generation != b.generation || b.state != HalfOpen {
			return
		}
		b.trialInFlight = false
		if success {
			b.transition(Closed, now)
			b.consecutiveSuccesses = 1
		} else {
			b.trip(now)
		}
		return
	}

	if p.generation != b.generation || b.state != Closed {
		return
	}

	if now.Sub(b.windowStart) >= b.settings.RollingWindow {
		b.resetWindow(now)
	}

	b.volume++
	if success {
		b.consecutiveSuccesses++
	} else {
		b.errors++
		b.consecutiveSuccesses = 0
	}

	// volume gate first, then the error share
	if b.volume >= b.settings.VolumeThreshold &&
		float64(b.errors)*100 >= b.settings.ErrorThresholdPercent*float64(b.volume) {
		b.trip(now)
	}
}

// Release returns a permit without recording an outcome, for calls abandoned
// by their caller. A released trial frees the HALF_OPEN slot for the next
// caller.
func (b *Breaker) Release(p Permit) {
	if !p.trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.generation == b.generation && b.state == HalfOpen {
		b.trialInFlight = false
	}
}

// State returns the current state. An OPEN breaker whose reset timeout has
// elapsed still reports OPEN until the next call arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a copy of the breaker's bookkeeping.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:                b.state,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		RollingErrors:        b.errors,
		RollingVolume:        b.volume,
		WindowStart:          b.windowStart,
		OpenedAt:             b.openedAt,
		TrialInFlight:        b.trialInFlight,
	}
}

// trip opens the breaker and restarts the reset timer. Caller must hold lock.
func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.transition(Open, now)
}

func (b *Breaker) resetWindow(now time.Time) {
	b.windowStart = now
	b.errors = 0
	b.volume = 0
}

// transition moves to state to. Caller must hold lock.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to
	b.generation++

	switch to {
	case Closed:
		b.resetWindow(now)
		b.consecutiveSuccesses = 0
	case HalfOpen:
		b.trialInFlight = false
	case Open:
		b.consecutiveSuccesses = 0
	}

	if b.onChange != nil {
		b.onChange(Transition{Name: b.name, From: from, To: to, At: now})
	}
}
