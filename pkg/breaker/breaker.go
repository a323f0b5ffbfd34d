// Package breaker implements a per-handler circuit breaker bank. State is
// deliberately local to the running instance: each engine replica converges
// on handler health independently, trading slower global convergence for
// zero coordination overhead.
package breaker

import (
	"errors"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
)

// ErrCircuitOpen rejects an invocation without any network attempt.
var ErrCircuitOpen = errors.New("circuit open")

// State of one breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Defaults per handler.
const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 30 * time.Second
)

type entry struct {
	state         State
	failures      int
	lastTransit   time.Time
	probeInflight bool
}

// Bank tracks one breaker per handler identity, created lazily on first use.
type Bank struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// Option configures a Bank.
type Option func(*Bank)

// WithThreshold overrides the consecutive-failure threshold.
func WithThreshold(n int) Option {
	return func(b *Bank) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithOpenDuration overrides how long an opened breaker rejects calls.
func WithOpenDuration(d time.Duration) Option {
	return func(b *Bank) {
		if d > 0 {
			b.openFor = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bank) { b.now = now }
}

// NewBank returns a Bank with the given options applied over the defaults.
func NewBank(opts ...Option) *Bank {
	b := &Bank{
		entries:   map[string]*entry{},
		threshold: DefaultFailureThreshold,
		openFor:   DefaultOpenDuration,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bank) get(identity string) *entry {
	e, ok := b.entries[identity]
	if !ok {
		e = &entry{state: Closed}
		b.entries[identity] = e
	}
	return e
}

// Allow reports whether a call to the handler may proceed. In the Open state
// it fails fast with ErrCircuitOpen until the open window elapses; then the
// breaker turns HalfOpen and admits exactly one probe at a time.
func (b *Bank) Allow(identity string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(identity)
	switch e.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(e.lastTransit) < b.openFor {
			return ErrCircuitOpen
		}
		b.transition(identity, e, HalfOpen)
		e.probeInflight = true
		return nil
	default: // HalfOpen
		if e.probeInflight {
			return ErrCircuitOpen
		}
		e.probeInflight = true
		return nil
	}
}

// ReportSuccess records a successful call. In Closed it zeroes the
// consecutive-failure counter; in HalfOpen the probe success closes the
// breaker.
func (b *Bank) ReportSuccess(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(identity)
	e.failures = 0
	if e.state != Closed {
		b.transition(identity, e, Closed)
	}
	e.probeInflight = false
}

// ReportFailure records a failed call. Reaching the threshold of consecutive
// failures opens the breaker; a failed HalfOpen probe reopens it and
// restarts the window. Cancellations must not be reported at all: a caller
// hanging up says nothing about handler health.
func (b *Bank) ReportFailure(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(identity)
	e.probeInflight = false
	switch e.state {
	case HalfOpen:
		b.transition(identity, e, Open)
	case Closed:
		e.failures++
		if e.failures >= b.threshold {
			b.transition(identity, e, Open)
		}
	case Open:
		// late failure report while already open; keep the window as-is
	}
}

// ReportCancel releases the probe slot without a health verdict. A caller
// hanging up says nothing about the handler, but the HalfOpen probe slot
// must not stay reserved for a call that no longer exists.
func (b *Bank) ReportCancel(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[identity]; ok {
		e.probeInflight = false
	}
}

// StateOf returns the current state for admin introspection, resolving an
// elapsed Open window to HalfOpen the way Allow would.
func (b *Bank) StateOf(identity string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[identity]
	if !ok {
		return Closed
	}
	if e.state == Open && b.now().Sub(e.lastTransit) >= b.openFor {
		return HalfOpen
	}
	return e.state
}

// Snapshot returns identity -> state for every breaker seen so far.
func (b *Bank) Snapshot() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.entries))
	for id, e := range b.entries {
		s := e.state
		if s == Open && b.now().Sub(e.lastTransit) >= b.openFor {
			s = HalfOpen
		}
		out[id] = s.String()
	}
	return out
}

// transition requires b.mu held.
func (b *Bank) transition(identity string, e *entry, to State) {
	from := e.state
	e.state = to
	e.lastTransit = b.now()
	if to == Closed {
		e.failures = 0
	}
	metrics.SetBreakerState(identity, int(to))
	logger.Info("breaker_transition", "handler", identity, "from", from.String(), "to", to.String())
}
