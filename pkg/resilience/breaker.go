// Package resilience guards calls to remote dependencies, such as the CLIP
// embedding service, with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected until the cooldown ends
	StateHalfOpen              // a limited number of probes may pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen matches every *OpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned for calls rejected by an open breaker.
type OpenError struct {
	Name string
	// RetryAfter is the remaining cooldown. Zero while half-open probes are
	// in flight.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: circuit open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: circuit open, probe in flight", e.Name)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// Name identifies the guarded dependency in errors.
	Name string
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
	// IsFailure classifies errors. Errors it rejects are returned to the
	// caller without counting against the dependency. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called after every transition with the breaker lock
	// held. It must not call back into the breaker.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts is tuned for a single embedding service.
var DefaultBreakerOpts = BreakerOpts{
	Name:          "dependency",
	FailThreshold: 5,
	Cooldown:      30 * time.Second,
	HalfOpenMax:   1,
}

// Counts is a snapshot of breaker bookkeeping.
type Counts struct {
	State               State
	ConsecutiveFailures int
	Rejected            uint64
}

// Breaker is a closed/open/half-open circuit breaker. It is safe for
// concurrent use.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	rejected uint64
	openedAt time.Time
	probes   int
	now      func() time.Time
}

// NewBreaker creates a circuit breaker. Zero fields take DefaultBreakerOpts.
func NewBreaker(opts BreakerOpts) *Breaker {
	def := DefaultBreakerOpts
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = def.FailThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = def.Cooldown
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = def.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh()
}

// Counts returns a snapshot of the breaker.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{State: b.refresh(), ConsecutiveFailures: b.failures, Rejected: b.rejected}
}

// refresh moves open to half-open once the cooldown has passed. Must hold mu.
func (b *Breaker) refresh() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Cooldown {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// transition must hold mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probes = 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.failures = 0
	case StateClosed:
		b.failures = 0
	}
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

// admit reserves a slot for one call or returns the rejection. Must hold mu.
func (b *Breaker) admit() error {
	switch b.refresh() {
	case StateOpen:
		b.rejected++
		return &OpenError{Name: b.opts.Name, RetryAfter: b.opts.Cooldown - b.now().Sub(b.openedAt)}
	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenMax {
			b.rejected++
			return &OpenError{Name: b.opts.Name}
		}
		b.probes++
	}
	return nil
}

// Call runs f unless the breaker is open. Errors from a cancelled ctx and
// errors IsFailure rejects leave the breaker untouched.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	if err := b.admit(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
	case ctx.Err() != nil:
		if b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	case b.opts.IsFailure != nil && !b.opts.IsFailure(err):
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
	default:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.transition(StateOpen)
		}
	}
	return err
}
