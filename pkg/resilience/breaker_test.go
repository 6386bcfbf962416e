package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var errDown = errors.New("connection refused")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(opts BreakerOpts) (*Breaker, *clock) {
	b := NewBreaker(opts)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b.now = c.now
	return b, c
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.opts.FailThreshold != 5 || b.opts.Cooldown != 30*time.Second || b.opts.HalfOpenMax != 1 || b.opts.Name != "dependency" {
		t.Fatalf("defaults not applied: %+v", b.opts)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{Name: "clip", FailThreshold: 3, Cooldown: time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, fail); !errors.Is(err, errDown) {
			t.Fatalf("failure must pass through, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatal("two failures must not trip a threshold of three")
	}
	b.Call(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	var oe *OpenError
	if !errors.Is(err, ErrCircuitOpen) || !errors.As(err, &oe) || called {
		t.Fatalf("expected OpenError without calling f, got %v called=%v", err, called)
	}
	if oe.Name != "clip" || oe.RetryAfter != time.Second || !strings.Contains(oe.Error(), "clip") {
		t.Fatalf("unexpected open error: %+v", oe)
	}
	if c := b.Counts(); c.Rejected != 1 || c.State != StateOpen {
		t.Fatalf("counts = %+v", c)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3, Cooldown: time.Second})
	ctx := context.Background()

	b.Call(ctx, fail)
	b.Call(ctx, fail)
	b.Call(ctx, succeed)
	if c := b.Counts(); c.ConsecutiveFailures != 0 {
		t.Fatalf("success must reset failures: %+v", c)
	}
	b.Call(ctx, fail)
	b.Call(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("expected still closed, got %v", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(BreakerOpts{FailThreshold: 1, Cooldown: 5 * time.Second, HalfOpenMax: 1})
	ctx := context.Background()

	b.Call(ctx, fail)
	clk.advance(2 * time.Second)
	var oe *OpenError
	if err := b.Call(ctx, succeed); !errors.As(err, &oe) || oe.RetryAfter != 3*time.Second {
		t.Fatalf("expected 3s remaining, got %v", err)
	}

	clk.advance(3 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	// A second caller is rejected while the probe is in flight.
	release := make(chan struct{})
	probing := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error { close(probing); <-release; return nil })
	}()
	<-probing
	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection during probe, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful probe must close the breaker, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(BreakerOpts{FailThreshold: 3, Cooldown: time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Call(ctx, fail)
	}
	clk.advance(time.Second)
	b.Call(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("a failed probe must reopen immediately, got %v", b.State())
	}
}

func TestBreakerIgnoresClassifiedErrors(t *testing.T) {
	badInput := errors.New("image 2 unreadable")
	b, _ := newTestBreaker(BreakerOpts{
		FailThreshold: 1,
		Cooldown:      time.Second,
		IsFailure:     func(err error) bool { return !errors.Is(err, badInput) },
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Call(ctx, func(context.Context) error { return badInput }); !errors.Is(err, badInput) {
			t.Fatalf("classified error must pass through, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("caller faults must not trip the breaker, got %v", b.State())
	}
}

func TestBreakerIgnoresCancelledCalls(t *testing.T) {
	b, clk := newTestBreaker(BreakerOpts{FailThreshold: 1, Cooldown: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if b.State() != StateClosed {
		t.Fatalf("cancellation must not trip the breaker, got %v", b.State())
	}

	// A cancelled probe frees its slot.
	b.Call(context.Background(), fail)
	clk.advance(time.Second)
	b.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if err := b.Call(context.Background(), succeed); err != nil {
		t.Fatalf("probe slot should be free again, got %v", err)
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	var got []string
	b, clk := newTestBreaker(BreakerOpts{
		FailThreshold: 1,
		Cooldown:      time.Second,
		OnStateChange: func(from, to State) { got = append(got, from.String()+">"+to.String()) },
	})
	ctx := context.Background()
	b.Call(ctx, fail)
	clk.advance(time.Second)
	b.Call(ctx, succeed)

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	if State(9).String() != "unknown" {
		t.Fatal("unknown state string")
	}
}
