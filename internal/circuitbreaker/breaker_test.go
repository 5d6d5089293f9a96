package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", threshold, cooldown)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_PassesThroughWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if err := b.Execute(succeed); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := b.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected fn error to pass through, got %v", err)
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	if b.State() != StateClosed {
		t.Fatalf("expected closed before threshold, got %v", b.State())
	}

	_ = b.Execute(fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Execute(fail)
	_ = b.Execute(succeed)
	_ = b.Execute(fail)
	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures should not trip, got %v", b.State())
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	_ = b.Execute(fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	clock.Advance(31 * time.Second)
	if err := b.Execute(succeed); err != nil {
		t.Fatalf("trial call should run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful trial call, got %v", b.State())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	_ = b.Execute(fail)
	clock.Advance(31 * time.Second)

	if err := b.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("trial call should run and fail, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopened, got %v", b.State())
	}
	if err := b.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen right after failed trial call, got %v", err)
	}
}

func TestBreaker_RejectsConcurrentProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	_ = b.Execute(fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("second call during trial call should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call returned %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
