package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "SP0123456789AB")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer release()
			// Non-atomic increment; lost updates mean exclusion is broken.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("counter = %d, want %d", got, n)
	}
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal()

	release, err := l.Lock(context.Background(), "busy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "busy"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestLocal_ReleaseIsIdempotent(t *testing.T) {
	l := NewLocal()
	release, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	// A second release must be a no-op.
	r1, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); err == nil {
		t.Fatal("second holder acquired a held lock")
	}
	r1()
}

func TestLocal_ReacquireAfterRelease(t *testing.T) {
	l := NewLocal()
	for i := 0; i < 3; i++ {
		release, err := l.Lock(context.Background(), "again")
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		release()
	}
}
