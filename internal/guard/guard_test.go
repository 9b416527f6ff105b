package guard

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T) (*InFlight, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test:inflight"), rdb
}

func TestAcquireRejectsDuplicate(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "42", "hello"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := g.Acquire(ctx, "42", "hello"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Different text on the same channel is not a duplicate.
	if err := g.Acquire(ctx, "42", "other"); err != nil {
		t.Fatalf("acquire other text: %v", err)
	}
	// Same text on another channel is not a duplicate either.
	if err := g.Acquire(ctx, "43", "hello"); err != nil {
		t.Fatalf("acquire other channel: %v", err)
	}
}

func TestReleaseMakesKeyReusable(t *testing.T) {
	g, rdb := newTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "42", "hello"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Release(ctx, "42", "hello"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := g.Acquire(ctx, "42", "hello"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	if err := g.Release(ctx, "42", "hello"); err != nil {
		t.Fatalf("second release: %v", err)
	}

	n, err := rdb.LLen(ctx, "test:inflight:42").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty in-flight list, got %d entries", n)
	}
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	g, _ := newTestGuard(t)
	if err := g.Release(context.Background(), "42", "never-acquired"); err != nil {
		t.Fatalf("release on empty list: %v", err)
	}
}

func TestConcurrentAcquireAdmitsExactlyOne(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Acquire(ctx, "7", "same question")
		}()
	}
	wg.Wait()
	close(results)

	accepted, duplicates := 0, 0
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrDuplicate):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || duplicates != workers-1 {
		t.Fatalf("expected 1 accepted and %d duplicates, got %d/%d", workers-1, accepted, duplicates)
	}
}
