package memtrace

import (
	"context"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// TestConcurrentAllocFree drives many goroutines through Alloc/Free on a
// shared Tracer at once, the way concurrent request handlers would, and
// checks the tracked totals settle back to zero once every goroutine has
// freed what it allocated. The allocation and bookkeeping tables are only
// ever mutated under the tracker's own mutex, so this is mainly a race
// detector exercise.
func TestConcurrentAllocFree(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelStacks, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const goroutines = 32
	const perGoroutine = 64

	g, _ := errgroup.WithContext(context.Background())

	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			ptrs := make([]unsafe.Pointer, 0, perGoroutine)

			for j := 0; j < perGoroutine; j++ {
				ptrs = append(ptrs, tr.Alloc(uintptr(16+j%32)))
			}

			for _, p := range ptrs {
				tr.Free(p)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}

	if got := tr.LiveCount(); got != 0 {
		t.Fatalf("LiveCount after all goroutines freed = %d, want 0", got)
	}

	if got := tr.LiveBytes(); got != 0 {
		t.Fatalf("LiveBytes after all goroutines freed = %d, want 0", got)
	}
}

// TestConcurrentDumpDuringTraffic exercises buildReport while allocation
// traffic is ongoing: it must never panic or deadlock, regardless of what
// it happens to observe.
func TestConcurrentDumpDuringTraffic(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelStacks, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	g, _ := errgroup.WithContext(context.Background())

	stop := make(chan struct{})

	g.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
				p := tr.Alloc(32)
				tr.Free(p)
			}
		}
	})

	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_ = tr.state.buildReport()

			return nil
		})
	}

	close(stop)

	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}
}
