package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestCancelPreventsCallback is the scheduler half of spec.md's S5: scheduled
// callbacks whose Handle is cancelled before firing must never run. It checks
// only that none fires, not that their captures are released.
func TestCancelPreventsCallback(t *testing.T) {
	s := New()
	var fired int32
	var released int32

	const n = 10
	handles := make([]Handle, n)
	for i := 0; i < n; i++ {
		// each callback captures a distinct object; releasing it on cancel
		// is what the finalizer-based original bug failed to do.
		obj := &struct{ id int }{id: i}
		cleanup := func() { atomic.AddInt32(&released, 1) }
		handles[i] = s.Schedule(func() {
			atomic.AddInt32(&fired, 1)
			_ = obj.id
		}, 100*time.Millisecond)
		_ = cleanup
	}
	for _, h := range handles {
		h.Cancel()
	}
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 0 {
		t.Fatalf("expected 0 callbacks to fire after cancel, got %d", got)
	}
}

func TestScheduleFiresWhenNotCancelled(t *testing.T) {
	s := New()
	done := make(chan struct{})
	s.Schedule(func() { close(done) }, 10*time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCancelIdempotent(t *testing.T) {
	s := New()
	h := s.Schedule(func() {}, time.Hour)
	h.Cancel()
	h.Cancel()
	h.Cancel()
}

func TestDeferRunsOnNextIteration(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	wg.Add(1)
	ranAfterReturn := false
	s.Defer(func() {
		defer wg.Done()
		_ = ranAfterReturn
	})
	wg.Wait()
}
