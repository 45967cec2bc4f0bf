package timeutil_test

import (
	"sync"
	"testing"
	"time"

	"github.com/halvar/siptx/internal/timeutil"
)

func TestTimer_ZeroDurationFiresSynchronously(t *testing.T) {
	t.Parallel()

	tmr := timeutil.NewTimer()
	fired := false
	tmr.Arm(0, func() { fired = true })

	if !fired {
		t.Fatal("Arm(0, f) did not run f synchronously")
	}
	if tmr.State() != timeutil.StateFired {
		t.Fatalf("State() = %v, want %v", tmr.State(), timeutil.StateFired)
	}
}

func TestTimer_ArmFiresAfterDuration(t *testing.T) {
	t.Parallel()

	tmr := timeutil.NewTimer()
	done := make(chan struct{})
	tmr.Arm(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if tmr.State() != timeutil.StateFired {
		t.Fatalf("State() = %v, want %v", tmr.State(), timeutil.StateFired)
	}
}

func TestTimer_CancelBeforeFireIsIdempotent(t *testing.T) {
	t.Parallel()

	tmr := timeutil.NewTimer()
	tmr.Arm(time.Hour, func() {})

	if !tmr.Cancel() {
		t.Fatal("Cancel() = false on first call, want true")
	}
	if tmr.Cancel() {
		t.Fatal("Cancel() = true on second call, want false (idempotent)")
	}
	if tmr.State() != timeutil.StateCanceled {
		t.Fatalf("State() = %v, want %v", tmr.State(), timeutil.StateCanceled)
	}
}

func TestTimer_RearmCancelsPrevious(t *testing.T) {
	t.Parallel()

	tmr := timeutil.NewTimer()
	var fired int
	var mu sync.Mutex
	tmr.Arm(20*time.Millisecond, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	tmr.Rearm(5*time.Millisecond, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (rearm must cancel the previous schedule)", fired)
	}
}
