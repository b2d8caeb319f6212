package safety

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/orion/safetynet/internal/logging"
)

func TestWatchdogReportsStaleAfterTimeout(t *testing.T) {
	stale := make(chan struct{})

	w := NewTelemetryWatchdog(50*time.Millisecond, logging.Discard(), func() {
		close(stale)
	}, nil)
	defer w.Stop()

	select {
	case <-stale:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Watchdog did not report stale telemetry within expected time")
	}

	if !w.IsStale() {
		t.Error("Expected IsStale() to return true after timeout")
	}
}

func TestWatchdogResetKeepsTelemetryFresh(t *testing.T) {
	callCount := int32(0)

	w := NewTelemetryWatchdog(100*time.Millisecond, logging.Discard(), func() {
		atomic.AddInt32(&callCount, 1)
	}, nil)
	defer w.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		w.Reset()
	}

	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&callCount) != 0 {
		t.Errorf("Expected onStale not to be called, but was called %d times", callCount)
	}
	if w.IsStale() {
		t.Error("Expected IsStale() to be false while telemetry keeps arriving")
	}
}

func TestWatchdogResetAfterStaleResumes(t *testing.T) {
	stale := make(chan struct{}, 2)
	resumed := int32(0)

	w := NewTelemetryWatchdog(50*time.Millisecond, logging.Discard(),
		func() { stale <- struct{}{} },
		func() { atomic.AddInt32(&resumed, 1) },
	)
	defer w.Stop()

	<-stale

	w.Reset()

	if w.IsStale() {
		t.Error("Expected IsStale() to be false after telemetry resumed")
	}
	if atomic.LoadInt32(&resumed) != 1 {
		t.Errorf("Expected onResume to be called once, got %d", resumed)
	}

	// The timer restarts, so a second silent period is reported again.
	select {
	case <-stale:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Watchdog did not report the second silent period")
	}
}

func TestWatchdogStaleCallbackRunsOncePerSilence(t *testing.T) {
	callCount := int32(0)

	w := NewTelemetryWatchdog(50*time.Millisecond, logging.Discard(), func() {
		atomic.AddInt32(&callCount, 1)
	}, nil)
	defer w.Stop()

	time.Sleep(200 * time.Millisecond)

	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("Expected onStale to be called exactly once, but was called %d times", callCount)
	}
}

func TestWatchdogResumeNotCalledWhenFresh(t *testing.T) {
	resumed := int32(0)

	w := NewTelemetryWatchdog(time.Second, logging.Discard(), nil, func() {
		atomic.AddInt32(&resumed, 1)
	})
	defer w.Stop()

	w.Reset()
	w.Reset()

	if atomic.LoadInt32(&resumed) != 0 {
		t.Errorf("Expected onResume not to be called, got %d", resumed)
	}
}

func TestWatchdogConcurrentResetSafe(t *testing.T) {
	callCount := int32(0)

	w := NewTelemetryWatchdog(100*time.Millisecond, logging.Discard(), func() {
		atomic.AddInt32(&callCount, 1)
	}, nil)
	defer w.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				w.Reset()
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&callCount) != 0 {
		t.Errorf("Expected onStale not to be called during concurrent resets, but was called %d times", callCount)
	}
}

func TestWatchdogRemainingMs(t *testing.T) {
	w := NewTelemetryWatchdog(200*time.Millisecond, logging.Discard(), nil, nil)
	defer w.Stop()

	remaining := w.RemainingMs()
	if remaining < 150 || remaining > 200 {
		t.Errorf("Expected remaining to be ~200ms, got %dms", remaining)
	}

	time.Sleep(100 * time.Millisecond)

	remaining = w.RemainingMs()
	if remaining < 50 || remaining > 150 {
		t.Errorf("Expected remaining to be ~100ms after waiting, got %dms", remaining)
	}

	w.Reset()
	remaining = w.RemainingMs()
	if remaining < 150 || remaining > 200 {
		t.Errorf("Expected remaining to be ~200ms after reset, got %dms", remaining)
	}
}

func TestWatchdogStop(t *testing.T) {
	callCount := int32(0)

	w := NewTelemetryWatchdog(50*time.Millisecond, logging.Discard(), func() {
		atomic.AddInt32(&callCount, 1)
	}, nil)

	w.Stop()
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&callCount) != 0 {
		t.Errorf("Expected onStale not to be called after Stop, but was called %d times", callCount)
	}
	if w.RemainingMs() != 0 {
		t.Errorf("Expected RemainingMs() to be 0 after Stop, got %d", w.RemainingMs())
	}
}

func TestWatchdogResetAdvancesLastSeen(t *testing.T) {
	w := NewTelemetryWatchdog(time.Second, logging.Discard(), nil, nil)
	defer w.Stop()

	started := w.LastSeen()
	if started.IsZero() {
		t.Fatal("Expected LastSeen to start at construction time")
	}

	time.Sleep(10 * time.Millisecond)
	w.Reset()

	if !w.LastSeen().After(started) {
		t.Errorf("Expected LastSeen to advance after Reset, got %v (started %v)", w.LastSeen(), started)
	}
}
