package safety

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TelemetryWatchdog tracks whether telemetry is still arriving from the vehicle link.
//
// The safety net is fail-open: when telemetry stops, no further action can be
// taken. The watchdog only makes that visible.
//
// Invariants:
//   - Reset MUST be called on every telemetry message
//   - onStale runs once per silent period; onResume runs on the first Reset after it
//   - Callbacks run without the watchdog lock held
//   - Thread-safe (Reset is called from the link goroutine, readers from status)
type TelemetryWatchdog struct {
	timeout  time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	stale    bool
	stopped  bool
	onStale  func()
	onResume func()
	logger   *logrus.Entry
	lastSeen time.Time
	gen      uint64
}

// NewTelemetryWatchdog starts a watchdog that reports staleness after timeout
// without a Reset. Either callback may be nil.
func NewTelemetryWatchdog(timeout time.Duration, logger *logrus.Entry, onStale, onResume func()) *TelemetryWatchdog {
	w := &TelemetryWatchdog{
		timeout:  timeout,
		onStale:  onStale,
		onResume: onResume,
		logger:   logger,
		lastSeen: time.Now(),
	}

	w.timer = w.schedule()
	w.logger.Infof("telemetry watchdog armed with %v timeout", timeout)

	return w
}

// schedule starts a timer for the current generation. Caller holds mu, or
// has exclusive access during construction.
func (w *TelemetryWatchdog) schedule() *time.Timer {
	w.gen++
	gen := w.gen
	return time.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *TelemetryWatchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.stale || w.stopped {
		w.mu.Unlock()
		return
	}
	w.stale = true
	silent := time.Since(w.lastSeen)
	callback := w.onStale
	w.mu.Unlock()

	w.logger.Warnf("no telemetry for %v - safety net cannot act until the link recovers", silent.Round(time.Millisecond))
	if callback != nil {
		callback()
	}
}

// Reset records a telemetry message and restarts the timer.
func (w *TelemetryWatchdog) Reset() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}

	wasStale := w.stale
	w.stale = false
	w.timer.Stop()
	w.lastSeen = time.Now()
	w.timer = w.schedule()
	callback := w.onResume
	w.mu.Unlock()

	if wasStale {
		w.logger.Info("telemetry resumed")
		if callback != nil {
			callback()
		}
	}
}

// Stop stops the timer (for cleanup).
func (w *TelemetryWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.timer.Stop()
	w.logger.Info("telemetry watchdog stopped")
}

// IsStale reports whether the timeout elapsed since the last telemetry message.
func (w *TelemetryWatchdog) IsStale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stale
}

// LastSeen returns when telemetry was last received.
func (w *TelemetryWatchdog) LastSeen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// RemainingMs returns the approximate milliseconds before telemetry is
// considered stale. Returns 0 if already stale or stopped.
func (w *TelemetryWatchdog) RemainingMs() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stale || w.stopped {
		return 0
	}

	remaining := w.timeout - time.Since(w.lastSeen)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Milliseconds())
}
