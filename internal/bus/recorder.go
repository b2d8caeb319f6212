package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/orion/safetynet/internal/safety"
	"github.com/yourusername/orion/safetynet/internal/validator"
)

// EventSource identifies the safety net in journal messages.
const EventSource = "orion-safetynet"

// Recorder journals monitor transitions. Observe never blocks: transitions
// are queued and published by Run, and dropped with a warning when the
// queue is full.
type Recorder struct {
	bus       *EventBus
	vehicleID string
	queue     chan safety.Transition
	dropped   atomic.Uint64
	logger    *logrus.Entry
}

// NewRecorder creates a recorder with a queue of size entries.
func NewRecorder(bus *EventBus, vehicleID string, size int, logger *logrus.Entry) *Recorder {
	if size <= 0 {
		size = 64
	}
	return &Recorder{
		bus:       bus,
		vehicleID: vehicleID,
		queue:     make(chan safety.Transition, size),
		logger:    logger,
	}
}

// Observe implements safety.Observer.
func (r *Recorder) Observe(t safety.Transition) {
	select {
	case r.queue <- t:
	default:
		n := r.dropped.Add(1)
		r.logger.WithField("kind", t.Kind).Warnf("journal queue full, dropped %d transition(s)", n)
	}
}

// Dropped returns the number of transitions lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run publishes queued transitions until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			r.record(ctx, t)
		}
	}
}

// Flush publishes whatever is still queued. Called during shutdown after Run
// has returned.
func (r *Recorder) Flush(ctx context.Context) error {
	for {
		select {
		case t := <-r.queue:
			r.record(ctx, t)
		default:
			return ctx.Err()
		}
	}
}

func (r *Recorder) record(ctx context.Context, t safety.Transition) {
	if _, err := r.bus.Publish(ctx, Message(r.vehicleID, t), validator.ContractSafetynetEvent); err != nil {
		r.logger.WithField("kind", t.Kind).Warnf("failed to journal transition: %v", err)
	}
}

// Message converts a transition to a safetynet_event contract message.
func Message(vehicleID string, t safety.Transition) map[string]interface{} {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	message := map[string]interface{}{
		"version":            "1.0",
		"event_id":           uuid.New().String(),
		"timestamp":          at.UTC().Format(time.RFC3339Nano),
		"source":             EventSource,
		"vehicle_id":         vehicleID,
		"kind":               string(t.Kind),
		"altitude":           t.Altitude,
		"monitoring_enabled": t.MonitoringEnabled,
		"triggered":          t.Triggered,
	}
	if t.Mode != "" {
		message["mode"] = t.Mode
	}
	if t.Error != "" {
		message["error"] = t.Error
	}
	return message
}
