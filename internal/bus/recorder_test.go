package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/orion/safetynet/internal/logging"
	"github.com/yourusername/orion/safetynet/internal/safety"
	"github.com/yourusername/orion/safetynet/internal/validator"
)

func TestMessage_MatchesContract(t *testing.T) {
	v, err := validator.Default()
	require.NoError(t, err)

	at := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	cases := []safety.Transition{
		{Kind: safety.TransitionArmed, Altitude: 0.2, MonitoringEnabled: true, At: at},
		{Kind: safety.TransitionActivated, Mode: "BRAKE", Altitude: 9.8, MonitoringEnabled: true, Triggered: true, At: at},
		{Kind: safety.TransitionCommandFailed, Mode: "BRAKE", Altitude: 9.8, MonitoringEnabled: true, Triggered: true, Error: "link down", At: at},
		{Kind: safety.TransitionModeChanged, Mode: "LAND", Altitude: 14},
	}

	for _, tr := range cases {
		t.Run(string(tr.Kind), func(t *testing.T) {
			msg := Message("copter-1", tr)
			require.NoError(t, v.Validate(msg, validator.ContractSafetynetEvent))
			assert.Equal(t, EventSource, msg["source"])
			assert.Equal(t, "copter-1", msg["vehicle_id"])
			assert.NotEmpty(t, msg["event_id"])
			if tr.Error == "" {
				assert.NotContains(t, msg, "error")
			}
		})
	}

	msg := Message("copter-1", cases[0])
	assert.Equal(t, "2026-01-17T12:00:00Z", msg["timestamp"])
	assert.NotContains(t, msg, "mode")
}

func TestRecorder_RunPublishesTransitions(t *testing.T) {
	bus, _, _ := setupTestBus(t)
	rec := NewRecorder(bus, "copter-1", 8, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	rec.Observe(safety.Transition{Kind: safety.TransitionArmed, MonitoringEnabled: true})
	rec.Observe(safety.Transition{Kind: safety.TransitionActivated, Mode: "BRAKE", Altitude: 9, Triggered: true, MonitoringEnabled: true})

	require.Eventually(t, func() bool {
		recent, err := bus.Recent(context.Background(), validator.ContractSafetynetEvent, 10)
		return err == nil && len(recent) == 2
	}, 2*time.Second, 20*time.Millisecond)

	recent, err := bus.Recent(context.Background(), validator.ContractSafetynetEvent, 10)
	require.NoError(t, err)
	assert.Equal(t, "armed", recent[0]["kind"])
	assert.Equal(t, "activated", recent[1]["kind"])
	assert.Equal(t, "BRAKE", recent[1]["mode"])
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	bus, _, _ := setupTestBus(t)
	rec := NewRecorder(bus, "copter-1", 2, logging.Discard())

	for i := 0; i < 5; i++ {
		rec.Observe(safety.Transition{Kind: safety.TransitionModeChanged, Mode: "GUIDED"})
	}

	assert.Equal(t, uint64(3), rec.Dropped())

	require.NoError(t, rec.Flush(context.Background()))
	recent, err := bus.Recent(context.Background(), validator.ContractSafetynetEvent, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRecorder_PublishFailureIsLogged(t *testing.T) {
	bus, _, mr := setupTestBus(t)
	rec := NewRecorder(bus, "copter-1", 4, logging.Discard())
	mr.Close()

	rec.Observe(safety.Transition{Kind: safety.TransitionDisarmed})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	assert.NoError(t, rec.Flush(ctx))
	assert.Zero(t, rec.Dropped())
}
