package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/orion/safetynet/internal/bus"
	"github.com/yourusername/orion/safetynet/internal/config"
	"github.com/yourusername/orion/safetynet/internal/logging"
	"github.com/yourusername/orion/safetynet/internal/safety"
	"github.com/yourusername/orion/safetynet/internal/validator"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{}, append(args, "--env-file", "")...))
	err := root.Execute()
	return out.String(), err
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Options{Level: "error"})
	require.NoError(t, err)
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "orion-safetynet "+version+"\n", out)
}

func TestSimulate_BuiltinProfile(t *testing.T) {
	profile, err := LoadProfile(builtinProfile, config.Default())
	require.NoError(t, err)

	results, err := Simulate(profile, quietLogger(t))
	require.NoError(t, err)
	require.Len(t, results, 7)

	type row struct {
		state     safety.State
		triggered bool
		commanded string
	}
	want := []row{
		{safety.StateDisabled, false, ""},       // start disarmed at 50
		{safety.StateArmed, false, ""},          // arm
		{safety.StateTriggered, true, "BRAKE"},  // alt 8
		{safety.StateTriggered, true, ""},       // alt 7
		{safety.StateTriggered, true, ""},       // alt 11, inside the band
		{safety.StateArmed, false, ""},          // alt 12.5
		{safety.StateDisabled, false, ""},       // disarm
	}
	for i, w := range want {
		assert.Equal(t, string(w.state), results[i].State, "step %d", i)
		assert.Equal(t, w.triggered, results[i].Triggered, "step %d", i)
		assert.Equal(t, w.commanded, results[i].Commanded, "step %d", i)
	}
	assert.Equal(t, "BRAKE", results[2].Mode)
}

func TestSimulate_RejectedCommand(t *testing.T) {
	profile, err := LoadProfile([]byte(`
name: rejected
start: {armed: true, mode: GUIDED, alt: 30}
steps:
  - reject_modes: true
  - alt: 9
  - alt: 8
`), config.Default())
	require.NoError(t, err)
	assert.Equal(t, 10.0, profile.SafeAltitude)
	assert.Equal(t, "BRAKE", profile.SafeMode)

	results, err := Simulate(profile, quietLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "BRAKE", results[2].Commanded)
	assert.Equal(t, "GUIDED", results[2].Mode)
	assert.True(t, results[2].Triggered)
	assert.Empty(t, results[3].Commanded, "no retry while triggered")
}

func TestLoadProfile_Errors(t *testing.T) {
	_, err := LoadProfile([]byte("steps: [1, 2"), config.Default())
	assert.Error(t, err)

	_, err = LoadProfile([]byte("steps:\n  - {arm: true, alt: 3}\n"), config.Default())
	assert.ErrorContains(t, err, "step 1")

	_, err = LoadProfile([]byte("steps:\n  - {}\n"), config.Default())
	assert.ErrorContains(t, err, "exactly one action")

	_, err = LoadProfile([]byte("safe_altitude: -5\nsteps: []\n"), config.Default())
	require.NoError(t, err)
}

func TestSimulate_InvalidThreshold(t *testing.T) {
	profile, err := LoadProfile([]byte("safe_altitude: -5\n"), config.Default())
	require.NoError(t, err)

	_, err = Simulate(profile, quietLogger(t))
	assert.ErrorIs(t, err, safety.ErrInvalidConfig)
}

func TestSimulateCommand_Outputs(t *testing.T) {
	out, err := execute(t, "simulate")
	require.NoError(t, err)
	assert.Contains(t, out, "descend-and-recover")
	assert.Contains(t, out, "STEP")
	assert.Contains(t, out, "BRAKE")

	out, err = execute(t, "simulate", "-o", "json")
	require.NoError(t, err)
	var results []StepResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.Len(t, results, 7)

	out, err = execute(t, "simulate", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "commanded: BRAKE")

	_, err = execute(t, "simulate", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestSimulateCommand_ProfileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: rtl-standdown
start: {armed: true, mode: GUIDED, alt: 20}
steps:
  - mode: RTL
  - alt: 5
`), 0o600))

	out, err := execute(t, "simulate", "--profile", path, "-m", "loiter")
	require.NoError(t, err)
	assert.Contains(t, out, "safe mode LOITER")
	assert.Equal(t, 1, strings.Count(out, "LOITER"), "RTL stands the safety net down")
}

func TestRunCommand_RequiresVehicleID(t *testing.T) {
	_, err := execute(t, "run")
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = execute(t, "run", "tcp://localhost:1883", "high", "--vehicle-id", "copter-1")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRunHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var published []map[string]interface{}
	publish := func(_ context.Context, msg map[string]interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, msg)
		if len(published) == 1 {
			return errors.New("not connected")
		}
		return nil
	}
	health := func(context.Context) map[string]interface{} {
		return map[string]interface{}{"status": "ok"}
	}

	done := make(chan struct{})
	go func() {
		runHeartbeat(ctx, 10*time.Millisecond, health, publish, logging.Discard())
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, published[0]["message_id"])
	assert.NotEqual(t, published[0]["message_id"], published[1]["message_id"])
}

func TestEventsCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	v, err := validator.Default()
	require.NoError(t, err)
	journal := bus.NewEventBus(rc, v, "orion", 100, logging.Discard())

	for _, tr := range []safety.Transition{
		{Kind: safety.TransitionArmed, MonitoringEnabled: true},
		{Kind: safety.TransitionActivated, Mode: "BRAKE", Altitude: 9.5, MonitoringEnabled: true, Triggered: true},
		{Kind: safety.TransitionCommandFailed, Mode: "BRAKE", Altitude: 9.5, MonitoringEnabled: true, Triggered: true, Error: "link down"},
	} {
		_, err := journal.Publish(context.Background(), bus.Message("copter-1", tr), validator.ContractSafetynetEvent)
		require.NoError(t, err)
	}

	out, err := execute(t, "events", "--redis-addr", mr.Addr(), "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "activated")
	assert.Contains(t, lines[0], "mode=BRAKE")
	assert.Contains(t, lines[1], `error="link down"`)

	out, err = execute(t, "events", "--redis-addr", mr.Addr(), "--json")
	require.NoError(t, err)
	first := strings.SplitN(out, "\n", 2)[0]
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(first), &event))
	assert.Equal(t, "armed", event["kind"])

	_, err = execute(t, "events", "--redis-addr", "")
	assert.Error(t, err)
}
