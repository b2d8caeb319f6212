package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/orion/safetynet/internal/logging"
)

func step(name string, fn func(context.Context) error) Step {
	return Step{Name: name, Fn: fn}
}

func TestWaitForShutdown_AllStepsSucceed(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(5*time.Second, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	record := func(name string) Step {
		return step(name, func(context.Context) error {
			called = append(called, name)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- coordinator.WaitForShutdown(ctx, record("monitor"), record("mqtt"), record("redis"))
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []string{"monitor", "mqtt", "redis"}, called)
}

func TestRun_CleanupTimeout(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(100*time.Millisecond, logging.Discard())

	err := coordinator.Run(step("slow", func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timeout")
}

func TestRun_StepErrorDoesNotStopLaterSteps(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(5*time.Second, logging.Discard())
	expected := errors.New("cleanup failed")

	ran := false
	err := coordinator.Run(
		step("journal", func(context.Context) error { return expected }),
		step("http", func(context.Context) error { ran = true; return nil }),
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, expected)
	assert.Contains(t, err.Error(), "journal")
	assert.True(t, ran)
}

func TestRun_MultipleErrorsCollected(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(5*time.Second, logging.Discard())

	err := coordinator.Run(
		step("one", func(context.Context) error { return errors.New("error 1") }),
		step("two", func(context.Context) error { return errors.New("error 2") }),
	)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "error 1")
	assert.Contains(t, err.Error(), "error 2")
}

func TestNewCoordinator_Defaults(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(0, nil)

	assert.Equal(t, 25*time.Second, coordinator.timeout)
	assert.NotNil(t, coordinator.logger)
}
