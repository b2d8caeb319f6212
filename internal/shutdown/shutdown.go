package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Step is one named cleanup action.
type Step struct {
	Name string
	Fn   func(context.Context) error
}

// Coordinator handles graceful shutdown with timeout.
//
// Steps run sequentially in the order given, sharing one timeout context. A
// failing step does not stop later steps.
type Coordinator struct {
	timeout time.Duration
	logger  *logrus.Entry
}

// NewCoordinator creates a new shutdown coordinator. A zero timeout uses 25s.
func NewCoordinator(timeout time.Duration, logger *logrus.Entry) *Coordinator {
	if timeout == 0 {
		timeout = 25 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		timeout: timeout,
		logger:  logger,
	}
}

// WaitForShutdown blocks until ctx is cancelled, then runs the steps.
//
// Example:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//
//	coordinator := NewCoordinator(10*time.Second, logger)
//	err := coordinator.WaitForShutdown(ctx,
//	    Step{"monitor", func(context.Context) error { monitor.Close(); return nil }},
//	    Step{"http", server.Shutdown},
//	)
func (c *Coordinator) WaitForShutdown(ctx context.Context, steps ...Step) error {
	<-ctx.Done()
	c.logger.Info("shutdown signal received, starting graceful shutdown")
	return c.Run(steps...)
}

// Run executes the steps immediately.
func (c *Coordinator) Run(steps ...Step) error {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var errs []error
	for i, step := range steps {
		c.logger.Infof("shutdown step %d/%d: %s", i+1, len(steps), step.Name)
		if err := step.Fn(cleanupCtx); err != nil {
			c.logger.Errorf("shutdown step %s failed: %v", step.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		}
	}

	if errors.Is(cleanupCtx.Err(), context.DeadlineExceeded) {
		c.logger.Errorf("shutdown timeout exceeded (%v)", c.timeout)
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", cleanupCtx.Err()))
	}

	if len(errs) == 0 {
		c.logger.Info("graceful shutdown completed successfully")
		return nil
	}

	c.logger.Errorf("graceful shutdown completed with %d error(s)", len(errs))
	return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
}
