package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourusername/orion/safetynet/internal/bus"
	"github.com/yourusername/orion/safetynet/internal/client"
	"github.com/yourusername/orion/safetynet/internal/config"
	"github.com/yourusername/orion/safetynet/internal/logging"
	"github.com/yourusername/orion/safetynet/internal/safety"
	"github.com/yourusername/orion/safetynet/internal/shutdown"
	"github.com/yourusername/orion/safetynet/internal/status"
	"github.com/yourusername/orion/safetynet/internal/validator"
)

const (
	journalQueueSize = 256
	maxWSClients     = 10
	shutdownTimeout  = 15 * time.Second
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run [broker-url] [altitude]",
		Short: "Monitor a vehicle over MQTT",
		Long: `Connect to the vehicle link broker, wait for the vehicle's armed state and
altitude, then run the safety net until interrupted.

The optional positional arguments override --mqtt-broker and --safe-altitude.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg, nil)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAgent(ctx, cfg, logger)
		},
	}
}

// runAgent wires the vehicle link, monitor, journal and status server and
// blocks until ctx is cancelled.
func runAgent(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	log := logger.Component("main").WithField("vehicle_id", cfg.VehicleID)

	log.Infof("ORION safety net v%s starting", version)
	log.Infof("MQTT broker: %s", cfg.MQTTBrokerURL)
	log.Infof("safe altitude: %.1f m, safe mode: %s, system id: %d", cfg.SafeAltitude, cfg.SafeMode, cfg.SystemID)

	contracts, err := validator.Default()
	if err != nil {
		return fmt.Errorf("failed to load contracts: %w", err)
	}

	watchdog := safety.NewTelemetryWatchdog(
		time.Duration(cfg.TelemetryTimeoutSec)*time.Second,
		logger.Component("watchdog"),
		nil,
		func() { log.Info("vehicle telemetry resumed") },
	)

	link := client.NewMQTTLink(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.VehicleID, cfg.SystemID, contracts, logger.Component("mqtt"))
	link.SetOnTelemetry(watchdog.Reset)
	link.SetOnConnectionUp(func() {
		log.Info("vehicle link connected")
	})
	link.SetOnConnectionDown(func(err error) {
		log.Warnf("vehicle link lost: %v", err)
	})

	hub := status.NewHub(maxWSClients, logger.Component("ws"))
	observers := []safety.Observer{hub}

	var (
		redisClient *client.RedisClient
		journal     *bus.EventBus
		recorder    *bus.Recorder
	)
	if cfg.RedisAddr != "" {
		redisClient = client.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, logger.Component("redis"))
		if err := redisClient.Connect(ctx); err != nil {
			log.Warnf("event journal unavailable: %v", err)
		}
		journal = bus.NewEventBus(redisClient.Client(), contracts, cfg.StreamPrefix, cfg.MaxStreamLen, logger.Component("journal"))
		recorder = bus.NewRecorder(journal, cfg.VehicleID, journalQueueSize, logger.Component("journal"))
		observers = append(observers, recorder)
	}

	if err := link.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker at %s: %w", cfg.MQTTBrokerURL, err)
	}

	snapshotCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.SnapshotTimeoutSec)*time.Second)
	err = link.AwaitSnapshot(snapshotCtx)
	cancel()
	if err != nil {
		link.Close(context.Background())
		return err
	}
	log.Infof("vehicle state received (armed=%t, alt=%.1f)", link.Armed(), link.Altitude())

	monitor, err := safety.NewSafetyMonitor(link, safety.MonitorConfig{
		SafeAltitude: cfg.SafeAltitude,
		SafeMode:     cfg.SafeMode,
	}, logger.Component("safetynet"), observers...)
	if err != nil {
		link.Close(context.Background())
		return err
	}

	deps := status.Deps{
		VehicleID: cfg.VehicleID,
		Version:   version,
		Monitor:   monitor,
		Link:      link,
		Telemetry: watchdog,
		Hub:       hub,
		Host:      status.NewHostCollector(logger.Component("host")),
	}
	if journal != nil {
		deps.Journal = journal
		deps.Redis = redisClient
	}
	server := status.NewServer(cfg.HTTPPort, deps, logger.Component("http"))
	server.Start()

	var wg sync.WaitGroup
	bgCtx, bgCancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHeartbeat(bgCtx, time.Duration(cfg.HeartbeatIntervalSec)*time.Second, server.Health, link.PublishHealth, log)
	}()

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Run(bgCtx)
		}()
	}

	steps := []shutdown.Step{
		{Name: "monitor", Fn: func(context.Context) error {
			monitor.Close()
			return nil
		}},
		{Name: "background", Fn: func(context.Context) error {
			bgCancel()
			wg.Wait()
			return nil
		}},
		{Name: "http", Fn: server.Shutdown},
	}
	if recorder != nil {
		steps = append(steps, shutdown.Step{Name: "journal", Fn: recorder.Flush})
	}
	steps = append(steps,
		shutdown.Step{Name: "mqtt", Fn: link.Close},
		shutdown.Step{Name: "watchdog", Fn: func(context.Context) error {
			watchdog.Stop()
			return nil
		}},
	)
	if redisClient != nil {
		steps = append(steps, shutdown.Step{Name: "redis", Fn: func(context.Context) error {
			return redisClient.Close()
		}})
	}

	coordinator := shutdown.NewCoordinator(shutdownTimeout, logger.Component("shutdown"))
	err = coordinator.WaitForShutdown(ctx, steps...)
	log.Info("ORION safety net stopped")
	return err
}

// runHeartbeat publishes periodic health messages.
func runHeartbeat(ctx context.Context, interval time.Duration, health func(context.Context) map[string]interface{}, publish func(context.Context, map[string]interface{}) error, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("heartbeat publisher stopped")
			return
		case <-ticker.C:
			msg := health(ctx)
			msg["message_id"] = uuid.New().String()
			if err := publish(ctx, msg); err != nil {
				log.Debugf("failed to publish health via MQTT: %v", err)
			}
		}
	}
}
