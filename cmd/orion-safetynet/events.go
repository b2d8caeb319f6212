package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourusername/orion/safetynet/internal/bus"
	"github.com/yourusername/orion/safetynet/internal/client"
	"github.com/yourusername/orion/safetynet/internal/validator"
)

func newEventsCmd(a *app) *cobra.Command {
	var (
		follow bool
		count  int64
		group  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the safety net event journal",
		Long: `Print the most recent safety net transitions from the Redis journal.

With --follow, events are read through a consumer group: a new group starts
with the retained history, a known group resumes where it left off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return fmt.Errorf("--redis-addr is required")
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}

			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			redisClient := client.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, logger.Component("redis"))
			if err := redisClient.Connect(ctx); err != nil {
				return err
			}
			defer redisClient.Close()

			contracts, err := validator.Default()
			if err != nil {
				return err
			}
			journal := bus.NewEventBus(redisClient.Client(), contracts, cfg.StreamPrefix, cfg.MaxStreamLen, logger.Component("journal"))

			out := cmd.OutOrStdout()
			emit := func(event map[string]interface{}) error {
				return printEvent(out, event, asJSON)
			}

			if !follow {
				events, err := journal.Recent(ctx, validator.ContractSafetynetEvent, count)
				if err != nil {
					return err
				}
				for _, e := range events {
					if err := emit(e); err != nil {
						return err
					}
				}
				return nil
			}

			hostname, _ := os.Hostname()
			return journal.Subscribe(ctx, validator.ContractSafetynetEvent, group, fmt.Sprintf("%s-%d", hostname, os.Getpid()), emit)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow new events")
	cmd.Flags().Int64VarP(&count, "count", "n", 20, "Number of recent events to show")
	cmd.Flags().StringVar(&group, "group", "safetynet-cli", "Consumer group used with --follow")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON events")
	return cmd
}

func printEvent(w io.Writer, event map[string]interface{}, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(event)
	}

	line := fmt.Sprintf("%v  %-8v %-15v alt=%-7v triggered=%-5v enabled=%v",
		event["timestamp"], event["vehicle_id"], event["kind"], event["altitude"], event["triggered"], event["monitoring_enabled"])
	if mode, ok := event["mode"]; ok {
		line += fmt.Sprintf(" mode=%v", mode)
	}
	if msg, ok := event["error"]; ok {
		line += fmt.Sprintf(" error=%q", msg)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
