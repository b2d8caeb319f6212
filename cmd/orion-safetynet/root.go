package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yourusername/orion/safetynet/internal/config"
	"github.com/yourusername/orion/safetynet/internal/logging"
)

const version = "0.1.0"

// app carries state shared by the subcommands.
type app struct {
	flags *config.Flags
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "orion-safetynet",
		Short: "Altitude safety net for ORION vehicles",
		Long: `orion-safetynet watches a vehicle's armed state, flight mode and altitude
and commands a safe mode (BRAKE by default) when the vehicle descends to the
safe altitude. It stands down in LAND and RTL and re-arms once the vehicle
climbs more than one meter above the threshold.

Commands:
  run        Monitor a vehicle over MQTT
  simulate   Replay a flight profile against a simulated vehicle
  events     Show the safety net event journal
  version    Show version information

Configuration is read from defaults, then --config (YAML), then SAFETYNET_*
environment variables (and --env-file), then explicit flags.`,
		SilenceUsage: true,
	}

	a.flags = config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(a),
		newSimulateCmd(a),
		newEventsCmd(a),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves the configuration without requiring a vehicle id.
func (a *app) loadConfig(args []string) (*config.Config, error) {
	cfg, err := a.flags.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*logging.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if out != nil && cfg.LogFile == "" {
		logger.SetOutput(out)
	}
	return logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orion-safetynet %s\n", version)
		},
	}
}
