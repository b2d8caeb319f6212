package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/orion/safetynet/internal/config"
	"github.com/yourusername/orion/safetynet/internal/logging"
	"github.com/yourusername/orion/safetynet/internal/safety"
	"github.com/yourusername/orion/safetynet/internal/vehicle"
)

//go:embed profiles/scenario1.yaml
var builtinProfile []byte

// errModeRejected is returned by the simulated vehicle after a reject step.
var errModeRejected = errors.New("mode change rejected by vehicle")

// Profile is a scripted flight for the simulator.
type Profile struct {
	Name         string  `yaml:"name"`
	SafeAltitude float64 `yaml:"safe_altitude"`
	SafeMode     string  `yaml:"safe_mode"`
	Start        struct {
		Armed bool    `yaml:"armed"`
		Mode  string  `yaml:"mode"`
		Alt   float64 `yaml:"alt"`
	} `yaml:"start"`
	Steps []Step `yaml:"steps"`
}

// Step is one action. Exactly one field must be set.
type Step struct {
	Arm    *bool    `yaml:"arm,omitempty"`
	Mode   string   `yaml:"mode,omitempty"`
	Alt    *float64 `yaml:"alt,omitempty"`
	Reject *bool    `yaml:"reject_modes,omitempty"`
}

func (s Step) describe() (string, error) {
	var actions []string
	if s.Arm != nil {
		if *s.Arm {
			actions = append(actions, "arm")
		} else {
			actions = append(actions, "disarm")
		}
	}
	if s.Mode != "" {
		actions = append(actions, "mode "+s.Mode)
	}
	if s.Alt != nil {
		actions = append(actions, "alt "+strconv.FormatFloat(*s.Alt, 'f', -1, 64))
	}
	if s.Reject != nil {
		actions = append(actions, "reject_modes "+strconv.FormatBool(*s.Reject))
	}
	if len(actions) != 1 {
		return "", fmt.Errorf("step must have exactly one action, got %d", len(actions))
	}
	return actions[0], nil
}

// StepResult is the monitor state after one step.
type StepResult struct {
	Step              int     `json:"step" yaml:"step"`
	Action            string  `json:"action" yaml:"action"`
	State             string  `json:"state" yaml:"state"`
	MonitoringEnabled bool    `json:"monitoring_enabled" yaml:"monitoring_enabled"`
	Triggered         bool    `json:"triggered" yaml:"triggered"`
	Altitude          float64 `json:"altitude" yaml:"altitude"`
	Mode              string  `json:"mode" yaml:"mode"`
	Commanded         string  `json:"commanded,omitempty" yaml:"commanded,omitempty"`
}

// LoadProfile parses a YAML profile and fills defaults from cfg.
func LoadProfile(data []byte, cfg *config.Config) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.SafeAltitude == 0 {
		p.SafeAltitude = cfg.SafeAltitude
	}
	if p.SafeMode == "" {
		p.SafeMode = cfg.SafeMode
	}
	if p.Start.Mode == "" {
		p.Start.Mode = "GUIDED"
	}
	for i, s := range p.Steps {
		if _, err := s.describe(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return &p, nil
}

// Simulate replays p against a simulated vehicle.
func Simulate(p *Profile, logger *logging.Logger) ([]StepResult, error) {
	log := logger.Component("simulate")
	sim := vehicle.NewSim(p.Start.Armed, p.Start.Mode, p.Start.Alt, log)

	monitor, err := safety.NewSafetyMonitor(sim, safety.MonitorConfig{
		SafeAltitude: p.SafeAltitude,
		SafeMode:     p.SafeMode,
	}, logger.Component("safetynet"))
	if err != nil {
		return nil, err
	}
	defer monitor.Close()

	results := make([]StepResult, 0, len(p.Steps)+1)
	record := func(i int, action string, before int) {
		snap := monitor.Snapshot()
		commands := sim.Commands()
		r := StepResult{
			Step:              i,
			Action:            action,
			State:             string(snap.State),
			MonitoringEnabled: snap.MonitoringEnabled,
			Triggered:         snap.Triggered,
			Altitude:          sim.Altitude(),
			Mode:              sim.Mode(),
		}
		for _, c := range commands[before:] {
			if r.Commanded != "" {
				r.Commanded += ","
			}
			r.Commanded += c
		}
		results = append(results, r)
	}

	record(0, "start", 0)
	for i, s := range p.Steps {
		action, _ := s.describe()
		before := len(sim.Commands())
		switch {
		case s.Arm != nil:
			sim.Arm(*s.Arm)
		case s.Mode != "":
			sim.ChangeMode(s.Mode)
		case s.Alt != nil:
			sim.MoveTo(*s.Alt)
		case s.Reject != nil:
			if *s.Reject {
				sim.RejectModes(errModeRejected)
			} else {
				sim.RejectModes(nil)
			}
		}
		record(i+1, action, before)
	}
	return results, nil
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		profilePath string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a flight profile against a simulated vehicle",
		Long: `Run the safety net against an in-memory vehicle driven by a YAML profile and
print the monitor state after every step. Without --profile the built-in
descend-and-recover profile is used.

Profile format:
  name: example
  safe_altitude: 10      # defaults to --safe-altitude
  safe_mode: BRAKE       # defaults to --safe-mode
  start: {armed: false, mode: GUIDED, alt: 50}
  steps:
    - arm: true
    - alt: 8
    - mode: RTL
    - reject_modes: true`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}

			data := builtinProfile
			if profilePath != "" {
				data, err = os.ReadFile(profilePath)
				if err != nil {
					return fmt.Errorf("failed to read profile: %w", err)
				}
			}

			profile, err := LoadProfile(data, cfg)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logger.Close()

			results, err := Simulate(profile, logger)
			if err != nil {
				return err
			}
			return writeResults(cmd.OutOrStdout(), profile, results, output)
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "YAML flight profile (default: built-in)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func writeResults(w io.Writer, p *Profile, results []StepResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(results)
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	fmt.Fprintf(w, "profile %s: safe altitude %.1f m, safe mode %s\n\n", p.Name, p.SafeAltitude, p.SafeMode)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tACTION\tALT\tMODE\tSTATE\tCOMMANDED")
	for _, r := range results {
		commanded := r.Commanded
		if commanded == "" {
			commanded = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%s\t%s\t%s\n", r.Step, r.Action, r.Altitude, r.Mode, r.State, commanded)
	}
	return tw.Flush()
}
