package safety

import "time"

// TransitionKind classifies a monitor state change.
type TransitionKind string

const (
	TransitionArmed         TransitionKind = "armed"
	TransitionDisarmed      TransitionKind = "disarmed"
	TransitionModeChanged   TransitionKind = "mode_changed"
	TransitionActivated     TransitionKind = "activated"
	TransitionDeactivated   TransitionKind = "deactivated"
	TransitionCommandFailed TransitionKind = "command_failed"
)

// Transition describes one state change of the safety net.
type Transition struct {
	Kind TransitionKind `json:"kind"`

	// Mode is the vehicle mode for mode_changed, or the commanded safe mode
	// for activated and command_failed.
	Mode string `json:"mode,omitempty"`

	Altitude          float64   `json:"altitude"`
	MonitoringEnabled bool      `json:"monitoring_enabled"`
	Triggered         bool      `json:"triggered"`
	Error             string    `json:"error,omitempty"`
	At                time.Time `json:"at"`
}

// Observer receives transitions after the monitor has released its lock.
// Implementations must not block.
type Observer interface {
	Observe(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) Observe(t Transition) { f(t) }
