package safety

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourusername/orion/safetynet/internal/vehicle"
)

// ErrInvalidConfig is returned when the monitor is constructed with a bad threshold or mode.
var ErrInvalidConfig = errors.New("invalid safety net configuration")

// HysteresisMeters is the gap between the activation altitude and the
// altitude that re-arms the safety net.
const HysteresisMeters = 1.0

// State is the externally visible monitor state.
type State string

const (
	StateDisabled  State = "DISABLED"
	StateArmed     State = "ARMED"
	StateTriggered State = "TRIGGERED"
)

// MonitorConfig holds the immutable parameters of a SafetyMonitor.
type MonitorConfig struct {
	// SafeAltitude is the activation threshold in meters above home.
	SafeAltitude float64

	// SafeMode is the mode commanded on activation (e.g. "BRAKE").
	SafeMode string
}

// Validate rejects non-positive thresholds and empty modes.
func (c MonitorConfig) Validate() error {
	if math.IsNaN(c.SafeAltitude) || c.SafeAltitude <= 0 {
		return fmt.Errorf("%w: safe altitude must be positive, got %v", ErrInvalidConfig, c.SafeAltitude)
	}
	if c.SafeMode == "" {
		return fmt.Errorf("%w: safe mode is required", ErrInvalidConfig)
	}
	return nil
}

// Snapshot is a point-in-time copy of the monitor state.
type Snapshot struct {
	State             State    `json:"state"`
	MonitoringEnabled bool     `json:"monitoring_enabled"`
	Triggered         bool     `json:"triggered"`
	SafeAltitude      float64  `json:"safe_altitude"`
	SafeMode          string   `json:"safe_mode"`
	LastAltitude      *float64 `json:"last_altitude,omitempty"`
	VerticalRate      *float64 `json:"vertical_rate,omitempty"`
	Activations       int      `json:"activations"`
}

// SafetyMonitor forces the vehicle into a safe mode when it descends to the
// safe altitude while armed and not in a recovery mode.
//
// Invariants:
//   - triggered goes false->true only while monitoring is enabled and
//     altitude <= SafeAltitude; the safe mode is commanded on that edge only
//   - triggered goes true->false only when altitude > SafeAltitude+1
//   - no command is issued while monitoring is disabled
//   - handlers are serialized by mu; the command and observers run after
//     mu is released
type SafetyMonitor struct {
	link         vehicle.Link
	safeAltitude float64
	safeMode     string
	observers    []Observer
	logger       *logrus.Entry
	now          func() time.Time

	mu                sync.Mutex
	monitoringEnabled bool
	triggered         bool
	activations       int

	haveLast       bool
	lastAltitude   float64
	lastAltitudeAt time.Time
	haveRate       bool
	verticalRate   float64

	armedSub    vehicle.Subscription
	locationSub vehicle.Subscription
	modeSub     vehicle.Subscription
}

// NewSafetyMonitor validates cfg, subscribes to armed-state changes and
// initializes from the vehicle's current armed state and altitude. If the
// vehicle is already armed, location and mode monitoring start immediately.
// The vehicle is never commanded during construction.
func NewSafetyMonitor(link vehicle.Link, cfg MonitorConfig, logger *logrus.Entry, observers ...Observer) (*SafetyMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &SafetyMonitor{
		link:         link,
		safeAltitude: cfg.SafeAltitude,
		safeMode:     cfg.SafeMode,
		observers:    observers,
		logger:       logger,
		now:          time.Now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.armedSub = link.Subscribe(vehicle.AttrArmed, m.onArmed)

	if link.Armed() {
		m.enableLocked()
	}

	alt := link.Altitude()
	if alt < m.safeAltitude {
		m.triggered = true
	}

	m.logger.WithFields(logrus.Fields{
		"safe_altitude": m.safeAltitude,
		"safe_mode":     m.safeMode,
		"armed":         m.monitoringEnabled,
		"altitude":      alt,
		"triggered":     m.triggered,
	}).Info("safety net initialized")

	return m, nil
}

// Close removes every subscription the monitor holds.
func (m *SafetyMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disableLocked()
	if m.armedSub != nil {
		m.armedSub.Unsubscribe()
		m.armedSub = nil
	}
}

// Snapshot returns the current monitor state.
func (m *SafetyMonitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:             m.stateLocked(),
		MonitoringEnabled: m.monitoringEnabled,
		Triggered:         m.triggered,
		SafeAltitude:      m.safeAltitude,
		SafeMode:          m.safeMode,
		Activations:       m.activations,
	}
	if m.haveLast {
		alt := m.lastAltitude
		s.LastAltitude = &alt
	}
	if m.haveRate {
		v := m.verticalRate
		s.VerticalRate = &v
	}
	return s
}

func (m *SafetyMonitor) stateLocked() State {
	switch {
	case !m.monitoringEnabled:
		return StateDisabled
	case m.triggered:
		return StateTriggered
	default:
		return StateArmed
	}
}

// enableLocked subscribes to location and mode changes if not already
// subscribed and enables monitoring.
func (m *SafetyMonitor) enableLocked() {
	if m.locationSub == nil {
		m.locationSub = m.link.Subscribe(vehicle.AttrLocation, m.onLocation)
	}
	if m.modeSub == nil {
		m.modeSub = m.link.Subscribe(vehicle.AttrMode, m.onMode)
	}
	m.monitoringEnabled = true
}

func (m *SafetyMonitor) disableLocked() {
	if m.locationSub != nil {
		m.locationSub.Unsubscribe()
		m.locationSub = nil
	}
	if m.modeSub != nil {
		m.modeSub.Unsubscribe()
		m.modeSub = nil
	}
	m.monitoringEnabled = false
}

func (m *SafetyMonitor) onArmed(ev vehicle.Event) {
	m.mu.Lock()
	kind := TransitionDisarmed
	if ev.Armed {
		m.logger.Info("vehicle is armed")
		m.enableLocked()
		kind = TransitionArmed
	} else {
		m.logger.Info("vehicle is disarmed")
		m.disableLocked()
	}
	t := m.transitionLocked(kind, "", m.lastAltitude, m.eventTime(ev))
	m.mu.Unlock()

	m.notify(t)
}

// onMode stands the safety net down in LAND and RTL and re-enables it in any
// other mode. It does not consult the armed state: a mode event alone can
// re-enable monitoring, and whichever of the armed and mode events arrives
// last decides.
func (m *SafetyMonitor) onMode(ev vehicle.Event) {
	m.mu.Lock()
	if vehicle.IsRecoveryMode(ev.Mode) {
		m.logger.WithField("mode", ev.Mode).Warnf("disabling safety net for mode %s", ev.Mode)
		m.monitoringEnabled = false
	} else {
		m.logger.WithField("mode", ev.Mode).Warnf("enabling safety net for mode %s", ev.Mode)
		m.monitoringEnabled = true
	}
	t := m.transitionLocked(TransitionModeChanged, ev.Mode, m.lastAltitude, m.eventTime(ev))
	m.mu.Unlock()

	m.notify(t)
}

func (m *SafetyMonitor) onLocation(ev vehicle.Event) {
	alt := ev.Altitude
	if math.IsNaN(alt) || math.IsInf(alt, 0) {
		m.logger.Warnf("dropping location event with invalid altitude %v", alt)
		return
	}

	m.mu.Lock()
	if !m.monitoringEnabled {
		m.mu.Unlock()
		return
	}

	now := m.eventTime(ev)
	if m.haveLast {
		if dt := now.Sub(m.lastAltitudeAt).Seconds(); dt > 0 {
			m.verticalRate = (alt - m.lastAltitude) / dt
			m.haveRate = true
			m.logger.WithField("vertical_rate", m.verticalRate).Infof("v: %f", m.verticalRate)
		}
	}
	m.haveLast = true
	m.lastAltitude = alt
	m.lastAltitudeAt = now

	var (
		transitions []Transition
		command     bool
	)
	switch {
	case m.triggered && alt > m.safeAltitude+HysteresisMeters:
		m.triggered = false
		m.logger.WithField("altitude", alt).Warnf("deactivated safety net @ %.1f meters", alt)
		transitions = append(transitions, m.transitionLocked(TransitionDeactivated, "", alt, now))
	case !m.triggered && alt <= m.safeAltitude:
		m.triggered = true
		m.activations++
		command = true
		m.logger.WithFields(logrus.Fields{
			"altitude": alt,
			"mode":     m.safeMode,
		}).Warnf("activated safety net @ %.1f meters", alt)
		transitions = append(transitions, m.transitionLocked(TransitionActivated, m.safeMode, alt, now))
	}
	mode := m.safeMode
	m.mu.Unlock()

	if command {
		if err := m.link.SetMode(mode); err != nil {
			m.logger.WithField("mode", mode).Warnf("failed to command mode %s: %v", mode, err)
			m.mu.Lock()
			failed := m.transitionLocked(TransitionCommandFailed, mode, alt, now)
			m.mu.Unlock()
			failed.Error = err.Error()
			transitions = append(transitions, failed)
		}
	}

	m.notify(transitions...)
}

func (m *SafetyMonitor) transitionLocked(kind TransitionKind, mode string, alt float64, at time.Time) Transition {
	return Transition{
		Kind:              kind,
		Mode:              mode,
		Altitude:          alt,
		MonitoringEnabled: m.monitoringEnabled,
		Triggered:         m.triggered,
		At:                at,
	}
}

func (m *SafetyMonitor) eventTime(ev vehicle.Event) time.Time {
	if ev.Received.IsZero() {
		return m.now()
	}
	return ev.Received
}

func (m *SafetyMonitor) notify(ts ...Transition) {
	for _, t := range ts {
		for _, o := range m.observers {
			o.Observe(t)
		}
	}
}
