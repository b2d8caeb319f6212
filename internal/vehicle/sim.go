package vehicle

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sim is an in-memory Link. Telemetry changes are delivered synchronously to
// listeners on the calling goroutine; accepted mode commands are echoed back
// as mode events the way an autopilot reports its new mode.
type Sim struct {
	mu        sync.Mutex
	armed     bool
	mode      string
	altitude  float64
	commands  []string
	rejectErr error
	now       func() time.Time

	d *Dispatcher
}

// NewSim creates a simulated vehicle with the given boot state.
func NewSim(armed bool, mode string, altitude float64, logger *logrus.Entry) *Sim {
	return &Sim{
		armed:    armed,
		mode:     mode,
		altitude: altitude,
		now:      time.Now,
		d:        NewDispatcher(logger),
	}
}

func (s *Sim) Subscribe(attr Attribute, fn Listener) Subscription {
	return s.d.Subscribe(attr, fn)
}

func (s *Sim) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Sim) Altitude() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.altitude
}

// Mode returns the vehicle's current mode.
func (s *Sim) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode records the command. When a rejection error is set it is returned
// and the mode is left unchanged.
func (s *Sim) SetMode(mode string) error {
	s.mu.Lock()
	s.commands = append(s.commands, mode)
	if s.rejectErr != nil {
		err := s.rejectErr
		s.mu.Unlock()
		return err
	}
	s.mode = mode
	at := s.now()
	s.mu.Unlock()

	s.d.Dispatch(ModeEvent(mode, at))
	return nil
}

// RejectModes makes subsequent SetMode calls fail with err (nil accepts again).
func (s *Sim) RejectModes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectErr = err
}

// Commands returns every mode passed to SetMode, in order.
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Arm changes the armed state and notifies listeners.
func (s *Sim) Arm(armed bool) {
	s.mu.Lock()
	s.armed = armed
	at := s.now()
	s.mu.Unlock()

	s.d.Dispatch(ArmedEvent(armed, at))
}

// ChangeMode simulates a pilot or autopilot initiated mode change.
func (s *Sim) ChangeMode(mode string) {
	s.mu.Lock()
	s.mode = mode
	at := s.now()
	s.mu.Unlock()

	s.d.Dispatch(ModeEvent(mode, at))
}

// MoveTo reports a new altitude relative to home.
func (s *Sim) MoveTo(alt float64) {
	s.mu.Lock()
	s.altitude = alt
	at := s.now()
	s.mu.Unlock()

	s.d.Dispatch(LocationEvent(alt, at))
}

// Deliver hands ev to the current listeners without touching the simulated
// state, e.g. to replay an event that was in flight during an unsubscribe.
func (s *Sim) Deliver(ev Event) {
	s.d.Dispatch(ev)
}

// Listeners returns the number of listeners registered for attr.
func (s *Sim) Listeners(attr Attribute) int {
	return s.d.Listeners(attr)
}
