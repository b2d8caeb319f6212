// Package vehicle defines the vehicle-link abstraction the safety net runs against.
//
// A Link delivers attribute-change events (armed, mode, location) to listeners
// and exposes the current armed state and altitude plus a writable mode.
// Implementations must deliver events to listeners one at a time.
package vehicle

import "time"

// Attribute names a vehicle property that listeners can subscribe to.
type Attribute string

const (
	AttrArmed    Attribute = "armed"
	AttrMode     Attribute = "mode"
	AttrLocation Attribute = "location"
)

// Recovery modes already manage a safe descent or return.
const (
	ModeLand = "LAND"
	ModeRTL  = "RTL"
)

// ModeBrake is the default safe mode: hold position.
const ModeBrake = "BRAKE"

// Event is a single attribute change. Only the field matching Attribute is meaningful.
type Event struct {
	Attribute Attribute
	Armed     bool
	Mode      string
	// Altitude is meters relative to home.
	Altitude float64
	Received time.Time
}

// ArmedEvent builds an armed-state event.
func ArmedEvent(armed bool, at time.Time) Event {
	return Event{Attribute: AttrArmed, Armed: armed, Received: at}
}

// ModeEvent builds a mode-change event.
func ModeEvent(mode string, at time.Time) Event {
	return Event{Attribute: AttrMode, Mode: mode, Received: at}
}

// LocationEvent builds a location event carrying relative altitude.
func LocationEvent(alt float64, at time.Time) Event {
	return Event{Attribute: AttrLocation, Altitude: alt, Received: at}
}

// Listener receives attribute-change events.
type Listener func(Event)

// Subscription is returned by Subscribe and cancels delivery to its listener.
// Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Link is the vehicle-control collaborator.
type Link interface {
	// Subscribe registers fn for changes of attr.
	Subscribe(attr Attribute, fn Listener) Subscription

	// Armed reports the latest known armed state.
	Armed() bool

	// Altitude reports the latest known altitude relative to home, in meters.
	Altitude() float64

	// SetMode requests a mode change. It must not block waiting for the
	// vehicle to acknowledge.
	SetMode(mode string) error
}

// IsRecoveryMode reports whether mode is LAND or RTL.
func IsRecoveryMode(mode string) bool {
	return mode == ModeLand || mode == ModeRTL
}
