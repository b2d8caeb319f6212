package vehicle

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher keeps the listener table for a Link and delivers events to it.
//
// Invariants:
//   - Listeners are called outside the registry lock, so a listener may
//     subscribe or unsubscribe without deadlocking
//   - A panicking listener is recovered and logged; other listeners still run
//   - Run is the single consumer of the event channel, so listeners never overlap
type Dispatcher struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[Attribute]map[uint64]Listener
	logger    *logrus.Entry
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[Attribute]map[uint64]Listener),
		logger:    logger,
	}
}

type subscription struct {
	d    *Dispatcher
	attr Attribute
	id   uint64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
		delete(s.d.listeners[s.attr], s.id)
	})
}

// Subscribe registers fn for attr and returns its handle.
func (d *Dispatcher) Subscribe(attr Attribute, fn Listener) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	if d.listeners[attr] == nil {
		d.listeners[attr] = make(map[uint64]Listener)
	}
	d.listeners[attr][d.nextID] = fn

	return &subscription{d: d, attr: attr, id: d.nextID}
}

// Listeners returns the number of listeners registered for attr.
func (d *Dispatcher) Listeners(attr Attribute) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[attr])
}

// Dispatch delivers ev to the listeners registered at the time of the call.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	fns := make([]Listener, 0, len(d.listeners[ev.Attribute]))
	for _, fn := range d.listeners[ev.Attribute] {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		d.call(fn, ev)
	}
}

func (d *Dispatcher) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("attribute", ev.Attribute).Errorf("listener panicked, event dropped: %v", r)
		}
	}()
	fn(ev)
}

// Run drains events until ctx is cancelled or the channel is closed.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Dispatch(ev)
		}
	}
}
