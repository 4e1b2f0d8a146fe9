package daemon

import (
	"log"
	"sync"
	"time"

	"github.com/reef-pi/watervend/controller/events"
	"github.com/reef-pi/watervend/controller/modules/dispenser"
	"github.com/reef-pi/watervend/controller/modules/payment"
	"github.com/reef-pi/watervend/controller/modules/sensor"
)

// State is what the kiosk screen renders.
type State struct {
	Dispenser dispenser.Status     `json:"dispenser"`
	Reading   sensor.Reading       `json:"reading"`
	Payment   *payment.Transaction `json:"payment,omitempty"`
	LastError string               `json:"last_error,omitempty"`
	Updated   time.Time            `json:"updated"`
}

// coordinator is the only consumer of the event bus and the only writer of
// State.
type coordinator struct {
	events      <-chan events.Event
	unsubscribe func()
	dispense    func(volume string) error
	status      func() dispenser.Status
	forward     func(events.Event)

	mu      sync.RWMutex
	state   State
	running bool
	stopped bool
	done    chan struct{}
}

func newCoordinator(bus *events.Bus, size int) *coordinator {
	ch, unsubscribe := bus.Subscribe(size)
	return &coordinator{
		events:      ch,
		unsubscribe: unsubscribe,
		state:       State{Reading: sensor.Reading{Error: true}},
		done:        make(chan struct{}),
	}
}

func (c *coordinator) start() {
	c.running = true
	go c.run()
}

func (c *coordinator) run() {
	defer close(c.done)
	for e := range c.events {
		c.handle(e)
		if c.forward != nil {
			c.forward(e)
		}
	}
}

func (c *coordinator) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.unsubscribe()
	if c.running {
		<-c.done
	}
}

func (c *coordinator) handle(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Updated = e.Time
	switch e.Kind {
	case events.DispenseStarted, events.DispenseProgress, events.DispenseCompleted:
		c.state.Dispenser = c.status()
	case events.DispenseError:
		c.state.Dispenser = c.status()
		if f, ok := e.Payload.(dispenser.Failure); ok {
			c.state.LastError = f.Volume + ": " + f.Error
		}
	case events.SensorReading:
		if r, ok := e.Payload.(sensor.Reading); ok {
			c.state.Reading = r
		}
	case events.PaymentPending, events.PaymentSucceeded, events.PaymentFailed, events.PaymentClosed:
		if tx, ok := e.Payload.(payment.Transaction); ok {
			c.state.Payment = &tx
		}
	}
}

// settled receives terminal payment outcomes straight from the
// orchestrator, so a paid order is dispensed even when the bus drops the
// event.
func (c *coordinator) settled(kind events.Kind, tx payment.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Payment = &tx
	c.state.Updated = time.Now()
	if kind != events.PaymentSucceeded {
		return
	}
	if c.stopped {
		log.Println("ERROR: daemon: paid order", tx.OrderID, "settled during shutdown")
		c.state.LastError = tx.OrderID + ": settled during shutdown"
		return
	}
	if err := c.dispense(tx.Volume); err != nil {
		log.Println("ERROR: daemon: paid order", tx.OrderID, "could not start:", err)
		c.state.LastError = tx.OrderID + ": " + err.Error()
	}
}

func (c *coordinator) snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	s.Dispenser = c.status()
	return s
}
