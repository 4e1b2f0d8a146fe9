package hardware

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/reef-pi/hal"
	"github.com/warthog618/go-gpiocdev"
)

const consumer = "watervend"

// GPIO drives the motor relay (active high) and counts falling edges of the
// flow sensor through the Linux GPIO character device.
type GPIO struct {
	motor hal.DigitalOutputPin
	flow  io.Closer

	sink    atomic.Pointer[chan<- struct{}]
	dropped atomic.Uint64
	once    sync.Once
}

// OpenGPIO is the Opener for a Raspberry Pi class board.
func OpenGPIO(c Config) (Hardware, error) {
	motor, err := gpiocdev.RequestLine(c.Chip, c.MotorPin,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(consumer+"-motor"))
	if err != nil {
		return nil, fmt.Errorf("request motor line %s:%d: %w", c.Chip, c.MotorPin, err)
	}
	g := &GPIO{
		motor: &outputLine{line: motor, name: "motor", number: c.MotorPin},
	}
	flow, err := gpiocdev.RequestLine(c.Chip, c.FlowSensorPin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(g.onEdge),
		gpiocdev.WithConsumer(consumer+"-flow"))
	if err != nil {
		motor.Close()
		return nil, fmt.Errorf("request flow sensor line %s:%d: %w", c.Chip, c.FlowSensorPin, err)
	}
	g.flow = flow
	log.Println("hardware: GPIO setup completed, motor:", c.MotorPin, "flow sensor:", c.FlowSensorPin)
	return g, nil
}

func (g *GPIO) onEdge(gpiocdev.LineEvent) {
	g.pulse()
}

func (g *GPIO) pulse() {
	p := g.sink.Load()
	if p == nil {
		return
	}
	select {
	case *p <- struct{}{}:
	default:
		g.dropped.Add(1)
	}
}

func (g *GPIO) StartMotor() bool {
	if err := g.motor.Write(true); err != nil {
		log.Println("ERROR: hardware: failed to start motor:", err)
		return false
	}
	log.Println("hardware: motor started")
	return true
}

func (g *GPIO) StopMotor() {
	if err := g.motor.Write(false); err != nil {
		log.Println("ERROR: hardware: failed to stop motor:", err)
		return
	}
	log.Println("hardware: motor stopped")
}

func (g *GPIO) WatchFlow(pulses chan<- struct{}) error {
	if !g.sink.CompareAndSwap(nil, &pulses) {
		return ErrWatching
	}
	return nil
}

func (g *GPIO) UnwatchFlow() error {
	if g.sink.Swap(nil) == nil {
		return ErrNotWatching
	}
	if n := g.dropped.Swap(0); n > 0 {
		log.Println("hardware: flow sensor pulses dropped:", n)
	}
	return nil
}

func (g *GPIO) Simulated() bool { return false }

func (g *GPIO) Cleanup() {
	g.once.Do(func() {
		g.sink.Store(nil)
		if err := g.motor.Write(false); err != nil {
			log.Println("ERROR: hardware: motor off during cleanup:", err)
		}
		if err := g.motor.Close(); err != nil {
			log.Println("ERROR: hardware: release motor line:", err)
		}
		if err := g.flow.Close(); err != nil {
			log.Println("ERROR: hardware: release flow sensor line:", err)
		}
		log.Println("hardware: GPIO cleanup completed")
	})
}

// outputLine adapts a requested gpiocdev line to hal.DigitalOutputPin.
type outputLine struct {
	line   *gpiocdev.Line
	name   string
	number int

	mu   sync.Mutex
	last bool
}

var _ hal.DigitalOutputPin = (*outputLine)(nil)

func (o *outputLine) Name() string { return o.name }
func (o *outputLine) Number() int  { return o.number }

func (o *outputLine) Write(state bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := 0
	if state {
		v = 1
	}
	if err := o.line.SetValue(v); err != nil {
		return err
	}
	o.last = state
	return nil
}

func (o *outputLine) LastState() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *outputLine) Close() error {
	return o.line.Close()
}
