// Package hardware drives the pump relay and listens to the flow sensor.
package hardware

import (
	"errors"
	"log"
	"time"
)

var (
	ErrNotWatching = errors.New("flow sensor is not attached")
	ErrWatching    = errors.New("flow sensor is already attached")
)

// Hardware is implemented by GPIO and Simulated.
type Hardware interface {
	// StartMotor powers the pump. It reports false when the driver failed.
	StartMotor() bool
	StopMotor()
	// WatchFlow delivers one value on pulses per falling edge of the flow
	// sensor. Sends never block; pulses that do not fit are dropped.
	WatchFlow(pulses chan<- struct{}) error
	UnwatchFlow() error
	Simulated() bool
	// Cleanup releases the lines. Calling it more than once is a no-op.
	Cleanup()
}

type Config struct {
	Chip          string
	MotorPin      int
	FlowSensorPin int
	Simulate      bool
	PulseInterval time.Duration
}

// Opener acquires the real hardware.
type Opener func(Config) (Hardware, error)

// New tries open once. On failure the returned controller is simulated for
// the rest of the process.
func New(c Config, open Opener) Hardware {
	if c.Simulate {
		log.Println("hardware: simulation forced by configuration")
		return NewSimulated(c.PulseInterval)
	}
	h, err := open(c)
	if err != nil {
		log.Println("hardware: GPIO not available - running in simulation mode:", err)
		return NewSimulated(c.PulseInterval)
	}
	return h
}
