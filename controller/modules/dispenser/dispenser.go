// Package dispenser fills a catalog volume by counting flow sensor pulses
// while the pump runs.
package dispenser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/catalog"
	"github.com/reef-pi/watervend/controller/events"
	"github.com/reef-pi/watervend/controller/modules/backend"
	"github.com/reef-pi/watervend/controller/modules/hardware"
)

const module = "dispenser"

var (
	ErrBusy  = errors.New("a dispense session is already running")
	ErrMotor = errors.New("failed to start motor")
	ErrIdle  = errors.New("no dispense session is running")

	// ErrStopped is returned once Cleanup released the hardware.
	ErrStopped = errors.New("dispenser is stopped")
)

type State string

const (
	Idle      State = "idle"
	Filling   State = "filling"
	Completed State = "completed"
	Cancelled State = "cancelled"
	Failed    State = "error"
)

// SaleRecorder receives the sale of every session that ran the pump.
type SaleRecorder interface {
	RecordSale(ctx context.Context, s backend.Sale) bool
}

type Progress struct {
	Session    int    `json:"session"`
	Volume     string `json:"volume"`
	PulseCount int    `json:"pulse_count"`
	Target     int    `json:"target"`
	Progress   int    `json:"progress"`
}

type Completion struct {
	Session    int           `json:"session"`
	Volume     string        `json:"volume"`
	PulseCount int           `json:"pulse_count"`
	Target     int           `json:"target"`
	Cancelled  bool          `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
}

type Failure struct {
	Volume string `json:"volume"`
	Error  string `json:"error"`
}

type Status struct {
	State      State  `json:"state"`
	Last       State  `json:"last,omitempty"`
	Volume     string `json:"volume,omitempty"`
	PulseCount int    `json:"pulse_count"`
	Target     int    `json:"target"`
	Progress   int    `json:"progress"`
}

type Options struct {
	// PulseBuffer bounds the channel between the flow sensor and the session worker.
	PulseBuffer int
	SaleTimeout time.Duration
	// Trace logs every pulse.
	Trace bool
}

type session struct {
	id      int
	volume  catalog.WaterVolume
	count   int
	running bool
	pulses  chan struct{}
	quit    chan struct{}
	started time.Time
}

func (s *session) progress() int {
	p := 100 * s.count / s.volume.PulseTarget
	if p > 100 {
		return 100
	}
	return p
}

type Controller struct {
	c       controller.Controller
	hw      hardware.Hardware
	catalog catalog.Catalog
	sales   SaleRecorder
	opts    Options

	mu      sync.Mutex
	session *session
	stopped bool
	last    State
	seq     int
	wg      sync.WaitGroup

	logMu sync.Mutex
	logs  []string
}

func New(c controller.Controller, hw hardware.Hardware, cat catalog.Catalog, sales SaleRecorder, opts Options) *Controller {
	if opts.PulseBuffer <= 0 {
		opts.PulseBuffer = 256
	}
	if opts.SaleTimeout <= 0 {
		opts.SaleTimeout = time.Minute
	}
	return &Controller{
		c:       c,
		hw:      hw,
		catalog: cat,
		sales:   sales,
		opts:    opts,
	}
}

// StartFilling begins a session for the named volume. It fails without
// touching the running session when the name is unknown or a session is
// already in progress.
func (c *Controller) StartFilling(name string) error {
	v, err := c.catalog.Get(name)
	if err != nil {
		c.reject(name, err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.reject(name, ErrStopped)
		return ErrStopped
	}
	if c.session != nil && c.session.running {
		c.reject(name, ErrBusy)
		return ErrBusy
	}

	c.seq++
	s := &session{
		id:      c.seq,
		volume:  v,
		running: true,
		pulses:  make(chan struct{}, c.opts.PulseBuffer),
		quit:    make(chan struct{}),
		started: time.Now(),
	}
	if !c.hw.StartMotor() {
		c.last = Failed
		c.reject(name, ErrMotor)
		return ErrMotor
	}
	if err := c.hw.WatchFlow(s.pulses); err != nil {
		c.hw.StopMotor()
		c.last = Failed
		err = fmt.Errorf("attach flow sensor: %w", err)
		c.reject(name, err)
		return err
	}
	c.session = s
	c.wg.Add(1)
	go c.run(s)

	log.Printf("dispenser: filling %s, target %d pulses", v.Name, v.PulseTarget)
	c.appendLog(fmt.Sprintf("%s: filling started", v.Name))
	c.c.Telemetry().Count(module, "started")
	c.c.Events().Publish(events.DispenseStarted, Progress{Session: s.id, Volume: v.Name, Target: v.PulseTarget})
	return nil
}

func (c *Controller) reject(name string, err error) {
	log.Println("dispenser:", name, err)
	c.appendLog(fmt.Sprintf("%s: rejected (%v)", name, err))
	c.c.Events().Publish(events.DispenseError, Failure{Volume: name, Error: err.Error()})
}

// run is the single consumer of a session's pulse channel.
func (c *Controller) run(s *session) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.c.LogError(module, fmt.Sprintf("session %d worker: %v", s.id, r))
			c.c.Events().Publish(events.DispenseError, Failure{Volume: s.volume.Name, Error: fmt.Sprint(r)})
			c.finish(s, Failed)
		}
	}()
	for {
		select {
		case <-s.quit:
			return
		case <-s.pulses:
			c.pulse(s)
		}
	}
}

// pulseCurrent delivers one flow sensor pulse to the running session.
func (c *Controller) pulseCurrent() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		c.pulse(s)
	}
}

func (c *Controller) pulse(s *session) {
	done := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !s.running {
			return false
		}
		s.count++
		p := Progress{
			Session:    s.id,
			Volume:     s.volume.Name,
			PulseCount: s.count,
			Target:     s.volume.PulseTarget,
			Progress:   s.progress(),
		}
		if c.opts.Trace {
			log.Printf("dispenser: pulse %d/%d (%d%%)", p.PulseCount, p.Target, p.Progress)
		}
		c.c.Events().Publish(events.DispenseProgress, p)
		return s.count >= s.volume.PulseTarget
	}()
	if done {
		c.finish(s, Completed)
	}
}

// StopFilling halts the running session, e.g. on an emergency stop.
func (c *Controller) StopFilling() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || !c.finish(s, Cancelled) {
		return ErrIdle
	}
	return nil
}

// finish is the only path that ends a session. It reports false when the
// session had already ended.
func (c *Controller) finish(s *session, result State) bool {
	c.mu.Lock()
	if !s.running {
		c.mu.Unlock()
		return false
	}
	s.running = false
	count := s.count
	c.mu.Unlock()

	c.hw.StopMotor()
	if err := c.hw.UnwatchFlow(); err != nil {
		log.Println("WARNING: dispenser: detach flow sensor:", err)
	}
	close(s.quit)

	elapsed := time.Since(s.started)
	c.c.Telemetry().Count(module, string(result))
	c.c.Telemetry().Observe(module, "fill", elapsed.Seconds())
	c.c.Telemetry().EmitMetric(module, "pulses", float64(count))
	if result != Failed {
		c.c.Events().Publish(events.DispenseCompleted, Completion{
			Session:    s.id,
			Volume:     s.volume.Name,
			PulseCount: count,
			Target:     s.volume.PulseTarget,
			Cancelled:  result == Cancelled,
			Duration:   elapsed,
		})
	}
	log.Printf("dispenser: session %d %s. Pulses: %d/%d", s.id, result, count, s.volume.PulseTarget)
	c.appendLog(fmt.Sprintf("%s: %s after %d/%d pulses", s.volume.Name, result, count, s.volume.PulseTarget))
	c.recordSale(s.volume)

	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.last = result
	c.mu.Unlock()
	return true
}

func (c *Controller) recordSale(v catalog.WaterVolume) {
	if c.sales == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SaleTimeout)
		defer cancel()
		if !c.sales.RecordSale(ctx, backend.Sale{Volume: v.Name, Price: v.Price}) {
			log.Println("dispenser: sale of", v.Name, "was not uploaded")
		}
	}()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: Idle, Last: c.last}
	if s := c.session; s != nil && s.running {
		st.State = Filling
		st.Volume = s.volume.Name
		st.PulseCount = s.count
		st.Target = s.volume.PulseTarget
		st.Progress = s.progress()
	}
	return st
}

// Cleanup stops any session, waits for its workers and releases the hardware.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.StopFilling()
	c.wg.Wait()
	c.hw.Cleanup()
}

func (c *Controller) Setup() error { return nil }
func (c *Controller) Start()       {}
func (c *Controller) Stop()        { c.Cleanup() }
