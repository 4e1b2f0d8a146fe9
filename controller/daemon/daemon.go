// Package daemon wires the kiosk subsystems together and serves their API.
package daemon

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/catalog"
	"github.com/reef-pi/watervend/controller/events"
	"github.com/reef-pi/watervend/controller/modules/backend"
	"github.com/reef-pi/watervend/controller/modules/dispenser"
	"github.com/reef-pi/watervend/controller/modules/hardware"
	"github.com/reef-pi/watervend/controller/modules/ledger"
	"github.com/reef-pi/watervend/controller/modules/payment"
	"github.com/reef-pi/watervend/controller/modules/sensor"
	"github.com/reef-pi/watervend/controller/settings"
	"github.com/reef-pi/watervend/controller/storage"
	"github.com/reef-pi/watervend/controller/telemetry"
)

const (
	busBuffer       = 1024
	shutdownTimeout = 5 * time.Second
)

// Subsystems in start order. Stop runs them in the order of stopOrder.
var (
	startOrder = []string{"ledger", "sensor", "dispenser", "payment"}
	stopOrder  = []string{"payment", "dispenser", "sensor", "ledger"}
)

type Option func(*Daemon)

// WithOpener replaces the GPIO opener.
func WithOpener(o hardware.Opener) Option {
	return func(d *Daemon) { d.opener = o }
}

// WithGateway replaces the Midtrans gateway.
func WithGateway(g payment.Gateway) Option {
	return func(d *Daemon) { d.gateway = g }
}

type Daemon struct {
	config     settings.Config
	store      storage.Store
	bus        *events.Bus
	telemetry  *telemetry.Client
	controller controller.Controller
	catalog    catalog.Catalog
	hardware   hardware.Hardware
	backend    *backend.Client
	dispenser  *dispenser.Controller
	sensor     *sensor.Poller
	payments   *payment.Orchestrator
	ledger     *ledger.Ledger
	subsystems map[string]controller.Subsystem

	opener   hardware.Opener
	gateway  payment.Gateway
	sessions *sessions.CookieStore
	coord    *coordinator
	hub      *hub
	router   *mux.Router
	server   *http.Server
	started  time.Time
	quit     chan struct{}
	wg       sync.WaitGroup
}

// New builds every component from c and runs their Setup.
func New(c settings.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		config:   c,
		opener:   hardware.OpenGPIO,
		bus:      events.NewBus(),
		sessions: newSessionStore(c.Server.SessionSecret),
		hub:      newHub(),
		quit:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if c.DefaultPassword() {
		log.Println("WARNING: daemon: admin", c.Server.User, "still uses the default password, set password_hash or WATERVEND_ADMIN_PASSWORD_HASH")
	}

	store, err := storage.New(c.App.DBPath)
	if err != nil {
		return nil, err
	}
	d.store = store

	d.telemetry, err = telemetry.New(telemetryConfig(c.Telemetry), prometheus.NewRegistry())
	if err != nil {
		store.Close()
		return nil, err
	}
	d.controller, err = controller.New(store, d.telemetry, d.bus)
	if err != nil {
		d.telemetry.Close()
		store.Close()
		return nil, err
	}

	d.catalog = catalog.Default()
	if c.App.CatalogFile != "" {
		cat, err := catalog.Load(c.App.CatalogFile)
		if err != nil {
			log.Println("ERROR: daemon: catalog", c.App.CatalogFile+":", err, "- using default volumes")
		} else {
			d.catalog = cat
		}
	}

	d.backend = backend.New(backend.Config{
		BaseURL:   c.API.BaseURL,
		MachineID: c.API.MachineID,
		Timeout:   c.API.TimeoutDuration(),
		Retry:     backend.FixedDelay(c.API.RetryAttempts, c.API.RetryDelayDuration()),
	}, d.telemetry)

	d.hardware = hardware.New(hardware.Config{
		Chip:          c.Hardware.GPIOChip,
		MotorPin:      c.Hardware.MotorPin,
		FlowSensorPin: c.Hardware.FlowSensorPin,
		Simulate:      c.Hardware.Simulate,
		PulseInterval: c.Hardware.PulseInterval(),
	}, d.opener)

	d.sensor = sensor.New(d.controller, sensor.Config{
		URL:      sensor.DeviceURL(c.Hardware.ESP32IP, c.Hardware.ESP32Port),
		Interval: c.App.Interval(),
		Timeout:  c.API.TimeoutDuration(),
		Rule:     c.App.QualityRule,
	}, d.backend)

	d.ledger = ledger.New(d.controller, d.backend, ledger.Config{
		SyncSchedule:  c.App.SyncSchedule,
		PruneSchedule: c.App.PruneSchedule,
		RetentionDays: c.App.RetentionDays,
	}, d.sensor)

	d.dispenser = dispenser.New(d.controller, d.hardware, d.catalog, d.ledger, dispenser.Options{
		Trace: strings.EqualFold(c.App.LogLevel, "DEBUG"),
	})

	if d.gateway == nil {
		gw, err := payment.NewMidtrans(payment.MidtransConfig{
			ServerKey:    c.Payment.ServerKey,
			IsProduction: c.Payment.IsProduction,
			Timeout:      c.API.TimeoutDuration(),
		})
		if err != nil {
			d.hardware.Cleanup()
			d.telemetry.Close()
			store.Close()
			return nil, err
		}
		d.gateway = gw
	}
	d.payments = payment.New(d.controller, d.gateway, d.catalog, c.Payment.Interval())

	d.subsystems = map[string]controller.Subsystem{
		"ledger":    d.ledger,
		"sensor":    d.sensor,
		"dispenser": d.dispenser,
		"payment":   d.payments,
	}
	for _, name := range startOrder {
		if err := d.subsystems[name].Setup(); err != nil {
			d.hardware.Cleanup()
			d.telemetry.Close()
			store.Close()
			return nil, err
		}
	}

	d.coord = newCoordinator(d.bus, busBuffer)
	d.coord.dispense = d.dispenser.StartFilling
	d.coord.status = d.dispenser.Status
	d.coord.forward = d.hub.broadcast
	d.payments.OnSettled(d.coord.settled)
	d.router = d.newRouter()
	return d, nil
}

func telemetryConfig(t settings.Telemetry) telemetry.Config {
	return telemetry.Config{
		MQTT: telemetry.MQTTConfig{
			Enable:   t.MQTT.Enable,
			Broker:   t.MQTT.Broker,
			ClientID: t.MQTT.ClientID,
			Username: t.MQTT.Username,
			Password: t.MQTT.Password,
			Prefix:   t.MQTT.Prefix,
		},
		AdafruitIO: telemetry.AdafruitIOConfig{
			Enable:   t.AdafruitIO.Enable,
			User:     t.AdafruitIO.User,
			Token:    t.AdafruitIO.Token,
			Prefix:   t.AdafruitIO.Prefix,
			Throttle: time.Duration(t.AdafruitIO.Throttle) * time.Second,
		},
	}
}

func (d *Daemon) Handler() http.Handler {
	return d.router
}

// Start launches the coordinator, every subsystem and, when an address is
// configured, the HTTP server.
func (d *Daemon) Start() error {
	d.started = time.Now()
	d.coord.start()
	for _, name := range startOrder {
		d.subsystems[name].Start()
		log.Println("daemon: started", name)
	}

	if d.config.Server.Address != "" {
		l, err := net.Listen("tcp", d.config.Server.Address)
		if err != nil {
			return err
		}
		d.server = &http.Server{Handler: d.router, ReadHeaderTimeout: 10 * time.Second}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			log.Println("daemon: serving on", l.Addr())
			if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.controller.LogError("daemon", "http server: "+err.Error())
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		watchdog(d.quit)
	}()
	notify(sddaemon.SdNotifyReady)
	return nil
}

// Stop tears the daemon down. Nothing may start a dispense once the
// subsystems go down, so the HTTP server and the coordinator stop first.
func (d *Daemon) Stop() {
	notify(sddaemon.SdNotifyStopping)
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.server.Shutdown(ctx); err != nil {
			log.Println("daemon: http shutdown:", err)
		}
		cancel()
	}
	close(d.quit)
	d.wg.Wait()
	d.coord.stop()
	for _, name := range stopOrder {
		d.subsystems[name].Stop()
		log.Println("daemon: stopped", name)
	}
	d.hub.close()
	d.telemetry.Close()
	if err := d.store.Close(); err != nil {
		log.Println("daemon: close store:", err)
	}
}

func (d *Daemon) State() State {
	return d.coord.snapshot()
}
