// Package telemetry exposes prometheus metrics and mirrors selected values
// to an MQTT broker and Adafruit IO feeds.
package telemetry

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reef-pi/adafruitio"
)

const namespace = "watervend"

type MQTTConfig struct {
	Enable   bool
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte
}

type AdafruitIOConfig struct {
	Enable bool
	User   string
	Token  string
	Prefix string
	// Throttle is the minimum gap between two values of one feed.
	Throttle time.Duration
}

type Config struct {
	MQTT       MQTTConfig
	AdafruitIO AdafruitIOConfig
}

// Telemetry is the observability surface modules write to.
type Telemetry interface {
	// EmitMetric records a gauge value and mirrors it to the configured sinks.
	EmitMetric(module, name string, v float64)
	// Count increments the event counter for module/event.
	Count(module, event string)
	// Observe records a duration in seconds.
	Observe(module, name string, seconds float64)
}

const (
	sinkQueue    = 64
	closeTimeout = 2 * time.Second
)

type Client struct {
	reg      *prometheus.Registry
	gauges   *prometheus.GaugeVec
	counters *prometheus.CounterVec
	histos   *prometheus.HistogramVec

	config Config
	mqtt   mqtt.Client
	aio    *adafruitio.Client
	sinks  []*sink
	once   sync.Once
}

// New registers the metric families in reg and connects the optional sinks.
// A broker that cannot be reached is logged and skipped.
func New(c Config, reg *prometheus.Registry) (*Client, error) {
	t := &Client{
		reg:    reg,
		config: c,
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metric",
			Help:      "Last value emitted by a module.",
		}, []string{"module", "name"}),
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Module events by kind.",
		}, []string{"module", "event"}),
		histos: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Durations of dispenses, payments and backend requests.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"module", "name"}),
	}
	for _, col := range []prometheus.Collector{t.gauges, t.counters, t.histos} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if c.MQTT.Enable {
		opts := mqtt.NewClientOptions().
			AddBroker(c.MQTT.Broker).
			SetClientID(c.MQTT.ClientID).
			SetUsername(c.MQTT.Username).
			SetPassword(c.MQTT.Password).
			SetAutoReconnect(true).
			SetConnectTimeout(5 * time.Second)
		client := mqtt.NewClient(opts)
		tok := client.Connect()
		if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
			log.Println("ERROR: telemetry: mqtt connect", c.MQTT.Broker, tok.Error())
		} else {
			t.mqtt = client
			t.addSink("mqtt", 0, t.publishMQTT)
		}
	}
	if c.AdafruitIO.Enable {
		t.aio = adafruitio.NewClient(c.AdafruitIO.Token)
		t.addSink("adafruitio", c.AdafruitIO.Throttle, t.submitAdafruitIO)
	}
	return t, nil
}

func (t *Client) publishMQTT(module, name string, v float64) error {
	topic := strings.Trim(t.config.MQTT.Prefix+"/"+module+"/"+name, "/")
	tok := t.mqtt.Publish(topic, t.config.MQTT.QoS, false, strconv.FormatFloat(v, 'f', -1, 64))
	if !tok.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (t *Client) submitAdafruitIO(module, name string, v float64) error {
	feed := strings.ToLower(t.config.AdafruitIO.Prefix + module + "-" + name)
	if err := t.aio.SubmitData(t.config.AdafruitIO.User, feed, adafruitio.Data{Value: v}); err != nil {
		return fmt.Errorf("feed %s: %w", feed, err)
	}
	return nil
}

// EmitMetric never waits on a sink. A value a sink cannot queue is dropped.
func (t *Client) EmitMetric(module, name string, v float64) {
	t.gauges.WithLabelValues(module, name).Set(v)
	for _, s := range t.sinks {
		select {
		case s.queue <- sample{module: module, name: name, v: v}:
		default:
			t.counters.WithLabelValues("telemetry", s.name+"_dropped").Inc()
		}
	}
}

func (t *Client) Count(module, event string) {
	t.counters.WithLabelValues(module, event).Inc()
}

func (t *Client) Observe(module, name string, seconds float64) {
	t.histos.WithLabelValues(module, name).Observe(seconds)
}

// Handler serves the registry in the prometheus exposition format.
func (t *Client) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

// Close stops the sinks, giving a sink stuck on its uplink closeTimeout to
// return, and disconnects from the broker.
func (t *Client) Close() {
	t.once.Do(func() {
		for _, s := range t.sinks {
			close(s.quit)
		}
		deadline := time.After(closeTimeout)
		for _, s := range t.sinks {
			select {
			case <-s.done:
			case <-deadline:
				log.Println("WARNING: telemetry:", s.name, "still busy at shutdown")
			}
		}
		if t.mqtt != nil {
			t.mqtt.Disconnect(250)
		}
	})
}
