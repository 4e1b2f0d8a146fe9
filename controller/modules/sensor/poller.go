// Package sensor polls the water-quality board and forwards its readings.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/events"
	"github.com/reef-pi/watervend/controller/modules/backend"
)

const (
	module        = "sensor"
	ReadingBucket = "sensor_readings"
)

// QualityRecorder forwards good readings upstream.
type QualityRecorder interface {
	RecordQuality(ctx context.Context, q backend.Quality) bool
}

type Config struct {
	// URL of the board's JSON endpoint, e.g. http://192.168.137.82:80/data.
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Rule     string
}

func DeviceURL(ip string, port int) string {
	return fmt.Sprintf("http://%s:%d/data", ip, port)
}

type Poller struct {
	c        controller.Controller
	config   Config
	client   *http.Client
	rule     *Rule
	recorder QualityRecorder

	mu        sync.Mutex
	cached    *Reading
	latest    Reading
	uploading bool
	pending   *Reading

	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New(c controller.Controller, conf Config, recorder QualityRecorder) *Poller {
	if conf.Interval <= 0 {
		conf.Interval = 2 * time.Second
	}
	return &Poller{
		c:        c,
		config:   conf,
		client:   &http.Client{Timeout: conf.Timeout},
		rule:     ruleOrDefault(conf.Rule),
		recorder: recorder,
		latest:   Reading{Error: true},
		quit:     make(chan struct{}),
	}
}

func (p *Poller) Setup() error {
	return p.c.Store().CreateBucket(ReadingBucket)
}

// Start runs the polling loop until Stop is called.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		log.Println("sensor: polling", p.config.URL, "every", p.config.Interval)
		p.cycle()
		for {
			select {
			case <-p.quit:
				log.Println("sensor: poller stopped")
				return
			case <-ticker.C:
				p.cycle()
			}
		}
	}()
}

// Stop asks the loop to exit and waits for it and any upload in flight.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Poller) Latest() Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// cycle never lets a failure escape the loop.
func (p *Poller) cycle() {
	defer func() {
		if r := recover(); r != nil {
			p.c.LogError(module, fmt.Sprintf("poll cycle: %v", r))
		}
	}()
	p.poll()
}

func (p *Poller) poll() Reading {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	r, err := p.fetch(ctx)
	p.c.Telemetry().Observe(module, "fetch", time.Since(start).Seconds())
	if err != nil {
		log.Println("sensor: fetch failed:", err)
		p.c.Telemetry().Count(module, "fetch_failed")
		r = p.fallback()
		p.emit(r)
		return r
	}

	safe, err := p.rule.Safe(r)
	if err != nil {
		log.Println("ERROR: sensor:", err)
	}
	r.Safe = safe

	p.mu.Lock()
	good := r
	p.cached = &good
	p.mu.Unlock()

	p.c.Telemetry().Count(module, "fetch_ok")
	p.c.Telemetry().EmitMetric(module, "ph", r.PH)
	p.c.Telemetry().EmitMetric(module, "tds", r.TDS)
	p.c.Telemetry().EmitMetric(module, "water_level", r.WaterLevel)
	if err := p.save(r); err != nil {
		p.c.LogError(module, "save reading: "+err.Error())
	}
	p.upload(r)
	p.emit(r)
	return r
}

// fallback returns the last good reading marked stale, or an error reading
// when nothing was ever fetched.
func (p *Poller) fallback() Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		return Reading{Error: true, Time: time.Now()}
	}
	r := *p.cached
	r.Stale = true
	return r
}

func (p *Poller) emit(r Reading) {
	p.mu.Lock()
	p.latest = r
	p.mu.Unlock()
	p.c.Events().Publish(events.SensorReading, r)
}

func (p *Poller) fetch(ctx context.Context) (Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return Reading{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Reading{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var d deviceData
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Reading{}, fmt.Errorf("decode: %w", err)
	}
	return d.reading(time.Now()), nil
}

// upload forwards r off the polling path. Readings that arrive while an
// upload is still retrying are coalesced: only the newest one is sent next.
func (p *Poller) upload(r Reading) {
	if p.recorder == nil {
		return
	}
	p.mu.Lock()
	if p.uploading {
		p.pending = &r
		p.mu.Unlock()
		p.c.Telemetry().Count(module, "upload_coalesced")
		return
	}
	p.uploading = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-p.quit:
				cancel()
			case <-ctx.Done():
			}
		}()
		next := r
		for {
			p.recorder.RecordQuality(ctx, next.Quality())
			p.mu.Lock()
			if p.pending == nil || ctx.Err() != nil {
				p.pending = nil
				p.uploading = false
				p.mu.Unlock()
				return
			}
			next = *p.pending
			p.pending = nil
			p.mu.Unlock()
		}
	}()
}
