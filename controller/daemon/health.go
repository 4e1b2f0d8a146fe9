package daemon

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const systemModule = "system"

type Health struct {
	Hardware      string  `json:"hardware"`
	Uptime        uint64  `json:"uptime"`
	Booted        string  `json:"booted"`
	Load1         float64 `json:"load1"`
	MemoryUsed    float64 `json:"memory_used_percent"`
	ReadingAge    string  `json:"reading_age"`
	ReadingStale  bool    `json:"reading_stale"`
	EventsDropped uint64  `json:"events_dropped"`
	Started       string  `json:"started"`
}

// health gathers host statistics. Values the platform does not provide are
// left zero.
func (d *Daemon) health() Health {
	h := Health{
		Hardware:      "gpio",
		EventsDropped: d.bus.Dropped(),
		Started:       humanize.Time(d.started),
	}
	if d.hardware.Simulated() {
		h.Hardware = "simulated"
	}
	if up, err := host.Uptime(); err == nil {
		h.Uptime = up
		h.Booted = humanize.Time(time.Now().Add(-time.Duration(up) * time.Second))
	}
	if avg, err := load.Avg(); err == nil {
		h.Load1 = avg.Load1
		d.telemetry.EmitMetric(systemModule, "load1", avg.Load1)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryUsed = vm.UsedPercent
		d.telemetry.EmitMetric(systemModule, "memory_used_percent", vm.UsedPercent)
	}
	r := d.sensor.Latest()
	h.ReadingStale = r.Stale || r.Error
	if r.Error || r.Time.IsZero() {
		h.ReadingAge = "never"
	} else {
		h.ReadingAge = humanize.Time(r.Time)
	}
	return h
}
