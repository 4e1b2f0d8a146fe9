package sensor

import (
	"time"

	"github.com/reef-pi/watervend/controller/modules/backend"
)

// Reading is one emission of the poller. Stale marks a cached value reused
// after a failed fetch; Error marks that no value exists at all.
type Reading struct {
	PH         float64   `json:"ph"`
	TDS        float64   `json:"tds"`
	WaterLevel float64   `json:"water_level"`
	Time       time.Time `json:"timestamp"`
	Stale      bool      `json:"stale"`
	Error      bool      `json:"error"`
	Safe       bool      `json:"safe"`
}

// deviceData is the JSON served by the sensor board. Fields it omits keep
// their defaults.
type deviceData struct {
	PH         *float64 `json:"ph"`
	TDS        *float64 `json:"tds"`
	WaterLevel *float64 `json:"water_level"`
}

func (d deviceData) reading(t time.Time) Reading {
	r := Reading{PH: 7, Time: t}
	if d.PH != nil {
		r.PH = *d.PH
	}
	if d.TDS != nil {
		r.TDS = *d.TDS
	}
	if d.WaterLevel != nil {
		r.WaterLevel = *d.WaterLevel
	}
	return r
}

func (r Reading) Quality() backend.Quality {
	return backend.Quality{
		TDSLevel:   r.TDS,
		PHLevel:    r.PH,
		WaterLevel: r.WaterLevel,
	}
}
