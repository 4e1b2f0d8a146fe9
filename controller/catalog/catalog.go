// Package catalog holds the sellable water volumes.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"
)

var ErrUnknownVolume = errors.New("unknown volume")

// WaterVolume is one sellable size. PulseTarget is calibrated per flow
// sensor and is never derived at runtime.
type WaterVolume struct {
	Name        string `json:"name" yaml:"name"`
	PulseTarget int    `json:"pulse_target" yaml:"pulse_target"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Price       int    `json:"price" yaml:"price"`
}

// PriceLabel renders the price the way the kiosk prints it, e.g. "Rp. 3.000".
func (v WaterVolume) PriceLabel() string {
	return "Rp. " + humanize.FormatInteger("#.###,", v.Price)
}

type Catalog struct {
	volumes map[string]WaterVolume
}

// Default is the calibration shipped with the stock YF-S201 flow sensor.
func Default() Catalog {
	c, _ := New([]WaterVolume{
		{Name: "100 ml", PulseTarget: 108, DisplayName: "100 ml", Price: 3000},
		{Name: "350 ml", PulseTarget: 378, DisplayName: "350 ml", Price: 5000},
		{Name: "600 ml", PulseTarget: 670, DisplayName: "600 ml", Price: 7000},
		{Name: "1 Liter", PulseTarget: 1080, DisplayName: "1 Liter", Price: 15000},
	})
	return c
}

func New(volumes []WaterVolume) (Catalog, error) {
	c := Catalog{volumes: make(map[string]WaterVolume)}
	for _, v := range volumes {
		if v.Name == "" {
			return Catalog{}, fmt.Errorf("volume without name")
		}
		if v.PulseTarget <= 0 {
			return Catalog{}, fmt.Errorf("volume %q: pulse target must be positive", v.Name)
		}
		if _, dup := c.volumes[v.Name]; dup {
			return Catalog{}, fmt.Errorf("volume %q listed twice", v.Name)
		}
		if v.DisplayName == "" {
			v.DisplayName = v.Name
		}
		c.volumes[v.Name] = v
	}
	if len(c.volumes) == 0 {
		return Catalog{}, errors.New("empty catalog")
	}
	return c, nil
}

// Load reads a YAML list of volumes.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	var volumes []WaterVolume
	if err := yaml.Unmarshal(data, &volumes); err != nil {
		return Catalog{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return New(volumes)
}

func (c Catalog) Get(name string) (WaterVolume, error) {
	v, ok := c.volumes[name]
	if !ok {
		return WaterVolume{}, fmt.Errorf("%q: %w", name, ErrUnknownVolume)
	}
	return v, nil
}

// List returns the volumes ordered by pulse target.
func (c Catalog) List() []WaterVolume {
	list := make([]WaterVolume, 0, len(c.volumes))
	for _, v := range c.volumes {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].PulseTarget < list[j].PulseTarget
	})
	return list
}
