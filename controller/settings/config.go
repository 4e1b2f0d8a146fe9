// Package settings loads and persists the kiosk configuration file.
package settings

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultPath          = "config.json"
	DefaultAdminUser     = "admin"
	DefaultAdminPassword = "watervend"
	DefaultQualityRule   = "ph >= 6.5 && ph <= 8.5 && tds <= 500"
)

type API struct {
	BaseURL       string `json:"base_url"`
	MachineID     string `json:"machine_id"`
	Timeout       int    `json:"timeout"`
	RetryAttempts int    `json:"retry_attempts"`
	RetryDelay    int    `json:"retry_delay"`
}

type Hardware struct {
	FlowSensorPin      int    `json:"flow_sensor_pin"`
	MotorPin           int    `json:"motor_pin"`
	ESP32IP            string `json:"esp32_ip"`
	ESP32Port          int    `json:"esp32_port"`
	GPIOChip           string `json:"gpio_chip"`
	Simulate           bool   `json:"simulate"`
	SimulatedPulseRate int    `json:"simulated_pulse_rate"`
}

type App struct {
	VideoPath      string `json:"video_path"`
	LogFile        string `json:"log_file"`
	LogLevel       string `json:"log_level"`
	UpdateInterval int    `json:"update_interval"`

	DBPath        string `json:"db_path"`
	CatalogFile   string `json:"catalog_file"`
	QualityRule   string `json:"quality_rule"`
	SyncSchedule  string `json:"sync_schedule"`
	PruneSchedule string `json:"prune_schedule"`
	RetentionDays int    `json:"retention_days"`
}

type Payment struct {
	ServerKey    string `json:"server_key"`
	ClientKey    string `json:"client_key"`
	MerchantID   string `json:"merchant_id"`
	IsProduction bool   `json:"is_production"`
	PollInterval int    `json:"poll_interval"`
}

type MQTT struct {
	Enable   bool   `json:"enable"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Prefix   string `json:"prefix"`
}

type AdafruitIO struct {
	Enable bool   `json:"enable"`
	User   string `json:"user"`
	Token  string `json:"token"`
	Prefix string `json:"prefix"`
	// Throttle is the minimum number of seconds between two values of a feed.
	Throttle int `json:"throttle"`
}

type Telemetry struct {
	MQTT       MQTT       `json:"mqtt"`
	AdafruitIO AdafruitIO `json:"adafruitio"`
}

type Server struct {
	Address       string `json:"address"`
	User          string `json:"user"`
	PasswordHash  string `json:"password_hash"`
	SessionSecret string `json:"session_secret"`
}

type Config struct {
	API       API       `json:"api"`
	Hardware  Hardware  `json:"hardware"`
	App       App       `json:"app"`
	Payment   Payment   `json:"payment"`
	Telemetry Telemetry `json:"telemetry"`
	Server    Server    `json:"server"`
}

func (a API) TimeoutDuration() time.Duration    { return time.Duration(a.Timeout) * time.Second }
func (a API) RetryDelayDuration() time.Duration { return time.Duration(a.RetryDelay) * time.Second }
func (a App) Interval() time.Duration           { return time.Duration(a.UpdateInterval) * time.Second }
func (p Payment) Interval() time.Duration       { return time.Duration(p.PollInterval) * time.Second }

// PulseInterval is the spacing of synthetic pulses in simulated mode.
func (h Hardware) PulseInterval() time.Duration {
	if h.SimulatedPulseRate <= 0 {
		return 100 * time.Millisecond
	}
	return time.Second / time.Duration(h.SimulatedPulseRate)
}

// Default returns the configuration written when no file exists.
func Default() Config {
	c := Config{
		API: API{
			BaseURL:       "http://localhost:8000",
			MachineID:     "VM001",
			Timeout:       5,
			RetryAttempts: 3,
			RetryDelay:    1,
		},
		Hardware: Hardware{
			FlowSensorPin:      20,
			MotorPin:           21,
			ESP32IP:            "192.168.137.82",
			ESP32Port:          80,
			GPIOChip:           "gpiochip0",
			SimulatedPulseRate: 10,
		},
		App: App{
			VideoPath:      "yqq.mkv",
			LogFile:        "vending_machine.log",
			LogLevel:       "INFO",
			UpdateInterval: 2,
		},
	}
	c.applyDefaults()
	return c
}

// applyDefaults fills fields that older configuration files do not carry.
func (c *Config) applyDefaults() {
	if c.API.RetryAttempts < 1 {
		c.API.RetryAttempts = 1
	}
	if c.Hardware.GPIOChip == "" {
		c.Hardware.GPIOChip = "gpiochip0"
	}
	if c.App.UpdateInterval <= 0 {
		c.App.UpdateInterval = 2
	}
	if c.App.DBPath == "" {
		c.App.DBPath = "watervend.db"
	}
	if c.App.QualityRule == "" {
		c.App.QualityRule = DefaultQualityRule
	}
	if c.App.SyncSchedule == "" {
		c.App.SyncSchedule = "FREQ=MINUTELY;INTERVAL=5"
	}
	if c.App.PruneSchedule == "" {
		c.App.PruneSchedule = "@daily"
	}
	if c.App.RetentionDays <= 0 {
		c.App.RetentionDays = 30
	}
	if c.Payment.PollInterval <= 0 {
		c.Payment.PollInterval = 5
	}
	if c.Telemetry.MQTT.ClientID == "" {
		c.Telemetry.MQTT.ClientID = "watervend-" + c.API.MachineID
	}
	if c.Telemetry.AdafruitIO.Throttle <= 0 {
		c.Telemetry.AdafruitIO.Throttle = 30
	}
	if c.Telemetry.MQTT.Prefix == "" {
		c.Telemetry.MQTT.Prefix = "watervend/" + c.API.MachineID
	}
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8080"
	}
	if c.Server.User == "" {
		c.Server.User = DefaultAdminUser
	}
	if c.Server.PasswordHash == "" {
		if h, err := bcrypt.GenerateFromPassword([]byte(DefaultAdminPassword), bcrypt.DefaultCost); err == nil {
			c.Server.PasswordHash = string(h)
		}
	}
	if c.Server.SessionSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err == nil {
			c.Server.SessionSecret = hex.EncodeToString(buf)
		}
	}
}

// DefaultPassword reports whether the admin password is still the shipped
// default.
func (c Config) DefaultPassword() bool {
	return bcrypt.CompareHashAndPassword([]byte(c.Server.PasswordHash), []byte(DefaultAdminPassword)) == nil
}

// ApplyEnv overrides secrets from the process environment.
func (c *Config) ApplyEnv() {
	overrides := map[string]*string{
		"WATERVEND_MIDTRANS_SERVER_KEY": &c.Payment.ServerKey,
		"WATERVEND_MIDTRANS_CLIENT_KEY": &c.Payment.ClientKey,
		"WATERVEND_ADMIN_PASSWORD_HASH": &c.Server.PasswordHash,
		"WATERVEND_ADAFRUITIO_TOKEN":    &c.Telemetry.AdafruitIO.Token,
		"WATERVEND_MQTT_PASSWORD":       &c.Telemetry.MQTT.Password,
		"WATERVEND_BACKEND_URL":         &c.API.BaseURL,
	}
	for k, dst := range overrides {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			*dst = v
		}
	}
}

// Store owns the configuration file. Other components receive copies.
type Store struct {
	path   string
	mu     sync.RWMutex
	config Config
}

// Load reads path, creating it with defaults when absent. A file that
// cannot be parsed is replaced in memory by the defaults.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Println("settings: no configuration at", path, "writing defaults")
		s.config = Default()
		if err := s.Save(); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		log.Println("ERROR: settings: parse", path+":", err, "- using defaults")
		s.config = Default()
		return s, nil
	}
	c.applyDefaults()
	s.config = c
	return s, nil
}

func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *Store) Path() string {
	return s.path
}

// Save writes the in-memory configuration back to its file.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.MarshalIndent(s.config, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// ApplyEnv overrides the stored configuration from the environment.
func (s *Store) ApplyEnv() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.ApplyEnv()
}
