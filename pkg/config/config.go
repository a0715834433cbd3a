package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// DeviceEntry is one watched device as declared in the config file.
type DeviceEntry struct {
	Name string `json:"name"` // Display name
	IP   string `json:"ip"`   // IPv4 address
	MAC  string `json:"mac"`  // Hardware address
}

// Config holds the presence monitor configuration
type Config struct {
	Interface       string        `json:"interface"`        // Capture interface; empty autodetects
	RangeLower      string        `json:"range_lower"`      // Inclusive lower bound of the sweep range
	RangeUpper      string        `json:"range_upper"`      // Inclusive upper bound of the sweep range
	ConfirmInterval time.Duration `json:"confirm_interval"` // Cadence of unicast confirmation probes
	SweepInterval   time.Duration `json:"sweep_interval"`   // Cadence of broadcast sweep batches
	ReplyTimeout    time.Duration `json:"reply_timeout"`    // Reply window per probe
	SweepBatch      int           `json:"sweep_batch"`      // Broadcast probes per sweep tick
	Devices         []DeviceEntry `json:"devices"`          // Devices to watch at startup
	EnableAPI       bool          `json:"enable_api"`       // Serve the JSON status API
	APIPort         string        `json:"api_port"`         // Port for the status API
	Verbose         bool          `json:"verbose"`          // Enable verbose output
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	return Config{
		RangeLower:      "192.168.1.1",
		RangeUpper:      "192.168.1.254",
		ConfirmInterval: 60 * time.Second,
		SweepInterval:   5 * time.Second,
		ReplyTimeout:    2 * time.Second,
		SweepBatch:      16,
		APIPort:         "8080",
	}
}

// LoadFromFile loads configuration from a JSON file, layering it over
// the defaults.
func LoadFromFile(filePath string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", filePath, err)
	}
	return cfg, nil
}

// WriteToFile writes the configuration as indented JSON.
func (c Config) WriteToFile(filePath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

// Validate checks addresses, ranges and intervals. It is called once
// at startup; a bad range or interval cannot be retried into working.
func (c Config) Validate() error {
	lower := net.ParseIP(c.RangeLower)
	if lower == nil || lower.To4() == nil {
		return fmt.Errorf("range_lower %q is not an IPv4 address", c.RangeLower)
	}
	upper := net.ParseIP(c.RangeUpper)
	if upper == nil || upper.To4() == nil {
		return fmt.Errorf("range_upper %q is not an IPv4 address", c.RangeUpper)
	}

	if c.ConfirmInterval <= 0 {
		return fmt.Errorf("confirm_interval must be positive, got %v", c.ConfirmInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %v", c.SweepInterval)
	}
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("reply_timeout must be positive, got %v", c.ReplyTimeout)
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("sweep_batch must be positive, got %d", c.SweepBatch)
	}

	for _, d := range c.Devices {
		ip := net.ParseIP(d.IP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("device %q: ip %q is not an IPv4 address", d.Name, d.IP)
		}
		if _, err := net.ParseMAC(d.MAC); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}
	return nil
}
