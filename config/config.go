// Package config loads the settings shared by the flashing commands from a
// YAML file. Command-line flags override the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Source is the firmware package: a local path or an http(s) URL.
	Source string `yaml:"source"`

	// ---- DISCOVERY ----

	TargetName   string `yaml:"target_name"`
	Address      string `yaml:"address"` // only update this device
	ScanWindowMs int    `yaml:"scan_window_ms"`
	MaxDevices   int    `yaml:"max_devices"` // 0 = no cap

	// Session i of a cycle starts after start_delay_ms + i*stagger_ms.
	StartDelayMs int `yaml:"start_delay_ms"`
	StaggerMs    int `yaml:"stagger_ms"`

	Continuous       bool `yaml:"continuous"`
	RescanDelayMs    int  `yaml:"rescan_delay_ms"`
	MaxRescanDelayMs int  `yaml:"max_rescan_delay_ms"`

	// ---- SESSION ----

	ModeSwitchTimeoutMs int `yaml:"mode_switch_timeout_ms"`
	TransferTimeoutMs   int `yaml:"transfer_timeout_ms"`

	// DrainDelayMs is how long a one-shot command waits before exiting, so
	// that the last messages reach the device and the console.
	DrainDelayMs int `yaml:"drain_delay_ms"`

	// StatusAddr enables the HTTP status board, e.g. ":8080".
	StatusAddr string `yaml:"status_addr"`

	BLE BLEConfig `yaml:"ble"`
}

type BLEConfig struct {
	PacketSize         int `yaml:"packet_size"`
	ReconnectTimeoutMs int `yaml:"reconnect_timeout_ms"`
}

// Defaults for zero fields, see Normalize.
const (
	DefaultTargetName          = "DfuTarg"
	DefaultScanWindowMs        = 2000
	DefaultRescanDelayMs       = 1000
	DefaultMaxRescanDelayMs    = 30000
	DefaultModeSwitchTimeoutMs = 30000
	DefaultTransferTimeoutMs   = 300000
	DefaultDrainDelayMs        = 1500
	DefaultPacketSize          = 20
	DefaultReconnectTimeoutMs  = 10000

	// Largest packet that fits the maximum ATT MTU of 247.
	maxPacketSize = 244
)

// Default returns the configuration of a command before any file or flag is
// applied. Continuous commands update up to four devices per cycle, one-shot
// commands a single one.
func Default(continuous bool) Config {
	cfg := Config{Continuous: continuous, MaxDevices: 1}
	if continuous {
		cfg.MaxDevices = 4
	}
	Normalize(&cfg)
	return cfg
}

// Load reads the YAML file at path over cfg. Keys missing from the file keep
// their value in cfg.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c *Config) ScanWindow() time.Duration { return ms(c.ScanWindowMs) }
func (c *Config) StartDelay() time.Duration { return ms(c.StartDelayMs) }
func (c *Config) Stagger() time.Duration { return ms(c.StaggerMs) }
func (c *Config) RescanDelay() time.Duration { return ms(c.RescanDelayMs) }
func (c *Config) MaxRescanDelay() time.Duration { return ms(c.MaxRescanDelayMs) }
func (c *Config) ModeSwitchTimeout() time.Duration { return ms(c.ModeSwitchTimeoutMs) }
func (c *Config) TransferTimeout() time.Duration { return ms(c.TransferTimeoutMs) }
func (c *Config) DrainDelay() time.Duration { return ms(c.DrainDelayMs) }
func (c *BLEConfig) ReconnectTimeout() time.Duration {
	return ms(c.ReconnectTimeoutMs)
}
