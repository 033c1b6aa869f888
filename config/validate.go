package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Source) == "" {
		return fmt.Errorf("source: no firmware package specified")
	}

	durations := []struct {
		key string
		v   int
	}{
		{"scan_window_ms", cfg.ScanWindowMs},
		{"start_delay_ms", cfg.StartDelayMs},
		{"stagger_ms", cfg.StaggerMs},
		{"rescan_delay_ms", cfg.RescanDelayMs},
		{"max_rescan_delay_ms", cfg.MaxRescanDelayMs},
		{"mode_switch_timeout_ms", cfg.ModeSwitchTimeoutMs},
		{"transfer_timeout_ms", cfg.TransferTimeoutMs},
		{"drain_delay_ms", cfg.DrainDelayMs},
		{"ble.reconnect_timeout_ms", cfg.BLE.ReconnectTimeoutMs},
	}
	for _, d := range durations {
		if d.v < 0 {
			return fmt.Errorf("%s: must not be negative (got %d)", d.key, d.v)
		}
	}

	if cfg.MaxDevices < 0 {
		return fmt.Errorf("max_devices: must not be negative (got %d)", cfg.MaxDevices)
	}
	if cfg.BLE.PacketSize < 0 || cfg.BLE.PacketSize > maxPacketSize {
		return fmt.Errorf("ble.packet_size: must be between 1 and %d (got %d)", maxPacketSize, cfg.BLE.PacketSize)
	}
	if cfg.MaxRescanDelayMs != 0 && cfg.MaxRescanDelayMs < cfg.RescanDelayMs {
		return fmt.Errorf("max_rescan_delay_ms: %d is below rescan_delay_ms %d", cfg.MaxRescanDelayMs, cfg.RescanDelayMs)
	}

	for i := 0; i < len(cfg.TargetName); i++ {
		if cfg.TargetName[i] > 0x7F {
			return fmt.Errorf("target_name: must contain ASCII characters only")
		}
	}
	return nil
}
