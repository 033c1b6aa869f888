package config

import "strings"

// Normalize fills zero fields with their defaults and canonicalizes values.
// It is allowed to mutate configuration.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Source = strings.TrimSpace(cfg.Source)
	cfg.Address = strings.ToUpper(strings.TrimSpace(cfg.Address))
	if cfg.TargetName == "" {
		cfg.TargetName = DefaultTargetName
	}

	setDefault(&cfg.ScanWindowMs, DefaultScanWindowMs)
	setDefault(&cfg.RescanDelayMs, DefaultRescanDelayMs)
	setDefault(&cfg.MaxRescanDelayMs, DefaultMaxRescanDelayMs)
	setDefault(&cfg.ModeSwitchTimeoutMs, DefaultModeSwitchTimeoutMs)
	setDefault(&cfg.TransferTimeoutMs, DefaultTransferTimeoutMs)
	setDefault(&cfg.DrainDelayMs, DefaultDrainDelayMs)
	setDefault(&cfg.BLE.PacketSize, DefaultPacketSize)
	setDefault(&cfg.BLE.ReconnectTimeoutMs, DefaultReconnectTimeoutMs)

	if cfg.MaxRescanDelayMs < cfg.RescanDelayMs {
		cfg.MaxRescanDelayMs = cfg.RescanDelayMs
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
