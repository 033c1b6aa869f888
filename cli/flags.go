// Package cli holds what the flashing commands share: flags, configuration
// assembly and the wiring of package, adapter, coordinator and sinks.
package cli

import (
	"flag"
	"fmt"
	"time"

	"github.com/espruino/dfuflash/config"
)

// Progress output modes.
const (
	ProgressConsole = "console"
	ProgressLog     = "log"
	ProgressNone    = "none"
)

// Flags are the command-line flags shared by the flashing commands. Only
// flags given on the command line override the configuration file.
type Flags struct {
	ConfigPath string
	MaxDevices int
	Stagger    time.Duration
	ScanWindow time.Duration
	StatusAddr string
	Progress   string

	fs *flag.FlagSet
}

// RegisterFlags defines the shared flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "YAML configuration file")
	fs.IntVar(&f.MaxDevices, "max_devices", 0, "maximum number of devices to update at once, 0 for no limit")
	fs.DurationVar(&f.Stagger, "stagger", 0, "delay between the start of consecutive updates")
	fs.DurationVar(&f.ScanWindow, "scan_window", 2*time.Second, "how long to scan for devices")
	fs.StringVar(&f.StatusAddr, "status_addr", "", "serve the status board over HTTP on this address, e.g. :8080")
	fs.StringVar(&f.Progress, "progress", ProgressConsole, "progress output: console, log or none")
	return f
}

// Config assembles the configuration of a command: defaults, then the
// configuration file, then explicitly set flags, then override, which
// applies positional arguments. The result is validated and normalized.
func (f *Flags) Config(continuous bool, override func(*config.Config)) (config.Config, error) {
	cfg := config.Default(continuous)
	if f.ConfigPath != "" {
		if err := config.Load(f.ConfigPath, &cfg); err != nil {
			return cfg, err
		}
	}

	var err error
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "max_devices":
			cfg.MaxDevices = f.MaxDevices
		case "stagger":
			cfg.StaggerMs = int(f.Stagger / time.Millisecond)
		case "scan_window":
			if f.ScanWindow <= 0 {
				err = fmt.Errorf("-scan_window must be positive")
			}
			cfg.ScanWindowMs = int(f.ScanWindow / time.Millisecond)
		case "status_addr":
			cfg.StatusAddr = f.StatusAddr
		}
	})
	if err != nil {
		return cfg, err
	}
	if override != nil {
		override(&cfg)
	}

	if err := config.Validate(&cfg); err != nil {
		return cfg, err
	}
	config.Normalize(&cfg)
	return cfg, nil
}
