package cli

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/espruino/dfuflash/config"
	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/status"
)

func parseFlags(t *testing.T, args ...string) *Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return f
}

func withSource(cfg *config.Config) { cfg.Source = "fw.zip" }

func TestConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	body := "source: from-file.zip\nmax_devices: 3\nstagger_ms: 100\nscan_window_ms: 5000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	f := parseFlags(t, "-config", path, "-stagger", "250ms")
	cfg, err := f.Config(true, nil)
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if cfg.Source != "from-file.zip" {
		t.Errorf("Source = %q", cfg.Source)
	}
	// Set flag wins over the file, unset flags don't.
	if cfg.StaggerMs != 250 {
		t.Errorf("StaggerMs = %d, want 250", cfg.StaggerMs)
	}
	if cfg.MaxDevices != 3 || cfg.ScanWindowMs != 5000 {
		t.Errorf("file values lost: max_devices %d, scan_window_ms %d", cfg.MaxDevices, cfg.ScanWindowMs)
	}

	// Positional arguments win over everything.
	cfg, err = f.Config(true, withSource)
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if cfg.Source != "fw.zip" {
		t.Errorf("Source = %q", cfg.Source)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := parseFlags(t).Config(false, withSource)
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if cfg.MaxDevices != 1 || cfg.Continuous || cfg.ScanWindowMs != 2000 || cfg.DrainDelayMs != 1500 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		override func(*config.Config)
	}{
		{"no source", nil, nil},
		{"negative max devices", []string{"-max_devices", "-1"}, withSource},
		{"zero scan window", []string{"-scan_window", "0s"}, withSource},
		{"missing config file", []string{"-config", "/nonexistent/cfg.yaml"}, withSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(t, tt.args...).Config(false, tt.override); err == nil {
				t.Error("Config() succeeded")
			}
		})
	}
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := config.Default(true)
	cfg.Address = "C0:FF:EE:00:00:01"
	cfg.StaggerMs = 500
	dc := CoordinatorConfig(&cfg)

	if dc.Filter.Name != "DfuTarg" || dc.Filter.Address != cfg.Address {
		t.Errorf("Filter = %+v", dc.Filter)
	}
	if dc.Stagger != 500*time.Millisecond || dc.ScanWindow != 2*time.Second || !dc.Continuous || dc.MaxDevices != 4 {
		t.Errorf("config = %+v", dc)
	}
	if len(dc.SessionOptions) != 2 {
		t.Errorf("got %d session options", len(dc.SessionOptions))
	}
}

func TestSink(t *testing.T) {
	tests := []struct {
		mode    string
		check   func(dfu.Sink) bool
		wantErr bool
	}{
		{mode: "", check: func(s dfu.Sink) bool { _, ok := s.(*status.Console); return ok }},
		{mode: ProgressConsole, check: func(s dfu.Sink) bool { _, ok := s.(*status.Console); return ok }},
		{mode: ProgressLog, check: func(s dfu.Sink) bool { _, ok := s.(*status.Log); return ok }},
		{mode: ProgressNone, check: func(s dfu.Sink) bool { return s != nil }},
		{mode: "fancy", wantErr: true},
	}
	for _, tt := range tests {
		sink, err := Sink(tt.mode, io.Discard)
		if (err != nil) != tt.wantErr {
			t.Errorf("Sink(%q) error = %v", tt.mode, err)
			continue
		}
		if !tt.wantErr && !tt.check(sink) {
			t.Errorf("Sink(%q) = %T", tt.mode, sink)
		}
	}
}
