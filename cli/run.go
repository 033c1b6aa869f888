package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
	"tinygo.org/x/bluetooth"

	"github.com/espruino/dfuflash/bledfu"
	"github.com/espruino/dfuflash/config"
	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/dfupkg"
	"github.com/espruino/dfuflash/discovery"
	"github.com/espruino/dfuflash/status"
)

// LoadPackage fetches and parses the firmware package. Errors are fatal to
// the run: a package that cannot be read will not get better by rescanning.
func LoadPackage(ctx context.Context, source string) (*dfupkg.Package, error) {
	client := &http.Client{Timeout: 5 * time.Minute}
	if dfupkg.IsURL(source) {
		glog.Infof("Downloading %s...", source)
	}
	raw, err := dfupkg.Fetch(ctx, source, client)
	if err != nil {
		return nil, err
	}
	pkg, err := dfupkg.Load(raw)
	if err != nil {
		return nil, err
	}
	for _, img := range pkg.Images() {
		glog.Infof("Package %s image: %s, %d bytes firmware, %d bytes init packet",
			img.Role, img.Kind, len(img.ImageData), len(img.InitData))
	}
	return pkg, nil
}

// Sink returns the progress sink for mode, writing to out.
func Sink(mode string, out io.Writer) (dfu.Sink, error) {
	switch mode {
	case ProgressConsole, "":
		return status.NewConsole(out), nil
	case ProgressLog:
		return status.NewLog(), nil
	case ProgressNone:
		return dfu.Discard, nil
	default:
		return nil, fmt.Errorf("unknown progress mode %q", mode)
	}
}

// NewAdapter returns the BLE transport configured by cfg.
func NewAdapter(cfg *config.Config) *bledfu.Adapter {
	return bledfu.New(bluetooth.DefaultAdapter, bledfu.Options{
		PacketSize:       cfg.BLE.PacketSize,
		ReconnectTimeout: cfg.BLE.ReconnectTimeout(),
	})
}

// CoordinatorConfig maps cfg onto the coordinator configuration.
func CoordinatorConfig(cfg *config.Config) discovery.Config {
	return discovery.Config{
		Filter:         discovery.Filter{Name: cfg.TargetName, Address: cfg.Address},
		ScanWindow:     cfg.ScanWindow(),
		MaxDevices:     cfg.MaxDevices,
		StartDelay:     cfg.StartDelay(),
		Stagger:        cfg.Stagger(),
		Continuous:     cfg.Continuous,
		RescanDelay:    cfg.RescanDelay(),
		MaxRescanDelay: cfg.MaxRescanDelay(),
		SessionOptions: []dfu.Option{
			dfu.WithModeSwitchTimeout(cfg.ModeSwitchTimeout()),
			dfu.WithTransferTimeout(cfg.TransferTimeout()),
		},
	}
}

// Run updates devices with pkg as configured and returns the exit code. The
// status board, if enabled, runs until ctx is cancelled or Run returns.
func Run(ctx context.Context, cfg *config.Config, pkg *dfupkg.Package, sink dfu.Sink) int {
	adapter := NewAdapter(cfg)
	if err := adapter.Enable(); err != nil {
		glog.Errorf("%v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinks := status.Multi{sink}
	if cfg.StatusAddr != "" {
		board := status.NewBoard()
		sinks = append(sinks, board)
		go func() {
			if err := board.Serve(ctx, cfg.StatusAddr); err != nil {
				glog.Errorf("Status board: %v", err)
			}
		}()
	}

	return discovery.New(adapter, adapter, pkg, CoordinatorConfig(cfg), sinks).Run(ctx)
}
