// Package discovery finds devices waiting for a firmware update and runs an
// update session on each of them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/dfupkg"
)

// Defaults for zero Config fields.
const (
	DefaultScanWindow     = 2 * time.Second
	DefaultRescanDelay    = 1 * time.Second
	DefaultMaxRescanDelay = 30 * time.Second
)

// Config holds the coordinator configuration.
type Config struct {
	Filter Filter

	// ScanWindow is how long each scan listens for advertisements.
	ScanWindow time.Duration

	// MaxDevices caps the number of sessions per cycle. Devices beyond the
	// cap are dropped in discovery order. Zero means no cap.
	MaxDevices int

	// Session i of a cycle starts after StartDelay + i*Stagger, so that
	// connection attempts don't all hit the radio at once.
	StartDelay time.Duration
	Stagger    time.Duration

	// Continuous keeps scanning after each cycle instead of returning.
	Continuous bool

	// RescanDelay is the pause between cycles in continuous mode. Empty scans
	// back off exponentially from RescanDelay up to MaxRescanDelay.
	RescanDelay    time.Duration
	MaxRescanDelay time.Duration

	// SessionOptions are applied to every session.
	SessionOptions []dfu.Option
}

// Coordinator scans for devices and dispatches one dfu.Session per selected
// device. All sessions of a cycle share the same package.
type Coordinator struct {
	scanner   dfu.Scanner
	transport dfu.Transport
	pkg       *dfupkg.Package
	config    Config
	sink      dfu.Sink

	// wait pauses between continuous cycles.
	wait func(ctx context.Context, d time.Duration) bool
}

// New creates a coordinator. A nil sink discards events.
func New(scanner dfu.Scanner, transport dfu.Transport, pkg *dfupkg.Package, cfg Config, sink dfu.Sink) *Coordinator {
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	if cfg.Filter.Name == "" {
		cfg.Filter.Name = DefaultTargetName
	}
	if cfg.RescanDelay <= 0 {
		cfg.RescanDelay = DefaultRescanDelay
	}
	if cfg.MaxRescanDelay <= 0 {
		cfg.MaxRescanDelay = DefaultMaxRescanDelay
	}
	if cfg.MaxRescanDelay < cfg.RescanDelay {
		cfg.MaxRescanDelay = cfg.RescanDelay
	}
	if sink == nil {
		sink = dfu.Discard
	}
	return &Coordinator{
		scanner:   scanner,
		transport: transport,
		pkg:       pkg,
		config:    cfg,
		sink:      sink,
		wait:      sleep,
	}
}

// Scan listens for window and returns the devices matching filter, once per
// address, in the order they were first seen.
func (c *Coordinator) Scan(ctx context.Context, window time.Duration, filter Filter) ([]dfu.Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var (
		mu      sync.Mutex
		seen    = make(map[string]bool)
		devices []dfu.Device
	)
	glog.V(1).Infof("Scanning for %s (%s)", filter, window)
	c.sink.OnEvent("", dfu.ScanStarted{Window: window, Filter: filter.String()})

	err := c.scanner.Scan(scanCtx, func(dev dfu.Device) {
		if !filter.Match(dev) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		key := strings.ToUpper(dev.Address)
		if seen[key] {
			return
		}
		seen[key] = true
		devices = append(devices, dev)
		glog.V(1).Infof("Found %s (%s, RSSI %d)", dev.Address, dev.Name, dev.RSSI)
		c.sink.OnEvent("", dfu.DeviceFound{Address: dev.Address, Name: dev.Name, RSSI: dev.RSSI})
	})

	mu.Lock()
	found := append([]dfu.Device(nil), devices...)
	mu.Unlock()
	c.sink.OnEvent("", dfu.ScanStopped{Found: len(found)})

	if ctx.Err() != nil {
		return found, ctx.Err()
	}
	// Errors caused by the window closing are the normal way for a scan to end.
	if err != nil && scanCtx.Err() == nil {
		return found, fmt.Errorf("scan: %w", err)
	}
	return found, nil
}

// RunCycle scans once, caps the candidates and updates them concurrently. It
// returns when every session has ended. A *dfu.NotFoundError is returned when
// no device was found; session failures are only reported in the results.
func (c *Coordinator) RunCycle(ctx context.Context) ([]dfu.Result, error) {
	devices, err := c.Scan(ctx, c.config.ScanWindow, c.config.Filter)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, &dfu.NotFoundError{Window: c.config.ScanWindow, Filter: c.config.Filter.String()}
	}
	return c.dispatch(ctx, c.selectDevices(devices)), nil
}

func (c *Coordinator) selectDevices(devices []dfu.Device) []dfu.Device {
	limit := c.config.MaxDevices
	if limit <= 0 || len(devices) <= limit {
		return devices
	}

	kept := devices[:limit]
	dropped := make([]string, 0, len(devices)-limit)
	for _, dev := range devices[limit:] {
		dropped = append(dropped, dev.Address)
	}
	glog.Warningf("Found %d devices, only updating the first %d; ignoring %s",
		len(devices), limit, strings.Join(dropped, ", "))
	c.sink.OnEvent("", dfu.CandidatesTruncated{Found: len(devices), Kept: limit, Dropped: dropped})
	return kept
}

func (c *Coordinator) dispatch(ctx context.Context, devices []dfu.Device) []dfu.Result {
	results := make([]dfu.Result, len(devices))
	opts := append(append([]dfu.Option(nil), c.config.SessionOptions...), dfu.WithSink(c.sink))

	// Sessions never return an error to the group: one failing device must
	// not cancel the others.
	var g errgroup.Group
	for i, dev := range devices {
		delay := c.config.StartDelay + time.Duration(i)*c.config.Stagger
		g.Go(func() error {
			if delay > 0 {
				glog.V(1).Infof("Waiting %s before updating %s", delay, dev.Address)
				sleep(ctx, delay)
			}
			results[i] = dfu.NewSession(dev, c.pkg, c.transport, opts...).Start(ctx)
			return nil
		})
	}
	g.Wait()
	return results
}

// Run runs cycles until done. In one-shot mode it returns the process exit
// code after a single cycle: 0 if every session completed, 1 otherwise. In
// continuous mode it only returns, with 0, once ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) int {
	if !c.config.Continuous {
		return c.runOnce(ctx)
	}
	c.runContinuous(ctx)
	return 0
}

func (c *Coordinator) runOnce(ctx context.Context) int {
	results, err := c.RunCycle(ctx)
	if err != nil {
		glog.Errorf("%v", err)
		return 1
	}
	for _, res := range results {
		if !res.OK() {
			return 1
		}
	}
	return 0
}

func (c *Coordinator) runContinuous(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RescanDelay
	b.MaxInterval = c.config.MaxRescanDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		results, err := c.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		var notFound *dfu.NotFoundError
		switch {
		case errors.As(err, &notFound):
			delay = b.NextBackOff()
			glog.V(1).Infof("%v; rescanning in %s", err, delay.Round(time.Millisecond))
		case err != nil:
			delay = b.NextBackOff()
			glog.Warningf("Scan failed, retrying in %s: %v", delay.Round(time.Millisecond), err)
		default:
			b.Reset()
			delay = c.config.RescanDelay
			ok := 0
			for _, res := range results {
				if res.OK() {
					ok++
				}
			}
			glog.Infof("Cycle finished: %d of %d devices updated", ok, len(results))
		}

		if !c.wait(ctx, delay) {
			return
		}
	}
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
