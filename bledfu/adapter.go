// Package bledfu updates nRF5 devices over Bluetooth LE with the Nordic
// Secure DFU protocol. It implements the dfu.Scanner and dfu.Transport
// interfaces on top of a TinyGo bluetooth adapter.
package bledfu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"tinygo.org/x/bluetooth"

	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/dfuservice"
)

// Defaults for zero Options fields.
const (
	DefaultPacketSize       = 20
	DefaultReconnectTimeout = 10 * time.Second
)

// Options tune the transport.
type Options struct {
	// PacketSize is the number of firmware bytes per packet characteristic
	// write. 20 fits the default ATT MTU.
	PacketSize int

	// ReconnectTimeout bounds the search for a device that reset into its
	// bootloader.
	ReconnectTimeout time.Duration
}

// Adapter scans and connects through one local Bluetooth adapter.
type Adapter struct {
	adapter *bluetooth.Adapter
	opts    Options

	enableOnce sync.Once
	enableErr  error

	// The adapter can run one scan at a time.
	scanMu sync.Mutex

	// Notifications of open connections by address, closed when the device
	// disconnects.
	watchMu sync.Mutex
	watched map[string]*notifications
}

var _ dialer = (*Adapter)(nil)

// New wraps adapter, usually bluetooth.DefaultAdapter.
func New(adapter *bluetooth.Adapter, opts Options) *Adapter {
	if opts.PacketSize <= 0 {
		opts.PacketSize = DefaultPacketSize
	}
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = DefaultReconnectTimeout
	}
	return &Adapter{
		adapter: adapter,
		opts:    opts,
		watched: make(map[string]*notifications),
	}
}

// Enable powers up the adapter. It is called implicitly by Scan.
func (a *Adapter) Enable() error {
	a.enableOnce.Do(func() {
		// The handler must be in place before the first Connect.
		a.adapter.SetConnectHandler(a.connectEvent)
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("could not enable BLE adapter: %w", err)
		}
	})
	return a.enableErr
}

func (a *Adapter) connectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := strings.ToUpper(device.Address.String())
	a.watchMu.Lock()
	n := a.watched[key]
	delete(a.watched, key)
	a.watchMu.Unlock()
	if n != nil {
		glog.V(1).Infof("%s disconnected", device.Address)
		n.close()
	}
}

func (a *Adapter) watch(address string, n *notifications) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	a.watched[strings.ToUpper(address)] = n
}

func (a *Adapter) unwatch(address string, n *notifications) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	key := strings.ToUpper(address)
	if a.watched[key] == n {
		delete(a.watched, key)
	}
}

func (a *Adapter) options() Options {
	return a.opts
}

// Scan reports every advertisement until ctx is done.
func (a *Adapter) Scan(ctx context.Context, found func(dfu.Device)) error {
	if err := a.Enable(); err != nil {
		return err
	}
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.stopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			// Stop here too, in case the cancellation raced with the start of
			// the scan.
			a.stopScan()
			return
		}
		found(dfu.Device{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    result.RSSI,
			Handle:  result.Address,
		})
	})
	if err != nil {
		return fmt.Errorf("could not start a scan: %w", err)
	}
	return nil
}

func (a *Adapter) stopScan() {
	if err := a.adapter.StopScan(); err != nil {
		glog.V(2).Infof("Stop scan: %v", err)
	}
}

// find scans until a device whose address matches one of addresses shows up.
func (a *Adapter) find(ctx context.Context, addresses ...string) (dfu.Device, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		match dfu.Device
		ok    bool
	)
	err := a.Scan(ctx, func(dev dfu.Device) {
		for _, addr := range addresses {
			if addr != "" && equalAddress(dev.Address, addr) {
				mu.Lock()
				if !ok {
					match, ok = dev, true
				}
				mu.Unlock()
				cancel()
				return
			}
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if ok {
		return match, nil
	}
	if err != nil {
		return dfu.Device{}, err
	}
	return dfu.Device{}, ctx.Err()
}

// Connect implements dfu.Transport. dev must come from this adapter's Scan.
func (a *Adapter) Connect(ctx context.Context, dev dfu.Device) (dfu.Conn, error) {
	c := &conn{dialer: a}
	if err := c.open(ctx, dev); err != nil {
		return nil, err
	}
	return c, nil
}

// dial connects to dev, giving up when ctx is done. A connection that
// completes after that is closed again.
func (a *Adapter) dial(ctx context.Context, dev dfu.Device) (peer, error) {
	address, ok := dev.Handle.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("device %s was not discovered by this adapter", dev.Address)
	}

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := a.adapter.Connect(address, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return blePeer{r.device}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// blePeer is a connected bluetooth.Device.
type blePeer struct {
	device bluetooth.Device
}

func (p blePeer) characteristics() (map[bluetooth.UUID]characteristic, error) {
	services, err := p.device.DiscoverServices([]bluetooth.UUID{dfuservice.ServiceUUID})
	if err != nil {
		return nil, fmt.Errorf("failed to discover the DFU service: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("failed to discover the DFU service: service not present")
	}
	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}
	out := make(map[bluetooth.UUID]characteristic, len(chars))
	for i := range chars {
		out[chars[i].UUID()] = &chars[i]
	}
	return out, nil
}

func (p blePeer) Disconnect() error {
	return p.device.Disconnect()
}
