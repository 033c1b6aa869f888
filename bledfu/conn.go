package bledfu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"tinygo.org/x/bluetooth"

	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/dfuservice"
)

// How long to wait for the buttonless service to confirm before it resets.
var buttonlessTimeout = 3 * time.Second

// characteristic is the subset of bluetooth.DeviceCharacteristic in use.
type characteristic interface {
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

// peer is a connected remote device.
type peer interface {
	// characteristics returns the characteristics of the DFU service.
	characteristics() (map[bluetooth.UUID]characteristic, error)
	Disconnect() error
}

// dialer finds and connects devices for a conn. The Adapter is the only
// production implementation.
type dialer interface {
	find(ctx context.Context, addresses ...string) (dfu.Device, error)
	dial(ctx context.Context, dev dfu.Device) (peer, error)

	// watch closes n when the device at address disconnects.
	watch(address string, n *notifications)
	unwatch(address string, n *notifications)

	options() Options
}

// notifications buffers the notifications of one connection. It is closed
// when the connection ends, which fails any pending request.
type notifications struct {
	ch chan []byte

	mu     sync.Mutex
	closed bool
}

func newNotifications() *notifications {
	return &notifications{ch: make(chan []byte, 16)}
}

// push queues a copy of buf. It runs on the Bluetooth stack's goroutine and
// never blocks; it reports whether buf was queued.
func (n *notifications) push(buf []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	select {
	case n.ch <- append([]byte(nil), buf...):
		return true
	default:
		return false
	}
}

func (n *notifications) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}

func (n *notifications) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// conn is a connection to one device, in application or in DFU mode.
type conn struct {
	dialer dialer

	mu         sync.Mutex
	device     dfu.Device
	peer       peer
	control    characteristic
	packet     characteristic
	buttonless characteristic
	responses  *notifications

	// executed is set once an image was activated over this link. The
	// bootloader resets after that, so the link cannot be reused.
	executed bool
}

// open connects to dev and looks up the DFU service.
func (c *conn) open(ctx context.Context, dev dfu.Device) error {
	glog.V(1).Infof("Connecting to %s...", dev.Address)
	p, err := c.dialer.dial(ctx, dev)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	chars, err := p.characteristics()
	if err != nil {
		p.Disconnect()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = dev
	c.peer = p
	c.control = chars[dfuservice.ControlPointUUID]
	c.packet = chars[dfuservice.PacketUUID]
	c.buttonless = chars[dfuservice.ButtonlessUUID]
	c.executed = false

	responses := newNotifications()
	c.responses = responses
	if c.control != nil {
		err := c.control.EnableNotifications(func(buf []byte) {
			if !responses.push(buf) && !responses.isClosed() {
				glog.Warningf("%s: dropped control point notification % x", dev.Address, buf)
			}
		})
		if err != nil {
			c.closeLocked()
			return fmt.Errorf("failed to enable control point notifications: %w", err)
		}
	}
	c.dialer.watch(dev.Address, responses)
	return nil
}

func (c *conn) inDFUMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control != nil && c.packet != nil
}

// SetMode implements dfu.Conn. A device running its bootloader is left as
// is. An application is asked to reset into the bootloader through the
// buttonless characteristic, after which the device is found again and
// reconnected.
func (c *conn) SetMode(ctx context.Context) error {
	if c.inDFUMode() {
		return nil
	}

	c.mu.Lock()
	buttonless := c.buttonless
	address := c.device.Address
	c.mu.Unlock()
	if buttonless == nil {
		return errors.New("device has neither a DFU control point nor a buttonless DFU characteristic")
	}

	if err := enterBootloader(ctx, buttonless); err != nil {
		return err
	}
	glog.Infof("%s: resetting into DFU mode, finding device again...", address)
	return c.reconnect(ctx)
}

// reconnect drops the current link and connects to the bootloader, which
// may advertise with the previous address plus one.
func (c *conn) reconnect(ctx context.Context) error {
	c.mu.Lock()
	address := c.device.Address
	c.mu.Unlock()
	c.Close()

	findCtx, cancel := context.WithTimeout(ctx, c.dialer.options().ReconnectTimeout)
	defer cancel()
	found, err := c.dialer.find(findCtx, address, nextAddress(address))
	if err != nil {
		return fmt.Errorf("device did not come back in DFU mode: %w", err)
	}
	if err := c.open(ctx, found); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if !c.inDFUMode() {
		return errors.New("device restarted without the DFU control point")
	}
	return nil
}

// enterBootloader writes the enter-bootloader request and waits briefly for
// the confirmation. A missing confirmation is tolerated, as the device may
// reset before sending it.
func enterBootloader(ctx context.Context, buttonless characteristic) error {
	indications := make(chan []byte, 1)
	err := buttonless.EnableNotifications(func(buf []byte) {
		select {
		case indications <- append([]byte(nil), buf...):
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to enable buttonless indications: %w", err)
	}
	if _, err := buttonless.Write([]byte{buttonlessEnter}); err != nil {
		return fmt.Errorf("failed to send enter bootloader request: %w", err)
	}

	timer := time.NewTimer(buttonlessTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		glog.V(1).Info("No confirmation from buttonless service")
		return nil
	case resp := <-indications:
		if len(resp) < 3 || resp[0] != buttonlessResponse || resp[1] != buttonlessEnter {
			return fmt.Errorf("unexpected buttonless response % x", resp)
		}
		if resp[2] != resultSuccess {
			return &ResponseError{OpCode: buttonlessEnter, Result: resp[2]}
		}
		return nil
	}
}

// Update implements dfu.Conn. When an image was already applied over this
// connection, or the device disconnected, the bootloader is found and
// connected again first.
func (c *conn) Update(ctx context.Context, initData, imageData []byte, progress dfu.ProgressFunc) error {
	c.mu.Lock()
	stale := c.peer == nil || c.executed || c.responses.isClosed()
	address := c.device.Address
	c.mu.Unlock()
	if stale {
		glog.Infof("%s: link closed by the previous image, reconnecting...", address)
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	responses := c.responses
	ok := c.control != nil && c.packet != nil
	c.mu.Unlock()
	if !ok {
		return errors.New("device is not in DFU mode")
	}

	cl := &client{
		link:       c,
		responses:  responses.ch,
		packetSize: c.dialer.options().PacketSize,
	}
	start := time.Now()
	if err := cl.update(ctx, initData, imageData, progress); err != nil {
		return err
	}
	c.mu.Lock()
	c.executed = true
	c.mu.Unlock()
	if d := time.Since(start); d > 0 {
		glog.V(1).Infof("Wrote %d bytes in %s (%.1f kB/s)", len(imageData), d.Round(time.Millisecond), float64(len(imageData))/1000/d.Seconds())
	}
	return nil
}

func (c *conn) writeControl(b []byte) error {
	c.mu.Lock()
	control := c.control
	c.mu.Unlock()
	if control == nil {
		return errors.New("not connected")
	}
	_, err := control.Write(b)
	return err
}

func (c *conn) writePacket(b []byte) error {
	c.mu.Lock()
	packet := c.packet
	c.mu.Unlock()
	if packet == nil {
		return errors.New("not connected")
	}
	_, err := packet.WriteWithoutResponse(b)
	return err
}

// Close implements dfu.Conn. It may be called more than once.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *conn) closeLocked() error {
	if c.peer == nil {
		return nil
	}
	c.dialer.unwatch(c.device.Address, c.responses)
	c.responses.close()
	err := c.peer.Disconnect()
	c.peer = nil
	c.control, c.packet, c.buttonless = nil, nil, nil
	return err
}

func equalAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// nextAddress returns the MAC address following addr, or "" if addr is not a
// MAC address (as on platforms that hide it behind a UUID).
func nextAddress(addr string) string {
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return ""
	}
	var octets [6]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return ""
		}
		octets[i] = v
	}
	for i := 5; i >= 0; i-- {
		octets[i] = (octets[i] + 1) & 0xff
		if octets[i] != 0 {
			break
		}
	}
	out := make([]string, 6)
	for i, v := range octets {
		out[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(out, ":")
}
