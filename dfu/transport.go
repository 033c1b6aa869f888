package dfu

import "context"

// Device is a candidate found while scanning. Handle is owned by the
// transport that produced it and is passed back to Transport.Connect.
type Device struct {
	Address string
	Name    string
	RSSI    int16
	Handle  any
}

// Scanner reports advertising devices until ctx is done. found may be called
// more than once for the same device.
type Scanner interface {
	Scan(ctx context.Context, found func(Device)) error
}

// Transport opens connections to discovered devices.
type Transport interface {
	Connect(ctx context.Context, dev Device) (Conn, error)
}

// ProgressFunc receives the number of firmware bytes sent so far.
type ProgressFunc func(sent, total int)

// Conn is an open connection to a single device. It is used by one session
// only.
type Conn interface {
	// SetMode puts the device into DFU mode, reconnecting if the device has
	// to reset to get there.
	SetMode(ctx context.Context) error

	// Update sends the init packet and then the firmware image.
	Update(ctx context.Context, initData, imageData []byte, progress ProgressFunc) error

	Close() error
}
