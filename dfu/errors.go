package dfu

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionStarted is returned in the result of a second Start call.
var ErrSessionStarted = errors.New("session already started")

// TransportError is a connection, mode switch or transfer failure. It ends
// the session it occurred in and no other.
type TransportError struct {
	// Op is the step that failed: "connect", "set mode", "update base"...
	Op      string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFoundError means a scan window elapsed without any eligible device.
type NotFoundError struct {
	Window time.Duration
	Filter string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no device matching %s found within %s", e.Filter, e.Window)
}
