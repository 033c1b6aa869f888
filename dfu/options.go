package dfu

import "time"

// Config holds the session configuration.
type Config struct {
	// ID identifies the session in events. A random UUID when empty.
	ID string

	// Sink receives the session's events (optional)
	Sink Sink

	// ModeSwitchTimeout bounds connecting and entering DFU mode. Zero means
	// no limit.
	ModeSwitchTimeout time.Duration

	// TransferTimeout bounds the transfer of each image. Zero means no limit.
	TransferTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Sink:              Discard,
		ModeSwitchTimeout: 30 * time.Second,
		TransferTimeout:   5 * time.Minute,
	}
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithSink sets the sink that receives state and progress events.
func WithSink(sink Sink) Option {
	return func(c *Config) {
		if sink != nil {
			c.Sink = sink
		}
	}
}

// WithID sets the session ID instead of generating one.
func WithID(id string) Option {
	return func(c *Config) {
		c.ID = id
	}
}

// WithModeSwitchTimeout limits how long connecting and switching the device
// into DFU mode may take.
func WithModeSwitchTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout >= 0 {
			c.ModeSwitchTimeout = timeout
		}
	}
}

// WithTransferTimeout limits how long a single image transfer may take. The
// device transport has no liveness detection of its own, so without a limit
// a stalled transfer waits forever.
func WithTransferTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout >= 0 {
			c.TransferTimeout = timeout
		}
	}
}
