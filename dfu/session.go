// Package dfu drives a firmware update of a single device: connect, switch the
// device into DFU mode, then apply the base image and the application image
// of a package, in that order, skipping whichever is absent.
//
// The device side is reached through the Transport and Conn interfaces, and
// everything that happens is reported to a Sink as events.
package dfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/espruino/dfuflash/dfupkg"
)

// Result is the outcome of a session. State is StateComplete or StateFailed;
// Err is set for the latter.
type Result struct {
	SessionID string
	Address   string
	State     State
	Err       error
	Duration  time.Duration
}

// OK reports whether the session completed.
func (r Result) OK() bool {
	return r.State == StateComplete
}

// Session is the update lifecycle of one device. It owns its connection and
// only reads the package, which may be shared with other sessions.
type Session struct {
	ID     string
	Device Device

	pkg       *dfupkg.Package
	transport Transport
	config    Config

	mu      sync.Mutex
	state   State
	started bool
	conn    Conn
}

// NewSession creates an idle session for dev.
func NewSession(dev Device, pkg *dfupkg.Package, transport Transport, opts ...Option) *Session {
	if pkg == nil || transport == nil {
		panic("package and transport cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	return &Session{
		ID:        cfg.ID,
		Device:    dev,
		pkg:       pkg,
		transport: transport,
		config:    cfg,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start runs the session to completion. It never panics and never returns an
// error directly: every failure ends up in a Result with StateFailed. The
// connection is closed before Start returns.
func (s *Session) Start(ctx context.Context) Result {
	start := time.Now()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Result{SessionID: s.ID, Address: s.Device.Address, State: StateFailed, Err: ErrSessionStarted}
	}
	s.started = true
	s.mu.Unlock()

	glog.Infof("Session %s: updating %s", s.ID, s.Device.Address)
	err := s.run(ctx)
	s.release()

	res := Result{
		SessionID: s.ID,
		Address:   s.Device.Address,
		State:     StateComplete,
		Err:       err,
		Duration:  time.Since(start),
	}
	if err != nil {
		res.State = StateFailed
		glog.Errorf("Session %s: %s failed after %s: %v", s.ID, s.Device.Address, res.Duration.Round(time.Millisecond), err)
	} else {
		glog.Infof("Session %s: %s complete in %s", s.ID, s.Device.Address, res.Duration.Round(time.Millisecond))
	}
	s.transition(res.State)
	s.emit(SessionResult{Result: res})
	return res
}

func (s *Session) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.transportError("update", fmt.Errorf("panic: %v", r))
		}
	}()

	s.transition(StateModeSwitching)
	if err := s.switchMode(ctx); err != nil {
		return err
	}

	phases := []struct {
		state State
		image *dfupkg.Image
		role  dfupkg.Role
	}{
		{StateApplyingBase, s.pkg.Base, dfupkg.RoleBase},
		{StateApplyingApp, s.pkg.App, dfupkg.RoleApplication},
	}
	for _, phase := range phases {
		if phase.image == nil {
			glog.V(1).Infof("Session %s: no %s image, skipping", s.ID, phase.role)
			continue
		}
		s.transition(phase.state)
		if err := s.apply(ctx, phase.image); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) switchMode(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return s.transportError("connect", err)
	}
	ctx, cancel := withTimeout(ctx, s.config.ModeSwitchTimeout)
	defer cancel()

	conn, err := s.transport.Connect(ctx, s.Device)
	if err != nil {
		return s.transportError("connect", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.SetMode(ctx); err != nil {
		return s.transportError("set mode", err)
	}
	return nil
}

func (s *Session) apply(ctx context.Context, img *dfupkg.Image) error {
	ctx, cancel := withTimeout(ctx, s.config.TransferTimeout)
	defer cancel()

	p := &progress{
		session: s,
		role:    img.Role,
		total:   len(img.ImageData),
	}
	p.start()
	glog.V(1).Infof("Session %s: sending %s image (%s, init %d bytes, firmware %d bytes)",
		s.ID, img.Role, img.Kind, len(img.InitData), len(img.ImageData))

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	err := conn.Update(ctx, img.InitData, img.ImageData, p.report)
	if err != nil {
		p.stop()
		return s.transportError("update "+img.Role.String(), err)
	}
	p.finish()
	return nil
}

// release closes the connection, if one was opened.
func (s *Session) release() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		glog.V(1).Infof("Session %s: close %s: %v", s.ID, s.Device.Address, err)
	}
}

// transition moves to next and reports it. Moves backwards are ignored.
func (s *Session) transition(next State) {
	s.mu.Lock()
	if next <= s.state {
		s.mu.Unlock()
		glog.Warningf("Session %s: ignoring transition %s -> %s", s.ID, s.state, next)
		return
	}
	s.state = next
	s.mu.Unlock()

	s.emit(StateChanged{Address: s.Device.Address, State: next})
}

func (s *Session) emit(ev Event) {
	s.config.Sink.OnEvent(s.ID, ev)
}

func (s *Session) transportError(op string, err error) error {
	if te, ok := err.(*TransportError); ok {
		return te
	}
	return &TransportError{Op: op, Address: s.Device.Address, Err: err}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// progress turns the transport's progress reports for one image into Progress
// events that start at 0, never go backwards and end at the image size.
type progress struct {
	session *Session
	role    dfupkg.Role
	total   int

	mu      sync.Mutex
	current int
	done    bool
}

func (p *progress) start() {
	p.emit(0)
}

// report holds the lock while emitting so that events from concurrent
// reports cannot overtake each other.
func (p *progress) report(sent, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sent > p.total {
		sent = p.total
	}
	if p.done || sent <= p.current {
		return
	}
	p.current = sent
	p.emit(sent)
}

func (p *progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != p.total {
		p.current = p.total
		p.emit(p.total)
	}
	p.done = true
}

// stop ignores any report that arrives after the transfer gave up.
func (p *progress) stop() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func (p *progress) emit(current int) {
	p.session.emit(Progress{
		Address: p.session.Device.Address,
		Role:    p.role,
		Current: current,
		Total:   p.total,
	})
}
