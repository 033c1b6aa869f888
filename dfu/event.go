package dfu

import (
	"time"

	"github.com/espruino/dfuflash/dfupkg"
)

// Event is something a sink can render. Scan events carry an empty session
// ID.
type Event interface {
	isEvent()
}

type ScanStarted struct {
	Window time.Duration
	Filter string
}

type ScanStopped struct {
	Found int
}

type DeviceFound struct {
	Address string
	Name    string
	RSSI    int16
}

// CandidatesTruncated is emitted when more devices were found than may be
// updated in one cycle.
type CandidatesTruncated struct {
	Found   int
	Kept    int
	Dropped []string
}

type StateChanged struct {
	Address string
	State   State
}

// Progress is only emitted while an image is transferring. Current never
// decreases within one image and starts again at 0 for the next one.
type Progress struct {
	Address string
	Role    dfupkg.Role
	Current int
	Total   int
}

type SessionResult struct {
	Result Result
}

func (ScanStarted) isEvent()         {}
func (ScanStopped) isEvent()         {}
func (DeviceFound) isEvent()         {}
func (CandidatesTruncated) isEvent() {}
func (StateChanged) isEvent()        {}
func (Progress) isEvent()            {}
func (SessionResult) isEvent()       {}

// Sink consumes events. Implementations must be safe for concurrent use, as
// every session emits from its own goroutine.
type Sink interface {
	OnEvent(sessionID string, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(sessionID string, ev Event)

func (f SinkFunc) OnEvent(sessionID string, ev Event) { f(sessionID, ev) }

// Discard drops all events.
var Discard Sink = SinkFunc(func(string, Event) {})
