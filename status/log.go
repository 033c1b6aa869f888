package status

import (
	"sync"

	"github.com/golang/glog"

	"github.com/espruino/dfuflash/dfu"
)

// Log writes events to glog, for runs without a console. Progress is logged
// at verbosity 2, every 10%.
type Log struct {
	mu      sync.Mutex
	deciles map[string]int
}

func NewLog() *Log {
	return &Log{deciles: make(map[string]int)}
}

func (l *Log) OnEvent(sessionID string, ev dfu.Event) {
	switch ev := ev.(type) {
	case dfu.ScanStarted:
		glog.Infof("scan started: filter=%q window=%s", ev.Filter, ev.Window)
	case dfu.ScanStopped:
		glog.Infof("scan stopped: found=%d", ev.Found)
	case dfu.DeviceFound:
		glog.Infof("device found: address=%s name=%q rssi=%d", ev.Address, ev.Name, ev.RSSI)
	case dfu.CandidatesTruncated:
		glog.Warningf("candidates truncated: found=%d kept=%d dropped=%v", ev.Found, ev.Kept, ev.Dropped)
	case dfu.StateChanged:
		glog.Infof("session %s: address=%s state=%s", sessionID, ev.Address, ev.State)
	case dfu.Progress:
		if !glog.V(2) || ev.Total == 0 {
			return
		}
		decile := ev.Current * 10 / ev.Total
		l.mu.Lock()
		last, seen := l.deciles[sessionID]
		l.deciles[sessionID] = decile
		l.mu.Unlock()
		if !seen || decile != last || ev.Current == 0 {
			glog.Infof("session %s: address=%s %s %d/%d bytes", sessionID, ev.Address, ev.Role, ev.Current, ev.Total)
		}
	case dfu.SessionResult:
		l.mu.Lock()
		delete(l.deciles, sessionID)
		l.mu.Unlock()
		res := ev.Result
		if res.OK() {
			glog.Infof("session %s: address=%s result=complete duration=%s", sessionID, res.Address, res.Duration)
		} else {
			glog.Errorf("session %s: address=%s result=failed duration=%s error=%v", sessionID, res.Address, res.Duration, res.Err)
		}
	}
}

// Multi sends every event to each of its sinks in turn.
type Multi []dfu.Sink

func (m Multi) OnEvent(sessionID string, ev dfu.Event) {
	for _, s := range m {
		s.OnEvent(sessionID, ev)
	}
}
