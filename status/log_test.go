package status

import (
	"testing"

	"github.com/espruino/dfuflash/dfu"
)

func TestMultiFansOut(t *testing.T) {
	var a, b []string
	m := Multi{
		dfu.SinkFunc(func(id string, _ dfu.Event) { a = append(a, id) }),
		dfu.SinkFunc(func(id string, _ dfu.Event) { b = append(b, id) }),
	}
	m.OnEvent("s1", dfu.ScanStopped{})
	m.OnEvent("s2", dfu.ScanStopped{})
	if len(a) != 2 || len(b) != 2 || a[1] != "s2" || b[0] != "s1" {
		t.Errorf("a = %v, b = %v", a, b)
	}
}

func TestLogForgetsFinishedSessions(t *testing.T) {
	l := NewLog()
	l.OnEvent("s1", dfu.StateChanged{Address: "A", State: dfu.StateModeSwitching})
	l.OnEvent("s1", dfu.Progress{Address: "A", Current: 10, Total: 100})
	l.OnEvent("s1", dfu.SessionResult{Result: dfu.Result{Address: "A", State: dfu.StateComplete}})
	if len(l.deciles) != 0 {
		t.Errorf("deciles = %v", l.deciles)
	}
}
