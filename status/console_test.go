package status

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/dfupkg"
)

func TestConsolePlainOutput(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	if c.tty {
		t.Fatal("bytes.Buffer detected as a terminal")
	}

	const addr = "C0:FF:EE:00:00:01"
	c.OnEvent("", dfu.ScanStarted{Window: 2 * time.Second, Filter: "DfuTarg"})
	c.OnEvent("", dfu.DeviceFound{Address: addr, Name: "DfuTarg"})
	c.OnEvent("", dfu.ScanStopped{Found: 1})
	c.OnEvent("s1", dfu.StateChanged{Address: addr, State: dfu.StateModeSwitching})
	c.OnEvent("s1", dfu.StateChanged{Address: addr, State: dfu.StateApplyingApp})
	for _, n := range []int{0, 10, 55, 60, 100} {
		c.OnEvent("s1", dfu.Progress{Address: addr, Role: dfupkg.RoleApplication, Current: n, Total: 100})
	}
	c.OnEvent("s1", dfu.StateChanged{Address: addr, State: dfu.StateComplete})
	c.OnEvent("s1", dfu.SessionResult{Result: dfu.Result{SessionID: "s1", Address: addr, State: dfu.StateComplete}})

	want := []string{
		"Scanning for DfuTarg...",
		"Found " + addr,
		addr + " connecting...",
		addr + " app image",
		addr + " app image 0%",
		addr + " app image 10%",
		addr + " app image 50%",
		addr + " app image 60%",
		addr + " app image 100%",
		addr + " Complete",
	}
	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("output:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestConsoleScanMessages(t *testing.T) {
	tests := []struct {
		name string
		ev   dfu.Event
		want string
	}{
		{"not found", dfu.ScanStopped{Found: 0}, "Not found.\n"},
		{"found some", dfu.ScanStopped{Found: 2}, ""},
		{"truncated", dfu.CandidatesTruncated{Found: 3, Kept: 1, Dropped: []string{"B", "C"}}, "Found 3 devices, updating only the first 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewConsole(&buf).OnEvent("", tt.ev)
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestConsoleFailure(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.OnEvent("s1", dfu.StateChanged{Address: "A", State: dfu.StateModeSwitching})
	c.OnEvent("s1", dfu.SessionResult{Result: dfu.Result{
		SessionID: "s1",
		Address:   "A",
		State:     dfu.StateFailed,
		Err:       errors.New("connect A: timeout"),
	}})

	if !strings.HasSuffix(buf.String(), "A ERROR: connect A: timeout\n") {
		t.Errorf("output %q does not end with the failure line", buf.String())
	}
	if len(c.active) != 0 || len(c.rows) != 0 {
		t.Errorf("finished session still tracked: %d active, %d rows", len(c.active), len(c.rows))
	}
}

func TestConsoleTerminalRedraw(t *testing.T) {
	var buf bytes.Buffer
	c := &Console{w: &buf, tty: true, width: 80, rows: make(map[string]*consoleRow)}

	c.OnEvent("s1", dfu.StateChanged{Address: "A", State: dfu.StateModeSwitching})
	c.OnEvent("s2", dfu.StateChanged{Address: "B", State: dfu.StateModeSwitching})
	if c.drawn != 2 {
		t.Fatalf("drawn = %d, want 2", c.drawn)
	}

	buf.Reset()
	c.OnEvent("s1", dfu.StateChanged{Address: "A", State: dfu.StateApplyingApp})
	c.OnEvent("s1", dfu.Progress{Address: "A", Role: dfupkg.RoleApplication, Current: 50, Total: 100})
	out := buf.String()
	if !strings.Contains(out, "\033[2A") {
		t.Errorf("redraw did not move the cursor up two lines: %q", out)
	}
	if !strings.Contains(out, "A app image [==========          ]  50%") {
		t.Errorf("progress bar missing from %q", out)
	}

	c.OnEvent("s1", dfu.SessionResult{Result: dfu.Result{Address: "A", State: dfu.StateComplete}})
	if c.drawn != 1 {
		t.Errorf("drawn = %d after one session finished, want 1", c.drawn)
	}
}

func TestConsoleFit(t *testing.T) {
	c := &Console{width: 10}
	if got := c.fit("0123456789abc"); got != "012345678" {
		t.Errorf("fit = %q", got)
	}
	if got := c.fit("short"); got != "short" {
		t.Errorf("fit = %q", got)
	}
}
