// Package status renders scan and update events: on a console, in the log,
// or as a JSON status board over HTTP.
package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/espruino/dfuflash/dfu"
	"github.com/espruino/dfuflash/dfupkg"
)

const barWidth = 20

// Console prints progress for any number of concurrent sessions. On a
// terminal every active session gets its own line with a progress bar that
// is redrawn in place; otherwise plain lines are printed on state changes
// and every 10% of progress.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	tty   bool
	width int

	// Active sessions in the order they started. On a terminal these are the
	// last len(active) lines on screen.
	active []*consoleRow
	rows   map[string]*consoleRow
	drawn  int
}

type consoleRow struct {
	address string
	status  string
	role    dfupkg.Role
	current int
	total   int
	started time.Time
	decile  int
}

// NewConsole returns a console sink writing to w. Terminal rendering is used
// when w is a terminal.
func NewConsole(w io.Writer) *Console {
	c := &Console{w: w, rows: make(map[string]*consoleRow)}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.tty = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			c.width = width
		}
	}
	return c
}

func (c *Console) OnEvent(sessionID string, ev dfu.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := ev.(type) {
	case dfu.ScanStarted:
		c.println(fmt.Sprintf("Scanning for %s...", ev.Filter))
	case dfu.ScanStopped:
		if ev.Found == 0 {
			c.println("Not found.")
		}
	case dfu.DeviceFound:
		c.println(fmt.Sprintf("Found %s", ev.Address))
	case dfu.CandidatesTruncated:
		c.println(fmt.Sprintf("Found %d devices, updating only the first %d", ev.Found, ev.Kept))
	case dfu.StateChanged:
		c.stateChanged(sessionID, ev)
	case dfu.Progress:
		c.progress(sessionID, ev)
	case dfu.SessionResult:
		c.finish(sessionID, ev.Result)
	}
}

func (c *Console) stateChanged(sessionID string, ev dfu.StateChanged) {
	row := c.rows[sessionID]
	if row == nil {
		row = &consoleRow{address: ev.Address}
		c.rows[sessionID] = row
		c.active = append(c.active, row)
	}

	switch ev.State {
	case dfu.StateModeSwitching:
		row.status = "connecting..."
	case dfu.StateApplyingBase:
		row.status = "base image"
	case dfu.StateApplyingApp:
		row.status = "app image"
	default:
		// Terminal states are rendered from the SessionResult.
		return
	}
	row.current, row.total, row.decile = 0, 0, -1

	if c.tty {
		c.redraw()
	} else {
		c.println(row.address + " " + row.status)
	}
}

func (c *Console) progress(sessionID string, ev dfu.Progress) {
	row := c.rows[sessionID]
	if row == nil {
		return
	}
	if ev.Current == 0 || row.role != ev.Role || row.total != ev.Total {
		row.started = time.Now()
	}
	row.role = ev.Role
	row.current = ev.Current
	row.total = ev.Total

	if c.tty {
		c.redraw()
		return
	}
	decile := 0
	if ev.Total > 0 {
		decile = ev.Current * 10 / ev.Total
	}
	if decile != row.decile {
		row.decile = decile
		c.println(fmt.Sprintf("%s %s %d%%", row.address, row.status, decile*10))
	}
}

func (c *Console) finish(sessionID string, res dfu.Result) {
	row := c.rows[sessionID]
	delete(c.rows, sessionID)
	for i, r := range c.active {
		if r == row {
			c.active = append(c.active[:i], c.active[i+1:]...)
			break
		}
	}

	if res.OK() {
		c.println(res.Address + " Complete")
	} else {
		c.println(fmt.Sprintf("%s ERROR: %v", res.Address, res.Err))
	}
}

// println prints a permanent line. On a terminal it goes above the block of
// active sessions, which is then redrawn below it.
func (c *Console) println(line string) {
	if !c.tty {
		fmt.Fprintln(c.w, line)
		return
	}
	c.rewind()
	fmt.Fprintf(c.w, "\033[2K%s\n", c.fit(line))
	c.draw()
}

func (c *Console) redraw() {
	c.rewind()
	c.draw()
}

// rewind moves the cursor to the first line of the active block and clears
// whatever is left below it.
func (c *Console) rewind() {
	if c.drawn > 0 {
		fmt.Fprintf(c.w, "\033[%dA\r\033[J", c.drawn)
	}
	c.drawn = 0
}

func (c *Console) draw() {
	for _, row := range c.active {
		fmt.Fprintf(c.w, "\033[2K%s\n", c.fit(row.render()))
	}
	c.drawn = len(c.active)
}

// fit truncates a line to the terminal width so that it never wraps, which
// would break the cursor arithmetic in rewind.
func (c *Console) fit(line string) string {
	if c.width > 0 && len(line) >= c.width {
		return line[:c.width-1]
	}
	return line
}

func (r *consoleRow) render() string {
	if r.total == 0 {
		return r.address + " " + r.status
	}

	filled := r.current * barWidth / r.total
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
	percent := r.current * 100 / r.total

	eta := "-"
	if elapsed := time.Since(r.started); r.current > 0 && elapsed > 0 {
		remaining := time.Duration(float64(elapsed) * float64(r.total-r.current) / float64(r.current))
		eta = remaining.Round(time.Second).String()
	}
	return fmt.Sprintf("%s %s [%s] %3d%% %s", r.address, r.status, bar, percent, eta)
}
