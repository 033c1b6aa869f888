package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	"github.com/espruino/dfuflash/dfu"
)

// Number of finished sessions the board remembers.
const boardHistory = 100

// SessionStatus is the board's view of one session.
type SessionStatus struct {
	ID           string     `json:"id"`
	Address      string     `json:"address"`
	State        dfu.State  `json:"state"`
	Image        string     `json:"image,omitempty"`
	CurrentBytes int        `json:"current_bytes"`
	TotalBytes   int        `json:"total_bytes"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ScanStatus describes the most recent scan.
type ScanStatus struct {
	Scanning  bool      `json:"scanning"`
	Filter    string    `json:"filter,omitempty"`
	Found     []string  `json:"found"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Board keeps the latest state of every session and serves it as JSON.
type Board struct {
	mu       sync.RWMutex
	sessions map[string]*SessionStatus
	finished []string
	scan     ScanStatus
	now      func() time.Time
}

func NewBoard() *Board {
	return &Board{
		sessions: make(map[string]*SessionStatus),
		scan:     ScanStatus{Found: []string{}},
		now:      time.Now,
	}
}

func (b *Board) OnEvent(sessionID string, ev dfu.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()

	switch ev := ev.(type) {
	case dfu.ScanStarted:
		b.scan = ScanStatus{Scanning: true, Filter: ev.Filter, Found: []string{}, StartedAt: now}
	case dfu.DeviceFound:
		b.scan.Found = append(b.scan.Found, ev.Address)
	case dfu.ScanStopped:
		b.scan.Scanning = false
	case dfu.StateChanged:
		s := b.session(sessionID, ev.Address, now)
		s.State = ev.State
		if ev.State.Transferring() {
			s.Image, s.CurrentBytes, s.TotalBytes = "", 0, 0
		}
		s.UpdatedAt = now
	case dfu.Progress:
		s := b.session(sessionID, ev.Address, now)
		s.Image = ev.Role.String()
		s.CurrentBytes = ev.Current
		s.TotalBytes = ev.Total
		s.UpdatedAt = now
	case dfu.SessionResult:
		s := b.session(sessionID, ev.Result.Address, now)
		s.State = ev.Result.State
		if ev.Result.Err != nil {
			s.Error = ev.Result.Err.Error()
		}
		s.UpdatedAt = now
		s.FinishedAt = &now
		b.retire(sessionID)
	}
}

func (b *Board) session(id, address string, now time.Time) *SessionStatus {
	s, ok := b.sessions[id]
	if !ok {
		s = &SessionStatus{ID: id, Address: address, StartedAt: now}
		b.sessions[id] = s
	}
	return s
}

// retire records a finished session and forgets the oldest ones beyond the
// history limit.
func (b *Board) retire(id string) {
	b.finished = append(b.finished, id)
	for len(b.finished) > boardHistory {
		delete(b.sessions, b.finished[0])
		b.finished = b.finished[1:]
	}
}

// Sessions returns a snapshot of all known sessions, oldest first.
func (b *Board) Sessions() []SessionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SessionStatus, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Session returns one session by ID.
func (b *Board) Session(id string) (SessionStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return SessionStatus{}, false
	}
	return *s, true
}

// Scan returns the state of the most recent scan.
func (b *Board) Scan() ScanStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	scan := b.scan
	scan.Found = append([]string{}, b.scan.Found...)
	return scan
}

// Handler returns the HTTP API of the board.
func (b *Board) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/scan", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, b.Scan())
		})
		r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, b.Sessions())
		})
		r.Get("/sessions/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			s, ok := b.Session(chi.URLParam(r, "sessionID"))
			if !ok {
				http.Error(w, "Session not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, s)
		})
	})
	return r
}

// Serve runs the board's HTTP server on addr until ctx is cancelled.
func (b *Board) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      b.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		glog.Infof("Status board listening on %s", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			glog.Warningf("Status board shutdown: %v", err)
			return server.Close()
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("Failed to encode response: %v", err)
	}
}
