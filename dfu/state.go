package dfu

import "fmt"

// State is the lifecycle position of an update session. States only move
// forward; see Session.
type State int

const (
	StateIdle State = iota
	StateModeSwitching
	StateApplyingBase
	StateApplyingApp
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateModeSwitching:
		return "mode-switching"
	case StateApplyingBase:
		return "applying-base"
	case StateApplyingApp:
		return "applying-app"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Transferring reports whether an image is being sent in this state.
func (s State) Transferring() bool {
	return s == StateApplyingBase || s == StateApplyingApp
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
