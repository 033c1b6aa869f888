package dfupkg

import "fmt"

// CorruptArchiveError indicates that the package bytes are not a usable
// container: not a zip file, or no readable manifest inside it.
type CorruptArchiveError struct {
	Reason string
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt firmware package: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt firmware package: %s", e.Reason)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// MalformedImageError indicates that the manifest has an entry for a role but
// the files it references cannot be used.
type MalformedImageError struct {
	Role   Role
	Kind   string
	File   string
	Reason string
	Err    error
}

func (e *MalformedImageError) Error() string {
	msg := fmt.Sprintf("malformed %s image (%s)", e.Role, e.Kind)
	if e.File != "" {
		msg += fmt.Sprintf(" file %q", e.File)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedImageError) Unwrap() error { return e.Err }
