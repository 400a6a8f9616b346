package mixdown

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAudioCaptured is returned when a session left no usable segment.
	ErrNoAudioCaptured = errors.New("no audio captured")
	// ErrMergeFailed is matched by every *MergeError.
	ErrMergeFailed = errors.New("merge failed")
	// ErrRunning is returned by Job.Result before the job has finished.
	ErrRunning = errors.New("mixdown still running")
)

// MergeError is a failed mixdown. Sources are left in place for a retry.
type MergeError struct {
	Dir string
	// Diagnostics holds the transcoder's stderr tail, if any.
	Diagnostics string
	Err         error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed for %s: %v", e.Dir, e.Err)
}

// Unwrap lets errors.Is match both ErrMergeFailed and the cause.
func (e *MergeError) Unwrap() []error {
	return []error{ErrMergeFailed, e.Err}
}
