// Package output renders the user-visible messages for recording commands.
package output

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/session"
)

// FormatDuration renders d as 1h02m03s, 4m05s or 6s.
func FormatDuration(d time.Duration) string {
	d = max(d, 0).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Formatter builds messages for the delivery layer.
type Formatter struct {
	// Mention renders a user id; defaults to the id itself.
	Mention func(userID string) string
}

func (f Formatter) mention(id string) string {
	if f.Mention != nil {
		return f.Mention(id)
	}
	return id
}

// Started reports a new session.
func (f Formatter) Started(s session.Snapshot) string {
	return fmt.Sprintf("Recording started by %s (session %s). It will stop automatically after %s.",
		f.mention(s.Requester), s.SessionID, FormatDuration(s.MaxDuration))
}

// Status reports a running session, or the absence of one.
func (f Formatter) Status(s *session.Snapshot) string {
	if s == nil {
		return "Nothing is being recorded here."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recording %s: %s elapsed, %s remaining.\n", s.Status, FormatDuration(s.Elapsed), FormatDuration(s.Remaining))
	fmt.Fprintf(&b, "Speakers: %d (%d talking now), segments: %d", s.Speakers, len(s.ActiveSpeakers), s.Segments)
	if s.FailedSegments > 0 {
		fmt.Fprintf(&b, ", failed: %d", s.FailedSegments)
	}
	return b.String()
}

// Stopped reports a finalized session.
func (f Formatter) Stopped(sum session.StopSummary) string {
	var why string
	switch sum.Reason {
	case session.ReasonMaxDuration:
		why = " after reaching the maximum duration"
	case session.ReasonShutdown:
		why = " because the recorder is shutting down"
	}
	msg := fmt.Sprintf("Recording stopped%s. Duration %s, %d segment(s). Mixing down now.",
		why, FormatDuration(sum.Duration), sum.SegmentCount)
	if sum.FailedSegments > 0 {
		msg += fmt.Sprintf(" %d segment(s) could not be captured and are left out.", sum.FailedSegments)
	}
	return msg
}

// Mixdown reports the outcome of a mixdown.
func (f Formatter) Mixdown(artifact *mixdown.Artifact, err error) string {
	if err != nil {
		return f.Error(err)
	}
	return fmt.Sprintf("Recording ready: %s (%s, %d segment(s)).",
		filepath.Base(artifact.Path), FormatDuration(artifact.Duration), artifact.Segments)
}

// Error renders a distinct, actionable message per failure kind.
func (f Formatter) Error(err error) string {
	var merr *mixdown.MergeError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrAlreadyRecording):
		return "A recording is already running here. Stop it before starting a new one."
	case errors.Is(err, session.ErrConnectionTimeout):
		return "Could not connect to the voice channel in time. Check that the bot can join and speak there, then try again."
	case errors.Is(err, session.ErrNoActiveSession):
		return "There is no active recording to stop."
	case errors.Is(err, mixdown.ErrNoAudioCaptured):
		return "Nobody spoke during the recording, so there is nothing to save."
	case errors.As(err, &merr):
		return fmt.Sprintf("Mixing the recording failed. The raw tracks were kept in %s; retry with `voice-recorder mixdown %s`.", merr.Dir, merr.Dir)
	default:
		return "Something went wrong with the recording: " + err.Error()
	}
}
