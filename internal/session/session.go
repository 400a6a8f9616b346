// Package session owns the recording registry: at most one session per
// group, its voice connection, its per-speaker capture handles, auto-expiry
// and the hand-off to the mixdown engine once it stops.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/capture"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
)

var (
	ErrAlreadyRecording  = errors.New("group is already being recorded")
	ErrConnectionTimeout = errors.New("voice connection not ready in time")
	ErrNoActiveSession   = errors.New("no active recording for group")
)

// Status is a session lifecycle state.
type Status int32

const (
	StatusStarting Status = iota
	StatusActive
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reason says why a session stopped.
type Reason string

const (
	ReasonManual      Reason = "manual"
	ReasonMaxDuration Reason = "max_duration"
	ReasonShutdown    Reason = "shutdown"
)

// Channel identifies the voice channel to record.
type Channel struct {
	GroupID   string
	ChannelID string
}

// Session is one recording of one group.
type Session struct {
	ID          string
	GroupID     string
	ChannelID   string
	Requester   string
	StartedAt   time.Time
	MaxDuration time.Duration
	Dir         string

	status atomic.Int32
	conn   voice.Connection

	loopCtx     context.Context
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
	captureCtx  context.Context
	stopCapture context.CancelFunc
	handleWG    sync.WaitGroup

	mu       sync.Mutex
	timer    *time.Timer
	handles  map[string]*capture.Handle
	pending  map[string]time.Time // burst start seen while a handle was running
	seen     map[string]bool
	segments []capture.Segment
	failed   int
}

// Status returns the lifecycle state.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// Segments returns the closed segments ordered by offset.
func (s *Session) Segments() []capture.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]capture.Segment(nil), s.segments...)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID      string        `json:"session_id"`
	GroupID        string        `json:"group_id"`
	ChannelID      string        `json:"channel_id"`
	Requester      string        `json:"requester"`
	Status         Status        `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	Elapsed        time.Duration `json:"elapsed"`
	Remaining      time.Duration `json:"remaining"`
	MaxDuration    time.Duration `json:"max_duration"`
	ActiveSpeakers []string      `json:"active_speakers"`
	Speakers       int           `json:"speakers"`
	Segments       int           `json:"segments"`
	FailedSegments int           `json:"failed_segments"`
	Dir            string        `json:"dir"`
}

func (s *Session) snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]string, 0, len(s.handles))
	for id := range s.handles {
		active = append(active, id)
	}
	sort.Strings(active)

	speakers := make(map[string]struct{}, len(s.segments)+len(active))
	for _, seg := range s.segments {
		speakers[seg.SpeakerID] = struct{}{}
	}
	for _, id := range active {
		speakers[id] = struct{}{}
	}

	var elapsed time.Duration
	if !s.StartedAt.IsZero() {
		elapsed = max(now.Sub(s.StartedAt), 0)
	}
	return Snapshot{
		SessionID:      s.ID,
		GroupID:        s.GroupID,
		ChannelID:      s.ChannelID,
		Requester:      s.Requester,
		Status:         s.Status(),
		StartedAt:      s.StartedAt,
		Elapsed:        elapsed,
		Remaining:      max(s.MaxDuration-elapsed, 0),
		MaxDuration:    s.MaxDuration,
		ActiveSpeakers: active,
		Speakers:       len(speakers),
		Segments:       len(s.segments),
		FailedSegments: s.failed,
		Dir:            s.Dir,
	}
}

// StopSummary is returned once a session is finalized. The mixdown runs in
// the background; wait on Mixdown for the artifact.
type StopSummary struct {
	SessionID      string
	GroupID        string
	ChannelID      string
	Requester      string
	Dir            string
	StartedAt      time.Time
	Duration       time.Duration
	SegmentCount   int
	FailedSegments int
	Reason         Reason
	Mixdown        *mixdown.Job
}
