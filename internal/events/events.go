// Package events publishes recording lifecycle events to external
// consumers: NATS subjects and websocket clients.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/capture"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/session"
)

// Type names an event.
type Type string

const (
	SessionStarted   Type = "session.started"
	SegmentClosed    Type = "segment.closed"
	SegmentFailed    Type = "segment.failed"
	SessionStopped   Type = "session.stopped"
	MixdownCompleted Type = "mixdown.completed"
	MixdownFailed    Type = "mixdown.failed"
)

// Event is the wire form of a lifecycle event.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	GroupID   string         `json:"group_id"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans an event out to several publishers.
type Multi []Publisher

// NewMulti returns a Multi over the non-nil publishers.
func NewMulti(pubs ...Publisher) Multi {
	out := make(Multi, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Publish delivers ev to every publisher and joins their errors.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Started builds a session.started event.
func Started(s session.Snapshot) Event {
	return Event{
		Type:      SessionStarted,
		SessionID: s.SessionID,
		GroupID:   s.GroupID,
		Time:      s.StartedAt,
		Data: map[string]any{
			"channel_id":   s.ChannelID,
			"requester":    s.Requester,
			"max_duration": s.MaxDuration.String(),
		},
	}
}

// Segment builds a segment.closed or segment.failed event.
func Segment(s session.Snapshot, res capture.Result, at time.Time) Event {
	ev := Event{
		Type:      SegmentClosed,
		SessionID: s.SessionID,
		GroupID:   s.GroupID,
		Time:      at,
		Data: map[string]any{
			"speaker_id": res.SpeakerID,
			"reason":     string(res.Reason),
			"frames":     res.Frames,
		},
	}
	if res.Err != nil {
		ev.Type = SegmentFailed
		ev.Data["error"] = res.Err.Error()
		return ev
	}
	if seg := res.Segment; seg != nil {
		ev.Data["filename"] = seg.Filename
		ev.Data["offset_ms"] = seg.Offset.Milliseconds()
		ev.Data["duration_ms"] = seg.Duration().Milliseconds()
	}
	return ev
}

// Stopped builds a session.stopped event.
func Stopped(sum session.StopSummary, at time.Time) Event {
	return Event{
		Type:      SessionStopped,
		SessionID: sum.SessionID,
		GroupID:   sum.GroupID,
		Time:      at,
		Data: map[string]any{
			"channel_id":      sum.ChannelID,
			"requester":       sum.Requester,
			"reason":          string(sum.Reason),
			"duration_ms":     sum.Duration.Milliseconds(),
			"segments":        sum.SegmentCount,
			"failed_segments": sum.FailedSegments,
		},
	}
}

// Mixdown builds a mixdown.completed or mixdown.failed event.
func Mixdown(sum session.StopSummary, artifact *mixdown.Artifact, err error, at time.Time) Event {
	ev := Event{
		Type:      MixdownCompleted,
		SessionID: sum.SessionID,
		GroupID:   sum.GroupID,
		Time:      at,
		Data:      map[string]any{"dir": sum.Dir},
	}
	if err != nil {
		ev.Type = MixdownFailed
		ev.Data["error"] = err.Error()
		ev.Data["no_audio"] = errors.Is(err, mixdown.ErrNoAudioCaptured)
		var merr *mixdown.MergeError
		if errors.As(err, &merr) && merr.Diagnostics != "" {
			ev.Data["diagnostics"] = merr.Diagnostics
		}
		return ev
	}
	ev.Data["path"] = artifact.Path
	ev.Data["segments"] = artifact.Segments
	ev.Data["duration_ms"] = artifact.Duration.Milliseconds()
	return ev
}
