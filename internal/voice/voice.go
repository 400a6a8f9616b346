// Package voice abstracts the voice platform the recorder listens on.
// A Gateway joins a group's voice channel and yields a Connection that
// reports who starts speaking and hands out per-speaker opus packet streams.
package voice

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when a connection is used after Close.
var ErrClosed = errors.New("voice connection closed")

// SpeakingEvent is raised when a speaker starts a new burst of audio.
type SpeakingEvent struct {
	SpeakerID string
	At        time.Time
}

// Packet is one compressed opus payload and the time it was received.
type Packet struct {
	Payload []byte
	At      time.Time
}

// Gateway joins voice channels.
type Gateway interface {
	// Join blocks until the voice link for channelID is ready or ctx is done.
	Join(ctx context.Context, groupID, channelID string) (Connection, error)
	// Close releases the gateway's own platform connection.
	Close() error
}

// Connection is a joined voice channel, receive only.
type Connection interface {
	Speaking() <-chan SpeakingEvent
	// Subscribe returns the packet stream of one speaker. Packets received
	// since the speaker's current burst started are replayed first.
	Subscribe(speakerID string) Subscription
	Close() error
}

// Subscription delivers one speaker's packets in arrival order.
type Subscription interface {
	SpeakerID() string
	Frames() <-chan Packet
	Close()
}
