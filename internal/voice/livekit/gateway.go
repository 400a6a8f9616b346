// Package livekit implements the voice gateway on top of a LiveKit room.
// The recorder joins as a hidden, subscribe-only participant; the channel ID
// is the room name and participant identities are speaker IDs.
package livekit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/auth"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
)

// agentPrefix marks other bots in the room; their audio is never recorded.
const agentPrefix = "agent-"

// Options configures the gateway.
type Options struct {
	URL       string
	APIKey    string
	APISecret string
	Identity  string
	TokenTTL  time.Duration
	BurstGap  time.Duration
	OnDrop    func(speakerID string)
}

// Gateway joins LiveKit rooms.
type Gateway struct {
	opts Options
}

var _ voice.Gateway = (*Gateway)(nil)

// New creates a gateway. No connection is made until Join.
func New(opts Options) *Gateway {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Gateway{opts: opts}
}

// Close implements voice.Gateway. Rooms are owned by their connections.
func (g *Gateway) Close() error { return nil }

// Join connects to the room named channelID.
func (g *Gateway) Join(ctx context.Context, groupID, channelID string) (voice.Connection, error) {
	token, err := g.buildToken(channelID)
	if err != nil {
		return nil, fmt.Errorf("build room token: %w", err)
	}

	c := &connection{
		Router: voice.NewRouter(voice.RouterOptions{
			BurstGap: g.opts.BurstGap,
			PreRoll:  voice.DefaultPreRoll,
			OnDrop:   g.opts.OnDrop,
		}),
		roomName: channelID,
		readers:  make(map[string]*trackReader),
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(g.opts.URL, token, c.callbacks(), lksdk.WithAutoSubscribe(true))
		ch <- result{room, err}
	}()

	var room *lksdk.Room
	select {
	case r := <-ch:
		if r.err != nil {
			c.Router.Close()
			return nil, fmt.Errorf("connect to room %s: %w", channelID, r.err)
		}
		room = r.room
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.room != nil {
				r.room.Disconnect()
			}
		}()
		c.Router.Close()
		return nil, fmt.Errorf("connect to room %s: %w", channelID, ctx.Err())
	}

	c.room = room
	logging.Info(logging.CategoryLiveKit, "connected to room room=%s identity=%s groupID=%s", room.Name(), room.LocalParticipant.Identity(), groupID)

	c.attachExisting()
	return c, nil
}

func (g *Gateway) buildToken(roomName string) (string, error) {
	canPublish := false
	canSubscribe := true
	at := auth.NewAccessToken(g.opts.APIKey, g.opts.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         roomName,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
		Hidden:       true,
	}
	at.AddGrant(grant).
		SetIdentity(g.opts.Identity).
		SetValidFor(g.opts.TokenTTL)
	return at.ToJWT()
}

// connection bridges room track callbacks into a Router.
type connection struct {
	*voice.Router

	room     *lksdk.Room
	roomName string

	readersMu sync.RWMutex
	readers   map[string]*trackReader // participant identity -> reader
	closed    bool

	closeOnce sync.Once
}

func (c *connection) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnDisconnected: func() {
			logging.Info(logging.CategoryLiveKit, "disconnected from room room=%s", c.roomName)
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryLiveKit, "participant disconnected identity=%s", rp.Identity())
			c.removeTrack(rp.Identity())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				c.handleTrack(rp.Identity(), track)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				c.removeTrack(rp.Identity())
			},
		},
	}
}

// attachExisting starts readers for audio already published when we joined.
func (c *connection) attachExisting() {
	for _, p := range c.room.GetRemoteParticipants() {
		for _, pub := range p.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok {
				continue
			}
			// Unsubscribed tracks arrive later through OnTrackSubscribed.
			if !remotePub.IsSubscribed() {
				remotePub.SetSubscribed(true)
				continue
			}
			if track := remotePub.Track(); track != nil {
				if remoteTrack, ok := track.(*webrtc.TrackRemote); ok {
					c.handleTrack(p.Identity(), remoteTrack)
				}
			}
		}
	}
}

func (c *connection) handleTrack(identity string, track *webrtc.TrackRemote) {
	if strings.HasPrefix(identity, agentPrefix) {
		logging.Info(logging.CategoryLiveKit, "skipping agent participant identity=%s", identity)
		return
	}

	c.readersMu.Lock()
	defer c.readersMu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.readers[identity]; exists {
		logging.Warning(logging.CategoryLiveKit, "track already exists for participant identity=%s", identity)
		return
	}

	reader := newTrackReader(identity, c.Deliver)
	c.readers[identity] = reader
	reader.Start(track)
}

func (c *connection) removeTrack(identity string) {
	c.readersMu.Lock()
	reader, exists := c.readers[identity]
	if exists {
		delete(c.readers, identity)
	}
	c.readersMu.Unlock()

	if exists {
		reader.Stop()
		logging.Info(logging.CategoryLiveKit, "removed track reader identity=%s", identity)
	}
}

// Close leaves the room, stops every reader and ends every subscription.
func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		// Disconnect first so blocked track reads return.
		if c.room != nil {
			c.room.Disconnect()
		}

		c.readersMu.Lock()
		c.closed = true
		readers := c.readers
		c.readers = make(map[string]*trackReader)
		c.readersMu.Unlock()

		for _, r := range readers {
			r.Stop()
		}
		c.Router.Close()
		logging.Info(logging.CategoryLiveKit, "left room room=%s", c.roomName)
	})
	return nil
}
