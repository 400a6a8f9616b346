// Package discord implements the voice gateway on top of a Discord bot session.
// Groups are guilds and channels are guild voice channels.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
)

var errNotReady = errors.New("voice connection not ready")

// Options configures the gateway.
type Options struct {
	Token    string
	BurstGap time.Duration
	OnDrop   func(speakerID string)
}

// Gateway joins guild voice channels through one bot session.
type Gateway struct {
	session *discordgo.Session
	opts    Options
}

var _ voice.Gateway = (*Gateway)(nil)

// New opens the bot session.
func New(opts Options) (*Gateway, error) {
	s, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	s.LogLevel = discordgo.LogWarning

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}
	logging.Info(logging.CategoryDiscord, "discord session open user=%s", sessionUser(s))
	return &Gateway{session: s, opts: opts}, nil
}

// Join joins the channel muted and undeafened, retrying until the voice
// websocket reports ready or ctx ends.
func (g *Gateway) Join(ctx context.Context, groupID, channelID string) (voice.Connection, error) {
	var vc *discordgo.VoiceConnection

	join := func() error {
		if vc == nil {
			joined, err := g.joinOnce(ctx, groupID, channelID)
			if err != nil {
				logging.Debug(logging.CategoryDiscord, "voice join attempt failed guildID=%s channelID=%s: %v", groupID, channelID, err)
				return err
			}
			vc = joined
		}
		vc.RLock()
		ready := vc.Ready
		vc.RUnlock()
		if !ready {
			return errNotReady
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	if err := backoff.Retry(join, backoff.WithContext(b, ctx)); err != nil {
		if vc != nil {
			if derr := vc.Disconnect(); derr != nil {
				logging.Warning(logging.CategoryDiscord, "failed to leave voice channel guildID=%s: %v", groupID, derr)
			}
		}
		return nil, fmt.Errorf("join voice channel %s: %w", channelID, err)
	}

	logging.Info(logging.CategoryDiscord, "joined voice channel guildID=%s channelID=%s", groupID, channelID)
	return newConnection(vc, g.session.State.User.ID, g.opts), nil
}

// joinOnce runs one blocking ChannelVoiceJoin, abandoning it when ctx ends.
func (g *Gateway) joinOnce(ctx context.Context, groupID, channelID string) (*discordgo.VoiceConnection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vc, err := g.session.ChannelVoiceJoin(groupID, channelID, true, false)
		ch <- result{vc, err}
	}()

	select {
	case r := <-ch:
		return r.vc, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, backoff.Permanent(ctx.Err())
	}
}

// Close closes the bot session.
func (g *Gateway) Close() error {
	return g.session.Close()
}

func sessionUser(s *discordgo.Session) string {
	if s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.Username
}

// connection maps SSRCs to user IDs and feeds opus packets to a Router.
type connection struct {
	*voice.Router

	vc     *discordgo.VoiceConnection
	selfID string

	ssrcMu sync.RWMutex
	ssrcs  map[uint32]string

	unknownLogged bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(vc *discordgo.VoiceConnection, selfID string, opts Options) *connection {
	c := &connection{
		Router: voice.NewRouter(voice.RouterOptions{
			BurstGap: opts.BurstGap,
			PreRoll:  voice.DefaultPreRoll,
			OnDrop:   opts.OnDrop,
		}),
		vc:     vc,
		selfID: selfID,
		ssrcs:  make(map[uint32]string),
		done:   make(chan struct{}),
	}
	vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		c.handleSpeakingUpdate(vs)
	})

	c.wg.Add(1)
	go c.receive()
	return c
}

func (c *connection) handleSpeakingUpdate(vs *discordgo.VoiceSpeakingUpdate) {
	if vs.UserID == "" || vs.UserID == c.selfID {
		return
	}
	c.ssrcMu.Lock()
	c.ssrcs[uint32(vs.SSRC)] = vs.UserID
	c.ssrcMu.Unlock()
}

func (c *connection) receive() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			c.route(pkt)
		}
	}
}

func (c *connection) route(pkt *discordgo.Packet) {
	if pkt == nil || len(pkt.Opus) == 0 {
		return
	}
	c.ssrcMu.RLock()
	speakerID := c.ssrcs[pkt.SSRC]
	c.ssrcMu.RUnlock()
	if speakerID == "" {
		if !c.unknownLogged {
			c.unknownLogged = true
			logging.Debug(logging.CategoryDiscord, "dropping packets from unmapped ssrc=%d", pkt.SSRC)
		}
		return
	}
	c.Deliver(speakerID, pkt.Opus)
}

// Close leaves the channel and ends every subscription.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.Router.Close()
		if c.vc != nil {
			err = c.vc.Disconnect()
		}
	})
	return err
}
