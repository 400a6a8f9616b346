package livekit

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
)

// deliverFunc receives one opus payload for a participant.
type deliverFunc func(identity string, payload []byte)

// trackReader reads RTP from one participant's audio track and hands the
// opus payloads on. Decoding happens later, in the capture pipeline.
type trackReader struct {
	identity string
	deliver  deliverFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rtpPacket *rtp.Packet
	// Logging flags to avoid spam
	firstRTPLogged bool
}

func newTrackReader(identity string, deliver deliverFunc) *trackReader {
	ctx, cancel := context.WithCancel(context.Background())
	return &trackReader{
		identity:  identity,
		deliver:   deliver,
		ctx:       ctx,
		cancel:    cancel,
		rtpPacket: &rtp.Packet{},
	}
}

// Start starts reading RTP packets from the track.
func (t *trackReader) Start(track *webrtc.TrackRemote) {
	t.wg.Add(1)
	go t.readTrack(track)
	logging.Info(logging.CategoryLiveKit, "started track reader identity=%s codec=%s", t.identity, track.Codec().MimeType)
}

// Stop stops the reader and waits for its goroutine.
func (t *trackReader) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *trackReader) readTrack(track *webrtc.TrackRemote) {
	defer t.wg.Done()

	buf := make([]byte, 1500)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			n, _, err := track.Read(buf)
			if err != nil {
				if t.ctx.Err() == nil {
					logging.Info(logging.CategoryLiveKit, "track ended identity=%s: %v", t.identity, err)
				}
				return
			}
			t.process(buf[:n])
		}
	}
}

// process unmarshals one RTP packet and forwards its opus payload.
func (t *trackReader) process(raw []byte) {
	if !t.firstRTPLogged {
		t.firstRTPLogged = true
		logging.Info(logging.CategoryLiveKit, "received first RTP packet identity=%s size=%d", t.identity, len(raw))
	}

	if err := t.rtpPacket.Unmarshal(raw); err != nil {
		logging.Warning(logging.CategoryLiveKit, "failed to unmarshal RTP packet identity=%s: %v", t.identity, err)
		return
	}

	payload := t.rtpPacket.Payload
	if len(payload) == 0 {
		return // DTX packet
	}
	t.deliver(t.identity, payload)
}
