package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
)

const frameSamples = 960 // 20ms per channel

var sessionStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSub struct {
	frames chan voice.Packet
	closed atomic.Bool
}

func newFakeSub(pkts ...voice.Packet) *fakeSub {
	s := &fakeSub{frames: make(chan voice.Packet, 64)}
	for _, p := range pkts {
		s.frames <- p
	}
	return s
}

func (s *fakeSub) SpeakerID() string           { return "alice" }
func (s *fakeSub) Frames() <-chan voice.Packet { return s.frames }
func (s *fakeSub) Close()                      { s.closed.Store(true) }

// fakeDecoder emits one 20ms stereo frame filled with the first payload byte.
// A payload starting with 0xff fails to decode.
type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if data[0] == 0xff {
		return 0, errors.New("corrupted")
	}
	for i := 0; i < frameSamples*audio.Channels; i++ {
		pcm[i] = int16(data[0])
	}
	return frameSamples, nil
}

func fakeFactory() (Decoder, error) { return fakeDecoder{}, nil }

func packet(b byte, at time.Duration) voice.Packet {
	return voice.Packet{Payload: []byte{b}, At: sessionStart.Add(at)}
}

func testOptions(t *testing.T) Options {
	return Options{
		Dir:             t.TempDir(),
		SessionStart:    sessionStart,
		SilenceTimeout:  50 * time.Millisecond,
		MaxDecodeErrors: 3,
		NewDecoder:      fakeFactory,
	}
}

func listRaw(t *testing.T, dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "*.raw"))
	require.NoError(t, err)
	return matches
}

func TestHandleClosesOnSilence(t *testing.T) {
	opts := testOptions(t)
	sub := newFakeSub(packet(1, 2*time.Second), packet(2, 2020*time.Millisecond), packet(3, 2040*time.Millisecond))
	h := NewHandle("alice", sub, opts)
	assert.Equal(t, StateIdle, h.State())

	res := h.Run(context.Background())

	require.NoError(t, res.Err)
	require.NotNil(t, res.Segment)
	assert.Equal(t, EndSilence, res.Reason)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, sessionStart.Add(2040*time.Millisecond), res.LastPacketAt)
	assert.Equal(t, 2*time.Second, res.Segment.Offset)
	assert.Equal(t, 60*time.Millisecond, res.Segment.Duration())
	assert.Equal(t, StateClosed, h.State())
	assert.True(t, sub.closed.Load())

	data, err := os.ReadFile(res.Segment.Path)
	require.NoError(t, err)
	assert.Len(t, data, 3*frameSamples*audio.FrameSize)
	samples := audio.Samples(data)
	assert.Equal(t, int16(1), samples[0])
	assert.Equal(t, int16(3), samples[len(samples)-1])
	assert.Equal(t, filepath.Base(res.Segment.Path), res.Segment.Filename)
	assert.Equal(t, "alice-1714564802000.raw", res.Segment.Filename)
}

func TestHandleWithoutFramesLeavesNoFile(t *testing.T) {
	opts := testOptions(t)
	res := NewHandle("alice", newFakeSub(), opts).Run(context.Background())

	assert.Nil(t, res.Segment)
	assert.NoError(t, res.Err)
	assert.Equal(t, EndSilence, res.Reason)
	assert.True(t, res.LastPacketAt.IsZero())
	assert.Empty(t, listRaw(t, opts.Dir))
}

func TestHandleFlushesQueuedFramesOnStop(t *testing.T) {
	opts := testOptions(t)
	opts.SilenceTimeout = time.Hour
	var pkts []voice.Packet
	for i := 0; i < 5; i++ {
		pkts = append(pkts, packet(byte(i+1), time.Duration(i)*20*time.Millisecond))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewHandle("alice", newFakeSub(pkts...), opts).Run(ctx)

	require.NotNil(t, res.Segment)
	assert.Equal(t, EndStopped, res.Reason)
	assert.Equal(t, 5, res.Frames)
	info, err := os.Stat(res.Segment.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(5*frameSamples*audio.FrameSize), info.Size())
}

func TestHandleEndsWhenStreamCloses(t *testing.T) {
	opts := testOptions(t)
	opts.SilenceTimeout = time.Hour
	sub := newFakeSub(packet(1, 0))
	close(sub.frames)

	res := NewHandle("alice", sub, opts).Run(context.Background())

	require.NotNil(t, res.Segment)
	assert.Equal(t, EndStreamClosed, res.Reason)
	assert.Equal(t, time.Duration(0), res.Segment.Offset)
}

func TestHandleSkipsIsolatedDecodeErrors(t *testing.T) {
	opts := testOptions(t)
	sub := newFakeSub(packet(1, 0), packet(0xff, 20*time.Millisecond), packet(2, 40*time.Millisecond))

	res := NewHandle("alice", sub, opts).Run(context.Background())

	require.NoError(t, res.Err)
	require.NotNil(t, res.Segment)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, 1, res.DecodeErrors)
}

func TestHandleFailsAfterConsecutiveDecodeErrors(t *testing.T) {
	opts := testOptions(t)
	sub := newFakeSub(
		packet(1, 0),
		packet(0xff, 20*time.Millisecond),
		packet(0xff, 40*time.Millisecond),
		packet(0xff, 60*time.Millisecond),
	)

	res := NewHandle("alice", sub, opts).Run(context.Background())

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrDecode)
	assert.Equal(t, EndFailed, res.Reason)
	assert.Nil(t, res.Segment)
	// undecodable packets still count as received
	assert.Equal(t, sessionStart.Add(60*time.Millisecond), res.LastPacketAt)
	assert.Empty(t, listRaw(t, opts.Dir), "partial file must be removed")
	assert.True(t, sub.closed.Load())
}

func TestHandleWriteFailureIsReported(t *testing.T) {
	opts := testOptions(t)
	opts.Dir = filepath.Join(opts.Dir, "missing")

	res := NewHandle("alice", newFakeSub(packet(1, 0)), opts).Run(context.Background())

	assert.ErrorIs(t, res.Err, ErrPipelineWrite)
	assert.Nil(t, res.Segment)
}

func TestHandleDecoderFactoryFailure(t *testing.T) {
	opts := testOptions(t)
	opts.NewDecoder = func() (Decoder, error) { return nil, errors.New("no codec") }

	res := NewHandle("alice", newFakeSub(packet(1, 0)), opts).Run(context.Background())

	assert.ErrorIs(t, res.Err, ErrDecode)
	assert.Empty(t, listRaw(t, opts.Dir))
}

func TestHandleClampsOffsetBeforeSessionStart(t *testing.T) {
	opts := testOptions(t)
	res := NewHandle("alice", newFakeSub(packet(1, -time.Second)), opts).Run(context.Background())

	require.NotNil(t, res.Segment)
	assert.Equal(t, time.Duration(0), res.Segment.Offset)
}

func TestHandleFeedsTap(t *testing.T) {
	opts := testOptions(t)
	var samples int
	opts.Tap = TapFunc(func(speakerID string, frame []int16) {
		assert.Equal(t, "alice", speakerID)
		samples += len(frame)
	})

	NewHandle("alice", newFakeSub(packet(1, 0), packet(2, 20*time.Millisecond)), opts).Run(context.Background())

	assert.Equal(t, 2*frameSamples*audio.Channels, samples)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "123456789", SafeName("123456789"))
	assert.Equal(t, "lk_user_1", SafeName("lk:user/1"))
	assert.Equal(t, "unknown", SafeName(""))
}
