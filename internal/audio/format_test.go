package audio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationOf(t *testing.T) {
	// one second of 48k stereo s16le
	assert.Equal(t, time.Second, DurationOf(48000*4))
	assert.Equal(t, 20*time.Millisecond, DurationOf(960*4))
	// partial frames are ignored
	assert.Equal(t, time.Duration(0), DurationOf(3))
}

func TestFramesFor(t *testing.T) {
	assert.Equal(t, 96000, FramesFor(2*time.Second))
	assert.Equal(t, 48, FramesFor(time.Millisecond))
	assert.Equal(t, 0, FramesFor(-time.Second))
}

func TestSampleRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	buf := PutSamples(make([]byte, len(in)*2), in)
	assert.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80, 0xd2, 0x04}, buf)
	assert.Equal(t, in, Samples(buf))
}

func TestFormatValidate(t *testing.T) {
	require.NoError(t, Raw.Validate())

	mono := Raw
	mono.Channels = 1
	err := mono.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 ch")
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	samples := make([]int16, 4800*Channels)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	require.NoError(t, WriteWAV(f, samples, SampleRate, Channels))
	require.NoError(t, f.Close())

	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, format, err := ReadWAV(r)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, format.SampleRate)
	assert.Equal(t, Channels, format.NumChannels)
	assert.Equal(t, samples, got)
}

func TestWAVWriterHandlesSplitSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "split.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	w, err := NewWAVWriter(f, SampleRate, Channels)
	require.NoError(t, err)
	data := PutSamples(make([]byte, 8), []int16{100, -100, 200, -200})
	// split in the middle of a sample
	_, err = w.Write(data[:3])
	require.NoError(t, err)
	_, err = w.Write(data[3:])
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.Frames())
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()
	got, _, err := ReadWAV(r)
	require.NoError(t, err)
	assert.Equal(t, []int16{100, -100, 200, -200}, got)
}

func TestResamplerChangesRate(t *testing.T) {
	var out bytes.Buffer
	r, err := NewResampler(&out, SampleRate, 24000, Channels)
	require.NoError(t, err)

	in := make([]int16, SampleRate*Channels) // one second
	_, err = r.Write(PutSamples(make([]byte, len(in)*2), in))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	frames := out.Len() / FrameSize
	assert.InDelta(t, 24000, frames, 240)
}

func TestWriteWAVRejectsBadRate(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "bad.wav"))
	require.NoError(t, err)
	defer f.Close()

	assert.Error(t, WriteWAV(f, []int16{1, 2}, 0, 2))
}
