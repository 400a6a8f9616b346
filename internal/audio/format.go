// Package audio holds the fixed raw PCM format shared by the capture pipeline
// and the mixdown engine, plus helpers for converting and encoding it.
// Every captured segment is 48 kHz, 2 channel, signed 16-bit little-endian.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	SampleRate     = 48000
	Channels       = 2
	BitDepth       = 16
	BytesPerSample = BitDepth / 8
	// FrameSize is one interleaved sample across all channels, in bytes.
	FrameSize = Channels * BytesPerSample
	// MaxOpusFrameSamples is the largest opus frame (120ms) in samples per channel.
	MaxOpusFrameSamples = SampleRate * 120 / 1000
	// FFmpegSampleFormat names the raw format for ffmpeg's -f flag.
	FFmpegSampleFormat = "s16le"
)

// Format describes a raw PCM layout.
type Format struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Encoding   string `json:"encoding"`
}

// Raw is the only format segments are ever written in.
var Raw = Format{SampleRate: SampleRate, Channels: Channels, BitDepth: BitDepth, Encoding: FFmpegSampleFormat}

// Validate reports a mismatch against the fixed capture format.
func (f Format) Validate() error {
	if f != Raw {
		return fmt.Errorf("pcm format mismatch: got %d Hz/%d ch/%d bit/%s, want %d Hz/%d ch/%d bit/%s",
			f.SampleRate, f.Channels, f.BitDepth, f.Encoding,
			Raw.SampleRate, Raw.Channels, Raw.BitDepth, Raw.Encoding)
	}
	return nil
}

// DurationOf returns the playback duration of n bytes of raw PCM.
func DurationOf(n int64) time.Duration {
	frames := n / FrameSize
	return time.Duration(frames) * time.Second / SampleRate
}

// FramesFor returns the number of interleaved frames covering d.
func FramesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d * SampleRate / time.Second)
}

// PutSamples encodes interleaved int16 samples into dst as little-endian bytes.
// dst must hold at least len(samples)*2 bytes.
func PutSamples(dst []byte, samples []int16) []byte {
	n := len(samples) * BytesPerSample
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// Samples decodes little-endian bytes into int16 samples. A trailing odd byte is ignored.
func Samples(data []byte) []int16 {
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
