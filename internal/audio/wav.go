package audio

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	soxr "github.com/zaf/resample"
)

// WAVWriter streams raw s16le PCM into a WAV container.
type WAVWriter struct {
	enc      *wav.Encoder
	format   *goaudio.Format
	leftover []byte
	frames   int64
}

// NewWAVWriter creates a writer; the header is finalized by Close, so w must be seekable.
func NewWAVWriter(w io.WriteSeeker, sampleRate, channels int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	return &WAVWriter{
		enc:    wav.NewEncoder(w, sampleRate, BitDepth, channels, 1),
		format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
	}, nil
}

// Write accepts little-endian 16-bit samples. A trailing odd byte is held
// until the next call.
func (w *WAVWriter) Write(p []byte) (int, error) {
	data := p
	if len(w.leftover) > 0 {
		data = append(w.leftover, p...)
		w.leftover = nil
	}
	if len(data)%BytesPerSample != 0 {
		w.leftover = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return len(p), nil
	}

	samples := Samples(data)
	ints := make([]int, len(samples))
	for i, s := range samples {
		ints[i] = int(s)
	}
	buf := &goaudio.IntBuffer{Format: w.format, Data: ints, SourceBitDepth: BitDepth}
	if err := w.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("write wav: %w", err)
	}
	w.frames += int64(len(samples) / w.format.NumChannels)
	return len(p), nil
}

// Frames returns the number of interleaved frames written so far.
func (w *WAVWriter) Frames() int64 { return w.frames }

// Close writes the final chunk sizes.
func (w *WAVWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAV encodes interleaved 16-bit samples as a PCM WAV stream.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate, channels int) error {
	ww, err := NewWAVWriter(w, sampleRate, channels)
	if err != nil {
		return err
	}
	if _, err := ww.Write(PutSamples(make([]byte, len(samples)*BytesPerSample), samples)); err != nil {
		return err
	}
	return ww.Close()
}

// ReadWAV decodes a PCM WAV stream into interleaved 16-bit samples.
func ReadWAV(r io.ReadSeeker) ([]int16, *goaudio.Format, error) {
	dec := wav.NewDecoder(r)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil {
		return nil, nil, fmt.Errorf("decode wav: missing format chunk")
	}
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v)
	}
	return out, buf.Format, nil
}

// NewResampler returns a writer converting s16le PCM at fromRate into
// s16le PCM at toRate written to dst. Close flushes the samples still held
// by soxr and must always be called.
func NewResampler(dst io.Writer, fromRate, toRate, channels int) (io.WriteCloser, error) {
	r, err := soxr.New(dst, float64(fromRate), float64(toRate), channels, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	return r, nil
}
