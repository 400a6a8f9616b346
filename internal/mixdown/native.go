package mixdown

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
)

// blockFrames is how much of the mix is held in memory at once (1s).
const blockFrames = audio.SampleRate

// Native mixes in process and writes WAV. Inputs are delayed by their offset
// and summed with int16 saturation; nothing is normalized.
type Native struct {
	// SampleRate of the output; 0 keeps the capture rate.
	SampleRate int
}

type nativeTrack struct {
	f      *os.File
	start  int64 // first frame in the mix
	frames int64
}

// Transcode implements Transcoder. Only the wav format is supported.
func (n *Native) Transcode(ctx context.Context, req Request) (Result, error) {
	dir := filepath.Dir(req.Output)
	if req.Format != "" && req.Format != "wav" {
		return Result{}, &MergeError{Dir: dir, Err: fmt.Errorf("native transcoder cannot produce %s", req.Format)}
	}

	tracks, total, err := openTracks(req.Inputs)
	defer func() {
		for _, t := range tracks {
			t.f.Close()
		}
	}()
	if err != nil {
		return Result{}, &MergeError{Dir: dir, Err: err}
	}

	out, err := os.Create(req.Output)
	if err != nil {
		return Result{}, &MergeError{Dir: dir, Err: fmt.Errorf("create output: %w", err)}
	}
	defer out.Close()

	rate := audio.SampleRate
	if n.SampleRate > 0 {
		rate = n.SampleRate
	}
	wavOut, err := audio.NewWAVWriter(out, rate, audio.Channels)
	if err != nil {
		return Result{}, &MergeError{Dir: dir, Err: err}
	}

	var sink io.Writer = wavOut
	var resampler io.WriteCloser
	if rate != audio.SampleRate {
		resampler, err = audio.NewResampler(wavOut, audio.SampleRate, rate, audio.Channels)
		if err != nil {
			return Result{}, &MergeError{Dir: dir, Err: err}
		}
		sink = resampler
	}

	if err := mix(ctx, tracks, total, sink); err != nil {
		if resampler != nil {
			resampler.Close()
		}
		return Result{}, &MergeError{Dir: dir, Err: err}
	}
	if resampler != nil {
		if err := resampler.Close(); err != nil {
			return Result{}, &MergeError{Dir: dir, Err: fmt.Errorf("flush resampler: %w", err)}
		}
	}
	if err := wavOut.Close(); err != nil {
		return Result{}, &MergeError{Dir: dir, Err: err}
	}
	if err := out.Close(); err != nil {
		return Result{}, &MergeError{Dir: dir, Err: fmt.Errorf("close output: %w", err)}
	}

	return Result{Path: req.Output, Duration: audio.DurationOf(total * audio.FrameSize)}, nil
}

func openTracks(inputs []Input) ([]nativeTrack, int64, error) {
	var tracks []nativeTrack
	var total int64
	for _, in := range inputs {
		f, err := os.Open(in.Path)
		if err != nil {
			return tracks, 0, fmt.Errorf("open input: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return tracks, 0, fmt.Errorf("stat input: %w", err)
		}
		t := nativeTrack{
			f:      f,
			start:  int64(audio.FramesFor(in.Offset)),
			frames: info.Size() / audio.FrameSize,
		}
		tracks = append(tracks, t)
		if end := t.start + t.frames; end > total {
			total = end
		}
	}
	return tracks, total, nil
}

// mix writes total frames of the delayed sum of tracks to w, one block at a time.
func mix(ctx context.Context, tracks []nativeTrack, total int64, w io.Writer) error {
	const ch = audio.Channels
	acc := make([]int32, blockFrames*ch)
	raw := make([]byte, blockFrames*audio.FrameSize)
	out := make([]int16, blockFrames*ch)
	outBytes := make([]byte, blockFrames*audio.FrameSize)

	for pos := int64(0); pos < total; pos += blockFrames {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(int64(blockFrames), total-pos)
		clear(acc[:n*ch])

		for _, t := range tracks {
			lo := max(pos, t.start)
			hi := min(pos+n, t.start+t.frames)
			if lo >= hi {
				continue
			}
			size := (hi - lo) * audio.FrameSize
			if _, err := t.f.ReadAt(raw[:size], (lo-t.start)*audio.FrameSize); err != nil {
				return fmt.Errorf("read %s: %w", t.f.Name(), err)
			}
			base := (lo - pos) * ch
			for i, s := range audio.Samples(raw[:size]) {
				acc[base+int64(i)] += int32(s)
			}
		}

		for i, v := range acc[:n*ch] {
			out[i] = saturate(v)
		}
		if _, err := w.Write(audio.PutSamples(outBytes, out[:n*ch])); err != nil {
			return err
		}
	}
	return nil
}

func saturate(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
