// Package capture implements the per-speaker decode-and-persist pipeline.
// A Handle consumes one speaker's opus packets, decodes them to the fixed raw
// PCM format and appends them to a single raw file until the speaker falls
// silent, the stream ends or the session asks it to flush and close.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
)

var (
	// ErrPipelineWrite marks a segment lost to a filesystem failure.
	ErrPipelineWrite = errors.New("pipeline write failure")
	// ErrDecode marks a segment abandoned after repeated decode failures.
	ErrDecode = errors.New("opus decode failure")
)

const writeBufferSize = 64 * 1024

// State is the capture state of a Handle.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EndReason says why a handle closed.
type EndReason string

const (
	EndSilence      EndReason = "silence"
	EndStreamClosed EndReason = "stream_closed"
	EndStopped      EndReason = "stopped"
	EndFailed       EndReason = "failed"
)

// Segment is one closed raw file and its position in the session.
type Segment struct {
	SpeakerID string
	Filename  string
	Path      string
	// Offset is the time from session start to the first captured frame.
	Offset    time.Duration
	StartedAt time.Time
	Bytes     int64
}

// Duration is the playback length of the segment.
func (s Segment) Duration() time.Duration {
	return audio.DurationOf(s.Bytes)
}

// Result is what a handle leaves behind.
type Result struct {
	SpeakerID string
	// Segment is nil when no frame was captured or the segment failed.
	Segment      *Segment
	Reason       EndReason
	Err          error
	Frames       int
	DecodeErrors int
	// LastPacketAt is when the newest packet this handle read was received.
	LastPacketAt time.Time
}

// Options configures a Handle.
type Options struct {
	Dir             string
	SessionStart    time.Time
	SilenceTimeout  time.Duration
	MaxDecodeErrors int
	NewDecoder      DecoderFactory
	Tap             Tap
}

// Handle captures one burst of one speaker.
type Handle struct {
	speakerID string
	sub       voice.Subscription
	opts      Options
	state     atomic.Int32

	// owned by Run
	dec          Decoder
	pcm          []int16
	byteBuf      []byte
	file         *os.File
	w            *bufio.Writer
	seg          *Segment
	frames       int
	decodeErrs   int
	consecutive  int
	firstWritten bool
	lastAt       time.Time
}

// NewHandle creates an idle handle reading from sub.
func NewHandle(speakerID string, sub voice.Subscription, opts Options) *Handle {
	if opts.NewDecoder == nil {
		opts.NewDecoder = NewOpusDecoder
	}
	if opts.Tap == nil {
		opts.Tap = NoopTap{}
	}
	if opts.MaxDecodeErrors < 1 {
		opts.MaxDecodeErrors = 1
	}
	return &Handle{
		speakerID: speakerID,
		sub:       sub,
		opts:      opts,
		pcm:       make([]int16, audio.MaxOpusFrameSamples*audio.Channels),
		byteBuf:   make([]byte, audio.MaxOpusFrameSamples*audio.FrameSize),
	}
}

// SpeakerID returns the speaker this handle captures.
func (h *Handle) SpeakerID() string { return h.speakerID }

// State returns the current capture state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Run captures until silence, end of stream or ctx cancellation. On
// cancellation, packets already queued are still decoded and written before
// the file is flushed, synced and closed. The subscription is always closed.
func (h *Handle) Run(ctx context.Context) Result {
	defer h.sub.Close()

	dec, err := h.opts.NewDecoder()
	if err != nil {
		return h.fail(fmt.Errorf("%w: %v", ErrDecode, err))
	}
	h.dec = dec

	silence := time.NewTimer(h.opts.SilenceTimeout)
	defer silence.Stop()

	frames := h.sub.Frames()
	for {
		select {
		case <-ctx.Done():
			if err := h.drain(frames); err != nil {
				return h.fail(err)
			}
			return h.finish(EndStopped)
		case pkt, ok := <-frames:
			if !ok {
				return h.finish(EndStreamClosed)
			}
			if err := h.handlePacket(pkt); err != nil {
				return h.fail(err)
			}
			silence.Reset(h.opts.SilenceTimeout)
		case <-silence.C:
			return h.finish(EndSilence)
		}
	}
}

// drain writes the packets already queued without waiting for more.
func (h *Handle) drain(frames <-chan voice.Packet) error {
	for {
		select {
		case pkt, ok := <-frames:
			if !ok {
				return nil
			}
			if err := h.handlePacket(pkt); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (h *Handle) handlePacket(pkt voice.Packet) error {
	if pkt.At.After(h.lastAt) {
		h.lastAt = pkt.At
	}
	if len(pkt.Payload) == 0 {
		return nil
	}

	n, err := h.dec.Decode(pkt.Payload, h.pcm)
	if err != nil {
		h.decodeErrs++
		h.consecutive++
		if h.consecutive >= h.opts.MaxDecodeErrors {
			return fmt.Errorf("%w: %d consecutive errors, last: %v", ErrDecode, h.consecutive, err)
		}
		logging.Debug(logging.CategoryCodec, "skipping undecodable frame speakerID=%s: %v", h.speakerID, err)
		return nil
	}
	h.consecutive = 0
	if n == 0 {
		return nil
	}

	if h.file == nil {
		if err := h.open(pkt.At); err != nil {
			return err
		}
	}

	samples := h.pcm[:n*audio.Channels]
	h.opts.Tap.OnFrame(h.speakerID, samples)

	data := audio.PutSamples(h.byteBuf, samples)
	if _, err := h.w.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPipelineWrite, h.seg.Filename, err)
	}
	h.seg.Bytes += int64(len(data))
	h.frames++
	if !h.firstWritten {
		h.firstWritten = true
		logging.Debug(logging.CategoryCapture, "wrote first frame speakerID=%s samples=%d", h.speakerID, n)
	}
	return nil
}

func (h *Handle) open(at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	filename := fmt.Sprintf("%s-%d.raw", SafeName(h.speakerID), at.UnixMilli())
	path := filepath.Join(h.opts.Dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrPipelineWrite, filename, err)
	}

	offset := at.Sub(h.opts.SessionStart)
	if offset < 0 {
		offset = 0
	}
	h.file = f
	h.w = bufio.NewWriterSize(f, writeBufferSize)
	h.seg = &Segment{
		SpeakerID: h.speakerID,
		Filename:  filename,
		Path:      path,
		Offset:    offset,
		StartedAt: at,
	}
	h.state.Store(int32(StateCapturing))
	logging.Info(logging.CategoryCapture, "segment opened speakerID=%s file=%s offset=%v", h.speakerID, filename, offset)
	return nil
}

func (h *Handle) finish(reason EndReason) Result {
	defer h.state.Store(int32(StateClosed))

	res := Result{
		SpeakerID:    h.speakerID,
		Reason:       reason,
		Frames:       h.frames,
		DecodeErrors: h.decodeErrs,
		LastPacketAt: h.lastAt,
	}
	if h.file == nil {
		return res
	}
	if err := h.closeFile(); err != nil {
		h.removeFile()
		res.Reason = EndFailed
		res.Err = err
		return res
	}
	seg := *h.seg
	res.Segment = &seg
	logging.Info(logging.CategoryCapture, "segment closed speakerID=%s file=%s duration=%v reason=%s", h.speakerID, seg.Filename, seg.Duration(), reason)
	return res
}

func (h *Handle) fail(err error) Result {
	defer h.state.Store(int32(StateClosed))

	if h.file != nil {
		_ = h.closeFile()
		h.removeFile()
	}
	logging.Warning(logging.CategoryCapture, "segment failed speakerID=%s: %v", h.speakerID, err)
	return Result{
		SpeakerID:    h.speakerID,
		Reason:       EndFailed,
		Err:          err,
		Frames:       h.frames,
		DecodeErrors: h.decodeErrs,
		LastPacketAt: h.lastAt,
	}
}

func (h *Handle) closeFile() error {
	f := h.file
	h.file = nil
	if err := h.w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: flush %s: %v", ErrPipelineWrite, h.seg.Filename, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrPipelineWrite, h.seg.Filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrPipelineWrite, h.seg.Filename, err)
	}
	return nil
}

func (h *Handle) removeFile() {
	if err := os.Remove(h.seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warning(logging.CategoryCapture, "failed to remove partial segment file=%s: %v", h.seg.Path, err)
	}
}

// SafeName maps a speaker ID to a string usable as a file name prefix.
func SafeName(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
