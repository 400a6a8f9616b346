package mixdown

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
)

// maxDiagnostics bounds the stderr tail kept for a failed run.
const maxDiagnostics = 4096

// FFmpeg runs the ffmpeg binary as the transcoder.
type FFmpeg struct {
	Path      string
	ExtraArgs []string
	Timeout   time.Duration
}

// NewFFmpeg creates the transcoder. extraArgs is split with shell quoting rules.
func NewFFmpeg(path, extraArgs string, timeout time.Duration) (*FFmpeg, error) {
	args, err := shellwords.Parse(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg args %q: %w", extraArgs, err)
	}
	return &FFmpeg{Path: path, ExtraArgs: args, Timeout: timeout}, nil
}

// Args builds the ffmpeg command line for req.
func (f *FFmpeg) Args(req Request) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y"}
	for _, in := range req.Inputs {
		args = append(args,
			"-f", audio.FFmpegSampleFormat,
			"-ar", strconv.Itoa(audio.SampleRate),
			"-ac", strconv.Itoa(audio.Channels),
			"-i", in.Path,
		)
	}
	if req.FilterGraph != "" {
		args = append(args, "-filter_complex", req.FilterGraph, "-map", "["+MixLabel+"]")
	}
	args = append(args, codecArgs(req.Format)...)
	args = append(args, f.ExtraArgs...)
	return append(args, req.Output)
}

func codecArgs(format string) []string {
	switch format {
	case "ogg":
		return []string{"-c:a", "libopus"}
	case "wav":
		return []string{"-c:a", "pcm_s16le"}
	default:
		return []string{"-c:a", "libmp3lame"}
	}
}

// Transcode implements Transcoder.
func (f *FFmpeg) Transcode(ctx context.Context, req Request) (Result, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	args := f.Args(req)
	cmd := exec.CommandContext(ctx, f.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logging.Debug(logging.CategoryMixdown, "running ffmpeg inputs=%d output=%s", len(req.Inputs), req.Output)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%v: %w", err, ctx.Err())
		}
		return Result{}, &MergeError{Dir: filepath.Dir(req.Output), Diagnostics: tail(stderr.Bytes()), Err: fmt.Errorf("ffmpeg: %w", err)}
	}
	logging.Debug(logging.CategoryMixdown, "ffmpeg finished output=%s took=%v", req.Output, time.Since(start))
	return Result{Path: req.Output, Diagnostics: tail(stderr.Bytes())}, nil
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxDiagnostics {
		b = b[len(b)-maxDiagnostics:]
	}
	return string(b)
}
