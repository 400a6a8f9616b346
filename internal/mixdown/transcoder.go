package mixdown

import (
	"context"
	"time"
)

// Input is one raw s16le 48kHz stereo file and its delay in the mix.
type Input struct {
	Path   string
	Offset time.Duration
}

// Request asks a transcoder to produce one compressed file.
type Request struct {
	Inputs []Input
	// FilterGraph is set when more than one input must be delayed and mixed.
	FilterGraph string
	Output      string
	Format      string
}

// Result describes a produced artifact.
type Result struct {
	Path string
	// Duration is zero when the transcoder cannot tell.
	Duration    time.Duration
	Diagnostics string
}

// Transcoder turns raw inputs into an artifact. Implementations return a
// *MergeError on failure so diagnostics reach the caller.
type Transcoder interface {
	Transcode(ctx context.Context, req Request) (Result, error)
}

// Extension returns the file extension for an output format.
func Extension(format string) string {
	switch format {
	case "ogg":
		return "ogg"
	case "wav":
		return "wav"
	default:
		return "mp3"
	}
}
