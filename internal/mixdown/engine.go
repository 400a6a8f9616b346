// Package mixdown combines the per-speaker raw files of a session into one
// artifact. Each track is delayed by its recorded offset and the tracks are
// summed; there is no clock drift correction, so very long sessions may
// slowly misalign.
package mixdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
)

// Artifact is a finished mixdown.
type Artifact struct {
	Path     string
	Segments int
	Duration time.Duration
}

// Engine runs mixdowns over session directories.
type Engine struct {
	Transcoder  Transcoder
	Format      string
	KeepSources bool
}

// NewEngine creates an engine.
func NewEngine(t Transcoder, format string, keepSources bool) *Engine {
	return &Engine{Transcoder: t, Format: format, KeepSources: keepSources}
}

// Run mixes the session in dir. It returns ErrNoAudioCaptured when nothing
// usable was recorded (the directory is then cleaned up) and a *MergeError
// when transcoding fails (the sources are then kept).
func (e *Engine) Run(ctx context.Context, dir string) (*Artifact, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, &MergeError{Dir: dir, Err: err}
	}
	if err := meta.Format.Validate(); err != nil {
		return nil, &MergeError{Dir: dir, Err: err}
	}

	sources := usableSources(dir, meta.Segments)
	if len(sources) == 0 {
		e.cleanupEmpty(dir)
		return nil, ErrNoAudioCaptured
	}

	req := Request{
		Output: filepath.Join(dir, filepath.Base(dir)+"."+Extension(e.Format)),
		Format: e.Format,
	}
	var duration time.Duration
	if len(sources) == 1 {
		req.Inputs = []Input{{Path: filepath.Join(dir, sources[0].Filename)}}
		duration = sources[0].Duration()
	} else {
		offsets := make([]time.Duration, len(sources))
		for i, s := range sources {
			req.Inputs = append(req.Inputs, Input{Path: filepath.Join(dir, s.Filename), Offset: s.Offset()})
			offsets[i] = s.Offset()
			duration = max(duration, s.Offset()+s.Duration())
		}
		req.FilterGraph = BuildFilterGraph(offsets)
	}

	logging.Info(logging.CategoryMixdown, "mixdown started dir=%s segments=%d format=%s", dir, len(sources), e.Format)
	start := time.Now()
	res, err := e.Transcoder.Transcode(ctx, req)
	if err != nil {
		if rmErr := os.Remove(req.Output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logging.Warning(logging.CategoryMixdown, "failed to remove partial artifact path=%s: %v", req.Output, rmErr)
		}
		var me *MergeError
		if !errors.As(err, &me) {
			me = &MergeError{Err: err}
		}
		me.Dir = dir
		logging.Fail(logging.CategoryMixdown, "mixdown failed dir=%s: %v", dir, err)
		if me.Diagnostics != "" {
			logging.Debug(logging.CategoryMixdown, "transcoder diagnostics dir=%s:\n%s", dir, me.Diagnostics)
		}
		return nil, me
	}
	if res.Duration > 0 {
		duration = res.Duration
	}

	if !e.KeepSources {
		e.removeSources(dir, sources)
	}

	logging.Success(logging.CategoryMixdown, "mixdown completed path=%s segments=%d duration=%v took=%v", res.Path, len(sources), duration, time.Since(start))
	return &Artifact{Path: res.Path, Segments: len(sources), Duration: duration}, nil
}

// usableSources drops segments whose file is missing or empty.
func usableSources(dir string, segments []Source) []Source {
	var out []Source
	for _, s := range segments {
		info, err := os.Stat(filepath.Join(dir, s.Filename))
		if err != nil {
			logging.Warning(logging.CategoryMixdown, "skipping missing segment file=%s: %v", s.Filename, err)
			continue
		}
		if info.Size() < audio.FrameSize {
			logging.Warning(logging.CategoryMixdown, "skipping empty segment file=%s", s.Filename)
			continue
		}
		s.Bytes = info.Size()
		out = append(out, s)
	}
	return out
}

func (e *Engine) removeSources(dir string, sources []Source) {
	for _, s := range sources {
		if err := os.Remove(filepath.Join(dir, s.Filename)); err != nil {
			logging.Warning(logging.CategoryMixdown, "failed to remove source file=%s: %v", s.Filename, err)
		}
	}
	if err := os.Remove(filepath.Join(dir, MetadataFile)); err != nil {
		logging.Warning(logging.CategoryMixdown, "failed to remove metadata dir=%s: %v", dir, err)
	}
	e.removeStray(dir)
}

// removeStray deletes raw files the mixdown did not use: segments still
// flushing when the session stopped, and segments too short to mix.
func (e *Engine) removeStray(dir string) {
	stray, err := filepath.Glob(filepath.Join(dir, "*.raw"))
	if err != nil {
		return
	}
	for _, path := range stray {
		logging.Warning(logging.CategoryMixdown, "removing segment left out of the mixdown file=%s", filepath.Base(path))
		if err := os.Remove(path); err != nil {
			logging.Warning(logging.CategoryMixdown, "failed to remove file=%s: %v", filepath.Base(path), err)
		}
	}
}

// cleanupEmpty removes what an empty session leaves behind.
func (e *Engine) cleanupEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == MetadataFile || filepath.Ext(name) == ".raw" {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				logging.Warning(logging.CategoryMixdown, "failed to remove file=%s: %v", name, err)
			}
		}
	}
	// Only succeeds when nothing else is left.
	if err := os.Remove(dir); err != nil {
		logging.Debug(logging.CategoryMixdown, "session directory kept dir=%s: %v", dir, err)
	}
	logging.Info(logging.CategoryMixdown, "no audio captured dir=%s", dir)
}

// Job is a mixdown running in the background.
type Job struct {
	Dir string

	done     chan struct{}
	artifact *Artifact
	err      error
}

// Start runs e.Run(ctx, dir) in a new goroutine.
func (e *Engine) Start(ctx context.Context, dir string) *Job {
	j := &Job{Dir: dir, done: make(chan struct{})}
	go func() {
		defer close(j.done)
		j.artifact, j.err = e.Run(ctx, dir)
	}()
	return j
}

// Done is closed when the mixdown has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the mixdown finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (*Artifact, error) {
	select {
	case <-j.done:
		return j.artifact, j.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for mixdown of %s: %w", j.Dir, ctx.Err())
	}
}

// Result returns the outcome, or ErrRunning while the job is still running.
func (j *Job) Result() (*Artifact, error) {
	select {
	case <-j.done:
		return j.artifact, j.err
	default:
		return nil, ErrRunning
	}
}
