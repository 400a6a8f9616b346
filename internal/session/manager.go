package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/capture"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/config"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
)

// Options configures a Manager.
type Options struct {
	RecordingsDir   string
	MaxDuration     time.Duration
	ConnectTimeout  time.Duration
	SilenceTimeout  time.Duration
	FlushTimeout    time.Duration
	MaxDecodeErrors int
	// LegacySingleBurst captures each speaker at most once per session.
	LegacySingleBurst bool

	NewDecoder capture.DecoderFactory
	Tap        capture.Tap
	Now        func() time.Time
}

// OptionsFromConfig maps the recording config section to Options.
func OptionsFromConfig(cfg config.RecordingConfig) Options {
	return Options{
		RecordingsDir:     cfg.Dir,
		MaxDuration:       cfg.MaxDuration,
		ConnectTimeout:    cfg.ConnectTimeout,
		SilenceTimeout:    cfg.SilenceTimeout,
		FlushTimeout:      cfg.FlushTimeout,
		MaxDecodeErrors:   cfg.MaxDecodeErrors,
		LegacySingleBurst: cfg.LegacySingleBurst,
	}
}

// Hooks observe the lifecycle. Every hook is optional and must not block.
type Hooks struct {
	OnStarted func(Snapshot)
	OnSegment func(s Snapshot, res capture.Result)
	OnStopped func(StopSummary)
	OnMixdown func(sum StopSummary, artifact *mixdown.Artifact, err error)
}

// Manager is the session registry.
type Manager struct {
	opts    Options
	gateway voice.Gateway
	engine  *mixdown.Engine
	hooks   Hooks

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session

	mixdowns sync.WaitGroup
}

// NewManager creates a registry recording through gateway and mixing with engine.
func NewManager(opts Options, gateway voice.Gateway, engine *mixdown.Engine, hooks Hooks) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewDecoder == nil {
		opts.NewDecoder = capture.NewOpusDecoder
	}
	if opts.Tap == nil {
		opts.Tap = capture.NoopTap{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		gateway:  gateway,
		engine:   engine,
		hooks:    hooks,
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Start begins recording ch. The group entry is reserved before joining so
// a concurrent Start for the same group fails fast with ErrAlreadyRecording.
func (m *Manager) Start(ctx context.Context, ch Channel, requester string) (Snapshot, error) {
	if ch.GroupID == "" || ch.ChannelID == "" {
		return Snapshot{}, errors.New("group and channel are required")
	}

	now := m.opts.Now()
	s := &Session{
		ID:          uuid.NewString(),
		GroupID:     ch.GroupID,
		ChannelID:   ch.ChannelID,
		Requester:   requester,
		MaxDuration: m.opts.MaxDuration,
		Dir:         filepath.Join(m.opts.RecordingsDir, fmt.Sprintf("%s-%s", capture.SafeName(ch.GroupID), now.Format("20060102-150405"))),
		loopDone:    make(chan struct{}),
		handles:     make(map[string]*capture.Handle),
		pending:     make(map[string]time.Time),
		seen:        make(map[string]bool),
	}
	s.status.Store(int32(StatusStarting))

	m.mu.Lock()
	if _, exists := m.sessions[ch.GroupID]; exists {
		m.mu.Unlock()
		return Snapshot{}, ErrAlreadyRecording
	}
	m.sessions[ch.GroupID] = s
	m.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		m.release(s)
		return Snapshot{}, fmt.Errorf("create session directory: %w", err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.gateway.Join(joinCtx, ch.GroupID, ch.ChannelID)
	cancel()
	if err != nil {
		if rmErr := os.Remove(s.Dir); rmErr != nil {
			logging.Warning(logging.CategorySession, "failed to remove session directory dir=%s: %v", s.Dir, rmErr)
		}
		m.release(s)
		if errors.Is(err, context.DeadlineExceeded) {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		return Snapshot{}, fmt.Errorf("join voice channel: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.StartedAt = m.opts.Now()
	s.loopCtx, s.stopLoop = context.WithCancel(m.baseCtx)
	s.captureCtx, s.stopCapture = context.WithCancel(m.baseCtx)
	s.mu.Unlock()
	s.status.Store(int32(StatusActive))

	s.mu.Lock()
	s.timer = time.AfterFunc(s.MaxDuration, func() { m.expire(s) })
	s.mu.Unlock()

	go m.runLoop(s)

	snap := s.snapshot(m.opts.Now())
	logging.Success(logging.CategorySession, "recording started sessionID=%s groupID=%s channelID=%s requester=%s dir=%s",
		s.ID, s.GroupID, s.ChannelID, s.Requester, s.Dir)
	if m.hooks.OnStarted != nil {
		m.hooks.OnStarted(snap)
	}
	return snap, nil
}

// Stop finalizes the active session of groupID. Of two racing callers only
// one wins the active to stopping transition; the other gets ErrNoActiveSession.
func (m *Manager) Stop(ctx context.Context, groupID string, reason Reason) (*StopSummary, error) {
	m.mu.Lock()
	s := m.sessions[groupID]
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNoActiveSession
	}
	return m.stop(ctx, s, reason)
}

func (m *Manager) expire(s *Session) {
	logging.Info(logging.CategorySession, "max duration reached sessionID=%s groupID=%s max=%v", s.ID, s.GroupID, s.MaxDuration)
	if _, err := m.stop(m.baseCtx, s, ReasonMaxDuration); err != nil {
		logging.Debug(logging.CategorySession, "auto-stop skipped sessionID=%s: %v", s.ID, err)
	}
}

func (m *Manager) stop(ctx context.Context, s *Session, reason Reason) (*StopSummary, error) {
	if !s.status.CompareAndSwap(int32(StatusActive), int32(StatusStopping)) {
		return nil, ErrNoActiveSession
	}
	defer func() {
		m.release(s)
		s.status.Store(int32(StatusStopped))
	}()

	logging.Info(logging.CategorySession, "stopping recording sessionID=%s groupID=%s reason=%s", s.ID, s.GroupID, reason)

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	// No new handles once the loop is gone, then flush the open ones.
	s.stopLoop()
	<-s.loopDone
	s.stopCapture()
	m.waitHandles(ctx, s)

	if err := s.conn.Close(); err != nil {
		logging.Warning(logging.CategorySession, "failed to close voice connection sessionID=%s: %v", s.ID, err)
	}

	stoppedAt := m.opts.Now()
	segments := s.Segments()
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()

	meta := &mixdown.Metadata{
		SessionID: s.ID,
		GroupID:   s.GroupID,
		ChannelID: s.ChannelID,
		Requester: s.Requester,
		StartedAt: s.StartedAt,
		StoppedAt: stoppedAt,
		Reason:    string(reason),
		Format:    audio.Raw,
		Segments:  make([]mixdown.Source, 0, len(segments)),
	}
	for _, seg := range segments {
		meta.Segments = append(meta.Segments, mixdown.Source{
			Filename:  seg.Filename,
			SpeakerID: seg.SpeakerID,
			OffsetMS:  seg.Offset.Milliseconds(),
			Bytes:     seg.Bytes,
		})
	}
	if err := mixdown.WriteMetadata(s.Dir, meta); err != nil {
		logging.Error(logging.CategorySession, "failed to write metadata sessionID=%s: %v", s.ID, err)
	}

	sum := StopSummary{
		SessionID:      s.ID,
		GroupID:        s.GroupID,
		ChannelID:      s.ChannelID,
		Requester:      s.Requester,
		Dir:            s.Dir,
		StartedAt:      s.StartedAt,
		Duration:       stoppedAt.Sub(s.StartedAt),
		SegmentCount:   len(segments),
		FailedSegments: failed,
		Reason:         reason,
	}
	sum.Mixdown = m.engine.Start(m.baseCtx, s.Dir)

	m.mixdowns.Add(1)
	go func(sum StopSummary) {
		defer m.mixdowns.Done()
		artifact, err := sum.Mixdown.Wait(context.Background())
		if m.hooks.OnMixdown != nil {
			m.hooks.OnMixdown(sum, artifact, err)
		}
	}(sum)

	logging.Success(logging.CategorySession, "recording stopped sessionID=%s groupID=%s duration=%v segments=%d failed=%d reason=%s",
		s.ID, s.GroupID, sum.Duration, sum.SegmentCount, sum.FailedSegments, reason)
	if m.hooks.OnStopped != nil {
		m.hooks.OnStopped(sum)
	}
	return &sum, nil
}

// waitHandles waits for every handle to flush, bounded by FlushTimeout.
func (m *Manager) waitHandles(ctx context.Context, s *Session) {
	done := make(chan struct{})
	go func() {
		s.handleWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.opts.FlushTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logging.Warning(logging.CategorySession, "timeout waiting for capture handles to flush sessionID=%s timeout=%v", s.ID, m.opts.FlushTimeout)
	case <-ctx.Done():
		logging.Warning(logging.CategorySession, "stop cancelled while flushing sessionID=%s: %v", s.ID, ctx.Err())
	}
}

// release removes s from the registry if it is still the entry for its group.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.sessions[s.GroupID] == s {
		delete(m.sessions, s.GroupID)
	}
	m.mu.Unlock()
}

// Status returns a snapshot of the group's session, or nil when there is none.
func (m *Manager) Status(groupID string) *Snapshot {
	m.mu.Lock()
	s := m.sessions[groupID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	snap := s.snapshot(m.opts.Now())
	return &snap
}

// Active returns snapshots of every registered session.
func (m *Manager) Active() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	now := m.opts.Now()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot(now))
	}
	return out
}

// Shutdown stops every active session and waits for their mixdowns.
func (m *Manager) Shutdown(ctx context.Context) error {
	var jobs []*mixdown.Job
	for _, snap := range m.Active() {
		sum, err := m.Stop(ctx, snap.GroupID, ReasonShutdown)
		if err != nil {
			logging.Warning(logging.CategorySession, "failed to stop session on shutdown groupID=%s: %v", snap.GroupID, err)
			continue
		}
		jobs = append(jobs, sum.Mixdown)
	}

	for _, job := range jobs {
		if _, err := job.Wait(ctx); err != nil && ctx.Err() != nil {
			m.cancel()
			return fmt.Errorf("waiting for mixdowns: %w", ctx.Err())
		}
	}

	done := make(chan struct{})
	go func() {
		m.mixdowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.cancel()
		return fmt.Errorf("waiting for mixdown hooks: %w", ctx.Err())
	}
}
