package session

import (
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/capture"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
)

// runLoop consumes speaking events until the session stops or the
// connection ends, spawning one capture handle per burst.
func (m *Manager) runLoop(s *Session) {
	defer close(s.loopDone)

	speaking := s.conn.Speaking()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case ev, ok := <-speaking:
			if !ok {
				logging.Warning(logging.CategorySession, "voice connection closed its event stream sessionID=%s", s.ID)
				return
			}
			m.onSpeaking(s, ev)
		}
	}
}

func (m *Manager) onSpeaking(s *Session, ev voice.SpeakingEvent) {
	speakerID := ev.SpeakerID
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, capturing := s.handles[speakerID]; capturing {
		// The running handle may be closing on silence right now.
		s.pending[speakerID] = ev.At
		return
	}
	if m.opts.LegacySingleBurst && s.seen[speakerID] {
		return
	}
	m.spawnLocked(s, speakerID)
}

// spawnLocked starts a handle for speakerID. s.mu must be held.
func (m *Manager) spawnLocked(s *Session, speakerID string) {
	if s.captureCtx.Err() != nil {
		return
	}
	s.seen[speakerID] = true

	h := capture.NewHandle(speakerID, s.conn.Subscribe(speakerID), capture.Options{
		Dir:             s.Dir,
		SessionStart:    s.StartedAt,
		SilenceTimeout:  m.opts.SilenceTimeout,
		MaxDecodeErrors: m.opts.MaxDecodeErrors,
		NewDecoder:      m.opts.NewDecoder,
		Tap:             m.opts.Tap,
	})
	s.handles[speakerID] = h
	logging.Debug(logging.CategorySession, "capture handle spawned sessionID=%s speakerID=%s", s.ID, speakerID)

	s.handleWG.Add(1)
	go func() {
		defer s.handleWG.Done()
		res := h.Run(s.captureCtx)
		m.onHandleDone(s, h, res)
	}()
}

func (m *Manager) onHandleDone(s *Session, h *capture.Handle, res capture.Result) {
	s.mu.Lock()
	if s.handles[res.SpeakerID] == h {
		delete(s.handles, res.SpeakerID)
	}
	switch {
	case res.Err != nil:
		s.failed++
	case res.Segment != nil:
		s.segments = append(s.segments, *res.Segment)
	}
	if burstAt, ok := s.pending[res.SpeakerID]; ok {
		delete(s.pending, res.SpeakerID)
		// A handle that read the burst's first packet already captured it.
		unread := res.LastPacketAt.Before(burstAt)
		if unread && !m.opts.LegacySingleBurst && res.Reason == capture.EndSilence {
			m.spawnLocked(s, res.SpeakerID)
		}
	}
	s.mu.Unlock()

	if res.Err != nil {
		logging.Warning(logging.CategorySession, "segment failed sessionID=%s speakerID=%s: %v", s.ID, res.SpeakerID, res.Err)
	}
	if m.hooks.OnSegment != nil && (res.Err != nil || res.Segment != nil) {
		m.hooks.OnSegment(s.snapshot(m.opts.Now()), res)
	}
}
