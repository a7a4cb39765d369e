package pipeline

import (
	"sync"

	"github.com/kikiluvv/examguard/internal/proctor"
)

// session guards the status snapshot. The frame loop is the only writer.
type session struct {
	mu sync.RWMutex
	st Status
}

func (s *session) start(id string, info SourceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = Status{
		SessionID:   id,
		Source:      info.Name,
		FPS:         info.FPS,
		TotalFrames: info.TotalFrames,
		Active:      true,
		Verdict:     proctor.VerdictPending,
	}
}

func (s *session) setPaused(p bool) {
	s.mu.Lock()
	s.st.Paused = p
	s.mu.Unlock()
}

func (s *session) advance(frame int, progress float64) {
	s.mu.Lock()
	s.st.FrameIndex = frame
	if progress >= 0 {
		s.st.Progress = progress
	}
	s.mu.Unlock()
}

func (s *session) setProbability(p float64) {
	s.mu.Lock()
	s.st.Probability = p
	s.mu.Unlock()
}

func (s *session) finish(v proctor.Verdict) {
	s.mu.Lock()
	s.st.Active = false
	s.st.Paused = false
	s.st.Verdict = v
	s.mu.Unlock()
}

func (s *session) snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}
