package signaling

import (
	"sync"
	"time"
)

// AppState is the process state shared between the orchestrator and the UI layer.
// Pass one instance to everything that needs it.
type AppState struct {
	mu              sync.RWMutex
	running         bool
	motionDetected  bool
	motionChangedAt time.Time
}

func NewAppState() *AppState {
	return &AppState{}
}

func (s *AppState) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// markRunning flips the running flag and reports whether it changed.
func (s *AppState) markRunning(running bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == running {
		return false
	}
	s.running = running
	return true
}

func (s *AppState) MotionDetected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.motionDetected
}

// MotionChangedAt is the time of the last motion state change, zero if none.
func (s *AppState) MotionChangedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.motionChangedAt
}

// SetMotionDetected records the motion state and reports whether it changed.
func (s *AppState) SetMotionDetected(detected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.motionDetected == detected {
		return false
	}
	s.motionDetected = detected
	s.motionChangedAt = time.Now()
	return true
}
