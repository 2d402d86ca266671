package monitor

import (
	"sync"
	"time"
)

// TrainingSession tracks the rows collected for one equipment since its
// training table was started.
type TrainingSession struct {
	Rows        int       `json:"rows"`
	Training    bool      `json:"training"`
	LastTrained time.Time `json:"last_trained,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type Sessions struct {
	mu sync.Mutex
	m  map[string]*TrainingSession
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*TrainingSession)}
}

func (s *Sessions) get(equipmentID string) *TrainingSession {
	sess, ok := s.m[equipmentID]
	if !ok {
		sess = &TrainingSession{}
		s.m[equipmentID] = sess
	}
	return sess
}

// Increment counts one more stored row and returns the new total.
func (s *Sessions) Increment(equipmentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(equipmentID)
	sess.Rows++
	return sess.Rows
}

// BeginTraining marks a training run in flight. It returns false when one is
// already running for the equipment.
func (s *Sessions) BeginTraining(equipmentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(equipmentID)
	if sess.Training {
		return false
	}
	sess.Training = true
	return true
}

// FinishTraining ends the run and starts a fresh row count.
func (s *Sessions) FinishTraining(equipmentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.get(equipmentID)
	sess.Training = false
	sess.Rows = 0
	if err != nil {
		sess.LastError = err.Error()
		return
	}
	sess.LastError = ""
	sess.LastTrained = time.Now().UTC()
}

func (s *Sessions) Reset(equipmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(equipmentID).Rows = 0
}

func (s *Sessions) Snapshot(equipmentID string) TrainingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[equipmentID]; ok {
		return *sess
	}
	return TrainingSession{}
}

func (s *Sessions) All() map[string]TrainingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TrainingSession, len(s.m))
	for id, sess := range s.m {
		out[id] = *sess
	}
	return out
}
