// Package alerts keeps the most recent anomaly alerts in memory.
package alerts

import (
	"sync"
	"time"

	"vibranium/internal/model"
)

// Filter selects alerts. Zero fields match everything; Limit keeps the
// newest matches.
type Filter struct {
	EquipmentID string
	EndpointID  string
	Severity    string
	Since       time.Time
	Limit       int
}

func (f Filter) match(a model.Alert) bool {
	switch {
	case f.EquipmentID != "" && a.EquipmentID != f.EquipmentID:
		return false
	case f.EndpointID != "" && a.EndpointID != f.EndpointID:
		return false
	case f.Severity != "" && a.Severity != f.Severity:
		return false
	case !f.Since.IsZero() && a.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Store is a fixed-size ring; the oldest alert is overwritten when full.
type Store struct {
	mu   sync.RWMutex
	ring []model.Alert
	next int
	full bool
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{ring: make([]model.Alert, limit)}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = alert
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.ring)
	}
	return s.next
}

// Query returns the matching alerts, oldest first.
func (s *Store) Query(f Filter) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	start, n := 0, s.next
	if s.full {
		start, n = s.next, len(s.ring)
	}
	for i := 0; i < n; i++ {
		a := s.ring[(start+i)%len(s.ring)]
		if f.match(a) {
			out = append(out, a)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.next = 0
	s.full = false
}
