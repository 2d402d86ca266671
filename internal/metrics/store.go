package metrics

import (
	"sync"
	"time"

	"vibranium/internal/model"
)

// Snapshot is the latest feature record seen for an endpoint.
type Snapshot struct {
	Record    model.AcquisitionRecord `json:"record"`
	Anomaly   *bool                   `json:"anomaly"`
	Mode      string                  `json:"mode"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type Store struct {
	mu         sync.RWMutex
	byEndpoint map[string]Snapshot
	limit      int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byEndpoint: make(map[string]Snapshot),
		limit:      limit,
	}
}

func (s *Store) Update(rec model.AcquisitionRecord, anomaly *bool, mode string) {
	if rec.EndpointID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEndpoint[rec.EndpointID] = Snapshot{
		Record:    rec,
		Anomaly:   anomaly,
		Mode:      mode,
		UpdatedAt: time.Now().UTC(),
	}
	if len(s.byEndpoint) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(endpointID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byEndpoint[endpointID]
	return snap, ok
}

func (s *Store) GetAll() map[string]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Snapshot, len(s.byEndpoint))
	for id, snap := range s.byEndpoint {
		out[id] = snap
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, snap := range s.byEndpoint {
		if oldestID == "" || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.byEndpoint, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEndpoint = make(map[string]Snapshot)
}
