package store

import (
	"context"
	"sync"

	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/types"
)

// MemoryStore keeps incidents in memory with a bounded history. When the
// cap is reached the oldest resolved incident is evicted first; if every
// incident is still active, the oldest of those goes.
type MemoryStore struct {
	mu           sync.RWMutex
	byID         map[string]types.Incident
	order        []string // insertion order, oldest first
	maxIncidents int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory incident store. maxIncidents <= 0
// means unbounded.
func NewMemoryStore(maxIncidents int) *MemoryStore {
	return &MemoryStore{
		byID:         make(map[string]types.Incident),
		maxIncidents: maxIncidents,
	}
}

// Append persists an incident, evicting the oldest entry if at capacity.
func (s *MemoryStore) Append(_ context.Context, incident types.Incident) error {
	if incident.IncidentID == "" {
		return errors.WrapInvalid(errors.ErrMalformedReading, "store", "Append",
			"incident missing ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[incident.IncidentID]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "store", "Append",
			"incident "+incident.IncidentID+" already stored")
	}

	if s.maxIncidents > 0 && len(s.order) >= s.maxIncidents {
		s.evictLocked()
	}

	s.byID[incident.IncidentID] = incident
	s.order = append(s.order, incident.IncidentID)
	return nil
}

// evictLocked removes the oldest resolved incident, falling back to the
// oldest incident outright. Caller holds s.mu.
func (s *MemoryStore) evictLocked() {
	for i, id := range s.order {
		if s.byID[id].Status == types.IncidentResolved {
			delete(s.byID, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
	oldest := s.order[0]
	delete(s.byID, oldest)
	s.order = s.order[1:]
}

// Get returns one incident by ID.
func (s *MemoryStore) Get(_ context.Context, incidentID string) (types.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	incident, ok := s.byID[incidentID]
	if !ok {
		return types.Incident{}, errors.WrapInvalid(errors.ErrKeyNotFound, "store", "Get",
			"incident "+incidentID)
	}
	return incident, nil
}

// Active returns active incidents, newest first.
func (s *MemoryStore) Active(_ context.Context) ([]types.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Incident, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		incident := s.byID[s.order[i]]
		if incident.Status == types.IncidentActive {
			out = append(out, incident)
		}
	}
	return out, nil
}

// Recent returns up to limit incidents, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]types.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Incident, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.byID[s.order[i]])
	}
	return out, nil
}

// Resolve transitions an incident to resolved status.
func (s *MemoryStore) Resolve(_ context.Context, incidentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	incident, ok := s.byID[incidentID]
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "store", "Resolve",
			"incident "+incidentID)
	}
	incident.Status = types.IncidentResolved
	s.byID[incidentID] = incident
	return nil
}

// Len returns the number of stored incidents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
