package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Backend for local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]domain.TrackingEvent
	escalations map[string]domain.Escalation
	now         func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]domain.TrackingEvent),
		escalations: make(map[string]domain.Escalation),
		now:         time.Now,
	}
}

// SetClock replaces the time source used for expiry checks.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) UpsertEvent(_ context.Context, evt domain.TrackingEvent) error {
	if evt.TrackingID == "" {
		return fmt.Errorf("upserting tracking event: empty tracking id")
	}
	s.mu.Lock()
	s.events[evt.TrackingID] = evt
	s.mu.Unlock()
	return nil
}

// Get returns the stored event regardless of expiry.
func (s *MemoryStore) Get(trackingID string) (domain.TrackingEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[trackingID]
	return evt, ok
}

// Len returns the number of stored events regardless of expiry.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) live(q domain.EventQuery) []domain.TrackingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]domain.TrackingEvent, 0, len(s.events))
	for _, evt := range s.events {
		if matches(evt, q, now) {
			out = append(out, evt)
		}
	}
	return out
}

func (s *MemoryStore) QueryEvents(_ context.Context, q domain.EventQuery) ([]domain.TrackingEvent, error) {
	q = normalizeQuery(q)
	return sortAndPage(s.live(q), q), nil
}

func (s *MemoryStore) AggregateBySource(_ context.Context, q domain.EventQuery) ([]domain.SourceAggregate, error) {
	return aggregate(s.live(q)), nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, evt := range s.events {
		if evt.Expired(now) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateEscalation(_ context.Context, esc domain.Escalation) (*domain.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc.ID = uuid.NewString()
	esc.CreatedAt = s.now().UTC()
	esc.ResolvedAt = nil
	esc.ResolvedBy = nil
	s.escalations[esc.ID] = esc
	return &esc, nil
}

func (s *MemoryStore) ListEscalations(_ context.Context, resolved bool, limit int) ([]domain.Escalation, error) {
	s.mu.RLock()
	out := []domain.Escalation{}
	for _, e := range s.escalations {
		if (e.ResolvedAt != nil) == resolved {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortEscalations(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetEscalation(_ context.Context, id string) (*domain.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escalations[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) ResolveEscalation(_ context.Context, id, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escalations[id]
	if !ok || e.ResolvedAt != nil {
		return fmt.Errorf("escalation %s not found or already resolved: %w", id, ErrNotFound)
	}
	at := s.now().UTC()
	e.ResolvedAt = &at
	e.ResolvedBy = &resolvedBy
	s.escalations[id] = e
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (*PipelineStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := map[string]struct{}{}
	ips := map[string]struct{}{}
	var st PipelineStats
	for _, evt := range s.events {
		if evt.Expired(now) {
			continue
		}
		st.TotalEvents++
		sources[evt.SourceAttribution] = struct{}{}
		ips[evt.ClientIP] = struct{}{}
	}
	st.Sources = len(sources)
	st.UniqueIPs = len(ips)
	for _, e := range s.escalations {
		if e.ResolvedAt == nil {
			st.UnresolvedEscalations++
		}
	}
	return &st, nil
}
