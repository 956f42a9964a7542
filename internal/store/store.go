package store

import (
	"context"
	"errors"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

// Read limits applied when an EventQuery leaves Limit unset or asks for too
// much.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
)

// ErrNotFound is returned by writes that target a record that does not exist.
// Reads of a missing record return (nil, nil).
var ErrNotFound = errors.New("not found")

// EventStore persists tracking events. UpsertEvent overwrites any existing
// record with the same tracking id, so storing an event twice leaves exactly
// one record.
type EventStore interface {
	UpsertEvent(ctx context.Context, evt domain.TrackingEvent) error
}

// EventReader serves the read side. Expired events are never returned.
type EventReader interface {
	QueryEvents(ctx context.Context, q domain.EventQuery) ([]domain.TrackingEvent, error)
	AggregateBySource(ctx context.Context, q domain.EventQuery) ([]domain.SourceAggregate, error)
}

// Purger deletes expired events for backends without native expiry.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// EscalationStore is the ledger of dead-lettered events the reprocessor could
// not recover.
type EscalationStore interface {
	CreateEscalation(ctx context.Context, esc domain.Escalation) (*domain.Escalation, error)
	ListEscalations(ctx context.Context, resolved bool, limit int) ([]domain.Escalation, error)
	GetEscalation(ctx context.Context, id string) (*domain.Escalation, error)
	ResolveEscalation(ctx context.Context, id, resolvedBy string) error
}

// Backend is everything a storage backend provides.
type Backend interface {
	EventStore
	EventReader
	EscalationStore
}

// PipelineStats summarises what a backend holds.
type PipelineStats struct {
	TotalEvents           int `json:"total_events"`
	Sources               int `json:"sources"`
	UniqueIPs             int `json:"unique_ips"`
	UnresolvedEscalations int `json:"unresolved_escalations"`
}

// StatsReader is implemented by backends that can summarise themselves
// cheaply.
type StatsReader interface {
	Stats(ctx context.Context, now time.Time) (*PipelineStats, error)
}
