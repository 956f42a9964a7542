package domain

import (
	"time"
)

// Escalation is a dead-lettered tracking event that the reprocessor could not
// recover. It keeps the original message body so it can be replayed by hand.
type Escalation struct {
	ID            string     `json:"id"`
	TrackingID    string     `json:"tracking_id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	ErrorType     string     `json:"error_type"`
	LastError     *string    `json:"last_error,omitempty"`
	Body          string     `json:"body"`
	TotalAttempts int        `json:"total_attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    *string    `json:"resolved_by,omitempty"`
}
