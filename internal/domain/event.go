package domain

import (
	"time"
)

// NoSourceAttribution stands in for an absent source attribution wherever a
// concrete value is required (dedup fingerprints, aggregate buckets).
const NoSourceAttribution = "none"

// MaxSourceAttributionLen caps a source attribution whatever the configured
// source pattern allows. The validate tag on TrackingEvent carries the same
// limit.
const MaxSourceAttributionLen = 128

// TrackingEvent is the canonical record of one redirect click. It is built
// once by the normalizer and never mutated afterwards.
type TrackingEvent struct {
	TrackingID         string    `json:"tracking_id" validate:"required,uuid4"`
	Timestamp          time.Time `json:"timestamp" validate:"required"`
	FormattedTimestamp string    `json:"formatted_timestamp"`
	DestinationURL     string    `json:"destination_url" validate:"required,url"`
	ClientIP           string    `json:"client_ip" validate:"required"`
	SourceAttribution  string    `json:"source_attribution,omitempty" validate:"omitempty,max=128"`
	TTL                int64     `json:"ttl" validate:"required,gt=0"`
	CorrelationID      string    `json:"correlation_id,omitempty"`
}

// SourceOrSentinel returns the source attribution, or NoSourceAttribution
// when the click carried none.
func (e TrackingEvent) SourceOrSentinel() string {
	if e.SourceAttribution == "" {
		return NoSourceAttribution
	}
	return e.SourceAttribution
}

// Expired reports whether the storage-layer expiry has passed at now.
func (e TrackingEvent) Expired(now time.Time) bool {
	return e.TTL <= now.Unix()
}
