package domain

import (
	"time"
)

// Sort orders accepted by EventQuery.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// EventQuery filters tracking events for the read side. Zero values mean
// "no filter" except Order, which defaults to OrderDesc.
type EventQuery struct {
	SourceAttribution   string     `json:"source_attribution,omitempty"`
	DestinationContains string     `json:"destination,omitempty"`
	From                *time.Time `json:"from,omitempty"`
	To                  *time.Time `json:"to,omitempty"`
	Limit               int        `json:"limit,omitempty"`
	Offset              int        `json:"offset,omitempty"`
	Order               string     `json:"order,omitempty"`
}

// Descending reports whether results are newest first.
func (q EventQuery) Descending() bool {
	return q.Order != OrderAsc
}

// SourceAggregate summarises the events of one source attribution.
type SourceAggregate struct {
	SourceAttribution string   `json:"source_attribution"`
	Count             int      `json:"count"`
	UniqueIPs         int      `json:"unique_ips"`
	Destinations      []string `json:"destinations"`
}
