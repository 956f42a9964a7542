package store

import (
	"sort"
	"strings"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

// normalizeQuery applies the default and maximum limits.
func normalizeQuery(q domain.EventQuery) domain.EventQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Order != domain.OrderAsc {
		q.Order = domain.OrderDesc
	}
	return q
}

// matches reports whether evt is live at now and passes the filters of q.
// A source filter of domain.NoSourceAttribution selects events without one.
func matches(evt domain.TrackingEvent, q domain.EventQuery, now time.Time) bool {
	if evt.Expired(now) {
		return false
	}
	if q.SourceAttribution != "" && evt.SourceOrSentinel() != q.SourceAttribution {
		return false
	}
	if q.DestinationContains != "" && !strings.Contains(evt.DestinationURL, q.DestinationContains) {
		return false
	}
	if q.From != nil && evt.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && evt.Timestamp.After(*q.To) {
		return false
	}
	return true
}

// sortAndPage orders events by timestamp, tracking id breaking ties, and
// cuts out the requested page.
func sortAndPage(events []domain.TrackingEvent, q domain.EventQuery) []domain.TrackingEvent {
	desc := q.Descending()
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if desc {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.TrackingID < b.TrackingID
	})

	if q.Offset >= len(events) {
		return []domain.TrackingEvent{}
	}
	events = events[q.Offset:]
	if len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return events
}

// aggregate groups events by source attribution, largest group first.
func aggregate(events []domain.TrackingEvent) []domain.SourceAggregate {
	type bucket struct {
		count        int
		ips          map[string]struct{}
		destinations map[string]struct{}
	}
	buckets := map[string]*bucket{}
	for _, evt := range events {
		src := evt.SourceOrSentinel()
		b, ok := buckets[src]
		if !ok {
			b = &bucket{ips: map[string]struct{}{}, destinations: map[string]struct{}{}}
			buckets[src] = b
		}
		b.count++
		b.ips[evt.ClientIP] = struct{}{}
		b.destinations[evt.DestinationURL] = struct{}{}
	}

	out := make([]domain.SourceAggregate, 0, len(buckets))
	for src, b := range buckets {
		dests := make([]string, 0, len(b.destinations))
		for d := range b.destinations {
			dests = append(dests, d)
		}
		sort.Strings(dests)
		out = append(out, domain.SourceAggregate{
			SourceAttribution: src,
			Count:             b.count,
			UniqueIPs:         len(b.ips),
			Destinations:      dests,
		})
	}
	sortAggregates(out)
	return out
}

func sortAggregates(aggs []domain.SourceAggregate) {
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].Count != aggs[j].Count {
			return aggs[i].Count > aggs[j].Count
		}
		return aggs[i].SourceAttribution < aggs[j].SourceAttribution
	})
}

func sortEscalations(escs []domain.Escalation) {
	sort.Slice(escs, func(i, j int) bool {
		return escs[i].CreatedAt.After(escs[j].CreatedAt)
	})
}
