package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

const eventColumns = `tracking_id, event_timestamp, formatted_timestamp, destination_url,
	client_ip, COALESCE(source_attribution, ''), ttl, COALESCE(correlation_id, '')`

// UpsertEvent writes evt, replacing any record with the same tracking id.
func (s *PostgresStore) UpsertEvent(ctx context.Context, evt domain.TrackingEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracking_events (tracking_id, event_timestamp, formatted_timestamp, destination_url,
			client_ip, source_attribution, ttl, correlation_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''))
		ON CONFLICT (tracking_id) DO UPDATE SET
			event_timestamp = EXCLUDED.event_timestamp,
			formatted_timestamp = EXCLUDED.formatted_timestamp,
			destination_url = EXCLUDED.destination_url,
			client_ip = EXCLUDED.client_ip,
			source_attribution = EXCLUDED.source_attribution,
			ttl = EXCLUDED.ttl,
			correlation_id = EXCLUDED.correlation_id
	`, evt.TrackingID, evt.Timestamp, evt.FormattedTimestamp, evt.DestinationURL,
		evt.ClientIP, evt.SourceAttribution, evt.TTL, evt.CorrelationID)
	if err != nil {
		return fmt.Errorf("upserting tracking event %s: %w", evt.TrackingID, err)
	}
	return nil
}

// eventFilter builds the WHERE clause for q. Placeholders start at $1.
func eventFilter(q domain.EventQuery, now time.Time) (string, []interface{}) {
	args := []interface{}{now.Unix()}
	argIdx := 2
	conditions := []string{"ttl > $1"}

	if q.SourceAttribution != "" {
		conditions = append(conditions, fmt.Sprintf("COALESCE(source_attribution, '%s') = $%d", domain.NoSourceAttribution, argIdx))
		args = append(args, q.SourceAttribution)
		argIdx++
	}
	if q.DestinationContains != "" {
		conditions = append(conditions, fmt.Sprintf("strpos(destination_url, $%d) > 0", argIdx))
		args = append(args, q.DestinationContains)
		argIdx++
	}
	if q.From != nil {
		conditions = append(conditions, fmt.Sprintf("event_timestamp >= $%d", argIdx))
		args = append(args, *q.From)
		argIdx++
	}
	if q.To != nil {
		conditions = append(conditions, fmt.Sprintf("event_timestamp <= $%d", argIdx))
		args = append(args, *q.To)
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// QueryEvents returns live events matching q, one page at a time.
func (s *PostgresStore) QueryEvents(ctx context.Context, q domain.EventQuery) ([]domain.TrackingEvent, error) {
	q = normalizeQuery(q)
	where, args := eventFilter(q, s.now())

	query := `SELECT ` + eventColumns + ` FROM tracking_events` + where
	if q.Descending() {
		query += " ORDER BY event_timestamp DESC, tracking_id"
	} else {
		query += " ORDER BY event_timestamp ASC, tracking_id"
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tracking events: %w", err)
	}
	defer rows.Close()

	events := []domain.TrackingEvent{}
	for rows.Next() {
		var e domain.TrackingEvent
		err := rows.Scan(&e.TrackingID, &e.Timestamp, &e.FormattedTimestamp, &e.DestinationURL,
			&e.ClientIP, &e.SourceAttribution, &e.TTL, &e.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("scanning tracking event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tracking events: %w", err)
	}

	return events, nil
}

// AggregateBySource groups live events matching q by source attribution.
// Limit, Offset and Order are ignored.
func (s *PostgresStore) AggregateBySource(ctx context.Context, q domain.EventQuery) ([]domain.SourceAggregate, error) {
	where, args := eventFilter(q, s.now())

	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(source_attribution, '`+domain.NoSourceAttribution+`') AS source,
			COUNT(*) AS clicks,
			COUNT(DISTINCT client_ip) AS unique_ips,
			ARRAY_AGG(DISTINCT destination_url ORDER BY destination_url) AS destinations
		FROM tracking_events`+where+`
		GROUP BY 1
		ORDER BY clicks DESC, source ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating tracking events: %w", err)
	}
	defer rows.Close()

	aggs := []domain.SourceAggregate{}
	for rows.Next() {
		var a domain.SourceAggregate
		if err := rows.Scan(&a.SourceAttribution, &a.Count, &a.UniqueIPs, &a.Destinations); err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregates: %w", err)
	}

	return aggs, nil
}

// PurgeExpired deletes events whose ttl has passed.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM tracking_events WHERE ttl <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purging expired tracking events: %w", err)
	}
	return result.RowsAffected(), nil
}
