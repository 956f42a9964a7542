package store

import (
	"context"
	"fmt"
	"time"
)

// Stats summarises the live events and the open escalations.
func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*PipelineStats, error) {
	var st PipelineStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(DISTINCT COALESCE(source_attribution, '')) AS sources,
			COUNT(DISTINCT client_ip) AS unique_ips
		FROM tracking_events
		WHERE ttl > $1
	`, now.Unix()).Scan(&st.TotalEvents, &st.Sources, &st.UniqueIPs)
	if err != nil {
		return nil, fmt.Errorf("querying event stats: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM escalations WHERE resolved_at IS NULL
	`).Scan(&st.UnresolvedEscalations)
	if err != nil {
		return nil, fmt.Errorf("querying escalation count: %w", err)
	}

	return &st, nil
}
