package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/jackc/pgx/v5"
)

const escalationColumns = `id, tracking_id, COALESCE(correlation_id, ''), error_type, last_error, body,
	total_attempts, created_at, resolved_at, resolved_by`

func scanEscalation(row pgx.Row, e *domain.Escalation) error {
	return row.Scan(
		&e.ID, &e.TrackingID, &e.CorrelationID, &e.ErrorType, &e.LastError, &e.Body,
		&e.TotalAttempts, &e.CreatedAt, &e.ResolvedAt, &e.ResolvedBy,
	)
}

// CreateEscalation records an unrecoverable dead letter. ID and CreatedAt are
// assigned by the database.
func (s *PostgresStore) CreateEscalation(ctx context.Context, esc domain.Escalation) (*domain.Escalation, error) {
	var out domain.Escalation
	err := scanEscalation(s.pool.QueryRow(ctx, `
		INSERT INTO escalations (tracking_id, correlation_id, error_type, last_error, body, total_attempts)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		RETURNING `+escalationColumns,
		esc.TrackingID, esc.CorrelationID, esc.ErrorType, esc.LastError, esc.Body, esc.TotalAttempts,
	), &out)
	if err != nil {
		return nil, fmt.Errorf("inserting escalation: %w", err)
	}
	return &out, nil
}

// ListEscalations returns escalations newest first.
func (s *PostgresStore) ListEscalations(ctx context.Context, resolved bool, limit int) ([]domain.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	if resolved {
		query += " WHERE resolved_at IS NOT NULL"
	} else {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at DESC"

	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer rows.Close()

	escalations := []domain.Escalation{}
	for rows.Next() {
		var e domain.Escalation
		if err := scanEscalation(rows, &e); err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		escalations = append(escalations, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escalations: %w", err)
	}

	return escalations, nil
}

// GetEscalation returns a single escalation, or nil if there is none.
func (s *PostgresStore) GetEscalation(ctx context.Context, id string) (*domain.Escalation, error) {
	var e domain.Escalation
	err := scanEscalation(s.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = $1`, id,
	), &e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying escalation: %w", err)
	}
	return &e, nil
}

// ResolveEscalation marks an open escalation as handled.
func (s *PostgresStore) ResolveEscalation(ctx context.Context, id, resolvedBy string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE escalations SET resolved_at = NOW(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving escalation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("escalation %s not found or already resolved: %w", id, ErrNotFound)
	}
	return nil
}
