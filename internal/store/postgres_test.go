package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/migrations"
	"github.com/google/uuid"
)

// setupPostgres connects to TEST_DATABASE_URL and skips when it is unset.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := NewPostgres(ctx, url, 4)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	// A second run is a no-op.
	if err := s.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("migrations rerun: %v", err)
	}
	s.now = func() time.Time { return testNow }
	return s
}

func TestPostgresStore_UpsertIsIdempotent(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	source := "pg-" + uuid.NewString()[:8]

	evt := testEvent(uuid.NewString(), -time.Minute, source, "https://a.example.com/x?q=caf%C3%A9", "10.0.0.1")
	if err := s.UpsertEvent(ctx, evt); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	firstStoredAt := storedAt(t, s, evt.TrackingID)

	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		if err := s.UpsertEvent(ctx, evt); err != nil {
			t.Fatalf("repeat upsert %d: %v", i, err)
		}
	}
	if got := storedAt(t, s, evt.TrackingID); !got.Equal(firstStoredAt) {
		t.Errorf("repeated upsert changed stored_at: %v -> %v", firstStoredAt, got)
	}

	got, err := s.QueryEvents(ctx, domain.EventQuery{SourceAttribution: source})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].DestinationURL != evt.DestinationURL || !got[0].Timestamp.Equal(evt.Timestamp) {
		t.Errorf("stored event differs: %+v", got[0])
	}
}

func storedAt(t *testing.T, s *PostgresStore, trackingID string) time.Time {
	t.Helper()
	var at time.Time
	err := s.pool.QueryRow(context.Background(),
		`SELECT stored_at FROM tracking_events WHERE tracking_id = $1`, trackingID).Scan(&at)
	if err != nil {
		t.Fatalf("reading stored_at: %v", err)
	}
	return at
}

func TestPostgresStore_AggregateAndPurge(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	source := "pg-" + uuid.NewString()[:8]

	live := testEvent(uuid.NewString(), -time.Minute, source, "https://a.example.com/x", "10.0.0.1")
	other := testEvent(uuid.NewString(), -time.Minute, source, "https://a.example.com/y", "10.0.0.2")
	expired := testEvent(uuid.NewString(), -time.Minute, source, "https://a.example.com/z", "10.0.0.3")
	expired.TTL = testNow.Add(-time.Hour).Unix()
	for _, evt := range []domain.TrackingEvent{live, other, expired} {
		if err := s.UpsertEvent(ctx, evt); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	aggs, err := s.AggregateBySource(ctx, domain.EventQuery{SourceAttribution: source})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(aggs) != 1 || aggs[0].Count != 2 || aggs[0].UniqueIPs != 2 || len(aggs[0].Destinations) != 2 {
		t.Fatalf("unexpected aggregate: %+v", aggs)
	}

	n, err := s.PurgeExpired(ctx, testNow)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n < 1 {
		t.Errorf("expected the expired row to be purged, got %d", n)
	}
}

func TestPostgresStore_Escalations(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	created, err := s.CreateEscalation(ctx, domain.Escalation{
		TrackingID: uuid.NewString(),
		ErrorType:  "validation_failure",
		Body:       "{}",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ResolveEscalation(ctx, created.ID, "test"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.GetEscalation(ctx, created.ID)
	if err != nil || got == nil || got.ResolvedAt == nil {
		t.Fatalf("expected resolved escalation, got %+v (%v)", got, err)
	}
}
