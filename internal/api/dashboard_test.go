package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Priya8975/redirect-tracker/internal/engine"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	ws "github.com/Priya8975/redirect-tracker/internal/websocket"
)

func TestDashboardHandler_Metrics(t *testing.T) {
	dash := NewDashboardHandler(seedEvents(t), map[string]queue.Queue{
		"clicks":     fixedDepth{n: 7},
		"clicks-dlq": fixedDepth{err: errors.New("unreachable")},
	}, nil, ws.NewHub(testLogger()))
	router := NewRouter(RouterConfig{Logger: testLogger(), Dashboard: dash})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		TotalEvents int              `json:"total_events"`
		Sources     int              `json:"sources"`
		QueueDepths map[string]int64 `json:"queue_depths"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.TotalEvents != 5 || resp.Sources != 3 {
		t.Errorf("unexpected stats %+v", resp)
	}
	if resp.QueueDepths["clicks"] != 7 || resp.QueueDepths["clicks-dlq"] != -1 {
		t.Errorf("queue depths = %v", resp.QueueDepths)
	}
}

func TestDashboardHandler_CircuitBreakersWithoutBreaker(t *testing.T) {
	router := NewRouter(RouterConfig{Logger: testLogger(), Dashboard: NewDashboardHandler(nil, nil, nil, nil)})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/circuit-breakers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var states []engine.CircuitBreakerState
	if err := json.NewDecoder(rec.Body).Decode(&states); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no breakers, got %v", states)
	}
}
