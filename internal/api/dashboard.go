package api

import (
	"net/http"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/engine"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	"github.com/Priya8975/redirect-tracker/internal/store"
	ws "github.com/Priya8975/redirect-tracker/internal/websocket"
)

// DashboardHandler serves the pipeline overview. Stats and the circuit
// breaker are optional.
type DashboardHandler struct {
	stats  store.StatsReader
	queues map[string]queue.Queue
	cb     *engine.CircuitBreaker
	hub    *ws.Hub
	now    func() time.Time
}

func NewDashboardHandler(stats store.StatsReader, queues map[string]queue.Queue, cb *engine.CircuitBreaker, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{stats: stats, queues: queues, cb: cb, hub: hub, now: time.Now}
}

type metricsResponse struct {
	*store.PipelineStats
	QueueDepths      map[string]int64 `json:"queue_depths"`
	WebSocketClients int              `json:"websocket_clients"`
}

// Metrics returns aggregated pipeline numbers for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{
		PipelineStats: &store.PipelineStats{},
		QueueDepths:   make(map[string]int64, len(h.queues)),
	}

	if h.stats != nil {
		stats, err := h.stats.Stats(r.Context(), h.now())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to get metrics")
			return
		}
		resp.PipelineStats = stats
	}

	for name, q := range h.queues {
		depth, err := q.Depth(r.Context())
		if err != nil {
			depth = -1
		}
		resp.QueueDepths[name] = depth
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}

	respondJSON(w, http.StatusOK, resp)
}

// CircuitBreakers returns the state of every guarded dependency.
func (h *DashboardHandler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if h.cb == nil {
		respondJSON(w, http.StatusOK, []engine.CircuitBreakerState{})
		return
	}
	respondJSON(w, http.StatusOK, []engine.CircuitBreakerState{
		h.cb.GetState(r.Context(), engine.DependencyEventStore),
	})
}
