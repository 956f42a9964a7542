package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	"github.com/Priya8975/redirect-tracker/internal/store"
	"github.com/Priya8975/redirect-tracker/internal/worker"
)

// Reprocessor is the part of worker.Reprocessor the admin API drives.
type Reprocessor interface {
	RunOnce(ctx context.Context) (worker.ReprocessResult, error)
	ReplayEscalation(ctx context.Context, id, resolvedBy string) (*domain.TrackingEvent, error)
}

// DeadLetterHandler administers the dead-letter queue and the escalation
// ledger.
type DeadLetterHandler struct {
	reprocessor Reprocessor
	ledger      store.EscalationStore
	queues      map[string]queue.Queue
	logger      *slog.Logger
}

func NewDeadLetterHandler(reprocessor Reprocessor, ledger store.EscalationStore, queues map[string]queue.Queue, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		reprocessor: reprocessor,
		ledger:      ledger,
		queues:      queues,
		logger:      logger,
	}
}

// Reprocess drains the dead-letter queue once, on demand.
func (h *DeadLetterHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	res, err := h.reprocessor.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("on-demand reprocessing failed",
			"correlation_id", CorrelationID(r.Context()),
			"error", err,
		)
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  "reprocessing failed",
			"result": res,
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Queues reports the depth of every configured queue.
func (h *DeadLetterHandler) Queues(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int64, len(h.queues))
	for name, q := range h.queues {
		n, err := q.Depth(r.Context())
		if err != nil {
			h.logger.Warn("failed to read queue depth", "queue", name, "error", err)
			respondError(w, http.StatusBadGateway, "failed to read depth of "+name)
			return
		}
		depths[name] = n
	}
	respondJSON(w, http.StatusOK, depths)
}

func (h *DeadLetterHandler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"

	limit := store.DefaultQueryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > store.MaxQueryLimit {
		limit = store.MaxQueryLimit
	}

	escs, err := h.ledger.ListEscalations(r.Context(), resolved, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list escalations")
		return
	}
	if escs == nil {
		escs = []domain.Escalation{}
	}
	respondJSON(w, http.StatusOK, escs)
}

func (h *DeadLetterHandler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	esc, err := h.ledger.GetEscalation(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get escalation")
		return
	}
	if esc == nil {
		respondError(w, http.StatusNotFound, "escalation not found")
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func decodeResolveRequest(r *http.Request) (resolveRequest, error) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "manual"
	}
	return req, nil
}

func (h *DeadLetterHandler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := decodeResolveRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.ledger.ResolveEscalation(r.Context(), id, req.ResolvedBy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "escalation not found or already resolved")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to resolve escalation")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// ReplayEscalation stores the escalated event again and resolves it.
func (h *DeadLetterHandler) ReplayEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := decodeResolveRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	evt, err := h.reprocessor.ReplayEscalation(r.Context(), id, req.ResolvedBy)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "escalation not found or already resolved")
		return
	case errors.Is(err, worker.ErrReplayInvalid):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	default:
		h.logger.Error("escalation replay failed",
			"escalation_id", id,
			"correlation_id", CorrelationID(r.Context()),
			"error", err,
		)
		respondError(w, http.StatusBadGateway, "failed to replay escalation")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "replayed",
		"event":  evt,
	})
}
