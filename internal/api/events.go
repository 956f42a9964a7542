package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/store"
)

// EventHandler serves the read side of stored tracking events.
type EventHandler struct {
	reader store.EventReader
}

func NewEventHandler(reader store.EventReader) *EventHandler {
	return &EventHandler{reader: reader}
}

type eventListResponse struct {
	Events []domain.TrackingEvent `json:"events"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
	Order  string                 `json:"order"`
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.reader.QueryEvents(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query clicks")
		return
	}
	if events == nil {
		events = []domain.TrackingEvent{}
	}

	respondJSON(w, http.StatusOK, eventListResponse{
		Events: events,
		Limit:  q.Limit,
		Offset: q.Offset,
		Order:  q.Order,
	})
}

func (h *EventHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	aggs, err := h.reader.AggregateBySource(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to aggregate clicks")
		return
	}
	if aggs == nil {
		aggs = []domain.SourceAggregate{}
	}

	respondJSON(w, http.StatusOK, aggs)
}

// parseEventQuery reads filters and paging. Limit defaults to
// store.DefaultQueryLimit and is capped at store.MaxQueryLimit.
func parseEventQuery(v url.Values) (domain.EventQuery, error) {
	q := domain.EventQuery{
		SourceAttribution:   v.Get("source_attribution"),
		DestinationContains: v.Get("destination"),
		Limit:               store.DefaultQueryLimit,
		Order:               domain.OrderDesc,
	}

	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		if n > store.MaxQueryLimit {
			n = store.MaxQueryLimit
		}
		q.Limit = n
	}
	if s := v.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("offset must be a non-negative integer")
		}
		q.Offset = n
	}

	switch order := v.Get("order"); order {
	case "":
	case domain.OrderAsc, domain.OrderDesc:
		q.Order = order
	default:
		return q, fmt.Errorf("order must be asc or desc")
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("%s must be an RFC 3339 timestamp", p.name)
		}
		*p.dst = &t
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return q, fmt.Errorf("to must not be before from")
	}
	return q, nil
}
