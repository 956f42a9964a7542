package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/tracking"
)

// ClickSubmitter hands a tracking event to the queue without blocking.
type ClickSubmitter interface {
	Submit(evt domain.TrackingEvent) bool
}

// RedirectHandler serves GET /url: it validates the destination, redirects
// immediately and tracks the click in the background.
type RedirectHandler struct {
	rules      *tracking.Rules
	normalizer *tracking.Normalizer
	submitter  ClickSubmitter
	logger     *slog.Logger
	now        func() time.Time
}

func NewRedirectHandler(rules *tracking.Rules, normalizer *tracking.Normalizer, submitter ClickSubmitter, logger *slog.Logger) *RedirectHandler {
	return &RedirectHandler{
		rules:      rules,
		normalizer: normalizer,
		submitter:  submitter,
		logger:     logger,
		now:        time.Now,
	}
}

type redirectError struct {
	Error         string `json:"error"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id"`
	ErrorCode     string `json:"error_code"`
}

func (h *RedirectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := CorrelationID(r.Context())
	ip := clientIP(r)

	// Query() would drop undecodable pairs silently.
	query, parseErr := url.ParseQuery(r.URL.RawQuery)
	params, err := h.rules.Check(query)
	if err == nil && parseErr != nil {
		err = &tracking.RuleError{Code: tracking.CodeMalformedParameter, Message: "query string could not be decoded"}
	}
	if err != nil {
		h.reject(w, err, correlationID, ip)
		return
	}

	evt, err := h.normalizer.Normalize(tracking.RawClick{
		DestinationURL:    params.Destination,
		ClientIP:          ip,
		SourceAttribution: params.Source,
		CorrelationID:     correlationID,
	})
	if err != nil {
		h.logger.Error("failed to normalize click, redirecting untracked",
			"correlation_id", correlationID,
			"error", err,
		)
	} else if !h.submitter.Submit(evt) {
		h.logger.Warn("click not tracked",
			"tracking_id", evt.TrackingID,
			"correlation_id", correlationID,
		)
	}

	header := w.Header()
	// Set directly so the destination is sent byte for byte.
	header["Location"] = []string{params.Destination}
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	w.WriteHeader(http.StatusFound)
}

func (h *RedirectHandler) reject(w http.ResponseWriter, err error, correlationID, ip string) {
	code := tracking.CodeMalformedParameter
	message := err.Error()
	if re, ok := tracking.AsRuleError(err); ok {
		code = re.Code
		message = re.Message
	}

	h.logger.Info("redirect rejected",
		"error_code", code,
		"error", message,
		"client_ip", ip,
		"correlation_id", correlationID,
	)
	respondJSON(w, http.StatusBadRequest, redirectError{
		Error:         message,
		Timestamp:     h.now().UTC().Format(time.RFC3339),
		CorrelationID: correlationID,
		ErrorCode:     code,
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-Ip, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
