package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/tracking"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	events []domain.TrackingEvent
	reject bool
}

func (s *recordingSubmitter) Submit(evt domain.TrackingEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.events = append(s.events, evt)
	return true
}

func (s *recordingSubmitter) submitted() []domain.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TrackingEvent(nil), s.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupRedirect(t *testing.T, pattern string) (http.Handler, *recordingSubmitter) {
	t.Helper()
	rules, err := tracking.NewRules([]string{"example.com", "shop.test"}, pattern)
	if err != nil {
		t.Fatalf("NewRules: %v", err)
	}
	sub := &recordingSubmitter{}
	h := NewRedirectHandler(rules, tracking.NewNormalizer(time.Hour), sub, testLogger())
	return NewRouter(RouterConfig{Logger: testLogger(), Redirect: h}), sub
}

func redirectTo(dest string, extra string) string {
	target := "/url?url=" + url.QueryEscape(dest)
	if extra != "" {
		target += "&" + extra
	}
	return target
}

func TestRedirect_LocationIsByteIdentical(t *testing.T) {
	router, sub := setupRedirect(t, "")

	longQuery := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		longQuery = append(longQuery, "p"+strings.Repeat("x", i%7)+"="+strings.Repeat("v", i))
	}

	tests := []struct {
		name string
		dest string
	}{
		{"plain", "https://example.com/landing"},
		{"query string", "https://example.com/p?id=42&ref=mail&empty="},
		{"encoded query", "https://example.com/search?q=a%20b%2Bc&next=%2Fhome"},
		{"fragment", "https://shop.test/cart?item=7#checkout-step-2"},
		{"unicode", "https://example.com/café/日本?name=Zoë#größe"},
		{"long parameter list", "https://www.example.com/track?" + strings.Join(longQuery, "&")},
		{"port", "http://example.com:8080/a/b/../c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, redirectTo(tt.dest, "sa=CampaignA"), nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusFound {
				t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
			}
			if got := rec.Header()["Location"]; len(got) != 1 || got[0] != tt.dest {
				t.Errorf("Location = %q, want %q", got, tt.dest)
			}
		})
	}

	if n := len(sub.submitted()); n != len(tests) {
		t.Errorf("expected %d tracked clicks, got %d", len(tests), n)
	}
}

func TestRedirect_HeadersAndTrackedEvent(t *testing.T) {
	router, sub := setupRedirect(t, "")

	req := httptest.NewRequest(http.MethodGet, redirectTo("https://example.com/a", "sa=CampaignA"), nil)
	req.Header.Set(HeaderCorrelationID, "corr-123")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	for header, want := range map[string]string{
		"Cache-Control":     "no-cache, no-store, must-revalidate",
		"Pragma":            "no-cache",
		"Expires":           "0",
		HeaderCorrelationID: "corr-123",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	events := sub.submitted()
	if len(events) != 1 {
		t.Fatalf("expected 1 tracked click, got %d", len(events))
	}
	evt := events[0]
	if evt.ClientIP != "203.0.113.7" {
		t.Errorf("ClientIP = %q, want first forwarded hop", evt.ClientIP)
	}
	if evt.SourceAttribution != "CampaignA" || evt.CorrelationID != "corr-123" {
		t.Errorf("unexpected event %+v", evt)
	}
	if evt.DestinationURL != "https://example.com/a" || evt.TrackingID == "" {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestRedirect_GeneratesCorrelationID(t *testing.T) {
	router, sub := setupRedirect(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, redirectTo("https://example.com/", ""), nil))

	id := rec.Header().Get(HeaderCorrelationID)
	if id == "" {
		t.Fatal("expected a generated correlation id")
	}
	events := sub.submitted()
	if len(events) != 1 || events[0].CorrelationID != id {
		t.Fatalf("tracked click does not carry the response correlation id")
	}
	if events[0].SourceAttribution != "" {
		t.Errorf("expected no source attribution, got %q", events[0].SourceAttribution)
	}
}

func TestRedirect_UntrackedClickStillRedirects(t *testing.T) {
	router, sub := setupRedirect(t, "")
	sub.reject = true

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, redirectTo("https://example.com/x", ""), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 when tracking is unavailable, got %d", rec.Code)
	}
}

func TestRedirect_ValidationBoundary(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		target   string
		wantCode string
	}{
		{"missing url", "", "/url?sa=CampaignA", tracking.CodeMissingParameter},
		{"not a url", "", "/url?url=not-a-url", tracking.CodeInvalidURL},
		{"ftp", "", redirectTo("ftp://example.com/file", ""), tracking.CodeInvalidURL},
		{"not allowlisted", "", redirectTo("https://not-allowlisted.example", ""), tracking.CodeDomainNotAllowed},
		{"bad source", "", redirectTo("https://example.com/", "sa=bad%20value!"), tracking.CodeInvalidSourceAttribution},
		{"pattern rejects source", `^campaign_[0-9]+$`, redirectTo("https://example.com/", "sa=InvalidFormat"), tracking.CodeInvalidSourceAttribution},
		{"repeated url", "", redirectTo("https://example.com/a", "url=https%3A%2F%2Fexample.com%2Fb"), tracking.CodeMalformedParameter},
		{"undecodable pair", "", redirectTo("https://example.com/a", "x=%zz"), tracking.CodeMalformedParameter},
		{"domain checked before source", "", redirectTo("https://evil.net/", "sa=bad%20value!"), tracking.CodeDomainNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, sub := setupRedirect(t, tt.pattern)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var body redirectError
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.ErrorCode != tt.wantCode {
				t.Errorf("error_code = %q, want %q", body.ErrorCode, tt.wantCode)
			}
			if body.Error == "" || body.Timestamp == "" {
				t.Errorf("expected error and timestamp, got %+v", body)
			}
			if body.CorrelationID == "" || body.CorrelationID != rec.Header().Get(HeaderCorrelationID) {
				t.Errorf("correlation_id %q does not match header %q", body.CorrelationID, rec.Header().Get(HeaderCorrelationID))
			}
			if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
				t.Errorf("timestamp %q is not RFC 3339", body.Timestamp)
			}
			if rec.Header().Get("Location") != "" {
				t.Error("rejected request must not redirect")
			}
			if len(sub.submitted()) != 0 {
				t.Error("rejected request must not be tracked")
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff, xreal string
		remote     string
		want       string
	}{
		{"forwarded first hop", "198.51.100.1, 10.0.0.2", "10.0.0.3", "10.0.0.4:1234", "198.51.100.1"},
		{"real ip", "", "198.51.100.9", "10.0.0.4:1234", "198.51.100.9"},
		{"remote addr", "", "", "192.0.2.5:5555", "192.0.2.5"},
		{"ipv6 remote", "", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"blank forwarded", " , 10.0.0.2", "", "192.0.2.5:5555", "192.0.2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/url", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xreal != "" {
				req.Header.Set("X-Real-Ip", tt.xreal)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
