// Package tracking turns a redirect request into a TrackingEvent and hands it
// to the queue without holding up the redirect.
package tracking

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

// Error codes returned to clients in 400 responses.
const (
	CodeMissingParameter         = "MISSING_PARAMETER"
	CodeInvalidURL               = "INVALID_URL"
	CodeDomainNotAllowed         = "DOMAIN_NOT_ALLOWED"
	CodeInvalidSourceAttribution = "INVALID_SOURCE_ATTRIBUTION"
	CodeMalformedParameter       = "MALFORMED_PARAMETER"
)

// Query parameters of the redirect endpoint.
const (
	ParamURL    = "url"
	ParamSource = "sa"
)

// DefaultSourcePattern accepts a short token of letters, digits, '_' and '-'.
// A configured pattern is additionally capped at
// domain.MaxSourceAttributionLen characters.
const DefaultSourcePattern = `^[A-Za-z0-9_-]{1,64}$`

// RuleError is a client input error.
type RuleError struct {
	Code    string
	Message string
}

func (e *RuleError) Error() string {
	return e.Code + ": " + e.Message
}

// AsRuleError unwraps a RuleError.
func AsRuleError(err error) (*RuleError, bool) {
	var re *RuleError
	ok := errors.As(err, &re)
	return re, ok
}

// Params are the validated redirect parameters. Destination is the decoded
// url value exactly as the client sent it.
type Params struct {
	Destination string
	Source      string
}

// Rules is the gateway's input validation. Domains and the source pattern
// are configuration.
type Rules struct {
	allowed       []string
	sourcePattern *regexp.Regexp
}

// NewRules compiles the rules. At least one allowed domain is required; an
// empty pattern uses DefaultSourcePattern.
func NewRules(allowedDomains []string, sourcePattern string) (*Rules, error) {
	var allowed []string
	for _, d := range allowedDomains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			allowed = append(allowed, d)
		}
	}
	if len(allowed) == 0 {
		return nil, errors.New("at least one allowed domain is required")
	}

	if sourcePattern == "" {
		sourcePattern = DefaultSourcePattern
	}
	re, err := regexp.Compile(sourcePattern)
	if err != nil {
		return nil, fmt.Errorf("compiling source attribution pattern: %w", err)
	}

	return &Rules{allowed: allowed, sourcePattern: re}, nil
}

// Check validates a redirect query in order: destination, domain, source
// attribution, repeated parameters. The first failure wins.
func (r *Rules) Check(query url.Values) (Params, error) {
	dest := query.Get(ParamURL)
	if dest == "" {
		return Params{}, &RuleError{Code: CodeMissingParameter, Message: "url parameter is required"}
	}

	u, err := url.Parse(dest)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Params{}, &RuleError{Code: CodeInvalidURL, Message: "url must be an absolute http or https URL"}
	}

	if !r.HostAllowed(u.Host) {
		return Params{}, &RuleError{Code: CodeDomainNotAllowed, Message: fmt.Sprintf("domain %q is not allowed", u.Hostname())}
	}

	source := query.Get(ParamSource)
	if _, present := query[ParamSource]; present && !r.sourcePattern.MatchString(source) {
		return Params{}, &RuleError{Code: CodeInvalidSourceAttribution, Message: "sa does not match the required format"}
	}
	if len(source) > domain.MaxSourceAttributionLen {
		return Params{}, &RuleError{Code: CodeInvalidSourceAttribution, Message: fmt.Sprintf("sa is longer than %d characters", domain.MaxSourceAttributionLen)}
	}

	if len(query[ParamURL]) > 1 || len(query[ParamSource]) > 1 {
		return Params{}, &RuleError{Code: CodeMalformedParameter, Message: "url and sa may appear at most once"}
	}

	return Params{Destination: dest, Source: source}, nil
}

// HostAllowed reports whether host, with any port, is an allowed domain or a
// subdomain of one.
func (r *Rules) HostAllowed(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
	if host == "" {
		return false
	}

	for _, d := range r.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
