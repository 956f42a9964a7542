// Package validation re-checks tracking events that arrive from the queue
// using go-playground/validator struct tags.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// FieldError describes one failed rule.
type FieldError struct {
	Field string
	Tag   string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s failed %q", e.Field, e.Tag)
}

// Error aggregates every field that failed validation.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return "invalid tracking event: " + strings.Join(parts, ", ")
}

// ValidateEvent checks the struct rules of a TrackingEvent and that its
// destination is an absolute http(s) URL.
func ValidateEvent(evt domain.TrackingEvent) error {
	err := instance().Struct(evt)
	if err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating tracking event: %w", err)
		}
		out := &Error{}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Tag: fe.Tag()})
		}
		return out
	}

	u, err := url.Parse(evt.DestinationURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{Fields: []FieldError{{Field: "DestinationURL", Tag: "absolute_http_url"}}}
	}
	return nil
}

// IsValidationError reports whether err came from ValidateEvent rules.
func IsValidationError(err error) bool {
	var verr *Error
	return errors.As(err, &verr)
}
