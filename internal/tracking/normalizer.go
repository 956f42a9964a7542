package tracking

import (
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

// FormattedTimestampLayout is the human-readable form stored alongside the
// RFC 3339 timestamp.
const FormattedTimestampLayout = "2006-01-02 15:04:05 UTC"

// DefaultTTL is how long an event is kept.
const DefaultTTL = 365 * 24 * time.Hour

// ErrUnvalidatedInput means a click reached the normalizer without passing
// the gateway rules.
var ErrUnvalidatedInput = errors.New("tracking: click was not validated")

// RawClick is a validated redirect request.
type RawClick struct {
	DestinationURL    string
	ClientIP          string
	SourceAttribution string
	CorrelationID     string
}

// Normalizer builds TrackingEvents.
type Normalizer struct {
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

func NewNormalizer(ttl time.Duration) *Normalizer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Normalizer{
		ttl:   ttl,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Normalize assigns identity and timestamps to a click.
func (n *Normalizer) Normalize(raw RawClick) (domain.TrackingEvent, error) {
	if raw.DestinationURL == "" || raw.ClientIP == "" {
		return domain.TrackingEvent{}, ErrUnvalidatedInput
	}
	if u, err := url.Parse(raw.DestinationURL); err != nil || !u.IsAbs() {
		return domain.TrackingEvent{}, ErrUnvalidatedInput
	}

	now := n.now().UTC()
	return domain.TrackingEvent{
		TrackingID:         n.newID(),
		Timestamp:          now,
		FormattedTimestamp: now.Format(FormattedTimestampLayout),
		DestinationURL:     raw.DestinationURL,
		ClientIP:           raw.ClientIP,
		SourceAttribution:  raw.SourceAttribution,
		TTL:                now.Add(n.ttl).Unix(),
		CorrelationID:      raw.CorrelationID,
	}, nil
}
