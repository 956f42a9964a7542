package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

// Message attribute names. The first five mirror the event body so that
// routing never has to decode it.
const (
	AttrTrackingID        = "tracking_id"
	AttrSourceAttribution = "source_attribution"
	AttrClientIP          = "client_ip"
	AttrDestinationURL    = "destination_url"
	AttrCorrelationID     = "correlation_id"

	AttrErrorType         = "ErrorType"
	AttrErrorMessage      = "ErrorMessage"
	AttrOriginalTimestamp = "OriginalTimestamp"
)

// Dead-letter error types.
const (
	ErrorTypeMalformedBody       = "malformed_body"
	ErrorTypeValidation          = "validation_failure"
	ErrorTypeStorageUnavailable  = "storage_unavailable"
	ErrorTypeRedeliveryExhausted = "redelivery_exhausted"
)

// maxErrorMessage bounds the ErrorMessage attribute.
const maxErrorMessage = 1024

// Message is one queue entry. ID, ReceiptHandle, ReceiveCount and
// EnqueuedAt are filled in by the backend on Receive.
type Message struct {
	ID            string            `json:"id,omitempty"`
	Body          []byte            `json:"body"`
	DedupKey      string            `json:"dedup_key"`
	GroupKey      string            `json:"group_key"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	ReceiptHandle string            `json:"-"`
	ReceiveCount  int               `json:"-"`
	EnqueuedAt    time.Time         `json:"-"`
}

// Attr returns an attribute or "" if absent.
func (m Message) Attr(name string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[name]
}

// NewTrackingMessage wraps an event for the queue.
func NewTrackingMessage(evt domain.TrackingEvent, dedupKey, groupKey string) (Message, error) {
	if dedupKey == "" || groupKey == "" {
		return Message{}, ErrMissingKeys
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling tracking event: %w", err)
	}

	attrs := map[string]string{
		AttrTrackingID:        evt.TrackingID,
		AttrSourceAttribution: evt.SourceOrSentinel(),
		AttrClientIP:          evt.ClientIP,
		AttrDestinationURL:    evt.DestinationURL,
	}
	if evt.CorrelationID != "" {
		attrs[AttrCorrelationID] = evt.CorrelationID
	}

	return Message{
		Body:       body,
		DedupKey:   dedupKey,
		GroupKey:   groupKey,
		Attributes: attrs,
	}, nil
}

// DecodeEvent turns a message body back into a tracking event and checks the
// routing attributes agree with it.
func DecodeEvent(msg Message) (domain.TrackingEvent, error) {
	var evt domain.TrackingEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return domain.TrackingEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if id := msg.Attr(AttrTrackingID); id != "" && id != evt.TrackingID {
		return domain.TrackingEvent{}, fmt.Errorf("%w: tracking_id attribute %q does not match body %q",
			ErrMalformedMessage, id, evt.TrackingID)
	}
	return evt, nil
}

// DeadLetterEnvelope is a message that failed processing, with the failure
// that sent it to the dead-letter queue.
type DeadLetterEnvelope struct {
	Message           Message
	ErrorType         string
	ErrorMessage      string
	OriginalTimestamp string
	Attempts          int
}

// NewDeadLetter copies msg for the dead-letter queue, keeping its keys so a
// repeated forward of the same failure is absorbed by dedup.
func NewDeadLetter(msg Message, errorType, errorMessage string, at time.Time) Message {
	attrs := make(map[string]string, len(msg.Attributes)+3)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if len(errorMessage) > maxErrorMessage {
		errorMessage = errorMessage[:maxErrorMessage]
	}
	attrs[AttrErrorType] = errorType
	attrs[AttrErrorMessage] = errorMessage

	original := msg.EnqueuedAt
	if original.IsZero() {
		original = at
	}
	attrs[AttrOriginalTimestamp] = original.UTC().Format(time.RFC3339Nano)

	return Message{
		Body:       msg.Body,
		DedupKey:   msg.DedupKey,
		GroupKey:   msg.GroupKey,
		Attributes: attrs,
	}
}

// ParseDeadLetter reads the failure metadata off a received dead-letter
// message. Attempts is how many times the dead-letter queue has handed it out.
func ParseDeadLetter(msg Message) DeadLetterEnvelope {
	return DeadLetterEnvelope{
		Message:           msg,
		ErrorType:         msg.Attr(AttrErrorType),
		ErrorMessage:      msg.Attr(AttrErrorMessage),
		OriginalTimestamp: msg.Attr(AttrOriginalTimestamp),
		Attempts:          msg.ReceiveCount,
	}
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshaling attributes: %w", err)
	}
	return string(b), nil
}

func decodeAttributes(s string) map[string]string {
	attrs := map[string]string{}
	if s == "" {
		return attrs
	}
	_ = json.Unmarshal([]byte(s), &attrs)
	return attrs
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
