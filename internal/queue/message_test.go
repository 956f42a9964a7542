package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

func sampleEvent() domain.TrackingEvent {
	ts := time.Date(2025, 3, 14, 10, 0, 0, 123456789, time.UTC)
	return domain.TrackingEvent{
		TrackingID:         "8f14e45f-ceea-4a7e-9b1c-2d3c4b5a6f70",
		Timestamp:          ts,
		FormattedTimestamp: "2025-03-14 10:00:00 UTC",
		DestinationURL:     "https://shop.example.com/p?id=1&q=caf%C3%A9#top",
		ClientIP:           "203.0.113.7",
		SourceAttribution:  "CampaignA",
		TTL:                ts.Add(365 * 24 * time.Hour).Unix(),
		CorrelationID:      "corr-1",
	}
}

func TestTrackingMessage_RoundTrip(t *testing.T) {
	evt := sampleEvent()
	msg, err := NewTrackingMessage(evt, "dedup-1", "group-1")
	if err != nil {
		t.Fatalf("NewTrackingMessage: %v", err)
	}

	if msg.Attr(AttrTrackingID) != evt.TrackingID {
		t.Errorf("tracking_id attribute = %q", msg.Attr(AttrTrackingID))
	}
	if msg.Attr(AttrDestinationURL) != evt.DestinationURL {
		t.Errorf("destination_url attribute = %q", msg.Attr(AttrDestinationURL))
	}
	if msg.Attr(AttrCorrelationID) != "corr-1" {
		t.Errorf("correlation_id attribute = %q", msg.Attr(AttrCorrelationID))
	}

	decoded, err := DecodeEvent(msg)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if !decoded.Timestamp.Equal(evt.Timestamp) {
		t.Errorf("timestamp = %v, want %v", decoded.Timestamp, evt.Timestamp)
	}
	decoded.Timestamp, evt.Timestamp = time.Time{}, time.Time{}
	if decoded != evt {
		t.Errorf("round trip mismatch:\n  got:  %+v\n  want: %+v", decoded, evt)
	}
}

func TestTrackingMessage_AbsentSourceAttribute(t *testing.T) {
	evt := sampleEvent()
	evt.SourceAttribution = ""

	msg, err := NewTrackingMessage(evt, "d", "g")
	if err != nil {
		t.Fatalf("NewTrackingMessage: %v", err)
	}
	if got := msg.Attr(AttrSourceAttribution); got != domain.NoSourceAttribution {
		t.Errorf("source_attribution attribute = %q, want %q", got, domain.NoSourceAttribution)
	}
}

func TestTrackingMessage_RequiresKeys(t *testing.T) {
	if _, err := NewTrackingMessage(sampleEvent(), "", "g"); !errors.Is(err, ErrMissingKeys) {
		t.Errorf("expected ErrMissingKeys, got %v", err)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	_, err := DecodeEvent(Message{Body: []byte("{not json")})
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecodeEvent_AttributeMismatch(t *testing.T) {
	msg, _ := NewTrackingMessage(sampleEvent(), "d", "g")
	msg.Attributes[AttrTrackingID] = "someone-else"

	_, err := DecodeEvent(msg)
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDeadLetter_CarriesFailure(t *testing.T) {
	msg, _ := NewTrackingMessage(sampleEvent(), "dedup-1", "group-1")
	msg.EnqueuedAt = time.Date(2025, 3, 14, 10, 0, 1, 0, time.UTC)
	msg.ReceiptHandle = "r-1"

	dl := NewDeadLetter(msg, ErrorTypeStorageUnavailable, "connection refused", time.Now())

	if dl.DedupKey != "dedup-1" || dl.GroupKey != "group-1" {
		t.Errorf("dead letter keys = %q/%q", dl.DedupKey, dl.GroupKey)
	}
	if dl.ReceiptHandle != "" {
		t.Error("dead letter should not carry the original receipt")
	}
	if string(dl.Body) != string(msg.Body) {
		t.Error("dead letter body differs from original")
	}
	if _, ok := msg.Attributes[AttrErrorType]; ok {
		t.Error("original message attributes were mutated")
	}

	dl.ReceiveCount = 2
	env := ParseDeadLetter(dl)
	if env.ErrorType != ErrorTypeStorageUnavailable {
		t.Errorf("ErrorType = %q", env.ErrorType)
	}
	if env.ErrorMessage != "connection refused" {
		t.Errorf("ErrorMessage = %q", env.ErrorMessage)
	}
	if env.OriginalTimestamp != "2025-03-14T10:00:01Z" {
		t.Errorf("OriginalTimestamp = %q", env.OriginalTimestamp)
	}
	if env.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", env.Attempts)
	}
}

func TestDeadLetter_TruncatesLongErrors(t *testing.T) {
	msg, _ := NewTrackingMessage(sampleEvent(), "d", "g")
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	dl := NewDeadLetter(msg, ErrorTypeStorageUnavailable, string(long), time.Now())
	if n := len(dl.Attr(AttrErrorMessage)); n != maxErrorMessage {
		t.Errorf("ErrorMessage length = %d, want %d", n, maxErrorMessage)
	}
}
