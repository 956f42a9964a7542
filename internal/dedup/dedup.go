// Package dedup derives the fingerprints the queue uses to collapse repeated
// clicks and to serialize delivery per client.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
)

// DefaultWindow is the dedup window used when none is configured.
const DefaultWindow = 300 * time.Second

const (
	dedupKeyLen = 32
	groupKeyLen = 16
)

var (
	ErrEmptyClientIP    = errors.New("dedup: client ip is required")
	ErrEmptyDestination = errors.New("dedup: destination url is required")
)

// DedupKey fingerprints a click by client, destination, source attribution
// and the window-aligned time bucket containing now. Two clicks with the same
// fields inside one bucket share a key.
func DedupKey(clientIP, destinationURL, sourceAttribution string, now time.Time, window time.Duration) (string, error) {
	if clientIP == "" {
		return "", ErrEmptyClientIP
	}
	if destinationURL == "" {
		return "", ErrEmptyDestination
	}
	if sourceAttribution == "" {
		sourceAttribution = domain.NoSourceAttribution
	}

	h := sha256.New()
	writeField(h, clientIP)
	writeField(h, destinationURL)
	writeField(h, sourceAttribution)
	writeField(h, strconv.FormatInt(TimeBucket(now, window), 10))

	return hex.EncodeToString(h.Sum(nil))[:dedupKeyLen], nil
}

// GroupKey fingerprints the client identity. All clicks from one client share
// a group and are delivered in submission order.
func GroupKey(clientIP string) (string, error) {
	if clientIP == "" {
		return "", ErrEmptyClientIP
	}
	h := sha256.New()
	writeField(h, clientIP)
	return hex.EncodeToString(h.Sum(nil))[:groupKeyLen], nil
}

// TimeBucket returns floor(now / window) * window in epoch seconds.
func TimeBucket(now time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = int64(DefaultWindow / time.Second)
	}
	ts := now.Unix()
	bucket := ts / secs
	if ts < 0 && ts%secs != 0 {
		bucket--
	}
	return bucket * secs
}

// writeField length-prefixes each field so that no two distinct field tuples
// hash the same byte stream.
func writeField(h hash.Hash, v string) {
	fmt.Fprintf(h, "%d:%s;", len(v), v)
}
