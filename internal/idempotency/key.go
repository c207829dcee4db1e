// Package idempotency implements C8: deterministic batch key
// computation from (subject, source, content, declared/inferred range)
// per spec §4.7. subject_ref_version is deliberately excluded from
// every key.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// TabularKey computes the idempotency key for a tabular batch.
func TabularKey(subjectRef, source, contentHash string, keyMinDate, keyMaxDate time.Time) string {
	parts := []string{
		subjectRef,
		source,
		contentHash,
		keyMinDate.UTC().Format(dateLayout),
		keyMaxDate.UTC().Format(dateLayout),
	}
	return digest(parts)
}

// EventFeedKey computes the idempotency key for an event-feed batch.
func EventFeedKey(subjectRef, source string, watermarkTS, minTS, maxTS time.Time, eventCount int, contentHash string) string {
	parts := []string{
		subjectRef,
		source,
		watermarkTS.UTC().Format(time.RFC3339Nano),
		minTS.UTC().Format(time.RFC3339Nano),
		maxTS.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(eventCount),
		contentHash,
	}
	return digest(parts)
}

func digest(parts []string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// ErrDeclaredRangeViolation is returned when an accepted row's
// event_ts.date() falls outside the caller-declared range.
var ErrDeclaredRangeViolation = fmt.Errorf("DECLARED_RANGE_VIOLATION")
