// Package validate implements the C3 row validator: required-field
// presence and value validation, producing either an accepted,
// type-coerced row or a single rejection reason per spec §4.2.
//
// Checks run in the fixed order the spec prescribes so that the first
// failure — never more than one — determines the bucket a row lands
// in.
package validate

import (
	"strings"
	"time"

	"cashctl/internal/domain"
	"cashctl/internal/parse"

	"github.com/shopspring/decimal"
)

// Row is a row that has passed every C3 check: its typed fields are
// parsed and its value-range invariants hold. Status-gate and partial
// flags are carried through unparsed; the gate (C4) interprets them.
type Row struct {
	MerchantID string
	EventTS    time.Time
	Amount     decimal.Decimal
	Direction  domain.Direction
	Channel    domain.Channel

	RecordStatus     string
	HasRecordStatus  bool
	PartialRecord    bool
	RawCategory      string
	RawNarration     string
	RawCounterparty  string
	PayerToken       string
}

// Result is the discriminated outcome of validating one row: either
// Accepted is true and Row is populated, or Accepted is false and
// Reason names the single rejection bucket.
type Result struct {
	Accepted bool
	Row      Row
	Reason   domain.RejectionReason
}

func reject(reason domain.RejectionReason) Result {
	return Result{Accepted: false, Reason: reason}
}

// Validate runs the five ordered checks from spec §4.2 against one
// parsed row.
func Validate(r parse.Row) Result {
	merchantID := strings.TrimSpace(r.MerchantID)
	if merchantID == "" || strings.TrimSpace(r.TS) == "" ||
		strings.TrimSpace(r.Amount) == "" || strings.TrimSpace(r.Direction) == "" ||
		strings.TrimSpace(r.Channel) == "" {
		return reject(domain.ReasonMissingRequiredField)
	}

	ts, ok := parseTimezoneAware(r.TS)
	if !ok {
		return reject(domain.ReasonInvalidTS)
	}

	amount, ok := parsePositiveAmount(r.Amount)
	if !ok {
		return reject(domain.ReasonInvalidAmount)
	}

	direction := domain.Direction(strings.ToLower(strings.TrimSpace(r.Direction)))
	if !direction.Valid() {
		return reject(domain.ReasonInvalidDirection)
	}

	channel := domain.Channel(strings.ToUpper(strings.TrimSpace(r.Channel)))
	if !channel.Valid() {
		return reject(domain.ReasonInvalidChannel)
	}

	partial := false
	if r.HasPartialRecord {
		partial = strings.EqualFold(strings.TrimSpace(r.PartialRecord), "true")
	}

	return Result{
		Accepted: true,
		Row: Row{
			MerchantID:      merchantID,
			EventTS:         ts,
			Amount:          amount,
			Direction:       direction,
			Channel:         channel,
			RecordStatus:    strings.TrimSpace(r.RecordStatus),
			HasRecordStatus: r.HasRecordStatus,
			PartialRecord:   partial,
			RawCategory:     r.RawCategory,
			RawNarration:    r.RawNarration,
			RawCounterparty: r.RawCounterpartyToken,
			PayerToken:      r.PayerToken,
		},
	}
}

// parseTimezoneAware accepts RFC3339 (with or without nanoseconds).
// A timestamp with no offset/zone designator is rejected: spec
// invariant 1 requires event_ts to be timezone-aware.
func parseTimezoneAware(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	layouts := []string{time.RFC3339Nano, time.RFC3339}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parsePositiveAmount parses a decimal string and enforces amount > 0.
func parsePositiveAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}
