package parse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Event is the wire shape of one structured event, sharing the same
// field contract as a tabular row (spec §4.1).
type Event struct {
	MerchantID string `json:"merchant_id"`
	TS         string `json:"ts"`
	Amount     string `json:"amount"`
	Direction  string `json:"direction"`
	Channel    string `json:"channel"`

	RecordStatus         *string `json:"record_status,omitempty"`
	PartialRecord        *bool   `json:"partial_record,omitempty"`
	RawCategory          string  `json:"raw_category,omitempty"`
	RawNarration         string  `json:"raw_narration,omitempty"`
	RawCounterpartyToken string  `json:"raw_counterparty_token,omitempty"`
	PayerToken           string  `json:"payer_token,omitempty"`
}

// ParseEvents projects a sequence of structured event payloads into a
// Batch. content_hash is computed over the RFC 8785 (JCS) canonical
// serialization of each event, concatenated in document order, so the
// hash is stable regardless of field order on the wire. amount is a
// string field and is hashed as sent, so "10" and "10.00" hash
// differently.
func ParseEvents(events []Event) (Batch, error) {
	if len(events) == 0 {
		return Batch{}, fmt.Errorf("%w: empty event list", ErrBadRequest)
	}

	rows := make([]Row, 0, len(events))
	h := sha256.New()
	for _, e := range events {
		// An empty required field is a row-level concern for C3 to
		// reject (MISSING_REQUIRED_FIELD), not a reason to abort the
		// whole feed — every event here is structurally well-formed,
		// unlike a tabular batch whose required column can be absent
		// from the header entirely.
		raw, err := json.Marshal(e)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: marshal event: %v", ErrBadRequest, err)
		}
		canon, err := jcs.Transform(raw)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: canonicalize event: %v", ErrBadRequest, err)
		}
		h.Write(canon)

		row := Row{
			MerchantID: e.MerchantID,
			TS:         e.TS,
			Amount:     e.Amount,
			Direction:  e.Direction,
			Channel:    e.Channel,

			RawCategory:          e.RawCategory,
			RawNarration:         e.RawNarration,
			RawCounterpartyToken: e.RawCounterpartyToken,
			PayerToken:           e.PayerToken,
		}
		if e.RecordStatus != nil {
			row.RecordStatus = *e.RecordStatus
			row.HasRecordStatus = true
		}
		if e.PartialRecord != nil {
			row.PartialRecord = boolString(*e.PartialRecord)
			row.HasPartialRecord = true
		}
		rows = append(rows, row)
	}

	schemaHasRecordStatus := false
	for _, e := range events {
		if e.RecordStatus != nil {
			schemaHasRecordStatus = true
			break
		}
	}

	return Batch{
		Rows:                  rows,
		ContentHash:           hex.EncodeToString(h.Sum(nil)),
		SchemaHasRecordStatus: schemaHasRecordStatus,
	}, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
