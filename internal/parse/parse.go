// Package parse implements the C2 parser adapters: tabular bytes and
// structured event payloads are both projected to a fully materialized
// slice of rows plus a stable content hash; rows are not streamed
// lazily.
package parse

import "errors"

// ErrMissingRequiredColumn is returned by ParseTabular when a required
// column is absent from the header. ParseEvents never returns it: an
// event with an empty required field is passed on for row-level
// rejection.
var ErrMissingRequiredColumn = errors.New("MISSING_REQUIRED_COLUMN")

// ErrBadRequest marks a structurally malformed request body that never
// reached row-level parsing.
var ErrBadRequest = errors.New("BAD_REQUEST")

// RequiredColumns is the five-column contract every adapter enforces.
var RequiredColumns = [5]string{"merchant_id", "ts", "amount", "direction", "channel"}

// OptionalColumns is the allow-list of recognized optional
// columns/fields; everything else is dropped at the parser boundary
// and never reaches later stages.
var OptionalColumns = map[string]bool{
	"record_status":           true,
	"partial_record":          true,
	"raw_category":            true,
	"raw_narration":           true,
	"raw_counterparty_token":  true,
	"payer_token":             true,
}

// Row is a single parsed row projected to the allow-listed column set.
// Values are left as strings; the validator (C3) is responsible for
// type coercion and rejection.
type Row struct {
	MerchantID string
	TS         string
	Amount     string
	Direction  string
	Channel    string

	RecordStatus         string
	HasRecordStatus      bool
	PartialRecord        string
	HasPartialRecord     bool
	RawCategory          string
	RawNarration         string
	RawCounterpartyToken string
	PayerToken           string
}

// Batch is the output of a parser adapter: a fully materialized row
// sequence (the pipeline is request-scoped and small enough that lazy
// streaming buys nothing over a slice) plus the batch's content hash.
type Batch struct {
	Rows        []Row
	ContentHash string
	// SchemaHasRecordStatus reports whether the record_status column
	// was present anywhere in the batch schema, which the status gate
	// (C4) needs to decide whether it applies at all (spec §4.3).
	SchemaHasRecordStatus bool
}
