package parse

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseTabular decodes delimited-text bytes into a Batch. It requires
// the five required columns to be present in the header and projects
// every other column away except the optional allow-list (spec §4.1).
func ParseTabular(data []byte) (Batch, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return Batch{}, fmt.Errorf("%w: read header: %v", ErrBadRequest, err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}

	for _, req := range RequiredColumns {
		if _, ok := col[req]; !ok {
			return Batch{}, fmt.Errorf("%w: %s", ErrMissingRequiredColumn, req)
		}
	}

	hasRecordStatus := false
	if _, ok := col["record_status"]; ok {
		hasRecordStatus = true
	}

	var rows []Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Batch{}, fmt.Errorf("%w: read row: %v", ErrBadRequest, err)
		}
		rows = append(rows, rowFromRecord(rec, col))
	}

	h := sha256.Sum256(data)
	return Batch{
		Rows:                  rows,
		ContentHash:           hex.EncodeToString(h[:]),
		SchemaHasRecordStatus: hasRecordStatus,
	}, nil
}

func field(rec []string, col map[string]int, name string) (string, bool) {
	idx, ok := col[name]
	if !ok || idx >= len(rec) {
		return "", false
	}
	return rec[idx], true
}

func rowFromRecord(rec []string, col map[string]int) Row {
	row := Row{}
	row.MerchantID, _ = field(rec, col, "merchant_id")
	row.TS, _ = field(rec, col, "ts")
	row.Amount, _ = field(rec, col, "amount")
	row.Direction, _ = field(rec, col, "direction")
	row.Channel, _ = field(rec, col, "channel")

	if v, ok := field(rec, col, "record_status"); ok {
		row.RecordStatus = v
		row.HasRecordStatus = true
	}
	if v, ok := field(rec, col, "partial_record"); ok {
		row.PartialRecord = v
		row.HasPartialRecord = true
	}
	row.RawCategory, _ = field(rec, col, "raw_category")
	row.RawNarration, _ = field(rec, col, "raw_narration")
	row.RawCounterpartyToken, _ = field(rec, col, "raw_counterparty_token")
	row.PayerToken, _ = field(rec, col, "payer_token")
	return row
}
