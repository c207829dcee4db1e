// Package gate implements the C4 status/quality gate: it runs only on
// rows that already passed C3 validation and applies record_status /
// partial_record semantics (spec §4.3).
package gate

import (
	"strings"

	"cashctl/internal/domain"
	"cashctl/internal/validate"
)

// Result mirrors validate.Result's discriminated shape: either the row
// proceeds (Accepted) or it is rejected with exactly one reason.
type Result struct {
	Accepted bool
	Row      validate.Row
	Reason   domain.RejectionReason
}

// Apply runs the gate for one validated row. schemaHasRecordStatus
// reports whether the record_status column/field was present anywhere
// in the batch schema; when it wasn't, the gate is a no-op pass-through
// per spec §4.3.
func Apply(row validate.Row, schemaHasRecordStatus bool) Result {
	if !schemaHasRecordStatus {
		return Result{Accepted: true, Row: row}
	}

	status := strings.ToUpper(strings.TrimSpace(row.RecordStatus))
	if status == "SUCCESS" {
		return Result{Accepted: true, Row: row}
	}

	return Result{Accepted: false, Reason: domain.StatusRejectionReason(status)}
}
