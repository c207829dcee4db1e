// Package normalize implements the C5 normalizer: projecting a
// validated, gated row to a canonical in-memory record. It has no
// side effects and performs no further validation — every value has
// already been checked by C3/C4.
package normalize

import (
	"cashctl/internal/domain"
	"cashctl/internal/validate"
)

// ToCanonical projects a validated row to a CanonicalRecord. subjectRef
// is the request-level identifier supplied by the caller, shared by
// every row in the batch; it is distinct from the row's own
// merchant_id field, which is carried through for validation context
// only and never persisted.
func ToCanonical(subjectRef string, row validate.Row) domain.CanonicalRecord {
	return domain.CanonicalRecord{
		SubjectRef:           subjectRef,
		MerchantID:           row.MerchantID,
		EventTS:              row.EventTS,
		Amount:               row.Amount,
		Direction:            row.Direction,
		Channel:              row.Channel,
		RawCategory:          row.RawCategory,
		RawNarration:         row.RawNarration,
		RawCounterpartyToken: row.RawCounterparty,
		PayerToken:           row.PayerToken,
		PartialRecord:        row.PartialRecord,
	}
}
