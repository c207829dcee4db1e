package validate

import (
	"testing"

	"cashctl/internal/domain"
	"cashctl/internal/parse"
)

func baseRow() parse.Row {
	return parse.Row{
		MerchantID: "MRC",
		TS:         "2025-11-05T09:01:00+05:30",
		Amount:     "120.50",
		Direction:  "credit",
		Channel:    "UPI",
	}
}

func TestValidate_Accepts(t *testing.T) {
	result := Validate(baseRow())
	if !result.Accepted {
		t.Fatalf("expected acceptance, got reason %s", result.Reason)
	}
	if result.Row.Direction != domain.DirectionCredit || result.Row.Channel != domain.ChannelUPI {
		t.Fatalf("unexpected row: %+v", result.Row)
	}
}

func TestValidate_MissingRequiredField(t *testing.T) {
	row := baseRow()
	row.MerchantID = "  "
	result := Validate(row)
	if result.Accepted || result.Reason != domain.ReasonMissingRequiredField {
		t.Fatalf("got %+v", result)
	}
}

func TestValidate_RejectsNaiveTimestamp(t *testing.T) {
	row := baseRow()
	row.TS = "2025-11-05T09:01:00" // no offset
	result := Validate(row)
	if result.Accepted || result.Reason != domain.ReasonInvalidTS {
		t.Fatalf("got %+v", result)
	}
}

func TestValidate_AcceptsRFC3339Nano(t *testing.T) {
	row := baseRow()
	row.TS = "2025-11-05T09:01:00.123456789Z"
	result := Validate(row)
	if !result.Accepted {
		t.Fatalf("expected acceptance, got reason %s", result.Reason)
	}
}

func TestValidate_RejectsNonPositiveAmount(t *testing.T) {
	row := baseRow()
	row.Amount = "0"
	result := Validate(row)
	if result.Accepted || result.Reason != domain.ReasonInvalidAmount {
		t.Fatalf("got %+v", result)
	}
}

func TestValidate_RejectsMalformedAmount(t *testing.T) {
	row := baseRow()
	row.Amount = "not-a-number"
	result := Validate(row)
	if result.Accepted || result.Reason != domain.ReasonInvalidAmount {
		t.Fatalf("got %+v", result)
	}
}

func TestValidate_RejectsUnknownDirection(t *testing.T) {
	row := baseRow()
	row.Direction = "foo"
	result := Validate(row)
	if result.Accepted || result.Reason != domain.ReasonInvalidDirection {
		t.Fatalf("got %+v", result)
	}
}

func TestValidate_RejectsUnknownChannel(t *testing.T) {
	row := baseRow()
	row.Channel = "CRYPTO"
	result := Validate(row)
	if result.Accepted || result.Reason != domain.ReasonInvalidChannel {
		t.Fatalf("got %+v", result)
	}
}

func TestValidate_ChecksRunInOrder(t *testing.T) {
	// Malformed ts AND invalid amount both present; ts check runs first.
	row := baseRow()
	row.TS = "garbage"
	row.Amount = "-5"
	result := Validate(row)
	if result.Accepted || result.Reason != domain.ReasonInvalidTS {
		t.Fatalf("expected INVALID_TS to win, got %+v", result)
	}
}

func TestValidate_PartialRecordFlag(t *testing.T) {
	row := baseRow()
	row.PartialRecord = "true"
	row.HasPartialRecord = true
	result := Validate(row)
	if !result.Accepted || !result.Row.PartialRecord {
		t.Fatalf("expected accepted partial record, got %+v", result)
	}
}
