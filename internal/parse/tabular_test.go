package parse

import (
	"errors"
	"testing"
)

func TestParseTabular_HappyPath(t *testing.T) {
	data := []byte("merchant_id,ts,amount,direction,channel\n" +
		"MRC,2025-11-05T09:01:00+05:30,120.50,credit,UPI\n" +
		"MRC,2025-11-05T12:45:10+05:30,80.00,debit,BANK\n")

	batch, err := ParseTabular(data)
	if err != nil {
		t.Fatalf("ParseTabular: %v", err)
	}
	if len(batch.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(batch.Rows))
	}
	if batch.SchemaHasRecordStatus {
		t.Fatalf("schema has no record_status column")
	}
	if batch.ContentHash == "" {
		t.Fatalf("expected non-empty content hash")
	}
	if batch.Rows[0].Amount != "120.50" || batch.Rows[0].Direction != "credit" {
		t.Fatalf("unexpected row: %+v", batch.Rows[0])
	}
}

func TestParseTabular_MissingRequiredColumn(t *testing.T) {
	data := []byte("merchant_id,ts,amount,direction\nMRC,2025-11-05T09:01:00Z,10,credit\n")
	_, err := ParseTabular(data)
	if !errors.Is(err, ErrMissingRequiredColumn) {
		t.Fatalf("got %v, want ErrMissingRequiredColumn", err)
	}
}

func TestParseTabular_OptionalColumnsCarried(t *testing.T) {
	data := []byte("merchant_id,ts,amount,direction,channel,record_status,partial_record,payer_token\n" +
		"MRC,2025-11-05T09:01:00Z,10,credit,UPI,SUCCESS,true,payer-1\n")

	batch, err := ParseTabular(data)
	if err != nil {
		t.Fatalf("ParseTabular: %v", err)
	}
	if !batch.SchemaHasRecordStatus {
		t.Fatalf("expected record_status to be detected in schema")
	}
	row := batch.Rows[0]
	if !row.HasRecordStatus || row.RecordStatus != "SUCCESS" {
		t.Fatalf("record_status not carried: %+v", row)
	}
	if !row.HasPartialRecord || row.PartialRecord != "true" {
		t.Fatalf("partial_record not carried: %+v", row)
	}
	if row.PayerToken != "payer-1" {
		t.Fatalf("payer_token not carried: %+v", row)
	}
}

func TestParseTabular_MalformedRow(t *testing.T) {
	data := []byte("merchant_id,ts,amount,direction,channel\n\"unterminated")
	_, err := ParseTabular(data)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("got %v, want ErrBadRequest", err)
	}
}
