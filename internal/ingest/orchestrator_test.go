package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"cashctl/internal/config"
	"cashctl/internal/domain"
	"cashctl/internal/parse"
	"cashctl/internal/store"
)

func newOrchestrator() (*Orchestrator, *store.Memory) {
	mem := store.NewMemory()
	return New(mem, config.Default()), mem
}

func tsPtr(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

const tabularHeader = "merchant_id,ts,amount,direction,channel,raw_narration\n"

// TestIngestTabular_HappyPath covers scenario S1: two clean rows on the
// same day commit a batch and exactly one daily_aggregate row.
func TestIngestTabular_HappyPath(t *testing.T) {
	o, mem := newOrchestrator()
	csv := tabularHeader +
		"M1,2025-11-05T09:00:00Z,100.00,credit,UPI,order #1\n" +
		"M1,2025-11-05T10:00:00Z,50.00,debit,BANK,platform commission fee\n"

	result, err := o.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "s1",
		Source:     "bank_csv",
		Data:       []byte(csv),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != "success" || result.RowsAccepted != 2 || result.RowsRejected != 0 {
		t.Fatalf("got %+v", result)
	}
	if result.DailyAggregateDays != 1 {
		t.Fatalf("expected 1 daily aggregate day, got %d", result.DailyAggregateDays)
	}
	if _, ok := mem.Batch(result.BatchID); !ok {
		t.Fatalf("expected batch persisted")
	}
}

// TestIngestTabular_DuplicateRejected covers scenario S2: replaying the
// identical batch must surface ALREADY_INGESTED and leave state as-is.
func TestIngestTabular_DuplicateRejected(t *testing.T) {
	o, mem := newOrchestrator()
	csv := tabularHeader + "M1,2025-11-05T09:00:00Z,100.00,credit,UPI,order #1\n"
	req := TabularRequest{SubjectRef: "s1", Source: "bank_csv", Data: []byte(csv)}

	first, err := o.IngestTabular(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on first ingest: %v", err)
	}

	_, err = o.IngestTabular(context.Background(), req)
	if !errors.Is(err, ErrAlreadyIngested) {
		t.Fatalf("expected ErrAlreadyIngested, got %v", err)
	}

	day, _ := mem.Day("s1", "2025-11-05")
	if day.BucketCount[domain.CCTFree][domain.BucketIn] != 1 {
		t.Fatalf("expected state unchanged after rejected replay: %+v", day)
	}
	_ = first
}

// TestIngestTabular_ValidationMix covers scenario S3: a batch with a
// mix of invalid rows produces the exact rejection breakdown and
// accept count.
func TestIngestTabular_ValidationMix(t *testing.T) {
	o, _ := newOrchestrator()
	cfg := config.Default()
	cfg.MinAcceptRatio = nil
	o.cfg = cfg

	csv := tabularHeader +
		"M1,2025-11-05T09:00:00Z,100.00,credit,UPI,\n" + // valid
		"M1,2025-11-05T09:01:00Z,100.00,credit,UPI,\n" + // valid
		"M1,2025-11-05T09:02:00Z,100.00,credit,UPI,\n" + // valid
		"M1,2025-11-05T09:03:00Z,100.00,credit,UPI,\n" + // valid
		"M1,2025-11-05T09:04:00Z,100.00,credit,UPI,\n" + // valid
		"M1,2025-11-05T09:05:00Z,100.00,credit,UPI,\n" + // valid
		"M1,not-a-time,100.00,credit,UPI,\n" + // INVALID_TS
		"M1,2025-11-05T09:07:00Z,-5.00,credit,UPI,\n" + // INVALID_AMOUNT
		"M1,2025-11-05T09:08:00Z,abc,credit,UPI,\n" + // INVALID_AMOUNT
		"M1,2025-11-05T09:09:00Z,100.00,sideways,UPI,\n" // INVALID_DIRECTION

	result, err := o.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "s1",
		Source:     "bank_csv",
		Data:       []byte(csv),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowsAccepted != 6 {
		t.Fatalf("expected 6 accepted rows, got %d", result.RowsAccepted)
	}
	want := map[domain.RejectionReason]int{
		domain.ReasonInvalidTS:        1,
		domain.ReasonInvalidAmount:    2,
		domain.ReasonInvalidDirection: 1,
	}
	for reason, count := range want {
		if result.RejectionBreakdown[reason] != count {
			t.Fatalf("expected %s=%d, got breakdown %+v", reason, count, result.RejectionBreakdown)
		}
	}
}

// TestIngestTabular_StatusGate covers scenario S4: record_status values
// gate rows independently of C3 validation.
func TestIngestTabular_StatusGate(t *testing.T) {
	o, _ := newOrchestrator()
	cfg := config.Default()
	cfg.MinAcceptRatio = nil
	o.cfg = cfg

	header := "merchant_id,ts,amount,direction,channel,record_status\n"
	csv := header +
		"M1,2025-11-05T09:00:00Z,100.00,credit,UPI,SUCCESS\n" +
		"M1,2025-11-05T09:01:00Z,100.00,credit,UPI,SUCCESS\n" +
		"M1,2025-11-05T09:02:00Z,100.00,credit,UPI,SUCCESS\n" +
		"M1,2025-11-05T09:03:00Z,100.00,credit,UPI,FAILED_TIMEOUT\n" +
		"M1,2025-11-05T09:04:00Z,100.00,credit,UPI,PARTIAL_XYZ\n"

	result, err := o.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "s1",
		Source:     "bank_csv",
		Data:       []byte(csv),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowsAccepted != 3 {
		t.Fatalf("expected 3 accepted rows, got %d", result.RowsAccepted)
	}
	if result.RejectionBreakdown[domain.ReasonFailedTimeout] != 1 {
		t.Fatalf("expected 1 FAILED_TIMEOUT, got %+v", result.RejectionBreakdown)
	}
	if result.RejectionBreakdown[domain.ReasonUnknownStatus] != 1 {
		t.Fatalf("expected 1 UNKNOWN_STATUS, got %+v", result.RejectionBreakdown)
	}
}

// TestIngestTabular_PartialFlag covers scenario S5: partial_record rows
// are accepted but counted separately.
func TestIngestTabular_PartialFlag(t *testing.T) {
	o, mem := newOrchestrator()
	header := "merchant_id,ts,amount,direction,channel,partial_record\n"
	csv := header +
		"M1,2025-11-05T09:00:00Z,100.00,credit,UPI,true\n" +
		"M1,2025-11-05T09:01:00Z,100.00,credit,UPI,true\n" +
		"M1,2025-11-05T09:02:00Z,100.00,credit,UPI,false\n"

	result, err := o.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "s1",
		Source:     "bank_csv",
		Data:       []byte(csv),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AcceptedPartialRows != 2 {
		t.Fatalf("expected 2 partial rows, got %d", result.AcceptedPartialRows)
	}
	day, ok := mem.Day("s1", "2025-11-05")
	if !ok || day.AcceptedPartialRows != 2 {
		t.Fatalf("expected day.accepted_partial_rows=2, got %+v ok=%v", day, ok)
	}
}

// TestIngestTabular_DeclaredRangeViolation covers scenario S6: rows
// outside the caller-declared range reject the whole batch with no
// persistence.
func TestIngestTabular_DeclaredRangeViolation(t *testing.T) {
	o, mem := newOrchestrator()
	csv := tabularHeader + "M1,2025-11-10T09:00:00Z,100.00,credit,UPI,\n"

	_, err := o.IngestTabular(context.Background(), TabularRequest{
		SubjectRef:    "s1",
		Source:        "bank_csv",
		Data:          []byte(csv),
		DeclaredStart: tsPtr("2025-11-01"),
		DeclaredEnd:   tsPtr("2025-11-05"),
	})
	if !errors.Is(err, ErrDeclaredRangeViolation) {
		t.Fatalf("expected ErrDeclaredRangeViolation, got %v", err)
	}
	if _, ok := mem.Day("s1", "2025-11-10"); ok {
		t.Fatalf("expected no day persisted on declared-range rejection")
	}
}

// TestIngestTabular_EmptyBatchRejected asserts the guardrail for a
// header-only payload.
func TestIngestTabular_EmptyBatchRejected(t *testing.T) {
	o, _ := newOrchestrator()
	_, err := o.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "s1",
		Source:     "bank_csv",
		Data:       []byte(tabularHeader),
	})
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

// TestIngestTabular_LowAcceptRatioRejected asserts the batch-level
// accept-ratio guardrail fires before classification runs.
func TestIngestTabular_LowAcceptRatioRejected(t *testing.T) {
	o, _ := newOrchestrator()
	csv := tabularHeader +
		"M1,2025-11-05T09:00:00Z,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" +
		"M1,bad-ts,100.00,credit,UPI,\n" // 1/11 accept ratio, below the default 0.10 floor

	_, err := o.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "s1",
		Source:     "bank_csv",
		Data:       []byte(csv),
	})
	if !errors.Is(err, ErrLowAcceptRatio) {
		t.Fatalf("expected ErrLowAcceptRatio, got %v", err)
	}
}

// TestIngestFeed_HappyPath exercises the structured-event operation
// end to end with the watermark carried through to the result.
func TestIngestFeed_HappyPath(t *testing.T) {
	o, _ := newOrchestrator()
	events := []parse.Event{
		{MerchantID: "M1", TS: "2025-11-05T09:00:00Z", Amount: "100.00", Direction: "credit", Channel: "UPI"},
		{MerchantID: "M1", TS: "2025-11-05T10:00:00Z", Amount: "50.00", Direction: "debit", Channel: "BANK"},
	}
	watermark := time.Date(2025, 11, 5, 11, 0, 0, 0, time.UTC)

	result, err := o.IngestFeed(context.Background(), FeedRequest{
		SubjectRef:  "s1",
		Source:      "webhook",
		Events:      events,
		WatermarkTS: &watermark,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowsAccepted != 2 {
		t.Fatalf("expected 2 accepted rows, got %d", result.RowsAccepted)
	}
	if result.WatermarkTS == nil || !result.WatermarkTS.Equal(watermark) {
		t.Fatalf("expected watermark carried through, got %+v", result.WatermarkTS)
	}
}

// TestIngestFeed_MissingRequiredFieldRejectedPerRow covers the review
// fix making event ingestion symmetric with tabular ingestion: an event
// with an empty required field is rejected as MISSING_REQUIRED_FIELD
// for that row only, and the rest of the feed still commits.
func TestIngestFeed_MissingRequiredFieldRejectedPerRow(t *testing.T) {
	o, _ := newOrchestrator()
	watermark := time.Date(2025, 11, 5, 11, 0, 0, 0, time.UTC)
	events := []parse.Event{
		{MerchantID: "M1", TS: "", Amount: "100.00", Direction: "credit", Channel: "UPI"}, // MISSING_REQUIRED_FIELD
		{MerchantID: "M1", TS: "2025-11-05T09:00:00Z", Amount: "100.00", Direction: "credit", Channel: "UPI"},
	}

	result, err := o.IngestFeed(context.Background(), FeedRequest{
		SubjectRef:  "s1",
		Source:      "webhook",
		Events:      events,
		WatermarkTS: &watermark,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowsAccepted != 1 {
		t.Fatalf("expected 1 accepted row, got %d", result.RowsAccepted)
	}
	if result.RejectionBreakdown[domain.ReasonMissingRequiredField] != 1 {
		t.Fatalf("expected 1 MISSING_REQUIRED_FIELD, got breakdown %+v", result.RejectionBreakdown)
	}
}

// TestIngestFeed_AmbiguousCCTCountsAsUnknown covers scenario S7: a
// record whose top-two purpose confidences fall within AmbiguityDelta
// of each other is classified UNKNOWN and counted as such.
func TestIngestFeed_AmbiguousCCTCountsAsUnknown(t *testing.T) {
	mem := store.NewMemory()
	cfg := config.Default()
	cfg.AmbiguityDelta = 1.0
	o := New(mem, cfg)

	events := []parse.Event{
		{
			MerchantID: "M1", TS: "2025-11-05T09:00:00Z", Amount: "2000.00",
			Direction: "debit", Channel: "BANK",
			RawNarration: "monthly electricity bill reimbursement claim",
		},
	}

	watermark := time.Date(2025, 11, 5, 11, 0, 0, 0, time.UTC)
	result, err := o.IngestFeed(context.Background(), FeedRequest{
		SubjectRef:  "s1",
		Source:      "webhook",
		Events:      events,
		WatermarkTS: &watermark,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CCTUnknownRate != 1.0 {
		t.Fatalf("expected all rows classified UNKNOWN, got rate %v", result.CCTUnknownRate)
	}
}

// TestIngestFeed_MissingWatermarkRejected covers the fix for the review
// finding that a silently-defaulted watermark breaks idempotency-key
// stability across replays (spec §8 invariant 4): a feed request with
// no watermark_ts is rejected as a bad request by default.
func TestIngestFeed_MissingWatermarkRejected(t *testing.T) {
	o, _ := newOrchestrator()
	events := []parse.Event{
		{MerchantID: "M1", TS: "2025-11-05T09:00:00Z", Amount: "100.00", Direction: "credit", Channel: "UPI"},
	}

	_, err := o.IngestFeed(context.Background(), FeedRequest{
		SubjectRef: "s1",
		Source:     "webhook",
		Events:     events,
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

// TestIngestFeed_MissingWatermarkToleratedWithOverride asserts the dev
// override (ALLOW_MISSING_WATERMARK) lets a missing watermark through,
// falling back to wall-clock time.
func TestIngestFeed_MissingWatermarkToleratedWithOverride(t *testing.T) {
	mem := store.NewMemory()
	cfg := config.Default()
	cfg.AllowMissingWatermarkOverride = true
	o := New(mem, cfg)

	events := []parse.Event{
		{MerchantID: "M1", TS: "2025-11-05T09:00:00Z", Amount: "100.00", Direction: "credit", Channel: "UPI"},
	}

	result, err := o.IngestFeed(context.Background(), FeedRequest{
		SubjectRef: "s1",
		Source:     "webhook",
		Events:     events,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.WatermarkTS == nil {
		t.Fatalf("expected wall-clock watermark fallback to be carried through")
	}
}
