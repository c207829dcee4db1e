// Package ingest implements C10: the orchestrator that enforces the
// strict pipeline order from spec §2, computes batch-level metrics,
// and commits through the storage port (spec §4.9).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cashctl/internal/aggregate"
	"cashctl/internal/classify"
	"cashctl/internal/config"
	"cashctl/internal/domain"
	"cashctl/internal/gate"
	"cashctl/internal/idempotency"
	"cashctl/internal/normalize"
	"cashctl/internal/parse"
	"cashctl/internal/store"
	"cashctl/internal/validate"
)

// Batch-level rejection sentinels (spec §4.9, §7). Wrap with fmt.Errorf
// and %w when more detail is useful; callers compare with errors.Is.
var (
	ErrEmptyBatch             = errors.New("EMPTY_BATCH")
	ErrNoValidRows            = errors.New("NO_VALID_ROWS")
	ErrLowAcceptRatio         = errors.New("LOW_ACCEPT_RATIO")
	ErrDeclaredRangeViolation = idempotency.ErrDeclaredRangeViolation
	ErrMissingRequiredColumn  = parse.ErrMissingRequiredColumn
	ErrBadRequest             = parse.ErrBadRequest
	ErrAlreadyIngested        = errors.New("ALREADY_INGESTED")
)

// Orchestrator drives the C2→C11 pipeline for one request at a time.
// It holds no per-request state between calls; everything here is
// request-scoped (spec §5).
type Orchestrator struct {
	port store.Port
	cfg  config.Config
}

// New builds an Orchestrator against a storage port and a fixed,
// already-loaded configuration (spec §9: config is never read by
// inner components).
func New(port store.Port, cfg config.Config) *Orchestrator {
	return &Orchestrator{port: port, cfg: cfg}
}

// TabularRequest is the request shape for the tabular ingestion
// operation (spec §6).
type TabularRequest struct {
	SubjectRef        string
	SubjectRefVersion string
	Source            string
	Data              []byte
	FilenameHash      string
	FileExt           string
	DeclaredStart     *time.Time
	DeclaredEnd       *time.Time
}

// FeedRequest is the request shape for the feed ingestion operation
// (spec §6).
type FeedRequest struct {
	SubjectRef        string
	SubjectRefVersion string
	Source            string
	Events            []parse.Event
	WatermarkTS       *time.Time
	DeclaredStart     *time.Time
	DeclaredEnd       *time.Time
}

// Result is the shared response shape for both ingestion operations
// (spec §6). WatermarkTS is populated only for feed ingestion.
type Result struct {
	Status              string
	BatchID             string
	SubjectRef          string
	Source              string
	FilenameHash        string
	FileExt             string
	ContentHash         string
	IdempotencyKey      string
	RowsAccepted        int
	RowsRejected        int
	RejectionBreakdown  map[domain.RejectionReason]int
	AcceptedPartialRows int
	DeclaredRange       *domain.DateRange
	InferredRange       domain.DateRange
	DailyAggregateDays  int
	DailyControlDays    int
	CCTUnknownRate      float64
	PayerTokenPresent   bool
	WatermarkTS         *time.Time
}

// IngestTabular runs the tabular ingestion operation end to end.
func (o *Orchestrator) IngestTabular(ctx context.Context, req TabularRequest) (Result, error) {
	batch, err := parse.ParseTabular(req.Data)
	if err != nil {
		return Result{}, err
	}

	var declared *domain.DateRange
	if req.DeclaredStart != nil && req.DeclaredEnd != nil {
		declared = &domain.DateRange{Start: dayOf(*req.DeclaredStart), End: dayOf(*req.DeclaredEnd)}
	}

	pr, err := o.run(req.SubjectRef, batch, declared)
	if err != nil {
		return Result{}, err
	}

	keyMin, keyMax := pr.inferredRange.Start, pr.inferredRange.End
	if declared != nil {
		keyMin, keyMax = declared.Start, declared.End
	}
	idemKey := idempotency.TabularKey(req.SubjectRef, req.Source, batch.ContentHash, keyMin, keyMax)

	result := o.buildResult(req.SubjectRef, req.Source, batch.ContentHash, idemKey, declared, pr)
	result.FilenameHash = req.FilenameHash
	result.FileExt = req.FileExt

	return o.commit(ctx, result, pr)
}

// IngestFeed runs the feed ingestion operation end to end.
func (o *Orchestrator) IngestFeed(ctx context.Context, req FeedRequest) (Result, error) {
	// watermark_ts anchors EventFeedKey (spec §4.7); accepting a missing
	// one would let identical replays mint distinct idempotency keys and
	// double-commit, so it is required unless the dev override is on.
	if req.WatermarkTS == nil && !o.cfg.AllowMissingWatermarkOverride {
		return Result{}, fmt.Errorf("%w: watermark_ts is required", ErrBadRequest)
	}

	batch, err := parse.ParseEvents(req.Events)
	if err != nil {
		return Result{}, err
	}

	var declared *domain.DateRange
	if req.DeclaredStart != nil && req.DeclaredEnd != nil {
		declared = &domain.DateRange{Start: dayOf(*req.DeclaredStart), End: dayOf(*req.DeclaredEnd)}
	}

	pr, err := o.run(req.SubjectRef, batch, declared)
	if err != nil {
		return Result{}, err
	}

	watermark := time.Now().UTC()
	if req.WatermarkTS != nil {
		watermark = *req.WatermarkTS
	}
	idemKey := idempotency.EventFeedKey(
		req.SubjectRef, req.Source, watermark,
		pr.inferredRange.Start, pr.inferredRange.End, pr.totalRows, batch.ContentHash,
	)

	result := o.buildResult(req.SubjectRef, req.Source, batch.ContentHash, idemKey, declared, pr)
	result.WatermarkTS = &watermark

	return o.commit(ctx, result, pr)
}

func (o *Orchestrator) commit(ctx context.Context, result Result, pr pipelineResult) (Result, error) {
	meta := domain.BatchMetadata{
		SubjectRef:          result.SubjectRef,
		Source:              result.Source,
		IdempotencyKey:      result.IdempotencyKey,
		ContentHash:         result.ContentHash,
		FilenameHash:        result.FilenameHash,
		FileExt:             result.FileExt,
		RowsAccepted:        result.RowsAccepted,
		RowsRejected:        result.RowsRejected,
		RejectionBreakdown:  result.RejectionBreakdown,
		AcceptedPartialRows: result.AcceptedPartialRows,
		DeclaredRange:       result.DeclaredRange,
		InferredRange:       result.InferredRange,
		CCTUnknownRate:      result.CCTUnknownRate,
		PayerTokenPresent:   result.PayerTokenPresent,
		PolicyVersion:       o.cfg.PolicyVersion,
	}

	batchID, err := o.port.CommitBatch(ctx, meta)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateBatch) {
			return Result{}, ErrAlreadyIngested
		}
		return Result{}, err
	}
	result.BatchID = batchID
	result.Status = "success"

	days := pr.aggregator.Finish()
	if err := o.port.CommitDailyAggregates(ctx, batchID, days); err != nil {
		return Result{}, err
	}
	result.DailyAggregateDays = len(days)
	result.DailyControlDays = len(days)

	return result, nil
}

func (o *Orchestrator) buildResult(subjectRef, source, contentHash, idemKey string, declared *domain.DateRange, pr pipelineResult) Result {
	return Result{
		SubjectRef:          subjectRef,
		Source:              source,
		ContentHash:         contentHash,
		IdempotencyKey:      idemKey,
		RowsAccepted:        pr.rowsAccepted,
		RowsRejected:        pr.rowsRejected,
		RejectionBreakdown:  pr.rejectionBreakdown,
		AcceptedPartialRows: pr.acceptedPartialRows,
		DeclaredRange:       declared,
		InferredRange:       pr.inferredRange,
		CCTUnknownRate:      pr.cctUnknownRate(),
		PayerTokenPresent:   pr.payerTokenPresent,
	}
}

// pipelineResult carries everything the guardrails and response
// builder need out of the shared C3→C9 pass.
type pipelineResult struct {
	totalRows           int
	rowsAccepted        int
	rowsRejected        int
	rejectionBreakdown  map[domain.RejectionReason]int
	acceptedPartialRows int
	payerTokenPresent   bool
	unknownCCTCount     int
	inferredRange       domain.DateRange
	aggregator          *aggregate.Aggregator
}

func (pr pipelineResult) cctUnknownRate() float64 {
	denom := pr.rowsAccepted
	if denom < 1 {
		denom = 1
	}
	return float64(pr.unknownCCTCount) / float64(denom)
}

// run executes steps C3 through C9 for one batch and applies the
// guardrails from spec §4.9. It never touches the storage port.
func (o *Orchestrator) run(subjectRef string, batch parse.Batch, declared *domain.DateRange) (pipelineResult, error) {
	if len(batch.Rows) == 0 {
		return pipelineResult{}, ErrEmptyBatch
	}

	breakdown := make(map[domain.RejectionReason]int)
	var accepted []validate.Row
	acceptedPartial := 0
	payerTokenPresent := false

	for _, row := range batch.Rows {
		vr := validate.Validate(row)
		if !vr.Accepted {
			breakdown[vr.Reason]++
			continue
		}
		gr := gate.Apply(vr.Row, batch.SchemaHasRecordStatus)
		if !gr.Accepted {
			breakdown[gr.Reason]++
			continue
		}
		if gr.Row.PartialRecord {
			acceptedPartial++
		}
		if gr.Row.PayerToken != "" || gr.Row.RawCounterparty != "" {
			payerTokenPresent = true
		}
		accepted = append(accepted, gr.Row)
	}

	rowsRejected := 0
	for _, c := range breakdown {
		rowsRejected += c
	}
	rowsAccepted := len(accepted)

	if rowsAccepted == 0 {
		return pipelineResult{}, ErrNoValidRows
	}

	if o.cfg.MinAcceptRatio != nil {
		ratio := float64(rowsAccepted) / float64(len(batch.Rows))
		if ratio < *o.cfg.MinAcceptRatio {
			return pipelineResult{}, ErrLowAcceptRatio
		}
	}

	canonical := make([]domain.CanonicalRecord, len(accepted))
	for i, row := range accepted {
		canonical[i] = normalize.ToCanonical(subjectRef, row)
	}

	inferred := inferRange(canonical)
	if declared != nil {
		if !inferred.Within(*declared) {
			return pipelineResult{}, ErrDeclaredRangeViolation
		}
	}

	semantics := make([]domain.SemanticResult, len(canonical))
	refundCount := 0
	for i, rec := range canonical {
		sr := classify.Semantic(rec)
		semantics[i] = sr
		if sr.PurposeClass == domain.PurposeRefundOrReversal {
			refundCount++
		}
	}
	refundDensity := float64(refundCount) / float64(len(canonical))

	agg := aggregate.New(subjectRef)
	unknownCCTCount := 0
	for i, rec := range canonical {
		cct := classify.CCT(rec, semantics[i], o.cfg, refundDensity)
		if cct.CCT == domain.CCTUnknown {
			unknownCCTCount++
		}
		agg.Add(rec, cct)
	}

	return pipelineResult{
		totalRows:           len(batch.Rows),
		rowsAccepted:        rowsAccepted,
		rowsRejected:        rowsRejected,
		rejectionBreakdown:  breakdown,
		acceptedPartialRows: acceptedPartial,
		payerTokenPresent:   payerTokenPresent,
		unknownCCTCount:     unknownCCTCount,
		inferredRange:       inferred,
		aggregator:          agg,
	}, nil
}

func inferRange(records []domain.CanonicalRecord) domain.DateRange {
	min, max := dayOf(records[0].EventTS), dayOf(records[0].EventTS)
	for _, r := range records[1:] {
		d := dayOf(r.EventTS)
		if d.Before(min) {
			min = d
		}
		if d.After(max) {
			max = d
		}
	}
	return domain.DateRange{Start: min, End: max}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
