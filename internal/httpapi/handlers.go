package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"cashctl/internal/ingest"
	"cashctl/internal/parse"
	"cashctl/internal/store"

	"github.com/google/uuid"
)

type Handlers struct {
	orch *ingest.Orchestrator
}

func NewHandlers(orch *ingest.Orchestrator) *Handlers { return &Handlers{orch: orch} }

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Guardrail / rejection errors (spec §4.9, §7)
	case errors.Is(err, ingest.ErrAlreadyIngested), errors.Is(err, store.ErrDuplicateBatch):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrEmptyBatch),
		errors.Is(err, ingest.ErrNoValidRows),
		errors.Is(err, ingest.ErrLowAcceptRatio),
		errors.Is(err, ingest.ErrDeclaredRangeViolation),
		errors.Is(err, ingest.ErrMissingRequiredColumn),
		errors.Is(err, ingest.ErrBadRequest),
		errors.Is(err, parse.ErrBadRequest),
		errors.Is(err, parse.ErrMissingRequiredColumn):
		return http.StatusUnprocessableEntity

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don’t leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

// tabularRequest is the wire shape of POST /v1/ingest/tabular (spec §6).
// Data carries the raw tabular payload as a string; transport-level
// encoding (e.g. multipart) is out of scope here.
type tabularRequest struct {
	SubjectRef        string  `json:"subject_ref"`
	SubjectRefVersion string  `json:"subject_ref_version"`
	Source            string  `json:"source"`
	Data              string  `json:"data"`
	FilenameHash      string  `json:"filename_hash"`
	FileExt           string  `json:"file_ext"`
	DeclaredStart     *string `json:"declared_start,omitempty"`
	DeclaredEnd       *string `json:"declared_end,omitempty"`
}

// feedRequest is the wire shape of POST /v1/ingest/feed (spec §6).
type feedRequest struct {
	SubjectRef        string        `json:"subject_ref"`
	SubjectRefVersion string        `json:"subject_ref_version"`
	Source            string        `json:"source"`
	Events            []parse.Event `json:"events"`
	WatermarkTS       *string       `json:"watermark_ts,omitempty"`
	DeclaredStart     *string       `json:"declared_start,omitempty"`
	DeclaredEnd       *string       `json:"declared_end,omitempty"`
}

// ingestResponse is the shared response shape for both ingestion
// operations (spec §6). Raw identifiers, narrations, and per-row
// content never appear here.
type ingestResponse struct {
	Status              string         `json:"status"`
	BatchID             string         `json:"batch_id"`
	SubjectRef          string         `json:"subject_ref"`
	Source              string         `json:"source"`
	IdempotencyKey      string         `json:"idempotency_key"`
	ContentHash         string         `json:"content_hash"`
	RowsAccepted        int            `json:"rows_accepted"`
	RowsRejected        int            `json:"rows_rejected"`
	RejectionBreakdown  map[string]int `json:"rejection_breakdown"`
	AcceptedPartialRows int            `json:"accepted_partial_rows"`
	InferredStart       string         `json:"inferred_start"`
	InferredEnd         string         `json:"inferred_end"`
	DailyAggregateDays  int            `json:"daily_aggregate_days"`
	DailyControlDays    int            `json:"daily_control_days"`
	CCTUnknownRate      float64        `json:"cct_unknown_rate"`
	PayerTokenPresent   bool           `json:"payer_token_present"`
	WatermarkTS         *string        `json:"watermark_ts,omitempty"`
}

func toIngestResponse(r ingest.Result) ingestResponse {
	breakdown := make(map[string]int, len(r.RejectionBreakdown))
	for reason, count := range r.RejectionBreakdown {
		breakdown[string(reason)] = count
	}
	resp := ingestResponse{
		Status:              r.Status,
		BatchID:             r.BatchID,
		SubjectRef:          r.SubjectRef,
		Source:              r.Source,
		IdempotencyKey:      r.IdempotencyKey,
		ContentHash:         r.ContentHash,
		RowsAccepted:        r.RowsAccepted,
		RowsRejected:        r.RowsRejected,
		RejectionBreakdown:  breakdown,
		AcceptedPartialRows: r.AcceptedPartialRows,
		InferredStart:       r.InferredRange.Start.Format("2006-01-02"),
		InferredEnd:         r.InferredRange.End.Format("2006-01-02"),
		DailyAggregateDays:  r.DailyAggregateDays,
		DailyControlDays:    r.DailyControlDays,
		CCTUnknownRate:      r.CCTUnknownRate,
		PayerTokenPresent:   r.PayerTokenPresent,
	}
	if r.WatermarkTS != nil {
		s := r.WatermarkTS.Format(time.RFC3339Nano)
		resp.WatermarkTS = &s
	}
	return resp
}

func parseDateParam(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *Handlers) IngestTabular(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tabularRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	declaredStart, err := parseDateParam(req.DeclaredStart)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid declared_start")
		return
	}
	declaredEnd, err := parseDateParam(req.DeclaredEnd)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid declared_end")
		return
	}

	corr := r.Header.Get("X-Correlation-Id")
	if corr == "" {
		corr = uuid.New().String()
	}
	log.Printf("[ingest] tabular start corr=%s subject_ref=%s source=%s", corr, req.SubjectRef, req.Source)

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result, err := h.orch.IngestTabular(ctx, ingest.TabularRequest{
		SubjectRef:        req.SubjectRef,
		SubjectRefVersion: req.SubjectRefVersion,
		Source:            req.Source,
		Data:              []byte(req.Data),
		FilenameHash:      req.FilenameHash,
		FileExt:           req.FileExt,
		DeclaredStart:     declaredStart,
		DeclaredEnd:       declaredEnd,
	})
	if err != nil {
		log.Printf("[ingest] tabular failed corr=%s err=%v", corr, err)
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	writeJSON(w, http.StatusCreated, toIngestResponse(result))
}

func (h *Handlers) IngestFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req feedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	declaredStart, err := parseDateParam(req.DeclaredStart)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid declared_start")
		return
	}
	declaredEnd, err := parseDateParam(req.DeclaredEnd)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid declared_end")
		return
	}

	var watermark *time.Time
	if req.WatermarkTS != nil {
		t, err := time.Parse(time.RFC3339Nano, *req.WatermarkTS)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid watermark_ts")
			return
		}
		watermark = &t
	}

	corr := r.Header.Get("X-Correlation-Id")
	if corr == "" {
		corr = uuid.New().String()
	}
	log.Printf("[ingest] feed start corr=%s subject_ref=%s source=%s events=%d", corr, req.SubjectRef, req.Source, len(req.Events))

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result, err := h.orch.IngestFeed(ctx, ingest.FeedRequest{
		SubjectRef:        req.SubjectRef,
		SubjectRefVersion: req.SubjectRefVersion,
		Source:            req.Source,
		Events:            req.Events,
		WatermarkTS:       watermark,
		DeclaredStart:     declaredStart,
		DeclaredEnd:       declaredEnd,
	})
	if err != nil {
		log.Printf("[ingest] feed failed corr=%s err=%v", corr, err)
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	writeJSON(w, http.StatusCreated, toIngestResponse(result))
}
