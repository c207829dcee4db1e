// Package store defines the C11 storage port — the only boundary
// derived outputs cross into durable storage — and provides an
// in-memory test implementation plus a Postgres-backed implementation
// built on pgx (spec §4.10).
package store

import (
	"context"
	"errors"

	"cashctl/internal/domain"
)

// ErrDuplicateBatch is returned by CommitBatch when idempotency_key
// has already been committed. The orchestrator propagates this
// verbatim as ALREADY_INGESTED (spec §4.9, §7).
var ErrDuplicateBatch = errors.New("DUPLICATE_BATCH")

// Port is the storage boundary. Both operations must be atomic with
// respect to one batch; implementations own their own connection pool
// and lock discipline (spec §5) and must refuse any field not in the
// domain.BatchMetadata / domain.DailyAggregate allow-list.
type Port interface {
	// CommitBatch assigns and returns a stable batch_id, or returns
	// ErrDuplicateBatch if metadata.IdempotencyKey was already
	// committed.
	CommitBatch(ctx context.Context, metadata domain.BatchMetadata) (batchID string, err error)

	// CommitDailyAggregates upserts by (subject_ref, date). Repeated
	// days merge additively: sums and counts add, and
	// unique_payers_count is recomputed per the backend's documented
	// policy (spec §4.10, §9).
	CommitDailyAggregates(ctx context.Context, batchID string, aggregates []*domain.DailyAggregate) error
}
