package store

import (
	"context"
	"sync"
	"time"

	"cashctl/internal/aggregate"
	"cashctl/internal/domain"

	"github.com/google/uuid"
)

// Memory is a test-only Port implementation (spec §9): an in-process,
// mutex-guarded map keyed by idempotency_key for duplicate detection,
// and one map keyed by (subject_ref, date) for additive-merge
// aggregates.
type Memory struct {
	mu sync.Mutex

	byIdemKey map[string]string // idempotency_key -> batch_id
	batches   map[string]domain.BatchMetadata
	days      map[string]*domain.DailyAggregate // "subject_ref|date" -> aggregate
}

// NewMemory returns an empty Memory port.
func NewMemory() *Memory {
	return &Memory{
		byIdemKey: make(map[string]string),
		batches:   make(map[string]domain.BatchMetadata),
		days:      make(map[string]*domain.DailyAggregate),
	}
}

func (m *Memory) CommitBatch(ctx context.Context, metadata domain.BatchMetadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byIdemKey[metadata.IdempotencyKey]; exists {
		return "", ErrDuplicateBatch
	}

	batchID := uuid.New().String()
	metadata.BatchID = batchID
	m.byIdemKey[metadata.IdempotencyKey] = batchID
	m.batches[batchID] = metadata
	return batchID, nil
}

// CommitDailyAggregates upserts by (subject_ref, date). Repeated days
// merge additively via aggregate.MergeInto; unique_payers_count has no
// count-distinct sketch in this backend, so it is summed as an upper
// bound across merges — documented per spec §4.10's
// implementer's-choice clause.
func (m *Memory) CommitDailyAggregates(ctx context.Context, batchID string, aggregates []*domain.DailyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, agg := range aggregates {
		key := dayKey(agg.SubjectRef, agg.Date)
		existing, ok := m.days[key]
		if !ok {
			m.days[key] = agg
			continue
		}
		payers := existing.UniquePayersCount + agg.UniquePayersCount
		aggregate.MergeInto(existing, agg)
		existing.UniquePayersCount = payers
		aggregate.ApplyRatios(existing)
	}
	return nil
}

// Batch returns a previously committed batch, for test assertions.
func (m *Memory) Batch(batchID string) (domain.BatchMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	return b, ok
}

// Day returns the current merged state for (subjectRef, date), for
// test assertions.
func (m *Memory) Day(subjectRef string, date string) (*domain.DailyAggregate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.days[subjectRef+"|"+date]
	return d, ok
}

func dayKey(subjectRef string, date time.Time) string {
	return subjectRef + "|" + date.Format("2006-01-02")
}
