package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cashctl/internal/domain"

	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable Port implementation. It mirrors the
// teacher's transfer-idempotency pattern: an advisory transaction lock
// keyed on idempotency_key serializes concurrent commits of the same
// batch, and an ON CONFLICT upsert implements the additive-merge
// policy for daily aggregates (spec §4.10).
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an already-configured pool.
func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db: db} }

// rejectionBreakdownJSON canonicalizes the rejection-count map via RFC
// 8785 (JCS) before it is stored, so the same counts always produce
// the same bytes regardless of Go map iteration order.
func rejectionBreakdownJSON(breakdown map[domain.RejectionReason]int) ([]byte, error) {
	raw := make(map[string]int, len(breakdown))
	for reason, count := range breakdown {
		raw[string(reason)] = count
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(b)
}

func (s *Postgres) CommitBatch(ctx context.Context, metadata domain.BatchMetadata) (string, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	// Serialize per idempotency key, as the teacher does for transfers.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, metadata.IdempotencyKey); err != nil {
		return "", err
	}

	var existing string
	err = tx.QueryRow(ctx, `SELECT batch_id FROM batch_metadata WHERE idempotency_key = $1`, metadata.IdempotencyKey).Scan(&existing)
	if err == nil {
		return "", ErrDuplicateBatch
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	breakdown, err := rejectionBreakdownJSON(metadata.RejectionBreakdown)
	if err != nil {
		return "", err
	}

	var declaredStart, declaredEnd any
	if metadata.DeclaredRange != nil {
		declaredStart = metadata.DeclaredRange.Start
		declaredEnd = metadata.DeclaredRange.End
	}

	var batchID string
	err = tx.QueryRow(ctx, `
		INSERT INTO batch_metadata(
			subject_ref, subject_ref_version, source, idempotency_key, content_hash,
			filename_hash, file_ext, rows_accepted, rows_rejected, rejection_breakdown,
			accepted_partial_rows, declared_start, declared_end, inferred_start, inferred_end,
			cct_unknown_rate, payer_token_present, policy_version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING batch_id::text
	`,
		metadata.SubjectRef, metadata.SubjectRefVersion, metadata.Source, metadata.IdempotencyKey, metadata.ContentHash,
		metadata.FilenameHash, metadata.FileExt, metadata.RowsAccepted, metadata.RowsRejected, breakdown,
		metadata.AcceptedPartialRows, declaredStart, declaredEnd, metadata.InferredRange.Start, metadata.InferredRange.End,
		metadata.CCTUnknownRate, metadata.PayerTokenPresent, metadata.PolicyVersion,
	).Scan(&batchID)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return batchID, nil
}

// bucketColumn derives the {bucket}_{direction}_{sum|count} column
// name from the fixed bucket/direction vocabulary (spec §3).
func bucketColumn(bucket domain.CCT, dir domain.BucketDirection, kind string) string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", bucket, dir, kind))
}

// CommitDailyAggregates upserts by (subject_ref, date) in one
// transaction. Repeated days merge additively; unique_payers_count has
// no count-distinct sketch in this backend, so it is summed as an upper
// bound across merges, the same policy as Memory.
func (s *Postgres) CommitDailyAggregates(ctx context.Context, batchID string, aggregates []*domain.DailyAggregate) error {
	if len(aggregates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, agg := range aggregates {
		if err := upsertDailyAggregate(ctx, tx, agg); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func upsertDailyAggregate(ctx context.Context, tx pgx.Tx, agg *domain.DailyAggregate) error {
	cols := []string{"subject_ref", "date", "inflow_sum", "outflow_sum"}
	vals := []any{agg.SubjectRef, agg.Date, agg.InflowSum, agg.OutflowSum}
	adds := []string{"inflow_sum = daily_aggregate.inflow_sum + EXCLUDED.inflow_sum",
		"outflow_sum = daily_aggregate.outflow_sum + EXCLUDED.outflow_sum"}

	for _, bucket := range domain.AllCCTBuckets {
		for _, dir := range []domain.BucketDirection{domain.BucketIn, domain.BucketOut} {
			sumCol := bucketColumn(bucket, dir, "sum")
			countCol := bucketColumn(bucket, dir, "count")
			cols = append(cols, sumCol, countCol)
			vals = append(vals, agg.BucketSum[bucket][dir], agg.BucketCount[bucket][dir])
			adds = append(adds,
				fmt.Sprintf("%s = daily_aggregate.%s + EXCLUDED.%s", sumCol, sumCol, sumCol),
				fmt.Sprintf("%s = daily_aggregate.%s + EXCLUDED.%s", countCol, countCol, countCol),
			)
		}
	}

	cols = append(cols, "unique_payers_count", "accepted_partial_rows", "unknown_cct_count",
		"owner_dependency_ratio", "pass_through_ratio", "unknown_flow_ratio")
	vals = append(vals, agg.UniquePayersCount, agg.AcceptedPartialRows, agg.UnknownCCTCount,
		agg.OwnerDependencyRatio, agg.PassThroughRatio, agg.UnknownFlowRatio)
	adds = append(adds,
		"unique_payers_count = daily_aggregate.unique_payers_count + EXCLUDED.unique_payers_count",
		"accepted_partial_rows = daily_aggregate.accepted_partial_rows + EXCLUDED.accepted_partial_rows",
		"unknown_cct_count = daily_aggregate.unknown_cct_count + EXCLUDED.unknown_cct_count",
	)

	placeholders := make([]string, len(vals))
	for i := range vals {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	// Ratios are recomputed from the merged sums after the upsert
	// rather than additively combined (ratios do not add).
	query := fmt.Sprintf(`
		INSERT INTO daily_aggregate (%s) VALUES (%s)
		ON CONFLICT (subject_ref, date) DO UPDATE SET %s
	`, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(adds, ", "))

	if _, err := tx.Exec(ctx, query, vals...); err != nil {
		return err
	}

	return recomputeRatiosSQL(ctx, tx, agg.SubjectRef, agg.Date)
}

// recomputeRatiosSQL recomputes the three derived ratio columns from
// the row's current (post-merge) sums, entirely in SQL so the
// ε-guarded division matches across every backend.
func recomputeRatiosSQL(ctx context.Context, tx pgx.Tx, subjectRef string, date any) error {
	const epsilon = 1e-9
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE daily_aggregate SET
			owner_dependency_ratio = artificial_in_sum / GREATEST(inflow_sum, %g),
			pass_through_ratio = (pass_through_in_sum + pass_through_out_sum) / GREATEST(inflow_sum + outflow_sum, %g),
			unknown_flow_ratio = (unknown_in_sum + unknown_out_sum) / GREATEST(inflow_sum + outflow_sum, %g),
			free_cash_net = free_in_sum - free_out_sum
		WHERE subject_ref = $1 AND date = $2
	`, epsilon, epsilon, epsilon), subjectRef, date)
	return err
}
