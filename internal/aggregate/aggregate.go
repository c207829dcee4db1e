// Package aggregate implements C9: per-day bucket aggregation and
// derived ratios over accepted, classified records (spec §4.8).
package aggregate

import (
	"sort"
	"time"

	"cashctl/internal/domain"

	"github.com/shopspring/decimal"
)

// Epsilon guards every ratio denominator against division by zero,
// shared with store backends that recompute ratios after an additive
// merge.
const Epsilon = 1e-9

// Aggregator accumulates one batch's accepted, classified rows into
// per-day buckets. It is not safe for concurrent use; callers wanting
// day-partitioned concurrency should run one Aggregator per partition
// and merge with Merge (spec §5, §9).
type Aggregator struct {
	subjectRef string
	days       map[string]*domain.DailyAggregate
	payers     map[string]map[string]struct{}
}

// New creates an Aggregator for one batch's rows, all sharing
// subjectRef.
func New(subjectRef string) *Aggregator {
	return &Aggregator{
		subjectRef: subjectRef,
		days:       make(map[string]*domain.DailyAggregate),
		payers:     make(map[string]map[string]struct{}),
	}
}

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Add folds one accepted, classified record into its day bucket.
func (a *Aggregator) Add(rec domain.CanonicalRecord, cct domain.CCTResult) {
	day := dayOf(rec.EventTS)
	key := dateKey(rec.EventTS)

	agg, ok := a.days[key]
	if !ok {
		agg = domain.NewDailyAggregate(a.subjectRef, day)
		a.days[key] = agg
		a.payers[key] = make(map[string]struct{})
	}

	dir := rec.Direction.Bucket()
	agg.BucketSum[cct.CCT][dir] = agg.BucketSum[cct.CCT][dir].Add(rec.Amount)
	agg.BucketCount[cct.CCT][dir]++

	if dir == domain.BucketIn {
		agg.InflowSum = agg.InflowSum.Add(rec.Amount)
	} else {
		agg.OutflowSum = agg.OutflowSum.Add(rec.Amount)
	}

	if rec.PartialRecord {
		agg.AcceptedPartialRows++
	}
	if cct.CCT == domain.CCTUnknown {
		agg.UnknownCCTCount++
	}

	token := rec.PayerToken
	if token == "" {
		token = rec.RawCounterpartyToken
	}
	if token != "" {
		a.payers[key][token] = struct{}{}
	}
}

// Merge folds another Aggregator's per-day buckets into this one,
// producing results byte-identical to processing every record through
// a single Aggregator in some order (spec §9) — addition is
// commutative and associative, and distinct-payer sets merge by union.
func (a *Aggregator) Merge(other *Aggregator) {
	for key, otherAgg := range other.days {
		agg, ok := a.days[key]
		if !ok {
			a.days[key] = otherAgg
			a.payers[key] = other.payers[key]
			continue
		}
		MergeInto(agg, otherAgg)
		for token := range other.payers[key] {
			a.payers[key][token] = struct{}{}
		}
	}
}

// MergeInto additively folds src's bucket sums/counts into dst. It is
// exported so storage backends implement the same additive-merge
// policy (spec §4.10) when a committed day already exists.
func MergeInto(dst, src *domain.DailyAggregate) {
	dst.InflowSum = dst.InflowSum.Add(src.InflowSum)
	dst.OutflowSum = dst.OutflowSum.Add(src.OutflowSum)
	for _, bucket := range domain.AllCCTBuckets {
		for _, dir := range []domain.BucketDirection{domain.BucketIn, domain.BucketOut} {
			dst.BucketSum[bucket][dir] = dst.BucketSum[bucket][dir].Add(src.BucketSum[bucket][dir])
			dst.BucketCount[bucket][dir] += src.BucketCount[bucket][dir]
		}
	}
	dst.AcceptedPartialRows += src.AcceptedPartialRows
	dst.UnknownCCTCount += src.UnknownCCTCount
}

// Finish computes derived ratios and returns one DailyAggregate per
// day that had at least one accepted row, sorted by date ascending.
// Days with zero accepted rows produce no row (spec §4.8).
func (a *Aggregator) Finish() []*domain.DailyAggregate {
	keys := make([]string, 0, len(a.days))
	for k := range a.days {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*domain.DailyAggregate, 0, len(keys))
	for _, key := range keys {
		agg := a.days[key]
		agg.UniquePayersCount = len(a.payers[key])
		ApplyRatios(agg)
		out = append(out, agg)
	}
	return out
}

// ApplyRatios (re)computes every derived ratio on agg from its current
// bucket sums. It is exported so storage backends can recompute ratios
// after an additive merge of two already-finished aggregates.
func ApplyRatios(agg *domain.DailyAggregate) {
	totalIn := agg.InflowSum
	totalFlow := agg.InflowSum.Add(agg.OutflowSum)

	ownerIn := agg.BucketSum[domain.CCTArtificial][domain.BucketIn]
	agg.OwnerDependencyRatio = ratio(ownerIn, totalIn)

	passThrough := agg.BucketSum[domain.CCTPassThrough][domain.BucketIn].Add(agg.BucketSum[domain.CCTPassThrough][domain.BucketOut])
	agg.PassThroughRatio = ratio(passThrough, totalFlow)

	unknownFlow := agg.BucketSum[domain.CCTUnknown][domain.BucketIn].Add(agg.BucketSum[domain.CCTUnknown][domain.BucketOut])
	agg.UnknownFlowRatio = ratio(unknownFlow, totalFlow)

	agg.FreeCashNet = agg.BucketSum[domain.CCTFree][domain.BucketIn].Sub(agg.BucketSum[domain.CCTFree][domain.BucketOut])
}

func ratio(numerator, denominator decimal.Decimal) float64 {
	denomF, _ := denominator.Float64()
	if denomF < Epsilon {
		denomF = Epsilon
	}
	numF, _ := numerator.Float64()
	return numF / denomF
}
