package classify

import (
	"math"

	"cashctl/internal/config"
	"cashctl/internal/domain"
)

// purposeCCT is the deterministic purpose→CCT mapping table from spec
// §4.6.
var purposeCCT = map[domain.PurposeClass]domain.CCT{
	domain.PurposeSale:             domain.CCTFree,
	domain.PurposeInventory:        domain.CCTConstrained,
	domain.PurposeOpexOrStatutory:  domain.CCTConstrained,
	domain.PurposeSettlementOrFee:  domain.CCTPassThrough,
	domain.PurposeRefundOrReversal: domain.CCTPassThrough,
	domain.PurposeOwnerTransfer:    domain.CCTArtificial,
	domain.PurposeReimbursement:    domain.CCTConditional,
	domain.PurposeUnknown:          domain.CCTUnknown,
}

func cctForPurpose(p domain.PurposeClass) domain.CCT {
	if c, ok := purposeCCT[p]; ok {
		return c
	}
	return domain.CCTUnknown
}

// candidate is one CCT bucket competing for a record, carrying the
// confidence of the semantic signal it was derived from.
type candidate struct {
	bucket     domain.CCT
	confidence float64
}

// secondCandidate finds the record's runner-up CCT bucket, per spec
// §4.6: SALE degrades toward PASS_THROUGH as refund density rises, and
// any other purpose whose text also matched a lower-priority rule
// picks that rule's bucket as the runner-up. refundDensity is the
// fraction of the batch's accepted rows classified REFUND_OR_REVERSAL.
func secondCandidate(ctx recordCtx, top domain.SemanticResult, refundDensity float64) (candidate, bool) {
	if top.PurposeClass == domain.PurposeSale {
		return candidate{bucket: domain.CCTPassThrough, confidence: clamp01(refundDensity)}, refundDensity > 0
	}

	seenWinner := false
	for _, r := range semanticRules {
		if !r.match(ctx) {
			continue
		}
		if !seenWinner {
			// This is the rule that won in Semantic(); skip it.
			if r.purpose == top.PurposeClass {
				seenWinner = true
				continue
			}
		}
		bucket := cctForPurpose(r.purpose)
		conf := r.base
		if recurrenceMatches(ctx, r.purpose) {
			conf += 0.15
		}
		return candidate{bucket: bucket, confidence: clamp01(conf)}, true
	}
	return candidate{}, false
}

// CCT classifies one canonical record into a Cash Control Type bucket,
// applying the threshold and ambiguity policies from spec §4.6.
// refundDensity carries the batch-wide REFUND_OR_REVERSAL share,
// used only by the SALE degrade rule.
func CCT(rec domain.CanonicalRecord, semantic domain.SemanticResult, cfg config.Config, refundDensity float64) domain.CCTResult {
	ctx := newRecordCtx(rec)

	top1 := candidate{bucket: cctForPurpose(semantic.PurposeClass), confidence: semantic.BaseConfidence}
	top2, hasSecond := secondCandidate(ctx, semantic, refundDensity)

	rulesFired := append([]string{}, semantic.RulesFired...)

	result := domain.CCTResult{
		CCT:        top1.bucket,
		Confidence: top1.confidence,
		RulesFired: rulesFired,
	}

	if hasSecond {
		result.Top2Delta = math.Abs(top1.confidence - top2.confidence)
	}

	threshold := cfg.ThresholdFor(top1.bucket)
	if threshold > 0 && top1.confidence < threshold {
		result.CCT = domain.CCTUnknown
		result.RulesFired = append(result.RulesFired, "below_threshold")
		return result
	}

	if hasSecond && top1.bucket != top2.bucket && result.Top2Delta <= cfg.AmbiguityDelta {
		result.CCT = domain.CCTUnknown
		result.RulesFired = append(result.RulesFired, "ambiguous_top2")
		return result
	}

	return result
}
