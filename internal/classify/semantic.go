// Package classify implements C6 (semantic classification) and C7
// (CCT classification) from spec §4.5/§4.6. Both stages are pure
// functions of a CanonicalRecord plus its ephemeral hints: no state
// outlives one call, and nothing here ever touches storage.
//
// The exact keyword lists and recurrence heuristics below are policy,
// not specification — spec §9 flags this explicitly and ties them to
// policy_version bumps, not to this code's structure.
package classify

import (
	"strings"

	"cashctl/internal/domain"

	"github.com/shopspring/decimal"
)

// rule is one entry of the priority-ordered semantic rule table. match
// is evaluated in table order; the first rule whose match returns true
// wins.
type rule struct {
	purpose domain.PurposeClass
	role    domain.RoleClass
	base    float64
	match   func(ctx recordCtx) bool
}

// recordCtx precomputes the lowercase text blob and round-amount test
// used by several rules, so each rule's match stays a one-liner.
type recordCtx struct {
	rec       domain.CanonicalRecord
	text      string
	largeRound bool
}

func newRecordCtx(rec domain.CanonicalRecord) recordCtx {
	text := strings.ToLower(rec.RawCategory + " " + rec.RawNarration)
	return recordCtx{
		rec:        rec,
		text:       text,
		largeRound: isLargeRoundAmount(rec.Amount),
	}
}

func containsAny(text string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

var (
	feeKeywords        = []string{"fee", "charge", "commission"}
	refundKeywords      = []string{"refund", "reversal", "chargeback", "return"}
	ownerKeywords       = []string{"self transfer", "self-transfer", "owner", "founder", "proprietor", "self"}
	platformKeywords    = []string{"settlement", "payout", "platform transfer"}
	supplierKeywords    = []string{"supplier", "vendor", "wholesale", "purchase order", "inventory"}
	utilityKeywords     = []string{"electricity", "utility", "rent", "gst", "statutory", "tds", "pf contribution", "esic"}
	reimburseKeywords   = []string{"reimbursement", "reimburse", "claim", "subsidy", "grant"}
	saleKeywords        = []string{"sale", "customer payment", "order"}
	recurrenceKeywords  = []string{"recurring", "monthly", "subscription"}
)

// isLargeRoundAmount flags amounts that look like an owner-style round
// transfer rather than an organic customer payment: at least 50,000 in
// the record's currency unit and an exact multiple of 1,000.
func isLargeRoundAmount(amount decimal.Decimal) bool {
	threshold := decimal.NewFromInt(50000)
	thousand := decimal.NewFromInt(1000)
	if amount.LessThan(threshold) {
		return false
	}
	return amount.Mod(thousand).IsZero()
}

func recurrenceMatches(ctx recordCtx, purpose domain.PurposeClass) bool {
	if !containsAny(ctx.text, recurrenceKeywords...) {
		return false
	}
	switch purpose {
	case domain.PurposeOwnerTransfer:
		return ctx.largeRound
	case domain.PurposeOpexOrStatutory, domain.PurposeInventory:
		return true
	default:
		return false
	}
}

var semanticRules = []rule{
	{
		purpose: domain.PurposeSettlementOrFee, role: domain.RolePlatform, base: 0.85,
		match: func(ctx recordCtx) bool { return containsAny(ctx.text, feeKeywords...) },
	},
	{
		purpose: domain.PurposeRefundOrReversal, role: domain.RoleCustomer, base: 0.85,
		match: func(ctx recordCtx) bool { return containsAny(ctx.text, refundKeywords...) },
	},
	{
		purpose: domain.PurposeOwnerTransfer, role: domain.RoleOwner, base: 0.80,
		match: func(ctx recordCtx) bool {
			return containsAny(ctx.text, ownerKeywords...) || ctx.largeRound
		},
	},
	{
		purpose: domain.PurposeSettlementOrFee, role: domain.RolePlatform, base: 0.80,
		match: func(ctx recordCtx) bool { return containsAny(ctx.text, platformKeywords...) },
	},
	{
		purpose: domain.PurposeInventory, role: domain.RoleSupplier, base: 0.75,
		match: func(ctx recordCtx) bool {
			return ctx.rec.Direction == domain.DirectionDebit && containsAny(ctx.text, supplierKeywords...)
		},
	},
	{
		purpose: domain.PurposeOpexOrStatutory, role: domain.RoleSupplier, base: 0.75,
		match: func(ctx recordCtx) bool { return containsAny(ctx.text, utilityKeywords...) },
	},
	{
		purpose: domain.PurposeSale, role: domain.RoleCustomer, base: 0.70,
		match: func(ctx recordCtx) bool {
			if ctx.rec.Direction != domain.DirectionCredit {
				return false
			}
			smallTicket := ctx.rec.Amount.LessThan(decimal.NewFromInt(5000))
			return (ctx.rec.Channel == domain.ChannelUPI && smallTicket) || containsAny(ctx.text, saleKeywords...)
		},
	},
	{
		purpose: domain.PurposeReimbursement, role: domain.RolePlatform, base: 0.70,
		match: func(ctx recordCtx) bool { return containsAny(ctx.text, reimburseKeywords...) },
	},
}

// Semantic classifies one canonical record per the priority-ordered
// rule table, then applies the recurrence/conflict confidence
// adjustments from spec §4.5.
func Semantic(rec domain.CanonicalRecord) domain.SemanticResult {
	ctx := newRecordCtx(rec)

	purpose := domain.PurposeUnknown
	role := domain.RoleUnknown
	base := 0.30
	var firedRule string

	for _, r := range semanticRules {
		if r.match(ctx) {
			purpose, role, base = r.purpose, r.role, r.base
			firedRule = ruleLabel(r.purpose)
			break
		}
	}

	confidence := base
	var rulesFired []string
	if firedRule != "" {
		rulesFired = append(rulesFired, firedRule)
	} else {
		rulesFired = append(rulesFired, "default_unknown")
	}

	if recurrenceMatches(ctx, purpose) {
		confidence += 0.15
		rulesFired = append(rulesFired, "recurrence_match")
	}
	if conflicts(ctx, purpose) {
		confidence -= 0.20
		rulesFired = append(rulesFired, "signal_conflict")
	}

	return domain.SemanticResult{
		RoleClass:      role,
		PurposeClass:   purpose,
		BaseConfidence: clamp01(confidence),
		RulesFired:     rulesFired,
	}
}

// conflicts detects the two textbook contradictions spec §4.5 names:
// a SALE label paired with a debit direction, and a very large round
// amount paired with owner-keyword text applied to a non-owner purpose.
// Recurrence keywords play no part in the conflict check.
func conflicts(ctx recordCtx, purpose domain.PurposeClass) bool {
	if purpose == domain.PurposeSale && ctx.rec.Direction == domain.DirectionDebit {
		return true
	}
	if purpose != domain.PurposeOwnerTransfer && ctx.largeRound && containsAny(ctx.text, ownerKeywords...) {
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ruleLabel(purpose domain.PurposeClass) string {
	return strings.ToLower(string(purpose)) + "_rule"
}
