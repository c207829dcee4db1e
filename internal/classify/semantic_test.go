package classify

import (
	"testing"
	"time"

	"cashctl/internal/domain"

	"github.com/shopspring/decimal"
)

func rec(amount string, dir domain.Direction, channel domain.Channel, narration string) domain.CanonicalRecord {
	a, _ := decimal.NewFromString(amount)
	return domain.CanonicalRecord{
		SubjectRef:   "s1",
		EventTS:      time.Now(),
		Amount:       a,
		Direction:    dir,
		Channel:      channel,
		RawNarration: narration,
	}
}

func TestSemantic_FeeBeatsEverythingElse(t *testing.T) {
	r := rec("500", domain.DirectionDebit, domain.ChannelBank, "platform commission fee")
	result := Semantic(r)
	if result.PurposeClass != domain.PurposeSettlementOrFee {
		t.Fatalf("got %s", result.PurposeClass)
	}
}

func TestSemantic_RefundKeyword(t *testing.T) {
	r := rec("200", domain.DirectionDebit, domain.ChannelUPI, "customer refund issued")
	result := Semantic(r)
	if result.PurposeClass != domain.PurposeRefundOrReversal {
		t.Fatalf("got %s", result.PurposeClass)
	}
}

func TestSemantic_OwnerTransferByLargeRoundAmount(t *testing.T) {
	r := rec("100000", domain.DirectionDebit, domain.ChannelBank, "")
	result := Semantic(r)
	if result.PurposeClass != domain.PurposeOwnerTransfer {
		t.Fatalf("got %s", result.PurposeClass)
	}
}

func TestSemantic_DefaultUnknown(t *testing.T) {
	r := rec("42.50", domain.DirectionCredit, domain.ChannelBank, "")
	result := Semantic(r)
	if result.PurposeClass != domain.PurposeUnknown {
		t.Fatalf("got %s", result.PurposeClass)
	}
	if result.BaseConfidence != 0.30 {
		t.Fatalf("expected default base confidence 0.30, got %v", result.BaseConfidence)
	}
}

func TestSemantic_SaleViaUPISmallTicket(t *testing.T) {
	r := rec("499", domain.DirectionCredit, domain.ChannelUPI, "")
	result := Semantic(r)
	if result.PurposeClass != domain.PurposeSale {
		t.Fatalf("got %s", result.PurposeClass)
	}
}

func TestSemantic_RecurrenceBoostsConfidence(t *testing.T) {
	r := rec("2000", domain.DirectionDebit, domain.ChannelBank, "monthly electricity bill")
	result := Semantic(r)
	if result.PurposeClass != domain.PurposeOpexOrStatutory {
		t.Fatalf("got %s", result.PurposeClass)
	}
	found := false
	for _, rule := range result.RulesFired {
		if rule == "recurrence_match" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected recurrence_match in rules fired: %v", result.RulesFired)
	}
}

func TestSemantic_FeeWithOwnerShapedAmountConflicts(t *testing.T) {
	// A fee-labeled row whose amount also looks like an owner-style
	// round transfer, with owner-keyword text, is a contradiction: the
	// fee rule still wins (higher priority), but confidence is penalized.
	r := rec("100000", domain.DirectionDebit, domain.ChannelBank, "self transfer settlement fee")
	result := Semantic(r)
	if result.PurposeClass != domain.PurposeSettlementOrFee {
		t.Fatalf("got %s", result.PurposeClass)
	}
	conflictFlagged := false
	for _, rule := range result.RulesFired {
		if rule == "signal_conflict" {
			conflictFlagged = true
		}
	}
	if !conflictFlagged {
		t.Fatalf("expected signal_conflict, rules fired: %v", result.RulesFired)
	}
	if result.BaseConfidence >= 0.85 {
		t.Fatalf("expected conflict penalty to lower confidence below base 0.85, got %v", result.BaseConfidence)
	}
}
