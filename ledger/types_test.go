package ledger

import (
	"math/big"
	"testing"
)

func TestOrderIDForIsDeterministic(t *testing.T) {
	buyer := newTestAddress(0x01)
	other := newTestAddress(0x02)

	if OrderIDFor(buyer, 0) != OrderIDFor(buyer, 0) {
		t.Fatal("same inputs must derive the same id")
	}
	if OrderIDFor(buyer, 0) == OrderIDFor(buyer, 1) {
		t.Fatal("different sequences must derive different ids")
	}
	if OrderIDFor(buyer, 0) == OrderIDFor(other, 0) {
		t.Fatal("different buyers must derive different ids")
	}
}

func TestSanitizeOrderRejectsCorruption(t *testing.T) {
	buyer := newTestAddress(0x01)
	valid := &Order{
		ID:        OrderIDFor(buyer, 3),
		Buyer:     buyer,
		Sequence:  3,
		TotalPaid: big.NewInt(110),
		CreatedAt: testNow,
	}
	if _, err := SanitizeOrder(valid); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}

	if _, err := SanitizeOrder(nil); err == nil {
		t.Fatal("expected nil order rejection")
	}

	zeroAmount := valid.Clone()
	zeroAmount.TotalPaid = big.NewInt(0)
	if _, err := SanitizeOrder(zeroAmount); err == nil {
		t.Fatal("expected zero amount rejection")
	}

	wrongID := valid.Clone()
	wrongID.Sequence = 4
	if _, err := SanitizeOrder(wrongID); err == nil {
		t.Fatal("expected id mismatch rejection")
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	buyer := newTestAddress(0x01)
	order := &Order{
		ID:        OrderIDFor(buyer, 0),
		Buyer:     buyer,
		TotalPaid: big.NewInt(110),
		CreatedAt: testNow,
	}
	clone := order.Clone()
	clone.TotalPaid.SetInt64(1)
	clone.Confirmed = true

	if order.TotalPaid.Cmp(big.NewInt(110)) != 0 {
		t.Fatal("clone shares the TotalPaid pointer")
	}
	if order.Confirmed {
		t.Fatal("clone shares flag state")
	}
}

func TestRefundDeadline(t *testing.T) {
	order := &Order{CreatedAt: testNow}
	if got := order.RefundDeadline(testWindow); got != testNow+testWindow {
		t.Fatalf("expected deadline %d, got %d", testNow+testWindow, got)
	}
}

func TestWithdrawalModeString(t *testing.T) {
	if WithdrawFull.String() != "full" || WithdrawPartial.String() != "partial" {
		t.Fatal("unexpected mode rendering")
	}
}
