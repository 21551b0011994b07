package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Order captures a single escrowed purchase. Everything except the two flags
// is fixed at creation; the flags each flip false→true at most once and the
// record is never deleted, so the ledger doubles as a permanent audit trail.
type Order struct {
	ID        [32]byte
	Buyer     [20]byte
	Sequence  uint64
	TotalPaid *big.Int
	CreatedAt int64
	Confirmed bool
	Refunded  bool
}

// OrderIDFor derives the deterministic identifier for a buyer's nth purchase:
// keccak256(buyer ‖ sequence). Anyone who knows the buyer address and their
// purchase count can recompute it — the id is a lookup key, not a secret.
func OrderIDFor(buyer [20]byte, sequence uint64) [32]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	return ethcrypto.Keccak256Hash(buyer[:], seq[:])
}

// Clone returns a deep copy so callers can mutate the copy without touching
// the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.TotalPaid != nil {
		clone.TotalPaid = new(big.Int).Set(o.TotalPaid)
	} else {
		clone.TotalPaid = big.NewInt(0)
	}
	return &clone
}

// RefundDeadline is the last instant (inclusive) at which the order may still
// be refunded.
func (o *Order) RefundDeadline(window int64) int64 {
	if o == nil {
		return 0
	}
	return o.CreatedAt + window
}

// SanitizeOrder validates a loaded order and returns a normalised clone. It
// guards against corrupted persistence: a mismatched id or a non-positive
// amount means the stored bytes cannot have come from an accepted purchase.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("shop: nil order")
	}
	clone := o.Clone()
	if clone.TotalPaid.Sign() <= 0 {
		return nil, fmt.Errorf("shop: order %x has non-positive amount", clone.ID)
	}
	if clone.ID != OrderIDFor(clone.Buyer, clone.Sequence) {
		return nil, fmt.Errorf("shop: order id does not match buyer and sequence")
	}
	return clone, nil
}

// WithdrawalMode distinguishes the two arbiter outcomes.
type WithdrawalMode uint8

const (
	// WithdrawPartial pays the refund fraction of unconfirmed funds only,
	// at most once per refund window.
	WithdrawPartial WithdrawalMode = iota
	// WithdrawFull drains the pool after a full quiet window with no
	// purchases.
	WithdrawFull
)

// String renders the mode for events and RPC results.
func (m WithdrawalMode) String() string {
	switch m {
	case WithdrawFull:
		return "full"
	case WithdrawPartial:
		return "partial"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Withdrawal reports the arbiter's decision for one successful withdraw call.
type Withdrawal struct {
	Mode   WithdrawalMode
	Amount *big.Int
}

// Status is a point-in-time snapshot of the shop's global state, assembled
// for reads only.
type Status struct {
	Owner                  [20]byte
	PendingOwner           [20]byte
	Open                   bool
	PoolBalance            *big.Int
	ConfirmedTotal         *big.Int
	LastPurchaseAt         int64
	PartialWithdrawalTaken bool
	Pricing                Pricing
}
