package ledger

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"shopledger/core/types"
	"shopledger/crypto"
)

const (
	EventTypePurchased            = "shop.purchased"
	EventTypeOrderConfirmed       = "shop.orderConfirmed"
	EventTypeRefunded             = "shop.refunded"
	EventTypeWithdrawal           = "shop.withdrawal"
	EventTypeOpened               = "shop.opened"
	EventTypeClosed               = "shop.closed"
	EventTypeOwnershipInitiated   = "shop.ownershipInitiated"
	EventTypeOwnershipTransferred = "shop.ownershipTransferred"
	EventTypeOwnershipCancelled   = "shop.ownershipCancelled"
)

// Purchased is emitted once a purchase commits.
type Purchased struct {
	Order *Order
}

func (Purchased) EventType() string { return EventTypePurchased }

func (e Purchased) Event() *types.Event {
	attrs := orderAttributes(e.Order)
	if e.Order != nil {
		attrs["createdAt"] = strconv.FormatInt(e.Order.CreatedAt, 10)
		attrs["sequence"] = strconv.FormatUint(e.Order.Sequence, 10)
	}
	return &types.Event{Type: EventTypePurchased, Attributes: attrs}
}

// OrderConfirmed is emitted when a buyer flags receipt of an order.
type OrderConfirmed struct {
	Order *Order
}

func (OrderConfirmed) EventType() string { return EventTypeOrderConfirmed }

func (e OrderConfirmed) Event() *types.Event {
	return &types.Event{Type: EventTypeOrderConfirmed, Attributes: orderAttributes(e.Order)}
}

// Refunded is emitted when a refund pays out. Amount carries the payout, not
// the original totalPaid.
type Refunded struct {
	Order  *Order
	Payout *big.Int
}

func (Refunded) EventType() string { return EventTypeRefunded }

func (e Refunded) Event() *types.Event {
	attrs := orderAttributes(e.Order)
	attrs["amount"] = formatAmount(e.Payout)
	return &types.Event{Type: EventTypeRefunded, Attributes: attrs}
}

// WithdrawalSettled is emitted for either arbiter mode.
type WithdrawalSettled struct {
	Owner  [20]byte
	Mode   WithdrawalMode
	Amount *big.Int
}

func (WithdrawalSettled) EventType() string { return EventTypeWithdrawal }

func (e WithdrawalSettled) Event() *types.Event {
	return &types.Event{Type: EventTypeWithdrawal, Attributes: map[string]string{
		"owner":  formatAddress(e.Owner),
		"mode":   e.Mode.String(),
		"amount": formatAmount(e.Amount),
	}}
}

// ShopOpened is emitted only on a closed→open transition.
type ShopOpened struct {
	Owner [20]byte
}

func (ShopOpened) EventType() string { return EventTypeOpened }

func (e ShopOpened) Event() *types.Event {
	return &types.Event{Type: EventTypeOpened, Attributes: map[string]string{
		"owner": formatAddress(e.Owner),
	}}
}

// ShopClosed is emitted on every close call, including repeats.
type ShopClosed struct {
	Owner [20]byte
}

func (ShopClosed) EventType() string { return EventTypeClosed }

func (e ShopClosed) Event() *types.Event {
	return &types.Event{Type: EventTypeClosed, Attributes: map[string]string{
		"owner": formatAddress(e.Owner),
	}}
}

// OwnershipInitiated is emitted when the owner stages a candidate.
type OwnershipInitiated struct {
	Owner     [20]byte
	Candidate [20]byte
}

func (OwnershipInitiated) EventType() string { return EventTypeOwnershipInitiated }

func (e OwnershipInitiated) Event() *types.Event {
	return &types.Event{Type: EventTypeOwnershipInitiated, Attributes: map[string]string{
		"owner":     formatAddress(e.Owner),
		"candidate": formatAddress(e.Candidate),
	}}
}

// OwnershipTransferred is emitted once a candidate accepts.
type OwnershipTransferred struct {
	PreviousOwner [20]byte
	NewOwner      [20]byte
}

func (OwnershipTransferred) EventType() string { return EventTypeOwnershipTransferred }

func (e OwnershipTransferred) Event() *types.Event {
	return &types.Event{Type: EventTypeOwnershipTransferred, Attributes: map[string]string{
		"previousOwner": formatAddress(e.PreviousOwner),
		"newOwner":      formatAddress(e.NewOwner),
	}}
}

// OwnershipCancelled is emitted when the owner revokes a staged candidate.
type OwnershipCancelled struct {
	Owner     [20]byte
	Candidate [20]byte
}

func (OwnershipCancelled) EventType() string { return EventTypeOwnershipCancelled }

func (e OwnershipCancelled) Event() *types.Event {
	return &types.Event{Type: EventTypeOwnershipCancelled, Attributes: map[string]string{
		"owner":     formatAddress(e.Owner),
		"candidate": formatAddress(e.Candidate),
	}}
}

func orderAttributes(o *Order) map[string]string {
	attrs := make(map[string]string)
	if o == nil {
		return attrs
	}
	attrs["orderId"] = hex.EncodeToString(o.ID[:])
	attrs["buyer"] = formatAddress(o.Buyer)
	attrs["amount"] = formatAmount(o.TotalPaid)
	return attrs
}

func formatAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.ShopPrefix, addr[:]).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
