package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"shopledger/core/events"
	"shopledger/core/types"
)

var errNilState = errors.New("shop engine: state not configured")

// engineState is the engine's view of persistent ledger state. The concrete
// implementation lives in core/state; tests substitute a map-backed mock.
type engineState interface {
	OrderPut(*Order) error
	OrderGet(id [32]byte) (*Order, bool)
	OrderIndexAppend(id [32]byte) error
	SequenceHead(buyer [20]byte) (uint64, error)
	SetSequenceHead(buyer [20]byte, next uint64) error
	ConfirmedTotal() (*big.Int, error)
	SetConfirmedTotal(*big.Int) error
	LastPurchaseAt() (int64, error)
	SetLastPurchaseAt(int64) error
	PartialWithdrawalTaken() (bool, error)
	SetPartialWithdrawalTaken(bool) error
	ShopOpen() (bool, error)
	SetShopOpen(bool) error
	ShopOwner() ([20]byte, error)
	SetShopOwner([20]byte) error
	PendingShopOwner() ([20]byte, error)
	SetPendingShopOwner([20]byte) error
	ShopVaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Engine wires the shop's order/fund-custody state machine to external state
// and event emitters. Every operation assumes it runs serialized inside a
// transactional overlay supplied by the caller; the engine itself applies the
// mutate-before-transfer ordering so a reentrant observer of the value
// transfer can never see stale flags or aggregates.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pricing Pricing
	nowFn   func() int64
}

// NewEngine validates the economics once, at construction, and returns an
// engine with a no-op emitter. Callers override the emitter via SetEmitter.
func NewEngine(pricing Pricing) (*Engine, error) {
	if err := pricing.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		pricing: pricing.Clone(),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Pricing returns a copy of the engine's immutable economics.
func (e *Engine) Pricing() Pricing { return e.pricing.Clone() }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Purchase escrows an exact price-plus-tax payment from the buyer into the
// pool and mints the buyer's next order. The payment must match
// TotalWithTax(UnitPrice) to the unit; any slack would either strand buyer
// funds or silently corrupt the confirmed/unconfirmed split.
func (e *Engine) Purchase(buyer [20]byte, payment *big.Int) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	open, err := e.state.ShopOpen()
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, ErrShopClosed
	}
	pay := cloneBigInt(payment)
	if pay.Sign() < 0 {
		return nil, fmt.Errorf("shop: negative payment")
	}
	required := e.pricing.RequiredPayment()
	switch pay.Cmp(required) {
	case -1:
		if e.pricing.UnitPrice != nil && pay.Cmp(e.pricing.UnitPrice) == 0 {
			return nil, ErrMissingTax
		}
		return nil, ErrInsufficientPayment
	case 1:
		return nil, ErrExcessPayment
	}
	sequence, err := e.state.SequenceHead(buyer)
	if err != nil {
		return nil, err
	}
	id := OrderIDFor(buyer, sequence)
	if _, exists := e.state.OrderGet(id); exists {
		return nil, fmt.Errorf("shop: order id collision for buyer %x sequence %d", buyer, sequence)
	}
	now := e.now()
	order := &Order{
		ID:        id,
		Buyer:     buyer,
		Sequence:  sequence,
		TotalPaid: pay,
		CreatedAt: now,
	}
	vault, err := e.state.ShopVaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferValue(buyer, vault, pay); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.OrderPut(order); err != nil {
		return nil, err
	}
	if err := e.state.OrderIndexAppend(id); err != nil {
		return nil, err
	}
	if err := e.state.SetSequenceHead(buyer, sequence+1); err != nil {
		return nil, err
	}
	if err := e.state.SetLastPurchaseAt(now); err != nil {
		return nil, err
	}
	e.emit(Purchased{Order: order.Clone()})
	return order.Clone(), nil
}

// Confirm marks an order as received by its buyer and folds its amount into
// the confirmed total. Confirmation never revokes the refund right; it only
// shields the funds from partial-mode withdrawal while the window runs.
func (e *Engine) Confirm(caller [20]byte, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if order.Buyer != caller {
		return ErrNotOrderBuyer
	}
	if order.Refunded {
		return ErrAlreadyRefunded
	}
	if order.Confirmed {
		return ErrAlreadyConfirmed
	}
	order.Confirmed = true
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	total, err := e.state.ConfirmedTotal()
	if err != nil {
		return err
	}
	if err := e.state.SetConfirmedTotal(new(big.Int).Add(total, order.TotalPaid)); err != nil {
		return err
	}
	e.emit(OrderConfirmed{Order: order.Clone()})
	return nil
}

// Refund pays the buyer the refund fraction of an order within the window
// (boundary inclusive) and returns the payout. State mutations land strictly
// before the outbound transfer: flag, then aggregate, then value movement.
func (e *Engine) Refund(caller [20]byte, id [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Buyer != caller {
		return nil, ErrNotOrderBuyer
	}
	if e.now() > order.RefundDeadline(e.pricing.RefundWindow) {
		return nil, ErrRefundWindowExpired
	}
	if order.Refunded {
		return nil, ErrAlreadyRefunded
	}
	payout := e.pricing.RefundOf(order.TotalPaid)
	order.Refunded = true
	if err := e.state.OrderPut(order); err != nil {
		return nil, err
	}
	if order.Confirmed {
		total, err := e.state.ConfirmedTotal()
		if err != nil {
			return nil, err
		}
		remaining := new(big.Int).Sub(total, order.TotalPaid)
		if remaining.Sign() < 0 {
			return nil, fmt.Errorf("shop: confirmed total underflow refunding order %x", id)
		}
		if err := e.state.SetConfirmedTotal(remaining); err != nil {
			return nil, err
		}
	}
	vault, err := e.state.ShopVaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferValue(vault, order.Buyer, payout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(Refunded{Order: order.Clone(), Payout: new(big.Int).Set(payout)})
	return payout, nil
}

// Withdraw settles owner proceeds under the dual-mode arbiter. Quiet shops
// (no purchase for a full window) drain the whole pool and reset the
// aggregates; active shops are confined to one partial withdrawal per window,
// sized as the refund fraction of unconfirmed funds only, so every confirmed
// order stays provably refundable until its window lapses.
func (e *Engine) Withdraw(caller [20]byte) (*Withdrawal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	vault, err := e.state.ShopVaultAddress()
	if err != nil {
		return nil, err
	}
	pool, err := e.balanceOf(vault)
	if err != nil {
		return nil, err
	}
	last, err := e.state.LastPurchaseAt()
	if err != nil {
		return nil, err
	}

	var settled *Withdrawal
	if e.now() > last+e.pricing.RefundWindow {
		// Full mode: every outstanding refund right has expired.
		if err := e.state.SetConfirmedTotal(big.NewInt(0)); err != nil {
			return nil, err
		}
		if err := e.state.SetPartialWithdrawalTaken(false); err != nil {
			return nil, err
		}
		if err := e.transferValue(vault, caller, pool); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		settled = &Withdrawal{Mode: WithdrawFull, Amount: pool}
	} else {
		taken, err := e.state.PartialWithdrawalTaken()
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, ErrWithdrawalTaken
		}
		confirmed, err := e.state.ConfirmedTotal()
		if err != nil {
			return nil, err
		}
		unconfirmed := new(big.Int).Sub(pool, confirmed)
		if unconfirmed.Sign() < 0 {
			return nil, fmt.Errorf("shop: confirmed total exceeds pool balance")
		}
		amount := e.pricing.RefundOf(unconfirmed)
		// A zero payout still consumes the window's permit.
		if err := e.state.SetPartialWithdrawalTaken(true); err != nil {
			return nil, err
		}
		if err := e.transferValue(vault, caller, amount); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		settled = &Withdrawal{Mode: WithdrawPartial, Amount: amount}
	}
	e.emit(WithdrawalSettled{Owner: caller, Mode: settled.Mode, Amount: cloneBigInt(settled.Amount)})
	return settled, nil
}

// OpenShop raises the purchase gate. Re-opening an open shop is a silent
// no-op.
func (e *Engine) OpenShop(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	open, err := e.state.ShopOpen()
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	if err := e.state.SetShopOpen(true); err != nil {
		return err
	}
	e.emit(ShopOpened{Owner: caller})
	return nil
}

// CloseShop lowers the purchase gate. Closing always re-asserts the closed
// state and signals the transition, even when already closed. Existing
// orders keep their refund and confirmation rights.
func (e *Engine) CloseShop(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if err := e.state.SetShopOpen(false); err != nil {
		return err
	}
	e.emit(ShopClosed{Owner: caller})
	return nil
}

// InitiateTransfer stages an ownership candidate, overwriting any prior
// pending candidate. The zero address and the owner itself are rejected.
func (e *Engine) InitiateTransfer(caller, candidate [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if candidate == ([20]byte{}) || candidate == caller {
		return ErrInvalidCandidate
	}
	if err := e.state.SetPendingShopOwner(candidate); err != nil {
		return err
	}
	e.emit(OwnershipInitiated{Owner: caller, Candidate: candidate})
	return nil
}

// AcceptTransfer completes the handover: only the staged candidate may call,
// and the pending slot is cleared atomically with the owner swap.
func (e *Engine) AcceptTransfer(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	pending, err := e.state.PendingShopOwner()
	if err != nil {
		return err
	}
	if pending == ([20]byte{}) {
		return ErrNoPendingTransfer
	}
	if caller != pending {
		return ErrUnauthorized
	}
	previous, err := e.state.ShopOwner()
	if err != nil {
		return err
	}
	if err := e.state.SetShopOwner(pending); err != nil {
		return err
	}
	if err := e.state.SetPendingShopOwner([20]byte{}); err != nil {
		return err
	}
	e.emit(OwnershipTransferred{PreviousOwner: previous, NewOwner: pending})
	return nil
}

// CancelTransfer revokes a staged candidate without altering ownership.
func (e *Engine) CancelTransfer(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	pending, err := e.state.PendingShopOwner()
	if err != nil {
		return err
	}
	if pending == ([20]byte{}) {
		return ErrNoPendingTransfer
	}
	if err := e.state.SetPendingShopOwner([20]byte{}); err != nil {
		return err
	}
	e.emit(OwnershipCancelled{Owner: caller, Candidate: pending})
	return nil
}

// Order returns a copy of the stored order.
func (e *Engine) Order(id [32]byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadOrder(id)
}

// PoolBalance reports the vault's current balance.
func (e *Engine) PoolBalance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	vault, err := e.state.ShopVaultAddress()
	if err != nil {
		return nil, err
	}
	return e.balanceOf(vault)
}

// Status assembles a read-only snapshot of the shop's global state.
func (e *Engine) Status() (*Status, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	owner, err := e.state.ShopOwner()
	if err != nil {
		return nil, err
	}
	pending, err := e.state.PendingShopOwner()
	if err != nil {
		return nil, err
	}
	open, err := e.state.ShopOpen()
	if err != nil {
		return nil, err
	}
	pool, err := e.PoolBalance()
	if err != nil {
		return nil, err
	}
	confirmed, err := e.state.ConfirmedTotal()
	if err != nil {
		return nil, err
	}
	last, err := e.state.LastPurchaseAt()
	if err != nil {
		return nil, err
	}
	taken, err := e.state.PartialWithdrawalTaken()
	if err != nil {
		return nil, err
	}
	return &Status{
		Owner:                  owner,
		PendingOwner:           pending,
		Open:                   open,
		PoolBalance:            pool,
		ConfirmedTotal:         cloneBigInt(confirmed),
		LastPurchaseAt:         last,
		PartialWithdrawalTaken: taken,
		Pricing:                e.pricing.Clone(),
	}, nil
}

func (e *Engine) loadOrder(id [32]byte) (*Order, error) {
	order, ok := e.state.OrderGet(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	return SanitizeOrder(order)
}

func (e *Engine) requireOwner(caller [20]byte) error {
	owner, err := e.state.ShopOwner()
	if err != nil {
		return err
	}
	if owner != caller {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) balanceOf(addr [20]byte) (*big.Int, error) {
	account, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	account = ensureAccount(account)
	return new(big.Int).Set(account.Balance), nil
}

func (e *Engine) transferValue(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("shop: negative transfer amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("shop: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return err
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureDefaults()
	return acc
}
