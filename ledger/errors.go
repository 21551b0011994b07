package ledger

import "errors"

var (
	ErrShopClosed          = errors.New("shop: closed for purchases")
	ErrMissingTax          = errors.New("shop: payment covers the price but omits tax")
	ErrInsufficientPayment = errors.New("shop: payment below price plus tax")
	ErrExcessPayment       = errors.New("shop: payment above price plus tax")
	ErrOrderNotFound       = errors.New("shop: order not found")
	ErrNotOrderBuyer       = errors.New("shop: caller is not the order buyer")
	ErrAlreadyConfirmed    = errors.New("shop: order already confirmed")
	ErrAlreadyRefunded     = errors.New("shop: order already refunded")
	ErrRefundWindowExpired = errors.New("shop: refund window expired")
	ErrWithdrawalTaken     = errors.New("shop: partial withdrawal already taken this window")
	ErrUnauthorized        = errors.New("shop: unauthorized")
	ErrInvalidCandidate    = errors.New("shop: invalid ownership candidate")
	ErrNoPendingTransfer   = errors.New("shop: no pending ownership transfer")
	ErrTransferFailed      = errors.New("shop: balance transfer failed")
)
