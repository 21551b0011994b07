package state

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"shopledger/ledger"
)

var (
	shopOrderPrefix       = []byte("shop/order/")
	shopSequencePrefix    = []byte("shop/sequence/")
	shopOrderIndexKey     = []byte("shop/order-index")
	shopConfirmedTotalKey = []byte("shop/confirmed-total")
	shopLastPurchaseKey   = []byte("shop/last-purchase")
	shopPartialTakenKey   = []byte("shop/partial-taken")
	shopOpenKey           = []byte("shop/open")
	shopOwnerKey          = []byte("shop/owner")
	shopPendingOwnerKey   = []byte("shop/pending-owner")
	shopPricingKey        = []byte("shop/pricing-fingerprint")

	shopVaultSeed = []byte("shop/vault/v1")

	// ErrPricingMismatch indicates the configured economics diverge from the
	// fingerprint pinned when the ledger was first initialised.
	ErrPricingMismatch = errors.New("state: pricing fingerprint mismatch")
)

func shopOrderKey(id [32]byte) []byte {
	buf := make([]byte, len(shopOrderPrefix)+len(id))
	copy(buf, shopOrderPrefix)
	copy(buf[len(shopOrderPrefix):], id[:])
	return buf
}

func shopSequenceKey(buyer [20]byte) []byte {
	buf := make([]byte, len(shopSequencePrefix)+len(buyer))
	copy(buf, shopSequencePrefix)
	copy(buf[len(shopSequencePrefix):], buyer[:])
	return buf
}

// VaultAddress derives the address holding escrowed purchase funds. The vault
// is a pure custody account: no private key exists for it, so funds only move
// through ledger operations.
func VaultAddress() [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256(shopVaultSeed)
	copy(addr[:], hash[12:])
	return addr
}

// storedOrder mirrors ledger.Order in deterministic RLP-friendly form. The id
// is omitted because it is derivable from buyer and sequence; timestamps are
// stored unsigned.
type storedOrder struct {
	Buyer     [20]byte
	Sequence  uint64
	TotalPaid *big.Int
	CreatedAt uint64
	Confirmed bool
	Refunded  bool
}

func newStoredOrder(order *ledger.Order) *storedOrder {
	if order == nil {
		order = &ledger.Order{}
	}
	ts := order.CreatedAt
	if ts < 0 {
		ts = 0
	}
	stored := &storedOrder{
		Buyer:     order.Buyer,
		Sequence:  order.Sequence,
		TotalPaid: big.NewInt(0),
		CreatedAt: uint64(ts),
		Confirmed: order.Confirmed,
		Refunded:  order.Refunded,
	}
	if order.TotalPaid != nil {
		stored.TotalPaid = new(big.Int).Set(order.TotalPaid)
	}
	return stored
}

func (s *storedOrder) toOrder(id [32]byte) *ledger.Order {
	if s == nil {
		return nil
	}
	order := &ledger.Order{
		ID:        id,
		Buyer:     s.Buyer,
		Sequence:  s.Sequence,
		TotalPaid: big.NewInt(0),
		Confirmed: s.Confirmed,
		Refunded:  s.Refunded,
	}
	if s.CreatedAt <= math.MaxInt64 {
		order.CreatedAt = int64(s.CreatedAt)
	}
	if s.TotalPaid != nil {
		order.TotalPaid = new(big.Int).Set(s.TotalPaid)
	}
	return order
}

// OrderPut persists the provided order under its identifier. Orders are
// validated before they are written so corrupted records never reach the
// store.
func (m *Manager) OrderPut(order *ledger.Order) error {
	sanitized, err := ledger.SanitizeOrder(order)
	if err != nil {
		return err
	}
	return m.KVPut(shopOrderKey(sanitized.ID), newStoredOrder(sanitized))
}

// OrderGet loads the order stored under the supplied identifier. The boolean
// reports presence; records that fail validation are treated as absent.
func (m *Manager) OrderGet(id [32]byte) (*ledger.Order, bool) {
	var stored storedOrder
	ok, err := m.KVGet(shopOrderKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	order, err := ledger.SanitizeOrder(stored.toOrder(id))
	if err != nil {
		return nil, false
	}
	return order, true
}

// OrderIndexAppend records the identifier in the global order index. The
// index preserves insertion order and ignores duplicates.
func (m *Manager) OrderIndexAppend(id [32]byte) error {
	return m.KVAppend(shopOrderIndexKey, id[:])
}

// OrderIndex returns every order identifier in insertion order.
func (m *Manager) OrderIndex() ([][32]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(shopOrderIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([][32]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 32 {
			return nil, fmt.Errorf("state: malformed order index entry of %d bytes", len(entry))
		}
		var id [32]byte
		copy(id[:], entry)
		ids = append(ids, id)
	}
	return ids, nil
}

// SequenceHead returns the next unused purchase sequence for the buyer.
func (m *Manager) SequenceHead(buyer [20]byte) (uint64, error) {
	var head uint64
	ok, err := m.KVGet(shopSequenceKey(buyer), &head)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return head, nil
}

// SetSequenceHead advances the buyer's purchase sequence head.
func (m *Manager) SetSequenceHead(buyer [20]byte, next uint64) error {
	return m.KVPut(shopSequenceKey(buyer), next)
}

// ConfirmedTotal returns the aggregate of confirmed, unrefunded order totals.
func (m *Manager) ConfirmedTotal() (*big.Int, error) {
	total := big.NewInt(0)
	ok, err := m.KVGet(shopConfirmedTotalKey, total)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return total, nil
}

// SetConfirmedTotal stores the confirmed aggregate. Negative values are
// rejected because the encoding is unsigned.
func (m *Manager) SetConfirmedTotal(total *big.Int) error {
	if total == nil {
		return fmt.Errorf("state: confirmed total must not be nil")
	}
	if total.Sign() < 0 {
		return fmt.Errorf("state: confirmed total must not be negative")
	}
	return m.KVPut(shopConfirmedTotalKey, total)
}

// LastPurchaseAt returns the unix timestamp of the most recent purchase, or
// zero when no purchase has ever been recorded.
func (m *Manager) LastPurchaseAt() (int64, error) {
	var stored uint64
	ok, err := m.KVGet(shopLastPurchaseKey, &stored)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if stored > math.MaxInt64 {
		return 0, fmt.Errorf("state: last purchase timestamp overflow: %d", stored)
	}
	return int64(stored), nil
}

// SetLastPurchaseAt records the timestamp of the latest accepted purchase.
func (m *Manager) SetLastPurchaseAt(ts int64) error {
	if ts < 0 {
		ts = 0
	}
	return m.KVPut(shopLastPurchaseKey, uint64(ts))
}

// PartialWithdrawalTaken reports whether the current refund window's partial
// withdrawal permit has been consumed.
func (m *Manager) PartialWithdrawalTaken() (bool, error) {
	var taken bool
	ok, err := m.KVGet(shopPartialTakenKey, &taken)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return taken, nil
}

// SetPartialWithdrawalTaken stores the partial withdrawal permit flag.
func (m *Manager) SetPartialWithdrawalTaken(taken bool) error {
	return m.KVPut(shopPartialTakenKey, taken)
}

// ShopOpen reports whether the shop accepts purchases. Uninitialised state
// reads as closed.
func (m *Manager) ShopOpen() (bool, error) {
	var open bool
	ok, err := m.KVGet(shopOpenKey, &open)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return open, nil
}

// SetShopOpen stores the purchase gate flag.
func (m *Manager) SetShopOpen(open bool) error {
	return m.KVPut(shopOpenKey, open)
}

// ShopOwner returns the current owner address. The zero address means state
// has not been initialised yet.
func (m *Manager) ShopOwner() ([20]byte, error) {
	return m.getAddress(shopOwnerKey)
}

// SetShopOwner stores the owner address.
func (m *Manager) SetShopOwner(owner [20]byte) error {
	return m.KVPut(shopOwnerKey, owner)
}

// PendingShopOwner returns the candidate of an in-flight ownership handover.
// The zero address means no handover is pending.
func (m *Manager) PendingShopOwner() ([20]byte, error) {
	return m.getAddress(shopPendingOwnerKey)
}

// SetPendingShopOwner stores the handover candidate. Writing the zero address
// clears the pending handover.
func (m *Manager) SetPendingShopOwner(candidate [20]byte) error {
	return m.KVPut(shopPendingOwnerKey, candidate)
}

// ShopVaultAddress returns the address funds are escrowed under.
func (m *Manager) ShopVaultAddress() ([20]byte, error) {
	return VaultAddress(), nil
}

func (m *Manager) getAddress(key []byte) ([20]byte, error) {
	var addr [20]byte
	ok, err := m.KVGet(key, &addr)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, nil
	}
	return addr, nil
}

// PricingFingerprint returns the pinned economics fingerprint and whether one
// has been recorded.
func (m *Manager) PricingFingerprint() ([32]byte, bool, error) {
	var stored [32]byte
	ok, err := m.KVGet(shopPricingKey, &stored)
	if err != nil {
		return [32]byte{}, false, err
	}
	if !ok {
		return [32]byte{}, false, nil
	}
	return stored, true, nil
}

// SetPricingFingerprint pins the economics fingerprint in state.
func (m *Manager) SetPricingFingerprint(fingerprint [32]byte) error {
	return m.KVPut(shopPricingKey, fingerprint)
}

// EnsurePricingFingerprint pins the configured economics on first
// initialisation and rejects any later divergence, so a reconfigured node
// cannot silently change the terms existing orders were sold under.
func (m *Manager) EnsurePricingFingerprint(fingerprint [32]byte) error {
	stored, ok, err := m.PricingFingerprint()
	if err != nil {
		return err
	}
	if !ok {
		return m.SetPricingFingerprint(fingerprint)
	}
	if stored != fingerprint {
		return fmt.Errorf("%w: on-disk=%x configured=%x", ErrPricingMismatch, stored, fingerprint)
	}
	return nil
}
