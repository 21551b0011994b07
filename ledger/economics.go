package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Pricing fixes the shop's economic parameters for the life of the instance.
// Rates are rational numbers expressed as numerator/denominator pairs so the
// arithmetic stays exact; both derived amounts use truncating integer
// division and the forfeited remainder stays in the pool on purpose, keeping
// the aggregate invariants exact.
type Pricing struct {
	UnitPrice         *big.Int
	TaxNumerator      uint64
	TaxDenominator    uint64
	RefundNumerator   uint64
	RefundDenominator uint64
	// RefundWindow is the refund eligibility horizon in seconds. It also
	// scopes the partial-withdrawal permit and the quiet period required
	// for a full withdrawal.
	RefundWindow int64
}

// Validate enforces the construction-time constraints. Misconfiguration is
// rejected here, never at use time.
func (p Pricing) Validate() error {
	if p.UnitPrice == nil || p.UnitPrice.Sign() <= 0 {
		return fmt.Errorf("shop pricing: unit price must be positive")
	}
	if p.TaxDenominator == 0 {
		return fmt.Errorf("shop pricing: tax denominator must be positive")
	}
	if p.TaxNumerator > p.TaxDenominator {
		return fmt.Errorf("shop pricing: tax rate above 1.0")
	}
	if p.RefundDenominator == 0 {
		return fmt.Errorf("shop pricing: refund denominator must be positive")
	}
	if p.RefundNumerator > p.RefundDenominator {
		return fmt.Errorf("shop pricing: refund rate above 1.0")
	}
	if p.RefundWindow <= 0 {
		return fmt.Errorf("shop pricing: refund window must be positive")
	}
	return nil
}

// Clone returns a deep copy so stored pricing cannot be mutated through a
// shared UnitPrice pointer.
func (p Pricing) Clone() Pricing {
	clone := p
	if p.UnitPrice != nil {
		clone.UnitPrice = new(big.Int).Set(p.UnitPrice)
	}
	return clone
}

// TotalWithTax returns price + price*taxNum/taxDen with the quotient
// truncated toward zero.
func (p Pricing) TotalWithTax(price *big.Int) *big.Int {
	if price == nil {
		return big.NewInt(0)
	}
	tax := new(big.Int).Mul(price, new(big.Int).SetUint64(p.TaxNumerator))
	tax.Quo(tax, new(big.Int).SetUint64(p.TaxDenominator))
	return new(big.Int).Add(price, tax)
}

// RequiredPayment is the exact amount a purchase must attach: the unit price
// plus its tax.
func (p Pricing) RequiredPayment() *big.Int {
	return p.TotalWithTax(p.UnitPrice)
}

// RefundOf returns amount*refundNum/refundDen, truncated toward zero. The
// same fraction governs buyer refunds and partial-mode withdrawals.
func (p Pricing) RefundOf(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.RefundNumerator))
	return out.Quo(out, new(big.Int).SetUint64(p.RefundDenominator))
}

// Fingerprint derives a stable digest of the parameter set. Nodes pin it into
// state at genesis and refuse to boot when a restart carries different
// economics.
func (p Pricing) Fingerprint() [32]byte {
	var buf [40]byte
	binary.BigEndian.PutUint64(buf[0:8], p.TaxNumerator)
	binary.BigEndian.PutUint64(buf[8:16], p.TaxDenominator)
	binary.BigEndian.PutUint64(buf[16:24], p.RefundNumerator)
	binary.BigEndian.PutUint64(buf[24:32], p.RefundDenominator)
	binary.BigEndian.PutUint64(buf[32:40], uint64(p.RefundWindow))
	price := []byte{}
	if p.UnitPrice != nil {
		price = p.UnitPrice.Bytes()
	}
	return ethcrypto.Keccak256Hash([]byte("shop-pricing-v1"), price, buf[:])
}
