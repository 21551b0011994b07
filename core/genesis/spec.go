// core/genesis/spec.go
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"shopledger/crypto"
	"shopledger/ledger"
)

// GenesisSpec describes the initial ledger state: the seated owner, the
// economics pinned for the lifetime of the shop, whether the purchase gate
// starts open, and any pre-funded accounts.
type GenesisSpec struct {
	Owner   string            `json:"owner"`
	Open    *bool             `json:"open,omitempty"`
	Pricing PricingSpec       `json:"pricing"`
	Alloc   map[string]string `json:"alloc,omitempty"` // addr -> amount

	ownerAddr [20]byte
	pricing   ledger.Pricing
	allocs    []allocEntry
}

// PricingSpec carries the shop economics in JSON form. Amounts are decimal
// strings so arbitrarily large values survive the trip.
type PricingSpec struct {
	UnitPrice           string `json:"unitPrice"`
	TaxNumerator        uint64 `json:"taxNumerator"`
	TaxDenominator      uint64 `json:"taxDenominator"`
	RefundNumerator     uint64 `json:"refundNumerator"`
	RefundDenominator   uint64 `json:"refundDenominator"`
	RefundWindowSeconds int64  `json:"refundWindowSeconds"`
}

type allocEntry struct {
	addr   [20]byte
	amount *big.Int
}

// LoadGenesisSpec reads and validates the genesis spec at the provided path.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// Validate parses and checks every field, caching the decoded forms for the
// accessors below. It must be called before OwnerAddress, EconomicsValue or
// Allocations.
func (s *GenesisSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	owner, err := crypto.DecodeShopAddress(s.Owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("owner must not be the zero address")
	}
	s.ownerAddr = owner

	unitPrice, err := parseAmountString(s.Pricing.UnitPrice)
	if err != nil {
		return fmt.Errorf("pricing.unitPrice: %w", err)
	}
	pricing := ledger.Pricing{
		UnitPrice:         unitPrice,
		TaxNumerator:      s.Pricing.TaxNumerator,
		TaxDenominator:    s.Pricing.TaxDenominator,
		RefundNumerator:   s.Pricing.RefundNumerator,
		RefundDenominator: s.Pricing.RefundDenominator,
		RefundWindow:      s.Pricing.RefundWindowSeconds,
	}
	if err := pricing.Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	s.pricing = pricing

	addresses := make([]string, 0, len(s.Alloc))
	for addr := range s.Alloc {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)
	allocs := make([]allocEntry, 0, len(addresses))
	for _, addrStr := range addresses {
		addr, err := crypto.DecodeShopAddress(addrStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		amount, err := parseAmountString(s.Alloc[addrStr])
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		allocs = append(allocs, allocEntry{addr: addr, amount: amount})
	}
	s.allocs = allocs
	return nil
}

// OwnerAddress returns the decoded owner address.
func (s *GenesisSpec) OwnerAddress() [20]byte { return s.ownerAddr }

// EconomicsValue returns the validated pricing parameters.
func (s *GenesisSpec) EconomicsValue() ledger.Pricing { return s.pricing.Clone() }

// OpenAtGenesis reports whether the purchase gate starts open. Absent fields
// default to open, matching a freshly launched shop ready to sell.
func (s *GenesisSpec) OpenAtGenesis() bool {
	if s.Open == nil {
		return true
	}
	return *s.Open
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
