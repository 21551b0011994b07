// core/genesis/loader.go
package genesis

import (
	"fmt"

	"shopledger/core/state"
	"shopledger/storage"
)

// Initialize applies the genesis spec to an empty database or, when state
// already exists, verifies that the stored schema version and pinned pricing
// fingerprint match the supplied spec. The boolean reports whether genesis was
// applied on this call.
//
// All writes go through a single state overlay and commit atomically, so a
// failed initialisation leaves the database empty.
func Initialize(db storage.Database, spec *GenesisSpec) (bool, error) {
	if db == nil {
		return false, fmt.Errorf("database must not be nil")
	}
	if spec == nil {
		return false, fmt.Errorf("genesis spec must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return false, err
	}

	manager := state.NewManager(db)
	_, initialized, err := manager.StateVersion()
	if err != nil {
		return false, err
	}
	if initialized {
		if err := state.EnsureStateVersion(db, false); err != nil {
			return false, err
		}
		if err := manager.EnsurePricingFingerprint(spec.EconomicsValue().Fingerprint()); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := manager.SetStateVersion(state.StateVersion); err != nil {
		return false, err
	}
	if err := manager.SetPricingFingerprint(spec.EconomicsValue().Fingerprint()); err != nil {
		return false, err
	}
	if err := manager.SetShopOwner(spec.OwnerAddress()); err != nil {
		return false, err
	}
	if err := manager.SetShopOpen(spec.OpenAtGenesis()); err != nil {
		return false, err
	}

	for _, alloc := range spec.allocs {
		account, err := manager.GetAccount(alloc.addr[:])
		if err != nil {
			return false, fmt.Errorf("load account %x: %w", alloc.addr, err)
		}
		account.Balance = alloc.amount
		if err := manager.PutAccount(alloc.addr[:], account); err != nil {
			return false, fmt.Errorf("persist account %x: %w", alloc.addr, err)
		}
	}

	if err := manager.Commit(); err != nil {
		return false, fmt.Errorf("commit genesis state: %w", err)
	}
	return true, nil
}
