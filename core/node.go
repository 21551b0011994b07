package core

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"shopledger/core/events"
	"shopledger/core/genesis"
	"shopledger/core/state"
	"shopledger/core/types"
	"shopledger/ledger"
	"shopledger/observability"
	"shopledger/storage"
)

// Node is the central controller, wiring the ledger engine to persistent
// state and the event feed. Operations are serialised behind a single mutex
// and each runs on a fresh state overlay: success commits the overlay as one
// atomic batch and only then publishes the buffered events, failure discards
// the overlay wholesale so partial writes never become visible.
type Node struct {
	db             storage.Database
	pricing        ledger.Pricing
	vault          [20]byte
	genesisApplied bool
	nowFn          func() int64

	stateMu sync.Mutex

	streamMu      sync.Mutex
	streamSeq     uint64
	streamNextID  uint64
	streamSubs    map[uint64]chan EventUpdate
	streamHistory []EventUpdate
}

// NewNode applies the genesis spec to a fresh database, or verifies the
// stored schema version and pinned economics on restart, and returns a ready
// node.
func NewNode(db storage.Database, spec *genesis.GenesisSpec) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database must not be nil")
	}
	applied, err := genesis.Initialize(db, spec)
	if err != nil {
		return nil, err
	}
	return &Node{
		db:             db,
		pricing:        spec.EconomicsValue(),
		vault:          state.VaultAddress(),
		genesisApplied: applied,
	}, nil
}

// GenesisApplied reports whether this process initialised the database, as
// opposed to reopening previously committed state.
func (n *Node) GenesisApplied() bool { return n.genesisApplied }

// Pricing returns the economics the node was initialised with.
func (n *Node) Pricing() ledger.Pricing { return n.pricing.Clone() }

// VaultAddress returns the custody address purchases escrow into.
func (n *Node) VaultAddress() [20]byte { return n.vault }

// SetNowFunc overrides the engine time source. Tests use it for deterministic
// refund-window arithmetic.
func (n *Node) SetNowFunc(now func() int64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.nowFn = now
}

func (n *Node) newShopEngine(manager *state.Manager, emitter events.Emitter) (*ledger.Engine, error) {
	engine, err := ledger.NewEngine(n.pricing)
	if err != nil {
		return nil, err
	}
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	if n.nowFn != nil {
		engine.SetNowFunc(n.nowFn)
	}
	return engine, nil
}

// execute runs a mutating ledger operation: fresh overlay, buffered events,
// commit on success, discard on failure, publish after commit.
func (n *Node) execute(op string, fn func(*ledger.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	start := time.Now()
	manager := state.NewManager(n.db)
	buffer := &events.Buffer{}
	engine, err := n.newShopEngine(manager, buffer)
	if err != nil {
		return err
	}
	err = fn(engine)
	if err == nil {
		err = manager.Commit()
	}
	observability.Ledger().Observe(op, time.Since(start), err)
	if err != nil {
		manager.Discard()
		return err
	}
	n.recordPoolGauges(manager)
	n.publishEvents(buffer.Drain())
	return nil
}

// recordPoolGauges refreshes the vault and confirmed-pool gauges from freshly
// committed state. Gauge staleness on a read error is acceptable; the ledger
// itself never depends on metrics.
func (n *Node) recordPoolGauges(manager *state.Manager) {
	metrics := observability.Ledger()
	account, err := manager.GetAccount(n.vault[:])
	if err == nil {
		confirmed, cErr := manager.ConfirmedTotal()
		if cErr == nil {
			metrics.RecordPool(account.Balance, confirmed)
		}
	}
	if open, err := manager.ShopOpen(); err == nil {
		metrics.SetOpen(open)
	}
}

// view runs a read-only function against a fresh overlay. Nothing commits.
func (n *Node) view(fn func(*ledger.Engine, *state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine, err := n.newShopEngine(manager, nil)
	if err != nil {
		return err
	}
	return fn(engine, manager)
}

// Purchase escrows an exact-price-plus-tax payment from the buyer and records
// the resulting order.
func (n *Node) Purchase(buyer [20]byte, payment *big.Int) (*ledger.Order, error) {
	var order *ledger.Order
	err := n.execute("purchase", func(engine *ledger.Engine) error {
		var opErr error
		order, opErr = engine.Purchase(buyer, payment)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Confirm marks the buyer's order as received, moving its funds into the
// confirmed aggregate the withdrawal arbiter protects.
func (n *Node) Confirm(caller [20]byte, id [32]byte) error {
	return n.execute("confirm", func(engine *ledger.Engine) error {
		return engine.Confirm(caller, id)
	})
}

// Refund pays the buyer back the refund fraction of their order while the
// window is still open and returns the payout.
func (n *Node) Refund(caller [20]byte, id [32]byte) (*big.Int, error) {
	var payout *big.Int
	err := n.execute("refund", func(engine *ledger.Engine) error {
		var opErr error
		payout, opErr = engine.Refund(caller, id)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// Withdraw runs the owner's dual-mode withdrawal and reports which mode paid
// out how much.
func (n *Node) Withdraw(caller [20]byte) (*ledger.Withdrawal, error) {
	var withdrawal *ledger.Withdrawal
	err := n.execute("withdraw", func(engine *ledger.Engine) error {
		var opErr error
		withdrawal, opErr = engine.Withdraw(caller)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return withdrawal, nil
}

// OpenShop lifts the purchase gate.
func (n *Node) OpenShop(caller [20]byte) error {
	return n.execute("open", func(engine *ledger.Engine) error {
		return engine.OpenShop(caller)
	})
}

// CloseShop lowers the purchase gate. Confirm, refund and withdraw stay
// available while closed.
func (n *Node) CloseShop(caller [20]byte) error {
	return n.execute("close", func(engine *ledger.Engine) error {
		return engine.CloseShop(caller)
	})
}

// InitiateTransfer nominates a candidate for the two-step ownership handover.
func (n *Node) InitiateTransfer(caller, candidate [20]byte) error {
	return n.execute("transfer_initiate", func(engine *ledger.Engine) error {
		return engine.InitiateTransfer(caller, candidate)
	})
}

// AcceptTransfer completes a pending handover; only the nominated candidate
// may call it.
func (n *Node) AcceptTransfer(caller [20]byte) error {
	return n.execute("transfer_accept", func(engine *ledger.Engine) error {
		return engine.AcceptTransfer(caller)
	})
}

// CancelTransfer withdraws a pending handover nomination.
func (n *Node) CancelTransfer(caller [20]byte) error {
	return n.execute("transfer_cancel", func(engine *ledger.Engine) error {
		return engine.CancelTransfer(caller)
	})
}

// Order returns the stored order for the given identifier.
func (n *Node) Order(id [32]byte) (*ledger.Order, error) {
	var order *ledger.Order
	err := n.view(func(engine *ledger.Engine, _ *state.Manager) error {
		var opErr error
		order, opErr = engine.Order(id)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Orders returns every order in creation sequence.
func (n *Node) Orders() ([]*ledger.Order, error) {
	var orders []*ledger.Order
	err := n.view(func(_ *ledger.Engine, manager *state.Manager) error {
		ids, err := manager.OrderIndex()
		if err != nil {
			return err
		}
		orders = make([]*ledger.Order, 0, len(ids))
		for _, id := range ids {
			order, ok := manager.OrderGet(id)
			if !ok {
				return fmt.Errorf("node: indexed order %x missing from state", id)
			}
			orders = append(orders, order)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// OrdersByBuyer returns the buyer's orders in creation sequence.
func (n *Node) OrdersByBuyer(buyer [20]byte) ([]*ledger.Order, error) {
	orders, err := n.Orders()
	if err != nil {
		return nil, err
	}
	filtered := make([]*ledger.Order, 0, len(orders))
	for _, order := range orders {
		if order.Buyer == buyer {
			filtered = append(filtered, order)
		}
	}
	return filtered, nil
}

// Status assembles the shop's global snapshot.
func (n *Node) Status() (*ledger.Status, error) {
	var status *ledger.Status
	err := n.view(func(engine *ledger.Engine, _ *state.Manager) error {
		var opErr error
		status, opErr = engine.Status()
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Balance returns the spendable balance of an arbitrary account, vault
// included.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(_ *ledger.Engine, manager *state.Manager) error {
		account, err := manager.GetAccount(addr[:])
		if err != nil {
			return err
		}
		balance = account.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Account returns the full account record for an address.
func (n *Node) Account(addr [20]byte) (*types.Account, error) {
	var account *types.Account
	err := n.view(func(_ *ledger.Engine, manager *state.Manager) error {
		var opErr error
		account, opErr = manager.GetAccount(addr[:])
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}
