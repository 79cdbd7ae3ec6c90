package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Vault moves assets in and out of ledger custody. Implementations must pass
// the ctx they receive to any callback that may call back into the ledger.
type Vault interface {
	// Pull escrows amount from `from`. Tokens need a prior allowance; native
	// amounts are the value attached to the call.
	Pull(ctx context.Context, from, asset common.Address, amount *big.Int) error
	// Push pays amount out of custody to `to`.
	Push(ctx context.Context, to, asset common.Address, amount *big.Int) error
}

// BalanceKind distinguishes persisted vault entries
type BalanceKind string

const (
	KindBalance   BalanceKind = "bal"
	KindAllowance BalanceKind = "alw"
	KindCustody   BalanceKind = "cus"
)

// BalanceEntry is one persisted vault amount. Holder is zero for custody.
type BalanceEntry struct {
	Kind   BalanceKind    `json:"kind"`
	Asset  common.Address `json:"asset"`
	Holder common.Address `json:"holder"`
	Amount *big.Int       `json:"amount"`
}

// VaultStore persists changed vault entries
type VaultStore interface {
	SaveBalances(entries []BalanceEntry) error
}

// TransferHook runs before funds move. A non-nil error aborts the transfer.
type TransferHook func(ctx context.Context, party, asset common.Address, amount *big.Int) error

// MemoryVault is an in-process custody simulator: per-asset holder balances,
// allowances granted to the ledger, and the ledger's own custody totals.
type MemoryVault struct {
	mu         sync.RWMutex
	balances   map[common.Address]map[common.Address]*big.Int // asset -> holder -> balance
	allowances map[common.Address]map[common.Address]*big.Int // asset -> owner -> allowance
	custody    map[common.Address]*big.Int                    // asset -> held by ledger

	// Optional
	Store      VaultStore
	BeforePull TransferHook
	BeforePush TransferHook
	Logger     *zap.SugaredLogger
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		custody:    make(map[common.Address]*big.Int),
	}
}

// Deposit credits a holder (bridge-in / faucet)
func (v *MemoryVault) Deposit(holder, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive: %v", amount)
	}

	v.mu.Lock()
	bal := add(v.balances, asset, holder, amount)
	v.mu.Unlock()

	return v.persist(BalanceEntry{Kind: KindBalance, Asset: asset, Holder: holder, Amount: bal})
}

// Approve sets the allowance owner grants the ledger for asset
func (v *MemoryVault) Approve(owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("allowance cannot be negative: %v", amount)
	}

	v.mu.Lock()
	if v.allowances[asset] == nil {
		v.allowances[asset] = make(map[common.Address]*big.Int)
	}
	v.allowances[asset][owner] = new(big.Int).Set(amount)
	v.mu.Unlock()

	return v.persist(BalanceEntry{Kind: KindAllowance, Asset: asset, Holder: owner, Amount: amount})
}

func (v *MemoryVault) BalanceOf(holder, asset common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return get(v.balances, asset, holder)
}

func (v *MemoryVault) Allowance(owner, asset common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return get(v.allowances, asset, owner)
}

// Custody returns how much of asset the ledger holds
func (v *MemoryVault) Custody(asset common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if c, ok := v.custody[asset]; ok {
		return new(big.Int).Set(c)
	}
	return new(big.Int)
}

func (v *MemoryVault) Pull(ctx context.Context, from, asset common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.BeforePull != nil {
		if err := v.BeforePull(ctx, from, asset, amount); err != nil {
			return err
		}
	}

	v.mu.Lock()
	bal := get(v.balances, asset, from)
	if bal.Cmp(amount) < 0 {
		v.mu.Unlock()
		return fmt.Errorf("insufficient balance: have %s, need %s", bal, amount)
	}
	entries := make([]BalanceEntry, 0, 3)
	if asset != NativeAsset {
		allowance := get(v.allowances, asset, from)
		if allowance.Cmp(amount) < 0 {
			v.mu.Unlock()
			return fmt.Errorf("insufficient allowance: have %s, need %s", allowance, amount)
		}
		left := add(v.allowances, asset, from, new(big.Int).Neg(amount))
		entries = append(entries, BalanceEntry{Kind: KindAllowance, Asset: asset, Holder: from, Amount: left})
	}
	newBal := add(v.balances, asset, from, new(big.Int).Neg(amount))
	held := v.addCustody(asset, amount)
	v.mu.Unlock()

	entries = append(entries,
		BalanceEntry{Kind: KindBalance, Asset: asset, Holder: from, Amount: newBal},
		BalanceEntry{Kind: KindCustody, Asset: asset, Amount: held},
	)
	v.persistMoved(entries...)
	return nil
}

func (v *MemoryVault) Push(ctx context.Context, to, asset common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.BeforePush != nil {
		if err := v.BeforePush(ctx, to, asset, amount); err != nil {
			return err
		}
	}

	v.mu.Lock()
	held := new(big.Int)
	if c, ok := v.custody[asset]; ok {
		held.Set(c)
	}
	if held.Cmp(amount) < 0 {
		v.mu.Unlock()
		return fmt.Errorf("custody short: hold %s, need %s", held, amount)
	}
	left := v.addCustody(asset, new(big.Int).Neg(amount))
	newBal := add(v.balances, asset, to, amount)
	v.mu.Unlock()

	v.persistMoved(
		BalanceEntry{Kind: KindCustody, Asset: asset, Amount: left},
		BalanceEntry{Kind: KindBalance, Asset: asset, Holder: to, Amount: newBal},
	)
	return nil
}

// Restore loads persisted entries, replacing current state
func (v *MemoryVault) Restore(entries []BalanceEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.balances = make(map[common.Address]map[common.Address]*big.Int)
	v.allowances = make(map[common.Address]map[common.Address]*big.Int)
	v.custody = make(map[common.Address]*big.Int)
	for _, e := range entries {
		switch e.Kind {
		case KindBalance:
			add(v.balances, e.Asset, e.Holder, e.Amount)
		case KindAllowance:
			add(v.allowances, e.Asset, e.Holder, e.Amount)
		case KindCustody:
			v.custody[e.Asset] = new(big.Int).Set(e.Amount)
		}
	}
}

func (v *MemoryVault) persist(entries ...BalanceEntry) error {
	if v.Store == nil {
		return nil
	}
	return v.Store.SaveBalances(entries)
}

// persistMoved records a transfer that already happened; failures are logged only
func (v *MemoryVault) persistMoved(entries ...BalanceEntry) {
	if err := v.persist(entries...); err != nil && v.Logger != nil {
		v.Logger.Errorw("vault_persist_failed", "entries", len(entries), "err", err)
	}
}

// addCustody assumes v.mu is held
func (v *MemoryVault) addCustody(asset common.Address, delta *big.Int) *big.Int {
	c, ok := v.custody[asset]
	if !ok {
		c = new(big.Int)
		v.custody[asset] = c
	}
	c.Add(c, delta)
	return new(big.Int).Set(c)
}

func get(m map[common.Address]map[common.Address]*big.Int, asset, holder common.Address) *big.Int {
	if b, ok := m[asset][holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func add(m map[common.Address]map[common.Address]*big.Int, asset, holder common.Address, delta *big.Int) *big.Int {
	if m[asset] == nil {
		m[asset] = make(map[common.Address]*big.Int)
	}
	b, ok := m[asset][holder]
	if !ok {
		b = new(big.Int)
		m[asset][holder] = b
	}
	b.Add(b, delta)
	return new(big.Int).Set(b)
}
