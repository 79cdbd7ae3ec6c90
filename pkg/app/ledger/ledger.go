package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpguard/pkg/util"
)

// Snapshot is the persisted ledger state
type Snapshot struct {
	Delegations []*Delegation
	NextID      uint64
	EventSeq    uint64
}

// Store persists committed state. CommitDelegation must write the record, the
// id counter (when isNew) and the event atomically.
type Store interface {
	CommitDelegation(d *Delegation, isNew bool, nextID uint64, ev Event) error
	LoadLedger() (*Snapshot, error)
}

type Config struct {
	// Inclusive bounds on a delegation's lifetime; whole seconds
	MinDuration time.Duration
	MaxDuration time.Duration

	// Optional
	Store  Store
	Events EventSink
	Logger *zap.SugaredLogger
}

// Ledger is the delegation state machine. One writer runs at a time, including
// its asset transfer; reads never wait for a transfer and see the last
// committed state.
type Ledger struct {
	writeSem chan struct{} // one-slot semaphore serializing state-changing calls end to end

	mu          sync.RWMutex // guards everything below
	delegations map[uint64]*Delegation
	byDelegator map[common.Address][]uint64
	byDelegate  map[common.Address][]uint64
	nextID      uint64
	eventSeq    uint64

	minDur uint64 // seconds
	maxDur uint64

	vault  Vault
	clock  util.Clock
	store  Store
	events EventSink
	log    *zap.SugaredLogger
}

// New creates a ledger with explicit duration bounds. With a Store configured
// the last committed state is restored.
func New(cfg Config, vault Vault, clock util.Clock) (*Ledger, error) {
	if cfg.MinDuration < time.Second {
		return nil, fmt.Errorf("min duration must be at least 1s, got %v", cfg.MinDuration)
	}
	if cfg.MaxDuration < cfg.MinDuration {
		return nil, fmt.Errorf("max duration %v below min duration %v", cfg.MaxDuration, cfg.MinDuration)
	}
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if clock == nil {
		clock = util.RealClock{}
	}

	l := &Ledger{
		writeSem:    make(chan struct{}, 1),
		delegations: make(map[uint64]*Delegation),
		byDelegator: make(map[common.Address][]uint64),
		byDelegate:  make(map[common.Address][]uint64),
		nextID:      1,
		minDur:      uint64(cfg.MinDuration / time.Second),
		maxDur:      uint64(cfg.MaxDuration / time.Second),
		vault:       vault,
		clock:       clock,
		store:       cfg.Store,
		events:      cfg.Events,
		log:         cfg.Logger,
	}
	if l.log == nil {
		l.log = util.NopSugar()
	}

	if l.store != nil {
		snap, err := l.store.LoadLedger()
		if err != nil {
			return nil, fmt.Errorf("failed to load ledger: %w", err)
		}
		l.restore(snap)
	}
	return l, nil
}

func (l *Ledger) restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	sort.Slice(snap.Delegations, func(i, j int) bool { return snap.Delegations[i].ID < snap.Delegations[j].ID })
	for _, d := range snap.Delegations {
		l.delegations[d.ID] = d
		l.byDelegator[d.Delegator] = append(l.byDelegator[d.Delegator], d.ID)
		l.byDelegate[d.Delegate] = append(l.byDelegate[d.Delegate], d.ID)
		if d.ID >= l.nextID {
			l.nextID = d.ID + 1
		}
	}
	if snap.NextID > l.nextID {
		l.nextID = snap.NextID
	}
	l.eventSeq = snap.EventSeq
	l.log.Infow("ledger_restored", "delegations", len(snap.Delegations), "next_id", l.nextID)
}

// reentryKey marks contexts handed to the vault by this ledger
type reentryKey struct{ l *Ledger }

// enter acquires the writer slot, refusing calls made from inside one of our
// own vault transfers. Waiting gives up when ctx is done, so a callback that
// drops the marker but carries a deadline fails instead of hanging.
func (l *Ledger) enter(ctx context.Context) (func(), error) {
	if ctx.Value(reentryKey{l}) != nil {
		return nil, ErrReentrantCall
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case l.writeSem <- struct{}{}:
		return func() { <-l.writeSem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for ledger writer: %w", ctx.Err())
	}
}

func (l *Ledger) now() uint64 {
	return uint64(l.clock.Now().Unix())
}

// get returns a copy of the record
func (l *Ledger) get(id uint64) (*Delegation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.delegations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDelegationNotFound, id)
	}
	return d.Clone(), nil
}

type transferDir uint8

const (
	pull transferDir = iota
	push
)

// transfer runs the vault with a marked context
func (l *Ledger) transfer(ctx context.Context, dir transferDir, party, asset common.Address, amount *big.Int) error {
	vctx := context.WithValue(ctx, reentryKey{l}, struct{}{})
	var err error
	switch dir {
	case pull:
		err = l.vault.Pull(vctx, party, asset, amount)
	case push:
		err = l.vault.Push(vctx, party, asset, amount)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAssetTransferFailed, err)
	}
	return nil
}

// commit installs next as the canonical record, persists it and publishes ev.
// Callers hold the writer slot and have already moved the assets.
func (l *Ledger) commit(next *Delegation, isNew bool, ev Event) {
	l.mu.Lock()
	l.delegations[next.ID] = next
	if isNew {
		l.byDelegator[next.Delegator] = append(l.byDelegator[next.Delegator], next.ID)
		l.byDelegate[next.Delegate] = append(l.byDelegate[next.Delegate], next.ID)
		l.nextID = next.ID + 1
	}
	l.eventSeq++
	ev.Seq = l.eventSeq
	nextID := l.nextID
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.CommitDelegation(next.Clone(), isNew, nextID, ev); err != nil {
			l.log.Errorw("ledger_persist_failed", "id", next.ID, "event", ev.Name, "err", err)
		}
	}
	if l.events != nil {
		l.events.Publish(ev)
	}
}

// Create escrows amount of asset from caller and grants delegate the right to
// spend it for duration. Returns the new delegation id.
func (l *Ledger) Create(ctx context.Context, caller, delegate, asset common.Address, amount *big.Int, duration time.Duration) (uint64, error) {
	release, err := l.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if delegate == (common.Address{}) {
		return 0, fmt.Errorf("%w: zero address", ErrInvalidDelegate)
	}
	if delegate == caller {
		return 0, fmt.Errorf("%w: cannot delegate to self", ErrInvalidDelegate)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if duration < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}
	secs := uint64(duration / time.Second)
	if secs < l.minDur || secs > l.maxDur {
		return 0, fmt.Errorf("%w: %ds not in [%d, %d]", ErrInvalidDuration, secs, l.minDur, l.maxDur)
	}

	if err := l.transfer(ctx, pull, caller, asset, amount); err != nil {
		return 0, err
	}

	now := l.now()
	l.mu.RLock()
	id := l.nextID
	l.mu.RUnlock()

	d := &Delegation{
		ID:        id,
		Delegator: caller,
		Delegate:  delegate,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Original:  new(big.Int).Set(amount),
		StartTime: now,
		EndTime:   now + secs,
		IsActive:  true,
	}
	l.commit(d, true, createdEvent(d, now))

	l.log.Infow("delegation_created",
		"id", id,
		"delegator", caller.Hex(),
		"delegate", delegate.Hex(),
		"asset", asset.Hex(),
		"amount", amount.String(),
		"end_time", d.EndTime,
	)
	return id, nil
}

// Revoke ends an unexpired delegation early; the remainder returns to the delegator.
func (l *Ledger) Revoke(ctx context.Context, caller common.Address, id uint64) (*big.Int, error) {
	release, err := l.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := l.get(id)
	if err != nil {
		return nil, err
	}
	if caller != d.Delegator {
		return nil, fmt.Errorf("%w: only the delegator can revoke %d", ErrUnauthorizedCaller, id)
	}
	if !d.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrDelegationNotActive, id)
	}
	if d.IsRevoked {
		return nil, fmt.Errorf("%w: %d", ErrDelegationRevoked, id)
	}
	now := l.now()
	if now >= d.EndTime {
		return nil, fmt.Errorf("%w: %d ended at %d", ErrDelegationExpired, id, d.EndTime)
	}

	returned, err := l.settle(ctx, d, TerminalRevoked, now)
	if err != nil {
		return nil, err
	}
	l.log.Infow("delegation_revoked", "id", id, "delegator", caller.Hex(), "returned", returned.String())
	return returned, nil
}

// ProcessExpired settles a delegation past its end time. Anyone may call it.
func (l *Ledger) ProcessExpired(ctx context.Context, caller common.Address, id uint64) (*big.Int, error) {
	release, err := l.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	returned, err := l.processExpiredLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	l.log.Infow("delegation_expired", "id", id, "caller", caller.Hex(), "returned", returned.String())
	return returned, nil
}

// BatchProcessExpired settles every eligible id and skips the rest. Returns the
// ids that were settled.
func (l *Ledger) BatchProcessExpired(ctx context.Context, caller common.Address, ids []uint64) ([]uint64, error) {
	release, err := l.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	processed := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := l.processExpiredLocked(ctx, id); err != nil {
			l.log.Debugw("batch_expire_skipped", "id", id, "err", err)
			continue
		}
		processed = append(processed, id)
	}
	l.log.Infow("batch_expired", "caller", caller.Hex(), "requested", len(ids), "processed", len(processed))
	return processed, nil
}

func (l *Ledger) processExpiredLocked(ctx context.Context, id uint64) (*big.Int, error) {
	d, err := l.get(id)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrDelegationNotActive, id)
	}
	now := l.now()
	if now < d.EndTime {
		return nil, fmt.Errorf("%w: %d ends at %d", ErrDelegationNotExpired, id, d.EndTime)
	}
	return l.settle(ctx, d, TerminalExpired, now)
}

// settle returns the remainder of d to its delegator and closes it
func (l *Ledger) settle(ctx context.Context, d *Delegation, how Terminal, now uint64) (*big.Int, error) {
	target, amount := Settle(*d)
	if amount.Sign() > 0 {
		if err := l.transfer(ctx, push, target, d.Asset, amount); err != nil {
			return nil, err
		}
	}

	next := d.Clone()
	next.Amount = new(big.Int)
	next.IsActive = false
	next.Terminal = how

	var ev Event
	if how == TerminalRevoked {
		next.IsRevoked = true
		ev = settledEvent("DelegationRevoked", TopicDelegationRevoked, next, target, amount, now)
	} else {
		ev = settledEvent("DelegationExpired", TopicDelegationExpired, next, target, amount, now)
	}
	l.commit(next, false, ev)
	return amount, nil
}

// WithdrawNative pays amount of a native delegation to its delegate
func (l *Ledger) WithdrawNative(ctx context.Context, caller common.Address, id uint64, amount *big.Int) error {
	release, err := l.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	d, err := l.checkDrawdown(caller, id, amount)
	if err != nil {
		return err
	}
	if !d.IsNative() {
		return fmt.Errorf("%w: delegation %d holds token %s", ErrAssetMismatch, id, d.Asset.Hex())
	}
	return l.drawdown(ctx, d, caller, amount, "DelegatedETHWithdrawn", TopicDelegatedETHWithdrawn)
}

// TransferTokens pays amount of a token delegation to `to`
func (l *Ledger) TransferTokens(ctx context.Context, caller common.Address, id uint64, to common.Address, amount *big.Int) error {
	release, err := l.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	d, err := l.checkDrawdown(caller, id, amount)
	if err != nil {
		return err
	}
	if d.IsNative() {
		return fmt.Errorf("%w: delegation %d holds the native asset", ErrAssetMismatch, id)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidRecipient)
	}
	return l.drawdown(ctx, d, to, amount, "DelegatedTokensTransferred", TopicDelegatedTokensTransferred)
}

func (l *Ledger) checkDrawdown(caller common.Address, id uint64, amount *big.Int) (*Delegation, error) {
	d, err := l.get(id)
	if err != nil {
		return nil, err
	}
	if caller != d.Delegate {
		return nil, fmt.Errorf("%w: only the delegate can draw on %d", ErrUnauthorizedCaller, id)
	}
	if !d.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrDelegationNotActive, id)
	}
	if d.IsRevoked {
		return nil, fmt.Errorf("%w: %d", ErrDelegationRevoked, id)
	}
	if l.now() >= d.EndTime {
		return nil, fmt.Errorf("%w: %d ended at %d", ErrDelegationExpired, id, d.EndTime)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if amount.Cmp(d.Amount) > 0 {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientDelegatedFunds, amount, d.Amount)
	}
	return d, nil
}

func (l *Ledger) drawdown(ctx context.Context, d *Delegation, to common.Address, amount *big.Int, name string, topic common.Hash) error {
	if err := l.transfer(ctx, push, to, d.Asset, amount); err != nil {
		return err
	}

	next := d.Clone()
	next.Amount.Sub(next.Amount, amount)
	if next.Amount.Sign() == 0 {
		next.IsActive = false
		next.Terminal = TerminalDrained
	}
	now := l.now()
	l.commit(next, false, settledEvent(name, topic, next, to, amount, now))

	l.log.Infow("delegation_drawn",
		"id", d.ID,
		"to", to.Hex(),
		"amount", amount.String(),
		"remaining", next.Amount.String(),
		"drained", !next.IsActive,
	)
	return nil
}

// AvailableAmount is what the delegate may still spend; zero for unknown ids
func (l *Ledger) AvailableAmount(id uint64) *big.Int {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.delegations[id]
	if !ok {
		return new(big.Int)
	}
	return d.Available(now)
}

// Status reports whether id is usable now and the seconds it has left
func (l *Ledger) Status(id uint64) (bool, uint64) {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.delegations[id]
	if !ok || !d.IsActive || now >= d.EndTime {
		return false, 0
	}
	return true, d.TimeLeft(now)
}

// Delegation returns a copy of the record
func (l *Ledger) Delegation(id uint64) (*Delegation, error) {
	return l.get(id)
}

// UserDelegations lists ids created by delegator, oldest first
func (l *Ledger) UserDelegations(delegator common.Address) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint64{}, l.byDelegator[delegator]...)
}

// ReceivedDelegations lists ids granted to delegate, oldest first
func (l *Ledger) ReceivedDelegations(delegate common.Address) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint64{}, l.byDelegate[delegate]...)
}

// TotalDelegatedFunds sums what delegate can spend right now, per asset
func (l *Ledger) TotalDelegatedFunds(delegate common.Address) map[common.Address]*big.Int {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()

	totals := make(map[common.Address]*big.Int)
	for _, id := range l.byDelegate[delegate] {
		avail := l.delegations[id].Available(now)
		if avail.Sign() == 0 {
			continue
		}
		asset := l.delegations[id].Asset
		if totals[asset] == nil {
			totals[asset] = new(big.Int)
		}
		totals[asset].Add(totals[asset], avail)
	}
	return totals
}

// CanUseDelegatedFunds reports whether delegate holds at least required of asset
func (l *Ledger) CanUseDelegatedFunds(delegate, asset common.Address, required *big.Int) bool {
	total, ok := l.TotalDelegatedFunds(delegate)[asset]
	if !ok {
		return required == nil || required.Sign() <= 0
	}
	return total.Cmp(required) >= 0
}

// ActiveDelegations returns copies of the delegate's usable delegations
func (l *Ledger) ActiveDelegations(delegate common.Address) []*Delegation {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Delegation
	for _, id := range l.byDelegate[delegate] {
		d := l.delegations[id]
		if d.IsActive && now < d.EndTime {
			out = append(out, d.Clone())
		}
	}
	return out
}

// ExpiredIDs lists active delegations whose end time has passed, oldest first
func (l *Ledger) ExpiredIDs() []uint64 {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []uint64
	for id, d := range l.delegations {
		if d.IsActive && now >= d.EndTime {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of delegations ever created
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.delegations)
}

// Now is the ledger's clock in unix seconds
func (l *Ledger) Now() uint64 {
	return l.now()
}
