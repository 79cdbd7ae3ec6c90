package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/perpguard/pkg/app/ledger"
	"github.com/uhyunpark/perpguard/pkg/app/orders"
)

// PebbleStore persists the delegation ledger, its event log, the order
// journal and vault balances in one Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20) // 64MB
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10, // 512KB
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

var (
	_ ledger.Store      = (*PebbleStore)(nil)
	_ ledger.VaultStore = (*PebbleStore)(nil)
	_ orders.Journal    = (*PebbleStore)(nil)
)

// ============================================================================
// Ledger
// ============================================================================

// CommitDelegation writes the record, the event and the counters in one batch
func (s *PebbleStore) CommitDelegation(d *ledger.Delegation, isNew bool, nextID uint64, ev ledger.Event) error {
	rec, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delegation: %w", err)
	}
	evData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(delegationKey(d.ID), rec, nil); err != nil {
		return err
	}
	if isNew {
		if err := batch.Set(keyNextID, encodeUint(nextID), nil); err != nil {
			return err
		}
	}
	if err := batch.Set(eventKey(ev.Seq), evData, nil); err != nil {
		return err
	}
	if err := batch.Set(keyEventSeq, encodeUint(ev.Seq), nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit delegation %d: %w", d.ID, err)
	}
	return nil
}

// LoadLedger returns every stored delegation and the counters. An empty
// database yields an empty snapshot.
func (s *PebbleStore) LoadLedger() (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{}

	nextID, err := s.getUint(keyNextID)
	if err != nil {
		return nil, err
	}
	snap.NextID = nextID
	seq, err := s.getUint(keyEventSeq)
	if err != nil {
		return nil, err
	}
	snap.EventSeq = seq

	prefix := []byte(prefixDelegation)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var d ledger.Delegation
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			return nil, fmt.Errorf("corrupt delegation at %s: %w", iter.Key(), err)
		}
		snap.Delegations = append(snap.Delegations, &d)
	}
	return snap, nil
}

// LoadEvents returns up to limit events with Seq > after, oldest first
func (s *PebbleStore) LoadEvents(after uint64, limit int) ([]ledger.Event, error) {
	if after == math.MaxUint64 {
		return nil, nil
	}
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var events []ledger.Event
	for iter.First(); iter.Valid() && (limit <= 0 || len(events) < limit); iter.Next() {
		var ev ledger.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue // Skip invalid entries
		}
		events = append(events, ev)
	}
	return events, nil
}

// ============================================================================
// Order journal
// ============================================================================

// SaveOrder upserts a journal record and its account index entry
func (s *PebbleStore) SaveOrder(r *orders.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal order record: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(orderKey(r.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(orderIndexKey(r.Account, r.CreatedAt, r.ID), []byte(r.ID), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order record: %w", err)
	}
	return nil
}

// LoadOrder returns nil if the record doesn't exist
func (s *PebbleStore) LoadOrder(id string) (*orders.Record, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order record: %w", err)
	}
	defer closer.Close()

	var r orders.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order record: %w", err)
	}
	return &r, nil
}

// ListOrders returns the account's most recent records, newest first
func (s *PebbleStore) ListOrders(account string, limit int) ([]*orders.Record, error) {
	prefix := orderIndexPrefix(account)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []*orders.Record
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		r, err := s.LoadOrder(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// ============================================================================
// Vault
// ============================================================================

// SaveBalances writes the latest value of each entry atomically
func (s *PebbleStore) SaveBalances(entries []ledger.BalanceEntry) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, e := range entries {
		if err := batch.Set(vaultKey(e.Kind, e.Asset, e.Holder), encodeAmount(e.Amount), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save vault balances: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadBalances() ([]ledger.BalanceEntry, error) {
	prefix := []byte(prefixVault)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var entries []ledger.BalanceEntry
	for iter.First(); iter.Valid(); iter.Next() {
		kind, asset, holder, err := parseVaultKey(iter.Key())
		if err != nil {
			return nil, err
		}
		amount, err := decodeAmount(iter.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.BalanceEntry{Kind: kind, Asset: asset, Holder: holder, Amount: amount})
	}
	return entries, nil
}

func (s *PebbleStore) getUint(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return decodeUint(val)
}
