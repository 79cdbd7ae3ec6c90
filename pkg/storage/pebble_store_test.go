package storage

import (
	"context"
	"math"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpguard/pkg/app/ledger"
	"github.com/uhyunpark/perpguard/pkg/app/orders"
	"github.com/uhyunpark/perpguard/pkg/util"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc  = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
)

func openStore(t *testing.T, dir string) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("NewPebbleStore: %v", err)
	}
	return s
}

func newLedger(t *testing.T, s *PebbleStore, clock util.Clock) (*ledger.Ledger, *ledger.MemoryVault) {
	t.Helper()
	vault := ledger.NewMemoryVault()
	entries, err := s.LoadBalances()
	if err != nil {
		t.Fatalf("LoadBalances: %v", err)
	}
	vault.Restore(entries)
	vault.Store = s

	l, err := ledger.New(ledger.Config{MinDuration: time.Minute, MaxDuration: 24 * time.Hour, Store: s}, vault, clock)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return l, vault
}

func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))

	s := openStore(t, dir)
	l, vault := newLedger(t, s, clock)
	if err := vault.Deposit(alice, usdc, big.NewInt(1000)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := vault.Approve(alice, usdc, big.NewInt(1000)); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	first, err := l.Create(ctx, alice, bob, usdc, big.NewInt(600), time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := l.Create(ctx, alice, bob, usdc, big.NewInt(300), time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := l.TransferTokens(ctx, bob, first, bob, big.NewInt(100)); err != nil {
		t.Fatalf("TransferTokens: %v", err)
	}
	if _, err := l.Revoke(ctx, alice, second); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openStore(t, dir)
	defer s.Close()
	l, vault = newLedger(t, s, clock)

	if got := l.AvailableAmount(first); got.Int64() != 500 {
		t.Errorf("available = %s, want 500", got)
	}
	d, err := l.Delegation(second)
	if err != nil {
		t.Fatalf("Delegation: %v", err)
	}
	if d.IsActive || !d.IsRevoked {
		t.Errorf("second = active:%v revoked:%v, want revoked", d.IsActive, d.IsRevoked)
	}
	if got := l.UserDelegations(alice); len(got) != 2 {
		t.Errorf("user delegations = %v, want 2", got)
	}

	// counters continue where they left off
	third, err := l.Create(ctx, alice, bob, usdc, big.NewInt(50), time.Hour)
	if err != nil {
		t.Fatalf("Create after restart: %v", err)
	}
	if third != 3 {
		t.Errorf("id after restart = %d, want 3", third)
	}

	if got := vault.BalanceOf(alice, usdc); got.Int64() != 1000-600-300+300-50 {
		t.Errorf("alice = %s, want 350", got)
	}
	if got := vault.Custody(usdc); got.Int64() != 550 {
		t.Errorf("custody = %s, want 550", got)
	}

	events, err := s.LoadEvents(0, 0)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	want := []string{"DelegationCreated", "DelegationCreated", "DelegatedTokensTransferred", "DelegationRevoked", "DelegationCreated"}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Name != want[i] || ev.Seq != uint64(i+1) {
			t.Errorf("event %d = %s/%d, want %s/%d", i, ev.Name, ev.Seq, want[i], i+1)
		}
	}

	tail, err := s.LoadEvents(3, 1)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(tail) != 1 || tail[0].Seq != 4 || tail[0].Amount.Int64() != 300 {
		t.Errorf("tail = %+v", tail)
	}

	past, err := s.LoadEvents(math.MaxUint64, 0)
	if err != nil {
		t.Fatalf("LoadEvents(max): %v", err)
	}
	if len(past) != 0 {
		t.Errorf("events after max seq = %d, want 0", len(past))
	}
}

func TestEmptyStoreLoadsEmptySnapshot(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	snap, err := s.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if len(snap.Delegations) != 0 || snap.NextID != 0 || snap.EventSeq != 0 {
		t.Errorf("snapshot = %+v, want empty", snap)
	}
	entries, err := s.LoadBalances()
	if err != nil || len(entries) != 0 {
		t.Errorf("balances = %v, %v", entries, err)
	}
}

func TestOrderJournal(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	account := alice.Hex()
	for i, id := range []string{"a", "b", "c"} {
		rec := &orders.Record{
			ID:        id,
			Account:   account,
			Market:    "ETH-USD",
			Status:    orders.StatusProposed,
			CreatedAt: int64(100 + i),
			UpdatedAt: int64(100 + i),
		}
		if err := s.SaveOrder(rec); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}
	}
	other := &orders.Record{ID: "z", Account: bob.Hex(), CreatedAt: 50}
	if err := s.SaveOrder(other); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	// status update keeps a single index entry
	rec, err := s.LoadOrder("b")
	if err != nil || rec == nil {
		t.Fatalf("LoadOrder: %v, %v", rec, err)
	}
	rec.Status = orders.StatusSubmitted
	rec.TxHash = "0xabc"
	rec.UpdatedAt = 200
	if err := s.SaveOrder(rec); err != nil {
		t.Fatalf("SaveOrder update: %v", err)
	}

	list, err := s.ListOrders(account, 0)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("records = %d, want 3", len(list))
	}
	if list[0].ID != "c" || list[1].ID != "b" || list[2].ID != "a" {
		t.Errorf("order = %s,%s,%s, want c,b,a", list[0].ID, list[1].ID, list[2].ID)
	}
	if list[1].Status != orders.StatusSubmitted || list[1].TxHash != "0xabc" {
		t.Errorf("updated record = %+v", list[1])
	}

	limited, _ := s.ListOrders(account, 2)
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}

	missing, err := s.LoadOrder("nope")
	if err != nil || missing != nil {
		t.Errorf("LoadOrder(missing) = %v, %v", missing, err)
	}
}

func TestVaultBalancesOverwrite(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	_ = s.SaveBalances([]ledger.BalanceEntry{{Kind: ledger.KindBalance, Asset: usdc, Holder: alice, Amount: big.NewInt(10)}})
	_ = s.SaveBalances([]ledger.BalanceEntry{
		{Kind: ledger.KindBalance, Asset: usdc, Holder: alice, Amount: big.NewInt(7)},
		{Kind: ledger.KindCustody, Asset: usdc, Amount: big.NewInt(3)},
	})

	entries, err := s.LoadBalances()
	if err != nil {
		t.Fatalf("LoadBalances: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	byKind := map[ledger.BalanceKind]int64{}
	for _, e := range entries {
		byKind[e.Kind] = e.Amount.Int64()
	}
	if byKind[ledger.KindBalance] != 7 || byKind[ledger.KindCustody] != 3 {
		t.Errorf("entries = %v", byKind)
	}
}
