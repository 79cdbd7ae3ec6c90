package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/perpguard/pkg/app/orders"
	"github.com/uhyunpark/perpguard/pkg/crypto"
)

type fakeBackend struct {
	nonce   uint64
	baseFee *big.Int
	sendErr error

	estimated ethereum.CallMsg
	sent      []*types.Transaction
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.estimated = msg
	return 1_000_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.sent = append(b.sent, tx)
	return b.sendErr
}

func testPayload() *orders.Payload {
	return &orders.Payload{
		To:    orders.DefaultExchangeRouter,
		Value: big.NewInt(260_000_000_000_000),
		Data:  []byte{0xac, 0x96, 0x50, 0xd8, 0x00},
	}
}

func TestSubmitSignsDynamicFeeTx(t *testing.T) {
	key, _ := crypto.GenerateKey()
	backend := &fakeBackend{nonce: 12, baseFee: big.NewInt(10_000_000)}
	chainID := big.NewInt(42161)
	s := NewSubmitter(backend, key, chainID, nil)

	receipt, err := s.Submit(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(backend.sent))
	}
	tx := backend.sent[0]

	if receipt.TxHash != tx.Hash() || receipt.Nonce != 12 {
		t.Errorf("receipt = %+v", receipt)
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("type = %d, want dynamic fee", tx.Type())
	}
	if tx.Gas() != 1_200_000 {
		t.Errorf("gas = %d, want 1200000", tx.Gas())
	}
	if tx.GasFeeCap().Int64() != 21_000_000 {
		t.Errorf("fee cap = %s, want 21000000", tx.GasFeeCap())
	}
	if *tx.To() != orders.DefaultExchangeRouter || tx.Value().Cmp(testPayload().Value) != 0 {
		t.Errorf("to/value = %s/%s", tx.To().Hex(), tx.Value())
	}
	if backend.estimated.From != key.Address() {
		t.Errorf("estimate from = %s", backend.estimated.From.Hex())
	}

	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil || from != key.Address() {
		t.Errorf("sender = %s, %v", from.Hex(), err)
	}
}

func TestSubmitDoesNotRetry(t *testing.T) {
	key, _ := crypto.GenerateKey()
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	s := NewSubmitter(backend, key, big.NewInt(42161), nil)

	if _, err := s.Submit(context.Background(), testPayload()); err == nil {
		t.Fatal("expected send error")
	}
	if len(backend.sent) != 1 {
		t.Errorf("send attempts = %d, want 1", len(backend.sent))
	}
}
