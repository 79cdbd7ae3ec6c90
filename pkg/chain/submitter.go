package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpguard/pkg/app/orders"
	"github.com/uhyunpark/perpguard/pkg/crypto"
	"github.com/uhyunpark/perpguard/pkg/util"
)

// Backend is the subset of ethclient.Client the submitter needs
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Submitter signs router payloads as EIP-1559 transactions and broadcasts
// them once. It never retries; a failed send is reported to the caller.
type Submitter struct {
	backend Backend
	signer  *crypto.Signer
	chainID *big.Int
	log     *zap.SugaredLogger

	// GasBufferBps scales the gas estimate; 12000 = +20%
	GasBufferBps int64
}

// Dial connects to rpcURL and returns a submitter signing with hexKey
func Dial(ctx context.Context, rpcURL, hexKey string, chainID int64, logger *zap.SugaredLogger) (*Submitter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	signer, err := crypto.FromPrivateKeyHex(hexKey)
	if err != nil {
		client.Close()
		return nil, err
	}
	return NewSubmitter(client, signer, big.NewInt(chainID), logger), nil
}

func NewSubmitter(backend Backend, signer *crypto.Signer, chainID *big.Int, logger *zap.SugaredLogger) *Submitter {
	if logger == nil {
		logger = util.NopSugar()
	}
	return &Submitter{
		backend:      backend,
		signer:       signer,
		chainID:      chainID,
		log:          logger,
		GasBufferBps: 12000,
	}
}

// From is the account that pays for and owns submitted orders
func (s *Submitter) From() common.Address {
	return s.signer.Address()
}

// Submit implements orders.Submitter
func (s *Submitter) Submit(ctx context.Context, p *orders.Payload) (*orders.Receipt, error) {
	from := s.signer.Address()

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	// feeCap = 2 × baseFee + tip
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := p.To
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Value:     p.Value,
		Data:      p.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	if s.GasBufferBps > 0 {
		gas = gas * uint64(s.GasBufferBps) / 10000
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     p.Value,
		Data:      p.Data,
	})
	signed, err := s.signer.SignTx(tx, s.chainID)
	if err != nil {
		return nil, err
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	s.log.Infow("tx_sent",
		"hash", signed.Hash().Hex(),
		"nonce", nonce,
		"gas", gas,
		"value", p.Value.String(),
		"orders", len(p.Orders),
	)
	return &orders.Receipt{TxHash: signed.Hash(), Nonce: nonce}, nil
}

var _ orders.Submitter = (*Submitter)(nil)
