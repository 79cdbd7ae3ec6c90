package orders

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpguard/pkg/app/market"
	"github.com/uhyunpark/perpguard/pkg/util"
)

// PriceOracle returns the current index price of a market in USD
type PriceOracle interface {
	CurrentPrice(ctx context.Context, m *market.Market) (decimal.Decimal, error)
}

// Receipt identifies a transaction accepted by the RPC node
type Receipt struct {
	TxHash common.Hash
	Nonce  uint64
}

// Submitter sends a payload on-chain. Implementations must not retry.
type Submitter interface {
	Submit(ctx context.Context, p *Payload) (*Receipt, error)
}

// FundsChecker gates entries paid from delegated funds
type FundsChecker interface {
	CanUseDelegatedFunds(delegate, asset common.Address, required *big.Int) bool
}

// Journal persists a record of every payload the service produces
type Journal interface {
	SaveOrder(rec *Record) error
}

type Status string

const (
	StatusProposed  Status = "proposed"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
	StatusDryRun    Status = "dry_run"
)

// Record is the journal entry for one payload
type Record struct {
	ID        string   `json:"id"`
	Account   string   `json:"account"`
	Market    string   `json:"market"`
	Direction string   `json:"direction"`
	Kinds     []string `json:"kinds"`
	Triggers  []string `json:"triggers"`
	Value     string   `json:"value"`
	Calldata  string   `json:"calldata"`
	Status    Status   `json:"status"`
	TxHash    string   `json:"tx_hash,omitempty"`
	Error     string   `json:"error,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

type ServiceConfig struct {
	DefaultSlippageBps int64
	// DebugMode validates and encodes but never calls the Submitter
	DebugMode bool

	// Optional
	Funds   FundsChecker
	Journal Journal
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

// Service fetches prices, builds orders and hands payloads to the submitter.
type Service struct {
	builder   *Builder
	encoder   *Encoder
	markets   *market.MarketRegistry
	oracle    PriceOracle
	submitter Submitter

	cfg   ServiceConfig
	clock util.Clock
	log   *zap.SugaredLogger
}

func NewService(builder *Builder, encoder *Encoder, markets *market.MarketRegistry, oracle PriceOracle, submitter Submitter, cfg ServiceConfig) *Service {
	s := &Service{
		builder:   builder,
		encoder:   encoder,
		markets:   markets,
		oracle:    oracle,
		submitter: submitter,
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Logger,
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}
	if s.log == nil {
		s.log = util.NopSugar()
	}
	return s
}

// DebugMode reports whether payloads are withheld from the submitter
func (s *Service) DebugMode() bool { return s.cfg.DebugMode }

// Request describes the position an order applies to
type Request struct {
	Market      string // "ETH-USD" or "ETH"
	IsLong      bool
	SizeUsd     decimal.Decimal
	Collateral  decimal.Decimal // collateral token units
	Account     common.Address  // receiver of proceeds
	SlippageBps *int64          // nil uses the configured default

	// MarketPrice overrides the oracle when non-zero (signal-supplied price)
	MarketPrice decimal.Decimal

	// UseDelegatedFunds requires Account to hold enough delegated collateral
	UseDelegatedFunds bool
}

type TriggerRequest struct {
	Request
	TriggerPrice decimal.Decimal
}

type BracketRequest struct {
	Request
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// Result is what the service built and what happened to it
type Result struct {
	RecordID    string
	MarketPrice decimal.Decimal
	Orders      []*Order
	Payload     *Payload
	Receipt     *Receipt // nil in debug mode
	DryRun      bool
}

func (s *Service) PlaceTakeProfit(ctx context.Context, req TriggerRequest) (*Result, error) {
	m, intent, price, bps, err := s.prepare(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	o, err := s.builder.BuildTakeProfit(intent, req.TriggerPrice, price, bps)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, m, price, o)
}

func (s *Service) PlaceStopLoss(ctx context.Context, req TriggerRequest) (*Result, error) {
	m, intent, price, bps, err := s.prepare(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	o, err := s.builder.BuildStopLoss(intent, req.TriggerPrice, price, bps)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, m, price, o)
}

// PlaceBracket opens a position with attached take profit and stop loss in one transaction
func (s *Service) PlaceBracket(ctx context.Context, req BracketRequest) (*Result, error) {
	m, intent, price, bps, err := s.prepare(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	bracket, err := s.builder.BuildPositionWithBrackets(intent, req.TakeProfit, req.StopLoss, price, bps)
	if err != nil {
		return nil, err
	}

	if req.UseDelegatedFunds {
		if s.cfg.Funds == nil {
			return nil, fmt.Errorf("%w: no delegation ledger configured", ErrInsufficientDelegatedFunds)
		}
		required := bracket.Entry.CollateralDeltaAmount
		if !s.cfg.Funds.CanUseDelegatedFunds(req.Account, intent.CollateralAsset, required) {
			return nil, fmt.Errorf("%w: %s needs %s of %s", ErrInsufficientDelegatedFunds, req.Account.Hex(), required, intent.CollateralAsset.Hex())
		}
	}

	return s.dispatch(ctx, m, price, bracket.Orders()...)
}

func (s *Service) prepare(ctx context.Context, req Request) (*market.Market, Intent, decimal.Decimal, int64, error) {
	m, err := s.markets.GetMarket(req.Market)
	if err != nil {
		return nil, Intent{}, decimal.Zero, 0, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if err := m.ValidateTradable(); err != nil {
		return nil, Intent{}, decimal.Zero, 0, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	price := req.MarketPrice
	if price.IsZero() {
		price, err = s.oracle.CurrentPrice(ctx, m)
		if err != nil {
			return nil, Intent{}, decimal.Zero, 0, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, m.Symbol, err)
		}
	}

	bps := s.cfg.DefaultSlippageBps
	if req.SlippageBps != nil {
		bps = *req.SlippageBps
	}

	intent := NewIntent(m, req.IsLong, req.SizeUsd, req.Collateral, req.Account)
	return m, intent, price, bps, nil
}

func (s *Service) dispatch(ctx context.Context, m *market.Market, price decimal.Decimal, built ...*Order) (*Result, error) {
	payload, err := s.encoder.EncodeMulticall(built...)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().Unix()
	rec := &Record{
		ID:        uuid.NewString(),
		Account:   built[0].Intent.Receiver.Hex(),
		Market:    m.Symbol,
		Direction: built[0].Intent.Direction(),
		Value:     payload.Value.String(),
		Calldata:  hexutil.Encode(payload.Data),
		Status:    StatusProposed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, o := range built {
		rec.Kinds = append(rec.Kinds, o.Kind.String())
		rec.Triggers = append(rec.Triggers, o.TriggerPrice.String())
	}

	res := &Result{
		RecordID:    rec.ID,
		MarketPrice: price,
		Orders:      built,
		Payload:     payload,
	}

	if s.cfg.DebugMode {
		rec.Status = StatusDryRun
		res.DryRun = true
		s.save(rec)
		s.log.Infow("order_dry_run",
			"id", rec.ID,
			"market", m.Symbol,
			"direction", rec.Direction,
			"kinds", rec.Kinds,
			"value", rec.Value,
		)
		s.log.Debugw("order_payload", "id", rec.ID, "calldata", rec.Calldata)
		return res, nil
	}

	s.save(rec)
	receipt, err := s.submitter.Submit(ctx, payload)
	rec.UpdatedAt = s.clock.Now().Unix()
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		s.save(rec)
		s.log.Warnw("order_submit_failed", "id", rec.ID, "market", m.Symbol, "err", err)
		return nil, errors.Join(ErrSubmissionFailed, err)
	}

	rec.Status = StatusSubmitted
	rec.TxHash = receipt.TxHash.Hex()
	s.save(rec)
	s.log.Infow("order_submitted",
		"id", rec.ID,
		"market", m.Symbol,
		"kinds", rec.Kinds,
		"tx", rec.TxHash,
	)

	res.Receipt = receipt
	return res, nil
}

func (s *Service) save(rec *Record) {
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.SaveOrder(rec); err != nil {
		s.log.Warnw("order_journal_failed", "id", rec.ID, "err", err)
	}
}
