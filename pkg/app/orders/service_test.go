package orders

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpguard/pkg/app/market"
)

type fakeOracle struct {
	price decimal.Decimal
	calls int
	err   error
}

func (f *fakeOracle) CurrentPrice(_ context.Context, _ *market.Market) (decimal.Decimal, error) {
	f.calls++
	return f.price, f.err
}

type fakeSubmitter struct {
	calls int
	err   error
	last  *Payload
}

func (f *fakeSubmitter) Submit(_ context.Context, p *Payload) (*Receipt, error) {
	f.calls++
	f.last = p
	if f.err != nil {
		return nil, f.err
	}
	return &Receipt{TxHash: common.HexToHash("0xabc"), Nonce: 7}, nil
}

type memJournal struct {
	mu   sync.Mutex
	recs map[string]Record
}

func (j *memJournal) SaveOrder(rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.recs == nil {
		j.recs = make(map[string]Record)
	}
	j.recs[rec.ID] = *rec
	return nil
}

type fixedFunds struct{ ok bool }

func (f fixedFunds) CanUseDelegatedFunds(_, _ common.Address, _ *big.Int) bool { return f.ok }

func newTestService(debug bool, oracle *fakeOracle, sub *fakeSubmitter, journal Journal, funds FundsChecker) *Service {
	return NewService(
		NewBuilder(DefaultBuilderConfig()),
		NewEncoder(router, DefaultOrderVault),
		market.DefaultArbitrum(),
		oracle,
		sub,
		ServiceConfig{
			DefaultSlippageBps: 50,
			DebugMode:          debug,
			Funds:              funds,
			Journal:            journal,
		},
	)
}

func ethRequest() Request {
	return Request{
		Market:     "ETH",
		IsLong:     true,
		SizeUsd:    d(1000),
		Collateral: d(100),
		Account:    trader,
	}
}

func TestDebugModeSkipsSubmission(t *testing.T) {
	oracle := &fakeOracle{price: d(3000)}
	sub := &fakeSubmitter{}
	journal := &memJournal{}
	svc := newTestService(true, oracle, sub, journal, nil)

	res, err := svc.PlaceTakeProfit(context.Background(), TriggerRequest{Request: ethRequest(), TriggerPrice: d(3200)})
	if err != nil {
		t.Fatalf("PlaceTakeProfit: %v", err)
	}
	if sub.calls != 0 {
		t.Errorf("submitter calls = %d, want 0", sub.calls)
	}
	if !res.DryRun || res.Receipt != nil {
		t.Errorf("dry run = %v, receipt = %v", res.DryRun, res.Receipt)
	}
	if oracle.calls != 1 {
		t.Errorf("oracle calls = %d, want 1", oracle.calls)
	}
	if got := journal.recs[res.RecordID].Status; got != StatusDryRun {
		t.Errorf("journal status = %s, want dry_run", got)
	}
}

func TestSubmitBracket(t *testing.T) {
	sub := &fakeSubmitter{}
	journal := &memJournal{}
	svc := newTestService(false, &fakeOracle{price: d(3000)}, sub, journal, nil)

	res, err := svc.PlaceBracket(context.Background(), BracketRequest{Request: ethRequest(), TakeProfit: d(3200), StopLoss: d(2800)})
	if err != nil {
		t.Fatalf("PlaceBracket: %v", err)
	}
	if sub.calls != 1 {
		t.Errorf("submitter calls = %d, want 1", sub.calls)
	}
	if len(res.Orders) != 3 || len(sub.last.Orders) != 3 {
		t.Errorf("orders = %d, submitted = %d, want 3", len(res.Orders), len(sub.last.Orders))
	}
	rec := journal.recs[res.RecordID]
	if rec.Status != StatusSubmitted || rec.TxHash != res.Receipt.TxHash.Hex() {
		t.Errorf("journal = %s %s", rec.Status, rec.TxHash)
	}
	if len(rec.Kinds) != 3 || rec.Kinds[0] != "entry" {
		t.Errorf("kinds = %v", rec.Kinds)
	}
}

func TestSubmitFailureNotRetried(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("nonce too low")}
	journal := &memJournal{}
	svc := newTestService(false, &fakeOracle{price: d(3000)}, sub, journal, nil)

	_, err := svc.PlaceStopLoss(context.Background(), TriggerRequest{Request: ethRequest(), TriggerPrice: d(2800)})
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("err = %v, want ErrSubmissionFailed", err)
	}
	if sub.calls != 1 {
		t.Errorf("submitter calls = %d, want 1", sub.calls)
	}
	if len(journal.recs) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(journal.recs))
	}
	for _, rec := range journal.recs {
		if rec.Status != StatusFailed || rec.Error == "" {
			t.Errorf("journal = %s %q", rec.Status, rec.Error)
		}
	}
}

func TestSignalPriceOverridesOracle(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle down")}
	svc := newTestService(true, oracle, &fakeSubmitter{}, nil, nil)

	req := ethRequest()
	req.MarketPrice = d(3000)
	slippage := int64(0)
	req.SlippageBps = &slippage

	res, err := svc.PlaceTakeProfit(context.Background(), TriggerRequest{Request: req, TriggerPrice: d(3200)})
	if err != nil {
		t.Fatalf("PlaceTakeProfit: %v", err)
	}
	if oracle.calls != 0 {
		t.Errorf("oracle calls = %d, want 0", oracle.calls)
	}
	if res.Orders[0].SlippageBps != 0 {
		t.Errorf("slippage = %d, want 0", res.Orders[0].SlippageBps)
	}
}

func TestOracleFailure(t *testing.T) {
	sub := &fakeSubmitter{}
	svc := newTestService(false, &fakeOracle{err: errors.New("timeout")}, sub, nil, nil)

	if _, err := svc.PlaceTakeProfit(context.Background(), TriggerRequest{Request: ethRequest(), TriggerPrice: d(3200)}); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}
	if sub.calls != 0 {
		t.Errorf("submitter calls = %d, want 0", sub.calls)
	}
}

func TestValidationFailureNothingJournaled(t *testing.T) {
	journal := &memJournal{}
	sub := &fakeSubmitter{}
	svc := newTestService(false, &fakeOracle{price: d(3000)}, sub, journal, nil)

	_, err := svc.PlaceBracket(context.Background(), BracketRequest{Request: ethRequest(), TakeProfit: d(2800), StopLoss: d(3200)})
	if !errors.Is(err, ErrInconsistentBracketPrices) {
		t.Fatalf("err = %v, want ErrInconsistentBracketPrices", err)
	}
	if len(journal.recs) != 0 || sub.calls != 0 {
		t.Errorf("journal = %d, submits = %d, want 0/0", len(journal.recs), sub.calls)
	}
}

func TestDelegatedFundsGate(t *testing.T) {
	req := ethRequest()
	req.UseDelegatedFunds = true
	bracket := BracketRequest{Request: req, TakeProfit: d(3200), StopLoss: d(2800)}

	sub := &fakeSubmitter{}
	denied := newTestService(false, &fakeOracle{price: d(3000)}, sub, nil, fixedFunds{ok: false})
	if _, err := denied.PlaceBracket(context.Background(), bracket); !errors.Is(err, ErrInsufficientDelegatedFunds) {
		t.Errorf("err = %v, want ErrInsufficientDelegatedFunds", err)
	}
	if sub.calls != 0 {
		t.Errorf("submitter calls = %d, want 0", sub.calls)
	}

	allowed := newTestService(false, &fakeOracle{price: d(3000)}, sub, nil, fixedFunds{ok: true})
	if _, err := allowed.PlaceBracket(context.Background(), bracket); err != nil {
		t.Errorf("allowed bracket: %v", err)
	}

	unconfigured := newTestService(false, &fakeOracle{price: d(3000)}, sub, nil, nil)
	if _, err := unconfigured.PlaceBracket(context.Background(), bracket); !errors.Is(err, ErrInsufficientDelegatedFunds) {
		t.Errorf("no checker: err = %v, want ErrInsufficientDelegatedFunds", err)
	}
}

func TestUnknownOrPausedMarket(t *testing.T) {
	svc := newTestService(true, &fakeOracle{price: d(3000)}, &fakeSubmitter{}, nil, nil)

	req := ethRequest()
	req.Market = "DOGE"
	if _, err := svc.PlaceTakeProfit(context.Background(), TriggerRequest{Request: req, TriggerPrice: d(3200)}); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("unknown market: err = %v, want ErrInvalidIntent", err)
	}

	svc.markets.UpdateMarketStatus("ETH-USD", market.Paused)
	if _, err := svc.PlaceTakeProfit(context.Background(), TriggerRequest{Request: ethRequest(), TriggerPrice: d(3200)}); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("paused market: err = %v, want ErrInvalidIntent", err)
	}
}
