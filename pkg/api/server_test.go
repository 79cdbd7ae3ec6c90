package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpguard/pkg/app/ledger"
	"github.com/uhyunpark/perpguard/pkg/app/market"
	"github.com/uhyunpark/perpguard/pkg/app/orders"
	"github.com/uhyunpark/perpguard/pkg/crypto"
	"github.com/uhyunpark/perpguard/pkg/util"
)

var (
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000de1e6a7e")
	delegate    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type staticOracle struct{ price decimal.Decimal }

func (o staticOracle) CurrentPrice(_ context.Context, _ *market.Market) (decimal.Decimal, error) {
	return o.price, nil
}

type harness struct {
	srv    *Server
	h      http.Handler
	ledger *ledger.Ledger
	vault  *ledger.MemoryVault
	clock  *util.ManualClock
	user   *crypto.Signer
	auth   *crypto.EIP712Signer
	nonce  uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	user, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	vault := ledger.NewMemoryVault()
	if err := vault.Deposit(user.Address(), ledger.NativeAsset, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	l, err := ledger.New(ledger.Config{MinDuration: time.Minute, MaxDuration: 24 * time.Hour}, vault, clock)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	markets := market.DefaultArbitrum()
	svc := orders.NewService(
		orders.NewBuilder(orders.DefaultBuilderConfig()),
		orders.NewEncoder(orders.DefaultExchangeRouter, orders.DefaultOrderVault),
		markets,
		staticOracle{price: decimal.NewFromInt(3200)},
		nil,
		orders.ServiceConfig{DefaultSlippageBps: 50, DebugMode: true, Funds: l},
	)

	auth := crypto.NewEIP712Signer(crypto.DefaultDomain(big.NewInt(42161), managerAddr))
	srv := NewServer(Config{
		Markets:        markets,
		Orders:         svc,
		Ledger:         l,
		Contract:       ledger.NewContract(l, managerAddr),
		CallAuth:       auth,
		Vault:          vault,
		DevEndpoints:   true,
		DefaultAccount: user.Address(),
	})
	return &harness{srv: srv, h: srv.Handler(), ledger: l, vault: vault, clock: clock, user: user, auth: auth}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// signedCall builds a ledger call signed by the harness user with the next nonce
func (h *harness) signedCall(t *testing.T, value *big.Int, method string, args ...any) LedgerCallRequest {
	t.Helper()
	managerABI := ledger.NewContract(h.ledger, managerAddr).ABI()
	data, err := managerABI.Pack(method, args...)
	if err != nil {
		t.Fatalf("pack %s: %v", method, err)
	}
	h.nonce++
	call := &crypto.LedgerCallEIP712{
		Caller:   h.user.Address(),
		Value:    value,
		Data:     data,
		Nonce:    new(big.Int).SetUint64(h.nonce),
		Deadline: new(big.Int),
	}
	sig, err := h.auth.SignLedgerCall(h.user, call)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return LedgerCallRequest{
		Caller:    h.user.Address().Hex(),
		Value:     value.String(),
		Data:      hexutil.Encode(data),
		Nonce:     h.nonce,
		Signature: hexutil.Encode(sig),
	}
}

func TestHealthAndMarkets(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	health := decode[map[string]any](t, rec)
	if health["debugMode"] != true {
		t.Errorf("debugMode = %v, want true", health["debugMode"])
	}

	markets := decode[[]MarketInfo](t, h.do(t, "GET", "/api/v1/markets", nil))
	if len(markets) != 2 {
		t.Fatalf("markets = %d, want 2", len(markets))
	}

	eth := decode[MarketInfo](t, h.do(t, "GET", "/api/v1/markets/ETH", nil))
	if eth.Symbol != "ETH-USD" || eth.PriceDecimals != 12 {
		t.Errorf("ETH = %+v, want ETH-USD with 12 price decimals", eth)
	}

	if rec := h.do(t, "GET", "/api/v1/markets/DOGE", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown market status = %d, want 404", rec.Code)
	}
}

func TestTakeProfitDryRun(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/v1/orders/take-profit", map[string]any{
		"market":       "ETH",
		"isLong":       true,
		"sizeUsd":      "100",
		"collateral":   "50",
		"triggerPrice": "3500",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[OrderResponse](t, rec)
	if resp.Status != "dry_run" {
		t.Errorf("status = %q, want dry_run", resp.Status)
	}
	if len(resp.Orders) != 1 || resp.Orders[0].OrderTypeCode != 5 {
		t.Fatalf("orders = %+v, want one LimitDecrease", resp.Orders)
	}
	if resp.To != orders.DefaultExchangeRouter.Hex() {
		t.Errorf("to = %s, want router", resp.To)
	}
	if resp.MarketPrice != "3200" {
		t.Errorf("market price = %s, want oracle 3200", resp.MarketPrice)
	}
}

func TestOrderValidationStatus(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		path string
		body map[string]any
		want int
	}{
		{
			name: "take profit below market for long",
			path: "/api/v1/orders/take-profit",
			body: map[string]any{"market": "ETH", "isLong": true, "sizeUsd": "100", "collateral": "50", "triggerPrice": "3000"},
			want: http.StatusBadRequest,
		},
		{
			name: "stop loss above market for long",
			path: "/api/v1/orders/stop-loss",
			body: map[string]any{"market": "ETH", "isLong": true, "sizeUsd": "100", "collateral": "50", "triggerPrice": "3300"},
			want: http.StatusBadRequest,
		},
		{
			name: "bad account",
			path: "/api/v1/orders/stop-loss",
			body: map[string]any{"market": "ETH", "account": "0x123", "triggerPrice": "3000"},
			want: http.StatusBadRequest,
		},
		{
			name: "bracket on delegated funds without delegation",
			path: "/api/v1/orders/bracket",
			body: map[string]any{"market": "ETH", "isLong": true, "sizeUsd": "100", "collateral": "50", "takeProfit": "3500", "stopLoss": "3000", "useDelegatedFunds": true},
			want: http.StatusConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(t, "POST", tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestSignalBracket(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/v1/positions/bracket", map[string]any{
		"Signal Message":  "sell",
		"Token Mentioned": "btc",
		"TP1":             60000,
		"TP2":             58000,
		"SL":              68000,
		"Current Price":   65000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[OrderResponse](t, rec)
	if len(resp.Orders) != 3 {
		t.Fatalf("orders = %d, want entry + tp + sl", len(resp.Orders))
	}
	kinds := []string{resp.Orders[0].Kind, resp.Orders[1].Kind, resp.Orders[2].Kind}
	if kinds[0] != "entry" || kinds[1] != "take_profit" || kinds[2] != "stop_loss" {
		t.Errorf("kinds = %v", kinds)
	}
	if resp.Orders[0].IsLong {
		t.Error("sell signal opened a long")
	}
	if resp.MarketPrice != "65000" {
		t.Errorf("market price = %s, want signal price 65000", resp.MarketPrice)
	}
	// 2.02 USD default size at 1x leverage: 2.02 USDC collateral
	if resp.Orders[0].CollateralDelta != "2020000" {
		t.Errorf("collateral = %s, want 2020000", resp.Orders[0].CollateralDelta)
	}

	bad := h.do(t, "POST", "/api/v1/positions/bracket", map[string]any{
		"Signal Message": "hold", "Token Mentioned": "ETH", "TP1": 1, "SL": 1,
	})
	if bad.Code != http.StatusBadRequest {
		t.Errorf("unknown signal status = %d, want 400", bad.Code)
	}
}

func TestSignedLedgerCalls(t *testing.T) {
	h := newHarness(t)

	create := h.signedCall(t, big.NewInt(1000), "createDelegation", delegate, ledger.NativeAsset, big.NewInt(1000), big.NewInt(3600))
	rec := h.do(t, "POST", "/api/v1/ledger/call", create)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[LedgerCallResponse](t, rec)
	if resp.Method != "createDelegation" {
		t.Errorf("method = %s", resp.Method)
	}
	if id := new(big.Int).SetBytes(hexutil.MustDecode(resp.Result)); id.Int64() != 1 {
		t.Errorf("id = %s, want 1", id)
	}

	if rec := h.do(t, "POST", "/api/v1/ledger/call", create); rec.Code != http.StatusConflict {
		t.Errorf("replay status = %d, want 409", rec.Code)
	}

	forged := h.signedCall(t, new(big.Int), "revokeDelegation", big.NewInt(1))
	forged.Caller = delegate.Hex()
	if rec := h.do(t, "POST", "/api/v1/ledger/call", forged); rec.Code != http.StatusUnauthorized {
		t.Errorf("forged status = %d, want 401", rec.Code)
	}

	// delegator cannot withdraw; the ledger rejects it after auth passes
	withdraw := h.signedCall(t, new(big.Int), "withdrawDelegatedETH", big.NewInt(1), big.NewInt(10))
	if rec := h.do(t, "POST", "/api/v1/ledger/call", withdraw); rec.Code != http.StatusForbidden {
		t.Errorf("withdraw by delegator status = %d, want 403", rec.Code)
	}

	info := decode[DelegationInfo](t, h.do(t, "GET", "/api/v1/delegations/1", nil))
	if info.Amount != "1000" || !info.IsActive || info.TimeLeft != 3600 {
		t.Errorf("delegation = %+v", info)
	}

	funds := decode[DelegatedFundsSummary](t, h.do(t, "GET", "/api/v1/accounts/"+delegate.Hex()+"/delegated-funds", nil))
	if funds.ActiveCount != 1 || funds.Totals[ledger.NativeAsset.Hex()] != "1000" || funds.NextExpirySeconds != 3600 {
		t.Errorf("funds = %+v", funds)
	}

	revoke := h.signedCall(t, new(big.Int), "revokeDelegation", big.NewInt(1))
	if rec := h.do(t, "POST", "/api/v1/ledger/call", revoke); rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", rec.Code, rec.Body)
	}
	if got := h.vault.BalanceOf(h.user.Address(), ledger.NativeAsset); got.Int64() != 10_000 {
		t.Errorf("delegator balance = %s, want 10000 after revoke", got)
	}

	again := h.signedCall(t, new(big.Int), "revokeDelegation", big.NewInt(1))
	if rec := h.do(t, "POST", "/api/v1/ledger/call", again); rec.Code != http.StatusConflict {
		t.Errorf("second revoke status = %d, want 409", rec.Code)
	}

	acct := decode[AccountDelegations](t, h.do(t, "GET", "/api/v1/accounts/"+h.user.Address().Hex()+"/delegations", nil))
	if len(acct.Given) != 1 || len(acct.Received) != 0 || acct.Given[0].Terminal != "revoked" {
		t.Errorf("account delegations = %+v", acct)
	}
}

func TestLedgerCallDeadline(t *testing.T) {
	h := newHarness(t)

	req := h.signedCall(t, new(big.Int), "revokeDelegation", big.NewInt(1))
	// re-sign with a deadline already behind the ledger clock
	data := hexutil.MustDecode(req.Data)
	call := &crypto.LedgerCallEIP712{
		Caller:   h.user.Address(),
		Value:    new(big.Int),
		Data:     data,
		Nonce:    new(big.Int).SetUint64(req.Nonce),
		Deadline: new(big.Int).SetUint64(h.ledger.Now() - 1),
	}
	sig, err := h.auth.SignLedgerCall(h.user, call)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Deadline = call.Deadline.Uint64()
	req.Signature = hexutil.Encode(sig)

	if rec := h.do(t, "POST", "/api/v1/ledger/call", req); rec.Code != http.StatusConflict {
		t.Errorf("expired call status = %d, want 409", rec.Code)
	}
}

func TestDelegationNotFound(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, "GET", "/api/v1/delegations/99", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := h.do(t, "GET", "/api/v1/accounts/nope/delegations", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad address status = %d, want 400", rec.Code)
	}
}

func TestVaultDevEndpoints(t *testing.T) {
	h := newHarness(t)
	usdc := common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")

	rec := h.do(t, "POST", "/api/v1/vault/deposit", VaultRequest{Holder: delegate.Hex(), Asset: usdc.Hex(), Amount: "500"})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status = %d, body %s", rec.Code, rec.Body)
	}
	h.do(t, "POST", "/api/v1/vault/approve", VaultRequest{Holder: delegate.Hex(), Asset: usdc.Hex(), Amount: "200"})

	bal := decode[VaultBalance](t, h.do(t, "GET", "/api/v1/vault/"+delegate.Hex()+"?asset="+usdc.Hex(), nil))
	if bal.Balance != "500" || bal.Allowance != "200" {
		t.Errorf("balance = %+v, want 500/200", bal)
	}

	if rec := h.do(t, "POST", "/api/v1/vault/deposit", VaultRequest{Holder: delegate.Hex(), Amount: "-1"}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative deposit status = %d, want 400", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrDelegationNotFound, http.StatusNotFound},
		{ledger.ErrUnauthorizedCaller, http.StatusForbidden},
		{fmt.Errorf("%w: push", ledger.ErrAssetTransferFailed), http.StatusBadGateway},
		{errors.Join(orders.ErrSubmissionFailed, errors.New("rpc down")), http.StatusBadGateway},
		{orders.ErrPriceUnavailable, http.StatusBadGateway},
		{ledger.ErrReentrantCall, http.StatusConflict},
		{ledger.ErrDelegationExpired, http.StatusConflict},
		{orders.ErrInsufficientDelegatedFunds, http.StatusConflict},
		{fmt.Errorf("%w: below min", ledger.ErrInvalidDuration), http.StatusBadRequest},
		{orders.ErrInconsistentBracketPrices, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPublishFansOutToChannels(t *testing.T) {
	hub := NewHub(nil)
	c := &Client{hub: hub, send: make(chan []byte, 4), subscriptions: map[string]bool{}}
	c.Subscribe(accountChannel(delegate.Hex()))
	hub.clients[c] = true

	hub.Publish(ledger.Event{Seq: 1, Name: "DelegationCreated", DelegationID: 7, Delegate: delegate, Amount: big.NewInt(5)})
	hub.Publish(ledger.Event{Seq: 2, Name: "DelegationCreated", DelegationID: 8, Amount: big.NewInt(5)})

	if len(c.send) != 1 {
		t.Fatalf("queued = %d, want 1", len(c.send))
	}
	var msg LedgerEventMessage
	if err := json.Unmarshal(<-c.send, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.DelegationID != 7 || msg.Amount != "5" || msg.To != "" {
		t.Errorf("msg = %+v", msg)
	}
}
