package api

import (
	"github.com/shopspring/decimal"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// Markets
// ==============================

type MarketInfo struct {
	Symbol             string `json:"symbol"` // e.g., "ETH-USD"
	BaseAsset          string `json:"baseAsset"`
	Status             string `json:"status"`
	MarketKey          string `json:"marketKey"`
	IndexToken         string `json:"indexToken"`
	CollateralToken    string `json:"collateralToken"`
	IndexDecimals      int32  `json:"indexDecimals"`
	CollateralDecimals int32  `json:"collateralDecimals"`
	PriceDecimals      int32  `json:"priceDecimals"` // trigger/acceptable price precision
}

// ==============================
// Orders
// ==============================

// OrderRequest describes the position an order applies to. Decimal fields
// accept JSON strings or numbers.
type OrderRequest struct {
	Market            string          `json:"market"`
	IsLong            bool            `json:"isLong"`
	SizeUsd           decimal.Decimal `json:"sizeUsd"`
	Collateral        decimal.Decimal `json:"collateral"` // collateral token units
	Account           string          `json:"account"`
	SlippageBps       *int64          `json:"slippageBps,omitempty"`
	MarketPrice       decimal.Decimal `json:"marketPrice"` // optional oracle override
	UseDelegatedFunds bool            `json:"useDelegatedFunds"`
}

type TriggerOrderRequest struct {
	OrderRequest
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
}

type BracketOrderRequest struct {
	OrderRequest
	TakeProfit decimal.Decimal `json:"takeProfit"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
}

// SignalRequest is the trading-signal format: direction, token, TP1, SL and
// optionally the price the signal was issued at.
type SignalRequest struct {
	SignalMessage  string           `json:"Signal Message"` // buy, long, sell, short
	TokenMentioned string           `json:"Token Mentioned"`
	TP1            *decimal.Decimal `json:"TP1"`
	TP2            *decimal.Decimal `json:"TP2,omitempty"` // logged only
	SL             *decimal.Decimal `json:"SL"`
	CurrentPrice   *decimal.Decimal `json:"Current Price,omitempty"`
	SafeAddress    string           `json:"safeAddress,omitempty"`
	SizeUsd        *decimal.Decimal `json:"sizeUsd,omitempty"`
	Leverage       int64            `json:"leverage,omitempty"`
}

// OrderInfo is one built order
type OrderInfo struct {
	Kind                string `json:"kind"`
	OrderType           string `json:"orderType"`
	OrderTypeCode       uint8  `json:"orderTypeCode"`
	IsLong              bool   `json:"isLong"`
	TriggerPrice        string `json:"triggerPrice"`
	TriggerPriceEncoded string `json:"triggerPriceEncoded"`
	AcceptablePrice     string `json:"acceptablePrice"`
	SlippageBps         int64  `json:"slippageBps"`
	SizeDeltaUsd        string `json:"sizeDeltaUsd"`
	CollateralDelta     string `json:"collateralDelta"`
	ExecutionFee        string `json:"executionFee"`
	AutoCancel          bool   `json:"autoCancel"`
}

type OrderResponse struct {
	RecordID    string      `json:"recordId"`
	Status      string      `json:"status"` // dry_run or submitted
	MarketPrice string      `json:"marketPrice"`
	Orders      []OrderInfo `json:"orders"`
	To          string      `json:"to"`
	Value       string      `json:"value"` // wei
	Calldata    string      `json:"calldata"`
	TxHash      string      `json:"txHash,omitempty"`
}

// ==============================
// Delegations
// ==============================

type DelegationInfo struct {
	ID        uint64 `json:"id"`
	Delegator string `json:"delegator"`
	Delegate  string `json:"delegate"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`    // remaining
	Available string `json:"available"` // spendable now
	Original  string `json:"original"`
	StartTime uint64 `json:"startTime"`
	EndTime   uint64 `json:"endTime"`
	TimeLeft  uint64 `json:"timeLeft"`
	IsActive  bool   `json:"isActive"`
	IsRevoked bool   `json:"isRevoked"`
	Terminal  string `json:"terminal"`
}

type AccountDelegations struct {
	Address  string           `json:"address"`
	Given    []DelegationInfo `json:"given"`
	Received []DelegationInfo `json:"received"`
}

// DelegatedFundsSummary is what a delegate can spend right now
type DelegatedFundsSummary struct {
	Delegate          string            `json:"delegate"`
	Totals            map[string]string `json:"totals"` // asset -> amount
	ActiveCount       int               `json:"activeCount"`
	NextExpirySeconds uint64            `json:"nextExpirySeconds"` // 0 when none active
}

// LedgerCallRequest is an ABI call against the delegation manager, signed by
// the caller over EIP-712 typed data.
type LedgerCallRequest struct {
	Caller    string `json:"caller"`
	Value     string `json:"value,omitempty"` // wei, decimal
	Data      string `json:"data"`            // 0x calldata
	Nonce     uint64 `json:"nonce"`
	Deadline  uint64 `json:"deadline,omitempty"`
	Signature string `json:"signature"`
}

type LedgerCallResponse struct {
	Method string `json:"method"`
	Result string `json:"result"` // 0x return data
}

type VaultRequest struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"` // base units, decimal
}

type VaultBalance struct {
	Holder    string `json:"holder"`
	Asset     string `json:"asset"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Messages
// ==============================

// WSSubscribeRequest subscribes to channels: "ledger", "orders",
// "delegation:<id>", "account:<address>"
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

type LedgerEventMessage struct {
	Type         string `json:"type"` // "ledger_event"
	Seq          uint64 `json:"seq"`
	Name         string `json:"name"`
	Topic        string `json:"topic"`
	DelegationID uint64 `json:"delegationId"`
	Delegator    string `json:"delegator"`
	Delegate     string `json:"delegate"`
	Asset        string `json:"asset"`
	To           string `json:"to,omitempty"`
	Amount       string `json:"amount"`
	EndTime      uint64 `json:"endTime,omitempty"`
	Time         uint64 `json:"time"`
}

type OrderEventMessage struct {
	Type     string   `json:"type"` // "order"
	RecordID string   `json:"recordId"`
	Account  string   `json:"account"`
	Market   string   `json:"market"`
	Kinds    []string `json:"kinds"`
	Status   string   `json:"status"`
	TxHash   string   `json:"txHash,omitempty"`
}
