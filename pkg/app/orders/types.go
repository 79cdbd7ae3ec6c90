package orders

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpguard/pkg/app/market"
)

// Kind is the role an order plays in a position
type Kind uint8

const (
	KindEntry Kind = iota
	KindTakeProfit
	KindStopLoss
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindTakeProfit:
		return "take_profit"
	case KindStopLoss:
		return "stop_loss"
	default:
		return "unknown"
	}
}

// OrderType is the exchange's on-chain order type code
type OrderType uint8

const (
	MarketSwap       OrderType = 0
	LimitSwap        OrderType = 1
	MarketIncrease   OrderType = 2
	LimitIncrease    OrderType = 3
	MarketDecrease   OrderType = 4
	LimitDecrease    OrderType = 5 // take profit
	StopLossDecrease OrderType = 6
	Liquidation      OrderType = 7
)

func (t OrderType) String() string {
	switch t {
	case MarketSwap:
		return "MarketSwap"
	case LimitSwap:
		return "LimitSwap"
	case MarketIncrease:
		return "MarketIncrease"
	case LimitIncrease:
		return "LimitIncrease"
	case MarketDecrease:
		return "MarketDecrease"
	case LimitDecrease:
		return "LimitDecrease"
	case StopLossDecrease:
		return "StopLossDecrease"
	case Liquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// DecreasePositionSwapType controls what happens to collateral released by a decrease
type DecreasePositionSwapType uint8

const (
	NoSwap                        DecreasePositionSwapType = 0
	SwapPnlTokenToCollateralToken DecreasePositionSwapType = 1
	SwapCollateralTokenToPnlToken DecreasePositionSwapType = 2
)

// Intent is what the trader wants: which position, how big, where proceeds go.
// The builder never modifies an Intent.
type Intent struct {
	Market          common.Address // market token
	CollateralAsset common.Address
	IndexAsset      common.Address
	IsLong          bool

	SizeDelta       decimal.Decimal // USD
	CollateralDelta decimal.Decimal // collateral token units (e.g. 100.5 USDC)
	SwapPath        []common.Address

	PriceDecimals      int32 // trigger/acceptable price precision
	CollateralDecimals int32

	Receiver common.Address
}

// NewIntent fills market-derived fields from the registry entry
func NewIntent(m *market.Market, isLong bool, sizeUsd, collateral decimal.Decimal, receiver common.Address) Intent {
	return Intent{
		Market:             m.MarketKey,
		CollateralAsset:    m.CollateralToken,
		IndexAsset:         m.IndexToken,
		IsLong:             isLong,
		SizeDelta:          sizeUsd,
		CollateralDelta:    collateral,
		PriceDecimals:      m.PriceDecimals(),
		CollateralDecimals: m.CollateralDecimals,
		Receiver:           receiver,
	}
}

// Direction returns "long" or "short"
func (i Intent) Direction() string {
	if i.IsLong {
		return "long"
	}
	return "short"
}

// Order is a fully validated order ready to be encoded. Never mutated after construction.
type Order struct {
	Kind      Kind
	OrderType OrderType
	IsLong    bool

	TriggerPrice        decimal.Decimal // zero for market entries
	TriggerPriceEncoded *big.Int
	AcceptablePrice     *big.Int
	SlippageBps         int64 // effective slippage applied to AcceptablePrice

	ExecutionFee          *big.Int // wei
	SizeDeltaUsd          *big.Int // 30 decimals
	CollateralDeltaAmount *big.Int // collateral token base units
	AutoCancel            bool

	Intent Intent
}

// Bracket is an entry plus its take-profit and stop-loss exits
type Bracket struct {
	Entry      *Order
	TakeProfit *Order
	StopLoss   *Order
}

// Orders returns the bracket in submission order
func (b *Bracket) Orders() []*Order {
	return []*Order{b.Entry, b.TakeProfit, b.StopLoss}
}
