package market

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpguard/pkg/fixedpoint"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active   MarketStatus = iota // Trading enabled
	Paused                       // Trading halted (emergency)
	Settling                     // Closing out
	Settled                      // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Market describes one perpetual market on the exchange (e.g. ETH-USD backed by WETH/USDC).
type Market struct {
	// Identity
	Symbol    string         // "ETH-USD"
	MarketKey common.Address // market token address, passed as `market` in createOrder
	Status    MarketStatus

	// Tokens
	IndexToken      common.Address // asset whose price is tracked
	CollateralToken common.Address // default collateral (USDC)

	// Precision
	IndexDecimals      int32 // 18 for WETH, 8 for WBTC
	CollateralDecimals int32 // 6 for USDC
}

// NewMarket creates a new active market with validation
func NewMarket(symbol string, marketKey, indexToken, collateralToken common.Address, indexDecimals, collateralDecimals int32) (*Market, error) {
	m := &Market{
		Symbol:             symbol,
		MarketKey:          marketKey,
		Status:             Active,
		IndexToken:         indexToken,
		CollateralToken:    collateralToken,
		IndexDecimals:      indexDecimals,
		CollateralDecimals: collateralDecimals,
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.MarketKey == (common.Address{}) {
		return fmt.Errorf("market key cannot be the zero address")
	}
	if m.IndexToken == (common.Address{}) || m.CollateralToken == (common.Address{}) {
		return fmt.Errorf("index and collateral tokens must be specified")
	}
	if m.IndexDecimals < 0 || m.IndexDecimals > fixedpoint.USDDecimals {
		return fmt.Errorf("index decimals %d out of range [0, %d]", m.IndexDecimals, fixedpoint.USDDecimals)
	}
	if m.CollateralDecimals < 0 || m.CollateralDecimals > fixedpoint.USDDecimals {
		return fmt.Errorf("collateral decimals %d out of range", m.CollateralDecimals)
	}
	return nil
}

// PriceDecimals is the precision of trigger and acceptable prices for this market.
// Prices are USD per 1 unit of the index token's smallest denomination, scaled by 10^30.
// ETH (18 decimals) → 12, BTC (8 decimals) → 22.
func (m *Market) PriceDecimals() int32 {
	return fixedpoint.USDDecimals - m.IndexDecimals
}

// BaseAsset returns the "ETH" of "ETH-USD"
func (m *Market) BaseAsset() string {
	base, _, _ := strings.Cut(m.Symbol, "-")
	return base
}

// ValidateTradable fails unless the market accepts new orders
func (m *Market) ValidateTradable() error {
	if m.Status != Active {
		return fmt.Errorf("market %s is not active (status: %s)", m.Symbol, m.Status)
	}
	return nil
}
