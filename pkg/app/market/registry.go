package market

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Arbitrum One deployments
var (
	ArbitrumUSDC = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	ArbitrumWETH = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	ArbitrumWBTC = common.HexToAddress("0x2f2a2543B76A4166549F7aaB2e75Bef0aefC5B0f")

	ArbitrumETHMarket = common.HexToAddress("0x70d95587d40A2caf56bd97485aB3Eec10Bee6336")
	ArbitrumBTCMarket = common.HexToAddress("0x47c031236e19d024b42f8AE6780E44A573170703")
)

// MarketRegistry manages multiple markets in a thread-safe manner
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

// NewMarketRegistry creates an empty market registry
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[string]*Market),
	}
}

// DefaultArbitrum returns a registry with the ETH-USD and BTC-USD markets (USDC collateral).
func DefaultArbitrum() *MarketRegistry {
	mr := NewMarketRegistry()
	eth, _ := NewMarket("ETH-USD", ArbitrumETHMarket, ArbitrumWETH, ArbitrumUSDC, 18, 6)
	btc, _ := NewMarket("BTC-USD", ArbitrumBTCMarket, ArbitrumWBTC, ArbitrumUSDC, 8, 6)
	_ = mr.RegisterMarket(eth)
	_ = mr.RegisterMarket(btc)
	return mr
}

// RegisterMarket adds a new market to the registry
// Returns error if market with same symbol already exists
func (mr *MarketRegistry) RegisterMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}

	mr.markets[m.Symbol] = m
	return nil
}

// GetMarket retrieves a market by symbol ("ETH-USD").
// A bare asset name ("ETH", "eth") resolves to its USD market.
func (mr *MarketRegistry) GetMarket(symbol string) (*Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	if m, exists := mr.markets[symbol]; exists {
		return m, nil
	}
	upper := strings.ToUpper(symbol)
	if m, exists := mr.markets[upper]; exists {
		return m, nil
	}
	if m, exists := mr.markets[upper+"-USD"]; exists {
		return m, nil
	}
	return nil, fmt.Errorf("market %s not found", symbol)
}

// GetByKey looks a market up by its market token address
func (mr *MarketRegistry) GetByKey(key common.Address) (*Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	for _, m := range mr.markets {
		if m.MarketKey == key {
			return m, nil
		}
	}
	return nil, fmt.Errorf("market %s not found", key.Hex())
}

// ListMarkets returns all registered markets sorted by symbol
func (mr *MarketRegistry) ListMarkets() []*Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]*Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
	return markets
}

// ListActiveMarkets returns only markets with Active status
func (mr *MarketRegistry) ListActiveMarkets() []*Market {
	all := mr.ListMarkets()
	markets := make([]*Market, 0, len(all))
	for _, m := range all {
		if m.Status == Active {
			markets = append(markets, m)
		}
	}
	return markets
}

// UpdateMarketStatus changes the trading status of a market
// Used for emergency pausing, settling, etc.
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("market %s not found", symbol)
	}

	// Settled → *: not allowed (terminal state)
	if m.Status == Settled {
		return fmt.Errorf("cannot change status from Settled (terminal state)")
	}

	m.Status = status
	return nil
}

// Count returns the total number of registered markets
func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}

// Exists checks if a market is registered
func (mr *MarketRegistry) Exists(symbol string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, exists := mr.markets[symbol]
	return exists
}
