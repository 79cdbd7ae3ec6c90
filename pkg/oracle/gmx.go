package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpguard/pkg/app/market"
	"github.com/uhyunpark/perpguard/pkg/util"
)

// Ticker is one entry of the exchange's /prices/tickers response. Prices are
// integers scaled by 10^(30 - tokenDecimals).
type Ticker struct {
	TokenAddress string `json:"tokenAddress"`
	TokenSymbol  string `json:"tokenSymbol"`
	MinPrice     string `json:"minPrice"`
	MaxPrice     string `json:"maxPrice"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// TickerOracle prices markets from the exchange's signed-price ticker feed.
// Responses are cached for CacheTTL; zero fetches on every call.
type TickerOracle struct {
	url    string
	client *http.Client
	clock  util.Clock
	log    *zap.SugaredLogger

	CacheTTL time.Duration

	mu      sync.Mutex
	tickers map[string]Ticker // lowercase token address
	fetched time.Time
}

func NewTickerOracle(url string, cacheTTL time.Duration, logger *zap.SugaredLogger) *TickerOracle {
	if logger == nil {
		logger = util.NopSugar()
	}
	return &TickerOracle{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		clock:    util.RealClock{},
		log:      logger,
		CacheTTL: cacheTTL,
	}
}

// CurrentPrice returns the midpoint of min and max for the market's index token
func (o *TickerOracle) CurrentPrice(ctx context.Context, m *market.Market) (decimal.Decimal, error) {
	tickers, err := o.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	t, ok := tickers[strings.ToLower(m.IndexToken.Hex())]
	if !ok {
		return decimal.Zero, fmt.Errorf("no ticker for %s (%s)", m.Symbol, m.IndexToken.Hex())
	}
	return Midpoint(t, m.IndexDecimals)
}

// Midpoint decodes a ticker into a USD price for a token with the given decimals
func Midpoint(t Ticker, tokenDecimals int32) (decimal.Decimal, error) {
	lo, err := decimal.NewFromString(t.MinPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad min price %q: %w", t.MinPrice, err)
	}
	hi, err := decimal.NewFromString(t.MaxPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad max price %q: %w", t.MaxPrice, err)
	}
	mid := lo.Add(hi).Div(decimal.NewFromInt(2))
	price := mid.Shift(-(30 - tokenDecimals))
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price for %s", t.TokenSymbol)
	}
	return price, nil
}

func (o *TickerOracle) load(ctx context.Context) (map[string]Ticker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	if o.CacheTTL > 0 && o.tickers != nil && now.Sub(o.fetched) < o.CacheTTL {
		return o.tickers, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build ticker request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tickers: status %d", resp.StatusCode)
	}

	var list []Ticker
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}

	tickers := make(map[string]Ticker, len(list))
	for _, t := range list {
		tickers[strings.ToLower(t.TokenAddress)] = t
	}
	o.tickers = tickers
	o.fetched = now
	o.log.Debugw("tickers_refreshed", "count", len(tickers))
	return tickers, nil
}
