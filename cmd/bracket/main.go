// Command bracket builds a position with take-profit and stop-loss exits and
// prints the router payload without submitting it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpguard/params"
	"github.com/uhyunpark/perpguard/pkg/app/market"
	"github.com/uhyunpark/perpguard/pkg/app/orders"
	"github.com/uhyunpark/perpguard/pkg/oracle"
	"github.com/uhyunpark/perpguard/pkg/util"
)

type printedOrder struct {
	Kind            string `json:"kind"`
	OrderType       uint8  `json:"orderType"`
	TriggerPrice    string `json:"triggerPrice"`
	AcceptablePrice string `json:"acceptablePrice"`
	SizeDeltaUsd    string `json:"sizeDeltaUsd"`
	Collateral      string `json:"collateralDeltaAmount"`
	ExecutionFee    string `json:"executionFee"`
	Calldata        string `json:"calldata"`
}

type printedPayload struct {
	MarketPrice string         `json:"marketPrice"`
	To          string         `json:"to"`
	Value       string         `json:"value"`
	Orders      []printedOrder `json:"orders"`
	Multicall   string         `json:"multicall"`
}

func main() {
	var (
		symbol     = flag.String("market", "ETH", "market symbol (ETH, BTC, ETH-USD)")
		side       = flag.String("side", "long", "long or short")
		size       = flag.String("size", "2.02", "position size in USD")
		collateral = flag.String("collateral", "", "collateral in USDC (default: size)")
		tp         = flag.String("tp", "", "take-profit trigger price")
		sl         = flag.String("sl", "", "stop-loss trigger price")
		price      = flag.String("price", "", "market price (default: fetch from oracle)")
		slippage   = flag.Int64("slippage", -1, "slippage in bps (default from config)")
		account    = flag.String("account", "", "receiver address")
		envPath    = flag.String("env", "", ".env path")
	)
	flag.Parse()

	if err := run(*symbol, *side, *size, *collateral, *tp, *sl, *price, *slippage, *account, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(symbol, side, size, collateral, tp, sl, price string, slippage int64, account, envPath string) error {
	cfg := params.LoadFromEnv(envPath)

	logger, err := util.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	var isLong bool
	switch side {
	case "long", "buy":
		isLong = true
	case "short", "sell":
	default:
		return fmt.Errorf("side must be long or short, got %q", side)
	}

	sizeUsd, err := decimal.NewFromString(size)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	coll := sizeUsd
	if collateral != "" {
		if coll, err = decimal.NewFromString(collateral); err != nil {
			return fmt.Errorf("collateral: %w", err)
		}
	}
	takeProfit, err := decimal.NewFromString(tp)
	if err != nil {
		return fmt.Errorf("tp: %w", err)
	}
	stopLoss, err := decimal.NewFromString(sl)
	if err != nil {
		return fmt.Errorf("sl: %w", err)
	}

	req := orders.BracketRequest{
		Request: orders.Request{
			Market:     symbol,
			IsLong:     isLong,
			SizeUsd:    sizeUsd,
			Collateral: coll,
		},
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
	}
	if price != "" {
		if req.MarketPrice, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("price: %w", err)
		}
	}
	if slippage >= 0 {
		req.SlippageBps = &slippage
	}
	if account != "" {
		if !common.IsHexAddress(account) {
			return fmt.Errorf("invalid account %q", account)
		}
		req.Account = common.HexToAddress(account)
	}

	svc := orders.NewService(
		orders.NewBuilder(orders.BuilderConfig{
			StopLossSlippageMultiplier: cfg.Orders.StopLossSlippageMultiplier,
			BaseExecutionFee:           cfg.Orders.BaseExecutionFee,
			ExecutionBufferBps:         cfg.Orders.ExecutionBufferBps,
		}),
		orders.NewEncoder(common.HexToAddress(cfg.Chain.ExchangeRouter), common.HexToAddress(cfg.Chain.OrderVault)),
		market.DefaultArbitrum(),
		oracle.NewTickerOracle(cfg.OracleURL, cfg.OracleCacheTTL, sugar),
		nil,
		orders.ServiceConfig{
			DefaultSlippageBps: cfg.Orders.DefaultSlippageBps,
			DebugMode:          true,
			Logger:             sugar,
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := svc.PlaceBracket(ctx, req)
	if err != nil {
		return err
	}

	out := printedPayload{
		MarketPrice: res.MarketPrice.String(),
		To:          res.Payload.To.Hex(),
		Value:       res.Payload.Value.String(),
		Multicall:   hexutil.Encode(res.Payload.Data),
	}
	for _, o := range res.Orders {
		data, err := orders.EncodeCreateOrder(o)
		if err != nil {
			return err
		}
		out.Orders = append(out.Orders, printedOrder{
			Kind:            o.Kind.String(),
			OrderType:       uint8(o.OrderType),
			TriggerPrice:    o.TriggerPrice.String(),
			AcceptablePrice: o.AcceptablePrice.String(),
			SizeDeltaUsd:    o.SizeDeltaUsd.String(),
			Collateral:      o.CollateralDeltaAmount.String(),
			ExecutionFee:    o.ExecutionFee.String(),
			Calldata:        hexutil.Encode(data),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
