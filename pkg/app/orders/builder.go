package orders

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpguard/pkg/fixedpoint"
)

// BuilderConfig holds order policy. The zero value is not usable; start from DefaultBuilderConfig.
type BuilderConfig struct {
	// StopLossSlippageMultiplier scales caller slippage for stop losses so exits fill
	StopLossSlippageMultiplier int64
	// BaseExecutionFee is the keeper fee estimate in wei before the buffer
	BaseExecutionFee *big.Int
	// ExecutionBufferBps scales BaseExecutionFee (13000 = 1.3x)
	ExecutionBufferBps int64
}

func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		StopLossSlippageMultiplier: 2,
		BaseExecutionFee:           big.NewInt(200_000_000_000_000),
		ExecutionBufferBps:         13000,
	}
}

// Builder turns intents into validated orders. It holds no mutable state and
// is safe for concurrent use.
type Builder struct {
	slMultiplier int64
	fee          *big.Int
}

func NewBuilder(cfg BuilderConfig) *Builder {
	mult := cfg.StopLossSlippageMultiplier
	if mult <= 0 {
		mult = 1
	}
	if mult > fixedpoint.BpsDenominator {
		mult = fixedpoint.BpsDenominator
	}
	base := cfg.BaseExecutionFee
	if base == nil {
		base = new(big.Int)
	}
	buffer := cfg.ExecutionBufferBps
	if buffer <= 0 {
		buffer = fixedpoint.BpsDenominator
	}
	fee := new(big.Int).Mul(base, big.NewInt(buffer))
	fee.Quo(fee, big.NewInt(fixedpoint.BpsDenominator))

	return &Builder{slMultiplier: mult, fee: fee}
}

// ExecutionFee is the buffered fee attached to every order
func (b *Builder) ExecutionFee() *big.Int {
	return new(big.Int).Set(b.fee)
}

// BuildTakeProfit builds a limit-decrease order that closes the position when
// price moves in its favor: above market for longs, below for shorts.
func (b *Builder) BuildTakeProfit(intent Intent, trigger, marketPrice decimal.Decimal, slippageBps int64) (*Order, error) {
	if err := checkPrices(trigger, marketPrice); err != nil {
		return nil, err
	}
	if err := checkTakeProfitSide(intent.IsLong, trigger, marketPrice); err != nil {
		return nil, err
	}
	return b.buildDecrease(KindTakeProfit, LimitDecrease, intent, trigger, slippageBps)
}

// BuildStopLoss builds a stop-loss-decrease order: below market for longs,
// above for shorts. Slippage is widened by the stop-loss multiplier.
func (b *Builder) BuildStopLoss(intent Intent, trigger, marketPrice decimal.Decimal, slippageBps int64) (*Order, error) {
	if err := checkPrices(trigger, marketPrice); err != nil {
		return nil, err
	}
	if err := checkStopLossSide(intent.IsLong, trigger, marketPrice); err != nil {
		return nil, err
	}
	effective, err := b.stopLossSlippage(slippageBps)
	if err != nil {
		return nil, err
	}
	return b.buildDecrease(KindStopLoss, StopLossDecrease, intent, trigger, effective)
}

// stopLossSlippage widens bps by the multiplier, rejecting inputs whose
// product would leave [0, BpsDenominator) before it is computed
func (b *Builder) stopLossSlippage(bps int64) (int64, error) {
	if err := checkSlippage(bps); err != nil {
		return 0, err
	}
	if bps > (fixedpoint.BpsDenominator-1)/b.slMultiplier {
		return 0, fmt.Errorf("%w: %d bps x %d", ErrInvalidSlippage, bps, b.slMultiplier)
	}
	return bps * b.slMultiplier, nil
}

// BuildPositionWithBrackets returns a market entry with its take profit and stop
// loss. Either all three orders are returned or none.
func (b *Builder) BuildPositionWithBrackets(intent Intent, takeProfit, stopLoss, marketPrice decimal.Decimal, slippageBps int64) (*Bracket, error) {
	if err := checkPrices(takeProfit, marketPrice); err != nil {
		return nil, err
	}
	if !stopLoss.IsPositive() {
		return nil, fmt.Errorf("%w: stop loss %s must be positive", ErrInvalidTriggerPrice, stopLoss)
	}
	if intent.IsLong && !takeProfit.GreaterThan(stopLoss) {
		return nil, fmt.Errorf("%w: long take profit %s must be above stop loss %s", ErrInconsistentBracketPrices, takeProfit, stopLoss)
	}
	if !intent.IsLong && !takeProfit.LessThan(stopLoss) {
		return nil, fmt.Errorf("%w: short take profit %s must be below stop loss %s", ErrInconsistentBracketPrices, takeProfit, stopLoss)
	}

	entry, err := b.BuildEntry(intent, marketPrice, slippageBps)
	if err != nil {
		return nil, err
	}
	tp, err := b.BuildTakeProfit(intent, takeProfit, marketPrice, slippageBps)
	if err != nil {
		return nil, err
	}
	sl, err := b.BuildStopLoss(intent, stopLoss, marketPrice, slippageBps)
	if err != nil {
		return nil, err
	}
	return &Bracket{Entry: entry, TakeProfit: tp, StopLoss: sl}, nil
}

// BuildEntry builds the market-increase order that opens the position.
// Acceptable price is the market price widened against the trader.
func (b *Builder) BuildEntry(intent Intent, marketPrice decimal.Decimal, slippageBps int64) (*Order, error) {
	if !marketPrice.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMarketPrice, marketPrice)
	}
	if err := checkSlippage(slippageBps); err != nil {
		return nil, err
	}
	size, collateral, err := encodeSizes(intent)
	if err != nil {
		return nil, err
	}
	encodedMarket, err := fixedpoint.Encode(marketPrice, intent.PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	return &Order{
		Kind:                  KindEntry,
		OrderType:             MarketIncrease,
		IsLong:                intent.IsLong,
		TriggerPrice:          decimal.Zero,
		TriggerPriceEncoded:   new(big.Int),
		AcceptablePrice:       fixedpoint.ApplyBps(encodedMarket, slippageBps, intent.IsLong),
		SlippageBps:           slippageBps,
		ExecutionFee:          b.ExecutionFee(),
		SizeDeltaUsd:          size,
		CollateralDeltaAmount: collateral,
		Intent:                intent,
	}, nil
}

func (b *Builder) buildDecrease(kind Kind, orderType OrderType, intent Intent, trigger decimal.Decimal, effectiveBps int64) (*Order, error) {
	if err := checkSlippage(effectiveBps); err != nil {
		return nil, err
	}
	size, collateral, err := encodeSizes(intent)
	if err != nil {
		return nil, err
	}
	encoded, err := fixedpoint.Encode(trigger, intent.PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	// closing a long sells: tolerate a lower fill. closing a short buys: tolerate higher.
	acceptable := fixedpoint.ApplyBps(encoded, effectiveBps, !intent.IsLong)

	return &Order{
		Kind:                  kind,
		OrderType:             orderType,
		IsLong:                intent.IsLong,
		TriggerPrice:          trigger,
		TriggerPriceEncoded:   encoded,
		AcceptablePrice:       acceptable,
		SlippageBps:           effectiveBps,
		ExecutionFee:          b.ExecutionFee(),
		SizeDeltaUsd:          size,
		CollateralDeltaAmount: collateral,
		AutoCancel:            true,
		Intent:                intent,
	}, nil
}

func checkPrices(trigger, marketPrice decimal.Decimal) error {
	if !marketPrice.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidMarketPrice, marketPrice)
	}
	if !trigger.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidTriggerPrice, trigger)
	}
	return nil
}

func checkTakeProfitSide(isLong bool, trigger, marketPrice decimal.Decimal) error {
	if isLong && !trigger.GreaterThan(marketPrice) {
		return fmt.Errorf("%w: long take profit %s must be above market %s", ErrInvalidTriggerPrice, trigger, marketPrice)
	}
	if !isLong && !trigger.LessThan(marketPrice) {
		return fmt.Errorf("%w: short take profit %s must be below market %s", ErrInvalidTriggerPrice, trigger, marketPrice)
	}
	return nil
}

func checkStopLossSide(isLong bool, trigger, marketPrice decimal.Decimal) error {
	if isLong && !trigger.LessThan(marketPrice) {
		return fmt.Errorf("%w: long stop loss %s must be below market %s", ErrInvalidTriggerPrice, trigger, marketPrice)
	}
	if !isLong && !trigger.GreaterThan(marketPrice) {
		return fmt.Errorf("%w: short stop loss %s must be above market %s", ErrInvalidTriggerPrice, trigger, marketPrice)
	}
	return nil
}

func checkSlippage(bps int64) error {
	if bps < 0 || bps >= fixedpoint.BpsDenominator {
		return fmt.Errorf("%w: %d bps", ErrInvalidSlippage, bps)
	}
	return nil
}

func encodeSizes(intent Intent) (size, collateral *big.Int, err error) {
	size, err = fixedpoint.Encode(intent.SizeDelta, fixedpoint.USDDecimals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: size: %v", ErrInvalidIntent, err)
	}
	collateral, err = fixedpoint.Encode(intent.CollateralDelta, intent.CollateralDecimals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: collateral: %v", ErrInvalidIntent, err)
	}
	return size, collateral, nil
}
