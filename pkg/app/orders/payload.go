package orders

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// exchangeRouterABI covers the router calls used to place orders
const exchangeRouterABI = `[
{"type":"function","name":"multicall","stateMutability":"payable",
 "inputs":[{"name":"data","type":"bytes[]"}],
 "outputs":[{"name":"results","type":"bytes[]"}]},
{"type":"function","name":"sendWnt","stateMutability":"payable",
 "inputs":[{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"sendTokens","stateMutability":"payable",
 "inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"createOrder","stateMutability":"payable",
 "inputs":[{"name":"params","type":"tuple","components":[
   {"name":"addresses","type":"tuple","components":[
     {"name":"receiver","type":"address"},
     {"name":"cancellationReceiver","type":"address"},
     {"name":"callbackContract","type":"address"},
     {"name":"uiFeeReceiver","type":"address"},
     {"name":"market","type":"address"},
     {"name":"initialCollateralToken","type":"address"},
     {"name":"swapPath","type":"address[]"}]},
   {"name":"numbers","type":"tuple","components":[
     {"name":"sizeDeltaUsd","type":"uint256"},
     {"name":"initialCollateralDeltaAmount","type":"uint256"},
     {"name":"triggerPrice","type":"uint256"},
     {"name":"acceptablePrice","type":"uint256"},
     {"name":"executionFee","type":"uint256"},
     {"name":"callbackGasLimit","type":"uint256"},
     {"name":"minOutputAmount","type":"uint256"},
     {"name":"validFromTime","type":"uint256"}]},
   {"name":"orderType","type":"uint8"},
   {"name":"decreasePositionSwapType","type":"uint8"},
   {"name":"isLong","type":"bool"},
   {"name":"shouldUnwrapNativeToken","type":"bool"},
   {"name":"autoCancel","type":"bool"},
   {"name":"referralCode","type":"bytes32"},
   {"name":"dataList","type":"bytes32[]"}]}],
 "outputs":[{"name":"","type":"bytes32"}]}
]`

var routerABI = mustParseABI(exchangeRouterABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse router abi: %v", err))
	}
	return parsed
}

// Arbitrum One deployments. Execution fees and collateral are sent to the vault.
var (
	DefaultOrderVault     = common.HexToAddress("0x31eF83a530Fde1B38EE9A18093A333D8Bbbc40D5")
	DefaultExchangeRouter = common.HexToAddress("0x900173A66dbD345006C51fA35fA3aB760FcD843b")
)

type CreateOrderParamsAddresses struct {
	Receiver               common.Address   `abi:"receiver"`
	CancellationReceiver   common.Address   `abi:"cancellationReceiver"`
	CallbackContract       common.Address   `abi:"callbackContract"`
	UiFeeReceiver          common.Address   `abi:"uiFeeReceiver"`
	Market                 common.Address   `abi:"market"`
	InitialCollateralToken common.Address   `abi:"initialCollateralToken"`
	SwapPath               []common.Address `abi:"swapPath"`
}

type CreateOrderParamsNumbers struct {
	SizeDeltaUsd                 *big.Int `abi:"sizeDeltaUsd"`
	InitialCollateralDeltaAmount *big.Int `abi:"initialCollateralDeltaAmount"`
	TriggerPrice                 *big.Int `abi:"triggerPrice"`
	AcceptablePrice              *big.Int `abi:"acceptablePrice"`
	ExecutionFee                 *big.Int `abi:"executionFee"`
	CallbackGasLimit             *big.Int `abi:"callbackGasLimit"`
	MinOutputAmount              *big.Int `abi:"minOutputAmount"`
	ValidFromTime                *big.Int `abi:"validFromTime"`
}

// CreateOrderParams mirrors the router's createOrder argument tuple field for field
type CreateOrderParams struct {
	Addresses                CreateOrderParamsAddresses `abi:"addresses"`
	Numbers                  CreateOrderParamsNumbers   `abi:"numbers"`
	OrderType                uint8                      `abi:"orderType"`
	DecreasePositionSwapType uint8                      `abi:"decreasePositionSwapType"`
	IsLong                   bool                       `abi:"isLong"`
	ShouldUnwrapNativeToken  bool                       `abi:"shouldUnwrapNativeToken"`
	AutoCancel               bool                       `abi:"autoCancel"`
	ReferralCode             [32]byte                   `abi:"referralCode"`
	DataList                 [][32]byte                 `abi:"dataList"`
}

// Params maps an order onto the router tuple
func (o *Order) Params() CreateOrderParams {
	swapPath := make([]common.Address, len(o.Intent.SwapPath))
	copy(swapPath, o.Intent.SwapPath)

	return CreateOrderParams{
		Addresses: CreateOrderParamsAddresses{
			Receiver:               o.Intent.Receiver,
			CancellationReceiver:   o.Intent.Receiver,
			Market:                 o.Intent.Market,
			InitialCollateralToken: o.Intent.CollateralAsset,
			SwapPath:               swapPath,
		},
		Numbers: CreateOrderParamsNumbers{
			SizeDeltaUsd:                 o.SizeDeltaUsd,
			InitialCollateralDeltaAmount: o.CollateralDeltaAmount,
			TriggerPrice:                 o.TriggerPriceEncoded,
			AcceptablePrice:              o.AcceptablePrice,
			ExecutionFee:                 o.ExecutionFee,
			CallbackGasLimit:             new(big.Int),
			MinOutputAmount:              new(big.Int),
			ValidFromTime:                new(big.Int),
		},
		OrderType:                uint8(o.OrderType),
		DecreasePositionSwapType: uint8(NoSwap),
		IsLong:                   o.IsLong,
		ShouldUnwrapNativeToken:  true,
		AutoCancel:               o.AutoCancel,
		DataList:                 [][32]byte{},
	}
}

// EncodeCreateOrder returns createOrder calldata for a single order
func EncodeCreateOrder(o *Order) ([]byte, error) {
	data, err := routerABI.Pack("createOrder", o.Params())
	if err != nil {
		return nil, fmt.Errorf("pack createOrder: %w", err)
	}
	return data, nil
}

// DecodeCreateOrder parses createOrder calldata back into its tuple
func DecodeCreateOrder(data []byte) (*CreateOrderParams, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := routerABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != "createOrder" {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack createOrder: %w", err)
	}
	params := abi.ConvertType(args[0], new(CreateOrderParams)).(*CreateOrderParams)
	return params, nil
}

// Payload is one router transaction: a multicall of fee/collateral transfers
// followed by createOrder for each order.
type Payload struct {
	To     common.Address
	Value  *big.Int // total wei attached (execution fees)
	Data   []byte   // multicall calldata
	Calls  [][]byte
	Orders []*Order
}

// Encoder builds router payloads for one router/vault deployment
type Encoder struct {
	Router     common.Address
	OrderVault common.Address
}

func NewEncoder(router, orderVault common.Address) *Encoder {
	return &Encoder{Router: router, OrderVault: orderVault}
}

// EncodeMulticall packs orders into a single multicall. Each order contributes
// sendWnt(vault, fee), sendTokens for entry collateral, then createOrder.
func (e *Encoder) EncodeMulticall(orders ...*Order) (*Payload, error) {
	if len(orders) == 0 {
		return nil, fmt.Errorf("no orders to encode")
	}

	value := new(big.Int)
	calls := make([][]byte, 0, len(orders)*3)
	for _, o := range orders {
		sendWnt, err := routerABI.Pack("sendWnt", e.OrderVault, o.ExecutionFee)
		if err != nil {
			return nil, fmt.Errorf("pack sendWnt: %w", err)
		}
		calls = append(calls, sendWnt)
		value.Add(value, o.ExecutionFee)

		if o.Kind == KindEntry && o.CollateralDeltaAmount.Sign() > 0 {
			sendTokens, err := routerABI.Pack("sendTokens", o.Intent.CollateralAsset, e.OrderVault, o.CollateralDeltaAmount)
			if err != nil {
				return nil, fmt.Errorf("pack sendTokens: %w", err)
			}
			calls = append(calls, sendTokens)
		}

		create, err := EncodeCreateOrder(o)
		if err != nil {
			return nil, err
		}
		calls = append(calls, create)
	}

	data, err := routerABI.Pack("multicall", calls)
	if err != nil {
		return nil, fmt.Errorf("pack multicall: %w", err)
	}

	return &Payload{
		To:     e.Router,
		Value:  value,
		Data:   data,
		Calls:  calls,
		Orders: orders,
	}, nil
}

// DecodeMulticall splits multicall calldata into its inner calls
func DecodeMulticall(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method := routerABI.Methods["multicall"]
	if string(method.ID) != string(data[:4]) {
		return nil, fmt.Errorf("not a multicall")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack multicall: %w", err)
	}
	calls, ok := args[0].([][]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected multicall arg type %T", args[0])
	}
	return calls, nil
}
