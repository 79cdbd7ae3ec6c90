package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DelegationManagerABI is the external surface of the ledger
const DelegationManagerABI = `[
{"type":"function","name":"createDelegation","stateMutability":"payable",
 "inputs":[{"name":"delegate","type":"address"},{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"duration","type":"uint256"}],
 "outputs":[{"name":"delegationId","type":"uint256"}]},
{"type":"function","name":"revokeDelegation","stateMutability":"nonpayable",
 "inputs":[{"name":"delegationId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"processExpiredDelegation","stateMutability":"nonpayable",
 "inputs":[{"name":"delegationId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"batchProcessExpired","stateMutability":"nonpayable",
 "inputs":[{"name":"delegationIds","type":"uint256[]"}],"outputs":[]},
{"type":"function","name":"withdrawDelegatedETH","stateMutability":"nonpayable",
 "inputs":[{"name":"delegationId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"transferDelegatedTokens","stateMutability":"nonpayable",
 "inputs":[{"name":"delegationId","type":"uint256"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"getAvailableDelegatedAmount","stateMutability":"view",
 "inputs":[{"name":"delegationId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getDelegationStatus","stateMutability":"view",
 "inputs":[{"name":"delegationId","type":"uint256"}],
 "outputs":[{"name":"isActive","type":"bool"},{"name":"timeLeft","type":"uint256"}]},
{"type":"function","name":"getUserDelegations","stateMutability":"view",
 "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"getReceivedDelegations","stateMutability":"view",
 "inputs":[{"name":"delegate","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"getDelegation","stateMutability":"view",
 "inputs":[{"name":"delegationId","type":"uint256"}],
 "outputs":[{"name":"","type":"tuple","components":[
   {"name":"delegator","type":"address"},
   {"name":"delegate","type":"address"},
   {"name":"asset","type":"address"},
   {"name":"amount","type":"uint256"},
   {"name":"startTime","type":"uint256"},
   {"name":"endTime","type":"uint256"},
   {"name":"isActive","type":"bool"},
   {"name":"isRevoked","type":"bool"}]}]},
{"type":"event","name":"DelegationCreated","anonymous":false,"inputs":[
 {"name":"delegationId","type":"uint256","indexed":true},
 {"name":"delegator","type":"address","indexed":true},
 {"name":"delegate","type":"address","indexed":true},
 {"name":"asset","type":"address","indexed":false},
 {"name":"amount","type":"uint256","indexed":false},
 {"name":"endTime","type":"uint256","indexed":false}]},
{"type":"event","name":"DelegationRevoked","anonymous":false,"inputs":[
 {"name":"delegationId","type":"uint256","indexed":true},
 {"name":"delegator","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"DelegationExpired","anonymous":false,"inputs":[
 {"name":"delegationId","type":"uint256","indexed":true},
 {"name":"delegator","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"DelegatedETHWithdrawn","anonymous":false,"inputs":[
 {"name":"delegationId","type":"uint256","indexed":true},
 {"name":"delegate","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"DelegatedTokensTransferred","anonymous":false,"inputs":[
 {"name":"delegationId","type":"uint256","indexed":true},
 {"name":"delegate","type":"address","indexed":true},
 {"name":"to","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false}]}
]`

var managerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(DelegationManagerABI))
	if err != nil {
		panic(fmt.Sprintf("parse delegation manager abi: %v", err))
	}
	return parsed
}()

// DelegationTuple is the getDelegation return value
type DelegationTuple struct {
	Delegator common.Address `abi:"delegator"`
	Delegate  common.Address `abi:"delegate"`
	Asset     common.Address `abi:"asset"`
	Amount    *big.Int       `abi:"amount"`
	StartTime *big.Int       `abi:"startTime"`
	EndTime   *big.Int       `abi:"endTime"`
	IsActive  bool           `abi:"isActive"`
	IsRevoked bool           `abi:"isRevoked"`
}

// Contract executes ABI-encoded calls against a Ledger, the way the on-chain
// delegation manager would.
type Contract struct {
	Address common.Address // reported as the log emitter
	ledger  *Ledger
}

func NewContract(l *Ledger, address common.Address) *Contract {
	return &Contract{Address: address, ledger: l}
}

// ABI returns the parsed contract interface
func (c *Contract) ABI() abi.ABI { return managerABI }

// Call runs calldata from caller with value wei attached and returns the
// ABI-encoded return data.
func (c *Contract) Call(ctx context.Context, caller common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(calldata))
	}
	method, err := managerABI.MethodById(calldata[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	if method.StateMutability != "payable" && value.Sign() != 0 {
		return nil, fmt.Errorf("%w: %s is not payable", ErrInvalidAmount, method.Name)
	}

	l := c.ledger
	switch method.Name {
	case "createDelegation":
		delegate := args[0].(common.Address)
		asset := args[1].(common.Address)
		amount := args[2].(*big.Int)
		duration, err := toDuration(args[3].(*big.Int))
		if err != nil {
			return nil, err
		}
		if asset == NativeAsset && value.Cmp(amount) != 0 {
			return nil, fmt.Errorf("%w: msg.value %s must equal amount %s", ErrInvalidAmount, value, amount)
		}
		if asset != NativeAsset && value.Sign() != 0 {
			return nil, fmt.Errorf("%w: token delegation with msg.value %s", ErrInvalidAmount, value)
		}
		id, err := l.Create(ctx, caller, delegate, asset, amount, duration)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(new(big.Int).SetUint64(id))

	case "revokeDelegation":
		id, err := toID(args[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		_, err = l.Revoke(ctx, caller, id)
		return nil, err

	case "processExpiredDelegation":
		id, err := toID(args[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		_, err = l.ProcessExpired(ctx, caller, id)
		return nil, err

	case "batchProcessExpired":
		raw := args[0].([]*big.Int)
		ids := make([]uint64, 0, len(raw))
		for _, r := range raw {
			// ids that cannot exist are skipped like any other ineligible id
			if r.IsUint64() {
				ids = append(ids, r.Uint64())
			}
		}
		_, err := l.BatchProcessExpired(ctx, caller, ids)
		return nil, err

	case "withdrawDelegatedETH":
		id, err := toID(args[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		return nil, l.WithdrawNative(ctx, caller, id, args[1].(*big.Int))

	case "transferDelegatedTokens":
		id, err := toID(args[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		return nil, l.TransferTokens(ctx, caller, id, args[1].(common.Address), args[2].(*big.Int))

	case "getAvailableDelegatedAmount":
		id, ok := lookupID(args[0].(*big.Int))
		if !ok {
			return method.Outputs.Pack(new(big.Int))
		}
		return method.Outputs.Pack(l.AvailableAmount(id))

	case "getDelegationStatus":
		id, ok := lookupID(args[0].(*big.Int))
		if !ok {
			return method.Outputs.Pack(false, new(big.Int))
		}
		active, left := l.Status(id)
		return method.Outputs.Pack(active, new(big.Int).SetUint64(left))

	case "getUserDelegations":
		return method.Outputs.Pack(toBigIDs(l.UserDelegations(args[0].(common.Address))))

	case "getReceivedDelegations":
		return method.Outputs.Pack(toBigIDs(l.ReceivedDelegations(args[0].(common.Address))))

	case "getDelegation":
		tuple := DelegationTuple{Amount: new(big.Int), StartTime: new(big.Int), EndTime: new(big.Int)}
		if id, ok := lookupID(args[0].(*big.Int)); ok {
			if d, err := l.Delegation(id); err == nil {
				tuple = toTuple(d)
			}
		}
		return method.Outputs.Pack(tuple)
	}

	return nil, fmt.Errorf("method %s not implemented", method.Name)
}

// EncodeLog renders an event as the log the contract would emit
func (c *Contract) EncodeLog(ev Event) (*types.Log, error) {
	event, ok := managerABI.Events[ev.Name]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", ev.Name)
	}

	topics := []common.Hash{event.ID, common.BigToHash(new(big.Int).SetUint64(ev.DelegationID))}
	var data []any
	switch ev.Name {
	case "DelegationCreated":
		topics = append(topics, addrTopic(ev.Delegator), addrTopic(ev.Delegate))
		data = []any{ev.Asset, ev.Amount, new(big.Int).SetUint64(ev.EndTime)}
	case "DelegationRevoked", "DelegationExpired":
		topics = append(topics, addrTopic(ev.Delegator))
		data = []any{ev.Amount}
	case "DelegatedETHWithdrawn":
		topics = append(topics, addrTopic(ev.Delegate))
		data = []any{ev.Amount}
	case "DelegatedTokensTransferred":
		topics = append(topics, addrTopic(ev.Delegate), addrTopic(ev.To))
		data = []any{ev.Amount}
	}

	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", ev.Name, err)
	}
	return &types.Log{Address: c.Address, Topics: topics, Data: packed}, nil
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func toTuple(d *Delegation) DelegationTuple {
	return DelegationTuple{
		Delegator: d.Delegator,
		Delegate:  d.Delegate,
		Asset:     d.Asset,
		Amount:    new(big.Int).Set(d.Amount),
		StartTime: new(big.Int).SetUint64(d.StartTime),
		EndTime:   new(big.Int).SetUint64(d.EndTime),
		IsActive:  d.IsActive,
		IsRevoked: d.IsRevoked,
	}
}

func toID(v *big.Int) (uint64, error) {
	id, ok := lookupID(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrDelegationNotFound, v)
	}
	return id, nil
}

func lookupID(v *big.Int) (uint64, bool) {
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

func toBigIDs(ids []uint64) []*big.Int {
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = new(big.Int).SetUint64(id)
	}
	return out
}

func toDuration(secs *big.Int) (time.Duration, error) {
	if !secs.IsUint64() || secs.Uint64() > uint64(math.MaxInt64/int64(time.Second)) {
		return 0, fmt.Errorf("%w: %s seconds", ErrInvalidDuration, secs)
	}
	return time.Duration(secs.Uint64()) * time.Second, nil
}
