package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset marks delegations of the chain's native currency (ETH)
var NativeAsset = common.Address{}

// Terminal records how a delegation ended
type Terminal uint8

const (
	TerminalNone Terminal = iota
	TerminalRevoked
	TerminalExpired
	TerminalDrained // delegate withdrew everything
)

func (t Terminal) String() string {
	switch t {
	case TerminalNone:
		return "none"
	case TerminalRevoked:
		return "revoked"
	case TerminalExpired:
		return "expired"
	case TerminalDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Delegation is a time-boxed grant from Delegator to Delegate over escrowed funds.
// Once IsActive is false the record never changes again.
type Delegation struct {
	ID        uint64         `json:"id"`
	Delegator common.Address `json:"delegator"`
	Delegate  common.Address `json:"delegate"`
	Asset     common.Address `json:"asset"`
	Amount    *big.Int       `json:"amount"`   // remaining
	Original  *big.Int       `json:"original"` // escrowed at creation
	StartTime uint64         `json:"start_time"`
	EndTime   uint64         `json:"end_time"`
	IsActive  bool           `json:"is_active"`
	IsRevoked bool           `json:"is_revoked"`
	Terminal  Terminal       `json:"terminal"`
}

func (d *Delegation) IsNative() bool {
	return d.Asset == NativeAsset
}

// Available is the spendable balance at time now. Zero once the delegation is
// inactive, revoked or past its end time, whatever Amount still holds.
func (d *Delegation) Available(now uint64) *big.Int {
	if !d.IsActive || d.IsRevoked || now >= d.EndTime {
		return new(big.Int)
	}
	return new(big.Int).Set(d.Amount)
}

// TimeLeft is the number of seconds until EndTime, zero once reached
func (d *Delegation) TimeLeft(now uint64) uint64 {
	if now >= d.EndTime {
		return 0
	}
	return d.EndTime - now
}

func (d *Delegation) Clone() *Delegation {
	c := *d
	c.Amount = new(big.Int).Set(d.Amount)
	if d.Original != nil {
		c.Original = new(big.Int).Set(d.Original)
	}
	return &c
}

// Settle computes the payout of a terminal revoke or expiry: everything that
// remains goes back to the delegator.
func Settle(d Delegation) (common.Address, *big.Int) {
	return d.Delegator, new(big.Int).Set(d.Amount)
}
