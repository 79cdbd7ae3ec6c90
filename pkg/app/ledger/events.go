package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Canonical event signatures; topics are keccak256 of these
const (
	SigDelegationCreated          = "DelegationCreated(uint256,address,address,address,uint256,uint256)"
	SigDelegationRevoked          = "DelegationRevoked(uint256,address,uint256)"
	SigDelegationExpired          = "DelegationExpired(uint256,address,uint256)"
	SigDelegatedETHWithdrawn      = "DelegatedETHWithdrawn(uint256,address,uint256)"
	SigDelegatedTokensTransferred = "DelegatedTokensTransferred(uint256,address,address,uint256)"
)

var (
	TopicDelegationCreated          = EventTopic(SigDelegationCreated)
	TopicDelegationRevoked          = EventTopic(SigDelegationRevoked)
	TopicDelegationExpired          = EventTopic(SigDelegationExpired)
	TopicDelegatedETHWithdrawn      = EventTopic(SigDelegatedETHWithdrawn)
	TopicDelegatedTokensTransferred = EventTopic(SigDelegatedTokensTransferred)
)

// EventTopic returns keccak256(signature)
func EventTopic(signature string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return common.BytesToHash(h.Sum(nil))
}

// Event is emitted after every committed state change
type Event struct {
	Seq          uint64         `json:"seq"`
	Name         string         `json:"name"`
	Topic        common.Hash    `json:"topic"`
	DelegationID uint64         `json:"delegation_id"`
	Delegator    common.Address `json:"delegator"`
	Delegate     common.Address `json:"delegate"`
	Asset        common.Address `json:"asset"`
	To           common.Address `json:"to"` // payout recipient
	Amount       *big.Int       `json:"amount"`
	EndTime      uint64         `json:"end_time,omitempty"`
	Time         uint64         `json:"time"`
}

// EventSink receives events after commit. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

func createdEvent(d *Delegation, now uint64) Event {
	return Event{
		Name:         "DelegationCreated",
		Topic:        TopicDelegationCreated,
		DelegationID: d.ID,
		Delegator:    d.Delegator,
		Delegate:     d.Delegate,
		Asset:        d.Asset,
		Amount:       new(big.Int).Set(d.Original),
		EndTime:      d.EndTime,
		Time:         now,
	}
}

func settledEvent(name string, topic common.Hash, d *Delegation, to common.Address, amount *big.Int, now uint64) Event {
	return Event{
		Name:         name,
		Topic:        topic,
		DelegationID: d.ID,
		Delegator:    d.Delegator,
		Delegate:     d.Delegate,
		Asset:        d.Asset,
		To:           to,
		Amount:       new(big.Int).Set(amount),
		Time:         now,
	}
}
