package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpguard/pkg/app/ledger"
)

// Key schema:
//
//   dlg:<id:020>                      → Delegation (JSON)
//   evt:<seq:020>                     → ledger Event (JSON)
//   meta:next_id                      → next delegation id (decimal)
//   meta:event_seq                    → last event sequence (decimal)
//   ord:<recordID>                    → order Record (JSON)
//   oac:<account>:<created:020>:<id>  → recordID (account index)
//   vlt:<kind>:<asset>:<holder>       → amount (decimal)
//
// Zero-padded numbers keep lexicographic order equal to numeric order.
const (
	prefixDelegation = "dlg:"
	prefixEvent      = "evt:"
	prefixOrder      = "ord:"
	prefixOrderIndex = "oac:"
	prefixVault      = "vlt:"
)

var (
	keyNextID   = []byte("meta:next_id")
	keyEventSeq = []byte("meta:event_seq")
)

func delegationKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixDelegation, id))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

// orderIndexKey sorts an account's records by creation time
func orderIndexKey(account string, createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOrderIndex, account, createdAt, id))
}

func orderIndexPrefix(account string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrderIndex, account))
}

func vaultKey(kind ledger.BalanceKind, asset, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixVault, kind, asset.Hex(), holder.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
