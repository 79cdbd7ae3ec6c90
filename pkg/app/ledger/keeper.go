package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Keeper periodically settles expired delegations so funds return to
// delegators without anyone calling processExpiredDelegation.
type Keeper struct {
	ledger   *Ledger
	caller   common.Address // reported as the batch caller
	interval time.Duration
}

func NewKeeper(l *Ledger, caller common.Address, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Keeper{ledger: l, caller: caller, interval: interval}
}

// Sweep settles everything currently expired and returns the settled ids
func (k *Keeper) Sweep(ctx context.Context) ([]uint64, error) {
	ids := k.ledger.ExpiredIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	return k.ledger.BatchProcessExpired(ctx, k.caller, ids)
}

// Run sweeps every interval until ctx is done
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			settled, err := k.Sweep(ctx)
			if err != nil {
				k.ledger.log.Warnw("keeper_sweep_failed", "err", err)
				continue
			}
			if len(settled) > 0 {
				k.ledger.log.Infow("keeper_swept", "settled", settled)
			}
		}
	}
}
