package chain

import (
	"errors"
	"fmt"

	"github.com/rillcoin/rillcoin/internal/utxo"
)

// ErrDecayInvariantViolated marks a corrupted ledger: the sum of every
// cluster's stored nominal total plus the decay pool no longer equals
// total supply. This can only follow a bug in apply/undo bookkeeping, not
// from any sequence of valid blocks, so callers should treat it as fatal
// rather than attempt to continue.
var ErrDecayInvariantViolated = errors.New("chain: decay invariant violated")

// CheckDecayInvariant re-derives total supply from the UTXO/cluster store
// and compares it against the chain's tracked supply: every cluster's
// stored nominal total, summed with the decay pool, must equal supply
// exactly (apply and undo move value between the two in lockstep; nothing
// else touches either). It walks every cluster record once, so callers
// should run it off the hot path (after a batch of blocks, on a debug
// endpoint, in tests) rather than once per block.
func (c *Chain) CheckDecayInvariant() error {
	c.mu.Lock()
	supply := c.state.Supply
	c.mu.Unlock()

	pool, err := c.utxos.DecayPool()
	if err != nil {
		return fmt.Errorf("decay pool: %w", err)
	}

	var clusterTotal uint64
	var overflowed bool
	err = c.utxos.ForEachCluster(func(rec *utxo.ClusterRecord) error {
		var ok bool
		clusterTotal, ok = checkedAdd(clusterTotal, rec.TotalNominal)
		if !ok {
			overflowed = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sum cluster totals: %w", err)
	}
	if overflowed {
		return fmt.Errorf("sum cluster totals: %w", ErrArithmeticOverflow)
	}

	total, ok := checkedAdd(clusterTotal, pool)
	if !ok {
		return fmt.Errorf("cluster total + pool: %w", ErrArithmeticOverflow)
	}
	if total != supply {
		return fmt.Errorf("%w: clusters=%d pool=%d supply=%d", ErrDecayInvariantViolated, clusterTotal, pool, supply)
	}
	return nil
}
