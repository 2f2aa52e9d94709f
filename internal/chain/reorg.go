package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rillcoin/rillcoin/internal/utxo"
	"github.com/rillcoin/rillcoin/pkg/block"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// ClusterUndo captures a cluster record's state immediately before a block
// touched it, so reverting the block can either restore the prior values or
// delete the record entirely if the block created it (spec section 3's
// undo-record requirement for cluster state).
type ClusterUndo struct {
	ClusterID           types.Address `json:"cluster_id"`
	Existed             bool          `json:"existed"`
	PrevTotalNominal    uint64        `json:"prev_total_nominal"`
	PrevLastDecayHeight uint64        `json:"prev_last_decay_height"`
}

// UndoData stores everything needed to revert a block's effect on the
// UTXO set, cluster records, the decay pool, and total supply.
type UndoData struct {
	BlockHash types.Hash `json:"block_hash"`
	Height    uint64     `json:"height"`

	SpentUTXOs       []utxo.UTXO      `json:"spent_utxos"`
	CreatedOutpoints []types.Outpoint `json:"created_outpoints"`
	Clusters         []ClusterUndo    `json:"clusters"`

	DecayPoolBefore uint64 `json:"decay_pool_before"`
	DecayThisBlock  uint64 `json:"decay_this_block"`
	Redistribution  uint64 `json:"redistribution"`
	BaseSubsidy     uint64 `json:"base_subsidy"`
	TotalFees       uint64 `json:"total_fees"`
}

func encodeUndo(u *UndoData) ([]byte, error) {
	return json.Marshal(u)
}

func decodeUndo(data []byte) (*UndoData, error) {
	var u UndoData
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("undo unmarshal: %w", err)
	}
	return &u, nil
}

// Reorg, depth-limit, and fork errors.
var (
	ErrForkDetected  = errors.New("chain: fork detected")
	ErrReorgTooDeep  = errors.New("chain: reorg exceeds max depth")
	ErrGenesisReorg  = errors.New("chain: reorg would replace genesis block")
	ErrUnknownParent = errors.New("chain: parent block not known")
)

// MaxReorgDepth bounds how many blocks a single reorg may revert, guarding
// against unbounded rework from a maliciously deep alternate history.
const MaxReorgDepth = 1000

// revertBlock undoes a single block's effect on the UTXO set, cluster
// records, decay pool, and supply, using its stored undo record. It
// returns the chain's supply value as it was immediately before this block
// was applied. Caller holds c.mu.
func (c *Chain) revertBlock(blk *block.Block, undo *UndoData) (uint64, error) {
	// Recreate spent UTXOs exactly as they were.
	for i := range undo.SpentUTXOs {
		u := undo.SpentUTXOs[i]
		if err := c.utxos.Put(&u); err != nil {
			return 0, fmt.Errorf("restore spent utxo: %w", err)
		}
	}

	// Remove every UTXO the block created.
	for _, op := range undo.CreatedOutpoints {
		if err := c.utxos.Delete(op); err != nil {
			return 0, fmt.Errorf("remove created utxo: %w", err)
		}
	}

	// Restore (or remove) each touched cluster's prior state.
	for _, cu := range undo.Clusters {
		if !cu.Existed {
			if err := c.utxos.DeleteCluster(cu.ClusterID); err != nil {
				return 0, fmt.Errorf("delete cluster %s: %w", cu.ClusterID, err)
			}
			continue
		}
		rec := &utxo.ClusterRecord{
			ClusterID:       cu.ClusterID,
			TotalNominal:    cu.PrevTotalNominal,
			LastDecayHeight: cu.PrevLastDecayHeight,
		}
		if err := c.utxos.PutCluster(rec); err != nil {
			return 0, fmt.Errorf("restore cluster %s: %w", cu.ClusterID, err)
		}
	}

	if err := c.utxos.SetDecayPool(undo.DecayPoolBefore); err != nil {
		return 0, fmt.Errorf("restore decay pool: %w", err)
	}

	// Mirrors applyBlockWithUndo: supply only ever moves by baseSubsidy.
	// decay/redistribution are cluster<->pool transfers already undone
	// above via the per-cluster restores and SetDecayPool.
	prevSupply, ok := checkedSub(c.state.Supply, undo.BaseSubsidy)
	if !ok {
		return 0, fmt.Errorf("revert supply: %w", ErrArithmeticOverflow)
	}

	if err := c.blocks.DeleteTxIndex(blk.Transactions[0].Hash()); err != nil {
		return 0, fmt.Errorf("clear coinbase tx index: %w", err)
	}
	for _, t := range blk.Transactions[1:] {
		if err := c.blocks.DeleteTxIndex(t.Hash()); err != nil {
			return 0, fmt.Errorf("clear tx index: %w", err)
		}
	}
	if err := c.blocks.DeleteUndo(undo.BlockHash); err != nil {
		return 0, fmt.Errorf("delete undo record: %w", err)
	}

	return prevSupply, nil
}

// AddSideBlock stores blk as a side-branch candidate (its parent is known
// but is not the current tip) and, if the side branch's cumulative work now
// exceeds the active chain's, reorganizes onto it. blk itself is not
// applied to the live UTXO set unless the reorg selects its branch.
func (c *Chain) AddSideBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := blk.Hash()
	if known, err := c.blocks.HasBlock(hash); err != nil {
		return fmt.Errorf("check known block: %w", err)
	} else if known {
		return ErrBlockKnown
	}
	if ok, err := c.blocks.HasBlock(blk.Header.PrevHash); err != nil {
		return fmt.Errorf("check parent block: %w", err)
	} else if !ok {
		return ErrUnknownParent
	}

	if err := c.validator.ValidateBlock(blk); err != nil {
		return err
	}

	if err := c.blocks.StoreBlock(blk); err != nil {
		return fmt.Errorf("store side block: %w", err)
	}

	sideWork, err := c.CumulativeWork(hash)
	if err != nil {
		return fmt.Errorf("side branch work: %w", err)
	}
	tipWork, err := c.CumulativeWork(c.state.TipHash)
	if err != nil {
		return fmt.Errorf("tip work: %w", err)
	}
	if sideWork <= tipWork {
		return ErrForkDetected
	}

	return c.reorgTo(hash)
}

// reorgTo switches the active chain to end at newTip, which must already be
// stored. It finds the common ancestor with the current tip, undoes blocks
// back to it, then replays the new branch's blocks forward, each through
// the ordinary validation and apply path.
//
// The old branch's blocks (forkHeight+1..current tip) are preserved in
// memory before any undo happens. If replaying the new branch fails partway
// — a real possibility, since the contextual coinbase-reward, difficulty,
// and MTP checks all run during replay — the chain is unwound back to
// forkHeight again and the preserved old branch is replayed forward in its
// place, restoring the original tip exactly (spec section 4.4: a failed
// reorg must not leave the chain mid-switch). Caller holds c.mu.
func (c *Chain) reorgTo(newTip types.Hash) error {
	branch, forkHeight, err := c.collectBranch(newTip)
	if err != nil {
		return fmt.Errorf("collect branch: %w", err)
	}
	if c.state.Height > forkHeight && c.state.Height-forkHeight > MaxReorgDepth {
		return ErrReorgTooDeep
	}

	var oldBranch []*block.Block
	for h := forkHeight + 1; h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("preserve old branch block at height %d: %w", h, err)
		}
		oldBranch = append(oldBranch, blk)
	}

	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("set reorg checkpoint: %w", err)
	}

	if err := c.undoToHeight(forkHeight); err != nil {
		return fmt.Errorf("undo to fork height %d: %w", forkHeight, err)
	}

	if err := c.replayBranch(branch); err != nil {
		if undoErr := c.undoToHeight(forkHeight); undoErr != nil {
			return fmt.Errorf("replay new branch failed (%v) and could not unwind: %w", err, undoErr)
		}
		if replayErr := c.replayBranch(oldBranch); replayErr != nil {
			return fmt.Errorf("replay new branch failed (%v) and could not restore original tip: %w", err, replayErr)
		}
		if delErr := c.blocks.DeleteReorgCheckpoint(); delErr != nil {
			return fmt.Errorf("restored original tip after failed reorg (%v), but could not clear checkpoint: %w", err, delErr)
		}
		return fmt.Errorf("reorg aborted, original tip restored: %w", err)
	}

	return c.blocks.DeleteReorgCheckpoint()
}

// undoToHeight reverts blocks off the active chain's tip down to and
// including forkHeight+1, leaving the tip at forkHeight. Caller holds c.mu.
func (c *Chain) undoToHeight(forkHeight uint64) error {
	for c.state.Height > forkHeight {
		blk, err := c.blocks.GetBlockByHeight(c.state.Height)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", c.state.Height, err)
		}
		undoData, err := c.blocks.GetUndo(c.state.TipHash)
		if err != nil {
			return fmt.Errorf("load undo for height %d: %w", c.state.Height, err)
		}
		undo, err := decodeUndo(undoData)
		if err != nil {
			return err
		}
		prevSupply, err := c.revertBlock(blk, undo)
		if err != nil {
			return fmt.Errorf("revert block at height %d: %w", c.state.Height, err)
		}
		prevCumDiff, ok := checkedSub(c.state.CumulativeDifficulty, blk.Header.Difficulty)
		if !ok {
			return fmt.Errorf("revert cumulative difficulty: %w", ErrArithmeticOverflow)
		}
		c.state.Height--
		c.state.Supply = prevSupply
		c.state.CumulativeDifficulty = prevCumDiff
		c.state.TipHash = blk.Header.PrevHash
		if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, c.state.Supply); err != nil {
			return fmt.Errorf("set tip during undo: %w", err)
		}
		if err := c.blocks.SetCumulativeDifficulty(c.state.CumulativeDifficulty); err != nil {
			return fmt.Errorf("set cumdiff during undo: %w", err)
		}
	}
	return nil
}

// replayBranch applies branch's blocks in order via the ordinary
// tip-extension path. Caller holds c.mu.
func (c *Chain) replayBranch(branch []*block.Block) error {
	for _, blk := range branch {
		if err := c.processBlockLocked(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", blk.Header.Height, err)
		}
	}
	return nil
}

// collectBranch walks back from newTip to the common ancestor with the
// currently active chain (the deepest block height for which the active
// chain's block-at-that-height hash matches the walk), returning the
// branch's blocks oldest-first and the ancestor's height.
func (c *Chain) collectBranch(newTip types.Hash) ([]*block.Block, uint64, error) {
	var branch []*block.Block
	hash := newTip
	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, 0, fmt.Errorf("load block %s: %w", hash, err)
		}
		activeHash, activeErr := c.activeHashAtHeight(blk.Header.Height)
		if activeErr == nil && activeHash == hash {
			break // hash is already on the active chain: found the ancestor.
		}
		branch = append([]*block.Block{blk}, branch...)
		if blk.Header.Height == 0 {
			return nil, 0, ErrGenesisReorg
		}
		hash = blk.Header.PrevHash
	}
	ancestorBlk, err := c.blocks.GetBlock(hash)
	if err != nil {
		return nil, 0, fmt.Errorf("load ancestor %s: %w", hash, err)
	}
	return branch, ancestorBlk.Header.Height, nil
}

// activeHashAtHeight returns the hash of the active chain's block at the
// given height, using the height index maintained for the canonical chain.
func (c *Chain) activeHashAtHeight(height uint64) (types.Hash, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return types.Hash{}, err
	}
	return blk.Hash(), nil
}
