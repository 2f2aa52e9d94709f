// Package chain implements the consensus core's state machine (L3-L5 of
// the pipeline): block and transaction validation, UTXO/cluster apply and
// undo, chain selection and reorg, and the reward formula that couples
// concentration decay back into coinbase payouts.
package chain

import (
	"fmt"
	"sync"

	"github.com/rillcoin/rillcoin/config"
	"github.com/rillcoin/rillcoin/internal/consensus"
	"github.com/rillcoin/rillcoin/internal/decay"
	"github.com/rillcoin/rillcoin/internal/log"
	"github.com/rillcoin/rillcoin/internal/storage"
	"github.com/rillcoin/rillcoin/internal/utxo"
	"github.com/rillcoin/rillcoin/pkg/block"
	"github.com/rillcoin/rillcoin/pkg/tx"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// Chain holds the consensus state for one network: the UTXO/cluster store,
// the block/undo store, and the PoW engine that gates every block it
// accepts. All mutation goes through ProcessBlock and AddSideBlock, both of which
// serialize on mu (spec section 5: single-writer).
type Chain struct {
	mu sync.Mutex

	state *State
	blocks *BlockStore
	utxos  *utxo.Store
	engine *consensus.PoW
	decay  *decay.Engine

	validator *consensus.Validator

	genesisHash types.Hash
}

// New creates a chain backed by db and gated by the given PoW engine. It
// recovers tip state from the store if one exists (a fresh db yields a
// chain at genesis). Call InitFromGenesis on a fresh chain before
// processing any blocks.
func New(db storage.DB, engine *consensus.PoW) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)
	utxoStore := utxo.NewStore(db)

	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}
	cumDiff := blocks.GetCumulativeDifficulty()

	var genesisHash types.Hash
	if genBlk, err := blocks.GetBlockByHeight(0); err == nil {
		genesisHash = genBlk.Hash()
	}

	c := &Chain{
		state:       &State{TipHash: tipHash, Height: height, Supply: supply, CumulativeDifficulty: cumDiff},
		blocks:      blocks,
		utxos:       utxoStore,
		engine:      engine,
		decay:       decay.NewEngine(),
		validator:   consensus.NewValidator(engine),
		genesisHash: genesisHash,
	}

	if forkHeight, found := blocks.GetReorgCheckpoint(); found {
		log.Chain.Warn().Uint64("fork_height", forkHeight).Msg("recovering from interrupted reorg")
		if err := c.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return c, nil
}

// InitFromGenesis initializes a fresh chain from its genesis configuration.
// Premine allocations become maturing coinbase-style outputs exactly like
// a mined block's coinbase, per spec section 6.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}
	if err := gen.Validate(); err != nil {
		return fmt.Errorf("invalid genesis: %w", err)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	if err := c.applyGenesisBlock(blk, gen); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if err := c.blocks.PutGenesisConfig(gen); err != nil {
		return fmt.Errorf("store genesis config: %w", err)
	}

	supply := gen.TotalPremine()
	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = gen.Timestamp
	c.genesisHash = hash

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	log.Chain.Info().Str("hash", hash.String()).Uint64("premine", supply).Msg("genesis applied")
	return nil
}

// applyGenesisBlock creates the premine UTXOs and cluster records directly,
// bypassing ordinary validation (genesis has no parent to validate against
// and its coinbase obeys its own vesting rule, not the reward formula).
func (c *Chain) applyGenesisBlock(blk *block.Block, gen *config.Genesis) error {
	coinbaseTx := blk.Transactions[0]
	txHash := coinbaseTx.Hash()

	lockHeights := make(map[types.Address]uint64, len(gen.Premine))
	for _, a := range gen.Premine {
		addr, err := types.ParseAddress(a.Address)
		if err != nil {
			return fmt.Errorf("premine address: %w", err)
		}
		lock := a.VestingHeight
		if lock < config.CoinbaseMaturity {
			lock = config.CoinbaseMaturity
		}
		lockHeights[addr] = lock
	}

	for i, out := range coinbaseTx.Outputs {
		if out.Value == 0 {
			continue // Regtest placeholder output.
		}
		u := &utxo.UTXO{
			Outpoint:    types.Outpoint{TxID: txHash, Index: uint32(i)},
			Address:     out.Address,
			Value:       out.Value,
			Height:      0,
			Coinbase:    true,
			LockedUntil: lockHeights[out.Address],
		}
		if err := c.utxos.Put(u); err != nil {
			return fmt.Errorf("create premine output %d: %w", i, err)
		}

		rec, err := c.utxos.GetCluster(out.Address)
		if err != nil {
			return fmt.Errorf("load cluster for premine output %d: %w", i, err)
		}
		total, ok := checkedAdd(rec.TotalNominal, out.Value)
		if !ok {
			return fmt.Errorf("%w: premine cluster total", ErrArithmeticOverflow)
		}
		rec.TotalNominal = total
		rec.LastDecayHeight = 0
		if err := c.utxos.PutCluster(rec); err != nil {
			return fmt.Errorf("store cluster for premine output %d: %w", i, err)
		}
	}

	return c.utxos.SetDecayPool(0)
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// Tip returns the header of the current chain tip.
func (c *Chain) Tip() (*block.Header, error) {
	c.mu.Lock()
	tip := c.state.TipHash
	c.mu.Unlock()
	blk, err := c.blocks.GetBlock(tip)
	if err != nil {
		return nil, fmt.Errorf("load tip block: %w", err)
	}
	return blk.Header, nil
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// UTXO returns the unspent output at outpoint, or an error if it does not
// exist or has been spent.
func (c *Chain) UTXO(outpoint types.Outpoint) (*utxo.UTXO, error) {
	return c.utxos.Get(outpoint)
}

// DecayPool returns the chain's current decay pool total, in fixed-point
// units.
func (c *Chain) DecayPool() (uint64, error) {
	return c.utxos.DecayPool()
}

// TotalCirculating returns total coins minted to date (premine plus every
// block's base subsidy): the supply invariant (spec section 3) keeps this
// exactly equal to sum(cluster total_nominal) + decay_pool, the S term used
// in the concentration ratio (spec section 4.1). It is not a sum over UTXO
// face values — those are immutable and never decay, so they diverge from
// this total as clusters decay over time.
func (c *Chain) TotalCirculating() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Supply
}

// ClusterTotal returns a cluster's current nominal total with decay applied
// as of the chain's current height. This is a read-only projection: unlike
// ProcessBlock it never writes the decayed value back to the store, since
// queries must not mutate consensus state (spec section 5).
func (c *Chain) ClusterTotal(id types.Address) (uint64, error) {
	c.mu.Lock()
	height, supply := c.state.Height, c.state.Supply
	c.mu.Unlock()

	rec, err := c.utxos.GetCluster(id)
	if err != nil {
		return 0, fmt.Errorf("get cluster: %w", err)
	}
	if rec.TotalNominal == 0 {
		return 0, nil
	}
	blocksElapsed := height - rec.LastDecayHeight
	result, err := c.decay.Apply(rec.TotalNominal, blocksElapsed, supply)
	if err != nil {
		return 0, fmt.Errorf("project cluster decay: %w", err)
	}
	return result.NewEffective, nil
}

// EffectiveBalance returns an address's spendable balance: its cluster's
// decay-projected total. Under the address-as-cluster model (spec section
// 3) an address's own nominal holdings always equal its cluster's total,
// so the pro-rata share the spec describes for a general clustering scheme
// reduces to the cluster total itself.
func (c *Chain) EffectiveBalance(addr types.Address) (uint64, error) {
	return c.ClusterTotal(addr)
}

// CumulativeWork walks the chain from hash back to genesis and sums each
// header's difficulty, the node-local proxy for cumulative proof-of-work
// (spec section 4.4). It is independent of the current tip so it can
// evaluate a side chain during fork comparison.
func (c *Chain) CumulativeWork(hash types.Hash) (uint64, error) {
	var total uint64
	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return 0, fmt.Errorf("load block %s: %w", hash, err)
		}
		var ok bool
		total, ok = checkedAdd(total, blk.Header.Difficulty)
		if !ok {
			return 0, ErrArithmeticOverflow
		}
		if blk.Header.Height == 0 {
			return total, nil
		}
		hash = blk.Header.PrevHash
	}
}

// RebuildUTXOs clears the UTXO/cluster set and replays every block from
// genesis to the current tip. Used to recover from a crash during reorg,
// when the UTXO set may be left inconsistent with the committed tip.
func (c *Chain) RebuildUTXOs() error {
	if err := c.utxos.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	gen, err := c.blocks.GetGenesisConfig()
	if err != nil {
		return fmt.Errorf("load genesis config: %w", err)
	}
	if gen == nil {
		return fmt.Errorf("no genesis config stored, cannot rebuild")
	}
	genBlk, err := c.blocks.GetBlockByHeight(0)
	if err != nil {
		return fmt.Errorf("load genesis block: %w", err)
	}
	if err := c.applyGenesisBlock(genBlk, gen); err != nil {
		return fmt.Errorf("replay genesis: %w", err)
	}

	var supply, cumDiff uint64
	supply = gen.TotalPremine()
	for h := uint64(1); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		_, newSupply, err := c.applyBlockWithUndo(blk)
		if err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
		supply = newSupply
		cumDiff, _ = checkedAdd(cumDiff, blk.Header.Difficulty)
	}

	c.state.Supply = supply
	c.state.CumulativeDifficulty = cumDiff

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeDifficulty(cumDiff); err != nil {
		return fmt.Errorf("set cumulative difficulty after rebuild: %w", err)
	}
	return c.blocks.DeleteReorgCheckpoint()
}

// checkedAdd returns a+b and true, or (0, false) on overflow.
func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// checkedSub returns a-b and true, or (0, false) if b > a.
func checkedSub(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}
