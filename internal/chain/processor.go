package chain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rillcoin/rillcoin/config"
	"github.com/rillcoin/rillcoin/internal/consensus"
	"github.com/rillcoin/rillcoin/internal/log"
	"github.com/rillcoin/rillcoin/internal/utxo"
	"github.com/rillcoin/rillcoin/pkg/block"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// Block-application errors.
var (
	ErrArithmeticOverflow    = errors.New("chain: arithmetic overflow")
	ErrBlockKnown            = errors.New("chain: block already known")
	ErrNotTipChild           = errors.New("chain: block does not extend current tip")
	ErrBadHeight             = errors.New("chain: block height does not follow tip")
	ErrTimestampTooFarFuture = errors.New("chain: block timestamp too far in the future")
	ErrTimestampNotAfterMTP  = errors.New("chain: block timestamp not greater than median time past")
	ErrCoinbaseMismatch      = errors.New("chain: coinbase value does not equal subsidy + fees + redistribution")
)

// storeProvider adapts *utxo.Store to tx.UTXOProvider for signature,
// ownership, and coinbase-maturity checks during transaction validation.
type storeProvider struct {
	utxos *utxo.Store
}

func (p *storeProvider) GetUTXO(op types.Outpoint) (uint64, types.Address, uint64, bool, uint64, error) {
	u, err := p.utxos.Get(op)
	if err != nil {
		return 0, types.Address{}, 0, false, 0, err
	}
	return u.Value, u.Address, u.Height, u.Coinbase, u.LockedUntil, nil
}

func (p *storeProvider) HasUTXO(op types.Outpoint) bool {
	ok, err := p.utxos.Has(op)
	return err == nil && ok
}

// baseSubsidy returns the block reward before fees and decay redistribution,
// halving every config.HalvingInterval blocks (spec section 6).
func baseSubsidy(height uint64) uint64 {
	halvings := height / config.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return config.InitialReward >> halvings
}

// ProcessBlock validates blk against the current tip and, if valid, applies
// it and commits the new state. blk must extend the current tip directly;
// side branches are handled by AddSideBlock in reorg.go.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk.Header.PrevHash == c.state.TipHash {
		// Only the ordinary tip-extension path needs this guard: blocks
		// replayed during a reorg were already stored as side-branch
		// candidates by AddSideBlock and are expected to be known here.
		if known, err := c.blocks.HasBlock(blk.Hash()); err != nil {
			return fmt.Errorf("check known block: %w", err)
		} else if known {
			return ErrBlockKnown
		}
	}
	return c.processBlockLocked(blk)
}

// processBlockLocked applies blk on top of the current tip. Used both for
// ordinary tip extension (via ProcessBlock) and for replaying a winning
// branch's blocks during a reorg, where blk may already be stored (as a
// side-branch candidate) but is not yet part of the active chain. Caller
// holds c.mu.
func (c *Chain) processBlockLocked(blk *block.Block) error {
	if blk.Header.PrevHash != c.state.TipHash {
		return ErrNotTipChild
	}

	if err := c.validateBlockContext(blk); err != nil {
		return err
	}

	hash := blk.Hash()

	undo, newSupply, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return fmt.Errorf("apply block: %w", err)
	}

	newCumDiff, ok := checkedAdd(c.state.CumulativeDifficulty, blk.Header.Difficulty)
	if !ok {
		return fmt.Errorf("apply block: %w", ErrArithmeticOverflow)
	}

	undoData, err := encodeUndo(undo)
	if err != nil {
		return fmt.Errorf("encode undo: %w", err)
	}
	if err := c.blocks.CommitBlock(blk, undoData, newSupply, newCumDiff); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.Supply = newSupply
	c.state.CumulativeDifficulty = newCumDiff
	c.state.TipTimestamp = blk.Header.Timestamp

	log.Chain.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", hash.String()).
		Int("txs", len(blk.Transactions)).
		Uint64("supply", newSupply).
		Msg("block applied")
	return nil
}

// validateBlockContext runs structural+PoW validation (consensus.Validator)
// plus the chain-contextual checks that depend on chain history: height
// continuity, difficulty retarget, and the timestamp window (spec section
// 4.3's contextual phase).
func (c *Chain) validateBlockContext(blk *block.Block) error {
	if err := c.validator.ValidateBlock(blk); err != nil {
		return err
	}

	if blk.Header.Height != c.state.Height+1 {
		return fmt.Errorf("%w: got height %d, want %d", ErrBadHeight, blk.Header.Height, c.state.Height+1)
	}

	now := uint64(time.Now().Unix())
	if blk.Header.Timestamp > now+uint64(config.MaxFutureBlockTimeSeconds) {
		return fmt.Errorf("%w: timestamp %d, now %d", ErrTimestampTooFarFuture, blk.Header.Timestamp, now)
	}

	mtp, err := c.medianTimePast(blk.Header.Height)
	if err != nil {
		return fmt.Errorf("median time past: %w", err)
	}
	if blk.Header.Timestamp <= mtp {
		return fmt.Errorf("%w: timestamp %d, median %d", ErrTimestampNotAfterMTP, blk.Header.Timestamp, mtp)
	}

	samples, err := c.difficultySamples(blk.Header.Height)
	if err != nil {
		return fmt.Errorf("difficulty samples: %w", err)
	}
	var prevDiff uint64
	if len(samples) > 0 {
		prevDiff = samples[len(samples)-1].Difficulty
	}
	if err := c.engine.VerifyDifficulty(blk.Header, prevDiff, samples); err != nil {
		return err
	}

	return nil
}

// medianTimePast returns the median timestamp of the config.MedianTimePastWindow
// blocks immediately preceding newHeight (fewer near genesis).
func (c *Chain) medianTimePast(newHeight uint64) (uint64, error) {
	window := uint64(config.MedianTimePastWindow)
	start := uint64(0)
	if newHeight > window {
		start = newHeight - window
	}
	var timestamps []uint64
	for h := start; h < newHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return 0, fmt.Errorf("load block at height %d: %w", h, err)
		}
		timestamps = append(timestamps, blk.Header.Timestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[len(timestamps)/2], nil
}

// difficultySamples gathers up to LWMAWindow+1 trailing (timestamp,
// difficulty) pairs ending at the block preceding newHeight, oldest first,
// for consensus.CalcNextDifficultyLWMA.
func (c *Chain) difficultySamples(newHeight uint64) ([]consensus.DifficultySample, error) {
	window := uint64(consensus.LWMAWindow) + 1
	start := uint64(0)
	if newHeight > window {
		start = newHeight - window
	}
	samples := make([]consensus.DifficultySample, 0, newHeight-start)
	for h := start; h < newHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return nil, fmt.Errorf("load block at height %d: %w", h, err)
		}
		samples = append(samples, consensus.DifficultySample{
			Timestamp:  blk.Header.Timestamp,
			Difficulty: blk.Header.Difficulty,
		})
	}
	return samples, nil
}

// applyBlockWithUndo validates blk's transactions against the current UTXO
// set, applies lazy per-cluster decay, checks the coinbase against the
// reward formula, and mutates the UTXO/cluster/decay-pool state. It returns
// the undo record needed to reverse the block and the chain's new total
// supply. Caller holds c.mu.
func (c *Chain) applyBlockWithUndo(blk *block.Block) (*UndoData, uint64, error) {
	provider := &storeProvider{utxos: c.utxos}
	height := blk.Header.Height

	decayPoolStart, err := c.utxos.DecayPool()
	if err != nil {
		return nil, 0, fmt.Errorf("load decay pool: %w", err)
	}
	redistribution := decayPoolStart
	if redistribution > config.RedistributionCapPerBlock {
		redistribution = config.RedistributionCapPerBlock
	}

	undo := &UndoData{
		BlockHash:       blk.Hash(),
		Height:          height,
		DecayPoolBefore: decayPoolStart,
		BaseSubsidy:     baseSubsidy(height),
	}

	touched := make(map[types.Address]*ClusterUndo)
	var decayThisBlock uint64

	touchCluster := func(addr types.Address) error {
		if _, ok := touched[addr]; ok {
			return nil
		}
		existed, err := c.utxos.HasCluster(addr)
		if err != nil {
			return fmt.Errorf("check cluster existence: %w", err)
		}
		rec, err := c.utxos.GetCluster(addr)
		if err != nil {
			return fmt.Errorf("load cluster: %w", err)
		}
		cu := &ClusterUndo{
			ClusterID:           addr,
			Existed:             existed,
			PrevTotalNominal:    rec.TotalNominal,
			PrevLastDecayHeight: rec.LastDecayHeight,
		}
		touched[addr] = cu

		if rec.TotalNominal == 0 {
			rec.LastDecayHeight = height
			return c.utxos.PutCluster(rec)
		}
		blocksElapsed := height - rec.LastDecayHeight
		result, err := c.decay.Apply(rec.TotalNominal, blocksElapsed, c.state.Supply)
		if err != nil {
			return fmt.Errorf("apply decay: %w", err)
		}
		var ok bool
		decayThisBlock, ok = checkedAdd(decayThisBlock, result.Decayed)
		if !ok {
			return ErrArithmeticOverflow
		}
		rec.TotalNominal = result.NewEffective
		rec.LastDecayHeight = height
		return c.utxos.PutCluster(rec)
	}

	addToCluster := func(addr types.Address, value uint64) error {
		rec, err := c.utxos.GetCluster(addr)
		if err != nil {
			return fmt.Errorf("reload cluster: %w", err)
		}
		total, ok := checkedAdd(rec.TotalNominal, value)
		if !ok {
			return ErrArithmeticOverflow
		}
		rec.TotalNominal = total
		return c.utxos.PutCluster(rec)
	}

	subtractFromCluster := func(addr types.Address, value uint64) error {
		rec, err := c.utxos.GetCluster(addr)
		if err != nil {
			return fmt.Errorf("reload cluster: %w", err)
		}
		total, ok := checkedSub(rec.TotalNominal, value)
		if !ok {
			return ErrArithmeticOverflow
		}
		rec.TotalNominal = total
		return c.utxos.PutCluster(rec)
	}

	var totalFees uint64
	var spentUTXOs []utxo.UTXO
	var createdOutpoints []types.Outpoint

	for i, t := range blk.Transactions {
		if i == 0 {
			continue // Coinbase is validated separately, after fees/decay are known.
		}

		fee, err := t.ValidateWithUTXOs(provider, height)
		if err != nil {
			return nil, 0, fmt.Errorf("tx %d (%s): %w", i, t.Hash(), err)
		}
		var ok bool
		totalFees, ok = checkedAdd(totalFees, fee)
		if !ok {
			return nil, 0, fmt.Errorf("tx %d: %w", i, ErrArithmeticOverflow)
		}

		for _, in := range t.Inputs {
			spent, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				return nil, 0, fmt.Errorf("tx %d: load spent utxo: %w", i, err)
			}
			if err := touchCluster(spent.Address); err != nil {
				return nil, 0, fmt.Errorf("tx %d: %w", i, err)
			}
			if err := subtractFromCluster(spent.Address, spent.Value); err != nil {
				return nil, 0, fmt.Errorf("tx %d: %w", i, err)
			}
			spentUTXOs = append(spentUTXOs, *spent)
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return nil, 0, fmt.Errorf("tx %d: delete spent utxo: %w", i, err)
			}
		}

		txHash := t.Hash()
		for idx, out := range t.Outputs {
			if err := touchCluster(out.Address); err != nil {
				return nil, 0, fmt.Errorf("tx %d: %w", i, err)
			}
			op := types.Outpoint{TxID: txHash, Index: uint32(idx)}
			newUTXO := &utxo.UTXO{
				Outpoint: op,
				Address:  out.Address,
				Value:    out.Value,
				Height:   height,
				Coinbase: false,
			}
			if err := c.utxos.Put(newUTXO); err != nil {
				return nil, 0, fmt.Errorf("tx %d: create utxo: %w", i, err)
			}
			createdOutpoints = append(createdOutpoints, op)
			if err := addToCluster(out.Address, out.Value); err != nil {
				return nil, 0, fmt.Errorf("tx %d: %w", i, err)
			}
		}
	}

	// Coinbase: strict equality against base subsidy + fees + redistribution.
	coinbaseTx := blk.Transactions[0]
	coinbaseValue, ovfErr := coinbaseTx.TotalOutputValue()
	if ovfErr != nil {
		return nil, 0, fmt.Errorf("coinbase: %w", ovfErr)
	}
	required, ok := checkedAdd(undo.BaseSubsidy, totalFees)
	if !ok {
		return nil, 0, ErrArithmeticOverflow
	}
	required, ok = checkedAdd(required, redistribution)
	if !ok {
		return nil, 0, ErrArithmeticOverflow
	}
	if coinbaseValue != required {
		return nil, 0, fmt.Errorf("%w: got %d, want %d (subsidy=%d fees=%d redistribution=%d)",
			ErrCoinbaseMismatch, coinbaseValue, required, undo.BaseSubsidy, totalFees, redistribution)
	}

	coinbaseHash := coinbaseTx.Hash()
	for idx, out := range coinbaseTx.Outputs {
		op := types.Outpoint{TxID: coinbaseHash, Index: uint32(idx)}
		newUTXO := &utxo.UTXO{
			Outpoint: op,
			Address:  out.Address,
			Value:    out.Value,
			Height:   height,
			Coinbase: true,
		}
		if err := c.utxos.Put(newUTXO); err != nil {
			return nil, 0, fmt.Errorf("create coinbase utxo %d: %w", idx, err)
		}
		createdOutpoints = append(createdOutpoints, op)

		if err := touchCluster(out.Address); err != nil {
			return nil, 0, fmt.Errorf("coinbase: %w", err)
		}
		if err := addToCluster(out.Address, out.Value); err != nil {
			return nil, 0, fmt.Errorf("coinbase: %w", err)
		}
	}

	newDecayPool, ok := checkedSub(decayPoolStart, redistribution)
	if !ok {
		return nil, 0, ErrArithmeticOverflow
	}
	newDecayPool, ok = checkedAdd(newDecayPool, decayThisBlock)
	if !ok {
		return nil, 0, ErrArithmeticOverflow
	}
	if err := c.utxos.SetDecayPool(newDecayPool); err != nil {
		return nil, 0, fmt.Errorf("set decay pool: %w", err)
	}

	// Decay and redistribution only move value between cluster totals and
	// the decay pool (decayThisBlock leaves clusters and enters the pool;
	// redistribution leaves the pool and enters the miner's cluster via
	// coinbase) — they net to zero against sum(clusters)+pool and must not
	// move supply. The only newly minted value each block is baseSubsidy;
	// fees move between clusters (spender to miner) and likewise net to
	// zero. This keeps supply consistent with CheckDecayInvariant's
	// sum(cluster totals)+decay_pool == supply identity.
	newSupply, ok := checkedAdd(c.state.Supply, undo.BaseSubsidy)
	if !ok {
		return nil, 0, ErrArithmeticOverflow
	}

	undo.TotalFees = totalFees
	undo.Redistribution = redistribution
	undo.DecayThisBlock = decayThisBlock
	undo.SpentUTXOs = spentUTXOs
	undo.CreatedOutpoints = createdOutpoints
	for _, cu := range touched {
		undo.Clusters = append(undo.Clusters, *cu)
	}
	sort.Slice(undo.Clusters, func(i, j int) bool {
		return undo.Clusters[i].ClusterID.String() < undo.Clusters[j].ClusterID.String()
	})

	return undo, newSupply, nil
}
