package chain

import (
	"fmt"
	"sort"

	"github.com/rillcoin/rillcoin/config"
	"github.com/rillcoin/rillcoin/pkg/block"
	"github.com/rillcoin/rillcoin/pkg/tx"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero PrevHash, and a single coinbase
// transaction that distributes the premine allocations. Vesting locks are
// not part of this transaction (pkg/tx.Output carries no lock field) — they
// are applied to the UTXO set directly from the same config.Genesis by
// applyGenesisBlock, so both paths read the schedule from one source.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase, err := buildCoinbaseTx(gen.Premine)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	txs := []*tx.Transaction{coinbase}
	txHashes := []types.Hash{coinbase.Hash()}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   types.Hash{}, // Zero for genesis.
		MerkleRoot: merkle,
		Timestamp:  gen.Timestamp,
		Height:     0,
	}

	return block.NewBlock(header, txs), nil
}

// buildCoinbaseTx creates the genesis coinbase transaction from a premine
// schedule. Allocations are sorted by address for deterministic output
// ordering, independent of config.Genesis.Premine's slice order.
func buildCoinbaseTx(premine []config.PremineAllocation) (*tx.Transaction, error) {
	sorted := make([]config.PremineAllocation, len(premine))
	copy(sorted, premine)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	var outputs []tx.Output
	for _, a := range sorted {
		addr, err := types.ParseAddress(a.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid premine address %q: %w", a.Address, err)
		}
		outputs = append(outputs, tx.Output{Value: a.Value, Address: addr})
	}

	// Regtest has no premine; the coinbase still needs a structurally valid
	// output so block.Validate's empty-outputs checks pass.
	if len(outputs) == 0 {
		outputs = []tx.Output{{Value: 0, Address: types.Address{}}}
	}

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{}, // Zero outpoint marks a coinbase.
		}},
		Outputs: outputs,
	}, nil
}
