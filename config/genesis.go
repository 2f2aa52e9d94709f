package config

import (
	"encoding/json"
	"fmt"

	"github.com/rillcoin/rillcoin/pkg/crypto"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// PremineAllocation is one genesis-funded output. It is paid out by the
// genesis coinbase exactly like a mined reward, including normal
// CoinbaseMaturity rules, plus an optional extra vesting delay
// (VestingHeight) for allocations that should stay locked longer than
// maturity alone would hold them — e.g. a team or treasury allocation.
type PremineAllocation struct {
	Address string `json:"address"`
	Value   uint64 `json:"value"`

	// VestingHeight is the chain height at or after which this output
	// becomes spendable. A value of 0 means "no extra vesting": the
	// allocation is subject only to the ordinary CoinbaseMaturity.
	// When set, the genesis-applying code takes max(VestingHeight,
	// CoinbaseMaturity) as the output's effective lock height.
	VestingHeight uint64 `json:"vesting_height,omitempty"`
}

// Genesis is the immutable, published configuration of a chain's first
// block. Every node on a given network must construct byte-identical
// genesis blocks from byte-identical Genesis values; changing any field
// here is a new network, not a software upgrade.
type Genesis struct {
	Network NetworkType `json:"network"`

	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Premine lists the genesis coinbase's outputs. It replaces the usual
	// "coinbase pays the miner" rule for block 0 only: genesis has no
	// miner, so its coinbase directly encodes the initial allocation.
	Premine []PremineAllocation `json:"premine"`
}

// TotalPremine sums every allocation's value. Overflow is not possible for
// any genesis that passes Validate, since Validate bounds the sum well
// under MaxSupply long before uint64 wraps.
func (g *Genesis) TotalPremine() uint64 {
	var total uint64
	for _, a := range g.Premine {
		total += a.Value
	}
	return total
}

// Validate checks that a genesis configuration is internally consistent
// and obeys the published premine cap (spec section 6: premine up to 5%
// of MaxSupply).
func (g *Genesis) Validate() error {
	switch g.Network {
	case Mainnet, Testnet, Regtest:
	default:
		return fmt.Errorf("config: unknown network %q", g.Network)
	}
	if g.Timestamp == 0 {
		return fmt.Errorf("config: genesis timestamp must be nonzero")
	}

	seen := make(map[string]struct{}, len(g.Premine))
	var total uint64
	for i, a := range g.Premine {
		if a.Value == 0 {
			return fmt.Errorf("config: premine[%d] has zero value", i)
		}
		if _, err := types.ParseAddress(a.Address); err != nil {
			return fmt.Errorf("config: premine[%d] invalid address %q: %w", i, a.Address, err)
		}
		if _, dup := seen[a.Address]; dup {
			return fmt.Errorf("config: premine[%d] duplicates address %q", i, a.Address)
		}
		seen[a.Address] = struct{}{}

		newTotal := total + a.Value
		if newTotal < total {
			return fmt.Errorf("config: premine total overflows uint64")
		}
		total = newTotal
	}

	cap := mulDivConst(MaxSupply, MaxPremineFraction, PRECISION)
	if total > cap {
		return fmt.Errorf("config: premine total %d exceeds cap %d (%.0f%% of max supply)",
			total, cap, 100*float64(MaxPremineFraction)/float64(PRECISION))
	}
	return nil
}

// mulDivConst computes a*b/c for genesis-time constant checks only; the
// operands here are bounded well under 2^64 (MaxSupply and a sub-1.0
// fraction), so plain uint64 math cannot overflow, unlike the consensus
// decay path which uses math/big for arbitrary runtime values.
func mulDivConst(a, b, c uint64) uint64 {
	return a / c * b
}

// Hash returns a BLAKE3 digest of the genesis configuration's canonical
// JSON encoding, used to fingerprint a network and detect genesis
// mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, fmt.Errorf("config: marshaling genesis: %w", err)
	}
	return crypto.Hash(data), nil
}

// MainnetGenesis returns RillCoin's mainnet genesis.
func MainnetGenesis() *Genesis {
	return &Genesis{
		Network:   Mainnet,
		Timestamp: 1790000000,
		ExtraData: "RillCoin genesis",
		Premine: []PremineAllocation{
			{
				Address:       "00000000000000000000000000000000000000f1",
				Value:         500_000 * Coin,
				VestingHeight: 0,
			},
		},
	}
}

// TestnetGenesis returns RillCoin's testnet genesis. Testnet carries a
// larger, faster-vesting premine so test scenarios can exercise decay and
// reorg behavior without waiting on mainnet-scale mining.
func TestnetGenesis() *Genesis {
	return &Genesis{
		Network:   Testnet,
		Timestamp: 1790000000,
		ExtraData: "RillCoin testnet genesis",
		Premine: []PremineAllocation{
			{
				Address:       "00000000000000000000000000000000000000f2",
				Value:         1_000_000 * Coin,
				VestingHeight: 0,
			},
		},
	}
}

// RegtestGenesis returns a minimal genesis for local single-node testing:
// no premine, so all supply originates from mining.
func RegtestGenesis() *Genesis {
	return &Genesis{
		Network:   Regtest,
		Timestamp: 1,
		ExtraData: "regtest",
		Premine:   nil,
	}
}

// GenesisFor returns the published genesis for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	case Regtest:
		return RegtestGenesis()
	default:
		return MainnetGenesis()
	}
}
