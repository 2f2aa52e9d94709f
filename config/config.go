// Package config holds RillCoin's consensus constants and per-network
// genesis configuration. Everything exported here is, per the spec,
// "published": a conforming node and this one must agree on every value.
//
// There is deliberately no node-runtime configuration in this package
// (listen addresses, RPC ports, wallet paths, CLI flags) — those surfaces
// are explicit non-goals of the consensus core (spec section 1). Embedders
// construct a *Genesis programmatically and pass it to chain.New.
package config

// NetworkType selects which published constant set and genesis a chain
// instance uses. The address codec (pkg/types) keys its bech32 HRP off the
// same three values.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// HRP returns the bech32 human-readable part for this network, matching
// pkg/types.MainnetHRP / TestnetHRP / RegtestHRP.
func (n NetworkType) HRP() string {
	switch n {
	case Testnet:
		return "trill"
	case Regtest:
		return "rrill"
	default:
		return "rill"
	}
}

// =============================================================================
// Fixed-point scalars (spec section 3).
// =============================================================================

// PRECISION is the fixed-point scale shared by every monetary and rate
// value on a consensus path. It must match internal/decay.PRECISION
// exactly — both are part of consensus, kept as independent constants
// (rather than one importing the other) so that internal/decay has zero
// dependency on the rest of the module, matching its role as the lowest
// layer (L1) in the pipeline.
const PRECISION uint64 = 100_000_000

// Coin is one whole RILL, expressed in base (fixed-point) units.
const Coin = PRECISION

// =============================================================================
// Reward formula constants (spec section 4.5, 8).
// =============================================================================

// InitialReward is the base subsidy paid to the coinbase at height 0,
// before any halving: 50 RILL, matching the S1 test scenario.
const InitialReward uint64 = 50 * Coin

// HalvingInterval is the number of blocks between reward halvings.
// base_subsidy(h) = InitialReward >> (h / HalvingInterval), floored at 0
// once the shift exceeds 63 bits.
const HalvingInterval uint64 = 2_100_000

// MaxSupply bounds total issuable supply (max mining supply + premine), per
// spec section 3: "≤ 22.05 × 10^6 × 10^8" fixed-point units.
const MaxSupply uint64 = 22_050_000 * Coin

// MaxPremineFraction is the maximum share of MaxSupply that genesis premine
// allocations may claim (spec section 6: "premine of up to 5% of max
// supply"), expressed as a PRECISION-scaled fraction.
const MaxPremineFraction uint64 = 5 * PRECISION / 100

// RedistributionCapPerBlock bounds decay_redistribution(h) per spec section
// 4.5. The initial, simplest permissible value is "drain all" (no cap);
// MaxUint64 is used as the sentinel "no cap" value since decay_pool can
// never reach it in practice (bounded by MaxSupply).
const RedistributionCapPerBlock uint64 = ^uint64(0)

// =============================================================================
// Block timing and difficulty (spec section 4.3, 6).
// =============================================================================

// BlockTimeTarget is the target number of seconds between blocks.
const BlockTimeTarget = 60

// CoinbaseMaturity is the number of blocks a coinbase output (including
// premine allocations using the same mechanism) must wait before becoming
// spendable.
const CoinbaseMaturity uint64 = 100

// LWMAWindow is the number of preceding blocks the difficulty retarget
// averages over. Mirrors internal/consensus.LWMAWindow; kept as a separate
// published constant since it is part of the genesis-level contract even
// though internal/consensus owns the algorithm.
const LWMAWindow = 60

// LWMAClamp bounds the retargeted difficulty to
// [prevDifficulty/LWMAClamp, prevDifficulty*LWMAClamp].
const LWMAClamp = 3

// MaxFutureBlockTimeSeconds is how far ahead of the validator's wall clock a
// block's timestamp may be before it is set aside (not rejected) per spec
// section 4.3.
const MaxFutureBlockTimeSeconds = 2 * 60 * 60

// MedianTimePastWindow is the number of preceding block timestamps whose
// median a new block's timestamp must exceed.
const MedianTimePastWindow = 11

// =============================================================================
// Structural / fee limits (spec section 4.3, 6).
// =============================================================================

const (
	// MaxBlockSize is the maximum serialized block size in bytes
	// (spec's MAX_BLOCK_BYTES).
	MaxBlockSize = 2_000_000

	// MaxBlockTxs bounds the number of transactions per block, including
	// the coinbase.
	MaxBlockTxs = 10_000

	// MaxTxInputs and MaxTxOutputs bound a single transaction's shape.
	MaxTxInputs  = 2_500
	MaxTxOutputs = 2_500

	// MinFeePerTx is the minimum fee (fixed-point units) accepted for a
	// non-coinbase transaction (spec's MIN_FEE_PER_TX).
	MinFeePerTx uint64 = 1_000
)
