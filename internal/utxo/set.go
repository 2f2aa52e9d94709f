// Package utxo manages the UTXO set and the per-cluster concentration-decay
// state derived from it (L2 in the consensus pipeline: decay is computed by
// internal/decay, but the nominal totals it operates on live here).
package utxo

import "github.com/rillcoin/rillcoin/pkg/types"

// UTXO represents an unspent transaction output. Address is carried
// directly (RillCoin has no script language — see pkg/tx.Output), so no
// script-address derivation is needed to index or spend it.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Address  types.Address  `json:"address"`
	Value    uint64         `json:"value"`
	Height   uint64         `json:"height"` // creation height, for coinbase maturity checks.
	Coinbase bool           `json:"coinbase"`

	// LockedUntil is the height at or after which this output becomes
	// spendable, beyond the ordinary CoinbaseMaturity rule. Used for
	// vested genesis premine allocations; zero for ordinary outputs.
	LockedUntil uint64 `json:"locked_until,omitempty"`
}

// ClusterRecord is the per-cluster decay state tracked alongside the UTXO
// set. A cluster is currently identified with a single address (cluster_id
// == address); the indirection is kept as its own type so a future
// transaction-graph clustering scheme can change what ClusterID means
// without touching callers.
type ClusterRecord struct {
	ClusterID       types.Address `json:"cluster_id"`
	TotalNominal    uint64        `json:"total_nominal"`
	LastDecayHeight uint64        `json:"last_decay_height"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
