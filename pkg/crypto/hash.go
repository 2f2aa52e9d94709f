// Package crypto provides the hashing and signature primitives the
// consensus core is built on.
package crypto

import (
	"crypto/sha256"

	"github.com/rillcoin/rillcoin/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data. Used for the Merkle
// tree, the UTXO-set commitment, and address derivation — never for the
// block header's proof-of-work hash, which is double-SHA-256 (see PoWHash).
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// PoWHash computes the double-SHA-256 hash checked against the difficulty
// target: sha256(sha256(data)). Distinct from Hash, which is BLAKE3 and
// used everywhere else in the core.
func PoWHash(data []byte) types.Hash {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// AddressFromPubKey derives an address from a 32-byte Ed25519 public key.
// Address = BLAKE3(pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes. Used for building
// the Merkle tree.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
