package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/rillcoin/rillcoin/internal/storage"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// Key prefixes and singleton keys used by the UTXO store.
var (
	prefixUTXO    = []byte("u/") // u/<txid><index> -> UTXO JSON
	prefixAddr    = []byte("a/") // a/<address><txid><index> -> empty (index)
	prefixCluster = []byte("c/") // c/<cluster_id> -> ClusterRecord JSON

	keyDecayPool = []byte("p/decay_pool") // decay pool scalar, PRECISION-scaled.
)

// Store implements Set backed by a storage.DB, and additionally tracks
// per-cluster decay state and the chain-wide decay pool.
type Store struct {
	db storage.DB
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// utxoKey builds a storage key for an outpoint: "u/" + txid(32) + index(4).
func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

// addrKey builds an address index key: "a/" + addr(20) + txid(32) + index(4).
func addrKey(addr types.Address, op types.Outpoint) []byte {
	key := make([]byte, len(prefixAddr)+types.AddressSize+types.HashSize+4)
	copy(key, prefixAddr)
	copy(key[len(prefixAddr):], addr[:])
	off := len(prefixAddr) + types.AddressSize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

// clusterKey builds a cluster record key: "c/" + cluster_id(20).
func clusterKey(id types.Address) []byte {
	key := make([]byte, len(prefixCluster)+types.AddressSize)
	copy(key, prefixCluster)
	copy(key[len(prefixCluster):], id[:])
	return key
}

// Get retrieves a UTXO by its outpoint.
func (s *Store) Get(outpoint types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(outpoint))
	if err != nil {
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

// Put stores a UTXO and updates the address index.
func (s *Store) Put(u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	if err := s.db.Put(utxoKey(u.Outpoint), data); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}
	if err := s.db.Put(addrKey(u.Address, u.Outpoint), []byte{}); err != nil {
		return fmt.Errorf("utxo index put: %w", err)
	}
	return nil
}

// Delete removes a UTXO and its address index entry.
func (s *Store) Delete(outpoint types.Outpoint) error {
	u, err := s.Get(outpoint)
	if err == nil {
		s.db.Delete(addrKey(u.Address, u.Outpoint))
	}
	if err := s.db.Delete(utxoKey(outpoint)); err != nil {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// Has checks if a UTXO exists for the given outpoint.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(utxoKey(outpoint))
}

// ForEach iterates over all UTXOs in the store.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&u)
	})
}

// GetByAddress returns all UTXOs belonging to the given address.
// It scans the address index and loads each referenced UTXO.
func (s *Store) GetByAddress(addr types.Address) ([]*UTXO, error) {
	prefix := make([]byte, len(prefixAddr)+types.AddressSize)
	copy(prefix, prefixAddr)
	copy(prefix[len(prefixAddr):], addr[:])

	var utxos []*UTXO
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		// Key layout: "a/" + addr(20) + txid(32) + index(4).
		off := len(prefixAddr) + types.AddressSize
		if len(key) < off+types.HashSize+4 {
			return nil // Malformed key, skip.
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		u, err := s.Get(op)
		if err != nil {
			return nil // UTXO may have been spent, skip.
		}
		utxos = append(utxos, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan address index: %w", err)
	}
	return utxos, nil
}

// GetCluster returns the decay record for a cluster. A cluster that has
// never been touched by the decay engine has no stored record; GetCluster
// returns a zero-valued record (TotalNominal 0, LastDecayHeight 0) for it
// rather than an error, since "untouched" is the common case for most
// addresses and is not itself a fault condition.
func (s *Store) GetCluster(id types.Address) (*ClusterRecord, error) {
	ok, err := s.db.Has(clusterKey(id))
	if err != nil {
		return nil, fmt.Errorf("cluster has: %w", err)
	}
	if !ok {
		return &ClusterRecord{ClusterID: id}, nil
	}
	data, err := s.db.Get(clusterKey(id))
	if err != nil {
		return nil, fmt.Errorf("cluster get: %w", err)
	}
	var rec ClusterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cluster unmarshal: %w", err)
	}
	return &rec, nil
}

// PutCluster stores a cluster's decay record.
func (s *Store) PutCluster(rec *ClusterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cluster marshal: %w", err)
	}
	if err := s.db.Put(clusterKey(rec.ClusterID), data); err != nil {
		return fmt.Errorf("cluster put: %w", err)
	}
	return nil
}

// HasCluster reports whether a cluster record has ever been stored for id.
func (s *Store) HasCluster(id types.Address) (bool, error) {
	return s.db.Has(clusterKey(id))
}

// DeleteCluster removes a cluster's decay record entirely. Used by undo
// when reverting the block that first created the record, so the cluster
// goes back to being untouched rather than merely zero-valued.
func (s *Store) DeleteCluster(id types.Address) error {
	if err := s.db.Delete(clusterKey(id)); err != nil {
		return fmt.Errorf("cluster delete: %w", err)
	}
	return nil
}

// ForEachCluster iterates over every stored cluster record. Used by the
// chain package's decay-invariant audit, which needs the full set rather
// than a single cluster's projection.
func (s *Store) ForEachCluster(fn func(*ClusterRecord) error) error {
	return s.db.ForEach(prefixCluster, func(key, value []byte) error {
		var rec ClusterRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("cluster unmarshal: %w", err)
		}
		return fn(&rec)
	})
}

// DecayPool returns the chain's current decay pool total (PRECISION-scaled
// fixed-point units). A chain that has never accumulated any decay has no
// stored value and DecayPool returns 0.
func (s *Store) DecayPool() (uint64, error) {
	ok, err := s.db.Has(keyDecayPool)
	if err != nil {
		return 0, fmt.Errorf("decay pool has: %w", err)
	}
	if !ok {
		return 0, nil
	}
	data, err := s.db.Get(keyDecayPool)
	if err != nil {
		return 0, fmt.Errorf("decay pool get: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("decay pool: corrupt value (want 8 bytes, got %d)", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// SetDecayPool overwrites the chain's decay pool total.
func (s *Store) SetDecayPool(v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	if err := s.db.Put(keyDecayPool, buf); err != nil {
		return fmt.Errorf("decay pool put: %w", err)
	}
	return nil
}

// ClearAll removes all UTXOs, cluster records, the decay pool, and every
// secondary index. Used during UTXO set recovery after a crash during
// reorg, before a full rebuild from genesis.
func (s *Store) ClearAll() error {
	var keys [][]byte
	for _, prefix := range [][]byte{prefixUTXO, prefixAddr, prefixCluster} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	if err := s.db.Delete(keyDecayPool); err != nil {
		return fmt.Errorf("delete decay pool: %w", err)
	}
	return nil
}
