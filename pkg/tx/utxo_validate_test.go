package tx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rillcoin/rillcoin/config"
	"github.com/rillcoin/rillcoin/pkg/crypto"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// mockUTXOProvider is a simple in-memory UTXO provider for testing.
type mockUTXOProvider struct {
	utxos  map[types.Outpoint]mockUTXO
	height uint64
}

type mockUTXO struct {
	value          uint64
	address        types.Address
	creationHeight uint64
	coinbase       bool
	lockedUntil    uint64
}

func newMockProvider() *mockUTXOProvider {
	return &mockUTXOProvider{utxos: make(map[types.Outpoint]mockUTXO)}
}

func (m *mockUTXOProvider) add(op types.Outpoint, value uint64, addr types.Address) {
	m.utxos[op] = mockUTXO{value: value, address: addr}
}

func (m *mockUTXOProvider) addCoinbase(op types.Outpoint, value uint64, addr types.Address, creationHeight uint64) {
	m.utxos[op] = mockUTXO{value: value, address: addr, creationHeight: creationHeight, coinbase: true}
}

func (m *mockUTXOProvider) addLocked(op types.Outpoint, value uint64, addr types.Address, lockedUntil uint64) {
	m.utxos[op] = mockUTXO{value: value, address: addr, lockedUntil: lockedUntil}
}

func (m *mockUTXOProvider) GetUTXO(op types.Outpoint) (uint64, types.Address, uint64, bool, uint64, error) {
	u, ok := m.utxos[op]
	if !ok {
		return 0, types.Address{}, 0, false, 0, fmt.Errorf("not found")
	}
	return u.value, u.address, u.creationHeight, u.coinbase, u.lockedUntil, nil
}

func (m *mockUTXOProvider) HasUTXO(op types.Outpoint) bool {
	_, ok := m.utxos[op]
	return ok
}

func TestValidateWithUTXOs_Valid(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 5000, addr)

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(4000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	fee, err := transaction.ValidateWithUTXOs(provider, 0)
	if err != nil {
		t.Fatalf("ValidateWithUTXOs: %v", err)
	}
	if fee != 1000 {
		t.Errorf("fee = %d, want 1000", fee)
	}
}

func TestValidateWithUTXOs_FeeBelowMinimum(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 3000, addr)

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(3000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	_, err := transaction.ValidateWithUTXOs(provider, 0)
	if !errors.Is(err, ErrFeeBelowMinimum) {
		t.Errorf("expected ErrFeeBelowMinimum, got: %v", err)
	}
}

func TestValidateWithUTXOs_InputNotFound(t *testing.T) {
	key, _ := crypto.GenerateKey()

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider() // Empty — no UTXOs.

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(1000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	_, err := transaction.ValidateWithUTXOs(provider, 0)
	if !errors.Is(err, ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got: %v", err)
	}
}

func TestValidateWithUTXOs_InsufficientFunds(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 1000, addr)

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(2000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	_, err := transaction.ValidateWithUTXOs(provider, 0)
	if !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("expected ErrInsufficientFee, got: %v", err)
	}
}

func TestValidateWithUTXOs_AddressMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	// Use a different address than what the key derives.
	var wrongAddr types.Address
	wrongAddr[0] = 0xff

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 5000, wrongAddr)

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(4000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	_, err := transaction.ValidateWithUTXOs(provider, 0)
	if !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("expected ErrAddressMismatch, got: %v", err)
	}
}

func TestValidateWithUTXOs_MultipleInputs(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	prevOut1 := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	prevOut2 := types.Outpoint{TxID: types.Hash{0x02}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut1, 3000, addr)
	provider.add(prevOut2, 2000, addr)

	b := NewBuilder().
		AddInput(prevOut1).
		AddInput(prevOut2).
		AddOutput(4000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	fee, err := transaction.ValidateWithUTXOs(provider, 0)
	if err != nil {
		t.Fatalf("ValidateWithUTXOs: %v", err)
	}
	if fee != 1000 {
		t.Errorf("fee = %d, want 1000", fee)
	}
}

func TestValidateWithUTXOs_InvalidSignature(t *testing.T) {
	key1, _ := crypto.GenerateKey()
	key2, _ := crypto.GenerateKey()
	addr2 := crypto.AddressFromPubKey(key2.PublicKey())

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	// UTXO is locked to key2's address...
	provider.add(prevOut, 5000, addr2)

	// ...but signed with key1. The address check will catch the mismatch.
	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(4000, types.Address{0x01})
	b.Sign(key1)
	transaction := b.Build()

	_, err := transaction.ValidateWithUTXOs(provider, 0)
	if !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("expected ErrAddressMismatch, got: %v", err)
	}
}

func TestValidateWithUTXOs_StructuralFailure(t *testing.T) {
	// Transaction with no inputs should fail structural validation.
	transaction := &Transaction{
		Version: 1,
		Outputs: []Output{{Value: 1000, Address: types.Address{0x01}}},
	}
	provider := newMockProvider()

	_, err := transaction.ValidateWithUTXOs(provider, 0)
	if !errors.Is(err, ErrNoInputs) {
		t.Errorf("expected ErrNoInputs, got: %v", err)
	}
}

func TestValidateWithUTXOs_ImmatureCoinbase(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.addCoinbase(prevOut, 5000, addr, 10)

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(4000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	_, err := transaction.ValidateWithUTXOs(provider, 10+config.CoinbaseMaturity-1)
	if !errors.Is(err, ErrImmatureCoinbase) {
		t.Errorf("expected ErrImmatureCoinbase, got: %v", err)
	}
}

func TestValidateWithUTXOs_MaturedCoinbase(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.addCoinbase(prevOut, 5000, addr, 10)

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(4000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	_, err := transaction.ValidateWithUTXOs(provider, 10+config.CoinbaseMaturity)
	if err != nil {
		t.Errorf("matured coinbase spend should pass: %v", err)
	}
}

func TestValidateWithUTXOs_VestingLock(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.addLocked(prevOut, 5000, addr, 50_000)

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(4000, types.Address{0x01})
	b.Sign(key)
	transaction := b.Build()

	if _, err := transaction.ValidateWithUTXOs(provider, 49_999); !errors.Is(err, ErrOutputLocked) {
		t.Errorf("expected ErrOutputLocked before vesting height, got: %v", err)
	}
	if _, err := transaction.ValidateWithUTXOs(provider, 50_000); err != nil {
		t.Errorf("spend at vesting height should pass: %v", err)
	}
}
