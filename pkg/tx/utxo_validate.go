package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/rillcoin/rillcoin/config"
	"github.com/rillcoin/rillcoin/pkg/crypto"
	"github.com/rillcoin/rillcoin/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound    = errors.New("input UTXO not found")
	ErrInputSpent       = errors.New("input UTXO already spent")
	ErrInsufficientFee  = errors.New("insufficient fee")
	ErrFeeBelowMinimum  = errors.New("fee below minimum")
	ErrInputOverflow    = errors.New("input values overflow")
	ErrAddressMismatch  = errors.New("pubkey does not match UTXO address")
	ErrImmatureCoinbase = errors.New("coinbase output not yet mature")
	ErrOutputLocked     = errors.New("output not yet unlocked")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	// GetUTXO returns the value, destination address, creation height,
	// coinbase flag, and vesting lock height of the UTXO at outpoint.
	// lockedUntil is the height at or after which the output is spendable
	// beyond ordinary coinbase maturity; zero for outputs with no extra lock.
	GetUTXO(outpoint types.Outpoint) (value uint64, address types.Address, creationHeight uint64, coinbase bool, lockedUntil uint64, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs performs full validation of a transaction against the UTXO set
// at the given chain height. It checks that all inputs exist, are unspent, that
// the spending pubkey derives the UTXO's destination address, that coinbase
// inputs have matured, that signatures are valid, and that inputs >= outputs
// with at least the minimum per-transaction fee. Returns the fee (inputs - outputs).
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider, height uint64) (uint64, error) {
	if err := tx.ValidateStructure(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase input.
		}

		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}

		value, address, creationHeight, coinbase, lockedUntil, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if coinbase && height < creationHeight+config.CoinbaseMaturity {
			return 0, fmt.Errorf("input %d (%s): %w: created at %d, spendable at %d, height %d",
				i, in.PrevOut, ErrImmatureCoinbase, creationHeight, creationHeight+config.CoinbaseMaturity, height)
		}
		if lockedUntil > 0 && height < lockedUntil {
			return 0, fmt.Errorf("input %d (%s): %w: locked until %d, height %d",
				i, in.PrevOut, ErrOutputLocked, lockedUntil, height)
		}

		if err := verifyOwnership(in.PubKey, address); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, ovfErr := tx.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	fee := totalInput - totalOutput
	if !tx.IsCoinbase() && fee < config.MinFeePerTx {
		return 0, fmt.Errorf("%w: fee=%d, min=%d", ErrFeeBelowMinimum, fee, config.MinFeePerTx)
	}

	return fee, nil
}

// ValidateStructure checks transaction structure without requiring UTXO access.
// Same as Validate() but renamed for clarity when used alongside ValidateWithUTXOs.
func (tx *Transaction) ValidateStructure() error {
	return tx.Validate()
}

// verifyOwnership checks that a public key derives the expected address.
func verifyOwnership(pubKey []byte, expected types.Address) error {
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}
	derived := crypto.AddressFromPubKey(pubKey)
	if derived != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrAddressMismatch, expected, derived)
	}
	return nil
}
