package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/chronoledger/ledgerd/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound   = errors.New("input UTXO not found")
	ErrInsufficientFee = errors.New("insufficient fee")
	ErrInputOverflow   = errors.New("input values overflow")
)

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value uint64, owner types.Address, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// Verifier checks a signature against a hash and a compressed public key.
// Satisfied by pkg/crypto.SchnorrVerifier; kept as an interface here so the
// tx package never imports a concrete signature scheme.
type Verifier interface {
	Verify(hash, signature, publicKey []byte) bool
}

// ValidateWithUTXOs performs full validation of a non-coinbase transaction
// against the UTXO set: every input exists and is unspent, every signature
// verifies against the per-input signing digest bound to the spent output's
// owner, and inputs cover outputs. Returns the fee (inputs - outputs).
func (t *Transaction) ValidateWithUTXOs(provider UTXOProvider, verifier Verifier) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range t.Inputs {
		if t.IsCoinbase() {
			continue
		}

		op := types.Outpoint{TxID: in.PrevTxHash, Index: in.Index}
		if !provider.HasUTXO(op) {
			return 0, fmt.Errorf("input %d (%s): %w", i, op, ErrInputNotFound)
		}

		value, owner, err := provider.GetUTXO(op)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		digest := t.SigningDigest(i, owner)
		if !verifier.Verify(digest[:], in.Signature, in.PubKey) {
			return 0, fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}

		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	totalOutput, err := t.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("output overflow: %w", err)
	}
	if t.IsCoinbase() {
		return 0, nil
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	return totalInput - totalOutput, nil
}
