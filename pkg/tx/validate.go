package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/chronoledger/ledgerd/config"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Validation errors.
var (
	ErrNoInputs       = errors.New("transaction has no inputs")
	ErrNoOutputs      = errors.New("transaction has no outputs")
	ErrDuplicateInput = errors.New("duplicate input")
	ErrOutputOverflow = errors.New("output values overflow")
	ErrZeroOutput     = errors.New("output value is zero")
	ErrMissingPubKey  = errors.New("input missing public key")
	ErrMissingSig     = errors.New("input missing signature")
	ErrInvalidSig     = errors.New("invalid signature")
	ErrTooManyInputs  = errors.New("too many inputs")
	ErrTooManyOutputs = errors.New("too many outputs")
	ErrCoinbaseShape  = errors.New("coinbase input malformed")
	ErrCoinbaseExtra  = errors.New("non-coinbase input carries coinbase-only fields")
)

var errOutputOverflow = ErrOutputOverflow

// Validate checks transaction structure and basic rules. This does NOT
// check UTXO existence (that requires the UTXO set).
func (t *Transaction) Validate() error {
	if len(t.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(t.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(t.Inputs), config.MaxTxInputs)
	}
	if len(t.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(t.Outputs), config.MaxTxOutputs)
	}

	isCoinbase := t.IsCoinbase()

	seen := make(map[types.Outpoint]bool, len(t.Inputs))
	for i, in := range t.Inputs {
		op := types.Outpoint{TxID: in.PrevTxHash, Index: in.Index}
		if seen[op] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[op] = true

		if in.PrevTxHash.IsZero() && in.Index == 0 {
			// The coinbase input: must be the sole input and carry
			// both proof and delay params.
			if !isCoinbase || len(t.Inputs) != 1 {
				return fmt.Errorf("input %d: %w", i, ErrCoinbaseShape)
			}
			if in.Proof == nil || in.DelayParams == nil {
				return fmt.Errorf("input %d: %w: missing proof/delay_params", i, ErrCoinbaseShape)
			}
			continue
		}

		if in.Proof != nil || in.DelayParams != nil {
			return fmt.Errorf("input %d: %w", i, ErrCoinbaseExtra)
		}
		if len(in.PubKey) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if len(in.Signature) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
	}

	var totalOutput uint64
	for i, out := range t.Outputs {
		if out.Value == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if totalOutput > math.MaxUint64-out.Value {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Value
	}

	return nil
}
