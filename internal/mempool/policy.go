package mempool

import (
	"fmt"

	"github.com/chronoledger/ledgerd/config"
	"github.com/chronoledger/ledgerd/pkg/tx"
)

// Policy defines transaction acceptance rules enforced before a transaction
// is admitted to the pool, separate from consensus validation against the
// UTXO set. Input/output counts mirror the consensus limits in config as
// defense-in-depth: reject early, before the cost of full validation.
type Policy struct {
	MaxInputs  int
	MaxOutputs int
}

// DefaultPolicy returns a policy matching the chain's consensus limits.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxInputs:  config.MaxTxInputs,
		MaxOutputs: config.MaxTxOutputs,
	}
}

// Check validates shape limits on a transaction before UTXO-aware validation.
func (p *Policy) Check(transaction *tx.Transaction) error {
	if p.MaxInputs > 0 && len(transaction.Inputs) > p.MaxInputs {
		return fmt.Errorf("too many inputs: %d, max %d", len(transaction.Inputs), p.MaxInputs)
	}
	if p.MaxOutputs > 0 && len(transaction.Outputs) > p.MaxOutputs {
		return fmt.Errorf("too many outputs: %d, max %d", len(transaction.Outputs), p.MaxOutputs)
	}
	return nil
}
