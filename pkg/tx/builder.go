package tx

import (
	"fmt"

	"github.com/chronoledger/ledgerd/pkg/crypto"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{tx: &Transaction{}}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevTxHash types.Hash, index uint32) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevTxHash: prevTxHash, Index: index})
	return b
}

// AddCoinbaseInput adds the single coinbase input carrying the round's vote
// proof and VDF delay parameters.
func (b *Builder) AddCoinbaseInput(proof VoteProof, params DelayParams) *Builder {
	b.tx.Inputs = []Input{{Proof: &proof, DelayParams: &params}}
	return b
}

// AddOutput adds an output paying value to owner.
func (b *Builder) AddOutput(value uint64, owner types.Address) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Owner: owner})
	return b
}

// SetTimestamp sets the coinbase timestamp (ignored for non-coinbase txs by Hash).
func (b *Builder) SetTimestamp(unixMillis uint64) *Builder {
	b.tx.Timestamp = unixMillis
	return b
}

// SignMulti signs each non-coinbase input with the key that owns the output
// it spends. owners maps each spent outpoint to its owning address; signers
// maps each address to the key able to spend it.
func (b *Builder) SignMulti(owners map[types.Outpoint]types.Address, signers map[types.Address]crypto.Signer) error {
	for i := range b.tx.Inputs {
		if b.tx.IsCoinbase() {
			break
		}
		in := &b.tx.Inputs[i]
		op := types.Outpoint{TxID: in.PrevTxHash, Index: in.Index}
		owner, ok := owners[op]
		if !ok {
			return fmt.Errorf("no owner mapping for input %d outpoint %s", i, op)
		}
		signer, ok := signers[owner]
		if !ok {
			return fmt.Errorf("no signer for address %s (input %d)", owner, i)
		}
		digest := b.tx.SigningDigest(i, owner)
		sig, err := signer.Sign(digest[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		in.Signature = sig
		in.PubKey = signer.PublicKey()
	}
	return nil
}

// Build returns the constructed transaction. Does not validate; call
// Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
