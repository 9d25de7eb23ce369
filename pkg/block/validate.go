package block

import (
	"errors"
	"fmt"

	"github.com/chronoledger/ledgerd/config"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader           = errors.New("block has nil header")
	ErrNoTransactions      = errors.New("block has no transactions")
	ErrBadMerkleRoot       = errors.New("merkle root mismatch")
	ErrBadSelfHash         = errors.New("self hash mismatch")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrNoCoinbase          = errors.New("first transaction must be coinbase")
	ErrTooManyTxs          = errors.New("too many transactions in block")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrMultipleCoinbase    = errors.New("multiple coinbase transactions in block")
)

// Validate checks block structure and internal consistency: header self
// hash, merkle root, coinbase placement, and no input double-spent within
// the block. It does NOT check UTXO existence or previous-block linkage
// (that is the Chain Store's job, see Store.VerifyBlock).
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	if !b.Transactions[0].IsCoinbase() {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[1:] {
		if t.IsCoinbase() {
			return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCoinbase)
		}
	}

	txHashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		txHashes[i] = t.Hash()
	}
	expectedRoot := ComputeMerkleRoot(txHashes)
	if b.Header.MerkleRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, expectedRoot)
	}

	if computed := b.Header.ComputeHash(); b.Header.SelfHash != computed {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadSelfHash, b.Header.SelfHash, computed)
	}

	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	allInputs := make(map[types.Outpoint]int, len(b.Transactions))
	for i, t := range b.Transactions {
		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			op := types.Outpoint{TxID: in.PrevTxHash, Index: in.Index}
			if prevTx, exists := allInputs[op]; exists {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, op, prevTx)
			}
			allInputs[op] = i
		}
	}

	return nil
}

// Hash returns the block header's self hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.SelfHash
}
