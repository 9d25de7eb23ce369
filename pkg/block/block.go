// Package block defines block types and validation.
package block

import "github.com/chronoledger/ledgerd/pkg/tx"

// Block represents a block in the chain. Transactions[0] is always the
// coinbase transaction.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Coinbase returns the block's coinbase transaction.
func (b *Block) Coinbase() *tx.Transaction {
	if len(b.Transactions) == 0 {
		return nil
	}
	return b.Transactions[0]
}
