// Package utxo implements the UTXO Set: the derived index of unspent
// outputs, keyed by (tx hash, index), with a secondary per-address index.
package utxo

import "github.com/chronoledger/ledgerd/pkg/types"

// UTXO is a single unspent output entry.
type UTXO struct {
	TxHash types.Hash    `json:"txHash"`
	Index  uint32        `json:"index"`
	Value  uint64        `json:"value"`
	Owner  types.Address `json:"owner"`
}

// Outpoint returns the (tx hash, index) key identifying this entry.
func (u *UTXO) Outpoint() types.Outpoint {
	return types.Outpoint{TxID: u.TxHash, Index: u.Index}
}
