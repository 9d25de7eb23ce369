package block

import (
	"crypto/sha256"
	"strconv"
	"strings"

	"github.com/chronoledger/ledgerd/pkg/types"
)

// Header contains block metadata, matching the ledger's canonical layout:
// previous hash, merkle root of transactions, height, millisecond
// timestamp, and a free-form nonce. SelfHash is cached on the header once
// computed so it can be persisted alongside the rest of the block.
type Header struct {
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Height     uint64     `json:"height"`
	Timestamp  uint64     `json:"timestamp"`
	Nonce      uint64     `json:"nonce"`
	SelfHash   types.Hash `json:"self_hash"`
}

// ComputeHash computes the canonical block hash: SHA-256 hex of the
// concatenated stringified (timestamp, prevHash, merkleRoot, height, nonce).
func (h *Header) ComputeHash() types.Hash {
	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(h.Timestamp, 10))
	sb.WriteString(h.PrevHash.String())
	sb.WriteString(h.MerkleRoot.String())
	sb.WriteString(strconv.FormatUint(h.Height, 10))
	sb.WriteString(strconv.FormatUint(h.Nonce, 10))
	return sha256.Sum256([]byte(sb.String()))
}
