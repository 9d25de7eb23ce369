// Package tx defines transaction types and validation.
package tx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/chronoledger/ledgerd/pkg/types"
)

// DelayParams carries the VDF parameters embedded in a coinbase input.
// Order is the hex-encoded VDF group modulus N (config.VDFRules.Modulus).
type DelayParams struct {
	Order     string `json:"order"`
	TimeParam uint64 `json:"time_param"`
	Seed      string `json:"seed"`
	Proof     string `json:"proof"`
}

// VoteProof is the aggregated time-vote evidence embedded in a coinbase
// input: the winning target address and the ordered list of addresses that
// voted for it.
type VoteProof struct {
	Target types.Address   `json:"target"`
	Voters []types.Address `json:"voters"`
}

// Transaction represents a ledger transaction. Transactions with exactly one
// input whose PrevTxHash is the zero hash and whose Index is 0 are coinbase
// transactions.
type Transaction struct {
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
	// Timestamp is the creation time in unix milliseconds. It only
	// participates in the canonical hash for coinbase transactions.
	Timestamp uint64 `json:"timestamp,omitempty"`
}

// Input references a previously produced output being spent.
type Input struct {
	PrevTxHash types.Hash `json:"prev_tx_hash"`
	Index      uint32     `json:"index"`
	Signature  []byte     `json:"signature"`
	PubKey     []byte     `json:"pubkey"`

	// Proof and DelayParams are only populated on the single coinbase
	// input of a block and are excluded from the canonical tx hash.
	Proof       *VoteProof   `json:"vote_info,omitempty"`
	DelayParams *DelayParams `json:"delay_params,omitempty"`
}

// inputJSON hex-encodes the byte fields of Input for wire/storage transport.
type inputJSON struct {
	PrevTxHash  types.Hash   `json:"prev_tx_hash"`
	Index       uint32       `json:"index"`
	Signature   string       `json:"signature"`
	PubKey      string       `json:"pubkey"`
	Proof       *VoteProof   `json:"vote_info,omitempty"`
	DelayParams *DelayParams `json:"delay_params,omitempty"`
}

func (in Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(inputJSON{
		PrevTxHash:  in.PrevTxHash,
		Index:       in.Index,
		Signature:   hex.EncodeToString(in.Signature),
		PubKey:      hex.EncodeToString(in.PubKey),
		Proof:       in.Proof,
		DelayParams: in.DelayParams,
	})
}

func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return err
	}
	pk, err := hex.DecodeString(j.PubKey)
	if err != nil {
		return err
	}
	in.PrevTxHash = j.PrevTxHash
	in.Index = j.Index
	in.Signature = sig
	in.PubKey = pk
	in.Proof = j.Proof
	in.DelayParams = j.DelayParams
	return nil
}

// Output defines a new UTXO: a value locked to an owning address.
type Output struct {
	Value uint64        `json:"value"`
	Owner types.Address `json:"owner"`
}

// IsCoinbase reports whether tx is a coinbase transaction: exactly one
// input, referencing the zero hash at index 0.
func (t *Transaction) IsCoinbase() bool {
	return len(t.Inputs) == 1 && t.Inputs[0].PrevTxHash.IsZero() && t.Inputs[0].Index == 0
}

// Hash computes the canonical transaction hash: SHA-256 over the
// concatenation of the stringified inputs (excluding vote_info and
// delay_params) and outputs, plus the millisecond timestamp for coinbase
// transactions only.
func (t *Transaction) Hash() types.Hash {
	var sb strings.Builder
	for _, in := range t.Inputs {
		sb.WriteString(in.PrevTxHash.String())
		sb.WriteString(strconv.FormatUint(uint64(in.Index), 10))
		sb.WriteString(hex.EncodeToString(in.Signature))
		sb.WriteString(hex.EncodeToString(in.PubKey))
	}
	for _, out := range t.Outputs {
		sb.WriteString(strconv.FormatUint(out.Value, 10))
		sb.WriteString(out.Owner.String())
	}
	if t.IsCoinbase() {
		sb.WriteString(strconv.FormatUint(t.Timestamp, 10))
	}
	return sha256.Sum256([]byte(sb.String()))
}

// SigningDigest computes the hash a signature on input[idx] must cover: the
// same canonical layout as Hash, except input[idx]'s signature is zeroed and
// its pubkey field is replaced with the owner address of the output it
// spends. This binds every signature to the specific UTXO owner, not merely
// to whatever pubkey bytes the spender supplied.
func (t *Transaction) SigningDigest(idx int, owner types.Address) types.Hash {
	var sb strings.Builder
	for i, in := range t.Inputs {
		sb.WriteString(in.PrevTxHash.String())
		sb.WriteString(strconv.FormatUint(uint64(in.Index), 10))
		if i == idx {
			sb.WriteString(owner.String())
		} else {
			sb.WriteString(hex.EncodeToString(in.Signature))
			sb.WriteString(hex.EncodeToString(in.PubKey))
		}
	}
	for _, out := range t.Outputs {
		sb.WriteString(strconv.FormatUint(out.Value, 10))
		sb.WriteString(out.Owner.String())
	}
	if t.IsCoinbase() {
		sb.WriteString(strconv.FormatUint(t.Timestamp, 10))
	}
	return sha256.Sum256([]byte(sb.String()))
}

// TotalOutputValue returns the sum of all output values. Returns an error if
// the sum overflows uint64.
func (t *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range t.Outputs {
		if out.Value > ^uint64(0)-total {
			return 0, errOutputOverflow
		}
		total += out.Value
	}
	return total, nil
}
