// Package p2p implements the Peer Session: a length-prefixed, JSON-framed
// TCP wire protocol between chain nodes, plus the ban/peer persistence
// layers that gate and remember who a node talks to.
package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Code identifies the kind of message carried by an Envelope.
type Code uint8

const (
	CodeEmpty Code = iota
	CodeHandshake
	CodePullBlock
	CodePushBlock
	CodeNewBlock
	CodeNewBlockHash
	CodeGetBlock
	CodeBlockKnown
)

func (c Code) String() string {
	switch c {
	case CodeEmpty:
		return "EMPTY"
	case CodeHandshake:
		return "HANDSHAKE"
	case CodePullBlock:
		return "PULL_BLOCK"
	case CodePushBlock:
		return "PUSH_BLOCK"
	case CodeNewBlock:
		return "NEW_BLOCK"
	case CodeNewBlockHash:
		return "NEW_BLOCK_HASH"
	case CodeGetBlock:
		return "GET_BLOCK"
	case CodeBlockKnown:
		return "BLOCK_KNOWN"
	default:
		return fmt.Sprintf("CODE(%d)", uint8(c))
	}
}

// maxFrameBytes bounds a single frame so a malicious or buggy peer cannot
// force unbounded allocation via a forged length prefix.
const maxFrameBytes = 16 * 1024 * 1024

// Envelope is the wire unit: a message code plus its raw JSON payload. The
// payload is decoded into a concrete type once the code is known.
type Envelope struct {
	Code Code            `json:"code"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HandshakePayload is the CodeHandshake payload: each side's chain height,
// its address (the identity the rest of this protocol bans and remembers
// peers by, since there is no libp2p peer ID in this raw-TCP transport),
// and the sender's wall-clock timestamp.
type HandshakePayload struct {
	Height    uint64        `json:"height"`
	Address   types.Address `json:"address"`
	Timestamp int64         `json:"timestamp"`
}

// PullBlockPayload requests every block from Height onward.
type PullBlockPayload struct {
	Height uint64 `json:"height"`
}

// PushBlockPayload carries a single block sent in response to PullBlock or
// GetBlock.
type PushBlockPayload struct {
	Block *block.Block `json:"block"`
}

// NewBlockPayload announces a block in full, sent to a
// random subset of neighbors (see §4.9's √N fan-out split).
type NewBlockPayload struct {
	Block *block.Block `json:"block"`
}

// NewBlockHashPayload announces a block by hash only,
// sent to neighbors outside the full-block fan-out subset.
type NewBlockHashPayload struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
}

// GetBlockPayload requests a single block by hash, sent in response to a
// NewBlockHash announcement for a hash the receiver does not already have.
type GetBlockPayload struct {
	Hash types.Hash `json:"hash"`
}

// BlockKnownPayload tells a NewBlockHash sender that the receiver already
// has the announced block and no GetBlock will follow.
type BlockKnownPayload struct {
	Hash types.Hash `json:"hash"`
}

// newEnvelope marshals payload and wraps it with code.
func newEnvelope(code Code, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Code: code}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("p2p: marshal %s payload: %w", code, err)
	}
	return Envelope{Code: code, Data: data}, nil
}

// writeEnvelope frames e as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func writeEnvelope(w io.Writer, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("p2p: marshal envelope: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("p2p: outgoing frame too large (%d bytes)", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("p2p: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("p2p: write frame body: %w", err)
	}
	return nil
}

// decodeJSON unmarshals a raw payload into v.
func decodeJSON(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

// readEnvelope reads one length-prefixed JSON frame from r.
func readEnvelope(r io.Reader) (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameBytes {
		return Envelope{}, fmt.Errorf("p2p: incoming frame too large (%d bytes)", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("p2p: read frame body: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("p2p: unmarshal envelope: %w", err)
	}
	return e, nil
}
