package p2p

import (
	"bytes"
	"testing"

	"github.com/chronoledger/ledgerd/pkg/types"
)

func TestWriteReadEnvelope_RoundTrip(t *testing.T) {
	want, err := newEnvelope(CodeHandshake, HandshakePayload{
		Height:    7,
		Address:   types.Address{0x01, 0x02},
		Timestamp: 1234,
	})
	if err != nil {
		t.Fatalf("newEnvelope: %v", err)
	}

	var buf bytes.Buffer
	if err := writeEnvelope(&buf, want); err != nil {
		t.Fatalf("writeEnvelope: %v", err)
	}

	got, err := readEnvelope(&buf)
	if err != nil {
		t.Fatalf("readEnvelope: %v", err)
	}
	if got.Code != CodeHandshake {
		t.Fatalf("Code = %v, want CodeHandshake", got.Code)
	}

	var p HandshakePayload
	if err := decodeJSON(got.Data, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Height != 7 || p.Timestamp != 1234 || p.Address != (types.Address{0x01, 0x02}) {
		t.Errorf("payload roundtrip mismatch: %+v", p)
	}
}

func TestWriteEnvelope_RejectsOversizedFrame(t *testing.T) {
	big := make([]byte, maxFrameBytes+1)
	e := Envelope{Code: CodePushBlock, Data: big}
	var buf bytes.Buffer
	if err := writeEnvelope(&buf, e); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestReadEnvelope_RejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // declares a ~4GiB frame
	if _, err := readEnvelope(&buf); err == nil {
		t.Error("expected error for oversized declared length")
	}
}

func TestReadEnvelope_EOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	if _, err := readEnvelope(&buf); err == nil {
		t.Error("expected error reading from empty stream")
	}
}

func TestCode_String(t *testing.T) {
	cases := map[Code]string{
		CodeEmpty:        "EMPTY",
		CodeHandshake:    "HANDSHAKE",
		CodePullBlock:    "PULL_BLOCK",
		CodePushBlock:    "PUSH_BLOCK",
		CodeNewBlock:     "NEW_BLOCK",
		CodeNewBlockHash: "NEW_BLOCK_HASH",
		CodeGetBlock:     "GET_BLOCK",
		CodeBlockKnown:   "BLOCK_KNOWN",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Code(%d).String() = %q, want %q", code, got, want)
		}
	}
}
