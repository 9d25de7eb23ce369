package block

import (
	"errors"
	"testing"

	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

func sampleOutput(v uint64) tx.Output {
	var owner types.Address
	owner[0] = byte(v)
	return tx.Output{Value: v, Owner: owner}
}

func coinbaseTx(value uint64, ts uint64) *tx.Transaction {
	return &tx.Transaction{
		Inputs: []tx.Input{{
			Proof:       &tx.VoteProof{Target: types.Address{1}},
			DelayParams: &tx.DelayParams{Order: "7", TimeParam: 100, Seed: "ab", Proof: "cd"},
		}},
		Outputs:   []tx.Output{sampleOutput(value)},
		Timestamp: ts,
	}
}

func buildBlock(height uint64, prev types.Hash, txs []*tx.Transaction, ts uint64) *Block {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	h := &Header{
		PrevHash:   prev,
		MerkleRoot: ComputeMerkleRoot(hashes),
		Height:     height,
		Timestamp:  ts,
		Nonce:      0,
	}
	h.SelfHash = h.ComputeHash()
	return NewBlock(h, txs)
}

func TestValidate_AcceptsGenesis(t *testing.T) {
	b := buildBlock(0, types.Hash{}, []*tx.Transaction{coinbaseTx(1000, 1)}, 1000)
	if err := b.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsMissingCoinbase(t *testing.T) {
	nonCoinbase := &tx.Transaction{
		Inputs:  []tx.Input{{PrevTxHash: types.Hash{1}, Index: 0, Signature: []byte{1}, PubKey: []byte{1}}},
		Outputs: []tx.Output{sampleOutput(1)},
	}
	b := buildBlock(0, types.Hash{}, []*tx.Transaction{nonCoinbase}, 1000)
	if err := b.Validate(); !errors.Is(err, ErrNoCoinbase) {
		t.Fatalf("expected ErrNoCoinbase, got %v", err)
	}
}

func TestValidate_RejectsBadMerkleRoot(t *testing.T) {
	b := buildBlock(0, types.Hash{}, []*tx.Transaction{coinbaseTx(1000, 1)}, 1000)
	b.Header.MerkleRoot = types.Hash{0xFF}
	if err := b.Validate(); !errors.Is(err, ErrBadMerkleRoot) {
		t.Fatalf("expected ErrBadMerkleRoot, got %v", err)
	}
}

func TestValidate_RejectsBadSelfHash(t *testing.T) {
	b := buildBlock(0, types.Hash{}, []*tx.Transaction{coinbaseTx(1000, 1)}, 1000)
	b.Header.Nonce = 999
	if err := b.Validate(); !errors.Is(err, ErrBadSelfHash) {
		t.Fatalf("expected ErrBadSelfHash, got %v", err)
	}
}

func TestValidate_RejectsMultipleCoinbase(t *testing.T) {
	b := buildBlock(0, types.Hash{}, []*tx.Transaction{coinbaseTx(1000, 1), coinbaseTx(500, 1)}, 1000)
	if err := b.Validate(); !errors.Is(err, ErrMultipleCoinbase) {
		t.Fatalf("expected ErrMultipleCoinbase, got %v", err)
	}
}

func TestValidate_RejectsDoubleSpendAcrossTxs(t *testing.T) {
	spend := tx.Input{PrevTxHash: types.Hash{5}, Index: 0, Signature: []byte{1}, PubKey: []byte{1}}
	t1 := &tx.Transaction{Inputs: []tx.Input{spend}, Outputs: []tx.Output{sampleOutput(1)}}
	t2 := &tx.Transaction{Inputs: []tx.Input{spend}, Outputs: []tx.Output{sampleOutput(1)}}
	b := buildBlock(1, types.Hash{9}, []*tx.Transaction{coinbaseTx(1000, 1), t1, t2}, 1000)
	if err := b.Validate(); !errors.Is(err, ErrDuplicateBlockInput) {
		t.Fatalf("expected ErrDuplicateBlockInput, got %v", err)
	}
}
