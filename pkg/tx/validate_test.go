package tx

import (
	"errors"
	"testing"

	"github.com/chronoledger/ledgerd/pkg/types"
)

func TestValidate_RejectsEmpty(t *testing.T) {
	txn := &Transaction{}
	if err := txn.Validate(); !errors.Is(err, ErrNoInputs) {
		t.Fatalf("expected ErrNoInputs, got %v", err)
	}
}

func TestValidate_RejectsNoOutputs(t *testing.T) {
	txn := &Transaction{Inputs: []Input{{PrevTxHash: types.Hash{1}, Index: 0, Signature: []byte{1}, PubKey: []byte{1}}}}
	if err := txn.Validate(); !errors.Is(err, ErrNoOutputs) {
		t.Fatalf("expected ErrNoOutputs, got %v", err)
	}
}

func TestValidate_RejectsDuplicateInput(t *testing.T) {
	in := Input{PrevTxHash: types.Hash{1}, Index: 0, Signature: []byte{1}, PubKey: []byte{1}}
	txn := &Transaction{Inputs: []Input{in, in}, Outputs: []Output{sampleOutput(1)}}
	if err := txn.Validate(); !errors.Is(err, ErrDuplicateInput) {
		t.Fatalf("expected ErrDuplicateInput, got %v", err)
	}
}

func TestValidate_RejectsMissingSignature(t *testing.T) {
	txn := &Transaction{
		Inputs:  []Input{{PrevTxHash: types.Hash{1}, Index: 0, PubKey: []byte{1}}},
		Outputs: []Output{sampleOutput(1)},
	}
	if err := txn.Validate(); !errors.Is(err, ErrMissingSig) {
		t.Fatalf("expected ErrMissingSig, got %v", err)
	}
}

func TestValidate_RejectsZeroValueOutput(t *testing.T) {
	txn := &Transaction{
		Inputs:  []Input{{PrevTxHash: types.Hash{1}, Index: 0, Signature: []byte{1}, PubKey: []byte{1}}},
		Outputs: []Output{sampleOutput(0)},
	}
	if err := txn.Validate(); !errors.Is(err, ErrZeroOutput) {
		t.Fatalf("expected ErrZeroOutput, got %v", err)
	}
}

func TestValidate_CoinbaseShapeEnforced(t *testing.T) {
	txn := &Transaction{
		Inputs: []Input{
			{}, // zero prevtxhash+index, but not alone -> malformed coinbase shape
			{PrevTxHash: types.Hash{1}, Index: 0, Signature: []byte{1}, PubKey: []byte{1}},
		},
		Outputs: []Output{sampleOutput(1)},
	}
	if err := txn.Validate(); !errors.Is(err, ErrCoinbaseShape) {
		t.Fatalf("expected ErrCoinbaseShape, got %v", err)
	}
}

func TestValidate_AcceptsWellFormedCoinbase(t *testing.T) {
	txn := &Transaction{
		Inputs: []Input{{
			Proof:       &VoteProof{Target: types.Address{1}},
			DelayParams: &DelayParams{Order: "1", TimeParam: 1, Seed: "00", Proof: "00"},
		}},
		Outputs: []Output{sampleOutput(50)},
	}
	if err := txn.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
