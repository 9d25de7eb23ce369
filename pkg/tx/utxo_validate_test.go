package tx

import (
	"errors"
	"testing"

	"github.com/chronoledger/ledgerd/pkg/types"
)

type fakeUTXOProvider struct {
	utxos map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}
}

func (f *fakeUTXOProvider) HasUTXO(op types.Outpoint) bool {
	_, ok := f.utxos[op]
	return ok
}

func (f *fakeUTXOProvider) GetUTXO(op types.Outpoint) (uint64, types.Address, error) {
	u, ok := f.utxos[op]
	if !ok {
		return 0, types.Address{}, errors.New("not found")
	}
	return u.value, u.owner, nil
}

type fakeVerifier struct{ ok bool }

func (f fakeVerifier) Verify(hash, signature, publicKey []byte) bool { return f.ok }

func TestValidateWithUTXOs_RejectsMissingInput(t *testing.T) {
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{}}
	txn := &Transaction{
		Inputs:  []Input{{PrevTxHash: types.Hash{1}, Index: 0, Signature: []byte{1}, PubKey: []byte{1}}},
		Outputs: []Output{sampleOutput(1)},
	}
	_, err := txn.ValidateWithUTXOs(provider, fakeVerifier{ok: true})
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("expected ErrInputNotFound, got %v", err)
	}
}

func TestValidateWithUTXOs_RejectsBadSignature(t *testing.T) {
	op := types.Outpoint{TxID: types.Hash{1}, Index: 0}
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{op: {value: 10, owner: types.Address{1}}}}
	txn := &Transaction{
		Inputs:  []Input{{PrevTxHash: op.TxID, Index: op.Index, Signature: []byte{1}, PubKey: []byte{1}}},
		Outputs: []Output{sampleOutput(10)},
	}
	_, err := txn.ValidateWithUTXOs(provider, fakeVerifier{ok: false})
	if !errors.Is(err, ErrInvalidSig) {
		t.Fatalf("expected ErrInvalidSig, got %v", err)
	}
}

func TestValidateWithUTXOs_RejectsInsufficientFee(t *testing.T) {
	op := types.Outpoint{TxID: types.Hash{1}, Index: 0}
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{op: {value: 5, owner: types.Address{1}}}}
	txn := &Transaction{
		Inputs:  []Input{{PrevTxHash: op.TxID, Index: op.Index, Signature: []byte{1}, PubKey: []byte{1}}},
		Outputs: []Output{sampleOutput(10)},
	}
	_, err := txn.ValidateWithUTXOs(provider, fakeVerifier{ok: true})
	if !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee, got %v", err)
	}
}

func TestValidateWithUTXOs_ComputesFee(t *testing.T) {
	op := types.Outpoint{TxID: types.Hash{1}, Index: 0}
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{op: {value: 10, owner: types.Address{1}}}}
	txn := &Transaction{
		Inputs:  []Input{{PrevTxHash: op.TxID, Index: op.Index, Signature: []byte{1}, PubKey: []byte{1}}},
		Outputs: []Output{sampleOutput(7)},
	}
	fee, err := txn.ValidateWithUTXOs(provider, fakeVerifier{ok: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee != 3 {
		t.Fatalf("fee = %d, want 3", fee)
	}
}
