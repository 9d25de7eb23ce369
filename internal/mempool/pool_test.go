package mempool

import (
	"testing"

	"github.com/chronoledger/ledgerd/pkg/crypto"
	"github.com/chronoledger/ledgerd/pkg/tx"
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
		return 0, types.Address{}, tx.ErrInputNotFound
	}
	return u.value, u.owner, nil
}

// signedSpend builds a one-input, one-output transaction spending a
// provider-registered outpoint, signed by owner.
func signedSpend(t *testing.T, provider *fakeUTXOProvider, fundingHash types.Hash, index uint32, owner crypto.Signer, ownerAddr types.Address, value uint64, dest types.Address) *tx.Transaction {
	t.Helper()
	builder := tx.NewBuilder().AddInput(fundingHash, index).AddOutput(value, dest)
	spend := builder.Build()
	owners := map[types.Outpoint]types.Address{{TxID: fundingHash, Index: index}: ownerAddr}
	signers := map[types.Address]crypto.Signer{ownerAddr: owner}
	if err := builder.SignMulti(owners, signers); err != nil {
		t.Fatalf("SignMulti: %v", err)
	}
	provider.utxos[types.Outpoint{TxID: fundingHash, Index: index}] = struct {
		value uint64
		owner types.Address
	}{value, ownerAddr}
	return spend
}

func newTestPool(t *testing.T, size int, provider *fakeUTXOProvider) *Pool {
	t.Helper()
	return New(size, provider, crypto.SchnorrVerifier{}, DefaultPolicy(), nil)
}

func TestPool_AddAndDuplicate(t *testing.T) {
	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ownerAddr := crypto.AddressFromPubKey(owner.PublicKey())
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{}}
	fundingHash := types.Hash{0xaa}
	spend := signedSpend(t, provider, fundingHash, 0, owner, ownerAddr, 500, types.Address{0x02})

	p := newTestPool(t, 10, provider)
	if !p.Add(spend) {
		t.Fatal("Add should admit a valid transaction")
	}
	if p.Add(spend) {
		t.Fatal("Add should reject a duplicate")
	}
	if !p.Has(spend.Hash()) {
		t.Error("Has should report the admitted transaction")
	}
	if p.Count() != 1 {
		t.Errorf("Count = %d, want 1", p.Count())
	}
}

func TestPool_AddRejectsBadSignature(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	ownerAddr := crypto.AddressFromPubKey(owner.PublicKey())
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{}}
	fundingHash := types.Hash{0xbb}
	spend := signedSpend(t, provider, fundingHash, 0, owner, ownerAddr, 500, types.Address{0x03})
	spend.Inputs[0].Signature[0] ^= 0xff

	p := newTestPool(t, 10, provider)
	if p.Add(spend) {
		t.Fatal("Add should reject a transaction with an invalid signature")
	}
}

func TestPool_AddRejectsWhenFull(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	ownerAddr := crypto.AddressFromPubKey(owner.PublicKey())
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{}}
	p := newTestPool(t, 1, provider)

	spend1 := signedSpend(t, provider, types.Hash{0x01}, 0, owner, ownerAddr, 100, types.Address{0x10})
	spend2 := signedSpend(t, provider, types.Hash{0x02}, 0, owner, ownerAddr, 100, types.Address{0x11})

	if !p.Add(spend1) {
		t.Fatal("first Add should succeed")
	}
	if p.Add(spend2) {
		t.Fatal("Add should reject once the pool is at capacity")
	}
}

func TestPool_PackageTwoQueueRetry(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	ownerAddr := crypto.AddressFromPubKey(owner.PublicKey())
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{}}
	p := newTestPool(t, 10, provider)

	var sent []*tx.Transaction
	for i := 0; i < 3; i++ {
		spend := signedSpend(t, provider, types.Hash{byte(i + 1)}, 0, owner, ownerAddr, 100, types.Address{0x20})
		if !p.Add(spend) {
			t.Fatalf("Add tx %d failed", i)
		}
		sent = append(sent, spend)
	}

	out, ok := p.Package(1)
	if !ok || len(out) != 3 {
		t.Fatalf("Package(1) = (%d txs, %v), want (3, true)", len(out), ok)
	}

	if _, ok := p.Package(1); ok {
		t.Error("Package(1) again before SetHeight should return none")
	}

	// Simulate the committed block failing to land: roll back to height 0
	// and retry packaging for height 1.
	p.SetHeight(0, true)
	out2, ok := p.Package(1)
	if !ok {
		t.Fatal("Package(1) after rollback should be served again")
	}
	if len(out2) < len(sent) {
		t.Errorf("Package(1) retry returned %d txs, want a superset of %d", len(out2), len(sent))
	}
}

func TestPool_RemoveOnCommit(t *testing.T) {
	owner, _ := crypto.GenerateKey()
	ownerAddr := crypto.AddressFromPubKey(owner.PublicKey())
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{}}
	p := newTestPool(t, 10, provider)
	spend := signedSpend(t, provider, types.Hash{0x05}, 0, owner, ownerAddr, 100, types.Address{0x30})
	p.Add(spend)

	if _, ok := p.Package(1); !ok {
		t.Fatal("Package(1) should succeed")
	}
	p.Remove(spend.Hash())
	p.SetHeight(1, false)

	if p.Has(spend.Hash()) {
		t.Error("Remove should drop the transaction from the pool entirely")
	}
	if _, ok := p.Package(2); !ok {
		t.Fatal("Package(2) should be servable after commit")
	}
}

func TestPool_SetHeightMonotonicUnlessRolledBack(t *testing.T) {
	provider := &fakeUTXOProvider{utxos: map[types.Outpoint]struct {
		value uint64
		owner types.Address
	}{}}
	p := newTestPool(t, 10, provider)

	p.SetHeight(5, false)
	p.SetHeight(3, false)
	if _, ok := p.Package(4); ok {
		t.Error("SetHeight(3, false) should not lower the watermark below 5")
	}

	p.SetHeight(3, true)
	if _, ok := p.Package(4); !ok {
		t.Error("SetHeight(3, true) should lower the watermark so Package(4) is servable")
	}
}
