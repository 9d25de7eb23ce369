package chain

import (
	"testing"

	"github.com/chronoledger/ledgerd/internal/storage"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/crypto"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// coinbaseOnlyBlock builds a block whose single coinbase output pays reward
// to owner, chained onto prev.
func coinbaseOnlyBlock(t *testing.T, prev *block.Block, owner types.Address, reward uint64, timestamp uint64) *block.Block {
	t.Helper()
	coinbase := tx.NewBuilder().AddCoinbaseInput(tx.VoteProof{}, tx.DelayParams{}).
		AddOutput(reward, owner).SetTimestamp(timestamp).Build()

	header := &block.Header{
		PrevHash:   prev.Header.SelfHash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Height:     prev.Header.Height + 1,
		Timestamp:  timestamp,
	}
	header.SelfHash = header.ComputeHash()
	return block.NewBlock(header, []*tx.Transaction{coinbase})
}

func genesisForTest(t *testing.T) *block.Block {
	t.Helper()
	coinbase := tx.NewBuilder().AddCoinbaseInput(tx.VoteProof{}, tx.DelayParams{Order: "97"}).
		AddOutput(0, types.Address{}).Build()
	header := &block.Header{
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Height:     0,
		Timestamp:  1000,
	}
	header.SelfHash = header.ComputeHash()
	return block.NewBlock(header, []*tx.Transaction{coinbase})
}

func TestStore_InsertAndGetLatest(t *testing.T) {
	s, err := New(storage.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	genesis := genesisForTest(t)
	if err := s.InsertBlock(genesis); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	got, hash, err := s.GetLatest()
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if hash != genesis.Header.SelfHash {
		t.Errorf("GetLatest hash = %s, want %s", hash, genesis.Header.SelfHash)
	}
	if got.Header.Height != 0 {
		t.Errorf("GetLatest height = %d, want 0", got.Header.Height)
	}
}

func TestStore_GetByHeightAndHash(t *testing.T) {
	s, _ := New(storage.NewMemory())
	genesis := genesisForTest(t)
	if err := s.InsertBlock(genesis); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	byHeight, err := s.GetByHeight(0)
	if err != nil {
		t.Fatalf("GetByHeight: %v", err)
	}
	if byHeight.Header.SelfHash != genesis.Header.SelfHash {
		t.Error("GetByHeight returned wrong block")
	}

	byHash, err := s.GetByHash(genesis.Header.SelfHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if byHash.Header.Height != 0 {
		t.Error("GetByHash returned wrong block")
	}
}

func TestStore_GetTx(t *testing.T) {
	s, _ := New(storage.NewMemory())
	genesis := genesisForTest(t)
	if err := s.InsertBlock(genesis); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	coinbaseHash := genesis.Transactions[0].Hash()
	got, err := s.GetTx(coinbaseHash)
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if got.Hash() != coinbaseHash {
		t.Error("GetTx returned wrong transaction")
	}
}

func TestStore_Rollback(t *testing.T) {
	s, _ := New(storage.NewMemory())
	genesis := genesisForTest(t)
	if err := s.InsertBlock(genesis); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	b1 := coinbaseOnlyBlock(t, genesis, types.Address{0x01}, 100, 2000)
	if err := s.InsertBlock(b1); err != nil {
		t.Fatalf("insert b1: %v", err)
	}

	removed, err := s.Rollback()
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if removed.Header.SelfHash != b1.Header.SelfHash {
		t.Error("Rollback returned wrong block")
	}

	_, hash, err := s.GetLatest()
	if err != nil {
		t.Fatalf("GetLatest after rollback: %v", err)
	}
	if hash != genesis.Header.SelfHash {
		t.Error("head did not revert to genesis after rollback")
	}
	if _, err := s.GetByHeight(1); err == nil {
		t.Error("expected height 1 to be gone after rollback")
	}
}

func TestStore_RollbackEmptyChain(t *testing.T) {
	s, _ := New(storage.NewMemory())
	if _, err := s.Rollback(); err != ErrEmptyChain {
		t.Errorf("Rollback on empty chain = %v, want ErrEmptyChain", err)
	}
}

func TestStore_VerifyBlock(t *testing.T) {
	s, _ := New(storage.NewMemory())
	genesis := genesisForTest(t)
	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ownerAddr := crypto.AddressFromPubKey(owner.PublicKey())

	fundingCoinbase := tx.NewBuilder().AddCoinbaseInput(tx.VoteProof{}, tx.DelayParams{}).
		AddOutput(500, ownerAddr).Build()
	funding := &block.Header{
		PrevHash:   genesis.Header.SelfHash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{fundingCoinbase.Hash()}),
		Height:     1,
		Timestamp:  2000,
	}
	funding.SelfHash = funding.ComputeHash()
	fundingBlock := block.NewBlock(funding, []*tx.Transaction{fundingCoinbase})

	if err := s.InsertBlock(genesis); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	if err := s.InsertBlock(fundingBlock); err != nil {
		t.Fatalf("insert funding block: %v", err)
	}

	spendBuilder := tx.NewBuilder().AddInput(fundingCoinbase.Hash(), 0).AddOutput(500, types.Address{0x02})
	spend := spendBuilder.Build()
	owners := map[types.Outpoint]types.Address{
		{TxID: fundingCoinbase.Hash(), Index: 0}: ownerAddr,
	}
	signers := map[types.Address]crypto.Signer{ownerAddr: owner}
	if err := spendBuilder.SignMulti(owners, signers); err != nil {
		t.Fatalf("SignMulti: %v", err)
	}

	spendCoinbase := tx.NewBuilder().AddCoinbaseInput(tx.VoteProof{}, tx.DelayParams{}).
		AddOutput(0, types.Address{}).Build()
	spendHeader := &block.Header{
		PrevHash:   fundingBlock.Header.SelfHash,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{spendCoinbase.Hash(), spend.Hash()}),
		Height:     2,
		Timestamp:  3000,
	}
	spendHeader.SelfHash = spendHeader.ComputeHash()
	spendBlock := block.NewBlock(spendHeader, []*tx.Transaction{spendCoinbase, spend})

	if err := s.VerifyBlock(spendBlock); err != nil {
		t.Errorf("VerifyBlock: %v", err)
	}

	// Tamper with the signature and confirm verification now fails.
	tamperedSpend := *spend
	tamperedSpend.Inputs = append([]tx.Input(nil), spend.Inputs...)
	tamperedSpend.Inputs[0].Signature = append([]byte(nil), spend.Inputs[0].Signature...)
	tamperedSpend.Inputs[0].Signature[0] ^= 0xff
	tamperedBlock := block.NewBlock(spendHeader, []*tx.Transaction{spendCoinbase, &tamperedSpend})
	if err := s.VerifyBlock(tamperedBlock); err == nil {
		t.Error("expected VerifyBlock to fail on tampered signature")
	}
}
