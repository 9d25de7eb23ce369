package merge

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/chronoledger/ledgerd/internal/chain"
	"github.com/chronoledger/ledgerd/internal/utxo"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

func buildBlock(t *testing.T, prev types.Hash, height, timestamp uint64, salt byte, voters int, dp tx.DelayParams) *block.Block {
	t.Helper()
	voterAddrs := make([]types.Address, voters)
	for i := range voterAddrs {
		voterAddrs[i] = types.Address{byte(i + 1)}
	}
	coinbase := tx.NewBuilder().
		AddCoinbaseInput(tx.VoteProof{Target: types.Address{0x01}, Voters: voterAddrs}, dp).
		AddOutput(1, types.Address{0x01}).
		SetTimestamp(timestamp).
		Build()
	header := &block.Header{
		PrevHash:   prev,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Height:     height,
		Timestamp:  timestamp,
	}
	header.Nonce = uint64(salt)
	header.SelfHash = header.ComputeHash()
	return block.NewBlock(header, []*tx.Transaction{coinbase})
}

// fakeChain is a minimal in-memory stand-in for internal/chain.Store.
type fakeChain struct {
	blocks   map[types.Hash]*block.Block
	byHeight map[uint64]types.Hash
	headHash types.Hash
	hasHead  bool
	verifyOK bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:   make(map[types.Hash]*block.Block),
		byHeight: make(map[uint64]types.Hash),
		verifyOK: true,
	}
}

func (c *fakeChain) GetLatest() (*block.Block, types.Hash, error) {
	if !c.hasHead {
		return nil, types.Hash{}, chain.ErrNotFound
	}
	return c.blocks[c.headHash], c.headHash, nil
}

func (c *fakeChain) GetByHeight(h uint64) (*block.Block, error) {
	hash, ok := c.byHeight[h]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return c.blocks[hash], nil
}

func (c *fakeChain) GetByHash(hash types.Hash) (*block.Block, error) {
	b, ok := c.blocks[hash]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return b, nil
}

func (c *fakeChain) GetTx(hash types.Hash) (*tx.Transaction, error) {
	return nil, chain.ErrNotFound
}

func (c *fakeChain) InsertBlock(b *block.Block) error {
	hash := b.Header.SelfHash
	c.blocks[hash] = b
	c.byHeight[b.Header.Height] = hash
	c.headHash = hash
	c.hasHead = true
	return nil
}

func (c *fakeChain) Rollback() (*block.Block, error) {
	if !c.hasHead {
		return nil, chain.ErrEmptyChain
	}
	removed := c.blocks[c.headHash]
	delete(c.blocks, c.headHash)
	delete(c.byHeight, removed.Header.Height)
	if removed.Header.Height == 0 {
		c.hasHead = false
		c.headHash = types.Hash{}
		return removed, nil
	}
	c.headHash = removed.Header.PrevHash
	return removed, nil
}

func (c *fakeChain) VerifyBlock(b *block.Block) error {
	if !c.verifyOK {
		return errors.New("verify failed")
	}
	return nil
}

type fakeUTXO struct {
	applied    []*block.Block
	rolledBack []*block.Block
}

func (u *fakeUTXO) Apply(b *block.Block) error {
	u.applied = append(u.applied, b)
	return nil
}

func (u *fakeUTXO) Rollback(b *block.Block, chain utxo.ChainReader) error {
	u.rolledBack = append(u.rolledBack, b)
	return nil
}

type refreshCall struct {
	height     uint64
	rolledBack bool
}

type fakeRefresher struct {
	calls []refreshCall
}

func (f *fakeRefresher) Refresh(height uint64, rolledBack bool) bool {
	f.calls = append(f.calls, refreshCall{height, rolledBack})
	return true
}

type seedUpdate struct {
	seed, proof *big.Int
}

type fakeSeedUpdater struct {
	calls []seedUpdate
}

func (f *fakeSeedUpdater) Update(seed, proof *big.Int) {
	f.calls = append(f.calls, seedUpdate{seed, proof})
}

type fakeMempool struct {
	heights []refreshCall
	removed []types.Hash
}

func (f *fakeMempool) SetHeight(h uint64, rolledBack bool) {
	f.heights = append(f.heights, refreshCall{h, rolledBack})
}

func (f *fakeMempool) Remove(h types.Hash) {
	f.removed = append(f.removed, h)
}

type testEngine struct {
	*Engine
	chain   *fakeChain
	utxos   *fakeUTXO
	votes   *fakeRefresher
	timer   *fakeRefresher
	calc    *fakeSeedUpdater
	mempool *fakeMempool
}

func newTestEngine() *testEngine {
	c := newFakeChain()
	u := &fakeUTXO{}
	v := &fakeRefresher{}
	ti := &fakeRefresher{}
	calc := &fakeSeedUpdater{}
	mp := &fakeMempool{}
	e := New(c, u, v, ti, calc, mp)
	return &testEngine{Engine: e, chain: c, utxos: u, votes: v, timer: ti, calc: calc, mempool: mp}
}

func TestEngine_InsertGenesis(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})

	if err := te.Insert(genesis); err != nil {
		t.Fatalf("Insert genesis: %v", err)
	}
	if !te.chain.hasHead || te.chain.headHash != genesis.Header.SelfHash {
		t.Fatal("genesis should become the chain head")
	}
	if len(te.utxos.applied) != 1 {
		t.Errorf("utxo applied count = %d, want 1", len(te.utxos.applied))
	}
	if len(te.votes.calls) != 1 || te.votes.calls[0].height != 0 {
		t.Errorf("vote refresh = %+v, want one call at height 0", te.votes.calls)
	}
}

func TestEngine_InsertNext(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})
	if err := te.Insert(genesis); err != nil {
		t.Fatal(err)
	}

	dp := tx.DelayParams{Seed: "2a", Proof: "7", TimeParam: 10, Order: "61"}
	next := buildBlock(t, genesis.Header.SelfHash, 1, 200, 1, 1, dp)
	if err := te.Insert(next); err != nil {
		t.Fatalf("Insert next: %v", err)
	}

	if te.chain.headHash != next.Header.SelfHash {
		t.Fatal("next block should become the new head")
	}
	if len(te.calc.calls) != 1 {
		t.Fatalf("seed updater calls = %d, want 1", len(te.calc.calls))
	}
	wantSeed, _ := new(big.Int).SetString("2a", 16)
	if te.calc.calls[0].seed.Cmp(wantSeed) != 0 {
		t.Errorf("seed update = %v, want %v", te.calc.calls[0].seed, wantSeed)
	}
}

func TestEngine_DiscardsLowerOrEqualThatDoesNotBeat(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})
	_ = te.Insert(genesis)
	head := buildBlock(t, genesis.Header.SelfHash, 1, 200, 1, 3, tx.DelayParams{})
	_ = te.Insert(head)

	weaker := buildBlock(t, genesis.Header.SelfHash, 1, 150, 2, 1, tx.DelayParams{})
	if err := te.Insert(weaker); err != nil {
		t.Fatalf("Insert weaker competitor: %v", err)
	}
	if te.chain.headHash != head.Header.SelfHash {
		t.Error("a competitor with fewer votes must not replace the head")
	}
}

func TestEngine_RollbackAndReplace(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})
	_ = te.Insert(genesis)
	weak := buildBlock(t, genesis.Header.SelfHash, 1, 200, 1, 1, tx.DelayParams{})
	_ = te.Insert(weak)

	strong := buildBlock(t, genesis.Header.SelfHash, 1, 200, 2, 5, tx.DelayParams{})
	if err := te.Insert(strong); err != nil {
		t.Fatalf("Insert stronger competitor: %v", err)
	}
	if te.chain.headHash != strong.Header.SelfHash {
		t.Error("a competitor with more votes should trigger rollback-and-replace")
	}
	if len(te.utxos.rolledBack) != 1 {
		t.Errorf("utxo rollbacks = %d, want 1", len(te.utxos.rolledBack))
	}
	lastVote := te.votes.calls[len(te.votes.calls)-1]
	if !lastVote.rolledBack {
		t.Error("the refresh following a rollback-replace must report rolledBack=true")
	}
}

func TestEngine_AppendStatusesAndQueueDrain(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})
	_ = te.Insert(genesis)

	unknownPrev := buildBlock(t, types.Hash{0x9, 0x9}, 5, 500, 0, 1, tx.DelayParams{})
	if status := te.Append(unknownPrev); status != StatusPull {
		t.Errorf("Append with unknown ancestor = %v, want StatusPull", status)
	}

	next := buildBlock(t, genesis.Header.SelfHash, 1, 200, 1, 1, tx.DelayParams{})
	if status := te.Append(next); status != StatusAppend {
		t.Errorf("Append of a valid next block = %v, want StatusAppend", status)
	}
	if status := te.Append(next); status != StatusExists {
		t.Errorf("Append of the same not-yet-processed block = %v, want StatusExists", status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- te.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if te.chain.headHash == next.Header.SelfHash {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if te.chain.headHash != next.Header.SelfHash {
		t.Fatal("Run should have drained the queue and inserted the queued block")
	}
}

func TestEngine_VerifyFailureIsDiscarded(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})
	_ = te.Insert(genesis)

	te.chain.verifyOK = false
	bad := buildBlock(t, genesis.Header.SelfHash, 1, 200, 1, 1, tx.DelayParams{})
	if err := te.Insert(bad); err != nil {
		t.Fatalf("Insert with failing verification should not itself error: %v", err)
	}
	if te.chain.headHash == bad.Header.SelfHash {
		t.Error("a block that fails VerifyBlock must not become the head")
	}
}

type fakeInvalidReporter struct {
	reported []types.Hash
}

func (r *fakeInvalidReporter) ReportInvalid(hash types.Hash) {
	r.reported = append(r.reported, hash)
}

func TestEngine_VerifyFailureReportsInvalid(t *testing.T) {
	te := newTestEngine()
	reporter := &fakeInvalidReporter{}
	te.SetInvalidReporter(reporter)

	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})
	_ = te.Insert(genesis)

	te.chain.verifyOK = false
	bad := buildBlock(t, genesis.Header.SelfHash, 1, 200, 1, 1, tx.DelayParams{})
	_ = te.Insert(bad)

	if len(reporter.reported) != 1 || reporter.reported[0] != bad.Header.SelfHash {
		t.Errorf("reported = %v, want [%v]", reporter.reported, bad.Header.SelfHash)
	}
}

func TestEngine_NilInvalidReporterIsSafe(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{})
	_ = te.Insert(genesis)

	te.chain.verifyOK = false
	bad := buildBlock(t, genesis.Header.SelfHash, 1, 200, 1, 1, tx.DelayParams{})
	if err := te.Insert(bad); err != nil {
		t.Fatalf("Insert with no reporter wired should not error: %v", err)
	}
}

func TestEngine_Bootstrap_EmptyChainIsNoop(t *testing.T) {
	te := newTestEngine()
	if err := te.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap on an empty chain: %v", err)
	}
	if len(te.votes.calls) != 0 || len(te.timer.calls) != 0 || len(te.calc.calls) != 0 {
		t.Error("Bootstrap on an empty chain should not refresh anything")
	}
}

func TestEngine_Bootstrap_SeedsFromPersistedHead(t *testing.T) {
	te := newTestEngine()
	genesis := buildBlock(t, types.Hash{}, 0, 100, 0, 1, tx.DelayParams{Seed: "2", Proof: "3"})
	if err := te.Insert(genesis); err != nil {
		t.Fatalf("Insert genesis: %v", err)
	}

	// Simulate a fresh process: a new Engine sharing the same persisted
	// Chain Store, but with blank round-local components.
	v, ti, calc, mp := &fakeRefresher{}, &fakeRefresher{}, &fakeSeedUpdater{}, &fakeMempool{}
	resumed := New(te.chain, te.utxos, v, ti, calc, mp)

	if err := resumed.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap on a resumed chain: %v", err)
	}
	if len(v.calls) != 1 || v.calls[0].height != 0 {
		t.Errorf("vote refresh = %+v, want one call at height 0", v.calls)
	}
	if len(ti.calls) != 1 || ti.calls[0].height != 0 {
		t.Errorf("timer refresh = %+v, want one call at height 0", ti.calls)
	}
	if len(calc.calls) != 1 || calc.calls[0].seed.String() != "2" || calc.calls[0].proof.String() != "3" {
		t.Errorf("calc update = %+v, want seed=2 proof=3", calc.calls)
	}
}
