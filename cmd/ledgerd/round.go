package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronoledger/ledgerd/config"
	"github.com/chronoledger/ledgerd/internal/chain"
	"github.com/chronoledger/ledgerd/internal/manager"
	"github.com/chronoledger/ledgerd/internal/mempool"
	"github.com/chronoledger/ledgerd/internal/merge"
	"github.com/chronoledger/ledgerd/internal/roundtimer"
	"github.com/chronoledger/ledgerd/internal/selector"
	"github.com/chronoledger/ledgerd/internal/vdf"
	"github.com/chronoledger/ledgerd/internal/vote"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// tickInterval is how often the round driver polls the Round Timer. It is
// well below any realistic Round.IntervalMS so Reach()/Finish() fire close
// to their deadlines without a dedicated per-round wakeup mechanism.
const tickInterval = 200 * time.Millisecond

// roundDriver packages this node's own candidate block once per round when
// it is VDF-eligible, and commits the Selector's winning candidate once the
// round's grace period elapses. It never evaluates blocks that arrive from
// peers — those go straight from Manager through the Merge Engine; the
// driver only ever produces and votes on this node's own proposals.
type roundDriver struct {
	genesis *config.Genesis
	logger  zerolog.Logger

	timer       *roundtimer.Timer
	sel         *selector.Selector
	vdfCalc     *vdf.Calculator
	voteCtr     *vote.Center
	pool        *mempool.Pool
	chainStore  *chain.Store
	mergeEngine *merge.Engine
	mgr         *manager.Manager

	selfAddr types.Address
	coinbase types.Address

	mu              sync.Mutex
	packaging       bool
	packagingHeight uint64
}

func (d *roundDriver) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.tick()
	}
}

func (d *roundDriver) tick() {
	height, ok := d.timer.Height()
	if !ok {
		return
	}
	nextHeight := height + 1

	if d.timer.Reach() && d.vdfCalc.IsConsensusNode(d.selfAddr) {
		d.mu.Lock()
		due := !d.packaging && d.packagingHeight < nextHeight
		if due {
			d.packaging = true
			d.packagingHeight = nextHeight
		}
		d.mu.Unlock()

		if due {
			go d.packageRound(height, nextHeight)
		}
	}

	if d.timer.Finish() {
		if _, err := d.sel.Commit(d.mergeEngine); err != nil && !errors.Is(err, selector.ErrNoCandidate) {
			d.logger.Warn().Err(err).Msg("round commit failed")
		}
	}
}

// packageRound builds this node's candidate for nextHeight: it waits out
// the in-flight VDF round (the proof-of-time gate on packaging), tallies
// its local vote, packages pending transactions, and hands the result to
// the Selector and the broadcast queue. Competing candidates from other
// nodes are reconciled by the Merge Engine's rollback-and-replace logic,
// not here.
func (d *roundDriver) packageRound(height, nextHeight uint64) {
	defer func() {
		d.mu.Lock()
		d.packaging = false
		d.mu.Unlock()
	}()

	target, ok := d.voteCtr.LocalVote(height)
	if !ok {
		d.logger.Debug().Uint64("height", height).Msg("no eligible vote target for this round yet")
		return
	}
	d.voteCtr.Update(d.selfAddr, target, height)

	resultSeed, resultProof := d.vdfCalc.WaitResult()

	latest, latestHash, err := d.chainStore.GetLatest()
	if err != nil {
		d.logger.Warn().Err(err).Msg("round driver: no chain head yet")
		return
	}
	if latest.Header.Height+1 != nextHeight {
		// The chain advanced (or rolled back) under us; the next tick
		// re-evaluates against the new head.
		return
	}

	pending, _ := d.pool.Package(nextHeight)

	coinbaseTx := tx.NewBuilder().
		AddCoinbaseInput(
			tx.VoteProof{Target: target, Voters: d.voteCtr.Voters(target)},
			tx.DelayParams{
				Order:     d.genesis.Protocol.VDF.Modulus,
				TimeParam: d.genesis.Protocol.VDF.TimeParam,
				Seed:      resultSeed.Text(16),
				Proof:     resultProof.Text(16),
			},
		).
		AddOutput(d.genesis.Protocol.Reward.BlockReward, d.coinbase).
		SetTimestamp(uint64(time.Now().UnixMilli())).
		Build()

	txs := make([]*tx.Transaction, 0, len(pending)+1)
	txs = append(txs, coinbaseTx)
	txs = append(txs, pending...)

	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}

	header := &block.Header{
		PrevHash:   latestHash,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Height:     nextHeight,
		Timestamp:  coinbaseTx.Timestamp,
	}
	header.SelfHash = header.ComputeHash()
	candidate := block.NewBlock(header, txs)

	d.sel.Compare(candidate)
	d.mgr.Broadcast(candidate)

	d.logger.Info().
		Uint64("height", nextHeight).
		Int("txs", len(pending)).
		Str("target", target.String()).
		Msg("packaged round candidate")
}
