// Package merge implements the Merge Engine: the single writer that
// serializes every change to the canonical chain. It applies the state
// machine that decides, for each incoming block, whether to insert it,
// discard it, roll back and replace the head, or hold it pending an
// ancestor — then atomically refreshes every round-local component so the
// next round starts from consistent state.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/chronoledger/ledgerd/internal/chain"
	"github.com/chronoledger/ledgerd/internal/selector"
	"github.com/chronoledger/ledgerd/internal/utxo"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Status reports the outcome of Append.
type Status int

const (
	// StatusAppend means the block was queued for processing (or was
	// already processed and is safely ignorable).
	StatusAppend Status = iota
	// StatusExists means the block is already known and its ancestor is
	// on chain; the caller need not re-request anything.
	StatusExists
	// StatusPull means the block's ancestor is unknown; the caller should
	// request the missing predecessor from its source peer.
	StatusPull
)

// ChainStore is the Chain Store capability the Merge Engine needs.
type ChainStore interface {
	GetLatest() (*block.Block, types.Hash, error)
	GetByHeight(h uint64) (*block.Block, error)
	GetByHash(hash types.Hash) (*block.Block, error)
	GetTx(hash types.Hash) (*tx.Transaction, error)
	InsertBlock(b *block.Block) error
	Rollback() (*block.Block, error)
	VerifyBlock(b *block.Block) error
}

// UTXOApplier is the UTXO Set capability the Merge Engine needs to keep
// UTXO state in lockstep with the chain it mutates.
type UTXOApplier interface {
	Apply(b *block.Block) error
	Rollback(b *block.Block, chain utxo.ChainReader) error
}

// VoteRefresher is satisfied by the Vote Center.
type VoteRefresher interface {
	Refresh(height uint64, rolledBack bool) bool
}

// TimerRefresher is satisfied by the Round Timer.
type TimerRefresher interface {
	Refresh(height uint64, rolledBack bool) bool
}

// SeedUpdater is satisfied by the VDF Calculator.
type SeedUpdater interface {
	Update(newSeed, newProof *big.Int)
}

// MempoolUpdater is satisfied by the Mempool.
type MempoolUpdater interface {
	SetHeight(h uint64, rolledBack bool)
	Remove(h types.Hash)
}

// InvalidBlockReporter lets the Merge Engine surface a block that failed
// VerifyBlock back to whoever offered it. Append only queues a block for
// the Run worker, so a verification failure is discovered well after the
// offering peer's call has returned — this is how that failure finds its
// way back to peer scoring instead of vanishing into the queue. Satisfied
// by the Manager.
type InvalidBlockReporter interface {
	ReportInvalid(hash types.Hash)
}

// cacheEntry tracks whether a block seen by Append has been processed yet,
// and its declared parent, so re-arrivals and pending chains of unprocessed
// ancestors can be resolved without consulting the chain store again.
type cacheEntry struct {
	status   bool
	prevHash types.Hash
}

// Engine is the Merge Engine. It is the sole caller of ChainStore.InsertBlock
// and ChainStore.Rollback; every other component only reads through
// ChainStore.
type Engine struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*block.Block
	cache map[types.Hash]*cacheEntry

	chain   ChainStore
	utxos   UTXOApplier
	votes   VoteRefresher
	timer   TimerRefresher
	calc    SeedUpdater
	mempool MempoolUpdater
	invalid InvalidBlockReporter
}

// New builds a Merge Engine wired to its collaborators.
func New(chain ChainStore, utxos UTXOApplier, votes VoteRefresher, timer TimerRefresher, calc SeedUpdater, mempool MempoolUpdater) *Engine {
	e := &Engine{
		chain:   chain,
		utxos:   utxos,
		votes:   votes,
		timer:   timer,
		calc:    calc,
		mempool: mempool,
		cache:   make(map[types.Hash]*cacheEntry),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetInvalidReporter wires the Merge Engine to report blocks that fail
// VerifyBlock back to the Manager. Optional: nil (the default) leaves
// reporting disabled, matching how tests exercise the state machine without
// a live peer set. Insert's local-candidate path reports through the same
// reporter as Run does.
func (e *Engine) SetInvalidReporter(r InvalidBlockReporter) {
	e.invalid = r
}

func (e *Engine) reportInvalid(hash types.Hash) {
	if e.invalid != nil {
		e.invalid.ReportInvalid(hash)
	}
}

// Bootstrap seeds every round-local component (Vote Center, Round Timer,
// VDF Calculator) from the current chain head. It is the resumed-chain
// counterpart to the refresh that Insert/process runs on every commit:
// a freshly started process has an empty in-memory Timer/Calculator even
// though the Chain Store already has a head, so this must run once before
// the round driver's first tick. A no-op if the chain is still empty.
func (e *Engine) Bootstrap() error {
	latest, _, err := e.chain.GetLatest()
	if errors.Is(err, chain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge: bootstrap: load latest: %w", err)
	}
	e.refresh(latest, false)
	return nil
}

// Append offers a peer-received block to the Merge Engine. It never blocks
// on chain mutation: the block is cached and queued for the Run worker,
// which applies the §4.8 state machine in arrival order.
func (e *Engine) Append(b *block.Block) Status {
	hash := b.Header.SelfHash
	height := b.Header.Height
	prevHash := b.Header.PrevHash

	_, prevErr := e.chain.GetByHash(prevHash)
	prevKnown := prevErr == nil

	e.mu.Lock()
	_, prevInCache := e.cache[prevHash]
	if !prevInCache && height != 0 && !prevKnown {
		e.mu.Unlock()
		return StatusPull
	}

	if entry, ok := e.cache[hash]; ok {
		e.mu.Unlock()
		if entry.status {
			return StatusAppend
		}
		if prevKnown {
			return StatusExists
		}
		return StatusPull
	}

	e.cache[hash] = &cacheEntry{status: false, prevHash: prevHash}
	e.queue = append(e.queue, b)
	e.cond.Broadcast()
	e.mu.Unlock()
	return StatusAppend
}

// Insert applies b directly, outside the peer-arrival queue: it is the path
// used by the Block Selector to commit this node's own round winner, which
// is already known to be the single best candidate for its height. Insert
// satisfies selector.MergeSink.
func (e *Engine) Insert(b *block.Block) error {
	e.mu.Lock()
	if _, ok := e.cache[b.Header.SelfHash]; !ok {
		e.cache[b.Header.SelfHash] = &cacheEntry{status: false, prevHash: b.Header.PrevHash}
	}
	e.mu.Unlock()
	return e.process(b)
}

// Run drains the peer-arrival queue until ctx is cancelled, applying the
// §4.8 state machine to each block in turn.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.mu.Lock()
		for len(e.queue) == 0 && ctx.Err() == nil {
			e.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			e.mu.Unlock()
			return err
		}
		b := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if err := e.process(b); err != nil {
			return err
		}
	}
}

// process applies the §4.8 state machine to a single block.
func (e *Engine) process(b *block.Block) error {
	latest, latestHash, err := e.chain.GetLatest()
	if errors.Is(err, chain.ErrNotFound) {
		if verr := e.chain.VerifyBlock(b); verr != nil {
			e.markProcessed(b.Header.SelfHash)
			e.reportInvalid(b.Header.SelfHash)
			return nil
		}
		e.refresh(b, false)
		if ierr := e.insertAndApply(b); ierr != nil {
			return fmt.Errorf("merge: insert genesis: %w", ierr)
		}
		e.markProcessed(b.Header.SelfHash)
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge: load latest: %w", err)
	}
	latestHeight := latest.Header.Height
	e.markProcessed(b.Header.SelfHash)

	switch {
	case b.Header.Height <= latestHeight:
		return e.handleEqualOrLower(b, latestHeight)
	case b.Header.Height == latestHeight+1:
		return e.handleNext(b, latestHash)
	default:
		e.handleFuture(b)
		return nil
	}
}

// handleEqualOrLower implements the rollback-and-replace and discard rows of
// the §4.8 table: b arrived at or below the current head.
func (e *Engine) handleEqualOrLower(b *block.Block, latestHeight uint64) error {
	equal, err := e.chain.GetByHeight(b.Header.Height)
	if err != nil {
		return nil // Nothing to compare against; discard.
	}

	if b.Header.SelfHash == equal.Header.SelfHash {
		return nil
	}
	if b.Header.PrevHash != equal.Header.PrevHash {
		return nil
	}
	if !selector.Beats(b, equal) {
		return nil
	}

	if err := e.chain.VerifyBlock(b); err != nil {
		e.reportInvalid(b.Header.SelfHash)
		return nil
	}

	rollbackTimes := latestHeight - b.Header.Height + 1
	for i := uint64(0); i < rollbackTimes; i++ {
		removed, rerr := e.chain.Rollback()
		if rerr != nil {
			return fmt.Errorf("merge: rollback: %w", rerr)
		}
		if uerr := e.utxos.Rollback(removed, e.chain); uerr != nil {
			return fmt.Errorf("merge: utxo rollback of %s: %w", removed.Header.SelfHash, uerr)
		}
	}

	e.refresh(b, true)
	if err := e.insertAndApply(b); err != nil {
		return fmt.Errorf("merge: insert replacement %s: %w", b.Header.SelfHash, err)
	}
	return nil
}

// handleNext implements the insert-next and re-queue-pending rows: b arrived
// one height above the current head.
func (e *Engine) handleNext(b *block.Block, latestHash types.Hash) error {
	if b.Header.PrevHash == latestHash {
		if err := e.chain.VerifyBlock(b); err != nil {
			e.reportInvalid(b.Header.SelfHash)
			return nil
		}
		e.refresh(b, false)
		if err := e.insertAndApply(b); err != nil {
			return fmt.Errorf("merge: insert next %s: %w", b.Header.SelfHash, err)
		}
		return nil
	}

	root := e.scanPrevBlocks(b.Header.SelfHash)
	e.mu.Lock()
	defer e.mu.Unlock()
	if rootEntry, ok := e.cache[root]; ok && rootEntry.status {
		return nil // Ancestor chain was already resolved off the main chain; drop.
	}
	e.queue = append(e.queue, b)
	if entry, ok := e.cache[b.Header.SelfHash]; ok {
		entry.status = false
	}
	return nil
}

// handleFuture implements the request-predecessor row: b is more than one
// height ahead. It is held only if its declared parent is already known and
// pending; otherwise it is dropped and the caller that offered it (via
// Append) was already told to pull the missing predecessor.
func (e *Engine) handleFuture(b *block.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.cache[b.Header.PrevHash]; ok && !entry.status {
		e.queue = append(e.queue, b)
		if own, ok := e.cache[b.Header.SelfHash]; ok {
			own.status = false
		}
	}
}

// scanPrevBlocks walks cache parent pointers from hash back to the oldest
// ancestor still tracked, so handleNext can tell whether a pending chain of
// blocks has already been resolved (and dropped) elsewhere.
func (e *Engine) scanPrevBlocks(hash types.Hash) types.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[hash]
	if !ok {
		return hash
	}
	result := hash
	prev := entry.prevHash
	for {
		next, ok := e.cache[prev]
		if !ok {
			break
		}
		result = prev
		prev = next.prevHash
	}
	return result
}

func (e *Engine) markProcessed(hash types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.cache[hash]; ok {
		entry.status = true
	}
}

// insertAndApply writes b to the Chain Store and then applies it to the
// UTXO Set, matching the ordering the Chain Store itself guarantees
// internally (block bytes before the head pointer moves): a crash between
// the two calls leaves the UTXO Set one block behind, which Reindex repairs
// on restart.
func (e *Engine) insertAndApply(b *block.Block) error {
	if err := e.chain.InsertBlock(b); err != nil {
		return err
	}
	return e.utxos.Apply(b)
}

// refresh runs the post-commit refresh sequence specified by §4.8: vote
// center, round timer, VDF calculator (seeded from the committed coinbase's
// delay params), then the mempool, in that order.
func (e *Engine) refresh(b *block.Block, rolledBack bool) {
	height := b.Header.Height
	e.votes.Refresh(height, rolledBack)
	e.timer.Refresh(height, rolledBack)

	if len(b.Transactions) > 0 && len(b.Transactions[0].Inputs) > 0 {
		if dp := b.Transactions[0].Inputs[0].DelayParams; dp != nil {
			seed, okSeed := new(big.Int).SetString(dp.Seed, 16)
			proof, okProof := new(big.Int).SetString(dp.Proof, 16)
			if okSeed && okProof {
				e.calc.Update(seed, proof)
			}
		}
	}

	e.mempool.SetHeight(height, rolledBack)
	for _, t := range b.Transactions {
		e.mempool.Remove(t.Hash())
	}
}
