// Package mempool holds pending signed transactions in a two-queue
// (current / previous-attempt) discipline driven by a round-height
// watermark, per the packaging protocol in internal/merge.
package mempool

import (
	"sync"

	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Broadcaster is notified when a transaction is admitted to the pool so the
// Gossip Bus can fan it out to neighbors. Named by role so Mempool never
// imports internal/gossip directly.
type Broadcaster interface {
	BroadcastTx(t *tx.Transaction)
}

// Pool is the pending-transaction pool. A single mutex plus condition
// variable implement the two-level lock from the packaging protocol: Add
// blocks while Package is running; Package excludes concurrent Adds for the
// duration of the queue rotation.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	size      int
	packaging bool

	utxos       tx.UTXOProvider
	verifier    tx.Verifier
	policy      *Policy
	broadcaster Broadcaster

	txs     map[types.Hash]*tx.Transaction
	current []types.Hash
	prev    []types.Hash

	watermark uint64
}

// New builds a Pool bounded at size entries, validating admitted
// transactions against utxos/verifier and policy. broadcaster may be nil
// (e.g. in tests) to skip gossip fan-out.
func New(size int, utxos tx.UTXOProvider, verifier tx.Verifier, policy *Policy, broadcaster Broadcaster) *Pool {
	if policy == nil {
		policy = DefaultPolicy()
	}
	p := &Pool{
		size:        size,
		utxos:       utxos,
		verifier:    verifier,
		policy:      policy,
		broadcaster: broadcaster,
		txs:         make(map[types.Hash]*tx.Transaction),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Add validates and admits t, returning false on duplicates, a full pool, or
// a validation failure. Blocks while a Package call is in progress.
func (p *Pool) Add(t *tx.Transaction) bool {
	p.mu.Lock()
	for p.packaging {
		p.cond.Wait()
	}

	h := t.Hash()
	if _, exists := p.txs[h]; exists {
		p.mu.Unlock()
		return false
	}
	if p.size > 0 && len(p.txs) >= p.size {
		p.mu.Unlock()
		return false
	}
	if err := p.policy.Check(t); err != nil {
		p.mu.Unlock()
		return false
	}
	if p.utxos != nil && p.verifier != nil {
		if _, err := t.ValidateWithUTXOs(p.utxos, p.verifier); err != nil {
			p.mu.Unlock()
			return false
		}
	}

	p.txs[h] = t
	p.current = append(p.current, h)
	p.mu.Unlock()

	if p.broadcaster != nil {
		p.broadcaster.BroadcastTx(t)
	}
	return true
}

// Packaging reports the packaging flag. Package sets and clears that flag
// while holding p.mu for its whole run, and Packaging takes p.mu, so it
// never observes a Package call in progress and returns false. No caller
// in this module polls it.
func (p *Pool) Packaging() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packaging
}

// Package returns the transactions to package for targetHeight, or
// (nil, false) if targetHeight has already been packaged. It drains prev
// first, then current, up to size entries, and the full result becomes the
// new prev so a failed commit can be retried via SetHeight(h, true).
func (p *Pool) Package(targetHeight uint64) ([]*tx.Transaction, bool) {
	p.mu.Lock()
	if targetHeight <= p.watermark {
		p.mu.Unlock()
		return nil, false
	}

	p.packaging = true

	limit := p.size
	if limit <= 0 {
		limit = len(p.prev) + len(p.current)
	}

	selected := append([]types.Hash(nil), p.prev...)
	if len(selected) > limit {
		selected = selected[:limit]
	}
	if remaining := limit - len(selected); remaining > 0 {
		n := remaining
		if n > len(p.current) {
			n = len(p.current)
		}
		selected = append(selected, p.current[:n]...)
		p.current = p.current[n:]
	}
	p.prev = selected
	p.watermark = targetHeight

	out := make([]*tx.Transaction, 0, len(selected))
	for _, h := range selected {
		if t, ok := p.txs[h]; ok {
			out = append(out, t)
		}
	}

	p.packaging = false
	p.cond.Broadcast()
	p.mu.Unlock()
	return out, true
}

// SetHeight advances the watermark to h. When rolledBack is true the
// watermark is set to h unconditionally (allowing Package(h+1) to be served
// again); otherwise it only ever increases.
func (p *Pool) SetHeight(h uint64, rolledBack bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rolledBack {
		p.watermark = h
		return
	}
	if h > p.watermark {
		p.watermark = h
	}
}

// Remove drops a committed (or otherwise resolved) transaction from the
// pool entirely, including both queues.
func (p *Pool) Remove(h types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.txs, h)
	p.current = removeHash(p.current, h)
	p.prev = removeHash(p.prev, h)
}

func removeHash(s []types.Hash, h types.Hash) []types.Hash {
	out := s[:0]
	for _, x := range s {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}

// Has reports whether txHash is currently pending. The Gossip Bus does not
// call it; it suppresses duplicate relays through Add's duplicate check.
func (p *Pool) Has(h types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[h]
	return ok
}

// Get returns the pending transaction for h, if any.
func (p *Pool) Get(h types.Hash) (*tx.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.txs[h]
	return t, ok
}

// Count returns the number of pending transactions across both queues.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}
