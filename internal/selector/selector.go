// Package selector implements the Block Selector: the single-candidate
// arbiter for the next height, applying the vote/timestamp/hash total
// order to incoming block proposals.
package selector

import (
	"bytes"
	"errors"
	"sync"

	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// ErrNoCandidate is returned by Commit when no candidate has been chosen
// for the current round.
var ErrNoCandidate = errors.New("selector: no candidate for this round")

// MergeSink inserts a committed block into the canonical chain. Satisfied
// by the Merge Engine; named by role so the Selector never imports it
// directly.
type MergeSink interface {
	Insert(b *block.Block) error
}

// Selector holds the single best candidate block seen for height+1, ready
// to be committed once the round's timer fires.
type Selector struct {
	mu sync.Mutex

	height    uint64
	hasHeight bool
	candidate *block.Block
	seen      map[types.Hash]struct{}

	genesisMS  uint64
	intervalMS uint64
	offsetMS   uint64
}

// New builds a Selector for a chain genesis-stamped at genesisMS, with the
// round interval and the grace offset used by the first-arrival timeout
// rule.
func New(genesisMS, intervalMS, offsetMS uint64) *Selector {
	return &Selector{
		seen:       make(map[types.Hash]struct{}),
		genesisMS:  genesisMS,
		intervalMS: intervalMS,
		offsetMS:   offsetMS,
	}
}

// Compare considers b as a candidate for height+1. The first arrival wins,
// subject to the timeout rule; later arrivals replace the candidate only
// when they share its prevHash and beat it under the (voteCount,
// -timestamp, hash) total order.
func (s *Selector) Compare(b *block.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasHeight && b.Header.Height != s.height+1 {
		return
	}
	if _, seen := s.seen[b.Header.SelfHash]; seen {
		return
	}
	s.seen[b.Header.SelfHash] = struct{}{}

	if s.candidate == nil {
		if s.timedOut(b) {
			return
		}
		s.candidate = b
		return
	}

	if b.Header.SelfHash == s.candidate.Header.SelfHash {
		return
	}
	if b.Header.PrevHash != s.candidate.Header.PrevHash {
		return
	}
	if !Beats(b, s.candidate) {
		return
	}
	s.candidate = b
}

// Beats reports whether b outranks cur under the total order also used by
// the Merge Engine to decide whether an equal-height competitor should
// trigger a rollback-and-replace: more votes wins; equal votes, earlier
// timestamp wins; equal, lexicographically smaller hash wins.
func Beats(b, cur *block.Block) bool {
	bv, cv := VoteCount(b), VoteCount(cur)
	if bv != cv {
		return bv > cv
	}
	if b.Header.Timestamp != cur.Header.Timestamp {
		return b.Header.Timestamp < cur.Header.Timestamp
	}
	return bytes.Compare(b.Header.SelfHash[:], cur.Header.SelfHash[:]) < 0
}

// VoteCount reads the winning vote tally the packaging node embedded in
// the coinbase's VoteProof.
func VoteCount(b *block.Block) int {
	if len(b.Transactions) == 0 {
		return 0
	}
	coinbase := b.Transactions[0]
	if len(coinbase.Inputs) == 0 || coinbase.Inputs[0].Proof == nil {
		return 0
	}
	return len(coinbase.Inputs[0].Proof.Voters)
}

// timedOut applies the first-arrival acceptance rule: a candidate for
// height h is only accepted if its timestamp does not exceed
// (h-1)*interval + genesisMS + offset.
func (s *Selector) timedOut(b *block.Block) bool {
	if b.Header.Height == 0 {
		return false
	}
	deadline := s.genesisMS + (b.Header.Height-1)*s.intervalMS + s.offsetMS
	return b.Header.Timestamp > deadline
}

// Commit inserts the current candidate via merge and refreshes the
// Selector for the next round.
func (s *Selector) Commit(merge MergeSink) (*block.Block, error) {
	s.mu.Lock()
	candidate := s.candidate
	s.mu.Unlock()

	if candidate == nil {
		return nil, ErrNoCandidate
	}
	if err := merge.Insert(candidate); err != nil {
		return nil, err
	}
	s.Refresh(candidate.Header.Height)
	return candidate, nil
}

// Refresh clears the candidate and seen-hash set and starts watching
// height+1.
func (s *Selector) Refresh(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[types.Hash]struct{})
	s.height = height
	s.hasHeight = true
	s.candidate = nil
}

// Candidate returns the currently leading candidate, if any.
func (s *Selector) Candidate() *block.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidate
}

// Height returns the last height Refresh was called with.
func (s *Selector) Height() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, s.hasHeight
}
