// Package vote implements the Vote Center: aggregation of per-round
// time-proximity votes, and the local node's own vote among known eligible
// peers.
package vote

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/chronoledger/ledgerd/pkg/types"
)

// EligibilityChecker reports whether an address may cast (or receive) a
// vote this round. Satisfied by internal/vdf.Calculator; named by role so
// the Vote Center never imports internal/vdf directly.
type EligibilityChecker interface {
	IsConsensusNode(addr types.Address) bool
}

// HeartbeatSource supplies each known peer's last-seen time (unix
// milliseconds). In cmd/ledgerd the Manager supplies it from the HANDSHAKE
// times of its connected peers; nothing is persisted.
type HeartbeatSource interface {
	Heartbeats() map[types.Address]int64
}

type voteRequest struct {
	voter  types.Address
	target types.Address
}

// Center aggregates votes: voter -> target, one vote per voter per round.
// A worker goroutine drains an internal 4096-entry queue into the aggregate
// map; Update blocks its caller only while that queue is full.
type Center struct {
	mu sync.Mutex

	queue chan voteRequest

	voteDict map[types.Address]types.Address   // voter -> target, this round
	votes    map[types.Address][]types.Address // target -> ordered voters

	height     uint64
	hasVoted   bool
	rolledBack bool
	finalAddr  types.Address
	hasFinal   bool

	eligibility EligibilityChecker
	heartbeats  HeartbeatSource
	localAddr   types.Address
}

// New builds a Center for localAddr, consulting eligibility and heartbeats
// to compute the local vote.
func New(eligibility EligibilityChecker, heartbeats HeartbeatSource, localAddr types.Address) *Center {
	return &Center{
		queue:       make(chan voteRequest, 4096),
		voteDict:    make(map[types.Address]types.Address),
		votes:       make(map[types.Address][]types.Address),
		eligibility: eligibility,
		heartbeats:  heartbeats,
		localAddr:   localAddr,
	}
}

// Run drains queued votes into the aggregate map until ctx is cancelled.
func (c *Center) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.queue:
			c.process(req)
		}
	}
}

// Update records a vote from voter for target at height, dropping it if
// height is stale or voter has already voted this round. Idempotent on
// voter.
func (c *Center) Update(voter, target types.Address, height uint64) {
	c.mu.Lock()
	if height < c.height {
		c.mu.Unlock()
		return
	}
	if _, exists := c.voteDict[voter]; exists {
		c.mu.Unlock()
		return
	}
	c.voteDict[voter] = target
	c.mu.Unlock()

	c.queue <- voteRequest{voter: voter, target: target}
}

func (c *Center) process(req voteRequest) {
	if req.voter == req.target {
		return
	}
	if c.eligibility != nil && !c.eligibility.IsConsensusNode(req.voter) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.votes[req.target] {
		if v == req.voter {
			return
		}
	}
	c.votes[req.target] = append(c.votes[req.target], req.voter)
}

// Sync bulk-merges a remote node's vote map (target -> voters) into this
// Center's queue at height.
func (c *Center) Sync(remote map[types.Address][]types.Address, height uint64) {
	for target, voters := range remote {
		for _, voter := range voters {
			c.Update(voter, target, height)
		}
	}
}

// LocalVote computes (once per round, memoized) the local node's vote:
// among known eligible peers, the one whose heartbeat is closest to local
// time. Returns ok=false if the local node is ineligible this round or no
// eligible peer is known.
func (c *Center) LocalVote(height uint64) (types.Address, bool) {
	c.mu.Lock()
	if height < c.height {
		c.mu.Unlock()
		return types.Address{}, false
	}
	if c.hasVoted {
		addr, ok := c.finalAddr, c.hasFinal
		c.mu.Unlock()
		return addr, ok
	}
	c.mu.Unlock()

	target, ok := c.selectLocalVote()

	c.mu.Lock()
	c.hasVoted = true
	c.finalAddr = target
	c.hasFinal = ok
	c.mu.Unlock()
	return target, ok
}

func (c *Center) selectLocalVote() (types.Address, bool) {
	if c.eligibility != nil && !c.eligibility.IsConsensusNode(c.localAddr) {
		return types.Address{}, false
	}
	if c.heartbeats == nil {
		return types.Address{}, false
	}

	now := time.Now().UnixMilli()
	var best types.Address
	found := false
	bestDelta := int64(math.MaxInt64)
	for addr, ts := range c.heartbeats.Heartbeats() {
		if addr == c.localAddr {
			continue
		}
		if c.eligibility != nil && !c.eligibility.IsConsensusNode(addr) {
			continue
		}
		delta := ts - now
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			bestDelta = delta
			best = addr
			found = true
		}
	}
	return best, found
}

// Refresh advances the Center to height, clearing all per-round state. It
// is a no-op (returns false) unless rolledBack is true or height advances
// past the current round.
func (c *Center) Refresh(height uint64, rolledBack bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !rolledBack && height <= c.height {
		return false
	}

	c.rolledBack = rolledBack
	c.height = height
	c.voteDict = make(map[types.Address]types.Address)
	c.votes = make(map[types.Address][]types.Address)
	c.hasVoted = false
	c.hasFinal = false

	for {
		select {
		case <-c.queue:
		default:
			return true
		}
	}
}

// VoteCount returns the number of voters currently backing target.
func (c *Center) VoteCount(target types.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.votes[target])
}

// Voters returns a copy of the voters currently backing target, in arrival
// order (used by the coinbase's VoteProof).
func (c *Center) Voters(target types.Address) []types.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	voters := c.votes[target]
	out := make([]types.Address, len(voters))
	copy(out, voters)
	return out
}

// Height returns the round height the Center is currently aggregating for.
func (c *Center) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}
