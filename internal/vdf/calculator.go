// Package vdf implements the per-round Wesolowski verifiable delay function:
// repeated squaring mod N for T iterations producing (seed', proof), a
// verifier for a remote (seed', proof) pair, and the address-eligibility
// oracle used to decide which nodes may package the next block.
package vdf

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/chronoledger/ledgerd/config"
	"github.com/chronoledger/ledgerd/pkg/types"
)

var two = big.NewInt(2)

// Calculator holds one round's VDF state: the seed it is squaring, the
// proof inherited from the previous round, and the result once finished.
// State is guarded by a single mutex; Run's workers wait on a condition
// variable until a caller (via Update) clears finished to start the next
// round.
type Calculator struct {
	modulus         *big.Int // N
	verifierL       *big.Int // ℓ
	timeParam       uint64   // T
	eligibilityFrac float64

	mu   sync.Mutex
	cond *sync.Cond

	seed  *big.Int // S: input to the active/just-finished round
	proof *big.Int // π inherited from the previous round

	resultSeed  *big.Int // S' once the round completes
	resultProof *big.Int // π produced alongside S'
	finished    bool

	// restart is polled without the lock inside Run's hot loop so Update
	// can abort an in-flight round cheaply.
	restart atomic.Bool
}

// New builds a Calculator from the genesis-pinned VDF rules, seeded for
// round 0.
func New(rules config.VDFRules) (*Calculator, error) {
	modulus, ok := new(big.Int).SetString(rules.Modulus, 16)
	if !ok {
		return nil, fmt.Errorf("vdf: invalid modulus %q", rules.Modulus)
	}
	verifierL, ok := new(big.Int).SetString(rules.VerifierL, 16)
	if !ok {
		return nil, fmt.Errorf("vdf: invalid verifier prime %q", rules.VerifierL)
	}
	seed, ok := new(big.Int).SetString(rules.Seed, 16)
	if !ok {
		return nil, fmt.Errorf("vdf: invalid seed %q", rules.Seed)
	}
	if rules.TimeParam == 0 {
		return nil, fmt.Errorf("vdf: time parameter must be > 0")
	}

	c := &Calculator{
		modulus:         modulus,
		verifierL:       verifierL,
		timeParam:       rules.TimeParam,
		eligibilityFrac: rules.EligibilityFrac,
		seed:            seed,
		proof:           big.NewInt(0),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Run computes successive rounds until ctx is cancelled. Each round squares
// the current seed mod N for timeParam iterations while accumulating the
// Wesolowski proof; Update aborts an in-flight round when a new seed
// arrives.
func (c *Calculator) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		for c.finished && ctx.Err() == nil {
			c.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return err
		}
		g := new(big.Int).Set(c.seed)
		c.mu.Unlock()

		result := new(big.Int).Set(g)
		pi := big.NewInt(1)
		r := big.NewInt(1)
		aborted := false

		for i := uint64(0); i < c.timeParam; i++ {
			if c.restart.Load() {
				aborted = true
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			result.Mod(result.Mul(result, result), c.modulus)

			twoR := new(big.Int).Lsh(r, 1)
			b := new(big.Int).Div(twoR, c.verifierL)
			r = new(big.Int).Mod(twoR, c.verifierL)

			gb := new(big.Int).Exp(g, b, c.modulus)
			pi.Mod(pi.Mul(pi, pi), c.modulus)
			pi.Mod(pi.Mul(pi, gb), c.modulus)
		}

		c.mu.Lock()
		if aborted {
			c.restart.Store(false)
		} else {
			c.resultSeed = result
			c.resultProof = pi
			c.finished = true
			c.cond.Broadcast()
		}
		c.mu.Unlock()
	}
}

// Update is called on block commit with the new round's seed and proof
// (taken from the committed block's coinbase). If the seed differs from
// the one currently in play, any in-flight round is aborted and restarted
// with the new seed.
func (c *Calculator) Update(newSeed, newProof *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seed != nil && newSeed.Cmp(c.seed) == 0 {
		return
	}
	if !c.finished {
		c.restart.Store(true)
	}
	c.seed = new(big.Int).Set(newSeed)
	c.proof = new(big.Int).Set(newProof)
	c.resultSeed = nil
	c.resultProof = nil
	c.finished = false
	c.cond.Broadcast()
}

// Result returns the most recently completed round's (seed', proof), or
// ok=false if the current round has not finished yet.
func (c *Calculator) Result() (seed, proof *big.Int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		return nil, nil, false
	}
	return new(big.Int).Set(c.resultSeed), new(big.Int).Set(c.resultProof), true
}

// WaitResult blocks until the current round finishes and returns its
// (seed', proof).
func (c *Calculator) WaitResult() (seed, proof *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.finished {
		c.cond.Wait()
	}
	return new(big.Int).Set(c.resultSeed), new(big.Int).Set(c.resultProof)
}

// Verify checks that result is the correct VDF output for seed after
// timeParam squarings, given proof: result == proof^ℓ · seed^(2^T mod ℓ) mod N.
func (c *Calculator) Verify(result, proof, seed *big.Int) bool {
	exponent := new(big.Int).Exp(two, new(big.Int).SetUint64(c.timeParam), c.verifierL)
	lhs := new(big.Int).Exp(proof, c.verifierL, c.modulus)
	rhs := new(big.Int).Exp(seed, exponent, c.modulus)
	got := new(big.Int).Mod(new(big.Int).Mul(lhs, rhs), c.modulus)
	return got.Cmp(result) == 0
}

// pow256 is 2^256, the address-hash space IsConsensusNode draws against.
var pow256 = new(big.Int).Lsh(big.NewInt(1), 256)

// IsConsensusNode reports whether addr is eligible to package the next
// block under the current seed: (seed * addressAsInteger) mod 2^256 must
// fall below eligibilityFrac * 2^256. A fraction of 1.0 makes every address
// eligible.
func (c *Calculator) IsConsensusNode(addr types.Address) bool {
	c.mu.Lock()
	seed := new(big.Int).Set(c.seed)
	c.mu.Unlock()

	addrInt := new(big.Int).SetBytes(addr[:])
	nodeHash := new(big.Int).Mod(new(big.Int).Mul(seed, addrInt), pow256)

	threshold, _ := new(big.Float).Mul(
		big.NewFloat(c.eligibilityFrac),
		new(big.Float).SetInt(pow256),
	).Int(nil)

	return nodeHash.Cmp(threshold) < 0
}
