// Package gossip implements the Gossip Bus (§4.10): a UDP datagram channel,
// separate from the Peer Session's TCP transport, used purely for
// transaction propagation. A server goroutine decodes and admits incoming
// transactions to the Mempool, requeueing admitted ones for further relay;
// a client goroutine drains that queue and sends each transaction to a
// uniform random half of the known neighbors.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"

	klog "github.com/chronoledger/ledgerd/internal/log"
	"github.com/chronoledger/ledgerd/pkg/tx"
)

// maxDatagramBytes bounds a single incoming UDP read, matching the original
// gossip server's 20KB read buffer with headroom for transactions carrying a
// handful of inputs/outputs.
const maxDatagramBytes = 20480

// MempoolAdder is the Mempool surface the Gossip Bus needs: admit an
// incoming transaction, and learn whether it was actually new.
type MempoolAdder interface {
	Add(t *tx.Transaction) bool
}

// NeighborProvider supplies the current set of gossip endpoints ("host:port"
// for the Gossip Bus's own UDP port, not the Peer Session's TCP port).
type NeighborProvider interface {
	Neighbors() []string
}

// Bus owns the inbound UDP server and the outbound relay queue. It
// implements mempool.Broadcaster, so a Pool can fan newly admitted
// transactions out without importing this package.
type Bus struct {
	listenAddr string
	mempool    MempoolAdder
	neighbors  NeighborProvider

	mu    sync.Mutex
	cond  *sync.Cond
	queue []*tx.Transaction

	selfAddr string // excluded from our own relay fan-out
}

// New builds a Bus listening on listenAddr ("host:port"). selfAddr, if
// non-empty, is skipped when picking relay targets so a node never sends a
// transaction to itself.
func New(listenAddr string, mempool MempoolAdder, neighbors NeighborProvider, selfAddr string) *Bus {
	b := &Bus{
		listenAddr: listenAddr,
		mempool:    mempool,
		neighbors:  neighbors,
		selfAddr:   selfAddr,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// BroadcastTx enqueues t for relay. Satisfies mempool.Broadcaster.
func (b *Bus) BroadcastTx(t *tx.Transaction) {
	b.mu.Lock()
	b.queue = append(b.queue, t)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// ListenAndServe runs the inbound UDP server until ctx is cancelled: each
// datagram is decoded and handed to the Mempool, and admitted transactions
// are requeued so this node keeps relaying them onward.
func (b *Bus) ListenAndServe(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("gossip: resolve %s: %w", b.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("gossip: listen on %s: %w", b.listenAddr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			klog.Gossip.Warn().Err(err).Msg("gossip read failed")
			continue
		}

		var t tx.Transaction
		if err := json.Unmarshal(buf[:n], &t); err != nil {
			klog.Gossip.Debug().Err(err).Str("from", from.String()).Msg("gossip: malformed transaction dropped")
			continue
		}

		if b.mempool.Add(&t) {
			b.BroadcastTx(&t)
		}
	}
}

// Run drains the relay queue until ctx is cancelled, sending each
// transaction to a random half of the known neighbors.
func (b *Bus) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("gossip: open send socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		for len(b.queue) == 0 && ctx.Err() == nil {
			b.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			b.mu.Unlock()
			return err
		}
		t := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.relay(conn, t)
	}
}

func (b *Bus) relay(conn *net.UDPConn, t *tx.Transaction) {
	targets := b.sample()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(t)
	if err != nil {
		klog.Gossip.Error().Err(err).Msg("gossip: marshal transaction failed")
		return
	}

	for _, addr := range targets {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(data, udpAddr); err != nil {
			klog.Gossip.Debug().Err(err).Str("peer", addr).Msg("gossip relay failed")
		}
	}
}

// sample picks a uniform random half of the current neighbors (rounded up,
// at least one if any exist), excluding this node's own address.
func (b *Bus) sample() []string {
	all := b.neighbors.Neighbors()
	candidates := all[:0]
	for _, addr := range all {
		if addr != b.selfAddr {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	k := (len(candidates) + 1) / 2
	shuffled := append([]string(nil), candidates...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}
