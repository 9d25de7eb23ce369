// Package manager implements the Manager/Broadcast component (§4.11): it
// owns the set of live Peer Sessions, the outbound new-block broadcast
// queue, and the seen-hash dedup set, and fans out every block handed to
// Broadcast per §4.9's √N-neighbor split.
package manager

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	klog "github.com/chronoledger/ledgerd/internal/log"
	"github.com/chronoledger/ledgerd/internal/merge"
	"github.com/chronoledger/ledgerd/internal/p2p"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// seenCacheSize bounds the new-block dedup set; beyond this many distinct
// hashes the oldest are evicted, since a hash re-announced long after it
// scrolled out of the cache is cheap to re-process (a BLOCK_KNOWN reply or
// a no-op Append) rather than worth remembering forever.
const seenCacheSize = 4096

// ChainReader is the Chain Store surface the Manager needs to answer
// PULL_BLOCK/GET_BLOCK and to build its own HANDSHAKE.
type ChainReader interface {
	GetLatest() (*block.Block, types.Hash, error)
	GetByHeight(h uint64) (*block.Block, error)
	GetByHash(hash types.Hash) (*block.Block, error)
}

// BlockAppender is satisfied by the Merge Engine: the Manager never decides
// chain state itself, only offers blocks it receives from peers into the
// §4.8 state machine.
type BlockAppender interface {
	Append(b *block.Block) merge.Status
}

// peerRecord tracks one live Session plus the bookkeeping the Manager needs
// about it (the address it is keyed by, once known).
type peerRecord struct {
	session  *p2p.Session
	addr     types.Address
	source   string
	lastSeen int64 // unix millis, set on HANDSHAKE
}

// Manager owns every live Peer Session for this node, the seen-hash dedup
// set, and the outbound broadcast queue. It implements p2p.Handler (wire
// dispatch) and p2p.Disconnector (so BanManager can close a session without
// importing this package).
type Manager struct {
	selfAddr    types.Address
	genesisHash types.Hash
	listenAddr  string
	gossipPort  int

	chain ChainReader
	merge BlockAppender
	bans  *p2p.BanManager
	peers *p2p.PeerStore

	mu        sync.Mutex
	sessions  map[types.Address]*peerRecord
	byConn    map[*p2p.Session]types.Address
	seen      *lru.Cache[types.Hash, struct{}]
	origin    *lru.Cache[types.Hash, types.Address] // who offered each hash, for ReportInvalid

	qmu   sync.Mutex
	qcond *sync.Cond
	queue []*block.Block

	listener net.Listener
}

// New builds a Manager. selfAddr/genesisHash identify this node in the
// HANDSHAKE it sends; listenAddr is the host:port to accept inbound
// connections on. gossipPort is the port the Gossip Bus (§4.10) listens on
// across the whole network, used by Neighbors to derive each peer's gossip
// endpoint from its TCP session's remote host.
func New(selfAddr types.Address, genesisHash types.Hash, listenAddr string, gossipPort int, chain ChainReader, mergeEngine BlockAppender, bans *p2p.BanManager, peers *p2p.PeerStore) *Manager {
	seen, _ := lru.New[types.Hash, struct{}](seenCacheSize)
	origin, _ := lru.New[types.Hash, types.Address](seenCacheSize)
	m := &Manager{
		selfAddr:    selfAddr,
		genesisHash: genesisHash,
		listenAddr:  listenAddr,
		gossipPort:  gossipPort,
		chain:       chain,
		merge:       mergeEngine,
		bans:        bans,
		peers:       peers,
		sessions:    make(map[types.Address]*peerRecord),
		byConn:      make(map[*p2p.Session]types.Address),
		seen:        seen,
		origin:      origin,
	}
	m.qcond = sync.NewCond(&m.qmu)
	return m
}

// Neighbors returns the gossip-endpoint ("host:gossipPort") for every
// currently connected peer, satisfying gossip.NeighborProvider.
func (m *Manager) Neighbors() []string {
	m.mu.Lock()
	sessions := make([]*p2p.Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.session)
	}
	m.mu.Unlock()

	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		host, _, err := net.SplitHostPort(s.RemoteAddr().String())
		if err != nil {
			continue
		}
		out = append(out, net.JoinHostPort(host, strconv.Itoa(m.gossipPort)))
	}
	return out
}

// ListenAndServe opens the listener and accepts inbound connections until
// ctx is cancelled.
func (m *Manager) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		return fmt.Errorf("manager: listen on %s: %w", m.listenAddr, err)
	}
	m.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("manager: accept: %w", err)
		}
		go m.handleConn(conn, "inbound")
	}
}

// Dial opens an outbound connection to addr (host:port) and registers its
// Session, then sends our HANDSHAKE.
func (m *Manager) Dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("manager: dial %s: %w", addr, err)
	}
	go m.handleConn(conn, "seed")
	return nil
}

func (m *Manager) handleConn(conn net.Conn, source string) {
	s := p2p.NewSession(conn, m, nil)

	m.mu.Lock()
	m.byConn[s] = types.Address{} // Identity unknown until HANDSHAKE arrives.
	m.mu.Unlock()

	m.sendHandshake(s)

	err := s.Run()
	m.removeSession(s)
	if err != nil {
		klog.P2P.Debug().Err(err).Str("source", source).Msg("peer session closed")
	}
}

func (m *Manager) sendHandshake(s *p2p.Session) {
	height := uint64(0)
	if latest, _, err := m.chain.GetLatest(); err == nil {
		height = latest.Header.Height
	}
	_ = s.Send(p2p.CodeHandshake, p2p.HandshakePayload{
		Height:    height,
		Address:   m.selfAddr,
		Timestamp: time.Now().Unix(),
	})
}

func (m *Manager) removeSession(s *p2p.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr, ok := m.byConn[s]; ok {
		delete(m.byConn, s)
		if rec, ok := m.sessions[addr]; ok && rec.session == s {
			delete(m.sessions, addr)
		}
	}
}

// Disconnect satisfies p2p.Disconnector: BanManager calls this to drop a
// banned peer's connection.
func (m *Manager) Disconnect(addr types.Address) {
	m.mu.Lock()
	rec, ok := m.sessions[addr]
	m.mu.Unlock()
	if ok {
		rec.session.Close()
	}
}

// PeerCount returns the number of currently connected, identified peers.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Heartbeats satisfies vote.HeartbeatSource: it reports the HANDSHAKE time
// (unix millis) of every currently connected peer, the closest signal this
// node has to the "wallets" last-seen doc the Python original keeps per peer.
func (m *Manager) Heartbeats() map[types.Address]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.Address]int64, len(m.sessions))
	for addr, rec := range m.sessions {
		out[addr] = rec.lastSeen
	}
	return out
}

// --- p2p.Handler ---

func (m *Manager) HandleHandshake(s *p2p.Session, p p2p.HandshakePayload) {
	if m.bans != nil && m.bans.IsBanned(p.Address) {
		s.Close()
		return
	}

	m.mu.Lock()
	m.byConn[s] = p.Address
	m.sessions[p.Address] = &peerRecord{session: s, addr: p.Address, lastSeen: time.Now().UnixMilli()}
	m.mu.Unlock()
	s.SetPeerAddress(p.Address)

	if m.peers != nil {
		m.peers.Save(p2p.PeerRecord{
			Address:  p.Address,
			DialAddr: s.RemoteAddr().String(),
			LastSeen: time.Now().Unix(),
			Source:   "inbound",
		})
	}

	latest, _, err := m.chain.GetLatest()
	ourHeight := uint64(0)
	if err == nil {
		ourHeight = latest.Header.Height
	}
	if p.Height > ourHeight {
		_ = s.Send(p2p.CodePullBlock, p2p.PullBlockPayload{Height: ourHeight + 1})
	}
}

func (m *Manager) HandlePullBlock(s *p2p.Session, p p2p.PullBlockPayload) {
	latest, _, err := m.chain.GetLatest()
	if err != nil {
		return
	}
	for h := p.Height; h <= latest.Header.Height; h++ {
		b, err := m.chain.GetByHeight(h)
		if err != nil {
			return
		}
		if err := s.Send(p2p.CodePushBlock, p2p.PushBlockPayload{Block: b}); err != nil {
			return
		}
	}
}

func (m *Manager) HandlePushBlock(s *p2p.Session, p p2p.PushBlockPayload) {
	if p.Block == nil {
		return
	}
	m.offer(s, p.Block)
}

func (m *Manager) HandleNewBlock(s *p2p.Session, p p2p.NewBlockPayload) {
	if p.Block == nil {
		return
	}
	m.offer(s, p.Block)
}

func (m *Manager) HandleNewBlockHash(s *p2p.Session, p p2p.NewBlockHashPayload) {
	if _, err := m.chain.GetByHash(p.Hash); err == nil {
		_ = s.Send(p2p.CodeBlockKnown, p2p.BlockKnownPayload{Hash: p.Hash})
		return
	}
	_ = s.Send(p2p.CodeGetBlock, p2p.GetBlockPayload{Hash: p.Hash})
}

func (m *Manager) HandleGetBlock(s *p2p.Session, p p2p.GetBlockPayload) {
	b, err := m.chain.GetByHash(p.Hash)
	if err != nil {
		return
	}
	_ = s.Send(p2p.CodePushBlock, p2p.PushBlockPayload{Block: b})
}

func (m *Manager) HandleBlockKnown(s *p2p.Session, p p2p.BlockKnownPayload) {
	m.seen.Add(p.Hash, struct{}{})
}

// offer feeds a peer-received block (from PUSH_BLOCK or NEW_BLOCK) into the
// Merge Engine, requesting the missing predecessor if the engine reports one
// is needed, and re-broadcasting it onward on successful (first-seen) append
// so it keeps propagating through the network rather than stopping at the
// first hop. It also records which peer offered the hash, so a later
// ReportInvalid call (the engine's Run worker verifies blocks asynchronously,
// well after this call returns) can penalize the right peer.
func (m *Manager) offer(s *p2p.Session, b *block.Block) {
	hash := b.Header.SelfHash
	if _, dup := m.seen.Get(hash); dup {
		return
	}
	m.seen.Add(hash, struct{}{})

	if addr, ok := s.PeerAddress(); ok {
		m.origin.Add(hash, addr)
	}

	switch m.merge.Append(b) {
	case merge.StatusPull:
		m.BroadcastPullFrom(b.Header.Height)
	case merge.StatusAppend:
		m.Broadcast(b)
	}
}

// ReportInvalid satisfies merge.InvalidBlockReporter: the Merge Engine calls
// this when its Run worker finds that a queued block fails VerifyBlock,
// restoring the offense signal that would otherwise never reach BanManager.
func (m *Manager) ReportInvalid(hash types.Hash) {
	if m.bans == nil {
		return
	}
	addr, ok := m.origin.Get(hash)
	if !ok {
		return
	}
	m.origin.Remove(hash)
	m.bans.RecordOffense(addr, p2p.PenaltyInvalidBlock, "block failed verification")
}

// BroadcastPullFrom requests the block at height from every connected peer,
// used when an arriving block's predecessor is unknown.
func (m *Manager) BroadcastPullFrom(height uint64) {
	m.mu.Lock()
	sessions := make([]*p2p.Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.session)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Send(p2p.CodePullBlock, p2p.PullBlockPayload{Height: height})
	}
}

// --- Outbound broadcast (§4.9's √N fan-out) ---

// Broadcast enqueues a block for fan-out (a peer block on its first-seen
// append, or this node's own round candidate): it does not block on the
// network, matching §5's "manager-queue-nonempty" suspension
// point consumed by Run.
func (m *Manager) Broadcast(b *block.Block) {
	m.qmu.Lock()
	m.queue = append(m.queue, b)
	m.qcond.Broadcast()
	m.qmu.Unlock()
}

// Run drains the broadcast queue until ctx is cancelled, fanning each block
// out to a random √N subset of peers in full and announcing the hash only
// to the rest.
func (m *Manager) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		m.qmu.Lock()
		m.qcond.Broadcast()
		m.qmu.Unlock()
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.qmu.Lock()
		for len(m.queue) == 0 && ctx.Err() == nil {
			m.qcond.Wait()
		}
		if err := ctx.Err(); err != nil {
			m.qmu.Unlock()
			return err
		}
		b := m.queue[0]
		m.queue = m.queue[1:]
		m.qmu.Unlock()

		m.fanOut(b)
	}
}

func (m *Manager) fanOut(b *block.Block) {
	m.mu.Lock()
	sessions := make([]*p2p.Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.session)
	}
	m.mu.Unlock()

	if len(sessions) == 0 {
		return
	}

	full := int(math.Ceil(math.Sqrt(float64(len(sessions)))))
	if full > len(sessions) {
		full = len(sessions)
	}

	rand.Shuffle(len(sessions), func(i, j int) { sessions[i], sessions[j] = sessions[j], sessions[i] })

	hash := b.Header.SelfHash
	for i, s := range sessions {
		if i < full {
			_ = s.Send(p2p.CodeNewBlock, p2p.NewBlockPayload{Block: b})
		} else {
			_ = s.Send(p2p.CodeNewBlockHash, p2p.NewBlockHashPayload{Hash: hash, Height: b.Header.Height})
		}
	}
}
