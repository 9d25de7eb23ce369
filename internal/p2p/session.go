package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	klog "github.com/chronoledger/ledgerd/internal/log"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// packagingYieldInterval is how long a Session's outbound worker pauses
// before each write while the Mempool is mid-Package, so the packaging
// goroutine is not starved of CPU and lock attention by a busy peer link.
const packagingYieldInterval = 2 * time.Millisecond

// Handler dispatches decoded envelopes arriving on a Session. Implemented
// by the Manager, which owns the set of Sessions and the chain/mempool
// state a handler needs to act on a message.
type Handler interface {
	HandleHandshake(s *Session, p HandshakePayload)
	HandlePullBlock(s *Session, p PullBlockPayload)
	HandlePushBlock(s *Session, p PushBlockPayload)
	HandleNewBlock(s *Session, p NewBlockPayload)
	HandleNewBlockHash(s *Session, p NewBlockHashPayload)
	HandleGetBlock(s *Session, p GetBlockPayload)
	HandleBlockKnown(s *Session, p BlockKnownPayload)
}

// Session is one TCP connection to a neighbor: one inbound goroutine
// decoding frames into Handler calls, one outbound goroutine draining a
// send queue, sharing the same underlying stream.
type Session struct {
	ID      uuid.UUID
	conn    net.Conn
	handler Handler
	yield   func() bool // reports whether the outbound worker should pause, e.g. Mempool.Packaging

	out chan Envelope

	mu        sync.Mutex
	peerAddr  types.Address
	hasPeer   bool
	connected time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps conn. yield may be nil to disable cooperative pausing
// (e.g. in tests).
func NewSession(conn net.Conn, handler Handler, yield func() bool) *Session {
	return &Session{
		ID:        uuid.New(),
		conn:      conn,
		handler:   handler,
		yield:     yield,
		out:       make(chan Envelope, 64),
		done:      make(chan struct{}),
		connected: time.Now(),
	}
}

// PeerAddress returns the address learned from the peer's HANDSHAKE, if any.
func (s *Session) PeerAddress() (types.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddr, s.hasPeer
}

// SetPeerAddress records the address learned from the peer's HANDSHAKE.
func (s *Session) SetPeerAddress(addr types.Address) {
	s.mu.Lock()
	s.peerAddr = addr
	s.hasPeer = true
	s.mu.Unlock()
}

// RemoteAddr returns the underlying connection's remote network address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send enqueues e for the outbound worker. It never blocks on the network;
// it only blocks if the outbound queue itself is full, which signals a
// stuck or slow peer.
func (s *Session) Send(code Code, payload any) error {
	e, err := newEnvelope(code, payload)
	if err != nil {
		return err
	}
	select {
	case s.out <- e:
		return nil
	case <-s.done:
		return fmt.Errorf("p2p: session %s closed", s.ID)
	}
}

// Run drives the inbound and outbound loops until either fails or Close is
// called, then returns the error that ended the session (nil on a clean
// Close).
func (s *Session) Run() error {
	logger := klog.P2P.With().Str("session", s.ID.String()).Logger()

	errs := make(chan error, 2)
	go func() { errs <- s.readLoop() }()
	go func() { errs <- s.writeLoop() }()

	err := <-errs
	s.Close()
	<-errs // Wait for the other loop to notice done and exit.

	if err != nil {
		logger.Debug().Err(err).Msg("peer session ended")
	}
	return err
}

// Close terminates both loops and the underlying connection. Safe to call
// more than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.conn.Close()
}

func (s *Session) readLoop() error {
	for {
		e, err := readEnvelope(s.conn)
		if err != nil {
			return err
		}
		if err := s.dispatch(e); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop() error {
	for {
		select {
		case e := <-s.out:
			if s.yield != nil {
				for s.yield() {
					time.Sleep(packagingYieldInterval)
				}
			}
			if err := writeEnvelope(s.conn, e); err != nil {
				return err
			}
		case <-s.done:
			return nil
		}
	}
}

// dispatch decodes e.Data for its code and invokes the matching Handler
// method. A malformed payload is logged and dropped rather than killing the
// session, since a single bad frame from an otherwise-useful peer should not
// be fatal.
func (s *Session) dispatch(e Envelope) error {
	logger := klog.P2P.With().Str("session", s.ID.String()).Logger()

	decode := func(v any) bool {
		if len(e.Data) == 0 {
			return true
		}
		if err := decodeJSON(e.Data, v); err != nil {
			logger.Debug().Err(err).Str("code", e.Code.String()).Msg("malformed payload, dropping frame")
			return false
		}
		return true
	}

	switch e.Code {
	case CodeEmpty:
		// Keepalive / no-op.
	case CodeHandshake:
		var p HandshakePayload
		if decode(&p) {
			s.handler.HandleHandshake(s, p)
		}
	case CodePullBlock:
		var p PullBlockPayload
		if decode(&p) {
			s.handler.HandlePullBlock(s, p)
		}
	case CodePushBlock:
		var p PushBlockPayload
		if decode(&p) {
			s.handler.HandlePushBlock(s, p)
		}
	case CodeNewBlock:
		var p NewBlockPayload
		if decode(&p) {
			s.handler.HandleNewBlock(s, p)
		}
	case CodeNewBlockHash:
		var p NewBlockHashPayload
		if decode(&p) {
			s.handler.HandleNewBlockHash(s, p)
		}
	case CodeGetBlock:
		var p GetBlockPayload
		if decode(&p) {
			s.handler.HandleGetBlock(s, p)
		}
	case CodeBlockKnown:
		var p BlockKnownPayload
		if decode(&p) {
			s.handler.HandleBlockKnown(s, p)
		}
	default:
		logger.Debug().Str("code", e.Code.String()).Msg("unknown message code, dropping frame")
	}
	return nil
}
