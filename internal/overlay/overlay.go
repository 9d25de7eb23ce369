// Package overlay is the discovery-overlay collaborator §4.10 names as
// out of scope for the consensus/chain-assembly core: it wraps a go-libp2p
// host plus a Kademlia DHT routing table so the repo has a concrete way to
// find peers beyond a fixed seed list, and exposes that purely as
// Nodes()/Broadcast() — the core (Manager, Gossip Bus) never reaches into
// libp2p itself.
package overlay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/rs/zerolog"

	klog "github.com/chronoledger/ledgerd/internal/log"
)

const (
	// maxPubsubMessageSize bounds GossipSub payloads; a discovered-peer
	// broadcast carries node addresses, not blocks, so this stays small.
	maxPubsubMessageSize = 256 * 1024

	discoveryInterval  = 30 * time.Second
	peerConnectTimeout = 5 * time.Second

	// advertiseTopic carries each node's own Peer Session dial address
	// (host:port), keyed by libp2p peer ID. The DHT only tells the overlay
	// THAT a peer exists and how to reach its libp2p host — it says
	// nothing about the unrelated raw-TCP listener the core's Manager
	// actually dials, so peers self-announce that address here instead.
	advertiseTopic    = "ledgerd/peer-session-addr"
	advertiseInterval = 60 * time.Second
)

// Config holds overlay bring-up settings, mirroring config.P2PConfig's
// discovery-related fields so cmd/ledgerd can pass them straight through.
type Config struct {
	ListenAddr string
	Port       int
	Rendezvous string // DHT/advertise namespace; isolates discovery per network
	ServerMode bool   // run the DHT in server mode (for seed/bootstrap nodes)
	DataDir    string // where the overlay's own libp2p identity key is kept

	// AdvertiseAddr is this node's own Peer Session "host:port", broadcast
	// to other overlay members so they can find it. Empty disables
	// self-advertisement (discovery-only / listen-only node).
	AdvertiseAddr string
}

// NodeInfo describes a peer this overlay has learned a dialable Peer
// Session address for, via advertiseTopic.
type NodeInfo struct {
	ID    string
	Addrs []string
}

// Overlay is the concrete Nodes()/Broadcast() adapter. It is independent of
// the core's own Peer Session protocol (§4.9) — cmd/ledgerd uses it only to
// learn Peer Session addresses to dial; neither the Manager nor the Gossip
// Bus calls it, and it never carries HANDSHAKE/block/tx traffic itself.
type Overlay struct {
	cfg Config

	host host.Host
	dht  *dht.IpfsDHT
	ps   *pubsub.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	knownMu sync.RWMutex
	known   map[peer.ID]string // advertised Peer Session "host:port"
}

// New starts a libp2p host, joins the DHT, and begins background peer
// discovery against cfg.Rendezvous.
func New(cfg Config) (*Overlay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenAddr, cfg.Port)),
	}
	if cfg.DataDir != "" {
		priv, err := loadOrCreateIdentity(cfg.DataDir)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("overlay: load identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: create host: %w", err)
	}

	mode := dht.ModeClient
	if cfg.ServerMode {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(ctx, h, dht.Mode(mode))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("overlay: create dht: %w", err)
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		kadDHT.Close()
		h.Close()
		cancel()
		return nil, fmt.Errorf("overlay: bootstrap dht: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMaxMessageSize(maxPubsubMessageSize))
	if err != nil {
		kadDHT.Close()
		h.Close()
		cancel()
		return nil, fmt.Errorf("overlay: create pubsub: %w", err)
	}

	o := &Overlay{
		cfg:    cfg,
		host:   h,
		dht:    kadDHT,
		ps:     ps,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		known:  make(map[peer.ID]string),
	}

	rendezvous := cfg.Rendezvous
	if rendezvous == "" {
		rendezvous = "ledgerd"
	}
	go o.runDiscovery(rendezvous)

	if err := o.runAdvertise(); err != nil {
		o.Close()
		return nil, fmt.Errorf("overlay: join advertise topic: %w", err)
	}

	return o, nil
}

// Close tears down the pubsub, DHT, and host.
func (o *Overlay) Close() error {
	o.cancel()
	o.mu.Lock()
	for name, t := range o.topics {
		t.Close()
		delete(o.topics, name)
	}
	o.mu.Unlock()
	if o.dht != nil {
		o.dht.Close()
	}
	return o.host.Close()
}

// Nodes returns the peers this overlay has a Peer Session dial address for,
// via self-announcements on advertiseTopic — not the raw libp2p multiaddrs
// the DHT otherwise tracks, which have no relation to the core's TCP port.
func (o *Overlay) Nodes() []NodeInfo {
	o.knownMu.RLock()
	defer o.knownMu.RUnlock()

	out := make([]NodeInfo, 0, len(o.known))
	for id, addr := range o.known {
		out = append(out, NodeInfo{ID: id.String(), Addrs: []string{addr}})
	}
	return out
}

// Broadcast publishes data on a GossipSub topic, joining it on first use.
// It is fire-and-forget: the overlay has no delivery guarantee beyond what
// GossipSub itself provides, matching the Gossip Bus's own best-effort UDP
// fan-out (§4.10).
func (o *Overlay) Broadcast(topic string, data []byte) error {
	t, err := o.topicFor(topic)
	if err != nil {
		return err
	}
	return t.Publish(o.ctx, data)
}

func (o *Overlay) topicFor(name string) (*pubsub.Topic, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.topics[name]; ok {
		return t, nil
	}
	t, err := o.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("overlay: join topic %q: %w", name, err)
	}
	o.topics[name] = t
	return t, nil
}

// runAdvertise joins advertiseTopic, starts a reader that records peers'
// self-announced Peer Session addresses into o.known, and — if this node
// has one to publish — a writer that re-announces its own address every
// advertiseInterval so it survives the topic's membership churn.
func (o *Overlay) runAdvertise() error {
	t, err := o.topicFor(advertiseTopic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("overlay: subscribe advertise topic: %w", err)
	}

	go o.readAdvertisements(sub)
	if o.cfg.AdvertiseAddr != "" {
		go o.publishAdvertisements(t)
	}
	return nil
}

func (o *Overlay) readAdvertisements(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(o.ctx)
		if err != nil {
			return // context cancelled
		}
		if msg.ReceivedFrom == o.host.ID() {
			continue
		}
		o.knownMu.Lock()
		o.known[msg.ReceivedFrom] = string(msg.Data)
		o.knownMu.Unlock()
	}
}

func (o *Overlay) publishAdvertisements(t *pubsub.Topic) {
	ticker := time.NewTicker(advertiseInterval)
	defer ticker.Stop()

	publish := func() {
		_ = t.Publish(o.ctx, []byte(o.cfg.AdvertiseAddr))
	}
	publish()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

func (o *Overlay) runDiscovery(rendezvous string) {
	logger := klog.P2P.With().Str("component", "overlay").Logger()

	routingDiscovery := drouting.NewRoutingDiscovery(o.dht)
	dutil.Advertise(o.ctx, routingDiscovery, rendezvous)

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.findPeers(routingDiscovery, rendezvous, logger)
		}
	}
}

func (o *Overlay) findPeers(rd *drouting.RoutingDiscovery, rendezvous string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(o.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := rd.FindPeers(ctx, rendezvous)
	if err != nil {
		logger.Debug().Err(err).Msg("overlay discovery round failed")
		return
	}

	for p := range peerCh {
		if p.ID == o.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		connectCtx, connectCancel := context.WithTimeout(o.ctx, peerConnectTimeout)
		err := o.host.Connect(connectCtx, p)
		connectCancel()
		if err != nil {
			continue
		}
		o.host.Peerstore().AddAddrs(p.ID, p.Addrs, time.Hour)
	}
}

// loadOrCreateIdentity persists the overlay's own libp2p identity (distinct
// from the node's ledger identity key) so its peer ID survives restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "overlay.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, decErr := hex.DecodeString(string(data))
		if decErr != nil {
			return nil, fmt.Errorf("decode overlay key: %w", decErr)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate overlay key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal overlay key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create overlay data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save overlay key: %w", err)
	}
	return priv, nil
}
