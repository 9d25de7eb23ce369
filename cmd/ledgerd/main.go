// Ledgerd full node daemon.
//
// Usage:
//
//	ledgerd [--mine --coinbase=... --keyfile=...] Run node
//	ledgerd --help                                Show help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chronoledger/ledgerd/config"
	"github.com/chronoledger/ledgerd/internal/chain"
	"github.com/chronoledger/ledgerd/internal/gossip"
	klog "github.com/chronoledger/ledgerd/internal/log"
	"github.com/chronoledger/ledgerd/internal/manager"
	"github.com/chronoledger/ledgerd/internal/mempool"
	"github.com/chronoledger/ledgerd/internal/merge"
	"github.com/chronoledger/ledgerd/internal/overlay"
	"github.com/chronoledger/ledgerd/internal/p2p"
	"github.com/chronoledger/ledgerd/internal/roundtimer"
	"github.com/chronoledger/ledgerd/internal/selector"
	"github.com/chronoledger/ledgerd/internal/storage"
	"github.com/chronoledger/ledgerd/internal/utxo"
	"github.com/chronoledger/ledgerd/internal/vdf"
	"github.com/chronoledger/ledgerd/internal/vote"
	"github.com/chronoledger/ledgerd/pkg/crypto"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// txForwarder breaks the Mempool/Gossip construction cycle: the Mempool
// needs a Broadcaster at construction, but the Gossip Bus needs the Mempool
// (as a MempoolAdder) at ITS construction. forwarder is built first with a
// nil bus and wired up once the Bus exists.
type txForwarder struct {
	bus *gossip.Bus
}

func (f *txForwarder) BroadcastTx(t *tx.Transaction) {
	if f.bus != nil {
		f.bus.BroadcastTx(t)
	}
}

// heartbeatForwarder breaks the Vote Center/Manager construction cycle: the
// Vote Center needs a HeartbeatSource at construction, but Manager (the
// only HeartbeatSource this node has) needs the Merge Engine, which in turn
// needs the Vote Center. Built first with a nil manager, wired up once the
// Manager exists.
type heartbeatForwarder struct {
	mgr *manager.Manager
}

func (f *heartbeatForwarder) Heartbeats() map[types.Address]int64 {
	if f.mgr == nil {
		return nil
	}
	return f.mgr.Heartbeats()
}

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 1a. Set address HRP based on network ─────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.LogsDir(), "ledgerd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis (hardcoded, not loaded from file) ─────────────────────
	genesis := config.GenesisFor(cfg.Network)
	genesisHash, err := genesis.Hash()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to hash genesis config")
	}

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint64("interval_ms", genesis.Protocol.Round.IntervalMS).
		Msg("Starting Ledgerd node")

	// ── 4. Open storage ───────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDBDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDBDir()).Msg("Failed to open database")
	}
	defer db.Close()

	chainStore, err := chain.New(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open chain store")
	}
	utxoSet, err := utxo.NewSet(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open UTXO set")
	}
	utxoProvider := utxo.NewProvider(utxoSet)

	klog.Storage.Info().Str("path", cfg.ChainDBDir()).Msg("Database opened")

	// ── 5. Node identity ──────────────────────────────────────────────────
	keyFile := cfg.Mining.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(cfg.KeystoreDir(), "node.key")
	}
	nodeKey, err := loadOrCreateIdentity(keyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", keyFile).Msg("Failed to load node identity key")
	}
	defer nodeKey.Zero()
	selfAddr := crypto.AddressFromPubKey(nodeKey.PublicKey())

	coinbase := selfAddr
	if cfg.Mining.Enabled {
		coinbase, err = resolveCoinbase(cfg.Mining.Coinbase, nodeKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to resolve coinbase address")
		}
	}
	logger.Info().Str("address", selfAddr.String()).Bool("packaging", cfg.Mining.Enabled).Msg("Node identity ready")

	// ── 6. Consensus primitives (VDF, Vote Center, Round Timer, Selector) ──
	vdfCalc, err := vdf.New(genesis.Protocol.VDF)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build VDF calculator")
	}

	hbForwarder := &heartbeatForwarder{}
	voteCenter := vote.New(vdfCalc, hbForwarder, selfAddr)

	roundTimer := roundtimer.New(genesis.Timestamp, genesis.Protocol.Round.IntervalMS, genesis.Protocol.Round.FinishMS)
	blockSelector := selector.New(genesis.Timestamp, genesis.Protocol.Round.IntervalMS, genesis.Protocol.Round.FinishMS)

	// ── 7. Mempool (broadcaster wired once the Gossip Bus exists) ────────
	txFwd := &txForwarder{}
	mempoolPool := mempool.New(genesis.Protocol.Mempool.Size, utxoProvider, crypto.SchnorrVerifier{}, nil, txFwd)

	// ── 8. Merge Engine ────────────────────────────────────────────────────
	mergeEngine := merge.New(chainStore, utxoSet, voteCenter, roundTimer, vdfCalc, mempoolPool)

	// ── 9. Bootstrap genesis / reindex UTXO set ───────────────────────────
	if _, _, err := chainStore.GetLatest(); errors.Is(err, chain.ErrNotFound) {
		genesisBlock, err := chain.BuildGenesisBlock(genesis)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to build genesis block")
		}
		if err := mergeEngine.Insert(genesisBlock); err != nil {
			logger.Fatal().Err(err).Msg("Failed to insert genesis block")
		}
		klog.Chain.Info().Str("hash", genesisBlock.Header.SelfHash.String()).Msg("Genesis block inserted")
	} else if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read chain head")
	} else {
		if height, ok := utxoSet.Height(); ok {
			if headHeight, ok := chainStore.Height(); ok && headHeight > height {
				if err := utxoSet.Reindex(chainStore, headHeight); err != nil {
					logger.Fatal().Err(err).Msg("Failed to reindex UTXO set")
				}
			}
		}
		if err := mergeEngine.Bootstrap(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to bootstrap round state from chain head")
		}
	}

	// ── 10. P2P: bans, peer store, Manager ────────────────────────────────
	banStore := p2p.NewBanStore(db)
	banManager := p2p.NewBanManager(banStore, nil)
	banManager.LoadBans()
	peerStore := p2p.NewPeerStore(db)

	p2pListenAddr := fmt.Sprintf("%s:%d", cfg.P2P.ListenAddr, cfg.P2P.Port)
	mgr := manager.New(selfAddr, genesisHash, p2pListenAddr, cfg.Gossip.Port, chainStore, mergeEngine, banManager, peerStore)
	hbForwarder.mgr = mgr
	banManager.SetDisconnector(mgr)
	mergeEngine.SetInvalidReporter(mgr)

	// ── 11. Gossip Bus (UDP transaction fan-out) ──────────────────────────
	gossipListenAddr := fmt.Sprintf("%s:%d", cfg.Gossip.ListenAddr, cfg.Gossip.Port)
	gossipBus := gossip.New(gossipListenAddr, mempoolPool, mgr, gossipListenAddr)
	txFwd.bus = gossipBus

	// ── 12. Round driver (local candidate packaging + commit) ────────────
	driver := &roundDriver{
		genesis:     genesis,
		logger:      klog.WithComponent("round"),
		timer:       roundTimer,
		sel:         blockSelector,
		vdfCalc:     vdfCalc,
		voteCtr:     voteCenter,
		pool:        mempoolPool,
		chainStore:  chainStore,
		mergeEngine: mergeEngine,
		mgr:         mgr,
		selfAddr:    selfAddr,
		coinbase:    coinbase,
	}

	// ── 13. Start background loops ────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mustRun("vdf calculator", vdfCalc.Run, ctx, logger)
	go voteCenter.Run(ctx)
	go mustRun("merge engine", mergeEngine.Run, ctx, logger)
	go mustRun("manager broadcast loop", mgr.Run, ctx, logger)
	go banManager.RunPruneLoop(ctx.Done())

	if cfg.P2P.Enabled {
		go mustRun("p2p listener", mgr.ListenAndServe, ctx, logger)
		dialSeeds(cfg.P2P.Seeds, mgr, klog.P2P)

		if !cfg.P2P.NoDiscover {
			ov, err := overlay.New(overlay.Config{
				ListenAddr:    cfg.P2P.ListenAddr,
				Port:          cfg.P2P.Port + 1,
				Rendezvous:    "ledgerd/" + genesis.ChainID,
				ServerMode:    cfg.P2P.DHTServer,
				DataDir:       cfg.KeystoreDir(),
				AdvertiseAddr: p2pListenAddr,
			})
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to start discovery overlay")
			} else {
				defer ov.Close()
				go dialDiscovered(ctx, ov, mgr, klog.P2P)
			}
		}
	}
	go mustRun("gossip listener", gossipBus.ListenAndServe, ctx, logger)
	go mustRun("gossip relay loop", gossipBus.Run, ctx, logger)

	if cfg.Mining.Enabled {
		go driver.run(ctx)
		logger.Info().Str("coinbase", coinbase.String()).Msg("Round packaging enabled")
	}

	logger.Info().Str("p2p_addr", p2pListenAddr).Str("gossip_addr", gossipListenAddr).Msg("Ledgerd is running")

	// ── 14. Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	cancel()
	logger.Info().Msg("Goodbye!")
}
