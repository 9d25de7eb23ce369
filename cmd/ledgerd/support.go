package main

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronoledger/ledgerd/internal/manager"
	"github.com/chronoledger/ledgerd/internal/overlay"
)

// discoveryPollInterval is how often the overlay's known-node set is
// checked for addresses the Manager hasn't dialed yet.
const discoveryPollInterval = 30 * time.Second

// mustRun runs fn in the background until ctx is cancelled. fn returning
// ctx.Err() on cancellation is the expected exit path and is logged at
// debug; anything else is a real failure worth a warning, since a listener
// or loop dying early leaves the node half-functional rather than crashed.
func mustRun(name string, fn func(context.Context) error, ctx context.Context, logger zerolog.Logger) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Str("loop", name).Msg("background loop exited with error")
	}
}

// dialDiscovered polls the discovery overlay for advertised Peer Session
// addresses and dials each one once. Manager.Dial opens a fresh TCP
// connection on every call with no address-level dedup of its own, so this
// loop keeps its own seen-addresses set rather than redialing an already
// connected neighbor every poll.
func dialDiscovered(ctx context.Context, ov *overlay.Overlay, mgr *manager.Manager, logger zerolog.Logger) {
	ticker := time.NewTicker(discoveryPollInterval)
	defer ticker.Stop()

	dialed := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, node := range ov.Nodes() {
			for _, addr := range node.Addrs {
				if dialed[addr] {
					continue
				}
				dialed[addr] = true
				go func(addr string) {
					if err := mgr.Dial(addr); err != nil {
						logger.Debug().Str("addr", addr).Err(err).Msg("failed to dial overlay-discovered peer")
					}
				}(addr)
			}
		}
	}
}

// dialSeeds best-effort dials every seed that parses as a plain "host:port"
// TCP address. Seeds given in multiaddr form (e.g. "/ip4/.../tcp/.../p2p/...")
// address the discovery overlay's own libp2p host, not the Peer Session's
// raw-TCP listener this function dials, so they are skipped here rather
// than misinterpreted as TCP endpoints.
func dialSeeds(seeds []string, mgr *manager.Manager, logger zerolog.Logger) {
	for _, seed := range seeds {
		if strings.HasPrefix(seed, "/") {
			logger.Debug().Str("seed", seed).Msg("skipping multiaddr seed (dials the overlay's libp2p host, not the Peer Session listener)")
			continue
		}
		if _, _, err := net.SplitHostPort(seed); err != nil {
			logger.Warn().Str("seed", seed).Err(err).Msg("skipping unparseable seed")
			continue
		}
		go func(addr string) {
			if err := mgr.Dial(addr); err != nil {
				logger.Warn().Str("seed", addr).Err(err).Msg("failed to dial seed")
			}
		}(seed)
	}
}
