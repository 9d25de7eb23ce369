// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking (Peer Session + discovery overlay)
	P2P P2PConfig

	// Gossip Bus (UDP transaction fan-out)
	Gossip GossipConfig

	// RPC server (external wallet/front-end boundary)
	RPC RPCConfig

	// Mempool sizing (operational, not consensus)
	Mempool MempoolConfig

	// Packaging / validator participation (operational, not consensus rules)
	Mining MiningConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer session and discovery settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run the discovery overlay in server mode (for seeds).
}

// GossipConfig holds UDP gossip bus settings.
type GossipConfig struct {
	ListenAddr string `conf:"gossip.listen"`
	Port       int    `conf:"gossip.port"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// MempoolConfig holds pending-transaction pool sizing.
type MempoolConfig struct {
	Size int `conf:"mempool.size"` // Max pending tx across both queues.
}

// MiningConfig holds block-packaging participation settings.
// Whether this node attempts to package blocks is a node choice; the
// eligibility rule that decides whether this node may package in a given
// round is a protocol rule (see ProtocolConfig.VDF.EligibilityFrac). Blocks
// received from peers are not checked against the eligibility rule.
type MiningConfig struct {
	Enabled  bool   `conf:"mining.enabled"`
	Coinbase string `conf:"mining.coinbase"` // Address to receive block rewards.
	KeyFile  string `conf:"mining.keyfile"`  // Path to the packaging node's private key.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.ledgerd
//	macOS:   ~/Library/Application Support/Ledgerd
//	Windows: %APPDATA%\Ledgerd
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ledgerd"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Ledgerd")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Ledgerd")
		}
		return filepath.Join(home, "AppData", "Roaming", "Ledgerd")
	default:
		return filepath.Join(home, ".ledgerd")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// ChainDBDir returns the KV store directory for the chain/tx/utxo namespace.
func (c *Config) ChainDBDir() string {
	return filepath.Join(c.ChainDataDir(), "chaindb")
}

// KeystoreDir returns the directory holding the node's own packaging key.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "ledgerd.conf")
}
