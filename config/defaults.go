package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30303,
			MaxPeers:   50,
			// Seeds are Peer Session "host:port" addresses dialed at
			// startup, e.g. "203.0.113.1:30303". Entries in multiaddr form
			// are skipped; the discovery overlay is not given any seeds.
			Seeds: []string{},
		},
		Gossip: GossipConfig{
			ListenAddr: "0.0.0.0",
			Port:       30403,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8545,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Mempool: MempoolConfig{
			Size: 5000,
		},
		Mining: MiningConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30304
	cfg.Gossip.Port = 30404
	cfg.RPC.Port = 8645
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
