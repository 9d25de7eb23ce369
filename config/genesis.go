package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chronoledger/ledgerd/pkg/crypto"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockTxs  = 500  // Max transactions per block (including coinbase)
	MaxTxInputs  = 2500 // Max inputs per transaction
	MaxTxOutputs = 2500 // Max outputs per transaction
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`

	// Genesis block (milliseconds since epoch, per spec §3's Block.timestamp unit).
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units), paid out by the
	// genesis coinbase alongside the first VDF seed.
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	VDF      VDFRules      `json:"vdf"`
	Round    RoundRules    `json:"round"`
	Reward   RewardRules   `json:"reward"`
	Mempool  MempoolRules  `json:"mempool"`
}

// VDFRules pins the Wesolowski time-lock parameters that every node must
// agree on to verify (seed', π) pairs and the eligibility oracle.
type VDFRules struct {
	Modulus   string `json:"modulus"`    // Hex RSA-style modulus N.
	TimeParam uint64 `json:"time_param"` // T: squaring iterations per round.
	VerifierL string `json:"verifier_l"` // Hex verification prime ℓ.
	Seed      string `json:"seed"`       // Hex genesis seed S0.

	// EligibilityFrac is the fraction of address-hash space (hash/2^256)
	// below which a node is eligible to package the next block. Source
	// revisions disagree (1.0, 0.95, 0.3, 0.2 all appear); kept as a
	// protocol-level knob rather than a compiled-in constant. 1.0 means
	// every node is eligible every round (bootstrap default).
	EligibilityFrac float64 `json:"eligibility_frac"`
}

// RoundRules pins the round-timing schedule (Round Timer §4.6).
type RoundRules struct {
	IntervalMS uint64 `json:"interval_ms"` // Δ: genesisTs + H·Δ gives the deadline.
	FinishMS   uint64 `json:"finish_ms"`   // Grace period added to the deadline before Selector may commit early.
}

// RewardRules pins the coinbase reward schedule.
type RewardRules struct {
	BlockReward uint64 `json:"block_reward"` // Base units minted by each coinbase.
	MaxSupply   uint64 `json:"max_supply"`   // Total coin cap in base units (0 = unlimited).
}

// MempoolRules pins the maximum pending-pool size every node enforces
// identically so packaging is deterministic across honest nodes.
type MempoolRules struct {
	Size int `json:"size"`
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetPubKey is the compressed public key (hex) derived from the
	// well-known testnet mnemonic above.
	TestnetPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetAddress is the address (bech32) derived from TestnetPubKey.
	TestnetAddress = "tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "ledgerd-mainnet-1",
		ChainName: "Ledgerd Mainnet",
		Timestamp: 1770734103000, // 2026-02-10, milliseconds
		ExtraData: "Ledgerd Genesis",
		Alloc: map[string]uint64{
			"kgx1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			VDF: VDFRules{
				Modulus:         genesisModulusHex,
				TimeParam:       10_000_000,
				VerifierL:       genesisVerifierLHex,
				Seed:            genesisSeedHex,
				EligibilityFrac: 1.0,
			},
			Round: RoundRules{
				IntervalMS: 15_000,
				FinishMS:   13_500,
			},
			Reward: RewardRules{
				BlockReward: 20 * MilliCoin,
				MaxSupply:   2_000_000 * Coin,
			},
			Mempool: MempoolRules{
				Size: 5000,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "ledgerd-testnet-1"
	g.ChainName = "Ledgerd Testnet"
	g.ExtraData = "Ledgerd Testnet Genesis"

	// Short rounds and full eligibility for local/testnet iteration.
	g.Protocol.VDF.TimeParam = 50
	g.Protocol.Round.IntervalMS = 2_000
	g.Protocol.Round.FinishMS = 1_500

	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// Placeholder RSA-style modulus/prime material for the bundled genesis
// configurations. Production deployments MUST replace these via a
// network-specific genesis file generated offline from freshly generated
// primes.
const (
	genesisModulusHex   = "c7970ceedcc3b0754490201a7aa613cd73911081c790f5f1a8726f463550bb5b7ff0db8e1ea1189ec72f93d1650011bd721aeeacc2acde32a04107f0648c2813"
	genesisVerifierLHex = "d90f7ba3"
	genesisSeedHex      = "0100000000000000000000000000000000000000000000000000000000000000"
)

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.VDF.Modulus == "" {
		return fmt.Errorf("vdf.modulus is required")
	}
	if g.Protocol.VDF.TimeParam == 0 {
		return fmt.Errorf("vdf.time_param must be positive")
	}
	if g.Protocol.VDF.EligibilityFrac < 0 || g.Protocol.VDF.EligibilityFrac > 1 {
		return fmt.Errorf("vdf.eligibility_frac must be in [0, 1]")
	}

	if g.Protocol.Round.IntervalMS == 0 {
		return fmt.Errorf("round.interval_ms must be positive")
	}

	if g.Protocol.Reward.BlockReward == 0 {
		return fmt.Errorf("reward.block_reward must be positive")
	}

	if g.Protocol.Mempool.Size <= 0 {
		return fmt.Errorf("mempool.size must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Reward.MaxSupply > 0 && totalAlloc > g.Protocol.Reward.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Reward.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
