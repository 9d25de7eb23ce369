package chain

import (
	"fmt"
	"sort"

	"github.com/chronoledger/ledgerd/config"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// BuildGenesisBlock constructs the genesis block (height 0, zero PrevHash)
// from a genesis configuration. Its coinbase distributes the initial
// allocations and carries the VDF parameters (modulus, time parameter,
// seed) that seed round 0 of the VDF Calculator. The verifier prime is not
// carried: tx.DelayParams has no field for it.
func BuildGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("chain: genesis config is nil")
	}

	coinbase, err := buildGenesisCoinbase(gen)
	if err != nil {
		return nil, fmt.Errorf("chain: build genesis coinbase: %w", err)
	}

	txs := []*tx.Transaction{coinbase}
	merkle := block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()})

	header := &block.Header{
		PrevHash:   types.Hash{},
		MerkleRoot: merkle,
		Height:     0,
		Timestamp:  gen.Timestamp,
	}
	header.SelfHash = header.ComputeHash()

	return block.NewBlock(header, txs), nil
}

// buildGenesisCoinbase allocates the genesis outputs and seeds the VDF
// delay parameters. Addresses are sorted for a deterministic output order.
func buildGenesisCoinbase(gen *config.Genesis) (*tx.Transaction, error) {
	addrs := make([]string, 0, len(gen.Alloc))
	for addr := range gen.Alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	outputs := make([]tx.Output, 0, len(addrs))
	for _, addrStr := range addrs {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		outputs = append(outputs, tx.Output{Value: gen.Alloc[addrStr], Owner: addr})
	}
	if len(outputs) == 0 {
		outputs = []tx.Output{{Value: 0, Owner: types.Address{}}}
	}

	coinbase := &tx.Transaction{
		Inputs: []tx.Input{{
			DelayParams: &tx.DelayParams{
				Order:     gen.Protocol.VDF.Modulus,
				TimeParam: gen.Protocol.VDF.TimeParam,
				Seed:      gen.Protocol.VDF.Seed,
			},
		}},
		Outputs:   outputs,
		Timestamp: gen.Timestamp,
	}
	return coinbase, nil
}
