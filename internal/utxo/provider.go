package utxo

import "github.com/chronoledger/ledgerd/pkg/types"

// Provider adapts a Set to tx.UTXOProvider, so the Mempool and Merge Engine
// never need to import this package's concrete UTXO type.
type Provider struct {
	set *Set
}

// NewProvider wraps set for transaction validation.
func NewProvider(set *Set) *Provider {
	return &Provider{set: set}
}

// GetUTXO satisfies tx.UTXOProvider.
func (p *Provider) GetUTXO(outpoint types.Outpoint) (uint64, types.Address, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Address{}, err
	}
	return u.Value, u.Owner, nil
}

// HasUTXO satisfies tx.UTXOProvider.
func (p *Provider) HasUTXO(outpoint types.Outpoint) bool {
	return p.set.Has(outpoint)
}
