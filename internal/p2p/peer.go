package p2p

import (
	"time"

	"github.com/chronoledger/ledgerd/pkg/types"
)

// PeerInfo is a snapshot of a connected peer, for listing by the Manager.
// The live connection itself is a Session; PeerInfo is what outlives it.
type PeerInfo struct {
	Address     types.Address
	ConnectedAt time.Time
	Source      string // "seed", "gossip", "inbound"
}
