package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chronoledger/ledgerd/internal/storage"
	"github.com/chronoledger/ledgerd/pkg/types"
)

const (
	peerKeyPrefix     = "peer/"
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is a persisted peer entry, keyed by chain address rather than
// a libp2p peer ID.
type PeerRecord struct {
	Address  types.Address `json:"address"`
	DialAddr string        `json:"dial_addr"` // host:port to redial
	LastSeen int64         `json:"last_seen"` // unix timestamp
	Source   string        `json:"source"`    // "seed", "gossip", "inbound"
}

// PeerStore persists peer records in a storage.DB under the "peer/" prefix.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore creates a new PeerStore backed by the given DB.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKey(addr types.Address) []byte {
	return []byte(peerKeyPrefix + addr.String())
}

// Save persists a peer record. If the store already has maxPersistedPeers
// records and this is a new peer, the save is silently skipped.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := peerKey(rec.Address)

	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return fmt.Errorf("count peers: %w", err)
		}
		if count >= maxPersistedPeers {
			return nil // At capacity, skip new peers.
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// Load retrieves a single peer record by address.
func (ps *PeerStore) Load(addr types.Address) (*PeerRecord, error) {
	data, err := ps.db.Get(peerKey(addr))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns all persisted peer records.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return records, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(addr types.Address) error {
	return ps.db.Delete(peerKey(addr))
}

// PruneStale removes records older than the given threshold. Returns the
// number pruned.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	var toDelete [][]byte

	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			keyCopy := make([]byte, len(key))
			copy(keyCopy, key)
			toDelete = append(toDelete, keyCopy)
			return nil
		}
		if rec.LastSeen < cutoff {
			keyCopy := make([]byte, len(key))
			copy(keyCopy, key)
			toDelete = append(toDelete, keyCopy)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}

	for _, k := range toDelete {
		if err := ps.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete stale peer: %w", err)
		}
	}
	return len(toDelete), nil
}

// Count returns the number of persisted peer records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach([]byte(peerKeyPrefix), func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}
