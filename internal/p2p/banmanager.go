package p2p

import (
	"sync"
	"time"

	klog "github.com/chronoledger/ledgerd/internal/log"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which a peer gets banned.
	BanDuration  = 24 * time.Hour
)

// Penalty values for different offenses.
const (
	PenaltyInvalidBlock  = 50  // Bad sig, consensus fail.
	PenaltyInvalidTx     = 20  // Validation failure.
	PenaltyHandshakeFail = 100 // Instant ban (genesis mismatch).
)

// Disconnector closes a session to addr. Named by role so BanManager never
// imports the Manager that owns the session set.
type Disconnector interface {
	Disconnect(addr types.Address)
}

// BanManager tracks peer offense scores and manages bans, keyed by chain
// address since the raw-TCP transport has no libp2p peer ID.
type BanManager struct {
	mu     sync.RWMutex
	scores map[types.Address]int
	bans   map[types.Address]*BanRecord
	store  *BanStore    // Persistence (nil for tests).
	disc   Disconnector // For disconnect-on-ban (nil in unit tests).
}

// NewBanManager creates a new BanManager.
// store may be nil to disable persistence (useful for tests).
// disc may be nil if disconnect-on-ban is not needed.
func NewBanManager(store *BanStore, disc Disconnector) *BanManager {
	return &BanManager{
		scores: make(map[types.Address]int),
		bans:   make(map[types.Address]*BanRecord),
		store:  store,
		disc:   disc,
	}
}

// SetDisconnector wires the disconnect-on-ban action after the Manager (the
// only Disconnector this node has) exists. BanManager is constructed before
// Manager so Manager can be handed to it as a collaborator, not the other
// way around, so this is called once that construction order completes
// rather than passed to NewBanManager directly.
func (bm *BanManager) SetDisconnector(d Disconnector) {
	bm.mu.Lock()
	bm.disc = d
	bm.mu.Unlock()
}

// LoadBans restores persisted bans from the store into the in-memory cache.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}

	bm.store.PruneExpired()

	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.store.ForEach(func(rec *BanRecord) error {
		if !rec.IsExpired() {
			bm.bans[rec.Address] = rec
		}
		return nil
	})
}

// RecordOffense adds a penalty score to a peer. If the cumulative score
// reaches BanThreshold, the peer is banned and disconnected.
func (bm *BanManager) RecordOffense(addr types.Address, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	// Already banned — nothing to do.
	if rec, ok := bm.bans[addr]; ok && !rec.IsExpired() {
		return
	}

	bm.scores[addr] += penalty
	if bm.scores[addr] < BanThreshold {
		return
	}

	now := time.Now()
	rec := &BanRecord{
		Address:   addr,
		Reason:    reason,
		Score:     bm.scores[addr],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[addr] = rec
	delete(bm.scores, addr) // Clear score, ban is active.

	if bm.store != nil {
		bm.store.Put(rec)
	}

	klog.P2P.Warn().
		Str("peer", addr.String()).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("peer banned")

	if bm.disc != nil {
		go bm.disc.Disconnect(addr)
	}
}

// IsBanned returns true if the peer is currently banned.
func (bm *BanManager) IsBanned(addr types.Address) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[addr]
	bm.mu.RUnlock()

	if !ok {
		return false
	}

	if rec.IsExpired() {
		bm.mu.Lock()
		delete(bm.bans, addr)
		bm.mu.Unlock()
		if bm.store != nil {
			bm.store.Delete(addr)
		}
		return false
	}

	return true
}

// Unban manually removes a ban.
func (bm *BanManager) Unban(addr types.Address) {
	bm.mu.Lock()
	delete(bm.bans, addr)
	delete(bm.scores, addr)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(addr)
	}
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop periodically prunes expired bans until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	bm.mu.Lock()
	var expired []types.Address
	for addr, rec := range bm.bans {
		if rec.IsExpired() {
			expired = append(expired, addr)
		}
	}
	for _, addr := range expired {
		delete(bm.bans, addr)
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired()
	}
}
