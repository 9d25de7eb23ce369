package utxo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chronoledger/ledgerd/internal/storage"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Cache sizes. The spec pins exact figures for the Chain Store's caches but
// leaves the UTXO Set's cache sizing to the implementation ("an LRU around
// both indexes"); these are sized generously for a single-node mempool-sized
// working set.
const (
	utxoCacheSize = 50_000
	addrCacheSize = 5_000
)

// ErrNotFound is returned when a UTXO entry does not exist.
var ErrNotFound = errors.New("utxo: not found")

func utxoKey(op types.Outpoint) []byte {
	return []byte("utxo#" + op.TxID.String() + "#" + strconv.FormatUint(uint64(op.Index), 10))
}

func addrKey(addr types.Address) []byte {
	return []byte("utxo#" + addr.String())
}

var keyUTXOHeight = []byte("utxo#latest#0")

// addrSetDoc is the JSON document stored at "utxo#<address>": the set of
// outpoint keys (as "txHash:index" strings) currently owned by that address.
type addrSetDoc struct {
	UTXOs []string `json:"utxos"`
}

// heightDoc is the JSON document stored at "utxo#latest#0".
type heightDoc struct {
	Height uint64 `json:"height"`
}

// ChainReader is the read-only capability the UTXO Set needs from the Chain
// Store: enough to replay blocks during Reindex and to resolve a spent
// output's producing transaction during Rollback.
type ChainReader interface {
	GetByHeight(h uint64) (*block.Block, error)
	GetTx(hash types.Hash) (*tx.Transaction, error)
}

// Set implements the UTXO Set backed by a storage.DB. It exclusively derives
// its contents from the Chain Store via Apply/Rollback; it never invents
// state of its own.
type Set struct {
	mu        sync.Mutex
	db        storage.DB
	utxoCache *lru.Cache[types.Outpoint, *UTXO]
	addrCache *lru.Cache[types.Address, map[string]struct{}]
}

// NewSet constructs a Set over db.
func NewSet(db storage.DB) (*Set, error) {
	utxoCache, err := lru.New[types.Outpoint, *UTXO](utxoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("utxo: new utxo cache: %w", err)
	}
	s := &Set{db: db}
	addrCache, err := lru.NewWithEvict[types.Address, map[string]struct{}](addrCacheSize, s.onAddrEvict)
	if err != nil {
		return nil, fmt.Errorf("utxo: new addr cache: %w", err)
	}
	s.utxoCache = utxoCache
	s.addrCache = addrCache
	return s, nil
}

// onAddrEvict writes an address's UTXO key set back to the KV facade when
// the LRU cache evicts it, so the in-memory working set can shrink without
// losing data. Called with s.mu already held by the caller that triggered
// the eviction (Add never re-enters the lock).
func (s *Set) onAddrEvict(addr types.Address, set map[string]struct{}) {
	_ = s.persistAddrSetLocked(addr, set)
}

func (s *Set) persistAddrSetLocked(addr types.Address, set map[string]struct{}) error {
	doc := addrSetDoc{UTXOs: make([]string, 0, len(set))}
	for k := range set {
		doc.UTXOs = append(doc.UTXOs, k)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("utxo: marshal addr set %s: %w", addr, err)
	}
	return s.db.Put(addrKey(addr), data)
}

func (s *Set) loadAddrSetLocked(addr types.Address) (map[string]struct{}, error) {
	if set, ok := s.addrCache.Get(addr); ok {
		return set, nil
	}
	raw, err := s.db.Get(addrKey(addr))
	if err != nil {
		set := make(map[string]struct{})
		s.addrCache.Add(addr, set)
		return set, nil
	}
	var doc addrSetDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("utxo: decode addr set %s: %w", addr, err)
	}
	set := make(map[string]struct{}, len(doc.UTXOs))
	for _, k := range doc.UTXOs {
		set[k] = struct{}{}
	}
	s.addrCache.Add(addr, set)
	return set, nil
}

// Get retrieves a UTXO by its outpoint.
func (s *Set) Get(op types.Outpoint) (*UTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(op)
}

func (s *Set) getLocked(op types.Outpoint) (*UTXO, error) {
	if u, ok := s.utxoCache.Get(op); ok {
		return u, nil
	}
	raw, err := s.db.Get(utxoKey(op))
	if err != nil {
		return nil, ErrNotFound
	}
	var u UTXO
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("utxo: decode %s: %w", op, err)
	}
	s.utxoCache.Add(op, &u)
	return &u, nil
}

// Has reports whether an outpoint is unspent.
func (s *Set) Has(op types.Outpoint) bool {
	_, err := s.Get(op)
	return err == nil
}

// Height returns the height the UTXO Set has been applied through.
func (s *Set) Height() (uint64, bool) {
	raw, err := s.db.Get(keyUTXOHeight)
	if err != nil {
		return 0, false
	}
	var doc heightDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, false
	}
	return doc.Height, true
}

func (s *Set) setHeight(batch storage.Batch, h uint64) error {
	data, err := json.Marshal(heightDoc{Height: h})
	if err != nil {
		return err
	}
	if batch != nil {
		return batch.Put(keyUTXOHeight, data)
	}
	return s.db.Put(keyUTXOHeight, data)
}

// Apply adds every output of b as a new UTXO (indexing it by owner address)
// then removes every non-coinbase input's referenced UTXO. The whole block's
// worth of writes commits as a single batch so a crash mid-application can
// never leave the set half-updated.
//
// Note: a transaction spending an output produced earlier in the same block
// is not supported — every input must reference an output already committed
// in a prior block, matching how the Mempool and Block Selector assemble
// candidates from already-confirmed UTXOs.
func (s *Set) Apply(b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch storage.Batch
	if batcher, ok := s.db.(storage.Batcher); ok {
		batch = batcher.NewBatch()
	}

	touchedAddrs := make(map[types.Address]map[string]struct{})
	touch := func(addr types.Address) (map[string]struct{}, error) {
		if set, ok := touchedAddrs[addr]; ok {
			return set, nil
		}
		set, err := s.loadAddrSetLocked(addr)
		if err != nil {
			return nil, err
		}
		cp := make(map[string]struct{}, len(set))
		for k := range set {
			cp[k] = struct{}{}
		}
		touchedAddrs[addr] = cp
		return cp, nil
	}

	put := func(key, value []byte) error {
		if batch != nil {
			return batch.Put(key, value)
		}
		return s.db.Put(key, value)
	}
	del := func(key []byte) error {
		if batch != nil {
			return batch.Delete(key)
		}
		return s.db.Delete(key)
	}

	for _, t := range b.Transactions {
		txHash := t.Hash()
		for idx, out := range t.Outputs {
			u := &UTXO{TxHash: txHash, Index: uint32(idx), Value: out.Value, Owner: out.Owner}
			data, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("utxo: marshal output %d of %s: %w", idx, txHash, err)
			}
			if err := put(utxoKey(u.Outpoint()), data); err != nil {
				return err
			}
			set, err := touch(out.Owner)
			if err != nil {
				return err
			}
			set[u.Outpoint().String()] = struct{}{}
		}

		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			op := types.Outpoint{TxID: in.PrevTxHash, Index: in.Index}
			spent, err := s.getLocked(op)
			if err != nil {
				return fmt.Errorf("utxo: apply: spent input %s not found: %w", op, err)
			}
			if err := del(utxoKey(op)); err != nil {
				return err
			}
			set, err := touch(spent.Owner)
			if err != nil {
				return err
			}
			delete(set, op.String())
		}
	}

	if err := s.setHeight(batch, b.Header.Height); err != nil {
		return err
	}

	if batch != nil {
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("utxo: commit apply batch: %w", err)
		}
	}

	for addr, set := range touchedAddrs {
		s.addrCache.Add(addr, set)
	}
	for _, t := range b.Transactions {
		txHash := t.Hash()
		for idx, out := range t.Outputs {
			u := &UTXO{TxHash: txHash, Index: uint32(idx), Value: out.Value, Owner: out.Owner}
			s.utxoCache.Add(u.Outpoint(), u)
		}
		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			s.utxoCache.Remove(types.Outpoint{TxID: in.PrevTxHash, Index: in.Index})
		}
	}
	return nil
}

// Rollback is the exact inverse of Apply for block b: it removes b's
// outputs and restores each spent input by looking up the producing
// transaction through chain (which must still have it, since blocks are
// rolled back newest-first).
func (s *Set) Rollback(b *block.Block, chain ChainReader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch storage.Batch
	if batcher, ok := s.db.(storage.Batcher); ok {
		batch = batcher.NewBatch()
	}
	put := func(key, value []byte) error {
		if batch != nil {
			return batch.Put(key, value)
		}
		return s.db.Put(key, value)
	}
	del := func(key []byte) error {
		if batch != nil {
			return batch.Delete(key)
		}
		return s.db.Delete(key)
	}

	touchedAddrs := make(map[types.Address]map[string]struct{})
	touch := func(addr types.Address) (map[string]struct{}, error) {
		if set, ok := touchedAddrs[addr]; ok {
			return set, nil
		}
		set, err := s.loadAddrSetLocked(addr)
		if err != nil {
			return nil, err
		}
		cp := make(map[string]struct{}, len(set))
		for k := range set {
			cp[k] = struct{}{}
		}
		touchedAddrs[addr] = cp
		return cp, nil
	}

	for _, t := range b.Transactions {
		txHash := t.Hash()
		for idx, out := range t.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(idx)}
			if err := del(utxoKey(op)); err != nil {
				return err
			}
			set, err := touch(out.Owner)
			if err != nil {
				return err
			}
			delete(set, op.String())
		}

		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			op := types.Outpoint{TxID: in.PrevTxHash, Index: in.Index}
			prevTx, err := chain.GetTx(in.PrevTxHash)
			if err != nil {
				return fmt.Errorf("utxo: rollback: producing tx %s not found: %w", in.PrevTxHash, err)
			}
			if int(in.Index) >= len(prevTx.Outputs) {
				return fmt.Errorf("utxo: rollback: output index %d of %s out of range", in.Index, in.PrevTxHash)
			}
			spentOut := prevTx.Outputs[in.Index]
			u := &UTXO{TxHash: in.PrevTxHash, Index: in.Index, Value: spentOut.Value, Owner: spentOut.Owner}
			data, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("utxo: marshal restored utxo %s: %w", op, err)
			}
			if err := put(utxoKey(op), data); err != nil {
				return err
			}
			set, err := touch(spentOut.Owner)
			if err != nil {
				return err
			}
			set[op.String()] = struct{}{}
		}
	}

	newHeight := uint64(0)
	if b.Header.Height > 0 {
		newHeight = b.Header.Height - 1
	}
	if err := s.setHeight(batch, newHeight); err != nil {
		return err
	}

	if batch != nil {
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("utxo: commit rollback batch: %w", err)
		}
	}

	for addr, set := range touchedAddrs {
		s.addrCache.Add(addr, set)
	}
	for _, t := range b.Transactions {
		txHash := t.Hash()
		for idx := range t.Outputs {
			s.utxoCache.Remove(types.Outpoint{TxID: txHash, Index: uint32(idx)})
		}
	}
	return nil
}

// FindByAddress returns every UTXO currently owned by addr, via the
// secondary address index.
func (s *Set) FindByAddress(addr types.Address) (map[types.Outpoint]*UTXO, error) {
	s.mu.Lock()
	set, err := s.loadAddrSetLocked(addr)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	result := make(map[types.Outpoint]*UTXO, len(keys))
	for _, k := range keys {
		op, err := parseOutpointKey(k)
		if err != nil {
			continue
		}
		u, err := s.Get(op)
		if err != nil {
			continue // Spent since the index snapshot was taken.
		}
		result[op] = u
	}
	return result, nil
}

func parseOutpointKey(s string) (types.Outpoint, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			hash, err := types.HexToHash(s[:i])
			if err != nil {
				return types.Outpoint{}, err
			}
			idx, err := strconv.ParseUint(s[i+1:], 10, 32)
			if err != nil {
				return types.Outpoint{}, err
			}
			return types.Outpoint{TxID: hash, Index: uint32(idx)}, nil
		}
	}
	return types.Outpoint{}, fmt.Errorf("utxo: malformed outpoint key %q", s)
}

// Reindex brings the UTXO Set up to chain's head: a full scan from genesis
// if the height key (keyUTXOHeight) is unset, otherwise a forward-apply of every block after
// the set's current height.
func (s *Set) Reindex(chain ChainReader, headHeight uint64) error {
	start := uint64(0)
	if h, ok := s.Height(); ok {
		start = h + 1
	}
	for h := start; h <= headHeight; h++ {
		b, err := chain.GetByHeight(h)
		if err != nil {
			return fmt.Errorf("utxo: reindex: load block %d: %w", h, err)
		}
		if err := s.Apply(b); err != nil {
			return fmt.Errorf("utxo: reindex: apply block %d: %w", h, err)
		}
	}
	return nil
}
