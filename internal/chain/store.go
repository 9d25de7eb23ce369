// Package chain implements the persistent chain store: blocks, transactions,
// and the canonical head pointer, backed by a single KV namespace and a set
// of bounded LRU caches.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chronoledger/ledgerd/internal/storage"
	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/crypto"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// Cache sizes per the spec's Chain Store budget: ~500 blocks, ~30000 txs,
// ~2000 height->hash mappings.
const (
	blockCacheSize  = 500
	txCacheSize     = 30_000
	heightCacheSize = 2_000
)

var (
	// ErrNotFound is returned when a block, tx, or the head pointer is absent.
	ErrNotFound = errors.New("chain: not found")
	// ErrEmptyChain is returned by Rollback when there is no head to remove.
	ErrEmptyChain = errors.New("chain: no head to roll back")
	// ErrVerifyFailed wraps a VerifyBlock signature/lookup failure. Per the
	// error taxonomy this is a verification error, not fatal: callers reject
	// the block but keep the session alive.
	ErrVerifyFailed = errors.New("chain: block verification failed")
)

// latestPointer is the JSON value stored at the "latest" key.
type latestPointer struct {
	Hash string `json:"hash"`
}

func blockHeightKey(h uint64) []byte {
	return []byte("block#" + strconv.FormatUint(h, 10))
}

func blockHashKey(h types.Hash) []byte {
	return []byte("block#" + h.String())
}

func txKey(h types.Hash) []byte {
	return []byte("tx#" + h.String())
}

var keyLatest = []byte("latest")

// Store is the Chain Store: it exclusively owns persisted blocks, transaction
// bytes, and the chain head. Only the Merge Engine may call InsertBlock or
// Rollback; every other component only reads.
type Store struct {
	db storage.DB

	mu         sync.RWMutex
	headHash   types.Hash
	headHeight uint64
	hasHead    bool

	blockCache  *lru.Cache[types.Hash, *block.Block]
	txCache     *lru.Cache[types.Hash, *tx.Transaction]
	heightCache *lru.Cache[uint64, types.Hash]
}

// New constructs a Store over db and loads the current head, if any.
func New(db storage.DB) (*Store, error) {
	blockCache, err := lru.New[types.Hash, *block.Block](blockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("chain: new block cache: %w", err)
	}
	txCache, err := lru.New[types.Hash, *tx.Transaction](txCacheSize)
	if err != nil {
		return nil, fmt.Errorf("chain: new tx cache: %w", err)
	}
	heightCache, err := lru.New[uint64, types.Hash](heightCacheSize)
	if err != nil {
		return nil, fmt.Errorf("chain: new height cache: %w", err)
	}

	s := &Store{
		db:          db,
		blockCache:  blockCache,
		txCache:     txCache,
		heightCache: heightCache,
	}

	if err := s.loadHead(); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadHead() error {
	raw, err := s.db.Get(keyLatest)
	if err != nil {
		return ErrNotFound
	}
	var ptr latestPointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return fmt.Errorf("chain: decode latest pointer: %w", err)
	}
	hash, err := types.HexToHash(ptr.Hash)
	if err != nil {
		return fmt.Errorf("chain: decode latest hash: %w", err)
	}
	b, err := s.getByHashLocked(hash)
	if err != nil {
		return fmt.Errorf("chain: latest points at missing block: %w", err)
	}
	s.headHash = hash
	s.headHeight = b.Header.Height
	s.hasHead = true
	return nil
}

// GetLatest returns the cached chain head and its hash.
func (s *Store) GetLatest() (*block.Block, types.Hash, error) {
	s.mu.RLock()
	hasHead, hash := s.hasHead, s.headHash
	s.mu.RUnlock()
	if !hasHead {
		return nil, types.Hash{}, ErrNotFound
	}
	b, err := s.GetByHash(hash)
	if err != nil {
		return nil, types.Hash{}, err
	}
	return b, hash, nil
}

// Height returns the current head height and whether a head exists.
func (s *Store) Height() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headHeight, s.hasHead
}

// GetByHeight resolves the block hash at h via the height index, then loads
// the block by hash.
func (s *Store) GetByHeight(h uint64) (*block.Block, error) {
	if hash, ok := s.heightCache.Get(h); ok {
		return s.GetByHash(hash)
	}

	raw, err := s.db.Get(blockHeightKey(h))
	if err != nil {
		return nil, ErrNotFound
	}
	hash, err := types.HexToHash(string(raw))
	if err != nil {
		return nil, fmt.Errorf("chain: decode height index at %d: %w", h, err)
	}
	s.heightCache.Add(h, hash)
	return s.GetByHash(hash)
}

// GetByHash loads a block by its self-hash, checking the cache first.
func (s *Store) GetByHash(hash types.Hash) (*block.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getByHashLocked(hash)
}

func (s *Store) getByHashLocked(hash types.Hash) (*block.Block, error) {
	if b, ok := s.blockCache.Get(hash); ok {
		return b, nil
	}
	raw, err := s.db.Get(blockHashKey(hash))
	if err != nil {
		return nil, ErrNotFound
	}
	var b block.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("chain: decode block %s: %w", hash, err)
	}
	s.blockCache.Add(hash, &b)
	return &b, nil
}

// GetTx loads a transaction by its canonical hash.
func (s *Store) GetTx(hash types.Hash) (*tx.Transaction, error) {
	if t, ok := s.txCache.Get(hash); ok {
		return t, nil
	}
	raw, err := s.db.Get(txKey(hash))
	if err != nil {
		return nil, ErrNotFound
	}
	var t tx.Transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("chain: decode tx %s: %w", hash, err)
	}
	s.txCache.Add(hash, &t)
	return &t, nil
}

// InsertBlock writes, in order, block bytes, per-tx bytes, and the
// height->hash index, then updates the "latest" pointer last so a crash
// mid-write never leaves "latest" pointing at a missing block.
func (s *Store) InsertBlock(b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := b.Header.SelfHash
	blockBytes, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("chain: marshal block: %w", err)
	}

	if batcher, ok := s.db.(storage.Batcher); ok {
		batch := batcher.NewBatch()
		if err := batch.Put(blockHashKey(hash), blockBytes); err != nil {
			return err
		}
		for _, t := range b.Transactions {
			txBytes, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("chain: marshal tx: %w", err)
			}
			if err := batch.Put(txKey(t.Hash()), txBytes); err != nil {
				return err
			}
		}
		if err := batch.Put(blockHeightKey(b.Header.Height), []byte(hash.String())); err != nil {
			return err
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("chain: commit insert batch: %w", err)
		}
	} else {
		if err := s.db.Put(blockHashKey(hash), blockBytes); err != nil {
			return err
		}
		for _, t := range b.Transactions {
			txBytes, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("chain: marshal tx: %w", err)
			}
			if err := s.db.Put(txKey(t.Hash()), txBytes); err != nil {
				return err
			}
		}
		if err := s.db.Put(blockHeightKey(b.Header.Height), []byte(hash.String())); err != nil {
			return err
		}
	}

	ptrBytes, err := json.Marshal(latestPointer{Hash: hash.String()})
	if err != nil {
		return fmt.Errorf("chain: marshal latest pointer: %w", err)
	}
	if err := s.db.Put(keyLatest, ptrBytes); err != nil {
		return fmt.Errorf("chain: write latest pointer: %w", err)
	}

	s.blockCache.Add(hash, b)
	s.heightCache.Add(b.Header.Height, hash)
	for _, t := range b.Transactions {
		s.txCache.Add(t.Hash(), t)
	}
	s.headHash = hash
	s.headHeight = b.Header.Height
	s.hasHead = true
	return nil
}

// Rollback removes the current head block and its per-tx records, evicts
// their caches, and moves "latest" back to the removed block's prevHash. It
// returns the removed block so the caller (the Merge Engine) can restore its
// non-coinbase transactions to the mempool and unwind the UTXO Set.
func (s *Store) Rollback() (*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasHead {
		return nil, ErrEmptyChain
	}

	removed, err := s.getByHashLocked(s.headHash)
	if err != nil {
		return nil, fmt.Errorf("chain: load head for rollback: %w", err)
	}

	s.blockCache.Remove(s.headHash)
	s.heightCache.Remove(s.headHeight)
	for _, t := range removed.Transactions {
		s.txCache.Remove(t.Hash())
	}

	if err := s.db.Delete(blockHashKey(s.headHash)); err != nil {
		return nil, fmt.Errorf("chain: delete block: %w", err)
	}
	if err := s.db.Delete(blockHeightKey(s.headHeight)); err != nil {
		return nil, fmt.Errorf("chain: delete height index: %w", err)
	}
	for _, t := range removed.Transactions {
		if err := s.db.Delete(txKey(t.Hash())); err != nil {
			return nil, fmt.Errorf("chain: delete tx: %w", err)
		}
	}

	if s.headHeight == 0 {
		if err := s.db.Delete(keyLatest); err != nil {
			return nil, fmt.Errorf("chain: clear latest pointer: %w", err)
		}
		s.hasHead = false
		s.headHash = types.Hash{}
		s.headHeight = 0
		return removed, nil
	}

	prevHash := removed.Header.PrevHash
	prevBlock, err := s.getByHashLocked(prevHash)
	if err != nil {
		return nil, fmt.Errorf("chain: load new head %s after rollback: %w", prevHash, err)
	}
	ptrBytes, err := json.Marshal(latestPointer{Hash: prevHash.String()})
	if err != nil {
		return nil, fmt.Errorf("chain: marshal latest pointer: %w", err)
	}
	if err := s.db.Put(keyLatest, ptrBytes); err != nil {
		return nil, fmt.Errorf("chain: write latest pointer: %w", err)
	}
	s.headHash = prevHash
	s.headHeight = prevBlock.Header.Height
	return removed, nil
}

// VerifyBlock checks every non-coinbase transaction's input signatures. For
// input i of transaction t, it loads the referenced previous transaction via
// GetTx, takes the owner of the spent output, and verifies the signature
// against t.SigningDigest(i, owner). A missing previous transaction or a bad
// signature is a verification failure, not a fatal error.
func (s *Store) VerifyBlock(b *block.Block) error {
	verifier := crypto.SchnorrVerifier{}
	for ti, t := range b.Transactions {
		if t.IsCoinbase() {
			continue
		}
		for i, in := range t.Inputs {
			prevTx, err := s.GetTx(in.PrevTxHash)
			if err != nil {
				return fmt.Errorf("%w: tx %d input %d: previous tx %s: %v", ErrVerifyFailed, ti, i, in.PrevTxHash, err)
			}
			if int(in.Index) >= len(prevTx.Outputs) {
				return fmt.Errorf("%w: tx %d input %d: output index %d out of range", ErrVerifyFailed, ti, i, in.Index)
			}
			owner := prevTx.Outputs[in.Index].Owner
			digest := t.SigningDigest(i, owner)
			if !verifier.Verify(digest[:], in.Signature, in.PubKey) {
				return fmt.Errorf("%w: tx %d input %d: signature invalid", ErrVerifyFailed, ti, i)
			}
		}
	}
	return nil
}
