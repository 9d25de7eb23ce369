// Package storage provides database abstractions.
package storage

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch accumulates writes to be applied atomically. A block's worth of
// UTXO mutations is staged through a Batch and committed in one call so a
// crash mid-application can never leave the set half-updated.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by DBs that support atomic batched writes.
type Batcher interface {
	NewBatch() Batch
}
