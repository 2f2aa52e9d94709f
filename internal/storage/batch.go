package storage

// Batch accumulates a set of writes for atomic commit. Callers must call
// Commit to make the writes visible; a batch that is discarded without a
// Commit call has no effect.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by a DB that can produce an atomic write batch.
// Not every DB backend needs to support it: callers fall back to sequential
// individual writes when a DB doesn't implement Batcher.
type Batcher interface {
	NewBatch() Batch
}
