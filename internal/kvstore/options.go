package kvstore

import "github.com/dgraph-io/badger/v4/options"

type storeOptions struct {
	compression     options.CompressionType
	blockCacheSize  int64
	indexCacheSize  int64
	inMemory        bool
	requireExisting bool
}

func defaultOptions() storeOptions {
	return storeOptions{
		compression:    options.ZSTD,
		blockCacheSize: 64 << 20,
		indexCacheSize: 32 << 20,
	}
}

// Option configures Open.
type Option func(*storeOptions)

// WithInMemory opens an in-memory-only database, used by tests and by a
// test implementation of the KV backend interface (spec §9).
func WithInMemory() Option {
	return func(o *storeOptions) { o.inMemory = true }
}

// WithRequireExisting makes Open fail with ErrDatabaseNotFound instead of
// creating a new database when path does not already hold one.
func WithRequireExisting() Option {
	return func(o *storeOptions) { o.requireExisting = true }
}

// WithCompression overrides the on-disk block compression codec. The
// default, ZSTD, comfortably clears the "compressible payload shrinks
// >= 2x" requirement in spec §4.2.
func WithCompression(c options.CompressionType) Option {
	return func(o *storeOptions) { o.compression = c }
}
