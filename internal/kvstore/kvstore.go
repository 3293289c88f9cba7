// Package kvstore is a thin typed wrapper over an embedded, ordered,
// log-structured key-value store (Badger) providing the named-keyspace,
// prefix-iteration, atomic-batch and snapshot primitives the rest of the
// core is built on (spec §4.2).
//
// Named keyspaces ("column families" in LSM jargon) are modelled the way
// the retrieval pack's Badger users model multiple logical tables on top
// of Badger's single keyspace: a one-byte prefix glued in front of every
// key.
package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Sentinel errors (spec §7 "Resource"/"Not found" kinds).
var (
	ErrNotFound            = errors.New("not_found")
	ErrDatabaseNotFound    = errors.New("database_not_found")
	ErrPathTraversalAttempt = errors.New("path_traversal_attempt")
	ErrAlreadyClosed       = errors.New("already_closed")
)

// Keyspace is a named logical namespace within the store.
type Keyspace byte

// The keyspaces required by spec §4.2, plus the statistics blob keyspace.
const (
	KeyspaceStr2ID Keyspace = iota + 1
	KeyspaceID2Str
	KeyspaceSPO
	KeyspacePOS
	KeyspaceOSP
	KeyspaceSeq
	KeyspaceStats
)

func prefixed(ks Keyspace, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(ks)
	copy(out[1:], key)
	return out
}

// Store is a handle to an open embedded database.
type Store struct {
	db     *badger.DB
	closed bool
}

// Open opens (creating if necessary) the database at path. path must not
// contain ".." path-traversal segments.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.Contains(filepath.Clean(path), "..") {
		return nil, ErrPathTraversalAttempt
	}

	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	bopts := badger.DefaultOptions(path).
		WithCompression(o.compression).
		WithBlockCacheSize(o.blockCacheSize).
		WithIndexCacheSize(o.indexCacheSize).
		WithLogger(nil)

	if o.inMemory {
		bopts = bopts.WithInMemory(true)
	} else if o.requireExisting {
		if _, err := os.Stat(filepath.Join(path, "MANIFEST")); err != nil {
			return nil, ErrDatabaseNotFound
		}
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	if s.closed {
		return ErrAlreadyClosed
	}
	s.closed = true
	return s.db.Close()
}

// IsOpen reports whether the store has not yet been Closed.
func (s *Store) IsOpen() bool {
	return !s.closed
}

// Size reports the on-disk size of the database (LSM tree plus value log).
func (s *Store) Size() (int64, error) {
	lsm, vlog := s.db.Size()
	return lsm + vlog, nil
}

// Put writes a single key/value in its own atomic transaction.
func (s *Store) Put(ks Keyspace, key, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(prefixed(ks, key), val)
	})
}

// Get reads a single value, returning ErrNotFound if key is absent.
func (s *Store) Get(ks Keyspace, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefixed(ks, key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// Delete removes key from ks. Deleting a missing key is not an error.
func (s *Store) Delete(ks Keyspace, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(prefixed(ks, key))
	})
}

// Op is a single write in a WriteBatch.
type Op struct {
	Keyspace Keyspace
	Key      []byte
	Value    []byte // written as-is (nil writes an empty value) unless Delete is set
	Delete   bool
}

// WriteBatch applies ops atomically: either all writes commit or none do.
// sync forces a WAL fsync before returning.
func (s *Store) WriteBatch(ops []Op, sync bool) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			k := prefixed(op.Keyspace, op.Key)
			if op.Delete {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || !sync {
		return err
	}
	return s.db.Sync()
}

// FlushWAL forces a durability sync of the write-ahead log.
func (s *Store) FlushWAL(sync bool) error {
	if !sync {
		return nil
	}
	return s.db.Sync()
}

// Iterator streams key/value pairs within a keyspace, bounded by a prefix.
// It never loads the whole result set into memory.
type Iterator struct {
	it     *badger.Iterator
	txn    *badger.Txn
	ks     Keyspace
	prefix []byte
	closed bool
}

// Valid reports whether the iterator is positioned on a usable entry.
func (it *Iterator) Valid() bool {
	if it.closed || !it.it.ValidForPrefix(prefixed(it.ks, it.prefix)) {
		return false
	}
	return true
}

// Next advances the iterator.
func (it *Iterator) Next() {
	it.it.Next()
}

// Key returns the current entry's key with the keyspace prefix stripped.
func (it *Iterator) Key() []byte {
	k := it.it.Item().KeyCopy(nil)
	return k[1:]
}

// Value returns the current entry's value.
func (it *Iterator) Value() ([]byte, error) {
	return it.it.Item().ValueCopy(nil)
}

// Close releases the iterator and, if this iterator owns its transaction
// (as opposed to one scoped to a longer-lived Snapshot), the transaction too.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.it.Close()
	if it.txn != nil {
		it.txn.Discard()
	}
}

// PrefixIter returns a lazy iterator over every key in ks starting with
// prefix. The iterator owns its own read transaction so it is safe to hold
// across an arbitrary number of Next calls.
func (s *Store) PrefixIter(ks Keyspace, prefix []byte) *Iterator {
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixed(ks, prefix)
	it := txn.NewIterator(opts)
	it.Seek(opts.Prefix)
	return &Iterator{it: it, txn: txn, ks: ks, prefix: prefix}
}

// Snapshot is an immutable read view pinned at the moment Snapshot was
// created; it survives arbitrary concurrent writes (Badger's native MVCC).
type Snapshot struct {
	txn *badger.Txn
}

// SnapshotCreate acquires a new read snapshot.
func (s *Store) SnapshotCreate() *Snapshot {
	return &Snapshot{txn: s.db.NewTransaction(false)}
}

// Get reads a key as of the moment the snapshot was taken.
func (snap *Snapshot) Get(ks Keyspace, key []byte) ([]byte, error) {
	item, err := snap.txn.Get(prefixed(ks, key))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var out []byte
	err = item.Value(func(v []byte) error {
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// PrefixIter returns a lazy iterator scoped to this snapshot's read view.
func (snap *Snapshot) PrefixIter(ks Keyspace, prefix []byte) *Iterator {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixed(ks, prefix)
	it := snap.txn.NewIterator(opts)
	it.Seek(opts.Prefix)
	return &Iterator{it: it, txn: nil, ks: ks, prefix: prefix}
}

// Close releases the snapshot's backing transaction. Safe to call once;
// callers that need idempotent release semantics (spec §3.6) implement
// that bookkeeping in the snapshot registry, not here.
func (snap *Snapshot) Close() {
	snap.txn.Discard()
}
