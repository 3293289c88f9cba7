// Package index implements the triple index (spec §4.5): three flat
// 24-byte presence-key orderings of every triple (spo, pos, osp), chosen
// per lookup pattern so that bound fields always form a contiguous prefix,
// and so that the result set can always stream rather than materialise.
//
// This deliberately diverges from the teacher's roaring-bitmap-per-bucket
// scheme (db.go's subjectIdx/predicateIdx maps of *roaring.Bitmap): a flat
// presence key lets lookup seek directly to the matching prefix range
// without ever building a bitmap, which is what a lazy streaming cursor
// over arbitrarily large result sets requires.
package index

import (
	"encoding/binary"

	"github.com/boutros/triplestore/internal/kvstore"
)

// Triple is three dictionary-assigned term IDs in canonical (s,p,o) order.
type Triple struct {
	S, P, O uint64
}

// Pattern is a triple lookup pattern: a nil field is an unbound variable.
type Pattern struct {
	S, P, O *uint64
}

// Bind returns a Pattern with v pinned to a value.
func Bind(v uint64) *uint64 { return &v }

// Reader is the read surface an Index needs: either a *kvstore.Store (for
// reads outside a transaction) or a *kvstore.Snapshot (for a consistent
// view pinned to one update or query).
type Reader interface {
	Get(ks kvstore.Keyspace, key []byte) ([]byte, error)
	PrefixIter(ks kvstore.Keyspace, prefix []byte) *kvstore.Iterator
}

// Index is the triple index over a key-value store.
type Index struct {
	kv *kvstore.Store
}

// New constructs an Index over kv.
func New(kv *kvstore.Store) *Index {
	return &Index{kv: kv}
}

func put8(dst []byte, v uint64) {
	binary.BigEndian.PutUint64(dst, v)
}

// SPOKey, POSKey and OSPKey expose the three flat key encodings so callers
// assembling their own write batches (e.g. the transaction manager) can
// build ops without duplicating the byte layout.
func SPOKey(t Triple) []byte { return spoKey(t) }
func POSKey(t Triple) []byte { return posKey(t) }
func OSPKey(t Triple) []byte { return ospKey(t) }

func spoKey(t Triple) []byte {
	k := make([]byte, 24)
	put8(k[0:8], t.S)
	put8(k[8:16], t.P)
	put8(k[16:24], t.O)
	return k
}

func posKey(t Triple) []byte {
	k := make([]byte, 24)
	put8(k[0:8], t.P)
	put8(k[8:16], t.O)
	put8(k[16:24], t.S)
	return k
}

func ospKey(t Triple) []byte {
	k := make([]byte, 24)
	put8(k[0:8], t.O)
	put8(k[8:16], t.S)
	put8(k[16:24], t.P)
	return k
}

// Insert adds t, idempotently: re-inserting an existing triple is a no-op
// that still reports success.
func (ix *Index) Insert(t Triple) error {
	return ix.InsertMany([]Triple{t})
}

// InsertMany adds ts as a single atomic batch across spo/pos/osp.
func (ix *Index) InsertMany(ts []Triple) error {
	ops := make([]kvstore.Op, 0, len(ts)*3)
	for _, t := range ts {
		ops = append(ops,
			kvstore.Op{Keyspace: kvstore.KeyspaceSPO, Key: spoKey(t), Value: []byte{}},
			kvstore.Op{Keyspace: kvstore.KeyspacePOS, Key: posKey(t), Value: []byte{}},
			kvstore.Op{Keyspace: kvstore.KeyspaceOSP, Key: ospKey(t), Value: []byte{}},
		)
	}
	return ix.kv.WriteBatch(ops, false)
}

// Delete removes t if present, reporting how many triples were actually
// removed (0 or 1). Deleting a missing triple is not an error.
func (ix *Index) Delete(t Triple) (int, error) {
	return ix.DeleteMany([]Triple{t})
}

// DeleteMany removes each of ts if present, in a single atomic batch, and
// reports the total number actually removed.
func (ix *Index) DeleteMany(ts []Triple) (int, error) {
	ops := make([]kvstore.Op, 0, len(ts)*3)
	removed := 0
	for _, t := range ts {
		ok, err := ix.Contains(t)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		removed++
		ops = append(ops,
			kvstore.Op{Keyspace: kvstore.KeyspaceSPO, Key: spoKey(t), Delete: true},
			kvstore.Op{Keyspace: kvstore.KeyspacePOS, Key: posKey(t), Delete: true},
			kvstore.Op{Keyspace: kvstore.KeyspaceOSP, Key: ospKey(t), Delete: true},
		)
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := ix.kv.WriteBatch(ops, false); err != nil {
		return 0, err
	}
	return removed, nil
}

// Contains is a point lookup in spo.
func (ix *Index) Contains(t Triple) (bool, error) {
	return contains(ix.kv, t)
}

func contains(r Reader, t Triple) (bool, error) {
	_, err := r.Get(kvstore.KeyspaceSPO, spoKey(t))
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// plan describes which keyspace to scan, the seek prefix, and how to map
// that keyspace's 8-byte field order back to canonical (s,p,o).
type plan struct {
	ks     kvstore.Keyspace
	prefix []byte
	// order[i] tells which canonical field (0=s,1=p,2=o) occupies the i-th
	// 8-byte slot of a full 24-byte key in ks.
	order [3]int
}

// planFor chooses the index whose ordering places pattern's bound fields
// as a contiguous prefix (spec §4.5's lookup table).
func planFor(pat Pattern) plan {
	switch {
	case pat.S != nil && pat.P != nil && pat.O != nil:
		return plan{kvstore.KeyspaceSPO, spoKey(Triple{*pat.S, *pat.P, *pat.O}), [3]int{0, 1, 2}}
	case pat.S != nil && pat.P != nil:
		return plan{kvstore.KeyspaceSPO, concat8(*pat.S, *pat.P), [3]int{0, 1, 2}}
	case pat.S != nil && pat.O == nil:
		return plan{kvstore.KeyspaceSPO, concat8(*pat.S), [3]int{0, 1, 2}}
	case pat.P != nil && pat.O != nil:
		return plan{kvstore.KeyspacePOS, concat8(*pat.P, *pat.O), [3]int{1, 2, 0}}
	case pat.P != nil:
		return plan{kvstore.KeyspacePOS, concat8(*pat.P), [3]int{1, 2, 0}}
	case pat.S != nil && pat.O != nil:
		// bind-reorder: osp's first two fields are o,s - both bound here.
		return plan{kvstore.KeyspaceOSP, concat8(*pat.O, *pat.S), [3]int{2, 0, 1}}
	case pat.O != nil:
		return plan{kvstore.KeyspaceOSP, concat8(*pat.O), [3]int{2, 0, 1}}
	default:
		return plan{kvstore.KeyspaceSPO, nil, [3]int{0, 1, 2}}
	}
}

func concat8(vs ...uint64) []byte {
	out := make([]byte, 8*len(vs))
	for i, v := range vs {
		put8(out[i*8:i*8+8], v)
	}
	return out
}

// Cursor streams triples matching a Lookup pattern, without ever
// materialising the full result set.
type Cursor struct {
	it    *kvstore.Iterator
	order [3]int
}

// Valid reports whether the cursor is positioned on a usable triple.
func (c *Cursor) Valid() bool { return c.it.Valid() }

// Next advances the cursor.
func (c *Cursor) Next() { c.it.Next() }

// Triple decodes the current entry into canonical (s,p,o) order.
func (c *Cursor) Triple() Triple {
	k := c.it.Key()
	var fields [3]uint64
	for slot := 0; slot < 3; slot++ {
		fields[c.order[slot]] = binary.BigEndian.Uint64(k[slot*8 : slot*8+8])
	}
	return Triple{S: fields[0], P: fields[1], O: fields[2]}
}

// Close releases the cursor's underlying iterator.
func (c *Cursor) Close() { c.it.Close() }

// Lookup streams every triple matching pattern from the index's live view.
func (ix *Index) Lookup(pattern Pattern) *Cursor {
	return lookup(ix.kv, pattern)
}

// LookupSnapshot streams every triple matching pattern as of snap.
func (ix *Index) LookupSnapshot(snap *kvstore.Snapshot, pattern Pattern) *Cursor {
	return lookup(snap, pattern)
}

func lookup(r Reader, pattern Pattern) *Cursor {
	p := planFor(pattern)
	return &Cursor{it: r.PrefixIter(p.ks, p.prefix), order: p.order}
}

// Count counts matches for pattern without materialising them.
func (ix *Index) Count(pattern Pattern) (uint64, error) {
	c := ix.Lookup(pattern)
	defer c.Close()
	var n uint64
	for c.Valid() {
		n++
		c.Next()
	}
	return n, nil
}
