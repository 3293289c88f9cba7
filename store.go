// Package triplestore is the façade the planner/loader call (spec §6.5):
// it wires the dictionary, triple index, sequence allocator, snapshot
// registry, statistics collector and transaction manager into one handle
// over a single embedded key-value backend.
package triplestore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/boutros/triplestore/internal/backupstate"
	"github.com/boutros/triplestore/internal/dict"
	"github.com/boutros/triplestore/internal/index"
	"github.com/boutros/triplestore/internal/kvstore"
	"github.com/boutros/triplestore/internal/seq"
	"github.com/boutros/triplestore/internal/snapshot"
	"github.com/boutros/triplestore/internal/stats"
	"github.com/boutros/triplestore/internal/txn"
	"github.com/boutros/triplestore/rdf"
)

// DefaultImportBatchSize mirrors the teacher's db.Import batching: triples
// decoded from the input are accumulated into a Graph and flushed to the
// store every DefaultImportBatchSize triples.
const DefaultImportBatchSize = 10000

// ErrTypeMismatch is returned when a term used as a triple position is not
// the kind that position requires.
var ErrTypeMismatch = errors.New("type_mismatch")

// Triple is a triple of RDF terms, the façade's unit of insert/delete.
type Triple struct {
	Subject   rdf.Term
	Predicate rdf.URI
	Object    rdf.Term
}

// Store is an open handle to an embedded RDF triple store.
type Store struct {
	kv    *kvstore.Store
	alloc *seq.Allocator
	dict  *dict.Dictionary
	idx   *index.Index
	stats *stats.Collector
	snaps *snapshot.Registry
	txm   *txn.Manager
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	kv     []kvstore.Option
	dict   []dict.Option
	snap   []snapshot.Option
	txn    []txn.Option
	flush  uint64
	setSeq bool
}

// WithKVOptions forwards options to the underlying kvstore.Open.
func WithKVOptions(opts ...kvstore.Option) Option {
	return func(o *openOptions) { o.kv = append(o.kv, opts...) }
}

// WithDictOptions forwards options to the dictionary constructor.
func WithDictOptions(opts ...dict.Option) Option {
	return func(o *openOptions) { o.dict = append(o.dict, opts...) }
}

// WithSnapshotOptions forwards options to the snapshot registry.
func WithSnapshotOptions(opts ...snapshot.Option) Option {
	return func(o *openOptions) { o.snap = append(o.snap, opts...) }
}

// WithTxnOptions forwards options to the transaction manager.
func WithTxnOptions(opts ...txn.Option) Option {
	return func(o *openOptions) { o.txn = append(o.txn, opts...) }
}

// WithSequenceFlushInterval overrides how many allocations accumulate
// before the sequence allocator auto-flushes.
func WithSequenceFlushInterval(n uint64) Option {
	return func(o *openOptions) { o.flush = n; o.setSeq = true }
}

// Open opens (creating if necessary) the database at path and wires every
// core component over it.
func Open(path string, opts ...Option) (*Store, error) {
	o := &openOptions{}
	for _, fn := range opts {
		fn(o)
	}

	kv, err := kvstore.Open(path, o.kv...)
	if err != nil {
		return nil, err
	}

	var seqOpts []seq.Option
	if o.setSeq {
		seqOpts = append(seqOpts, seq.WithFlushInterval(o.flush))
	}
	alloc, err := seq.New(kv, seqOpts...)
	if err != nil {
		kv.Close()
		return nil, err
	}

	d := dict.New(kv, alloc, o.dict...)
	ix := index.New(kv)
	st := stats.New(kv, ix)
	snaps := snapshot.New(kv, o.snap...)

	s := &Store{kv: kv, alloc: alloc, dict: d, idx: ix, stats: st, snaps: snaps}
	txOpts := append([]txn.Option{txn.WithInvalidateFunc(s.invalidateCaches)}, o.txn...)
	s.txm = txn.New(kv, snaps, txOpts...)
	return s, nil
}

func (s *Store) invalidateCaches() {
	// Stats are recollected on demand (Refresh); there is no separate plan
	// cache in this core, so a net-change signal has nothing else to drop.
}

// Close flushes the sequence allocator, stops the snapshot registry's
// cleanup loop, and releases the database.
func (s *Store) Close() error {
	if err := s.alloc.Flush(); err != nil {
		s.kv.Close()
		return err
	}
	s.snaps.Close()
	s.dict.Close()
	return s.kv.Close()
}

func toDictTerm(t rdf.Term) (dict.Term, error) {
	switch v := t.(type) {
	case rdf.URI:
		return dict.URI(string(v)), nil
	case rdf.BlankNode:
		return dict.BlankNode(string(v)), nil
	case rdf.Literal:
		if v.Lang() != "" {
			return dict.LangLiteral(v.String(), v.Lang()), nil
		}
		return dict.PlainLiteral(v.String(), string(v.DataType())), nil
	default:
		return dict.Term{}, ErrTypeMismatch
	}
}

// GetOrCreateID returns t's stable dictionary ID, allocating one on first
// sight.
func (s *Store) GetOrCreateID(t rdf.Term) (uint64, error) {
	dt, err := toDictTerm(t)
	if err != nil {
		return 0, err
	}
	return s.dict.GetOrCreateID(dt)
}

// LookupID is a read-only variant of GetOrCreateID.
func (s *Store) LookupID(t rdf.Term) (uint64, error) {
	dt, err := toDictTerm(t)
	if err != nil {
		return 0, err
	}
	return s.dict.LookupID(dt)
}

// LookupTerm reverses a dictionary ID back to its rdf.Term.
func (s *Store) LookupTerm(id uint64) (rdf.Term, error) {
	dt, err := s.dict.LookupTerm(id)
	if err != nil {
		return nil, err
	}
	return fromDictTerm(dt), nil
}

func fromDictTerm(dt dict.Term) rdf.Term {
	switch dt.Kind {
	case dict.KindURI:
		return rdf.URI(dt.Value)
	case dict.KindBlankNode:
		return rdf.NewBlankNode(dt.Value)
	case dict.KindLiteralLang:
		return rdf.NewLangLiteral(dt.Lexical, dt.Lang)
	default:
		return rdf.NewTypedLiteral(dt.Lexical, rdf.URI(dt.Datatype))
	}
}

func (s *Store) resolveTriple(t Triple) (index.Triple, error) {
	sub, err := toDictTerm(t.Subject)
	if err != nil {
		return index.Triple{}, err
	}
	obj, err := toDictTerm(t.Object)
	if err != nil {
		return index.Triple{}, err
	}
	sid, err := s.dict.GetOrCreateID(sub)
	if err != nil {
		return index.Triple{}, err
	}
	pid, err := s.dict.GetOrCreateID(dict.URI(string(t.Predicate)))
	if err != nil {
		return index.Triple{}, err
	}
	oid, err := s.dict.GetOrCreateID(obj)
	if err != nil {
		return index.Triple{}, err
	}
	return index.Triple{S: sid, P: pid, O: oid}, nil
}

// lookupTripleIDs resolves t's positions to existing dictionary IDs,
// reporting ok=false (no error) if any position was never assigned one.
func (s *Store) lookupTripleIDs(t Triple) (it index.Triple, ok bool, err error) {
	sub, err := toDictTerm(t.Subject)
	if err != nil {
		return index.Triple{}, false, err
	}
	obj, err := toDictTerm(t.Object)
	if err != nil {
		return index.Triple{}, false, err
	}
	sid, err := s.dict.LookupID(sub)
	if errors.Is(err, kvstore.ErrNotFound) {
		return index.Triple{}, false, nil
	} else if err != nil {
		return index.Triple{}, false, err
	}
	pid, err := s.dict.LookupID(dict.URI(string(t.Predicate)))
	if errors.Is(err, kvstore.ErrNotFound) {
		return index.Triple{}, false, nil
	} else if err != nil {
		return index.Triple{}, false, err
	}
	oid, err := s.dict.LookupID(obj)
	if errors.Is(err, kvstore.ErrNotFound) {
		return index.Triple{}, false, nil
	} else if err != nil {
		return index.Triple{}, false, err
	}
	return index.Triple{S: sid, P: pid, O: oid}, true, nil
}

// Insert adds triples to the store, in a single atomic batch.
func (s *Store) Insert(triples []Triple) error {
	ts := make([]index.Triple, len(triples))
	for i, t := range triples {
		it, err := s.resolveTriple(t)
		if err != nil {
			return err
		}
		ts[i] = it
	}
	return s.idx.InsertMany(ts)
}

// Delete removes triples from the store, reporting how many were
// actually present.
func (s *Store) Delete(triples []Triple) (int, error) {
	ts := make([]index.Triple, 0, len(triples))
	for _, t := range triples {
		it, ok, err := s.lookupTripleIDs(t)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		ts = append(ts, it)
	}
	return s.idx.DeleteMany(ts)
}

// Contains reports whether t is present.
func (s *Store) Contains(t Triple) (bool, error) {
	it, ok, err := s.lookupTripleIDs(t)
	if err != nil || !ok {
		return false, err
	}
	return s.idx.Contains(it)
}

// LookupPattern streams every triple matching pattern.
func (s *Store) LookupPattern(pattern index.Pattern) *index.Cursor {
	return s.idx.Lookup(pattern)
}

// CountPattern counts matches for pattern without materialising them.
func (s *Store) CountPattern(pattern index.Pattern) (uint64, error) {
	return s.idx.Count(pattern)
}

// Statistics exposes the statistics collector's get/refresh operations.
type Statistics struct{ s *Store }

// Statistics returns the façade for statistics.get/refresh.
func (s *Store) Statistics() Statistics { return Statistics{s: s} }

// Get returns persisted-or-collected-and-saved statistics.
func (st Statistics) Get() (*stats.Stats, error) { return st.s.stats.Get() }

// Refresh forces recollection and overwrite.
func (st Statistics) Refresh() (*stats.Stats, error) { return st.s.stats.Refresh() }

// WithSnapshot runs fn against a freshly acquired snapshot, guaranteeing
// release on every exit path.
func (s *Store) WithSnapshot(ttl time.Duration, fn func(*kvstore.Snapshot) error) error {
	return s.snaps.WithSnapshot(ttl, fn)
}

// UpdateFunc is the body of a single serialised UPDATE.
type UpdateFunc func(tc *txn.Context) (netChange int, err error)

// Update runs fn as one serialised UPDATE (spec §4.8).
func (s *Store) Update(ctx context.Context, fn UpdateFunc) error {
	return s.txm.Update(ctx, fn)
}

// ImportGraph inserts every triple held by g as a single batch.
func (s *Store) ImportGraph(g *rdf.Graph) error {
	grts := g.Triples()
	ts := make([]Triple, len(grts))
	for i, tr := range grts {
		ts[i] = Triple{Subject: tr.Subj, Predicate: tr.Pred, Object: tr.Obj}
	}
	return s.Insert(ts)
}

// Import decodes Turtle/N-Triples statements from r and inserts them in
// batches of batchSize, returning the total number of triples imported.
// A statement that fails to parse is skipped, mirroring the teacher's
// best-effort Import loop.
func (s *Store) Import(r io.Reader, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultImportBatchSize
	}
	dec := rdf.NewDecoder(r)
	g := rdf.NewGraph()
	total := 0
	pending := 0
	for {
		tr, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		g.Insert(tr)
		pending++
		if pending == batchSize {
			if err := s.ImportGraph(g); err != nil {
				return total, err
			}
			total += pending
			pending = 0
			g = rdf.NewGraph()
		}
	}
	if pending > 0 {
		if err := s.ImportGraph(g); err != nil {
			return total, err
		}
		total += pending
	}
	return total, nil
}

// Describe returns a Graph holding every triple with node as subject, and
// also as object when asObject is true.
func (s *Store) Describe(node rdf.URI, asObject bool) (*rdf.Graph, error) {
	g := rdf.NewGraph()
	nid, err := s.dict.LookupID(dict.URI(string(node)))
	if errors.Is(err, kvstore.ErrNotFound) {
		return g, nil
	} else if err != nil {
		return nil, err
	}

	if err := s.describeInto(g, index.Pattern{S: index.Bind(nid)}); err != nil {
		return nil, err
	}
	if asObject {
		if err := s.describeInto(g, index.Pattern{O: index.Bind(nid)}); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (s *Store) describeInto(g *rdf.Graph, pattern index.Pattern) error {
	cur := s.idx.Lookup(pattern)
	defer cur.Close()
	for cur.Valid() {
		it := cur.Triple()
		tr, err := s.toRDFTriple(it)
		if err != nil {
			return err
		}
		g.Insert(tr)
		cur.Next()
	}
	return nil
}

func (s *Store) toRDFTriple(it index.Triple) (rdf.Triple, error) {
	sub, err := s.LookupTerm(it.S)
	if err != nil {
		return rdf.Triple{}, err
	}
	pred, err := s.LookupTerm(it.P)
	if err != nil {
		return rdf.Triple{}, err
	}
	obj, err := s.LookupTerm(it.O)
	if err != nil {
		return rdf.Triple{}, err
	}
	subURI, ok := sub.(rdf.URI)
	if !ok {
		return rdf.Triple{}, ErrTypeMismatch
	}
	predURI, ok := pred.(rdf.URI)
	if !ok {
		return rdf.Triple{}, ErrTypeMismatch
	}
	return rdf.Triple{Subj: subURI, Pred: predURI, Obj: obj}, nil
}

// Dump streams every triple in the store out to w as Turtle.
func (s *Store) Dump(w io.Writer) error {
	g := rdf.NewGraph()
	if err := s.describeInto(g, index.Pattern{}); err != nil {
		return err
	}
	_, err := io.WriteString(w, g.Serialize(rdf.Turtle, ""))
	return err
}

// SizeInBytes reports the on-disk size of the underlying key-value store.
func (s *Store) SizeInBytes() (int64, error) {
	return s.kv.Size()
}

// BackupCounterState exports the sequence allocator's persisted view to
// path, for the §6.4 backup side file.
func (s *Store) BackupCounterState(path string) error {
	return backupstate.Write(path, s.alloc.Export())
}

// RestoreCounterState installs counter state previously written by
// BackupCounterState (or tolerates a missing file from a legacy backup).
func (s *Store) RestoreCounterState(path string) error {
	states, err := backupstate.Read(path)
	if err != nil {
		return err
	}
	s.alloc.Import(states)
	return nil
}
