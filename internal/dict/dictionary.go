package dict

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cespare/xxhash/v2"

	"github.com/boutros/triplestore/internal/encoding"
	"github.com/boutros/triplestore/internal/kvstore"
	"github.com/boutros/triplestore/internal/seq"
)

// Re-exported sentinel errors (spec §4.4's error column).
var (
	ErrTermTooLarge    = encoding.ErrTermTooLarge
	ErrNullByteInURI   = encoding.ErrNullByteInURI
	ErrUnsupportedTerm = encoding.ErrUnsupportedTerm
	ErrNotFound        = kvstore.ErrNotFound
	ErrTypeMismatch    = errors.New("type_mismatch")
)

func allocatorKind(t Term) seq.Kind {
	switch t.Kind {
	case KindURI:
		return seq.KindURI
	case KindBlankNode:
		return seq.KindBlankNode
	default:
		return seq.KindLiteral
	}
}

// shard owns the authoritative create-path critical section for a disjoint
// slice of the dictionary's key space (spec §4.4, §5: "one shard owns that
// term's critical section").
type shard struct {
	mu sync.Mutex
}

// Dictionary turns RDF terms into 64-bit IDs and back.
type Dictionary struct {
	kv    *kvstore.Store
	seq   *seq.Allocator
	cache *cache

	shards []shard

	hits   map[TermKind]*metrics.Counter
	misses map[TermKind]*metrics.Counter
}

// Option configures New.
type Option func(*options)

type options struct {
	numShards int
	cacheCost int64
}

// WithShards overrides the shard count (default: runtime.NumCPU()).
func WithShards(n int) Option {
	return func(o *options) { o.numShards = n }
}

// WithCacheCost bounds the read cache's total cost (roughly, bytes).
func WithCacheCost(cost int64) Option {
	return func(o *options) { o.cacheCost = cost }
}

// New constructs a Dictionary over kv, sharing kv and seq with the rest of
// the core.
func New(kv *kvstore.Store, allocator *seq.Allocator, opts ...Option) *Dictionary {
	o := options{numShards: runtime.NumCPU(), cacheCost: 64 << 20}
	for _, fn := range opts {
		fn(&o)
	}
	if o.numShards < 1 {
		o.numShards = 1
	}

	d := &Dictionary{
		kv:     kv,
		seq:    allocator,
		cache:  newCache(o.cacheCost),
		shards: make([]shard, o.numShards),
		hits:   map[TermKind]*metrics.Counter{},
		misses: map[TermKind]*metrics.Counter{},
	}
	for _, k := range []TermKind{KindURI, KindBlankNode, KindLiteralPlain, KindLiteralLang} {
		d.hits[k] = metrics.GetOrCreateCounter(`triplestore_dict_cache_hit_total{kind="` + kindLabel(k) + `"}`)
		d.misses[k] = metrics.GetOrCreateCounter(`triplestore_dict_cache_miss_total{kind="` + kindLabel(k) + `"}`)
	}
	return d
}

func kindLabel(k TermKind) string {
	switch k {
	case KindURI:
		return "uri"
	case KindBlankNode:
		return "bnode"
	case KindLiteralLang:
		return "lang_literal"
	default:
		return "literal"
	}
}

func (d *Dictionary) shardFor(key []byte) int {
	h := xxhash.Sum64(key)
	return int(h % uint64(len(d.shards)))
}

// GetOrCreateID returns term's stable ID, allocating and persisting a new
// one on first sight.
func (d *Dictionary) GetOrCreateID(t Term) (uint64, error) {
	if kind, ok := t.inlineKind(); ok {
		return encodeInlineChecked(t, kind)
	}

	key, err := encoding.EncodeKey(t.canonical())
	if err != nil {
		return 0, err
	}

	if id, ok := d.cache.get(string(key)); ok {
		d.hits[t.Kind].Inc()
		return id, nil
	}
	d.misses[t.Kind].Inc()

	idx := d.shardFor(key)
	sh := &d.shards[idx]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if id, ok := d.cache.get(string(key)); ok {
		return id, nil
	}

	if b, err := d.kv.Get(kvstore.KeyspaceStr2ID, key); err == nil {
		id := binary.BigEndian.Uint64(b)
		d.cache.set(string(key), id)
		return id, nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return 0, err
	}

	id, err := d.seq.NextID(allocatorKind(t))
	if err != nil {
		return 0, err
	}
	if err := d.persist(key, id); err != nil {
		return 0, err
	}
	d.cache.set(string(key), id)
	return id, nil
}

func (d *Dictionary) persist(key []byte, id uint64) error {
	idb := make([]byte, 8)
	binary.BigEndian.PutUint64(idb, id)
	return d.kv.WriteBatch([]kvstore.Op{
		{Keyspace: kvstore.KeyspaceStr2ID, Key: key, Value: idb},
		{Keyspace: kvstore.KeyspaceID2Str, Key: idb, Value: key},
	}, false)
}

func encodeInlineChecked(t Term, _ encoding.Kind) (uint64, error) {
	return encodeInline(t)
}

// GetOrCreateIDs is the batch variant of GetOrCreateID. Output order
// matches input order.
func (d *Dictionary) GetOrCreateIDs(terms []Term) ([]uint64, error) {
	out := make([]uint64, len(terms))

	type pending struct {
		idx int
		key []byte
	}
	byShardKind := map[int]map[seq.Kind][]pending{}

	for i, t := range terms {
		if kind, ok := t.inlineKind(); ok {
			id, err := encodeInlineChecked(t, kind)
			if err != nil {
				return nil, err
			}
			out[i] = id
			continue
		}

		key, err := encoding.EncodeKey(t.canonical())
		if err != nil {
			return nil, err
		}

		if id, ok := d.cache.get(string(key)); ok {
			out[i] = id
			continue
		}

		shardIdx := d.shardFor(key)
		k := allocatorKind(t)
		if byShardKind[shardIdx] == nil {
			byShardKind[shardIdx] = map[seq.Kind][]pending{}
		}
		byShardKind[shardIdx][k] = append(byShardKind[shardIdx][k], pending{idx: i, key: key})
	}

	for shardIdx, byKind := range byShardKind {
		sh := &d.shards[shardIdx]
		sh.mu.Lock()
		err := func() error {
			for k, items := range byKind {
				var newcomers, dups []pending
				first := map[string]int{}
				for _, p := range items {
					if id, ok := d.cache.get(string(p.key)); ok {
						out[p.idx] = id
						continue
					}
					if b, err := d.kv.Get(kvstore.KeyspaceStr2ID, p.key); err == nil {
						id := binary.BigEndian.Uint64(b)
						d.cache.set(string(p.key), id)
						out[p.idx] = id
						continue
					} else if !errors.Is(err, kvstore.ErrNotFound) {
						return err
					}
					if _, seen := first[string(p.key)]; seen {
						dups = append(dups, p)
						continue
					}
					first[string(p.key)] = p.idx
					newcomers = append(newcomers, p)
				}
				if len(newcomers) == 0 {
					continue
				}
				start, err := d.seq.AllocateRange(k, uint64(len(newcomers)))
				if err != nil {
					return err
				}
				ops := make([]kvstore.Op, 0, len(newcomers)*2)
				for i, p := range newcomers {
					id := encoding.EncodeID(allocatorEncodingKind(k), start+uint64(i))
					idb := make([]byte, 8)
					binary.BigEndian.PutUint64(idb, id)
					ops = append(ops,
						kvstore.Op{Keyspace: kvstore.KeyspaceStr2ID, Key: p.key, Value: idb},
						kvstore.Op{Keyspace: kvstore.KeyspaceID2Str, Key: idb, Value: p.key},
					)
					out[p.idx] = id
				}
				if err := d.kv.WriteBatch(ops, false); err != nil {
					return err
				}
				for i, p := range newcomers {
					d.cache.set(string(p.key), out[p.idx])
					_ = i
				}
				for _, p := range dups {
					out[p.idx] = out[first[string(p.key)]]
				}
			}
			return nil
		}()
		sh.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func allocatorEncodingKind(k seq.Kind) encoding.Kind {
	switch k {
	case seq.KindURI:
		return encoding.KindURI
	case seq.KindBlankNode:
		return encoding.KindBlankNode
	default:
		return encoding.KindLiteral
	}
}

// LookupID is a read-only lookup: cache, then storage. Returns
// ErrNotFound if term has never been assigned an ID.
func (d *Dictionary) LookupID(t Term) (uint64, error) {
	if kind, ok := t.inlineKind(); ok {
		return encodeInlineChecked(t, kind)
	}
	key, err := encoding.EncodeKey(t.canonical())
	if err != nil {
		return 0, err
	}
	if id, ok := d.cache.get(string(key)); ok {
		return id, nil
	}
	b, err := d.kv.Get(kvstore.KeyspaceStr2ID, key)
	if err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint64(b)
	d.cache.set(string(key), id)
	return id, nil
}

// LookupTerm reverses an ID back to its Term.
func (d *Dictionary) LookupTerm(id uint64) (Term, error) {
	if encoding.IsInline(id) {
		return decodeInline(id), nil
	}
	idb := make([]byte, 8)
	binary.BigEndian.PutUint64(idb, id)
	b, err := d.kv.Get(kvstore.KeyspaceID2Str, idb)
	if err != nil {
		return Term{}, err
	}
	ct, err := encoding.DecodeKey(b)
	if err != nil {
		return Term{}, err
	}
	return fromCanonical(ct), nil
}

// LookupResult is one element of a batch reverse lookup.
type LookupResult struct {
	Term  Term
	Found bool
}

// LookupTerms is the batch variant of LookupTerm.
func (d *Dictionary) LookupTerms(ids []uint64) []LookupResult {
	out := make([]LookupResult, len(ids))
	for i, id := range ids {
		t, err := d.LookupTerm(id)
		out[i] = LookupResult{Term: t, Found: err == nil}
	}
	return out
}

// Close releases the dictionary's read cache.
func (d *Dictionary) Close() {
	d.cache.close()
}
