// Package seq implements the crash-safe monotonic sequence allocator (spec
// §4.3): one atomic counter per RDF term kind, issuing 60-bit sequence
// numbers without reuse after a crash and without serialising every single
// allocation through disk.
//
// Grounded on the same NextSequence call site the teacher used in
// addTerm (db.go), widened from one global bucket sequence to one
// per-kind counter with an explicit safety margin on restart.
package seq

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"github.com/boutros/triplestore/internal/encoding"
	"github.com/boutros/triplestore/internal/kvstore"
)

// Kind identifies which per-kind counter an operation applies to.
type Kind uint8

const (
	KindURI Kind = iota
	KindBlankNode
	KindLiteral
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindURI:
		return "uri"
	case KindBlankNode:
		return "bnode"
	case KindLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

func (k Kind) encodingKind() encoding.Kind {
	switch k {
	case KindURI:
		return encoding.KindURI
	case KindBlankNode:
		return encoding.KindBlankNode
	default:
		return encoding.KindLiteral
	}
}

// SafetyMargin is the fixed gap by which the in-memory "next" counter
// leads the last-persisted value, guaranteeing no sequence is ever reused
// across a crash. Exposed (rather than hidden) so tests can reason about
// it deterministically, per spec §9's open question.
const SafetyMargin = 1000

// MaxSequence is the largest payload a dictionary-allocated term ID can
// hold.
const MaxSequence = encoding.MaxSequence

var (
	// ErrSequenceOverflow is returned once a kind's counter has exhausted
	// the 60-bit payload space.
	ErrSequenceOverflow = errors.New("sequence_overflow")
	ErrInvalidCount     = errors.New("invalid_count")
	ErrInvalidType      = errors.New("invalid_type")
)

func seqKey(k Kind) []byte {
	return []byte("__seq_counter__" + k.String())
}

// Allocator issues non-reusing sequence numbers per term kind.
type Allocator struct {
	kv   *kvstore.Store
	next [numKinds]atomic.Uint64

	flushInterval uint64
	sinceFlush    [numKinds]atomic.Uint64

	rangeAllocated *metrics.Counter
	nextIDTotal    [numKinds]*metrics.Counter
}

// Option configures New.
type Option func(*Allocator)

// WithFlushInterval sets how many allocations accumulate (per kind) before
// an automatic flush; 0 disables automatic flushing (flush must be called
// explicitly or on graceful stop).
func WithFlushInterval(n uint64) Option {
	return func(a *Allocator) { a.flushInterval = n }
}

// New constructs an Allocator over kv, reading each kind's last-persisted
// value, jumping the in-memory counter ahead by SafetyMargin, and persisting
// the jumped counters before returning. The default flush interval is
// SafetyMargin allocations.
func New(kv *kvstore.Store, opts ...Option) (*Allocator, error) {
	a := &Allocator{kv: kv, flushInterval: SafetyMargin}
	for _, fn := range opts {
		fn(a)
	}
	a.rangeAllocated = metrics.GetOrCreateCounter(`triplestore_range_allocated_total`)

	for k := Kind(0); k < numKinds; k++ {
		persisted, err := readCounter(kv, k)
		if err != nil {
			return nil, err
		}
		a.next[k].Store(persisted + SafetyMargin)
		a.nextIDTotal[k] = metrics.GetOrCreateCounter(`triplestore_next_id_total{kind="` + k.String() + `"}`)
	}
	if err := a.Flush(); err != nil {
		return nil, err
	}
	return a, nil
}

func readCounter(kv *kvstore.Store, k Kind) (uint64, error) {
	b, err := kv.Get(kvstore.KeyspaceSeq, seqKey(k))
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(b), nil
}

// NextID returns a fresh term ID of kind k, or ErrSequenceOverflow once the
// 60-bit payload space for k is exhausted.
func (a *Allocator) NextID(k Kind) (uint64, error) {
	seq, err := a.bump(k, 1)
	if err != nil {
		return 0, err
	}
	a.nextIDTotal[k].Inc()
	a.maybeFlush(k)
	return encoding.EncodeID(k.encodingKind(), seq), nil
}

// AllocateRange atomically reserves n consecutive sequences of kind k,
// returning the first. n must be >= 1.
func (a *Allocator) AllocateRange(k Kind, n uint64) (uint64, error) {
	if k >= numKinds {
		return 0, ErrInvalidType
	}
	if n < 1 {
		return 0, ErrInvalidCount
	}
	start, err := a.bump(k, n)
	if err != nil {
		return 0, err
	}
	a.rangeAllocated.Inc()
	a.maybeFlush(k)
	return start, nil
}

// bump atomically reserves n sequences of kind k and returns the first.
func (a *Allocator) bump(k Kind, n uint64) (uint64, error) {
	if k >= numKinds {
		return 0, ErrInvalidType
	}
	counter := &a.next[k]
	for {
		cur := counter.Load()
		if cur > MaxSequence {
			// Already overflowed: clamp so current() keeps reporting
			// MaxSequence no matter how many further calls fail.
			counter.CompareAndSwap(cur, MaxSequence+1)
			return 0, ErrSequenceOverflow
		}
		if cur+n-1 > MaxSequence {
			counter.CompareAndSwap(cur, MaxSequence+1)
			return 0, ErrSequenceOverflow
		}
		if counter.CompareAndSwap(cur, cur+n) {
			return cur, nil
		}
	}
}

func (a *Allocator) maybeFlush(k Kind) {
	if a.flushInterval == 0 {
		return
	}
	if a.sinceFlush[k].Add(1)%a.flushInterval == 0 {
		_ = a.Flush()
	}
}

// Current returns the last sequence issued for k (MaxSequence once k has
// overflowed).
func (a *Allocator) Current(k Kind) uint64 {
	next := a.next[k].Load()
	if next == 0 {
		return 0
	}
	return next - 1
}

// Flush persists every kind's in-memory "next" counter to the seq
// keyspace, atomically across all kinds.
func (a *Allocator) Flush() error {
	ops := make([]kvstore.Op, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, a.next[k].Load())
		ops = append(ops, kvstore.Op{Keyspace: kvstore.KeyspaceSeq, Key: seqKey(k), Value: b})
	}
	return a.kv.WriteBatch(ops, true)
}

// State is one kind's persisted counter value, the unit exported/imported
// across a backup (spec §6.4).
type State struct {
	Kind      Kind
	Persisted uint64
}

// Export returns the allocator's persisted-on-flush view for every kind,
// for writing into a backup's counter-state side file.
func (a *Allocator) Export() []State {
	out := make([]State, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, State{Kind: k, Persisted: a.next[k].Load()})
	}
	return out
}

// Import installs restored counter state, jumping next ahead by
// SafetyMargin over each restored persisted value, exactly as on a normal
// cold start.
func (a *Allocator) Import(states []State) {
	for _, st := range states {
		if st.Kind >= numKinds {
			continue
		}
		a.next[st.Kind].Store(st.Persisted + SafetyMargin)
	}
}
