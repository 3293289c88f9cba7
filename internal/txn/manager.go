// Package txn implements the transaction manager (spec §4.8): it
// serialises writers to exactly one in-flight UPDATE, hands that update a
// consistent snapshot-backed execution context, commits its write set as a
// single atomic batch, and invalidates dependent caches on net change.
package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boutros/triplestore/internal/index"
	"github.com/boutros/triplestore/internal/kvstore"
	"github.com/boutros/triplestore/internal/snapshot"
)

// Default caller-side wait budgets (spec §4.8).
const (
	DefaultUpdateTimeout = 300 * time.Second
	DefaultQueryTimeout  = 120 * time.Second
)

var (
	// ErrUpdateTimeout is returned when an UPDATE could not acquire the
	// writer slot before its timeout elapsed.
	ErrUpdateTimeout = errors.New("update_timeout")
)

// Context is the consistent execution context handed to a single UPDATE:
// a read snapshot plus the atomic batch its writes accumulate into.
type Context struct {
	Snapshot *kvstore.Snapshot
	ops      []kvstore.Op
}

// Write queues a triple-index write into this update's batch.
func (c *Context) Write(op kvstore.Op) {
	c.ops = append(c.ops, op)
}

// InvalidateFunc is called once per completed UPDATE that produced a
// non-zero net change (insert/delete count != 0), so the caller can drop
// plan/stats caches it owns.
type InvalidateFunc func()

// Manager serialises writers and exposes update_in_progress/current_snapshot
// observability.
type Manager struct {
	kv   *kvstore.Store
	snap *snapshot.Registry

	writerSlot chan struct{} // buffered(1): held while an UPDATE is in flight

	inProgress      atomic.Bool
	currentSnapMu   sync.Mutex
	currentSnapshot *kvstore.Snapshot

	updateTimeout time.Duration
	queryTimeout  time.Duration

	onInvalidate InvalidateFunc
}

// Option configures New.
type Option func(*Manager)

// WithUpdateTimeout overrides DefaultUpdateTimeout.
func WithUpdateTimeout(d time.Duration) Option { return func(m *Manager) { m.updateTimeout = d } }

// WithQueryTimeout overrides DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option { return func(m *Manager) { m.queryTimeout = d } }

// WithInvalidateFunc registers the callback invoked after an UPDATE with a
// non-zero net change.
func WithInvalidateFunc(fn InvalidateFunc) Option {
	return func(m *Manager) { m.onInvalidate = fn }
}

// New constructs a Manager over kv and a shared snapshot registry.
func New(kv *kvstore.Store, snapReg *snapshot.Registry, opts ...Option) *Manager {
	m := &Manager{
		kv:            kv,
		snap:          snapReg,
		writerSlot:    make(chan struct{}, 1),
		updateTimeout: DefaultUpdateTimeout,
		queryTimeout:  DefaultQueryTimeout,
	}
	for _, fn := range opts {
		fn(m)
	}
	return m
}

// UpdateInProgress reports whether an UPDATE currently holds the writer
// slot.
func (m *Manager) UpdateInProgress() bool { return m.inProgress.Load() }

// CurrentSnapshot returns the snapshot of the in-flight UPDATE, or nil if
// none is in flight.
func (m *Manager) CurrentSnapshot() *kvstore.Snapshot {
	m.currentSnapMu.Lock()
	defer m.currentSnapMu.Unlock()
	return m.currentSnapshot
}

// Update runs fn as a single serialised UPDATE: fn is given a Context
// backed by a fresh snapshot to run its reads against, and whatever it
// queues via Context.Write commits as one atomic batch. netChange is the
// number of rows fn reports as inserted/deleted (for cache invalidation);
// fn itself reports it via the returned int.
//
// Parse/logic errors from fn propagate to the caller without affecting the
// serialisation queue: the writer slot is always released.
func (m *Manager) Update(ctx context.Context, fn func(*Context) (netChange int, err error)) error {
	deadline, cancel := context.WithTimeout(ctx, m.updateTimeout)
	defer cancel()

	select {
	case m.writerSlot <- struct{}{}:
	case <-deadline.Done():
		return ErrUpdateTimeout
	}
	defer func() { <-m.writerSlot }()

	m.inProgress.Store(true)
	defer m.inProgress.Store(false)

	snap := m.kv.SnapshotCreate()
	m.currentSnapMu.Lock()
	m.currentSnapshot = snap
	m.currentSnapMu.Unlock()
	defer func() {
		m.currentSnapMu.Lock()
		m.currentSnapshot = nil
		m.currentSnapMu.Unlock()
		snap.Close()
	}()

	tc := &Context{Snapshot: snap}
	netChange, err := fn(tc)
	if err != nil {
		return err
	}

	if len(tc.ops) > 0 {
		if err := m.kv.WriteBatch(tc.ops, false); err != nil {
			return err
		}
	}

	if netChange != 0 && m.onInvalidate != nil {
		m.onInvalidate()
	}
	return nil
}

// Query runs fn against a fresh, non-serialised read snapshot: queries
// never wait on the writer slot.
func (m *Manager) Query(ctx context.Context, fn func(*kvstore.Snapshot) error) error {
	deadline, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	done := make(chan error, 1)
	snap := m.kv.SnapshotCreate()
	defer snap.Close()

	go func() { done <- fn(snap) }()

	select {
	case err := <-done:
		return err
	case <-deadline.Done():
		return deadline.Err()
	}
}

// OpsForInsert builds the write-batch ops for inserting ts into the triple
// index (spo/pos/osp), for a caller assembling a Context's write set.
func OpsForInsert(ts []index.Triple) []kvstore.Op {
	return tripleOps(ts, false)
}

// OpsForDelete builds the write-batch ops for removing ts from the triple
// index.
func OpsForDelete(ts []index.Triple) []kvstore.Op {
	return tripleOps(ts, true)
}

func tripleOps(ts []index.Triple, del bool) []kvstore.Op {
	ops := make([]kvstore.Op, 0, len(ts)*3)
	for _, t := range ts {
		ops = append(ops,
			kvstore.Op{Keyspace: kvstore.KeyspaceSPO, Key: index.SPOKey(t), Value: []byte{}, Delete: del},
			kvstore.Op{Keyspace: kvstore.KeyspacePOS, Key: index.POSKey(t), Value: []byte{}, Delete: del},
			kvstore.Op{Keyspace: kvstore.KeyspaceOSP, Key: index.OSPKey(t), Value: []byte{}, Delete: del},
		)
	}
	return ops
}
