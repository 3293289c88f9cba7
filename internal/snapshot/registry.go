// Package snapshot implements the process-wide snapshot registry (spec
// §4.7): every live read snapshot is tracked under an opaque handle with an
// owner, a creation time, and a TTL, and is released exactly once, whether
// by explicit call, owner termination, or TTL expiry.
package snapshot

import (
	"errors"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/boutros/triplestore/internal/kvstore"
)

// ErrSnapshotReleased is returned by a second Release of the same handle.
var ErrSnapshotReleased = errors.New("snapshot_released")

// Reason records why a snapshot was released, for telemetry.
type Reason string

const (
	ReasonManual     Reason = "manual"
	ReasonOwnerDown  Reason = "owner_down"
	ReasonTTLExpired Reason = "ttl_expired"
)

// Handle is an opaque reference to a registered snapshot.
type Handle uint64

type entry struct {
	snap      *kvstore.Snapshot
	owner     <-chan struct{} // closed when the owner goroutine/request exits
	createdAt time.Time
	ttl       time.Duration
	released  bool
}

// Registry tracks every live snapshot taken from a kvstore.Store.
type Registry struct {
	kv *kvstore.Store

	mu      sync.Mutex
	entries map[Handle]*entry
	next    Handle

	cleanupInterval time.Duration
	stop            chan struct{}
	wg              sync.WaitGroup

	created  *metrics.Counter
	released map[Reason]*metrics.Counter
}

// Option configures New.
type Option func(*Registry)

// WithCleanupInterval overrides the default TTL-sweep tick (default 1s).
func WithCleanupInterval(d time.Duration) Option {
	return func(r *Registry) { r.cleanupInterval = d }
}

// New constructs a Registry over kv and starts its TTL cleanup loop. Call
// Close to stop the loop.
func New(kv *kvstore.Store, opts ...Option) *Registry {
	r := &Registry{
		kv:              kv,
		entries:         map[Handle]*entry{},
		cleanupInterval: time.Second,
		stop:            make(chan struct{}),
		created:         metrics.GetOrCreateCounter(`triplestore_snapshot_created_total`),
		released:        map[Reason]*metrics.Counter{},
	}
	for _, fn := range opts {
		fn(r)
	}
	for _, reason := range []Reason{ReasonManual, ReasonOwnerDown, ReasonTTLExpired} {
		r.released[reason] = metrics.GetOrCreateCounter(`triplestore_snapshot_released_total{reason="` + string(reason) + `"}`)
	}
	r.wg.Add(1)
	go r.cleanupLoop()
	return r
}

// Create acquires a new KV snapshot, registers it under a fresh handle with
// the given ttl and owner-liveness channel (closed when the owner is done;
// nil means "no liveness watch"), and returns the handle.
func (r *Registry) Create(ttl time.Duration, owner <-chan struct{}) Handle {
	snap := r.kv.SnapshotCreate()

	r.mu.Lock()
	r.next++
	h := r.next
	r.entries[h] = &entry{snap: snap, owner: owner, createdAt: time.Now(), ttl: ttl}
	r.mu.Unlock()

	r.created.Inc()
	if owner != nil {
		go r.watchOwner(h, owner)
	}
	return h
}

func (r *Registry) watchOwner(h Handle, owner <-chan struct{}) {
	<-owner
	r.releaseWithReason(h, ReasonOwnerDown)
}

// Get returns the live snapshot behind h, or false if it was already
// released.
func (r *Registry) Get(h Handle) (*kvstore.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok || e.released {
		return nil, false
	}
	return e.snap, true
}

// Release releases h. A second release of the same handle returns
// ErrSnapshotReleased but is otherwise a no-op.
func (r *Registry) Release(h Handle) error {
	if !r.releaseWithReason(h, ReasonManual) {
		return ErrSnapshotReleased
	}
	return nil
}

// releaseWithReason performs the actual release bookkeeping; returns false
// if h was already released (or never existed).
func (r *Registry) releaseWithReason(h Handle, reason Reason) bool {
	r.mu.Lock()
	e, ok := r.entries[h]
	if !ok || e.released {
		r.mu.Unlock()
		return false
	}
	e.released = true
	r.mu.Unlock()

	e.snap.Close()
	r.released[reason].Inc()
	return true
}

// WithSnapshot runs fn with a freshly created snapshot, guaranteeing
// release on every exit path, including a panic inside fn.
func (r *Registry) WithSnapshot(ttl time.Duration, fn func(*kvstore.Snapshot) error) error {
	h := r.Create(ttl, nil)
	defer r.Release(h)

	snap, ok := r.Get(h)
	if !ok {
		return ErrSnapshotReleased
	}
	return fn(snap)
}

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.sweepExpired()
		}
	}
}

func (r *Registry) sweepExpired() {
	now := time.Now()
	r.mu.Lock()
	var expired []Handle
	for h, e := range r.entries {
		if !e.released && e.ttl > 0 && now.Sub(e.createdAt) > e.ttl {
			expired = append(expired, h)
		}
	}
	r.mu.Unlock()

	for _, h := range expired {
		r.releaseWithReason(h, ReasonTTLExpired)
	}
}

// Close stops the cleanup loop and releases every still-live snapshot.
func (r *Registry) Close() {
	close(r.stop)
	r.wg.Wait()

	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for h, e := range r.entries {
		if !e.released {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.releaseWithReason(h, ReasonManual)
	}
}
