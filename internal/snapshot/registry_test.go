package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boutros/triplestore/internal/kvstore"
)

func newRegistry(t *testing.T) (*Registry, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir(), kvstore.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	r := New(kv, WithCleanupInterval(10*time.Millisecond))
	t.Cleanup(r.Close)
	return r, kv
}

func TestCreateAndRelease(t *testing.T) {
	r, _ := newRegistry(t)
	h := r.Create(time.Minute, nil)

	_, ok := r.Get(h)
	require.True(t, ok)

	require.NoError(t, r.Release(h))
	_, ok = r.Get(h)
	require.False(t, ok)
}

func TestDoubleReleaseReportsSnapshotReleased(t *testing.T) {
	r, _ := newRegistry(t)
	h := r.Create(time.Minute, nil)
	require.NoError(t, r.Release(h))
	require.ErrorIs(t, r.Release(h), ErrSnapshotReleased)
}

func TestOwnerDownReleasesSnapshot(t *testing.T) {
	r, _ := newRegistry(t)
	owner := make(chan struct{})
	h := r.Create(time.Minute, owner)
	close(owner)

	require.Eventually(t, func() bool {
		_, ok := r.Get(h)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTTLExpirySweep(t *testing.T) {
	r, _ := newRegistry(t)
	h := r.Create(20*time.Millisecond, nil)

	require.Eventually(t, func() bool {
		_, ok := r.Get(h)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestWithSnapshotReleasesOnPanic(t *testing.T) {
	r, _ := newRegistry(t)
	defer func() {
		recover()
		// registry should have no live entries left dangling.
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, e := range r.entries {
			require.True(t, e.released)
		}
	}()
	_ = r.WithSnapshot(time.Minute, func(s *kvstore.Snapshot) error {
		panic("boom")
	})
}
