package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boutros/triplestore/internal/index"
	"github.com/boutros/triplestore/internal/kvstore"
	"github.com/boutros/triplestore/internal/snapshot"
)

func newManager(t *testing.T, opts ...Option) (*Manager, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir(), kvstore.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	reg := snapshot.New(kv)
	t.Cleanup(reg.Close)
	return New(kv, reg, opts...), kv
}

func TestUpdateCommitsAtomically(t *testing.T) {
	m, kv := newManager(t)
	ix := index.New(kv)

	err := m.Update(context.Background(), func(tc *Context) (int, error) {
		tr := index.Triple{S: 1, P: 2, O: 3}
		for _, op := range OpsForInsert([]index.Triple{tr}) {
			tc.Write(op)
		}
		return 1, nil
	})
	require.NoError(t, err)

	ok, err := ix.Contains(index.Triple{S: 1, P: 2, O: 3})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdateErrorAbortsBatch(t *testing.T) {
	m, kv := newManager(t)
	ix := index.New(kv)

	err := m.Update(context.Background(), func(tc *Context) (int, error) {
		tr := index.Triple{S: 9, P: 9, O: 9}
		for _, op := range OpsForInsert([]index.Triple{tr}) {
			tc.Write(op)
		}
		return 0, context.Canceled
	})
	require.Error(t, err)

	ok, err := ix.Contains(index.Triple{S: 9, P: 9, O: 9})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdatesAreSerialised(t *testing.T) {
	m, _ := newManager(t)

	var maxConcurrent, inFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Update(context.Background(), func(tc *Context) (int, error) {
				n := inFlight.Add(1)
				for {
					cur := maxConcurrent.Load()
					if n <= cur || maxConcurrent.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return 0, nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxConcurrent.Load())
}

func TestUpdateInProgressObservable(t *testing.T) {
	m, _ := newManager(t)
	require.False(t, m.UpdateInProgress())

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.Update(context.Background(), func(tc *Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started
	require.True(t, m.UpdateInProgress())
	require.NotNil(t, m.CurrentSnapshot())
	close(release)
}

func TestInvalidateCalledOnNetChange(t *testing.T) {
	var calls atomic.Int32
	m, _ := newManager(t, WithInvalidateFunc(func() { calls.Add(1) }))

	require.NoError(t, m.Update(context.Background(), func(tc *Context) (int, error) {
		return 0, nil
	}))
	require.Equal(t, int32(0), calls.Load())

	require.NoError(t, m.Update(context.Background(), func(tc *Context) (int, error) {
		return 1, nil
	}))
	require.Equal(t, int32(1), calls.Load())
}

func TestQueryDoesNotWaitOnWriterSlot(t *testing.T) {
	m, _ := newManager(t)

	updateStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.Update(context.Background(), func(tc *Context) (int, error) {
			close(updateStarted)
			<-release
			return 0, nil
		})
	}()
	<-updateStarted

	done := make(chan error, 1)
	go func() {
		done <- m.Query(context.Background(), func(s *kvstore.Snapshot) error { return nil })
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("query blocked behind in-flight update")
	}
	close(release)
}
