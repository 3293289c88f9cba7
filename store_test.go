package triplestore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boutros/triplestore/internal/index"
	"github.com/boutros/triplestore/internal/kvstore"
	"github.com/boutros/triplestore/internal/snapshot"
	"github.com/boutros/triplestore/internal/txn"
	"github.com/boutros/triplestore/rdf"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), WithKVOptions(kvstore.WithInMemory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Scenario A (spec §8): single triple insert/count/lookup/delete.
func TestScenarioA_SingleTripleLifecycle(t *testing.T) {
	s := openTestStore(t)

	tr := Triple{
		Subject:   rdf.URI("http://ex/a"),
		Predicate: rdf.URI("http://ex/p"),
		Object:    rdf.NewLiteral("v"),
	}
	require.NoError(t, s.Insert([]Triple{tr}))

	n, err := s.CountPattern(index.Pattern{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	aID, err := s.LookupID(rdf.URI("http://ex/a"))
	require.NoError(t, err)
	cur := s.LookupPattern(index.Pattern{S: index.Bind(aID)})
	var found []index.Triple
	for cur.Valid() {
		found = append(found, cur.Triple())
		cur.Next()
	}
	cur.Close()
	require.Len(t, found, 1)

	removed, err := s.Delete([]Triple{tr})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	n, err = s.CountPattern(index.Pattern{})
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}

// Scenario B (spec §8): 100 triples sharing predicate and varying subject
// and numeric object; checks distinct counts, histogram and numeric
// histogram summation.
func TestScenarioB_BulkDistinctsAndHistogram(t *testing.T) {
	s := openTestStore(t)

	var triples []Triple
	for i := 1; i <= 100; i++ {
		triples = append(triples, Triple{
			Subject:   rdf.URI(fmt.Sprintf("http://ex/s%d", i)),
			Predicate: rdf.URI("http://ex/p"),
			Object:    rdf.NewTypedLiteral(fmt.Sprintf("%d", i), rdf.XSDinteger),
		})
	}
	require.NoError(t, s.Insert(triples))

	st, err := s.Statistics().Refresh()
	require.NoError(t, err)
	require.Equal(t, int64(100), st.DistinctSubjects)
	require.Equal(t, int64(1), st.DistinctPredicate)
	require.Equal(t, int64(100), st.DistinctObjects)

	pid, err := s.LookupID(rdf.URI("http://ex/p"))
	require.NoError(t, err)
	require.Equal(t, int64(100), st.PredicateHistogram[pid])

	h, ok := st.NumericHistograms[pid]
	require.True(t, ok)
	require.Equal(t, float64(1), h.Min)
	require.Equal(t, float64(100), h.Max)
	var sum int64
	for _, c := range h.Counts {
		sum += c
	}
	require.Equal(t, int64(100), sum)
}

// Scenario C (spec §8): 50 concurrent get_or_create_id calls for the same
// term all return the same ID.
func TestScenarioC_ConcurrentSameTermGetsSameID(t *testing.T) {
	s := openTestStore(t)
	term := rdf.URI("http://ex/shared")

	const n = 50
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.GetOrCreateID(term)
			require.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		require.Equal(t, ids[0], ids[i])
	}
}

// Scenario E (spec §8): a snapshot taken before an update still observes
// the pre-update value; a fresh lookup observes the post-update value;
// releasing the snapshot twice reports snapshot_released.
func TestScenarioE_SnapshotIsolationAcrossUpdate(t *testing.T) {
	s := openTestStore(t)

	tr1 := Triple{rdf.URI("http://ex/a"), rdf.URI("http://ex/p"), rdf.NewLiteral("v1")}
	require.NoError(t, s.Insert([]Triple{tr1}))

	tr2 := Triple{rdf.URI("http://ex/a"), rdf.URI("http://ex/p"), rdf.NewLiteral("v2")}
	var snapSeen []index.Triple
	err := s.WithSnapshot(time.Minute, func(snap *kvstore.Snapshot) error {
		if _, err := s.Delete([]Triple{tr1}); err != nil {
			return err
		}
		if err := s.Insert([]Triple{tr2}); err != nil {
			return err
		}

		aID, err := s.LookupID(rdf.URI("http://ex/a"))
		if err != nil {
			return err
		}
		cur := s.idx.LookupSnapshot(snap, index.Pattern{S: index.Bind(aID)})
		for cur.Valid() {
			snapSeen = append(snapSeen, cur.Triple())
			cur.Next()
		}
		cur.Close()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, snapSeen, 1)
	v1ID, err := s.LookupID(rdf.NewLiteral("v1"))
	require.NoError(t, err)
	require.Equal(t, v1ID, snapSeen[0].O)

	n, err := s.CountPattern(index.Pattern{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	ok, err := s.Contains(tr2)
	require.NoError(t, err)
	require.True(t, ok)

	h := s.snaps.Create(time.Minute, nil)
	require.NoError(t, s.snaps.Release(h))
	require.ErrorIs(t, s.snaps.Release(h), snapshot.ErrSnapshotReleased)
}

// Scenario D (spec §8): 20 concurrent batches of new-term resolution each
// allocate pairwise-disjoint IDs, even though every batch races the same
// underlying sequence allocator.
func TestScenarioD_ConcurrentAllocationDisjoint(t *testing.T) {
	s := openTestStore(t)

	const batches = 20
	const perBatch = 100
	ids := make([][]uint64, batches)
	var wg sync.WaitGroup
	for b := 0; b < batches; b++ {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := make([]uint64, perBatch)
			for i := 0; i < perBatch; i++ {
				id, err := s.GetOrCreateID(rdf.URI(fmt.Sprintf("http://ex/batch%d/%d", b, i)))
				require.NoError(t, err)
				got[i] = id
			}
			ids[b] = got
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, batch := range ids {
		for _, id := range batch {
			require.False(t, seen[id], "ID %d allocated more than once across concurrent batches", id)
			seen[id] = true
		}
	}
	require.Len(t, seen, batches*perBatch)
}

func TestUpdateIntegratesWithTransactionManager(t *testing.T) {
	s := openTestStore(t)

	sid, err := s.GetOrCreateID(rdf.URI("http://ex/a"))
	require.NoError(t, err)
	pid, err := s.GetOrCreateID(rdf.URI("http://ex/p"))
	require.NoError(t, err)
	oid, err := s.GetOrCreateID(rdf.NewLiteral("v"))
	require.NoError(t, err)

	tr := index.Triple{S: sid, P: pid, O: oid}

	err = s.Update(context.Background(), func(tc *txn.Context) (int, error) {
		for _, op := range txn.OpsForInsert([]index.Triple{tr}) {
			tc.Write(op)
		}
		return 1, nil
	})
	require.NoError(t, err)

	ok, err := s.idx.Contains(tr)
	require.NoError(t, err)
	require.True(t, ok)
}
