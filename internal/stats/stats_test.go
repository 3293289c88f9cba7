package stats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boutros/triplestore/internal/encoding"
	"github.com/boutros/triplestore/internal/index"
	"github.com/boutros/triplestore/internal/kvstore"
)

func newCollector(t *testing.T) (*Collector, *index.Index) {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir(), kvstore.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	ix := index.New(kv)
	return New(kv, ix), ix
}

func TestRefreshCountsAndHistogram(t *testing.T) {
	c, ix := newCollector(t)
	require.NoError(t, ix.InsertMany([]index.Triple{
		{1, 100, 9},
		{2, 100, 9},
		{1, 200, 9},
	}))

	s, err := c.Refresh()
	require.NoError(t, err)
	require.Equal(t, int64(3), s.TripleCount)
	require.Equal(t, int64(2), s.DistinctSubjects)
	require.Equal(t, int64(2), s.DistinctPredicate)
	require.Equal(t, int64(2), s.PredicateHistogram[100])
	require.Equal(t, int64(1), s.PredicateHistogram[200])
}

func TestGetPersistsOnFirstCall(t *testing.T) {
	c, ix := newCollector(t)
	require.NoError(t, ix.Insert(index.Triple{1, 1, 1}))

	s1, err := c.Get()
	require.NoError(t, err)

	loaded, err := c.Load()
	require.NoError(t, err)
	require.Equal(t, s1.TripleCount, loaded.TripleCount)
}

func TestLoadInvalidStructure(t *testing.T) {
	kv, err := kvstore.Open(t.TempDir(), kvstore.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	require.NoError(t, kv.Put(kvstore.KeyspaceStats, statsKey, []byte(`{"not":"stats"}`)))

	c := New(kv, index.New(kv))
	_, err = c.Load()
	require.ErrorIs(t, err, ErrInvalidStatsStructure)
}

func TestNumericHistogramAndSelectivity(t *testing.T) {
	c, ix := newCollector(t)

	var triples []index.Triple
	for i := int64(0); i < 20; i++ {
		id, err := encoding.EncodeInteger(i)
		require.NoError(t, err)
		triples = append(triples, index.Triple{S: uint64(i), P: 42, O: id})
	}
	require.NoError(t, ix.InsertMany(triples))

	h := c.NumericHistogramFor(42, 4)
	require.NotNil(t, h)
	require.Equal(t, float64(0), h.Min)
	require.Equal(t, float64(19), h.Max)
	require.Equal(t, 4, h.BucketCount)

	s := &Stats{NumericHistograms: map[uint64]*NumericHistogram{42: h}}
	require.Greater(t, EstimateRangeSelectivity(s, 42, 0, 4), 0.0)
	require.Equal(t, 0.0, EstimateRangeSelectivity(s, 42, 1000, 2000))
	require.Equal(t, 1.0, EstimateRangeSelectivity(s, 7, 0, 1))
}

func TestNumericHistogramNoneWhenNoNumericValues(t *testing.T) {
	c, ix := newCollector(t)
	require.NoError(t, ix.Insert(index.Triple{1, 42, 999}))

	h := c.NumericHistogramFor(42, 4)
	require.Nil(t, h)
}
