package dict

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boutros/triplestore/internal/encoding"
	"github.com/boutros/triplestore/internal/kvstore"
	"github.com/boutros/triplestore/internal/seq"
)

func newDict(t *testing.T) *Dictionary {
	t.Helper()
	kv, err := kvstore.Open(t.TempDir(), kvstore.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	a, err := seq.New(kv)
	require.NoError(t, err)
	d := New(kv, a, WithShards(4))
	t.Cleanup(d.Close)
	return d
}

func TestGetOrCreateIDStableAndUnique(t *testing.T) {
	d := newDict(t)

	id1, err := d.GetOrCreateID(URI("http://example.org/a"))
	require.NoError(t, err)
	id2, err := d.GetOrCreateID(URI("http://example.org/b"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	again, err := d.GetOrCreateID(URI("http://example.org/a"))
	require.NoError(t, err)
	require.Equal(t, id1, again)
}

func TestGetOrCreateIDRoundTrip(t *testing.T) {
	d := newDict(t)

	terms := []Term{
		URI("http://example.org/s"),
		BlankNode("b1"),
		PlainLiteral("hello", "http://www.w3.org/2001/XMLSchema#string"),
		LangLiteral("bonjour", "fr"),
	}
	for _, term := range terms {
		id, err := d.GetOrCreateID(term)
		require.NoError(t, err)
		got, err := d.LookupTerm(id)
		require.NoError(t, err)
		require.Equal(t, term, got)
	}
}

func TestInlineLiteralNeverTouchesStorage(t *testing.T) {
	d := newDict(t)

	id, err := d.GetOrCreateID(PlainLiteral("42", XSDInteger))
	require.NoError(t, err)
	require.True(t, encoding.IsInline(id))

	got, err := d.LookupTerm(id)
	require.NoError(t, err)
	require.Equal(t, "42", got.Lexical)
}

func TestLookupIDNotFound(t *testing.T) {
	d := newDict(t)
	_, err := d.LookupID(URI("http://example.org/never-seen"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentGetOrCreateSameTerm(t *testing.T) {
	d := newDict(t)
	term := URI("http://example.org/race")

	const n = 50
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := d.GetOrCreateID(term)
			require.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, ids[0], ids[i])
	}
}

func TestGetOrCreateIDsBatch(t *testing.T) {
	d := newDict(t)

	terms := []Term{
		URI("http://example.org/x"),
		URI("http://example.org/y"),
		BlankNode("b"),
		URI("http://example.org/x"), // duplicate within the batch
	}
	ids, err := d.GetOrCreateIDs(terms)
	require.NoError(t, err)
	require.Len(t, ids, 4)
	require.Equal(t, ids[0], ids[3])
	require.NotEqual(t, ids[0], ids[1])
	require.NotEqual(t, ids[0], ids[2])

	single, err := d.GetOrCreateID(terms[1])
	require.NoError(t, err)
	require.Equal(t, ids[1], single)
}

func TestTermTooLarge(t *testing.T) {
	d := newDict(t)
	huge := make([]byte, 17*1024)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := d.GetOrCreateID(URI(string(huge)))
	require.ErrorIs(t, err, ErrTermTooLarge)
}

func TestNullByteInURI(t *testing.T) {
	d := newDict(t)
	_, err := d.GetOrCreateID(URI("http://example.org/\x00bad"))
	require.ErrorIs(t, err, ErrNullByteInURI)
}
