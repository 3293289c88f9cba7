package backupstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boutros/triplestore/internal/seq"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	states := []seq.State{
		{Kind: seq.KindURI, Persisted: 42},
		{Kind: seq.KindBlankNode, Persisted: 7},
		{Kind: seq.KindLiteral, Persisted: 1000},
	}
	require.NoError(t, Write(path, states))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, states, got)
}

func TestReadMissingFileTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	got, err := Read(path)
	require.NoError(t, err)
	require.Nil(t, got)
}
