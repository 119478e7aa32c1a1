package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func mustPack(t *testing.T, v any) msgpack.RawMessage {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.snapshot")
	records := []Record{
		{Key: "aaaa", Value: mustPack(t, "first result"), CreatedUnixNano: 100},
		{Key: "bbbb", Value: mustPack(t, "second result"), CreatedUnixNano: 200},
	}

	require.NoError(t, Write(path, records))

	got, err := Read(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "aaaa", got[0].Key)
	require.Equal(t, int64(200), got[1].CreatedUnixNano)
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.snapshot")
	require.NoError(t, Write(path, []Record{{Key: "a", Value: mustPack(t, "x"), CreatedUnixNano: 1}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file should remain after a successful write")
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.snapshot"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestReadRejectsCorruptChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.snapshot")
	require.NoError(t, Write(path, []Record{{Key: "a", Value: mustPack(t, "x"), CreatedUnixNano: 1}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Read(path)
	require.Error(t, err)
}

func TestWriteEmptySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.snapshot")
	require.NoError(t, Write(path, nil))

	got, err := Read(path)
	require.NoError(t, err)
	require.Empty(t, got)
}
