package splitlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestScanOrdersByCycleNumber(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cycle_3.log")
	touch(t, dir, "cycle_1.log")
	touch(t, dir, "cycle_2.log")

	tr := New(Config{LogsDir: dir})
	require.Nil(t, tr.Scan())

	entries := tr.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "cycle_1.log", filepath.Base(entries[0].Path))
	require.Equal(t, "cycle_2.log", filepath.Base(entries[1].Path))
	require.Equal(t, "cycle_3.log", filepath.Base(entries[2].Path))
	require.Equal(t, 0, entries[0].Index)
	require.Equal(t, 1, entries[1].Index)
	require.Equal(t, 2, entries[2].Index)
}

func TestScanFilesWithoutCycleNumberSortLast(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cycle_1.log")
	touch(t, dir, "notes.log")
	touch(t, dir, "aardvark.log")

	tr := New(Config{LogsDir: dir})
	require.Nil(t, tr.Scan())

	entries := tr.Entries()
	require.Equal(t, "cycle_1.log", filepath.Base(entries[0].Path))
	require.Equal(t, "aardvark.log", filepath.Base(entries[1].Path))
	require.Equal(t, "notes.log", filepath.Base(entries[2].Path))
}

func TestScanIndexStableAcrossRescans(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cycle_1.log")
	touch(t, dir, "cycle_2.log")

	tr := New(Config{LogsDir: dir})
	require.Nil(t, tr.Scan())
	first := tr.Entries()

	touch(t, dir, "cycle_3.log")
	require.Nil(t, tr.Scan())
	second := tr.Entries()

	require.Equal(t, first[0].Index, second[0].Index)
	require.Equal(t, first[1].Index, second[1].Index)
	require.Equal(t, 2, second[2].Index)
}

func TestScanIndexNotReusedAfterRemoval(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cycle_1.log")
	touch(t, dir, "cycle_2.log")

	tr := New(Config{LogsDir: dir})
	require.Nil(t, tr.Scan())

	require.NoError(t, os.Remove(filepath.Join(dir, "cycle_1.log")))
	require.Nil(t, tr.Scan())
	touch(t, dir, "cycle_3.log")
	require.Nil(t, tr.Scan())

	entries := tr.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.NotEqual(t, 0, e.Index, "index 0 (cycle_1) must not be reused")
	}
}

func TestScanMissingDirectory(t *testing.T) {
	tr := New(Config{LogsDir: filepath.Join(t.TempDir(), "missing")})
	aerr := tr.Scan()
	require.NotNil(t, aerr)
	require.Equal(t, "NOT_FOUND", string(aerr.Code))
}

func TestSelectByFilename(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cycle_1.log")

	tr := New(Config{LogsDir: dir})
	require.Nil(t, tr.Scan())

	e, aerr := tr.Select("cycle_1.log")
	require.Nil(t, aerr)
	require.Equal(t, 1, e.CycleNum)
}

func TestSelectNotFound(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cycle_1.log")

	tr := New(Config{LogsDir: dir})
	require.Nil(t, tr.Scan())

	_, aerr := tr.Select("cycle_99.log")
	require.NotNil(t, aerr)
	require.Equal(t, "NOT_FOUND", string(aerr.Code))
}

func TestCounts(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "cycle_1.log")
	touch(t, dir, "cycle_2.log")
	touch(t, dir, "cycle_3.log")

	tr := New(Config{LogsDir: dir})
	require.Nil(t, tr.Scan())

	counts := tr.Counts()
	require.Equal(t, 3, counts.SchedRestarts)
	require.Equal(t, 3, counts.TotalFiles)
}
