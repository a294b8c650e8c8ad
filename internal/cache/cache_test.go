package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheily/mosaicfs/internal/blockmap"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(dir, 1024*1024, 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestModeSelection(t *testing.T) {
	bm, blockMode := NewBlockMap(10 * 1024 * 1024)
	assert.False(t, blockMode)
	assert.Nil(t, bm)

	bm, blockMode = NewBlockMap(100 * 1024 * 1024)
	assert.True(t, blockMode)
	assert.NotNil(t, bm)
}

func TestStoreFullFileAndLookup(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	mtime := time.Now().UTC().Round(time.Second)

	require.NoError(t, c.StoreFullFile(fileUUID, "file::"+fileUUID, mtime, 4096, "local"))

	entry, ok := c.Lookup(fileUUID)
	require.True(t, ok)
	assert.Equal(t, uint64(4096), entry.SizeOnRecord)
	assert.Equal(t, uint64(4096), entry.CachedBytes)
	assert.False(t, entry.BlockMode())
	assert.Equal(t, "local", entry.Source)
	assert.True(t, entry.Mtime.Equal(mtime))
}

func TestStale(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	mtime := time.Now().UTC().Round(time.Second)
	require.NoError(t, c.StoreFullFile(fileUUID, "file::"+fileUUID, mtime, 4096, "local"))

	entry, ok := c.Lookup(fileUUID)
	require.True(t, ok)

	assert.False(t, Stale(entry, mtime, 4096))
	assert.True(t, Stale(entry, mtime, 4097))
	assert.True(t, Stale(entry, mtime.Add(time.Second), 4096))
}

func TestStoreBlockEntryRoundTrips(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	mtime := time.Now().UTC().Round(time.Second)

	bm := blockmap.New()
	bm.Insert(blockmap.Range{Start: 0, End: 4 * 1024 * 1024})
	bm.Insert(blockmap.Range{Start: 8 * 1024 * 1024, End: 12 * 1024 * 1024})

	require.NoError(t, c.StoreBlockEntry(fileUUID, "file::"+fileUUID, mtime, 60*1024*1024, DefaultBlockSize, bm, "local"))

	entry, ok := c.Lookup(fileUUID)
	require.True(t, ok)
	require.True(t, entry.BlockMode())
	assert.Equal(t, bm.CachedBytes(), entry.CachedBytes)
	assert.True(t, entry.BlockMap.Equal(bm))
}

func TestEnsureBlockEntryCreatesSparseFileAndEmptyBlockMap(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	mtime := time.Now().UTC().Round(time.Second)

	path, err := c.EnsureBlockEntry(fileUUID, "file::"+fileUUID, mtime, 100*1024*1024, DefaultBlockSize, "remote:node-b")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100*1024*1024), info.Size())

	entry, ok := c.Lookup(fileUUID)
	require.True(t, ok)
	require.True(t, entry.BlockMode())
	assert.Equal(t, uint64(0), entry.CachedBytes)
	assert.Equal(t, uint64(0), entry.BlockMap.CachedBytes())
}

func TestEnsureBlockEntryReusesNonStaleEntry(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	mtime := time.Now().UTC().Round(time.Second)

	_, err := c.EnsureBlockEntry(fileUUID, "file::"+fileUUID, mtime, 100*1024*1024, DefaultBlockSize, "remote:node-b")
	require.NoError(t, err)
	require.NoError(t, c.WriteRange(fileUUID, 0, []byte("present")))

	_, err = c.EnsureBlockEntry(fileUUID, "file::"+fileUUID, mtime, 100*1024*1024, DefaultBlockSize, "remote:node-b")
	require.NoError(t, err)

	bm, ok := c.BlockMapFor(fileUUID)
	require.True(t, ok)
	assert.True(t, bm.RangePresent(blockmap.Range{Start: 0, End: 7}))
}

func TestWriteRangeInstallsBytesAndUpdatesBlockMap(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	mtime := time.Now().UTC().Round(time.Second)

	path, err := c.EnsureBlockEntry(fileUUID, "file::"+fileUUID, mtime, 20, DefaultBlockSize, "remote:node-b")
	require.NoError(t, err)

	require.NoError(t, c.WriteRange(fileUUID, 4, []byte("data")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data[4:8]))

	bm, ok := c.BlockMapFor(fileUUID)
	require.True(t, ok)
	assert.True(t, bm.RangePresent(blockmap.Range{Start: 4, End: 8}))
	assert.False(t, bm.RangePresent(blockmap.Range{Start: 0, End: 4}))
}

func TestBlockMapForReturnsFalseForFullFileEntries(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	require.NoError(t, c.StoreFullFile(fileUUID, "file::"+fileUUID, time.Now().UTC(), 4096, "local"))

	_, ok := c.BlockMapFor(fileUUID)
	assert.False(t, ok)
}

func TestWriteRangeRejectsUnknownEntry(t *testing.T) {
	c := newTestCache(t)
	err := c.WriteRange(uuid.NewString(), 0, []byte("x"))
	assert.Error(t, err)
}

func TestNeedsFullFilePromotion(t *testing.T) {
	bm := blockmap.New()
	for i := 0; i < 1001; i++ {
		start := uint64(i * 10)
		bm.Insert(blockmap.Range{Start: start, End: start + 1})
	}
	entry := Entry{BlockMap: bm}
	assert.True(t, NeedsFullFilePromotion(entry))

	small := Entry{BlockMap: blockmap.New()}
	assert.False(t, NeedsFullFilePromotion(small))
}

func TestEvictLRUEvictsOldestFirst(t *testing.T) {
	c := newTestCache(t)

	older := uuid.NewString()
	newer := uuid.NewString()
	mtime := time.Now().UTC()

	require.NoError(t, c.StoreFullFile(older, "file::"+older, mtime, 700*1024, "local"))
	_, err := c.db.Exec("UPDATE cache_entries SET last_access = ? WHERE cache_key = ?",
		mtime.Add(-time.Hour).Format(time.RFC3339Nano), older)
	require.NoError(t, err)

	require.NoError(t, c.StoreFullFile(newer, "file::"+newer, mtime, 700*1024, "local"))

	require.NoError(t, c.EvictLRU(10*1024*1024))

	_, ok := c.Lookup(older)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Lookup(newer)
	assert.True(t, ok, "newest entry should remain")
}

func TestCommitDownloadInstallsContentAndMetadata(t *testing.T) {
	c := newTestCache(t)
	fileUUID := uuid.NewString()
	mtime := time.Now().UTC().Round(time.Second)

	staging := c.StagingPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(staging), 0o755))
	require.NoError(t, os.WriteFile(staging, []byte("hello"), 0o644))

	require.NoError(t, c.CommitDownload(staging, fileUUID, "file::"+fileUUID, mtime, 5, "remote:nodeA"))

	data, err := os.ReadFile(c.EntryPath(fileUUID))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entry, ok := c.Lookup(fileUUID)
	require.True(t, ok)
	assert.Equal(t, "remote:nodeA", entry.Source)
}
