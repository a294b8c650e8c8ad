// Package cache implements the block cache: a disk-resident store of
// file content keyed by file UUID, with an embedded SQLite metadata
// index tracking staleness, last access, and (for large files) a
// sparse BlockMap of which byte ranges are present.
package cache

import (
	"database/sql"
	_ "embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mheily/mosaicfs/internal/blockmap"
)

//go:embed schema.sql
var schemaSQL string

// FullFileThreshold is the size above which a file is cached in block
// mode instead of full-file mode.
const FullFileThreshold = 50 * 1024 * 1024

// DefaultBlockSize is the granularity block-mode entries track.
const DefaultBlockSize = 4 * 1024 * 1024

// MaxFragmentation is the interval count above which a block-mode
// entry should be promoted to a full-file download by the caller.
const MaxFragmentation = 1000

// Entry is a cache metadata record for one file.
type Entry struct {
	CacheKey     string
	FileID       string
	Mtime        time.Time
	SizeOnRecord uint64
	BlockSize    uint64
	BlockMap     *blockmap.BlockMap
	CachedBytes  uint64
	LastAccess   time.Time
	Source       string
}

// BlockMode reports whether this entry tracks a sparse BlockMap
// rather than a full-file download.
func (e Entry) BlockMode() bool {
	return e.BlockMap != nil
}

// Cache is the on-disk block cache: a root directory holding a SQLite
// metadata database, a tmp/ staging area, and content files sharded
// under {first-two-hex-chars}/{file_uuid}.
type Cache struct {
	mu           sync.Mutex
	root         string
	db           *sql.DB
	capBytes     uint64
	minFreeBytes uint64
}

// Open opens (creating if necessary) a block cache rooted at dir.
func Open(dir string, capBytes, minFreeBytes uint64) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache tmp dir: %w", err)
	}

	dbPath := filepath.Join(dir, "index.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}

	return &Cache{
		root:         dir,
		db:           db,
		capBytes:     capBytes,
		minFreeBytes: minFreeBytes,
	}, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// EntryPath returns the sharded content path for fileUUID, whether or
// not it currently exists.
func (c *Cache) EntryPath(fileUUID string) string {
	shard := fileUUID
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(c.root, shard, fileUUID)
}

// StagingPath returns a fresh path under tmp/ for an in-progress
// download.
func (c *Cache) StagingPath() string {
	return filepath.Join(c.root, "tmp", fmt.Sprintf("%016x", rand.Uint64()))
}

// Lookup returns the current metadata for fileUUID, reporting ok=false
// if no entry exists.
func (c *Cache) Lookup(fileUUID string) (Entry, bool) {
	row := c.db.QueryRow(`SELECT cache_key, file_id, mtime, size_on_record, block_size,
		block_map, cached_bytes, last_access, source FROM cache_entries WHERE cache_key = ?`, fileUUID)

	var (
		e          Entry
		mtimeStr   string
		lastStr    string
		blockBytes []byte
	)
	if err := row.Scan(&e.CacheKey, &e.FileID, &mtimeStr, &e.SizeOnRecord, &e.BlockSize,
		&blockBytes, &e.CachedBytes, &lastStr, &e.Source); err != nil {
		return Entry{}, false
	}

	e.Mtime, _ = time.Parse(time.RFC3339Nano, mtimeStr)
	e.LastAccess, _ = time.Parse(time.RFC3339Nano, lastStr)
	if e.BlockSize > 0 || len(blockBytes) > 0 {
		e.BlockMap = blockmap.FromBytes(blockBytes)
	}
	return e, true
}

// Touch updates an entry's last_access to now.
func (c *Cache) Touch(fileUUID string) error {
	_, err := c.db.Exec(`UPDATE cache_entries SET last_access = ? WHERE cache_key = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), fileUUID)
	return err
}

// Stale reports whether the cached entry's mtime or size no longer
// matches the current file document.
func Stale(e Entry, mtime time.Time, size uint64) bool {
	return !e.Mtime.Equal(mtime) || e.SizeOnRecord != size
}

// Evict removes a cache entry's metadata row and content file.
func (c *Cache) Evict(fileUUID string) error {
	if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE cache_key = ?`, fileUUID); err != nil {
		return err
	}
	if err := os.Remove(c.EntryPath(fileUUID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StoreFullFile records metadata for a file whose content has already
// been placed at EntryPath(fileUUID) (e.g. via atomic rename from a
// staging path), in full-file mode.
func (c *Cache) StoreFullFile(fileUUID, fileID string, mtime time.Time, size uint64, source string) error {
	_, err := c.db.Exec(`INSERT OR REPLACE INTO cache_entries
		(cache_key, file_id, mtime, size_on_record, block_size, block_map, cached_bytes, last_access, source)
		VALUES (?, ?, ?, ?, 0, NULL, ?, ?, ?)`,
		fileUUID, fileID, mtime.UTC().Format(time.RFC3339Nano), size, size,
		time.Now().UTC().Format(time.RFC3339Nano), source)
	return err
}

// StoreBlockEntry records or updates metadata for a block-mode entry,
// persisting bm's serialized form.
func (c *Cache) StoreBlockEntry(fileUUID, fileID string, mtime time.Time, size, blockSize uint64, bm *blockmap.BlockMap, source string) error {
	_, err := c.db.Exec(`INSERT OR REPLACE INTO cache_entries
		(cache_key, file_id, mtime, size_on_record, block_size, block_map, cached_bytes, last_access, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fileUUID, fileID, mtime.UTC().Format(time.RFC3339Nano), size, blockSize, bm.ToBytes(),
		bm.CachedBytes(), time.Now().UTC().Format(time.RFC3339Nano), source)
	return err
}

// EnsureBlockEntry prepares fileUUID for on-demand block-mode reads:
// a sparse local file sized to hold the full content and an empty
// BlockMap metadata row, so the FUSE read path (internal/fuse) can
// serve present ranges and fetch gaps as they're requested instead of
// downloading the whole file up front. An existing non-stale
// block-mode entry is reused unchanged.
func (c *Cache) EnsureBlockEntry(fileUUID, fileID string, mtime time.Time, size, blockSize uint64, source string) (string, error) {
	path := c.EntryPath(fileUUID)
	if entry, ok := c.Lookup(fileUUID); ok && entry.BlockMode() && !Stale(entry, mtime, size) {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create shard directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create block-mode entry: %w", err)
	}
	truncErr := f.Truncate(int64(size))
	closeErr := f.Close()
	if truncErr != nil {
		return "", fmt.Errorf("size block-mode entry: %w", truncErr)
	}
	if closeErr != nil {
		return "", closeErr
	}

	if err := c.StoreBlockEntry(fileUUID, fileID, mtime, size, blockSize, blockmap.New(), source); err != nil {
		return "", err
	}
	return path, nil
}

// BlockMapFor returns fileUUID's BlockMap if it is currently cached in
// block mode.
func (c *Cache) BlockMapFor(fileUUID string) (*blockmap.BlockMap, bool) {
	entry, ok := c.Lookup(fileUUID)
	if !ok || !entry.BlockMode() {
		return nil, false
	}
	return entry.BlockMap, true
}

// WriteRange installs data at offset into fileUUID's block-mode entry
// file and records the range as present, persisting the updated
// BlockMap and cached-byte count. The caller (internal/fuse's gap
// fetch) is responsible for having called EnsureBlockEntry first.
func (c *Cache) WriteRange(fileUUID string, offset int64, data []byte) error {
	entry, ok := c.Lookup(fileUUID)
	if !ok || !entry.BlockMode() {
		return fmt.Errorf("no block-mode entry for %s", fileUUID)
	}

	f, err := os.OpenFile(c.EntryPath(fileUUID), os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open block-mode entry: %w", err)
	}
	_, writeErr := f.WriteAt(data, offset)
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("write block-mode range: %w", writeErr)
	}
	if closeErr != nil {
		return closeErr
	}

	entry.BlockMap.Insert(blockmap.Range{Start: uint64(offset), End: uint64(offset) + uint64(len(data))})
	return c.StoreBlockEntry(fileUUID, entry.FileID, entry.Mtime, entry.SizeOnRecord, entry.BlockSize, entry.BlockMap, entry.Source)
}

// NewBlockMap returns an empty BlockMap sized for a file of the given
// length, choosing full-file vs block mode per FullFileThreshold.
func NewBlockMap(size uint64) (bm *blockmap.BlockMap, blockMode bool) {
	if size > FullFileThreshold {
		return blockmap.New(), true
	}
	return nil, false
}

// NeedsFullFilePromotion reports whether a block-mode entry has
// fragmented past MaxFragmentation and should be replaced by a single
// full-file download.
func NeedsFullFilePromotion(e Entry) bool {
	return e.BlockMode() && e.BlockMap.IntervalCount() > MaxFragmentation
}

// EvictLRU removes least-recently-accessed entries until both the
// cache's cap and the filesystem's min-free-bytes requirement are
// satisfied. availableBytes is the caller-supplied free-space reading
// for the cache's filesystem.
func (c *Cache) EvictLRU(availableBytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		total, err := c.totalCachedBytes()
		if err != nil {
			return err
		}
		if total <= c.capBytes && availableBytes >= c.minFreeBytes {
			return nil
		}

		key, size, ok, err := c.oldestEntry()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := c.Evict(key); err != nil {
			return err
		}
		availableBytes += size
	}
}

func (c *Cache) totalCachedBytes() (uint64, error) {
	var total sql.NullInt64
	if err := c.db.QueryRow(`SELECT SUM(cached_bytes) FROM cache_entries`).Scan(&total); err != nil {
		return 0, err
	}
	return uint64(total.Int64), nil
}

func (c *Cache) oldestEntry() (key string, cachedBytes uint64, ok bool, err error) {
	row := c.db.QueryRow(`SELECT cache_key, cached_bytes FROM cache_entries ORDER BY last_access ASC LIMIT 1`)
	if err := row.Scan(&key, &cachedBytes); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	return key, cachedBytes, true, nil
}

// CommitDownload atomically installs the staged file at stagingPath
// into fileUUID's sharded slot and writes its full-file metadata row.
func (c *Cache) CommitDownload(stagingPath, fileUUID, fileID string, mtime time.Time, size uint64, source string) error {
	final := c.EntryPath(fileUUID)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}
	if err := os.Rename(stagingPath, final); err != nil {
		return fmt.Errorf("install downloaded content: %w", err)
	}
	return c.StoreFullFile(fileUUID, fileID, mtime, size, source)
}

// sourceForRemote formats the cache entry source for content fetched
// from a specific remote node.
func sourceForRemote(nodeID string) string {
	return "remote:" + nodeID
}

// sourceForReplica formats the cache entry source for content fetched
// via replica failover.
func sourceForReplica(target string) string {
	return "replica:" + target
}

// sourceForPlugin formats the cache entry source for content supplied
// by a plugin.
func sourceForPlugin(name string) string {
	return "plugin:" + name
}
