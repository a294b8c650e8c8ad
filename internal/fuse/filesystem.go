package fuse

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/mheily/mosaicfs/internal/blockmap"
	"github.com/mheily/mosaicfs/internal/cache"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/readdir"
	"github.com/mheily/mosaicfs/internal/steps"
	"github.com/mheily/mosaicfs/internal/tiered"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow.
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// DirTree is the document-store surface the filesystem consults to
// evaluate a virtual directory: its mounts, inherited step pipeline,
// and named subdirectories.
type DirTree interface {
	Directory(ctx context.Context, dirID string) (mounts []documents.MountEntry, inheritedSteps []documents.Step, err error)
	Subdirectories(ctx context.Context, dirID string) (map[string]string, error) // name -> child dirID
}

// Resolver runs the tiered resolution chain for a file.
type Resolver interface {
	Resolve(ctx context.Context, file tiered.File) tiered.Result
}

// Fetcher performs the remote fetch a NeedsFetch result describes.
// Fetch downloads a file whole, installing the content into the cache
// and returning its local path; FetchRange serves a single byte range
// without installing anything, used by block-mode gap filling.
type Fetcher interface {
	Fetch(ctx context.Context, fetch tiered.FetchInfo) (path string, err error)
	FetchRange(ctx context.Context, fetch tiered.FetchInfo, start, end uint64) (data []byte, err error)
}

// BlockCache is the subset of the disk block cache the FUSE layer
// needs to serve a large remote file as a sparse, on-demand entry
// instead of downloading it whole.
type BlockCache interface {
	EnsureBlockEntry(fileUUID, fileID string, mtime time.Time, size, blockSize uint64, source string) (path string, err error)
	BlockMapFor(fileUUID string) (*blockmap.BlockMap, bool)
	WriteRange(fileUUID string, offset int64, data []byte) error
}

// Config holds the filesystem's read-only behavior knobs.
type Config struct {
	AttrTTL     time.Duration
	DefaultUID  uint32
	DefaultGID  uint32
	FileMode    uint32
	DirMode     uint32

	// BlockModeThreshold is the file size above which Open serves the
	// file as a sparse block-mode entry instead of fetching it whole;
	// zero defaults to cache.FullFileThreshold.
	BlockModeThreshold uint64
	// BlockSize is the minimum gap-coalescing granularity for
	// block-mode reads; zero defaults to cache.DefaultBlockSize.
	BlockSize uint64
}

// Stats tracks filesystem operation counts, surfaced through metrics
// and the mount manager's status output.
type Stats struct {
	mu sync.RWMutex

	Lookups     int64
	Opens       int64
	Reads       int64
	BytesRead   int64
	CacheHits   int64
	CacheMisses int64
	Errors      int64
}

func (s *Stats) incLookups()        { s.mu.Lock(); s.Lookups++; s.mu.Unlock() }
func (s *Stats) incOpens()          { s.mu.Lock(); s.Opens++; s.mu.Unlock() }
func (s *Stats) incReads(n int)     { s.mu.Lock(); s.Reads++; s.BytesRead += int64(n); s.mu.Unlock() }
func (s *Stats) incErrors()         { s.mu.Lock(); s.Errors++; s.mu.Unlock() }
func (s *Stats) incCacheHit()       { s.mu.Lock(); s.CacheHits++; s.mu.Unlock() }
func (s *Stats) incCacheMiss()      { s.mu.Lock(); s.CacheMisses++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Lookups:     s.Lookups,
		Opens:       s.Opens,
		Reads:       s.Reads,
		BytesRead:   s.BytesRead,
		CacheHits:   s.CacheHits,
		CacheMisses: s.CacheMisses,
		Errors:      s.Errors,
	}
}

// FileSystem is the read-only synthesized view over the document
// store's virtual directory tree: lookup, readdir, open, read, and
// release, with no write, create, or delete operations.
type FileSystem struct {
	tree       DirTree
	source     readdir.Source
	stepCtx    steps.Context
	resolver   Resolver
	fetcher    Fetcher
	blockCache BlockCache
	config     Config
	logger     *slog.Logger
	stats      *Stats

	rootDirID string
}

// New builds a read-only FileSystem rooted at rootDirID. blockCache
// may be nil, in which case every NeedsFetch result is served by a
// whole-file Fetch regardless of size.
func New(tree DirTree, source readdir.Source, stepCtx steps.Context, resolver Resolver, fetcher Fetcher, blockCache BlockCache, rootDirID string, config Config, logger *slog.Logger) *FileSystem {
	if config.AttrTTL <= 0 {
		config.AttrTTL = 5 * time.Second
	}
	if config.FileMode == 0 {
		config.FileMode = 0o444
	}
	if config.DirMode == 0 {
		config.DirMode = 0o755
	}
	if config.BlockModeThreshold == 0 {
		config.BlockModeThreshold = cache.FullFileThreshold
	}
	if config.BlockSize == 0 {
		config.BlockSize = cache.DefaultBlockSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSystem{
		tree:       tree,
		source:     source,
		stepCtx:    stepCtx,
		resolver:   resolver,
		fetcher:    fetcher,
		blockCache: blockCache,
		config:     config,
		logger:     logger,
		stats:      &Stats{},
		rootDirID:  rootDirID,
	}
}

// Root returns the root inode embedder for fs.Mount.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fs: f, dirID: f.rootDirID}
}

// Stats returns a snapshot of the filesystem's operation counters.
func (f *FileSystem) Stats() Stats {
	return f.stats.Snapshot()
}

// DirectoryNode represents one node of the synthesized virtual
// directory tree.
type DirectoryNode struct {
	fs.Inode
	fs    *FileSystem
	dirID string
}

var (
	_ fs.NodeLookuper  = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer = (*DirectoryNode)(nil)
	_ fs.NodeGetattrer = (*DirectoryNode)(nil)
)

func (n *DirectoryNode) evaluate(ctx context.Context) (files []readdir.Entry, childDirs map[string]string, err error) {
	childDirs, err = n.fs.tree.Subdirectories(ctx, n.dirID)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(childDirs))
	for name := range childDirs {
		names = append(names, name)
	}

	mounts, inherited, err := n.fs.tree.Directory(ctx, n.dirID)
	if err != nil {
		return nil, nil, err
	}
	files, err = readdir.Evaluate(ctx, n.fs.source, n.fs.stepCtx, mounts, inherited, names)
	return files, childDirs, err
}

// Getattr reports this node as a directory.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | n.fs.config.DirMode
	out.Uid = n.fs.config.DefaultUID
	out.Gid = n.fs.config.DefaultGID
	return 0
}

// Lookup resolves name to either a subdirectory or a file entry
// produced by the step pipeline.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fs.stats.incLookups()

	files, childDirs, err := n.evaluate(ctx)
	if err != nil {
		n.fs.stats.incErrors()
		n.fs.logger.Error("readdir evaluation failed", "dir_id", n.dirID, "error", err)
		return nil, syscall.EIO
	}

	if childID, ok := childDirs[name]; ok {
		out.Mode = syscall.S_IFDIR | n.fs.config.DirMode
		child := n.NewInode(ctx, &DirectoryNode{fs: n.fs, dirID: childID}, fs.StableAttr{Mode: syscall.S_IFDIR})
		return child, 0
	}

	for _, entry := range files {
		if entry.Name != name {
			continue
		}
		out.Mode = syscall.S_IFREG | n.fs.config.FileMode
		out.Size = entry.Size
		out.Mtime = safeInt64ToUint64(entry.Mtime / int64(time.Second))
		child := n.NewInode(ctx, &FileNode{fs: n.fs, entry: entry}, fs.StableAttr{Mode: syscall.S_IFREG})
		return child, 0
	}

	return nil, syscall.ENOENT
}

// Readdir lists subdirectories and files in one combined stream.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	files, childDirs, err := n.evaluate(ctx)
	if err != nil {
		n.fs.stats.incErrors()
		n.fs.logger.Error("readdir evaluation failed", "dir_id", n.dirID, "error", err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(files)+len(childDirs))
	for name := range childDirs {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
	}
	for _, entry := range files {
		entries = append(entries, fuse.DirEntry{Name: entry.Name, Mode: syscall.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// FileNode represents one file surfaced through a virtual directory's
// step pipeline.
type FileNode struct {
	fs.Inode
	fs    *FileSystem
	entry readdir.Entry
}

var (
	_ fs.NodeOpener   = (*FileNode)(nil)
	_ fs.NodeGetattrer = (*FileNode)(nil)
)

// Getattr reports the file's size and mtime as recorded by its owning
// file document; this filesystem never writes, so these never change
// locally.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | f.fs.config.FileMode
	out.Size = f.entry.Size
	out.Mtime = safeInt64ToUint64(f.entry.Mtime / int64(time.Second))
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = f.fs.config.DefaultUID
	out.Gid = f.fs.config.DefaultGID
	return 0
}

// Open rejects any write intent and resolves the file through the
// tiered chain, fetching remote content if needed before the first
// read.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	f.fs.stats.incOpens()

	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	tieredFile := tiered.File{
		ID:       f.entry.FileID,
		NodeID:   f.entry.SourceNodeID,
		Export:   f.entry.SourceExportPath,
		Size:     f.entry.Size,
		Mtime:    time.Unix(0, f.entry.Mtime),
		MimeType: f.entry.MimeType,
	}

	result := f.fs.resolver.Resolve(ctx, tieredFile)
	switch result.Kind {
	case tiered.LocalPath:
		f.fs.stats.incCacheHit()
		path := result.Path
		file, err := os.Open(path)
		if err != nil {
			f.fs.stats.incErrors()
			return nil, 0, syscall.EIO
		}
		return &FileHandle{fs: f.fs, file: file}, 0, 0

	case tiered.NeedsFetch:
		f.fs.stats.incCacheMiss()
		if f.fs.fetcher == nil {
			return nil, 0, syscall.EIO
		}
		fetch := *result.Fetch

		if f.fs.blockCache != nil && fetch.Size > f.fs.config.BlockModeThreshold {
			handle, errno := f.openBlockMode(fetch)
			return handle, 0, errno
		}

		path, err := f.fs.fetcher.Fetch(ctx, fetch)
		if err != nil {
			f.fs.stats.incErrors()
			f.fs.logger.Error("remote fetch failed", "file_id", f.entry.FileID, "error", err)
			return nil, 0, syscall.EIO
		}
		file, err := os.Open(path)
		if err != nil {
			f.fs.stats.incErrors()
			return nil, 0, syscall.EIO
		}
		return &FileHandle{fs: f.fs, file: file}, 0, 0

	default:
		f.fs.stats.incErrors()
		f.fs.logger.Warn("file not accessible", "file_id", f.entry.FileID, "reason", result.Reason)
		return nil, 0, syscall.ENOENT
	}
}

// openBlockMode prepares a sparse local entry for fetch (files over
// the block-mode threshold are never downloaded whole) and opens it
// for on-demand reads; BlockFileHandle.Read fills
// gaps from the remote agent as they're requested.
func (f *FileNode) openBlockMode(fetch tiered.FetchInfo) (fs.FileHandle, syscall.Errno) {
	fileUUID := fetch.FileID
	if u, ok := documents.FileUUID(fetch.FileID); ok {
		fileUUID = u
	}

	path, err := f.fs.blockCache.EnsureBlockEntry(fileUUID, fetch.FileID, fetch.Mtime, fetch.Size, f.fs.config.BlockSize, "remote:"+fetch.NodeID)
	if err != nil {
		f.fs.stats.incErrors()
		f.fs.logger.Error("block-mode entry setup failed", "file_id", fetch.FileID, "error", err)
		return nil, syscall.EIO
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		f.fs.stats.incErrors()
		return nil, syscall.EIO
	}
	return &BlockFileHandle{fs: f.fs, file: file, fileUUID: fileUUID, fetch: fetch}, 0
}

// FileHandle serves reads from a locally resolved file (either the
// owning node's own copy, a block-cache entry, or a freshly fetched
// replica).
type FileHandle struct {
	fs   *FileSystem
	file *os.File
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read serves dest from off via pread.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.file.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, syscall.EIO
	}
	fh.fs.stats.incReads(n)
	return fuse.ReadResultData(dest[:n]), 0
}

// Release closes the underlying file descriptor.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.file.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}

// BlockFileHandle serves reads from a sparse block-mode cache entry,
// fetching only the ranges a read actually touches and that the block
// map doesn't already have present.
type BlockFileHandle struct {
	fs       *FileSystem
	file     *os.File
	fileUUID string
	fetch    tiered.FetchInfo
}

var (
	_ fs.FileReader   = (*BlockFileHandle)(nil)
	_ fs.FileReleaser = (*BlockFileHandle)(nil)
)

// Read fetches any gaps in [off, off+len(dest)) from the owning agent,
// writes them into the cache entry, then serves dest from the local
// sparse file.
func (fh *BlockFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	query := blockmap.Range{Start: safeInt64ToUint64(off), End: safeInt64ToUint64(off) + uint64(len(dest))}

	bm, ok := fh.fs.blockCache.BlockMapFor(fh.fileUUID)
	if !ok {
		fh.fs.stats.incErrors()
		return nil, syscall.EIO
	}

	if !bm.RangePresent(query) {
		fh.fs.stats.incCacheMiss()
		for _, gap := range bm.CoalescedMissing(query, fh.fs.config.BlockSize) {
			data, err := fh.fs.fetcher.FetchRange(ctx, fh.fetch, gap.Start, gap.End)
			if err != nil {
				fh.fs.stats.incErrors()
				fh.fs.logger.Error("block-mode gap fetch failed", "file_id", fh.fetch.FileID, "start", gap.Start, "end", gap.End, "error", err)
				return nil, syscall.EIO
			}
			if err := fh.fs.blockCache.WriteRange(fh.fileUUID, int64(gap.Start), data); err != nil {
				fh.fs.stats.incErrors()
				return nil, syscall.EIO
			}
		}
	} else {
		fh.fs.stats.incCacheHit()
	}

	n, err := fh.file.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, syscall.EIO
	}
	fh.fs.stats.incReads(n)
	return fuse.ReadResultData(dest[:n]), 0
}

// Release closes the underlying file descriptor.
func (fh *BlockFileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.file.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}
