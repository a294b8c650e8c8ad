package vfsadapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mheily/mosaicfs/internal/blockmap"
	"github.com/mheily/mosaicfs/internal/cache"
	"github.com/mheily/mosaicfs/internal/docstore"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/tiered"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// CacheAdapter adapts *cache.Cache to tiered.Cache: the two packages
// keep independent entry shapes, so this only narrows the fields the
// resolution chain actually inspects.
type CacheAdapter struct {
	cache *cache.Cache
}

// NewCacheAdapter wraps c for use by the tiered resolution chain.
func NewCacheAdapter(c *cache.Cache) CacheAdapter {
	return CacheAdapter{cache: c}
}

func (a CacheAdapter) Lookup(fileUUID string) (tiered.CacheEntry, bool) {
	entry, ok := a.cache.Lookup(fileUUID)
	if !ok {
		return tiered.CacheEntry{}, false
	}
	return tiered.CacheEntry{
		Mtime:        entry.Mtime,
		SizeOnRecord: entry.SizeOnRecord,
		HasBlockMap:  entry.BlockMap != nil,
	}, true
}

func (a CacheAdapter) Touch(fileUUID string) error      { return a.cache.Touch(fileUUID) }
func (a CacheAdapter) EntryPath(fileUUID string) string { return a.cache.EntryPath(fileUUID) }
func (a CacheAdapter) StagingPath() string              { return a.cache.StagingPath() }

func (a CacheAdapter) StoreFullFile(fileUUID, fileID string, mtime time.Time, size uint64, source string) error {
	return a.cache.StoreFullFile(fileUUID, fileID, mtime, size, source)
}

// EnsureBlockEntry implements fuse.BlockCache.
func (a CacheAdapter) EnsureBlockEntry(fileUUID, fileID string, mtime time.Time, size, blockSize uint64, source string) (string, error) {
	return a.cache.EnsureBlockEntry(fileUUID, fileID, mtime, size, blockSize, source)
}

// BlockMapFor implements fuse.BlockCache.
func (a CacheAdapter) BlockMapFor(fileUUID string) (*blockmap.BlockMap, bool) {
	return a.cache.BlockMapFor(fileUUID)
}

// WriteRange implements fuse.BlockCache.
func (a CacheAdapter) WriteRange(fileUUID string, offset int64, data []byte) error {
	return a.cache.WriteRange(fileUUID, offset, data)
}

// TieredResolver implements fuse.Resolver by running tiered.Resolve
// against this node's current network-mount configuration, re-read
// from the node's own document on every call since mounts can change
// while the agent is running.
type TieredResolver struct {
	LocalNodeID string
	WatchPaths  []string
	Client      *docstore.Client
	Cache       tiered.Cache
	Store       tiered.Store
	Downloader  tiered.Downloader
}

// Resolve implements fuse.Resolver.
func (r TieredResolver) Resolve(ctx context.Context, file tiered.File) tiered.Result {
	return tiered.Resolve(ctx, file, r.LocalNodeID, r.WatchPaths, r.networkMounts(ctx), r.Cache, r.Store, r.Downloader)
}

func (r TieredResolver) networkMounts(ctx context.Context) []tiered.NetworkMount {
	var n documents.Node
	if err := r.Client.Get(ctx, documents.NodeID(r.LocalNodeID), &n); err != nil {
		return nil
	}
	out := make([]tiered.NetworkMount, 0, len(n.NetworkMounts))
	for _, m := range n.NetworkMounts {
		out = append(out, tiered.NetworkMount{
			RemoteNodeID:         m.RemoteNodeID,
			RemoteBaseExportPath: m.RemoteBaseExportPath,
			LocalMountPath:       m.LocalMountPath,
			MountType:            m.MountType,
		})
	}
	return out
}

// AgentFetcher implements fuse.Fetcher by pulling the requested file
// from its owning (or replica-hosting) agent's file server via GET
// /internal/files/content, then installing the bytes into the cache
// as a full-file entry.
type AgentFetcher struct {
	Cache  *cache.Cache
	Client *http.Client
}

func (f *AgentFetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: 300 * time.Second}
}

// Fetch implements fuse.Fetcher: a whole-file download for files
// under the block-mode threshold, installed into the cache as a
// full-file entry.
func (f *AgentFetcher) Fetch(ctx context.Context, fetch tiered.FetchInfo) (string, error) {
	uuid := fetch.FileID
	if u, ok := documents.FileUUID(fetch.FileID); ok {
		uuid = u
	}

	data, err := f.FetchRange(ctx, fetch, 0, fetch.Size)
	if err != nil {
		return "", err
	}

	staging := f.Cache.StagingPath()
	if err := os.WriteFile(staging, data, 0o600); err != nil {
		return "", err
	}
	final := f.Cache.EntryPath(uuid)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		return "", err
	}
	if err := f.Cache.StoreFullFile(uuid, fetch.FileID, fetch.Mtime, uint64(len(data)), "remote:"+fetch.NodeID); err != nil {
		return "", err
	}
	return final, nil
}

// FetchRange implements fuse.Fetcher: a ranged GET against the
// peer's agent file server, used both for Fetch's whole-file download
// (start=0, end=size) and for block-mode gap fills requested by the
// FUSE read path as it serves a sparse cache entry.
func (f *AgentFetcher) FetchRange(ctx context.Context, fetch tiered.FetchInfo, start, end uint64) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/internal/files/content?path=%s&start=%d&end=%d",
		trimTrailingSlash(fetch.TransferEndpoint), url.QueryEscape(fetch.ExportPath), start, end)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.New(errors.Internal, "build agent file server request").WithCause(err)
	}
	if fetch.AgentToken != "" {
		req.Header.Set("Authorization", "Bearer "+fetch.AgentToken)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		e := errors.New(errors.Transport, err.Error()).WithCause(err).WithOperation("GET /internal/files/content")
		e.Retryable = errors.IsTransportMessage(err.Error())
		return nil, e
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		return nil, errors.New(errors.NotFound, "remote file not found").WithPath(fetch.ExportPath)
	case http.StatusUnauthorized:
		return nil, errors.New(errors.Unauthorized, "agent file server rejected bearer token")
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, errors.New(errors.InvalidInput, "agent file server rejected range")
	default:
		e := errors.New(errors.BackendError, "agent file server returned "+strconv.Itoa(resp.StatusCode))
		e.Retryable = resp.StatusCode >= 500
		return nil, e
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.Transport, "read agent file server response").WithCause(err)
	}
	return data, nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
