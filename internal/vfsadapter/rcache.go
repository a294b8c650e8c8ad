package vfsadapter

import (
	"context"
	"sync"
	"time"

	"github.com/mheily/mosaicfs/internal/documents"
)

// labelCache holds a file's materialized label set behind a
// reader/writer lock; readers never block each other.
type labelCache struct {
	mu     sync.RWMutex
	labels map[string][]string
}

func newLabelCache() *labelCache { return &labelCache{labels: make(map[string][]string)} }

func (c *labelCache) get(fileUUID string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	labels, ok := c.labels[fileUUID]
	return labels, ok
}

func (c *labelCache) set(fileUUID string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labels[fileUUID] = labels
}

func (c *labelCache) invalidate(fileUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.labels, fileUUID)
}

// accessCache holds a file's last-access timestamp behind a
// reader/writer lock.
type accessCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func newAccessCache() *accessCache { return &accessCache{entries: make(map[string]time.Time)} }

func (c *accessCache) get(fileUUID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[fileUUID]
	return t, ok
}

func (c *accessCache) set(fileUUID string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fileUUID] = t
}

func (c *accessCache) invalidate(fileUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fileUUID)
}

// dirCacheEntry is one cached Directory() result.
type dirCacheEntry struct {
	mounts    []documents.MountEntry
	inherited []documents.Step
	expires   time.Time
}

// directoryCache is the readdir TTL cache: a map behind a
// reader/writer lock, keyed by virtual_path, invalidated by the
// change-feed consumer whenever the matching dir:: document changes.
type directoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]dirCacheEntry
}

func newDirectoryCache(ttl time.Duration) *directoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &directoryCache{ttl: ttl, entries: make(map[string]dirCacheEntry)}
}

func (c *directoryCache) get(virtualPath string) ([]documents.MountEntry, []documents.Step, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[virtualPath]
	if !ok || time.Now().After(entry.expires) {
		return nil, nil, false
	}
	return entry.mounts, entry.inherited, true
}

func (c *directoryCache) set(virtualPath string, mounts []documents.MountEntry, inherited []documents.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[virtualPath] = dirCacheEntry{mounts: mounts, inherited: inherited, expires: time.Now().Add(c.ttl)}
}

func (c *directoryCache) invalidate(virtualPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, virtualPath)
}

// RebuildLabels implements changefeed.LabelRebuilder: it simply drops
// the cached entry so the next HasLabel call re-reads the
// label_assignment document.
func (a *Adapter) RebuildLabels(ctx context.Context, fileUUID string) error {
	a.labels.invalidate(fileUUID)
	return nil
}

// RefreshAccess implements changefeed.AccessRefresher.
func (a *Adapter) RefreshAccess(ctx context.Context, fileUUID string) error {
	a.access.invalidate(fileUUID)
	return nil
}

// InvalidateDirectory implements changefeed.DirectoryInvalidator.
func (a *Adapter) InvalidateDirectory(virtualPath string) {
	a.dirs.invalidate(virtualPath)
}
