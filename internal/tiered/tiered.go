// Package tiered implements the file-access resolution chain used by
// the FUSE open/read path: local file, network mount, cloud-sync
// directory, remote agent fetch, and replica failover, tried in that
// order until one can serve the file.
package tiered

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/internal/documents"
)

// ResultKind tags which variant of Result is populated.
type ResultKind int

const (
	LocalPath ResultKind = iota
	NeedsFetch
	NotAccessible
)

// FetchInfo describes a remote fetch a caller (the FUSE open handler)
// must perform when Resolve cannot serve a file locally: a GET against
// the owning node's agent file server.
type FetchInfo struct {
	FileID           string
	NodeID           string
	TransferEndpoint string
	ExportPath       string
	AgentToken       string
	Size             uint64
	Mtime            time.Time
}

// Result is the outcome of a tiered resolution attempt.
type Result struct {
	Kind   ResultKind
	Path   string
	Fetch  *FetchInfo
	Reason string
}

// NetworkMount is the subset of a node's configured network mounts
// tiered access needs to translate a remote export path to a local one.
type NetworkMount struct {
	RemoteNodeID         string
	RemoteBaseExportPath string
	LocalMountPath       string
	MountType            string
}

// CacheEntry reports what the block cache already knows about a file.
type CacheEntry struct {
	Mtime        time.Time
	SizeOnRecord uint64
	HasBlockMap  bool
}

// Cache is the subset of the block cache tiered access consults before
// falling through to remote tiers.
type Cache interface {
	Lookup(fileUUID string) (CacheEntry, bool)
	Touch(fileUUID string) error
	EntryPath(fileUUID string) string
	StagingPath() string
	StoreFullFile(fileUUID, fileID string, mtime time.Time, size uint64, source string) error
}

// Replica is the subset of a Replica document Tier 4b needs.
type Replica struct {
	Backend      string
	RemoteKey    string
	TargetName   string
	SourceNodeID string
	Status       documents.ReplicaStatus
}

// Store is the document-store surface tiered access reads from.
type Store interface {
	// NodeTransferEndpoint returns the transfer endpoint for nodeID if
	// the node is online; ok is false if offline or absent.
	NodeTransferEndpoint(ctx context.Context, nodeID string) (endpoint string, ok bool, err error)
	// NodeAgentToken returns the bearer token nodeID's agent file
	// server currently expects, recorded in its node document.
	NodeAgentToken(ctx context.Context, nodeID string) (token string, err error)
	ReplicasForFile(ctx context.Context, fileUUID string) ([]Replica, error)
	Backend(ctx context.Context, name string) (*documents.StorageBackend, error)
}

// Downloader fetches an object from a replica's storage backend, used
// by Tier 4b for s3/b2 backends.
type Downloader interface {
	Download(ctx context.Context, backend *documents.StorageBackend, remoteKey string) ([]byte, error)
}

// File is the subset of a File document tiered access needs, plus its
// document ID.
type File struct {
	ID       string
	NodeID   string
	Export   string
	Size     uint64
	Mtime    time.Time
	MimeType string
}

func fileUUID(fileID string) string {
	if uuid, ok := documents.FileUUID(fileID); ok {
		return uuid
	}
	return fileID
}

// Resolve runs the tiered chain for file, returning the first tier
// able to serve it.
func Resolve(ctx context.Context, file File, localNodeID string, watchPaths []string, networkMounts []NetworkMount, cache Cache, store Store, dl Downloader) Result {
	uuid := fileUUID(file.ID)

	// Tier 1: local file on this node.
	if file.NodeID == localNodeID {
		if canonical, err := filepath.EvalSymlinks(file.Export); err == nil {
			if isUnderWatchPath(canonical, watchPaths) {
				return Result{Kind: LocalPath, Path: canonical}
			}
		}
	}

	// Cache check, before any remote tier.
	if entry, ok := cache.Lookup(uuid); ok {
		if entry.Mtime.Equal(file.Mtime) && entry.SizeOnRecord == file.Size {
			path := cache.EntryPath(uuid)
			if _, err := os.Stat(path); err == nil {
				_ = cache.Touch(uuid)
				return Result{Kind: LocalPath, Path: path}
			}
		}
	}

	// Tier 2: network mount (CIFS/NFS).
	for _, m := range networkMounts {
		if m.RemoteNodeID != file.NodeID {
			continue
		}
		if m.MountType != "cifs" && m.MountType != "nfs" {
			continue
		}
		if translated, ok := translateNetworkPath(file.Export, m.RemoteBaseExportPath, m.LocalMountPath); ok {
			if _, err := os.Stat(translated); err == nil {
				return Result{Kind: LocalPath, Path: translated}
			}
		}
	}

	// Tier 3: cloud-sync local directory.
	for _, m := range networkMounts {
		if m.RemoteNodeID != file.NodeID {
			continue
		}
		if m.MountType != "icloud_local" && m.MountType != "gdrive_local" {
			continue
		}
		translated, ok := translateNetworkPath(file.Export, m.RemoteBaseExportPath, m.LocalMountPath)
		if !ok {
			continue
		}
		if _, err := os.Stat(translated); err != nil {
			continue
		}
		if m.MountType == "icloud_local" && isICloudEvicted(translated) {
			continue
		}
		return Result{Kind: LocalPath, Path: translated}
	}

	// Tier 4: remote agent fetch.
	if endpoint, ok, err := store.NodeTransferEndpoint(ctx, file.NodeID); err == nil && ok {
		token, _ := store.NodeAgentToken(ctx, file.NodeID)
		return Result{Kind: NeedsFetch, Fetch: &FetchInfo{
			FileID:           file.ID,
			NodeID:           file.NodeID,
			TransferEndpoint: endpoint,
			ExportPath:       file.Export,
			AgentToken:       token,
			Size:             file.Size,
			Mtime:            file.Mtime,
		}}
	}

	// Tier 4b: replica failover, the owning node is offline.
	return resolveFromReplica(ctx, file, cache, store, dl)
}

func resolveFromReplica(ctx context.Context, file File, cache Cache, store Store, dl Downloader) Result {
	uuid := fileUUID(file.ID)

	replicas, err := store.ReplicasForFile(ctx, uuid)
	if err != nil {
		return Result{Kind: NotAccessible, Reason: "owning node offline and replica query failed"}
	}

	replica, ok := bestReplica(replicas)
	if !ok {
		return Result{Kind: NotAccessible, Reason: "owning node offline and no current replicas"}
	}

	switch replica.Backend {
	case "agent":
		// Agent-target failover requires the replica to carry a
		// resolved node_id so we know which peer to ask; Tier 4's own
		// endpoint lookup handles that indirection.
		if endpoint, ok, err := store.NodeTransferEndpoint(ctx, replica.SourceNodeID); err == nil && ok {
			token, _ := store.NodeAgentToken(ctx, replica.SourceNodeID)
			return Result{Kind: NeedsFetch, Fetch: &FetchInfo{
				FileID:           file.ID,
				NodeID:           replica.SourceNodeID,
				TransferEndpoint: endpoint,
				ExportPath:       file.Export,
				AgentToken:       token,
				Size:             file.Size,
				Mtime:            file.Mtime,
			}}
		}
		return Result{Kind: NotAccessible, Reason: "owning node and replica agent both offline"}

	case "directory":
		backend, err := store.Backend(ctx, replica.TargetName)
		if err != nil || backend == nil {
			return Result{Kind: NotAccessible, Reason: "replica backend not found"}
		}
		dir, _ := backend.BackendConfig["path"].(string)
		if dir == "" {
			dir = "/"
		}
		full := filepath.Join(dir, strings.TrimPrefix(replica.RemoteKey, "/"))
		if _, err := os.Stat(full); err == nil {
			return Result{Kind: LocalPath, Path: full}
		}
		return Result{Kind: NotAccessible, Reason: "directory replica path not found"}

	case "s3", "b2":
		backend, err := store.Backend(ctx, replica.TargetName)
		if err != nil || backend == nil {
			return Result{Kind: NotAccessible, Reason: "replica backend not found"}
		}
		data, err := dl.Download(ctx, backend, replica.RemoteKey)
		if err != nil {
			return Result{Kind: NotAccessible, Reason: "S3/B2 replica download failed: " + err.Error()}
		}
		staging := cache.StagingPath()
		if err := os.WriteFile(staging, data, 0o600); err != nil {
			return Result{Kind: NotAccessible, Reason: "failed to cache replica content"}
		}
		final := cache.EntryPath(uuid)
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return Result{Kind: NotAccessible, Reason: "failed to prepare cache directory"}
		}
		if err := os.Rename(staging, final); err != nil {
			return Result{Kind: NotAccessible, Reason: "failed to install replica cache"}
		}
		_ = cache.StoreFullFile(uuid, file.ID, file.Mtime, uint64(len(data)), "replica:"+replica.TargetName)
		return Result{Kind: LocalPath, Path: final}

	default:
		return Result{Kind: NotAccessible, Reason: "unknown replica backend '" + replica.Backend + "'"}
	}
}

// bestReplica prefers a "current" replica, accepts "frozen" otherwise.
func bestReplica(replicas []Replica) (Replica, bool) {
	var best Replica
	found := false
	for _, r := range replicas {
		if r.Status != documents.ReplicaCurrent && r.Status != documents.ReplicaFrozen {
			continue
		}
		isCurrent := r.Status == documents.ReplicaCurrent
		if !found || isCurrent {
			best = r
			found = true
		}
		if isCurrent {
			break
		}
	}
	return best, found
}

func isUnderWatchPath(canonical string, watchPaths []string) bool {
	for _, wp := range watchPaths {
		resolved := wp
		if c, err := filepath.EvalSymlinks(wp); err == nil {
			resolved = c
		}
		if strings.HasPrefix(canonical, resolved) {
			return true
		}
	}
	return false
}

// translateNetworkPath rewrites a remote export path onto a locally
// mounted share's path, given the mount's remote base path.
func translateNetworkPath(exportPath, remoteBase, localMount string) (string, bool) {
	if !strings.HasPrefix(exportPath, remoteBase) {
		return "", false
	}
	relative := strings.TrimPrefix(exportPath, remoteBase)
	if !strings.HasPrefix(relative, "/") {
		relative = "/" + relative
	}
	return strings.TrimRight(localMount, "/") + relative, true
}

// isICloudEvicted reports whether a locally-synced iCloud placeholder
// has been evicted from disk. Only meaningful on macOS; elsewhere it
// always reports present.
func isICloudEvicted(path string) bool {
	return platformICloudEvicted(path)
}
