// Package vfsadapter is the concrete seam between the document-store
// client and the VFS-facing packages (readdir, fuse, tiered, steps),
// translating D's documents into the narrow interfaces those packages
// consume rather than letting any of them talk docstore.Client
// directly.
package vfsadapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mheily/mosaicfs/internal/backend"
	"github.com/mheily/mosaicfs/internal/docstore"
	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/readdir"
	"github.com/mheily/mosaicfs/internal/tiered"
	"github.com/mheily/mosaicfs/pkg/errors"
)

// backendAdapterFor builds a backend.Adapter for a replica read,
// relying on the backend's own default credential chain (Credential
// documents authenticate inbound HMAC callers, not outbound static
// secrets).
func backendAdapterFor(doc *documents.StorageBackend) (backend.Adapter, error) {
	return backend.FromBackendDoc(doc, backend.Credentials{})
}

// Adapter implements readdir.Source, fuse.DirTree, tiered.Store, and
// steps.Context over a single docstore.Client.
type Adapter struct {
	client *docstore.Client

	labels *labelCache
	access *accessCache
	dirs   *directoryCache
}

// New builds an Adapter over client, with label, access, and
// directory caches: the change-feed consumer invalidates them through
// RebuildLabels/RefreshAccess/InvalidateDirectory as the matching
// documents change.
func New(client *docstore.Client) *Adapter {
	return &Adapter{
		client: client,
		labels: newLabelCache(),
		access: newAccessCache(),
		dirs:   newDirectoryCache(5 * time.Second),
	}
}

// QueryMountFiles implements readdir.Source for a node-backed mount
// source; federated sources return an empty set, as this release does
// not resolve federated imports.
func (a *Adapter) QueryMountFiles(ctx context.Context, src documents.MountSource) ([]readdir.FileRecord, error) {
	if src.Kind == documents.SourceFederated {
		return nil, nil
	}
	resp, err := a.client.Find(ctx, map[string]interface{}{
		"type":           "file",
		"status":         documents.StatusActive,
		"source.node_id": src.NodeID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]readdir.FileRecord, 0, len(resp.Docs))
	for _, raw := range resp.Docs {
		var f documents.File
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		// export_parent must fall under the mount's export_path; Find
		// only narrows by node_id, so the prefix test happens here
		// rather than via a non-standard selector.
		if !strings.HasPrefix(f.Source.ExportParent, src.ExportPath) {
			continue
		}
		out = append(out, readdir.FileRecord{ID: f.ID, File: &f})
	}
	return out, nil
}

// Directory implements fuse.DirTree: it loads the virtual directory's
// own mounts and walks its ancestors (root downward) collecting the
// steps of every ancestor with enforce_steps_on_children set.
func (a *Adapter) Directory(ctx context.Context, dirID string) ([]documents.MountEntry, []documents.Step, error) {
	var dir documents.VirtualDirectory
	if err := a.client.Get(ctx, dirID, &dir); err != nil {
		return nil, nil, err
	}

	if mounts, inherited, ok := a.dirs.get(dir.VirtualPath); ok {
		return mounts, inherited, nil
	}

	var inherited []documents.Step
	for _, ancestorPath := range readdir.AncestorPaths(dir.VirtualPath) {
		if ancestorPath == dir.VirtualPath {
			continue
		}
		var ancestor documents.VirtualDirectory
		if err := a.client.Get(ctx, documents.DirectoryID(ancestorPath), &ancestor); err != nil {
			if mosaicErr, ok := err.(*errors.Error); ok && mosaicErr.Kind == errors.NotFound {
				continue
			}
			return nil, nil, err
		}
		if !ancestor.EnforceStepsOnChildren {
			continue
		}
		for _, m := range ancestor.Mounts {
			inherited = append(inherited, m.Steps...)
		}
	}

	a.dirs.set(dir.VirtualPath, dir.Mounts, inherited)
	return dir.Mounts, inherited, nil
}

// Subdirectories implements fuse.DirTree: every virtual directory
// whose parent_path equals dirID's own virtual_path, keyed by name.
func (a *Adapter) Subdirectories(ctx context.Context, dirID string) (map[string]string, error) {
	var dir documents.VirtualDirectory
	if err := a.client.Get(ctx, dirID, &dir); err != nil {
		return nil, err
	}
	resp, err := a.client.Find(ctx, map[string]interface{}{
		"type":        "directory",
		"parent_path": dir.VirtualPath,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Docs))
	for _, raw := range resp.Docs {
		var d documents.VirtualDirectory
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		out[d.Name] = d.ID
	}
	return out, nil
}

// NodeTransferEndpoint implements tiered.Store: the node must be
// online and carry a resolved transfer endpoint.
func (a *Adapter) NodeTransferEndpoint(ctx context.Context, nodeID string) (string, bool, error) {
	var n documents.Node
	if err := a.client.Get(ctx, documents.NodeID(nodeID), &n); err != nil {
		if mosaicErr, ok := err.(*errors.Error); ok && mosaicErr.Kind == errors.NotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if n.Status != documents.NodeOnline {
		return "", false, nil
	}
	if n.Transfer != nil && n.Transfer.Endpoint != "" {
		return n.Transfer.Endpoint, true, nil
	}
	if n.FileServerURL != "" {
		return n.FileServerURL, true, nil
	}
	return "", false, nil
}

// NodeAgentToken implements tiered.Store: the bearer token nodeID's
// agent file server currently expects.
func (a *Adapter) NodeAgentToken(ctx context.Context, nodeID string) (string, error) {
	var n documents.Node
	if err := a.client.Get(ctx, documents.NodeID(nodeID), &n); err != nil {
		if mosaicErr, ok := err.(*errors.Error); ok && mosaicErr.Kind == errors.NotFound {
			return "", nil
		}
		return "", err
	}
	return n.AgentToken, nil
}

// ReplicasForFile implements tiered.Store's Tier 4b enumeration.
func (a *Adapter) ReplicasForFile(ctx context.Context, fileUUID string) ([]tiered.Replica, error) {
	resp, err := a.client.AllDocsByPrefix(ctx, "replica::"+fileUUID+"::")
	if err != nil {
		return nil, err
	}
	out := make([]tiered.Replica, 0, len(resp.Docs))
	for _, raw := range resp.Docs {
		var r documents.Replica
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, tiered.Replica{
			Backend:      r.Backend,
			RemoteKey:    r.RemoteKey,
			TargetName:   r.TargetName,
			SourceNodeID: r.SourceNodeID,
			Status:       r.Status,
		})
	}
	return out, nil
}

// Backend implements tiered.Store, resolving a named storage backend
// for Tier 4b's directory/s3/b2 downloads.
func (a *Adapter) Backend(ctx context.Context, name string) (*documents.StorageBackend, error) {
	var b documents.StorageBackend
	if err := a.client.Get(ctx, documents.StorageBackendID(name), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// HasLabel implements steps.Context's "label" op lookup, served from
// the materialized label cache when the change feed hasn't invalidated
// it.
func (a *Adapter) HasLabel(fileUUID, label string) bool {
	labels, ok := a.labels.get(fileUUID)
	if !ok {
		var la documents.LabelAssignment
		if err := a.client.Get(context.Background(), documents.LabelAssignmentID(fileUUID), &la); err != nil {
			a.labels.set(fileUUID, nil)
			return false
		}
		labels = la.Labels
		a.labels.set(fileUUID, labels)
	}
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// LastAccess implements steps.Context's "access_age" op lookup,
// cache-first like HasLabel.
func (a *Adapter) LastAccess(fileID string) (time.Time, bool) {
	fileUUID, ok := documents.FileUUID(fileID)
	if !ok {
		fileUUID = fileID
	}
	if t, ok := a.access.get(fileUUID); ok {
		return t, !t.IsZero()
	}
	var acc documents.Access
	if err := a.client.Get(context.Background(), documents.AccessID(fileUUID), &acc); err != nil {
		a.access.set(fileUUID, time.Time{})
		return time.Time{}, false
	}
	a.access.set(fileUUID, acc.LastAccess)
	return acc.LastAccess, true
}

// HasReplica implements steps.Context's "replicated" op lookup.
func (a *Adapter) HasReplica(fileUUID string, target, status *string) bool {
	resp, err := a.client.AllDocsByPrefix(context.Background(), "replica::"+fileUUID+"::")
	if err != nil {
		return false
	}
	for _, raw := range resp.Docs {
		var r documents.Replica
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if target != nil && r.TargetName != *target {
			continue
		}
		if status != nil && string(r.Status) != *status {
			continue
		}
		return true
	}
	return false
}

// HasAnnotation implements steps.Context's "annotation" op lookup.
func (a *Adapter) HasAnnotation(fileUUID, pluginName string) bool {
	var ann documents.Annotation
	err := a.client.Get(context.Background(), documents.AnnotationID(fileUUID, pluginName), &ann)
	return err == nil
}

// ExistingFiles implements crawler.Store: every non-purged file
// document for nodeID, keyed by its source export_path.
func (a *Adapter) ExistingFiles(ctx context.Context, nodeID string) (map[string]*documents.File, error) {
	resp, err := a.client.Find(ctx, map[string]interface{}{
		"type":           "file",
		"source.node_id": nodeID,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*documents.File, len(resp.Docs))
	for _, raw := range resp.Docs {
		var f documents.File
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		out[f.Source.ExportPath] = &f
	}
	return out, nil
}

// BulkDocs implements crawler.Store.
func (a *Adapter) BulkDocs(ctx context.Context, docs []*documents.File) error {
	raw := make([]interface{}, len(docs))
	for i, d := range docs {
		raw[i] = d
	}
	results, err := a.client.BulkDocs(ctx, raw)
	if err != nil {
		return err
	}
	for i, r := range results {
		if r.Rev != "" && i < len(docs) {
			docs[i].Rev = r.Rev
		}
	}
	return nil
}

// FileByExportPath looks up the single file document for nodeID at
// exportPath, for the watcher's per-path ingestion path, which cannot
// afford ExistingFiles' whole-node scan on every event.
func (a *Adapter) FileByExportPath(ctx context.Context, nodeID, exportPath string) (*documents.File, bool, error) {
	resp, err := a.client.Find(ctx, map[string]interface{}{
		"type":               "file",
		"source.node_id":     nodeID,
		"source.export_path": exportPath,
	})
	if err != nil {
		return nil, false, err
	}
	for _, raw := range resp.Docs {
		var f documents.File
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		return &f, true, nil
	}
	return nil, false, nil
}

// PutFile upserts a single file document.
func (a *Adapter) PutFile(ctx context.Context, f *documents.File) error {
	rev, err := a.client.Put(ctx, f.ID, f)
	if err != nil {
		return err
	}
	f.Rev = rev
	return nil
}

// ReplicaDownloader implements tiered.Downloader by constructing the
// same polymorphic backend.Adapter the replication engine uploads
// through, for Tier 4b's s3/b2 replica reads.
type ReplicaDownloader struct{}

// Download implements tiered.Downloader.
func (ReplicaDownloader) Download(ctx context.Context, doc *documents.StorageBackend, remoteKey string) ([]byte, error) {
	adapter, err := backendAdapterFor(doc)
	if err != nil {
		return nil, err
	}
	return adapter.Download(ctx, remoteKey)
}
