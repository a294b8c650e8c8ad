// Package ingest turns the watcher's debounced filesystem events into
// the same file-document mutations the crawler produces, then
// forwards the resulting Added/Modified/Deleted events to the
// replication engine, so an agent's live change stream and its
// periodic crawl converge on one document shape.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/watcher"
)

// Store is the document-store surface the ingest handler needs: a
// per-path lookup (watcher events arrive one at a time, unlike the
// crawler's whole-node scan) and a single-document upsert.
type Store interface {
	FileByExportPath(ctx context.Context, nodeID, exportPath string) (*documents.File, bool, error)
	PutFile(ctx context.Context, f *documents.File) error
}

// Sink receives the events ingest produces, normally a
// replication.Engine.
type Sink interface {
	Added(fileID string, file *documents.File)
	Modified(fileID string, file *documents.File)
	Deleted(fileID string, file *documents.File)
}

// NewInode allocates a fresh stable inode for a newly observed file.
type NewInode func() uint64

// Handler applies one watcher.Event to the document store.
type Handler struct {
	NodeID   string
	Store    Store
	Sink     Sink
	NewInode NewInode
	Logger   *slog.Logger
}

// Handle applies ev, looking up or creating the corresponding file
// document and emitting the matching lifecycle event. Per-event
// errors are returned for the caller to log and continue; the
// watcher never aborts its run over one bad path.
func (h *Handler) Handle(ctx context.Context, ev watcher.Event) error {
	switch ev.Kind {
	case watcher.Created, watcher.Changed:
		return h.upsert(ctx, ev.Path)
	case watcher.Removed:
		return h.softDelete(ctx, ev.Path)
	case watcher.Renamed:
		return h.rename(ctx, ev.From, ev.Path)
	default:
		return nil
	}
}

func (h *Handler) upsert(ctx context.Context, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return h.softDelete(ctx, path)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	existing, found, err := h.Store.FileByExportPath(ctx, h.NodeID, path)
	if err != nil {
		return err
	}
	if found && existing.Status == documents.StatusActive &&
		existing.Size == uint64(info.Size()) && existing.Mtime.Equal(info.ModTime()) {
		return nil // no-op, matching the crawler's fast path
	}

	doc := &documents.File{
		Type:   "file",
		Name:   info.Name(),
		Source: documents.FileSource{NodeID: h.NodeID, ExportPath: path, ExportParent: filepath.Dir(path)},
		Size:   uint64(info.Size()),
		Mtime:  info.ModTime(),
		Status: documents.StatusActive,
	}

	isNew := !found
	if found {
		doc.ID = existing.ID
		doc.Rev = existing.Rev
		doc.Inode = existing.Inode
	} else {
		doc.ID = documents.NewFileID()
		doc.Inode = h.NewInode()
	}

	if err := h.Store.PutFile(ctx, doc); err != nil {
		return err
	}
	if isNew {
		h.Sink.Added(doc.ID, doc)
	} else {
		h.Sink.Modified(doc.ID, doc)
	}
	return nil
}

func (h *Handler) softDelete(ctx context.Context, path string) error {
	existing, found, err := h.Store.FileByExportPath(ctx, h.NodeID, path)
	if err != nil {
		return err
	}
	if !found || existing.Status == documents.StatusDeleted {
		return nil
	}
	now := time.Now()
	existing.Status = documents.StatusDeleted
	existing.DeletedAt = &now
	if err := h.Store.PutFile(ctx, existing); err != nil {
		return err
	}
	h.Sink.Deleted(existing.ID, existing)
	return nil
}

// rename preserves the file's identity (inode, UUID) across a path
// change rather than treating it as a delete+create pair, keeping
// inodes stable for a single Renamed event.
func (h *Handler) rename(ctx context.Context, from, to string) error {
	existing, found, err := h.Store.FileByExportPath(ctx, h.NodeID, from)
	if err != nil {
		return err
	}
	if !found {
		return h.upsert(ctx, to)
	}

	info, err := os.Lstat(to)
	if err != nil {
		if os.IsNotExist(err) {
			return h.softDelete(ctx, from)
		}
		return err
	}

	existing.Name = info.Name()
	existing.Source.ExportPath = to
	existing.Source.ExportParent = filepath.Dir(to)
	existing.Size = uint64(info.Size())
	existing.Mtime = info.ModTime()
	existing.Status = documents.StatusActive

	if err := h.Store.PutFile(ctx, existing); err != nil {
		return err
	}
	h.Sink.Modified(existing.ID, existing)
	return nil
}
