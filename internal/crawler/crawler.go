// Package crawler implements the initial-inventory and change-
// detection walk: diff each configured root against the prior file
// documents for this node, writing only what changed and forwarding
// Added/Modified/Deleted events to the replication engine.
package crawler

import (
	"context"
	"log/slog"
	"math/rand"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mheily/mosaicfs/internal/documents"
)

// extraMimeTypes fills in common extensions the stdlib mime package's
// OS-provided table often misses, matching the original's mime_guess
// fallback behavior.
var extraMimeTypes = map[string]string{
	".md":   "text/markdown",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".log":  "text/plain",
	".heic": "image/heic",
}

// mimeForName guesses a file's MIME type from its extension, returning
// "" when none is known; the crawler never sniffs file content.
func mimeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return extraMimeTypes[ext]
}

// minInode is the floor for generated inodes.
const minInode = 1000

// batchSize is the _bulk_docs flush threshold.
const batchSize = 200

// Store is the document-store surface the crawler reads existing
// inventory from and writes changes to.
type Store interface {
	// ExistingFiles returns every non-purged file document for nodeID,
	// keyed by its source export_path.
	ExistingFiles(ctx context.Context, nodeID string) (map[string]*documents.File, error)
	// BulkDocs writes a batch of file documents.
	BulkDocs(ctx context.Context, docs []*documents.File) error
}

// EventSink receives per-file lifecycle events as the crawler
// produces them, typically backed by a replication.Engine.Submit.
type EventSink interface {
	Added(fileID string, file *documents.File)
	Modified(fileID string, file *documents.File)
	Deleted(fileID string, file *documents.File)
}

// Counts summarizes one crawl run.
type Counts struct {
	New     int
	Updated int
	Skipped int
	Deleted int
}

// Crawler walks a node's configured roots and reconciles file
// documents in D against the filesystem.
type Crawler struct {
	nodeID   string
	roots    []string
	excluded []string
	store    Store
	sink     EventSink
	logger   *slog.Logger
}

// Config collects a Crawler's construction-time dependencies.
type Config struct {
	NodeID        string
	Roots         []string
	ExcludedPaths []string
	Store         Store
	Sink          EventSink
	Logger        *slog.Logger
}

// New builds a Crawler.
func New(cfg Config) *Crawler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Crawler{
		nodeID:   cfg.NodeID,
		roots:    cfg.Roots,
		excluded: cfg.ExcludedPaths,
		store:    cfg.Store,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
	}
}

func (c *Crawler) isExcluded(path string) bool {
	for _, ex := range c.excluded {
		if strings.HasPrefix(path, ex) {
			return true
		}
	}
	return false
}

// isValidFilename rejects names the crawler should silently skip:
// NUL, path separators, or other control characters.
func isValidFilename(name string) bool {
	for _, r := range name {
		if r == 0 || r == '/' || r < 0x20 {
			return false
		}
	}
	return name != ""
}

// Run executes one crawl: existing-document lookup, filesystem walk,
// soft-deletion of vanished paths, and a final Counts summary.
func (c *Crawler) Run(ctx context.Context) (Counts, error) {
	existing, err := c.store.ExistingFiles(ctx, c.nodeID)
	if err != nil {
		return Counts{}, err
	}
	seen := make(map[string]bool, len(existing))

	var counts Counts
	var batch []*documents.File

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.store.BulkDocs(ctx, batch); err != nil {
			return err
		}
		for _, f := range batch {
			if f.Status == documents.StatusDeleted {
				c.sink.Deleted(f.ID, f)
				continue
			}
			if _, wasPresent := existing[f.Source.ExportPath]; wasPresent {
				c.sink.Modified(f.ID, f)
			} else {
				c.sink.Added(f.ID, f)
			}
		}
		batch = batch[:0]
		return nil
	}

	for _, root := range c.roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				c.logger.Warn("crawl walk error", "path", path, "error", walkErr)
				return nil // per-file errors never abort the run
			}
			if c.isExcluded(path) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if info.IsDir() {
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if !isValidFilename(info.Name()) {
				return nil
			}

			seen[path] = true
			prior, isNew := lookupIsNew(existing, path)

			if !isNew && prior.Status == documents.StatusActive &&
				prior.Size == uint64(info.Size()) && prior.Mtime.Equal(info.ModTime()) {
				counts.Skipped++
				return nil
			}

			doc := buildFileDoc(c.nodeID, path, info, prior, isNew)
			batch = append(batch, doc)
			if isNew {
				counts.New++
			} else {
				counts.Updated++
			}

			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return counts, err
		}
	}

	if err := flush(); err != nil {
		return counts, err
	}

	// Soft-delete every previously known path not observed this run.
	var deleteBatch []*documents.File
	now := time.Now()
	for path, f := range existing {
		if seen[path] || f.Status == documents.StatusDeleted {
			continue
		}
		deletedAt := now
		f.Status = documents.StatusDeleted
		f.DeletedAt = &deletedAt
		deleteBatch = append(deleteBatch, f)
		counts.Deleted++

		if len(deleteBatch) >= batchSize {
			if err := c.store.BulkDocs(ctx, deleteBatch); err != nil {
				return counts, err
			}
			for _, df := range deleteBatch {
				c.sink.Deleted(df.ID, df)
			}
			deleteBatch = deleteBatch[:0]
		}
	}
	if len(deleteBatch) > 0 {
		if err := c.store.BulkDocs(ctx, deleteBatch); err != nil {
			return counts, err
		}
		for _, df := range deleteBatch {
			c.sink.Deleted(df.ID, df)
		}
	}

	return counts, nil
}

// lookupIsNew computes newness directly from the existing-document
// lookup, before any event is constructed, never inferred after the
// fact from batch counters.
func lookupIsNew(existing map[string]*documents.File, path string) (*documents.File, bool) {
	prior, ok := existing[path]
	if !ok {
		return nil, true
	}
	return prior, false
}

// buildFileDoc constructs the file document for path, preserving the
// prior _id/inode (even across a deleted->resurrected transition) or
// allocating fresh ones for a genuinely new file.
func buildFileDoc(nodeID, path string, info os.FileInfo, prior *documents.File, isNew bool) *documents.File {
	id := documents.NewFileID()
	var inode uint64 = minInode + rand.Uint64()%(1<<40)
	rev := ""
	if !isNew {
		id = prior.ID
		inode = prior.Inode
		rev = prior.Rev
	}

	return &documents.File{
		ID:       id,
		Rev:      rev,
		Type:     "file",
		Inode:    inode,
		Name:     info.Name(),
		Source:   documents.FileSource{NodeID: nodeID, ExportPath: path, ExportParent: filepath.Dir(path)},
		Size:     uint64(info.Size()),
		Mtime:    info.ModTime(),
		MimeType: mimeForName(info.Name()),
		Status:   documents.StatusActive,
	}
}

// NewUUID is exposed for callers (e.g. the agent main) that need a
// document ID in the crawler's own scheme without running a crawl.
func NewUUID() string { return uuid.NewString() }
