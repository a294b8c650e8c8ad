// Package readdir evaluates a virtual directory's mounts into the
// flat listing a FUSE readdir call returns: running the step
// pipeline per file, applying each mount's name-mapping strategy, and
// resolving collisions between mounts.
package readdir

import (
	"context"
	"sort"
	"strings"

	"github.com/mheily/mosaicfs/internal/documents"
	"github.com/mheily/mosaicfs/internal/steps"
)

// Entry is one file produced by evaluating a directory's mounts.
type Entry struct {
	Name           string
	FileID         string
	Size           uint64
	Mtime          int64 // unix nanos, kept integer to avoid importing time into comparisons
	MimeType       string
	SourceNodeID   string
	SourceExportPath string
	MountID        string
}

// Source abstracts the query a mount issues against the document
// store: "every active file under this node/export path".
type Source interface {
	// QueryMountFiles returns (fileID, *documents.File) pairs matching mount.
	QueryMountFiles(ctx context.Context, source documents.MountSource) ([]FileRecord, error)
}

// FileRecord pairs a document ID with its decoded File document.
type FileRecord struct {
	ID   string
	File *documents.File
}

// Evaluate runs every mount's files through the step pipeline,
// applies name mapping, resolves collisions, and returns the sorted
// listing. childDirs holds the names of subdirectories already
// present so that a mount's mapped name never shadows one.
func Evaluate(ctx context.Context, src Source, stepCtx steps.Context, mounts []documents.MountEntry, inheritedSteps []documents.Step, childDirs []string) ([]Entry, error) {
	result := make(map[string]Entry)
	policies := make(map[string]documents.ConflictPolicy)

	childSet := make(map[string]bool, len(childDirs))
	for _, d := range childDirs {
		childSet[d] = true
	}

	for _, mount := range mounts {
		records, err := src.QueryMountFiles(ctx, mount.Source)
		if err != nil {
			return nil, err
		}

		allSteps := make([]documents.Step, 0, len(inheritedSteps)+len(mount.Steps))
		allSteps = append(allSteps, inheritedSteps...)
		allSteps = append(allSteps, mount.Steps...)

		for _, rec := range records {
			disposition := steps.Evaluate(allSteps, rec.File, rec.ID, mount.DefaultResult, stepCtx)
			if disposition != documents.Include {
				continue
			}

			mappedName := mapName(mount, rec.File)
			if childSet[mappedName] {
				continue
			}

			entry := Entry{
				Name:             mappedName,
				FileID:           rec.ID,
				Size:             rec.File.Size,
				Mtime:            rec.File.Mtime.UnixNano(),
				MimeType:         rec.File.MimeType,
				SourceNodeID:     rec.File.Source.NodeID,
				SourceExportPath: rec.File.Source.ExportPath,
				MountID:          mount.MountID,
			}

			resolveCollision(result, policies, mappedName, entry, mount.ConflictPolicy)
		}
	}

	entries := make([]Entry, 0, len(result))
	for _, e := range result {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func resolveCollision(result map[string]Entry, policies map[string]documents.ConflictPolicy, name string, entry Entry, defaultPolicy documents.ConflictPolicy) {
	existing, exists := result[name]
	if !exists {
		policies[name] = defaultPolicy
		result[name] = entry
		return
	}

	policy := defaultPolicy
	if p, ok := policies[name]; ok {
		policy = p
	}

	switch policy {
	case documents.SuffixNodeID:
		stem, ext := splitExtension(name)
		var suffixed string
		if ext == "" {
			suffixed = stem + " (" + entry.SourceNodeID + ")"
		} else {
			suffixed = stem + " (" + entry.SourceNodeID + ")." + ext
		}
		entry.Name = suffixed
		result[suffixed] = entry
	default: // LastWriteWins
		if entry.Mtime > existing.Mtime {
			result[name] = entry
			policies[name] = defaultPolicy
		}
	}
}

func mapName(mount documents.MountEntry, file *documents.File) string {
	switch mount.Strategy {
	case documents.Flatten:
		return file.Name
	case documents.PrefixReplace:
		if mount.Source.Kind != documents.SourceNode {
			return file.Name
		}
		rel := strings.TrimPrefix(file.Source.ExportPath, mount.Source.ExportPath)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			return file.Name
		}
		if idx := strings.Index(rel, "/"); idx >= 0 {
			return rel[:idx]
		}
		return rel
	default:
		return file.Name
	}
}

func splitExtension(name string) (string, string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// AncestorPaths returns the ancestor virtual paths of path, from root
// down to (but excluding) path's own parent boundary; "/a/b/c"
// yields ["/", "/a", "/a/b"].
func AncestorPaths(path string) []string {
	ancestors := []string{"/"}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ancestors
	}
	parts := strings.Split(trimmed, "/")
	for i := 0; i < len(parts)-1; i++ {
		p := "/" + strings.Join(parts[:i+1], "/")
		if p != "/" {
			ancestors = append(ancestors, p)
		}
	}
	return ancestors
}
