package backend

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/mheily/mosaicfs/pkg/errors"
)

// DirectoryAdapter replicates files into a local (or network-mounted)
// directory tree: write-to-tmp, fsync, rename, matching the same
// atomic-install idiom the block cache uses for downloads.
type DirectoryAdapter struct {
	root string
}

// NewDirectoryAdapter builds a DirectoryAdapter rooted at root.
func NewDirectoryAdapter(root string) *DirectoryAdapter {
	return &DirectoryAdapter{root: root}
}

// sanitizeKey rejects path traversal in a remote key.
func sanitizeKey(key string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(key), "/") {
		if part == ".." {
			return "", errors.New(errors.InvalidInput, "invalid remote key").WithDetail("key", key)
		}
	}
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", errors.New(errors.InvalidInput, "invalid remote key").WithDetail("key", key)
	}
	return strings.TrimPrefix(clean, "/"), nil
}

func (d *DirectoryAdapter) path(key string) (string, error) {
	safe, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, safe), nil
}

// Upload writes data to key via a tmp file, fsync, and atomic rename.
func (d *DirectoryAdapter) Upload(ctx context.Context, key string, data []byte) error {
	final, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return errors.New(errors.BackendError, "create directory backend parent dir").WithCause(err)
	}

	tmp := filepath.Join(d.root, "tmp", fmt.Sprintf(".%016x", rand.Uint64()))
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return errors.New(errors.BackendError, "create directory backend tmp dir").WithCause(err)
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.New(errors.BackendError, "open staging file").WithCause(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.New(errors.BackendError, "write staging file").WithCause(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.New(errors.BackendError, "fsync staging file").WithCause(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.New(errors.BackendError, "close staging file").WithCause(err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.New(errors.BackendError, "install uploaded file").WithCause(err)
	}
	return nil
}

// Download reads the full content at key.
func (d *DirectoryAdapter) Download(ctx context.Context, key string) ([]byte, error) {
	full, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.NotFound, "object not found").WithPath(key)
		}
		return nil, errors.New(errors.BackendError, "read object").WithCause(err).WithPath(key)
	}
	return data, nil
}

// Delete removes key, treating an already-absent file as success.
func (d *DirectoryAdapter) Delete(ctx context.Context, key string) error {
	full, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errors.New(errors.BackendError, "delete object").WithCause(err).WithPath(key)
	}
	return nil
}

// List recursively walks the backend directory for keys under prefix.
func (d *DirectoryAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	safePrefix, err := sanitizeKey(prefix)
	if err != nil && prefix != "" {
		return nil, err
	}
	var keys []string
	err = filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "tmp/") {
			return nil
		}
		if safePrefix == "" || strings.HasPrefix(rel, safePrefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.New(errors.BackendError, "list directory backend").WithCause(err)
	}
	return keys, nil
}
