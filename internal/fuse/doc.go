/*
Package fuse exposes the unified virtual tree as a read-only FUSE
mount.

A DirectoryNode answers lookup/getattr/readdir by running the readdir
evaluator (internal/readdir) against a virtual directory's mounts and
child subdirectories. A FileNode answers open/read/release by handing
the requested file to the tiered resolver (internal/tiered); a
NeedsFetch result is satisfied through the Fetcher before the read
proceeds.

Every entry is served 0444 (files) or 0755 (directories) with a 5s
attribute TTL. Any open with a write flag (O_WRONLY, O_RDWR, O_CREAT,
O_TRUNC, O_APPEND) returns EROFS; there is no write path to translate.
Tier fallthrough and resolver failures surface to the kernel as ENOENT
(not accessible) or EIO (local I/O failure).

MountManager wraps a *fuse.Server from github.com/hanwen/go-fuse/v2,
handling mount/unmount and stale-mount detection.
*/
package fuse
