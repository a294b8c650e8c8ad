// Package cache persists file content fetched through the tiered
// resolver so later opens of the same file can be served locally.
//
// Small files (<=50MiB) are cached whole; larger files are cached in
// block mode (4MiB blocks by default), where a BlockMap records which
// byte ranges are present so the FUSE read path can request only the
// gaps; ranges are stored as fetched, not rounded to block boundaries. Entry
// metadata lives in a SQLite index alongside the sharded content
// files; staleness is detected by comparing the cached mtime/size
// against the file document each lookup.
package cache
