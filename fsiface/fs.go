// Package fsiface defines the filesystem abstraction the repository
// storage engine is built against. Concrete transports (local POSIX,
// object-storage backends) and the compression/encryption filters that
// wrap them live in sibling packages; nothing in this package talks to
// a real disk or network.
package fsiface

import (
	"context"
	"io/fs"
	"time"
)

// FileInfo is the subset of stat(2) information the engine needs from
// Lstat and ScanTree, independent of any particular FS implementation.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
	IsLink  bool

	// Sys carries the implementation's raw stat structure (e.g.
	// *syscall.Stat_t for fs/posix) for callers, such as posixmeta, that
	// need fields FileInfo does not generalise.
	Sys any
}

// FS is the filesystem surface consumed by the repository core. Every
// operation may block on local or remote I/O; implementations should
// honour ctx cancellation where the underlying transport allows it.
//
// Paths are slash-separated and relative to the FS's own root; callers
// never need to know whether that root is a local directory, a bucket
// prefix, or something else.
type FS interface {
	Exists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	Lstat(ctx context.Context, path string) (FileInfo, error)
	ListDir(ctx context.Context, path string) ([]string, error)

	// ScanTree walks path depth-first, invoking fn once per entry
	// encountered (files, directories and symlinks alike). Returning a
	// non-nil error from fn stops the walk and is propagated.
	ScanTree(ctx context.Context, path string, fn func(path string, info FileInfo) error) error

	// Cat returns the full contents of path, after applying any
	// repository-data read filters configured for paths under a
	// repository toplevel (see FilteredFS).
	Cat(ctx context.Context, path string) ([]byte, error)

	// WriteFile creates path and writes data to it. It fails if path
	// already exists.
	WriteFile(ctx context.Context, path string, data []byte) error

	// OverwriteFile writes data to path, atomically replacing any
	// existing content.
	OverwriteFile(ctx context.Context, path string, data []byte) error

	Mkdir(ctx context.Context, path string) error
	MakeDirs(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error

	// Rename atomically moves oldPath to newPath, overwriting newPath if
	// it already exists.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Lock atomically creates name and fails if it already exists. It is
	// the sole cross-process coordination primitive the engine uses.
	Lock(ctx context.Context, name string) error
	Unlock(ctx context.Context, name string) error

	BytesWritten() uint64
	BytesRead() uint64
}

// ReadFilter transforms bytes read from storage back into their
// original form (e.g. decompression, decryption). Filters compose like
// an onion: the outermost filter is applied first on write and last on
// read.
type ReadFilter interface {
	FilterRead(data []byte) ([]byte, error)
}

// WriteFilter transforms bytes before they are written to storage.
type WriteFilter interface {
	FilterWrite(data []byte) ([]byte, error)
}

// Filter is both directions of one onion layer.
type Filter interface {
	ReadFilter
	WriteFilter
}
