// Package posix is the local-disk fsiface.FS: a thin, atomic-rename
// layer over the standard library plus github.com/pkg/xattr, grounded
// on storage/posix/files.go's createExclusive/lockFile idioms and
// extended to the read/write/rename/lock surface fsiface.FS requires.
package posix

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/pkg/errors"
	"github.com/pkg/xattr"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// FS is a fsiface.FS rooted at a local directory.
type FS struct {
	root string

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
}

// New returns an FS rooted at root. root must already exist.
func New(root string) *FS {
	return &FS{root: root}
}

func (f *FS) abs(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func (f *FS) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Lstat(f.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapErr(path, err)
}

func (f *FS) IsDir(_ context.Context, path string) (bool, error) {
	st, err := os.Stat(f.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapErr(path, err)
	}
	return st.IsDir(), nil
}

func (f *FS) Lstat(_ context.Context, path string) (fsiface.FileInfo, error) {
	st, err := os.Lstat(f.abs(path))
	if err != nil {
		return fsiface.FileInfo{}, wrapErr(path, err)
	}
	raw, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return fsiface.FileInfo{}, errors.Errorf("fs/posix: Lstat(%s) did not return *syscall.Stat_t", path)
	}
	return fsiface.FileInfo{
		Name:    st.Name(),
		Size:    st.Size(),
		Mode:    st.Mode(),
		ModTime: st.ModTime(),
		IsDir:   st.IsDir(),
		IsLink:  st.Mode()&os.ModeSymlink != 0,
		Sys:     raw,
	}, nil
}

func (f *FS) ListDir(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(f.abs(path))
	if err != nil {
		return nil, wrapErr(path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// ScanTree walks path depth-first using Lstat so symlinks are reported,
// not followed, matching fsiface.FS.ScanTree's contract.
func (f *FS) ScanTree(ctx context.Context, path string, fn func(path string, info fsiface.FileInfo) error) error {
	info, err := f.Lstat(ctx, path)
	if err != nil {
		return err
	}
	if err := fn(path, info); err != nil {
		return err
	}
	if !info.IsDir {
		return nil
	}
	names, err := f.ListDir(ctx, path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.ScanTree(ctx, filepath.ToSlash(filepath.Join(path, name)), fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) Cat(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(f.abs(path))
	if err != nil {
		return nil, wrapErr(path, err)
	}
	f.bytesRead.Add(uint64(len(data)))
	return data, nil
}

func (f *FS) WriteFile(_ context.Context, path string, data []byte) error {
	p := f.abs(path)
	fd, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return wrapErr(path, err)
	}
	defer fd.Close()
	if _, err := fd.Write(data); err != nil {
		return wrapErr(path, err)
	}
	f.bytesWritten.Add(uint64(len(data)))
	return nil
}

// OverwriteFile uses storage/posix's createExclusive-then-rename
// pattern: write to a sibling temp file, then atomically rename it
// over path, so a crash mid-write never leaves a half-written path.
func (f *FS) OverwriteFile(_ context.Context, path string, data []byte) error {
	p := f.abs(path)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return wrapErr(path, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return wrapErr(path, err)
	}
	f.bytesWritten.Add(uint64(len(data)))
	return nil
}

func (f *FS) Mkdir(_ context.Context, path string) error {
	if err := os.Mkdir(f.abs(path), dirPerm); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (f *FS) MakeDirs(_ context.Context, path string) error {
	if err := os.MkdirAll(f.abs(path), dirPerm); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (f *FS) Rmdir(_ context.Context, path string) error {
	if err := os.Remove(f.abs(path)); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (f *FS) Remove(_ context.Context, path string) error {
	if err := os.Remove(f.abs(path)); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (f *FS) Rename(_ context.Context, oldPath, newPath string) error {
	if err := os.Rename(f.abs(oldPath), f.abs(newPath)); err != nil {
		return wrapErr(oldPath, err)
	}
	return nil
}

// Lock creates name exclusively, the same O_CREAT|O_EXCL primitive
// storage/posix/files.go's lockFile builds an flock on top of. A plain
// create-and-fail-if-exists is enough here: unlike Tessera's
// long-lived process holding an flock for its lifetime, the
// repository's lock files are held only across one backup/gc
// invocation and removed by Unlock when it finishes.
func (f *FS) Lock(_ context.Context, name string) error {
	p := f.abs(name)
	fd, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		if os.IsExist(err) {
			return obnamerr.LockFail{LockName: name}
		}
		return wrapErr(name, err)
	}
	return fd.Close()
}

func (f *FS) Unlock(_ context.Context, name string) error {
	if err := os.Remove(f.abs(name)); err != nil {
		return wrapErr(name, err)
	}
	return nil
}

func (f *FS) BytesWritten() uint64 { return f.bytesWritten.Load() }
func (f *FS) BytesRead() uint64    { return f.bytesRead.Load() }

// The methods below implement posixmeta.ChownSymlinkFS so the backup
// and restore drivers can hand an *FS straight to posixmeta without an
// adapter.

func (f *FS) Readlink(path string) (string, error) {
	target, err := os.Readlink(f.abs(path))
	if err != nil {
		return "", wrapErr(path, err)
	}
	return target, nil
}

func (f *FS) Symlink(target, path string) error {
	if err := os.Symlink(target, f.abs(path)); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (f *FS) Lchown(path string, uid, gid int) error {
	if err := os.Lchown(f.abs(path), uid, gid); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

// ChmodSymlink is a no-op on Linux, which has no lchmod(2); the mode of
// a symlink itself cannot be changed.
func (f *FS) ChmodSymlink(string, uint32) error { return nil }

func (f *FS) ChmodNotSymlink(path string, mode uint32) error {
	if err := os.Chmod(f.abs(path), fs.FileMode(mode&0o7777)); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func (f *FS) LListXattr(path string) ([]string, error) {
	names, err := xattr.LList(f.abs(path))
	if err != nil && !xattr.IsNotExist(err) {
		return nil, wrapErr(path, err)
	}
	return names, nil
}

func (f *FS) LGetXattr(path, name string) ([]byte, error) {
	value, err := xattr.LGet(f.abs(path), name)
	if err != nil {
		return nil, wrapErr(path, err)
	}
	return value, nil
}

func (f *FS) LSetXattr(path, name string, value []byte) error {
	if err := xattr.LSet(f.abs(path), name, value); err != nil {
		return wrapErr(path, err)
	}
	return nil
}

func wrapErr(path string, err error) error {
	var errno int
	var perr *os.PathError
	if errors.As(err, &perr) {
		if se, ok := perr.Err.(syscall.Errno); ok {
			errno = int(se)
		}
	}
	return obnamerr.IOError{Filename: path, Errno: errno, Strerror: err.Error(), Cause: err}
}
