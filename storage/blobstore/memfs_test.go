package blobstore

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/obnamgo/obnam/fsiface"
	"github.com/pkg/errors"
)

// memFS is a minimal in-memory fsiface.FS used to exercise bagstore
// without touching a real disk. Directories are implicit: any path that
// is a strict prefix of a stored file's path is a directory.
type memFS struct {
	mu       sync.Mutex
	files    map[string][]byte
	locks    map[string]bool
	written  uint64
	readSize uint64
}

func newMemFS() *memFS {
	return &memFS{files: map[string][]byte{}, locks: map[string]bool{}}
}

func (m *memFS) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; ok {
		return true, nil
	}
	prefix := path + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memFS) IsDir(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	_, isFile := m.files[path]
	m.mu.Unlock()
	if isFile {
		return false, nil
	}
	return m.Exists(ctx, path)
}

func (m *memFS) Lstat(context.Context, string) (fsiface.FileInfo, error) {
	return fsiface.FileInfo{}, errors.New("memfs: Lstat not implemented")
}

func (m *memFS) ListDir(_ context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + "/"
	seen := map[string]bool{}
	var names []string
	for p := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			name = rest[:i]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memFS) ScanTree(_ context.Context, path string, fn func(path string, info fsiface.FileInfo) error) error {
	m.mu.Lock()
	prefix := path + "/"
	var paths []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) || p == path {
			paths = append(paths, p)
		}
	}
	m.mu.Unlock()
	sort.Strings(paths)
	for _, p := range paths {
		if err := fn(p, fsiface.FileInfo{Name: p, IsDir: false, Mode: fs.FileMode(0o644)}); err != nil {
			return err
		}
	}
	return nil
}

func (m *memFS) Cat(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, errors.Errorf("memfs: no such file %s", path)
	}
	m.readSize += uint64(len(data))
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *memFS) WriteFile(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; ok {
		return errors.Errorf("memfs: %s already exists", path)
	}
	m.files[path] = append([]byte(nil), data...)
	m.written += uint64(len(data))
	return nil
}

func (m *memFS) OverwriteFile(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
	m.written += uint64(len(data))
	return nil
}

func (m *memFS) Mkdir(context.Context, string) error      { return nil }
func (m *memFS) MakeDirs(context.Context, string) error   { return nil }
func (m *memFS) Rmdir(context.Context, string) error      { return nil }

func (m *memFS) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return errors.Errorf("memfs: no such file %s", path)
	}
	delete(m.files, path)
	return nil
}

func (m *memFS) Rename(_ context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[oldPath]
	if !ok {
		return errors.Errorf("memfs: no such file %s", oldPath)
	}
	m.files[newPath] = data
	delete(m.files, oldPath)
	return nil
}

func (m *memFS) Lock(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[name] {
		return errors.Errorf("memfs: %s already locked", name)
	}
	m.locks[name] = true
	return nil
}

func (m *memFS) Unlock(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
	return nil
}

func (m *memFS) BytesWritten() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

func (m *memFS) BytesRead() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readSize
}

var _ fsiface.FS = (*memFS)(nil)
