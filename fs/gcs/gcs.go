// Package gcs is the Google Cloud Storage fsiface.FS: objects under a
// bucket/prefix stand in for files, "directories" are key prefixes
// delimited by "/", and Lock uses GCS's generation preconditions to get
// the same create-exclusive semantics fs/posix gets from O_EXCL.
//
// No GCS-backed storage engine was retrieved into the example pack (the
// teacher ships only a POSIX backend); this package is built directly
// from the documented cloud.google.com/go/storage client API, shaped to
// match fs/posix's method set so the repository core cannot tell the
// two apart.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"
	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/obnamerr"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// FS is a fsiface.FS backed by one GCS bucket, rooted at prefix.
type FS struct {
	bucket *storage.BucketHandle
	prefix string

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
}

// New wraps an already-authenticated GCS client's bucket handle. prefix
// is joined onto every path this FS is asked to operate on.
func New(client *storage.Client, bucket, prefix string) *FS {
	return &FS{bucket: client.Bucket(bucket), prefix: strings.Trim(prefix, "/")}
}

func (f *FS) key(p string) string {
	p = strings.Trim(p, "/")
	if f.prefix == "" {
		return p
	}
	if p == "" {
		return f.prefix
	}
	return f.prefix + "/" + p
}

func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := f.bucket.Object(f.key(p)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	return false, wrapErr(p, err)
}

// IsDir reports whether any object exists under p as a prefix; GCS has
// no real directories, so this is the closest approximation.
func (f *FS) IsDir(ctx context.Context, p string) (bool, error) {
	it := f.bucket.Objects(ctx, &storage.Query{Prefix: f.key(p) + "/", Delimiter: "/"})
	_, err := it.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(p, err)
	}
	return true, nil
}

func (f *FS) Lstat(ctx context.Context, p string) (fsiface.FileInfo, error) {
	attrs, err := f.bucket.Object(f.key(p)).Attrs(ctx)
	if err != nil {
		return fsiface.FileInfo{}, wrapErr(p, err)
	}
	return fsiface.FileInfo{
		Name:    path.Base(p),
		Size:    attrs.Size,
		ModTime: attrs.Updated,
	}, nil
}

func (f *FS) ListDir(ctx context.Context, p string) ([]string, error) {
	prefix := f.key(p)
	if prefix != "" {
		prefix += "/"
	}
	it := f.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapErr(p, err)
		}
		name := attrs.Name
		if attrs.Prefix != "" {
			name = attrs.Prefix
		}
		name = strings.TrimPrefix(name, prefix)
		name = strings.TrimSuffix(name, "/")
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *FS) ScanTree(ctx context.Context, p string, fn func(path string, info fsiface.FileInfo) error) error {
	prefix := f.key(p)
	if prefix != "" {
		prefix += "/"
	}
	it := f.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return wrapErr(p, err)
		}
		rel := strings.TrimPrefix(attrs.Name, f.prefix+"/")
		if err := fn(rel, fsiface.FileInfo{
			Name:    path.Base(rel),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		}); err != nil {
			return err
		}
	}
}

func (f *FS) Cat(ctx context.Context, p string) ([]byte, error) {
	r, err := f.bucket.Object(f.key(p)).NewReader(ctx)
	if err != nil {
		return nil, wrapErr(p, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapErr(p, err)
	}
	f.bytesRead.Add(uint64(len(data)))
	return data, nil
}

// WriteFile uses a DoesNotExist precondition so a concurrent writer
// loses instead of silently clobbering, the GCS equivalent of
// fs/posix's O_EXCL.
func (f *FS) WriteFile(ctx context.Context, p string, data []byte) error {
	obj := f.bucket.Object(f.key(p)).If(storage.Conditions{DoesNotExist: true})
	return f.write(ctx, p, obj, data)
}

func (f *FS) OverwriteFile(ctx context.Context, p string, data []byte) error {
	return f.write(ctx, p, f.bucket.Object(f.key(p)), data)
}

func (f *FS) write(ctx context.Context, p string, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return wrapErr(p, err)
	}
	if err := w.Close(); err != nil {
		return wrapErr(p, err)
	}
	f.bytesWritten.Add(uint64(len(data)))
	return nil
}

// Mkdir and MakeDirs are no-ops: GCS has no directory objects, and any
// object write under a prefix makes that prefix listable.
func (f *FS) Mkdir(context.Context, string) error    { return nil }
func (f *FS) MakeDirs(context.Context, string) error { return nil }
func (f *FS) Rmdir(context.Context, string) error    { return nil }

func (f *FS) Remove(ctx context.Context, p string) error {
	if err := f.bucket.Object(f.key(p)).Delete(ctx); err != nil {
		return wrapErr(p, err)
	}
	return nil
}

// Rename copies newPath from oldPath then deletes oldPath; GCS has no
// atomic server-side rename, only copy.
func (f *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	src := f.bucket.Object(f.key(oldPath))
	dst := f.bucket.Object(f.key(newPath))
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return wrapErr(oldPath, err)
	}
	if err := src.Delete(ctx); err != nil {
		return wrapErr(oldPath, err)
	}
	return nil
}

func (f *FS) Lock(ctx context.Context, name string) error {
	obj := f.bucket.Object(f.key(name)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if _, err := w.Write([]byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		_ = w.Close()
		return wrapErr(name, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return obnamerr.LockFail{LockName: name}
		}
		return wrapErr(name, err)
	}
	return nil
}

func (f *FS) Unlock(ctx context.Context, name string) error {
	return f.Remove(ctx, name)
}

func (f *FS) BytesWritten() uint64 { return f.bytesWritten.Load() }
func (f *FS) BytesRead() uint64    { return f.bytesRead.Load() }

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 412
	}
	return false
}

func wrapErr(path string, err error) error {
	return obnamerr.IOError{Filename: path, Strerror: err.Error(), Cause: err}
}
