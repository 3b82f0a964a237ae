// Package s3 is the Amazon S3 fsiface.FS. Like fs/gcs, it is built
// directly from the documented aws-sdk-go-v2 client API rather than a
// retrieved teacher backend: keys under a bucket/prefix stand in for
// files, and Lock relies on the If-None-Match precondition to get
// fs/posix's create-exclusive semantics.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/obnamerr"
)

// FS is a fsiface.FS backed by one S3 bucket, rooted at prefix.
type FS struct {
	client *s3.Client
	bucket string
	prefix string

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
}

// New wraps an already-configured S3 client.
func New(client *s3.Client, bucket, prefix string) *FS {
	return &FS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
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
	_, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(f.bucket), Key: aws.String(f.key(p))})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, wrapErr(p, err)
}

func (f *FS) IsDir(ctx context.Context, p string) (bool, error) {
	prefix := f.key(p)
	if prefix != "" {
		prefix += "/"
	}
	out, err := f.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket), Prefix: aws.String(prefix), MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, wrapErr(p, err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (f *FS) Lstat(ctx context.Context, p string) (fsiface.FileInfo, error) {
	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(f.bucket), Key: aws.String(f.key(p))})
	if err != nil {
		return fsiface.FileInfo{}, wrapErr(p, err)
	}
	info := fsiface.FileInfo{Name: path.Base(p)}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

func (f *FS) ListDir(ctx context.Context, p string) ([]string, error) {
	prefix := f.key(p)
	if prefix != "" {
		prefix += "/"
	}
	out, err := f.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket), Prefix: aws.String(prefix), Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, wrapErr(p, err)
	}
	var names []string
	for _, obj := range out.Contents {
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(*obj.Key, prefix), "/"))
	}
	for _, cp := range out.CommonPrefixes {
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, prefix), "/"))
	}
	return names, nil
}

func (f *FS) ScanTree(ctx context.Context, p string, fn func(path string, info fsiface.FileInfo) error) error {
	prefix := f.key(p)
	if prefix != "" {
		prefix += "/"
	}
	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket), Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return wrapErr(p, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(*obj.Key, f.prefix+"/")
			info := fsiface.FileInfo{Name: path.Base(rel)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			if err := fn(rel, info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *FS) Cat(ctx context.Context, p string) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(f.bucket), Key: aws.String(f.key(p))})
	if err != nil {
		return nil, wrapErr(p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapErr(p, err)
	}
	f.bytesRead.Add(uint64(len(data)))
	return data, nil
}

// WriteFile sets IfNoneMatch: "*" so a concurrent writer's PutObject
// loses, S3's equivalent of fs/posix's O_EXCL.
func (f *FS) WriteFile(ctx context.Context, p string, data []byte) error {
	_, err := f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(f.bucket), Key: aws.String(f.key(p)),
		Body: bytes.NewReader(data), IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return obnamerr.IOError{Filename: p, Strerror: "object already exists", Cause: err}
		}
		return wrapErr(p, err)
	}
	f.bytesWritten.Add(uint64(len(data)))
	return nil
}

func (f *FS) OverwriteFile(ctx context.Context, p string, data []byte) error {
	_, err := f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(f.bucket), Key: aws.String(f.key(p)), Body: bytes.NewReader(data),
	})
	if err != nil {
		return wrapErr(p, err)
	}
	f.bytesWritten.Add(uint64(len(data)))
	return nil
}

func (f *FS) Mkdir(context.Context, string) error    { return nil }
func (f *FS) MakeDirs(context.Context, string) error { return nil }
func (f *FS) Rmdir(context.Context, string) error    { return nil }

func (f *FS) Remove(ctx context.Context, p string) error {
	_, err := f.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(f.bucket), Key: aws.String(f.key(p))})
	if err != nil {
		return wrapErr(p, err)
	}
	return nil
}

// Rename copies newPath from oldPath then deletes oldPath; S3 has no
// atomic rename, only server-side copy.
func (f *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := f.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(f.bucket),
		Key:        aws.String(f.key(newPath)),
		CopySource: aws.String(f.bucket + "/" + f.key(oldPath)),
	})
	if err != nil {
		return wrapErr(oldPath, err)
	}
	return f.Remove(ctx, oldPath)
}

func (f *FS) Lock(ctx context.Context, name string) error {
	_, err := f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(f.bucket), Key: aws.String(f.key(name)),
		Body:        strings.NewReader(time.Now().UTC().Format(time.RFC3339)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
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

func isNotFound(err error) bool {
	var nf *types.NotFound
	return errors.As(err, &nf)
}

func isPreconditionFailed(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == 412
	}
	return false
}

func wrapErr(path string, err error) error {
	return obnamerr.IOError{Filename: path, Strerror: err.Error(), Cause: err}
}
