package blobstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/obnamgo/obnam/storage/bagstore"
)

// waitForFlush polls fn, which reports whether the auto-flush triggered by
// crossing maxBagSize has landed yet, since it runs through go-buffer's
// buffer and is not guaranteed to complete before PutBlob returns.
func waitForFlush(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("active bag was never flushed")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestStore(maxBagSize, maxCacheBytes uint64) *Store {
	return New(bagstore.New(newMemFS(), "chunk-store"), maxBagSize, maxCacheBytes)
}

func TestPutGetBlobBeforeFlush(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(1<<20, 1<<20)

	oid, err := s.PutBlob(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetBlob(ctx, oid)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestGetBlobAfterFlushFromFreshCache(t *testing.T) {
	ctx := context.Background()
	fs := newMemFS()
	store := bagstore.New(fs, "chunk-store")
	s := New(store, 1<<20, 1<<20)

	oid, err := s.PutBlob(ctx, []byte("world"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	fresh := New(store, 1<<20, 1<<20)
	got, err := fresh.GetBlob(ctx, oid)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("got %q, want world", got)
	}
}

func TestPutBlobAutoFlushesAtMaxBagSize(t *testing.T) {
	ctx := context.Background()
	fs := newMemFS()
	store := bagstore.New(fs, "chunk-store")
	s := New(store, 4, 1<<20)

	oid1, err := s.PutBlob(ctx, []byte("abcd"))
	if err != nil {
		t.Fatal(err)
	}
	waitForFlush(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.active == nil
	})

	oid2, err := s.PutBlob(ctx, []byte("efgh"))
	if err != nil {
		t.Fatal(err)
	}
	if oid1.Bag == oid2.Bag {
		t.Fatalf("expected auto-flush to open a new bag, got same bag id %v", oid1.Bag)
	}
}

func TestPutWellKnownBlobOverwritesAndReads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(1<<20, 1<<20)

	if err := s.PutWellKnownBlob(ctx, "root", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutWellKnownBlob(ctx, "root", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetWellKnownBlob(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(got) != "v2" {
		t.Fatalf("got %q, %v; want v2, true", got, ok)
	}
}

func TestGetWellKnownBlobMissingReturnsNotOK(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(1<<20, 1<<20)

	_, ok, err := s.GetWellKnownBlob(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for missing well-known blob")
	}
}

func TestCacheEvictsByByteBudget(t *testing.T) {
	ctx := context.Background()
	fs := newMemFS()
	store := bagstore.New(fs, "chunk-store")
	writer := New(store, 1, 1<<20)

	oidA, err := writer.PutBlob(ctx, []byte("aaaa"))
	if err != nil {
		t.Fatal(err)
	}
	waitForFlush(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return writer.active == nil
	})
	oidB, err := writer.PutBlob(ctx, []byte("bbbb"))
	if err != nil {
		t.Fatal(err)
	}
	waitForFlush(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return writer.active == nil
	})

	reader := New(store, 1<<20, 4)
	if _, err := reader.GetBlob(ctx, oidA); err != nil {
		t.Fatal(err)
	}
	if _, err := reader.GetBlob(ctx, oidB); err != nil {
		t.Fatal(err)
	}
	if reader.cache.curBytes > 4 {
		t.Fatalf("cache holds %d bytes, want at most 4", reader.cache.curBytes)
	}
}
