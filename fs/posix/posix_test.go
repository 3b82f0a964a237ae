package posix

import (
	"context"
	"errors"
	"testing"

	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/obnamerr"
)

func TestWriteFileThenCatRoundTrips(t *testing.T) {
	ctx := context.Background()
	fsys := New(t.TempDir())
	if err := fsys.WriteFile(ctx, "a", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := fsys.Cat(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("Cat = %q, want hello", got)
	}
}

func TestWriteFileFailsIfAlreadyExists(t *testing.T) {
	ctx := context.Background()
	fsys := New(t.TempDir())
	if err := fsys.WriteFile(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := fsys.WriteFile(ctx, "a", []byte("2")); err == nil {
		t.Fatal("expected error writing to an existing file")
	}
}

func TestOverwriteFileReplacesExistingContent(t *testing.T) {
	ctx := context.Background()
	fsys := New(t.TempDir())
	if err := fsys.WriteFile(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := fsys.OverwriteFile(ctx, "a", []byte("2")); err != nil {
		t.Fatal(err)
	}
	got, err := fsys.Cat(ctx, "a")
	if err != nil || string(got) != "2" {
		t.Fatalf("Cat after overwrite = %q, %v", got, err)
	}
}

func TestLockFailsWhenAlreadyHeld(t *testing.T) {
	ctx := context.Background()
	fsys := New(t.TempDir())
	if err := fsys.Lock(ctx, "repo.lock"); err != nil {
		t.Fatal(err)
	}
	err := fsys.Lock(ctx, "repo.lock")
	var lf obnamerr.LockFail
	if !errors.As(err, &lf) {
		t.Fatalf("Lock while held = %v, want obnamerr.LockFail", err)
	}
	if err := fsys.Unlock(ctx, "repo.lock"); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Lock(ctx, "repo.lock"); err != nil {
		t.Fatalf("Lock after Unlock = %v", err)
	}
}

func TestMakeDirsAndListDir(t *testing.T) {
	ctx := context.Background()
	fsys := New(t.TempDir())
	if err := fsys.MakeDirs(ctx, "a/b/c"); err != nil {
		t.Fatal(err)
	}
	if err := fsys.WriteFile(ctx, "a/b/c/f", []byte("x")); err != nil {
		t.Fatal(err)
	}
	names, err := fsys.ListDir(ctx, "a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "f" {
		t.Fatalf("ListDir = %v", names)
	}
}

func TestScanTreeVisitsEveryEntry(t *testing.T) {
	ctx := context.Background()
	fsys := New(t.TempDir())
	if err := fsys.MakeDirs(ctx, "a/b"); err != nil {
		t.Fatal(err)
	}
	if err := fsys.WriteFile(ctx, "a/f1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := fsys.WriteFile(ctx, "a/b/f2", []byte("y")); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	err := fsys.ScanTree(ctx, "a", func(path string, info fsiface.FileInfo) error {
		seen[path] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"a", "a/f1", "a/b", "a/b/f2"} {
		if !seen[want] {
			t.Fatalf("ScanTree did not visit %q, saw %v", want, seen)
		}
	}
}
