package main

import (
	"context"
	"crypto/sha256"
	"syscall"
	"testing"
	"time"

	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/repo"
	"github.com/obnamgo/obnam/repo/generation"
	"github.com/pkg/errors"
)

func TestFormatFileModeRegularFile(t *testing.T) {
	got := formatFileMode(syscall.S_IFREG | 0o644)
	if want := "-rw-r--r--"; got != want {
		t.Fatalf("formatFileMode = %q, want %q", got, want)
	}
}

func TestFormatFileModeDirectory(t *testing.T) {
	got := formatFileMode(syscall.S_IFDIR | 0o755)
	if want := "drwxr-xr-x"; got != want {
		t.Fatalf("formatFileMode = %q, want %q", got, want)
	}
}

func TestFormatFileModeSymlink(t *testing.T) {
	got := formatFileMode(syscall.S_IFLNK | 0o777)
	if want := "lrwxrwxrwx"; got != want {
		t.Fatalf("formatFileMode = %q, want %q", got, want)
	}
}

func TestFormatFileModeSetuidSticky(t *testing.T) {
	got := formatFileMode(syscall.S_IFREG | syscall.S_ISUID | 0o755)
	if want := "-rwsr-xr-x"; got != want {
		t.Fatalf("formatFileMode = %q, want %q", got, want)
	}

	got = formatFileMode(syscall.S_IFDIR | syscall.S_ISVTX | 0o755)
	if want := "drwxr-xr-t"; got != want {
		t.Fatalf("formatFileMode = %q, want %q", got, want)
	}
}

func TestParseHumanAge(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"26h", 26 * time.Hour},
		{"2d", 48 * time.Hour},
		{"3", 3 * time.Hour},
	}
	for _, c := range cases {
		got, err := parseHumanAge(c.in)
		if err != nil {
			t.Fatalf("parseHumanAge(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseHumanAge(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseHumanAgeRejectsEmpty(t *testing.T) {
	if _, err := parseHumanAge(""); err == nil {
		t.Fatal("expected an error for an empty age")
	}
}

func TestDedupPolicy(t *testing.T) {
	cases := []struct {
		in   string
		want repo.DedupPolicy
	}{
		{"", repo.DedupFatalist},
		{"fatalist", repo.DedupFatalist},
		{"never", repo.DedupNever},
		{"verify", repo.DedupVerify},
	}
	for _, c := range cases {
		o := &globalOptions{deduplicate: c.in}
		got, err := o.dedupPolicy()
		if err != nil {
			t.Fatalf("dedupPolicy(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("dedupPolicy(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestDedupPolicyRejectsUnknown(t *testing.T) {
	o := &globalOptions{deduplicate: "sometimes"}
	if _, err := o.dedupPolicy(); err == nil {
		t.Fatal("expected an error for an unknown --deduplicate value")
	}
}

func TestFiltersEmptyByDefault(t *testing.T) {
	o := &globalOptions{}
	filters, err := o.filters()
	if err != nil {
		t.Fatal(err)
	}
	if len(filters) != 0 {
		t.Fatalf("filters = %v, want none", filters)
	}
}

func TestFiltersComposesDeflateAndCrypt(t *testing.T) {
	o := &globalOptions{compressWith: "deflate", encryptPassphrase: "hunter2"}
	filters, err := o.filters()
	if err != nil {
		t.Fatal(err)
	}
	if len(filters) != 2 {
		t.Fatalf("filters = %v, want 2 layers", filters)
	}
}

func TestFiltersRejectsUnknownCompression(t *testing.T) {
	o := &globalOptions{compressWith: "bzip2"}
	if _, err := o.filters(); err == nil {
		t.Fatal("expected an error for an unknown --compress-with filter")
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor(&exitStatus{code: 2}); got != 2 {
		t.Fatalf("exitCodeFor(exitStatus{2}) = %d, want 2", got)
	}
	if got := exitCodeFor(errors.New("plain error")); got != 1 {
		t.Fatalf("exitCodeFor(plain error) = %d, want 1", got)
	}
}

func testRepoConfig() repo.Config {
	return repo.Config{
		MaxChunkSize:      1 << 20,
		ChunkCacheSize:    1 << 20,
		MaxMetaBagSize:    1 << 16,
		MetaCacheSize:     1 << 16,
		ChecksumAlgorithm: "sha256",
	}
}

// buildTwoGenerations commits a first generation with a regular file and
// a subdirectory, then a second generation where the file's content
// changed, a new file was added and the subdirectory was removed - the
// spread of cases showDiff/diffCommonFile needs to classify correctly.
func buildTwoGenerations(t *testing.T) (gen1, gen2 *generation.Generation) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.New(ctx, newMemFS(), testRepoConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.AddClient(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	sess, err := r.Begin(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	g := sess.Generation()
	mustAddFile(t, ctx, g, "/a", syscall.S_IFREG|0o644, []byte("v1"))
	mustAddDir(t, ctx, g, "/sub")
	if err := g.SetFileChildren("/", []string{"a", "sub"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx, nil); err != nil {
		t.Fatal(err)
	}

	sess, err = r.Begin(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	g = sess.Generation()
	mustAddFile(t, ctx, g, "/a", syscall.S_IFREG|0o644, []byte("v2"))
	mustAddFile(t, ctx, g, "/b", syscall.S_IFREG|0o644, []byte("new"))
	if err := g.RemoveFile("/sub"); err != nil {
		t.Fatal(err)
	}
	if err := g.SetFileChildren("/", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx, nil); err != nil {
		t.Fatal(err)
	}

	cl, err := r.Client(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	ids := cl.GenerationIDs()
	if len(ids) != 2 {
		t.Fatalf("GenerationIDs = %v, want 2", ids)
	}
	gen1, err = cl.OpenGeneration(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	gen2, err = cl.OpenGeneration(ctx, ids[1])
	if err != nil {
		t.Fatal(err)
	}
	return gen1, gen2
}

func mustAddFile(t *testing.T, ctx context.Context, g *generation.Generation, path string, mode int64, content []byte) {
	t.Helper()
	sum := sha256.Sum256(content)
	h := sum[:]
	if err := g.AddFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if err := g.SetFileKeys(ctx, path, map[generation.FileKey]objcodec.Value{
		generation.FileMode:   objcodec.NewInt(mode),
		generation.FileSHA256: objcodec.Bytes(h),
	}); err != nil {
		t.Fatal(err)
	}
}

func mustAddDir(t *testing.T, ctx context.Context, g *generation.Generation, path string) {
	t.Helper()
	if err := g.AddFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if err := g.SetFileKeys(ctx, path, map[generation.FileKey]objcodec.Value{
		generation.FileMode: objcodec.NewInt(syscall.S_IFDIR | 0o755),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestIsDirEntry(t *testing.T) {
	gen1, _ := buildTwoGenerations(t)
	ctx := context.Background()
	isDir, err := isDirEntry(ctx, gen1, "/sub")
	if err != nil {
		t.Fatal(err)
	}
	if !isDir {
		t.Fatal("/sub should be reported as a directory")
	}
	isDir, err = isDirEntry(ctx, gen1, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if isDir {
		t.Fatal("/a should not be reported as a directory")
	}
}

func TestDiffCommonFileDetectsChangedContent(t *testing.T) {
	gen1, gen2 := buildTwoGenerations(t)
	ctx := context.Background()
	changed, isDir, err := diffCommonFile(ctx, gen1, gen2, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if isDir {
		t.Fatal("/a is not a directory")
	}
	if !changed {
		t.Fatal("/a's content changed between generations and should be reported as changed")
	}
}

func TestJoinPath(t *testing.T) {
	if got := joinPath("/", "a"); got != "/a" {
		t.Fatalf("joinPath(/, a) = %q, want /a", got)
	}
	if got := joinPath("/sub", "b"); got != "/sub/b" {
		t.Fatalf("joinPath(/sub, b) = %q, want /sub/b", got)
	}
}
