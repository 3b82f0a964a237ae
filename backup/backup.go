// Package backup is the backup driver: it walks a live filesystem tree,
// decides which entries changed since the previous generation, uploads
// new chunk content through a repo.Session honouring the configured
// deduplication policy, and checkpoints the run at a configurable byte
// threshold.
//
// It is grounded on original_source/obnamlib/plugins/backup_plugin.py
// (the scan loop, CheckpointManager and per-file error recovery) and
// one_file_system_plugin.py (device-boundary scan filtering), reshaped
// around repo.Session's already-cloned "current generation" instead of
// a separately tracked previous generation.
package backup

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"syscall"

	"github.com/obnamgo/obnam/checksum"
	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/posixmeta"
	"github.com/obnamgo/obnam/progress"
	"github.com/obnamgo/obnam/repo"
	"github.com/obnamgo/obnam/repo/generation"
	"github.com/pkg/errors"
)

// SourceFS is the live filesystem a backup run reads from: the ordinary
// fsiface.FS surface plus the xattr/readlink calls posixmeta needs to
// describe a POSIX entry.
type SourceFS interface {
	fsiface.FS
	posixmeta.XattrFS
}

// ErrHadErrors is returned by Run when one or more files could not be
// backed up but the run still committed whatever succeeded, per
// backup_plugin.py's BackupErrors contract.
var ErrHadErrors = errors.New("backup: one or more files could not be backed up")

// Config controls one backup run, the Go shape of backup_plugin.py's
// settings group.
type Config struct {
	ClientName string
	Roots      []string

	ChunkSize       int
	CheckpointBytes uint64

	LeaveCheckpoints bool
	OneFileSystem    bool
	Exclude          []string
	ExcludeCaches    bool

	ChecksumAlgorithm string
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1 << 20
	}
	if c.CheckpointBytes == 0 {
		c.CheckpointBytes = 1 << 30
	}
	if c.ChecksumAlgorithm == "" {
		c.ChecksumAlgorithm = "sha256"
	}
	return c
}

// Runner executes backup runs against one repository.
type Runner struct {
	Repo *repo.Repo
	Meta *posixmeta.Reader
}

// NewRunner returns a Runner with a fresh metadata reader.
func NewRunner(r *repo.Repo) *Runner {
	return &Runner{Repo: r, Meta: posixmeta.NewReader()}
}

// Run backs up every configured root from src into a fresh generation
// for cfg.ClientName, checkpointing every cfg.CheckpointBytes written
// and committing at the end. The returned report is populated even when
// per-file errors occurred; in that case the returned error is
// ErrHadErrors and the caller should still treat the commit as having
// succeeded for whatever it covered.
func (b *Runner) Run(ctx context.Context, src SourceFS, cfg Config, reporter progress.Reporter) (progress.Report, error) {
	cfg = cfg.withDefaults()
	if reporter == nil {
		reporter = progress.NoOp()
	}
	excludes, err := compileExcludes(cfg.Exclude)
	if err != nil {
		return progress.Report{}, err
	}

	counters := progress.NewCounters()
	out := multiReporter{reporter, counters}

	if err := b.Repo.AddClient(ctx, cfg.ClientName); err != nil {
		if _, ok := err.(obnamerr.ClientAlreadyExists); !ok {
			return progress.Report{}, err
		}
	}

	out.What("starting new generation")
	sess, err := b.Repo.Begin(ctx, cfg.ClientName)
	if err != nil {
		return progress.Report{}, err
	}

	run := &backupRun{
		runner:         b,
		sess:           sess,
		cfg:            cfg,
		reporter:       out,
		excludes:       excludes,
		counters:       counters,
		lastCheckpoint: b.Repo.BytesWritten(),
	}

	if err := run.backupRoots(ctx, src); err != nil {
		_ = sess.Abort(ctx)
		return progress.Report{}, err
	}

	out.What("committing changes to repository")
	run.recordGenerationStats()
	hadErrors := counters.Compute(src).HadErrors
	var toRemove []uint64
	if !cfg.LeaveCheckpoints && !hadErrors {
		toRemove = run.checkpoints
	}
	if err := sess.Commit(ctx, toRemove); err != nil {
		return progress.Report{}, err
	}
	for _, n := range toRemove {
		out.CheckpointRemoved(n)
	}

	out.Finish()
	report := counters.Compute(src)
	if report.HadErrors {
		return report, ErrHadErrors
	}
	return report, nil
}

// multiReporter fans a Reporter call out to both the caller's reporter
// (e.g. progress.Live, for a human watching) and the Counters used to
// compute the final report and decide whether checkpoints get removed.
type multiReporter struct {
	live     progress.Reporter
	counters *progress.Counters
}

func (m multiReporter) What(s string)              { m.live.What(s); m.counters.What(s) }
func (m multiReporter) FileFound(p string)         { m.live.FileFound(p); m.counters.FileFound(p) }
func (m multiReporter) Scanned(n int64)            { m.live.Scanned(n); m.counters.Scanned(n) }
func (m multiReporter) Uploaded(n int64)           { m.live.Uploaded(n); m.counters.Uploaded(n) }
func (m multiReporter) Error(msg string, err error) { m.live.Error(msg, err); m.counters.Error(msg, err) }
func (m multiReporter) CheckpointRemoved(n uint64) {
	m.live.CheckpointRemoved(n)
	m.counters.CheckpointRemoved(n)
}
func (m multiReporter) Finish() { m.live.Finish(); m.counters.Finish() }

var _ progress.Reporter = multiReporter{}

// backupRun holds the state of one in-progress Run call.
type backupRun struct {
	runner   *Runner
	sess     *repo.Session
	cfg      Config
	reporter progress.Reporter
	excludes []*regexp.Regexp
	counters *progress.Counters

	checkpoints    []uint64
	lastCheckpoint uint64

	currentRoot   string
	currentSrc    SourceFS
	currentDevice uint64
}

func compileExcludes(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "backup: bad exclude pattern %q", p)
		}
		res = append(res, re)
	}
	return res, nil
}

const cacheDirTagSignature = "Signature: 8a477f597d28d172789f06886806bc55"

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func parentOf(p string) string {
	if p == "/" || p == "" {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func baseName(p string) string {
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}

func deviceOf(info fsiface.FileInfo) (uint64, bool) {
	st, ok := info.Sys.(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Dev), true
}

// isFatal reports whether err is one backup_plugin.py re-raises
// immediately instead of recording and continuing: out of disk space,
// or the far end of a pipe going away.
func isFatal(err error) bool {
	var ioErr obnamerr.IOError
	if errors.As(err, &ioErr) {
		return ioErr.Errno == int(syscall.ENOSPC) || ioErr.Errno == int(syscall.EPIPE)
	}
	return false
}

func (r *backupRun) backupRoots(ctx context.Context, src SourceFS) error {
	for _, root := range r.cfg.Roots {
		if err := r.backupRoot(ctx, src, root); err != nil {
			return err
		}
	}
	return nil
}

func (r *backupRun) backupRoot(ctx context.Context, src SourceFS, root string) error {
	info, err := src.Lstat(ctx, root)
	if err != nil {
		return errors.Wrapf(err, "backup: root %s", root)
	}
	dev, _ := deviceOf(info)

	r.currentRoot = root
	r.currentSrc = src
	r.currentDevice = dev

	err = r.walk(ctx, src, root, func(p string, entryInfo fsiface.FileInfo) error {
		r.reporter.What(p)
		if err := r.backupEntry(ctx, src, p, entryInfo); err != nil {
			return err
		}
		return r.maybeCheckpoint(ctx)
	})
	if err != nil {
		return err
	}
	return r.backupParents(ctx, src, root)
}

// walk visits path and, for directories, recurses into its live
// children in name order. Unlike fsiface.FS.ScanTree it can stop
// recursing into one subtree (for --one-file-system/--exclude) without
// aborting the whole walk.
func (r *backupRun) walk(ctx context.Context, src SourceFS, p string, fn func(string, fsiface.FileInfo) error) error {
	info, err := src.Lstat(ctx, p)
	if err != nil {
		return r.recordError(p, err)
	}
	if r.isExcluded(ctx, src, p, info) {
		return nil
	}
	if err := fn(p, info); err != nil {
		return err
	}
	if !info.IsDir {
		return nil
	}

	names, err := src.ListDir(ctx, p)
	if err != nil {
		return r.recordError(p, err)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.walk(ctx, src, joinPath(p, name), fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *backupRun) isExcluded(ctx context.Context, src SourceFS, p string, info fsiface.FileInfo) bool {
	if r.cfg.OneFileSystem {
		if dev, ok := deviceOf(info); ok && dev != r.currentDevice {
			return true
		}
	}
	for _, re := range r.excludes {
		if re.MatchString(p) {
			return true
		}
	}
	if r.cfg.ExcludeCaches && info.IsDir && isCacheDir(ctx, src, p) {
		return true
	}
	return false
}

func isCacheDir(ctx context.Context, src SourceFS, dir string) bool {
	tag := joinPath(dir, "CACHEDIR.TAG")
	exists, err := src.Exists(ctx, tag)
	if err != nil || !exists {
		return false
	}
	data, err := src.Cat(ctx, tag)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(data), cacheDirTagSignature)
}

// recordError reports a path-level failure and decides whether it is
// fatal to the whole run.
func (r *backupRun) recordError(path string, err error) error {
	r.reporter.Error("can't back up "+path, err)
	if isFatal(err) {
		return err
	}
	return nil
}

// backupEntry records path's metadata (and, for a regular file, its
// content) into the current generation. A failure is reported and
// swallowed unless it is fatal; a path that did not previously exist is
// rolled back on failure so a half-written entry never lingers.
func (r *backupRun) backupEntry(ctx context.Context, src SourceFS, p string, info fsiface.FileInfo) error {
	gen := r.sess.Generation()
	existed, err := gen.FileExists(ctx, p)
	if err != nil {
		return err
	}

	if err := r.backupOneEntry(ctx, src, p, info); err != nil {
		if !existed {
			_ = gen.RemoveFile(p)
		}
		return r.recordError(p, err)
	}
	return nil
}

func (r *backupRun) backupOneEntry(ctx context.Context, src SourceFS, p string, info fsiface.FileInfo) error {
	gen := r.sess.Generation()

	newKeys, err := r.runner.Meta.Read(ctx, src, p, info)
	if err != nil {
		return err
	}

	changed, err := r.fileKeysChanged(ctx, p, newKeys)
	if err != nil {
		return err
	}

	if info.IsDir {
		if changed {
			r.reporter.FileFound(p)
		}
		if err := gen.AddFile(ctx, p); err != nil {
			return err
		}
		if err := gen.SetFileKeys(ctx, p, newKeys); err != nil {
			return err
		}
		return r.backupDirChildren(ctx, src, p)
	}

	if !changed {
		r.reporter.Scanned(info.Size)
		return nil
	}
	r.reporter.FileFound(p)
	if err := gen.AddFile(ctx, p); err != nil {
		return err
	}
	if err := gen.SetFileKeys(ctx, p, newKeys); err != nil {
		return err
	}
	if info.Mode.IsRegular() {
		return r.backupFileContents(ctx, src, p)
	}
	return nil
}

// comparedKeys mirrors metadata_has_changed's st_mtime/st_mode/st_nlink/
// st_size/st_uid/st_gid comparison. For a directory the result only
// decides whether it is reported as found; a directory is always
// re-synced so its children can be pruned.
var comparedKeys = []generation.FileKey{
	generation.FileMTimeSec, generation.FileMTimeNsec, generation.FileMode,
	generation.FileNlink, generation.FileSize, generation.FileUID, generation.FileGID,
}

func (r *backupRun) fileKeysChanged(ctx context.Context, p string, newKeys map[generation.FileKey]objcodec.Value) (bool, error) {
	gen := r.sess.Generation()
	exists, err := gen.FileExists(ctx, p)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}
	old, err := gen.GetFileKeys(ctx, p)
	if err != nil {
		return false, err
	}
	for _, key := range comparedKeys {
		if !intValuesEqual(old[key], newKeys[key]) {
			return true, nil
		}
	}
	// xattr presence/value: None and '' compare equal, per
	// metadata_has_changed.
	oldXattr, _ := old[generation.FileXattrBlob].(objcodec.Bytes)
	newXattr, _ := newKeys[generation.FileXattrBlob].(objcodec.Bytes)
	if string(oldXattr) != string(newXattr) {
		return true, nil
	}
	return false, nil
}

func intValuesEqual(a, b objcodec.Value) bool {
	ai, aok := a.(objcodec.Int)
	bi, bok := b.(objcodec.Int)
	if aok || bok {
		return aok && bok && ai.Int64() == bi.Int64()
	}
	return true
}

// backupDirChildren refreshes dir's recorded children to match its live
// listing, excluding anything isExcluded would skip, so a file removed
// or newly excluded since the last generation drops out of the tree and
// a newly present one is picked up.
func (r *backupRun) backupDirChildren(ctx context.Context, src SourceFS, dir string) error {
	gen := r.sess.Generation()
	old, err := gen.GetFileChildren(ctx, dir)
	if err != nil {
		return err
	}

	names, err := src.ListDir(ctx, dir)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(names))
	keptSet := make(map[string]bool, len(names))
	for _, name := range names {
		child := joinPath(dir, name)
		info, err := src.Lstat(ctx, child)
		if err != nil {
			continue
		}
		if r.isExcluded(ctx, src, child, info) {
			continue
		}
		kept = append(kept, name)
		keptSet[name] = true
	}
	sort.Strings(kept)

	for _, name := range old {
		if !keptSet[name] {
			_ = gen.RemoveFile(joinPath(dir, name))
		}
	}

	return gen.SetFileChildren(dir, kept)
}

// backupFileContents uploads p's content chunk by chunk through the
// session's configured dedup policy, records the chunk ids and a
// whole-file digest, and checkpoints whenever enough has been written.
func (r *backupRun) backupFileContents(ctx context.Context, src SourceFS, p string) error {
	gen := r.sess.Generation()
	if err := gen.ClearFileChunkIDs(ctx, p); err != nil {
		return err
	}

	data, err := src.Cat(ctx, p)
	if err != nil {
		return errors.Wrapf(err, "backup: read %s", p)
	}

	h, err := checksum.New(r.cfg.ChecksumAlgorithm)
	if err != nil {
		return err
	}

	for off := 0; off < len(data); off += r.cfg.ChunkSize {
		end := off + r.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		r.reporter.Scanned(int64(len(chunk)))
		h.Write(chunk)

		id, err := r.sess.PutChunk(ctx, chunk)
		if err != nil {
			return err
		}
		r.reporter.Uploaded(int64(len(chunk)))
		if err := gen.AppendFileChunkID(ctx, p, id); err != nil {
			return err
		}

		if err := r.maybeCheckpoint(ctx); err != nil {
			return err
		}
	}

	key, err := generationFileKeyForChecksum(r.cfg.ChecksumAlgorithm)
	if err != nil {
		return err
	}
	return gen.SetFileKeys(ctx, p, map[generation.FileKey]objcodec.Value{
		key: objcodec.Bytes(h.Sum(nil)),
	})
}

// generationFileKeyForChecksum maps a checksum algorithm name to the
// generation.FileKey its digest is recorded under. The two FileKey
// enums are independent iota sequences that happen to share constant
// names, so this mapping is written out explicitly rather than assumed
// to line up numerically.
func generationFileKeyForChecksum(algorithm string) (generation.FileKey, error) {
	key, err := checksum.FileKeyForName(algorithm)
	if err != nil {
		return 0, err
	}
	switch key {
	case checksum.FileSHA224:
		return generation.FileSHA224, nil
	case checksum.FileSHA256:
		return generation.FileSHA256, nil
	case checksum.FileSHA384:
		return generation.FileSHA384, nil
	case checksum.FileSHA512:
		return generation.FileSHA512, nil
	default:
		return 0, errors.Errorf("backup: unmapped checksum file key %v", key)
	}
}

// maybeCheckpoint checkpoints the run once cfg.CheckpointBytes have been
// written since the last checkpoint (or the start of the run), the Go
// equivalent of CheckpointManager.time_for_checkpoint. It is called
// after every entry and every chunk, so it is also where the run
// notices that ctx has been cancelled.
func (r *backupRun) maybeCheckpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	written := r.runner.Repo.BytesWritten()
	if written-r.lastCheckpoint < r.cfg.CheckpointBytes {
		return nil
	}
	return r.checkpoint(ctx)
}

// recordGenerationStats stages the running file count and uploaded-byte
// total onto the session's current generation, so a checkpoint or final
// commit carries the same REPO_GENERATION_FILE_COUNT/TOTAL_DATA figures
// "obnam generations" reports, per show_plugin.py's generations command.
func (r *backupRun) recordGenerationStats() {
	fileCount, uploadedBytes := r.counters.Snapshot()
	r.sess.SetGenerationKey(generation.GenFileCount, objcodec.NewInt(fileCount))
	r.sess.SetGenerationKey(generation.GenTotalData, objcodec.NewInt(uploadedBytes))
}

func (r *backupRun) checkpoint(ctx context.Context) error {
	r.reporter.What("making checkpoint")
	if r.currentRoot != "" {
		if err := r.backupParents(ctx, r.currentSrc, r.currentRoot); err != nil {
			return err
		}
	}
	r.recordGenerationStats()
	number := r.sess.GenerationNumber()
	if err := r.sess.Checkpoint(ctx); err != nil {
		return err
	}
	r.checkpoints = append(r.checkpoints, number)
	r.lastCheckpoint = r.runner.Repo.BytesWritten()
	return nil
}

// backupParents ensures every ancestor directory of root, up to "/", has
// a file-key entry and is linked into its parent's children, so a
// generation's tree is walkable from the root down to every backup
// root even when the ancestors themselves were never scanned.
func (r *backupRun) backupParents(ctx context.Context, src SourceFS, root string) error {
	child := root
	for child != "/" {
		parent := parentOf(child)
		if err := r.ensureAncestor(ctx, src, parent); err != nil {
			return err
		}
		if err := r.linkChild(ctx, parent, baseName(child)); err != nil {
			return err
		}
		child = parent
	}
	return nil
}

func (r *backupRun) ensureAncestor(ctx context.Context, src SourceFS, dir string) error {
	gen := r.sess.Generation()
	exists, err := gen.FileExists(ctx, dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := gen.AddFile(ctx, dir); err != nil {
		return err
	}

	info, err := src.Lstat(ctx, dir)
	if err != nil {
		// Matches backup_parents' fallback to a dummy directory entry
		// when an ancestor above every backup root can't be stat'd.
		return gen.SetFileKeys(ctx, dir, map[generation.FileKey]objcodec.Value{
			generation.FileMode: objcodec.NewInt(int64(syscall.S_IFDIR | 0o777)),
		})
	}
	keys, err := r.runner.Meta.Read(ctx, src, dir, info)
	if err != nil {
		return err
	}
	return gen.SetFileKeys(ctx, dir, keys)
}

func (r *backupRun) linkChild(ctx context.Context, parent, name string) error {
	gen := r.sess.Generation()
	children, err := gen.GetFileChildren(ctx, parent)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c == name {
			return nil
		}
	}
	return gen.SetFileChildren(parent, append(children, name))
}
