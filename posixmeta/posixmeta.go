// Package posixmeta reads and restores the POSIX metadata of a
// filesystem entry as the file-key map a generation records: stat(2)
// fields, symlink target, owner/group names, and extended attributes.
//
// It is the Go counterpart of the original implementation's
// obnamlib.metadata module, reshaped around generation.FileKey instead
// of a bespoke Metadata object, and around fsiface.FS instead of a
// direct syscall surface so fs/posix is the only package that ever
// touches a real stat(2) result.
package posixmeta

import (
	"bytes"
	"context"
	"encoding/binary"
	"os/user"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/obnamgo/obnam/repo/generation"
	"github.com/pkg/errors"
	"github.com/pkg/xattr"
)

// idNames caches uid/gid to name lookups for the lifetime of a backup
// run, on the assumption (inherited from metadata.py's
// _cached_getpwuid/_cached_getgrgid) that they do not change while a
// single backup is in progress.
type idNames struct {
	mu    sync.Mutex
	users map[uint32]string
	groups map[uint32]string
}

func newIDNames() *idNames {
	return &idNames{users: map[uint32]string{}, groups: map[uint32]string{}}
}

func (c *idNames) username(uid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.users[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

func (c *idNames) groupname(gid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}

// Reader turns fsiface.FileInfo (plus a readlink/xattr-capable FS) into
// the file-key map a generation stores for one path. A Reader is safe
// for concurrent use; callers should share one across a backup run so
// its id-to-name cache is warm.
type Reader struct {
	ids *idNames
}

// NewReader returns a Reader with an empty id-to-name cache.
func NewReader() *Reader {
	return &Reader{ids: newIDNames()}
}

// lister and getter are the two xattr operations posixmeta needs;
// fs/posix's FS satisfies them directly via github.com/pkg/xattr, and a
// fake in tests can stub them without pulling in a real filesystem.
type lister interface {
	LListXattr(path string) ([]string, error)
}
type getter interface {
	LGetXattr(path, name string) ([]byte, error)
}

// XattrFS is the extra surface posixmeta needs beyond fsiface.FS to
// collect and restore extended attributes.
type XattrFS interface {
	lister
	getter
	LSetXattr(path, name string, value []byte) error
}

// Read builds the file-key map for path from info, following a symlink
// target and extended attributes through xfs when it implements
// XattrFS. info.Sys must be a *syscall.Stat_t, as produced by fs/posix.
func (r *Reader) Read(ctx context.Context, xfs XattrFS, path string, info fsiface.FileInfo) (map[generation.FileKey]objcodec.Value, error) {
	st, ok := info.Sys.(*syscall.Stat_t)
	if !ok {
		return nil, errors.Errorf("posixmeta: FileInfo.Sys for %s is %T, want *syscall.Stat_t", path, info.Sys)
	}

	keys := map[generation.FileKey]objcodec.Value{
		generation.FileMode:      objcodec.NewInt(int64(st.Mode)),
		generation.FileMTimeSec:  objcodec.NewInt(int64(st.Mtim.Sec)),
		generation.FileMTimeNsec: objcodec.NewInt(int64(st.Mtim.Nsec)),
		generation.FileATimeSec:  objcodec.NewInt(int64(st.Atim.Sec)),
		generation.FileATimeNsec: objcodec.NewInt(int64(st.Atim.Nsec)),
		generation.FileNlink:     objcodec.NewInt(int64(st.Nlink)),
		generation.FileSize:      objcodec.NewInt(st.Size),
		generation.FileUID:       objcodec.NewInt(int64(st.Uid)),
		generation.FileGID:       objcodec.NewInt(int64(st.Gid)),
		generation.FileBlocks:    objcodec.NewInt(st.Blocks),
		generation.FileDev:       objcodec.NewInt(int64(st.Dev)),
		generation.FileIno:       objcodec.NewInt(int64(st.Ino)),
	}

	if name := r.ids.username(st.Uid); name != "" {
		keys[generation.FileUsername] = objcodec.Bytes(name)
	}
	if name := r.ids.groupname(st.Gid); name != "" {
		keys[generation.FileGroupname] = objcodec.Bytes(name)
	}

	if info.IsLink {
		target, err := lreadlink(xfs, path)
		if err == nil {
			keys[generation.FileSymlinkTarget] = objcodec.Bytes(target)
		}
	}

	if blob, err := getXattrsAsBlob(xfs, path); err != nil {
		return nil, obnamerr.Wrapf(err, "posixmeta: reading xattrs of %s", path)
	} else if blob != nil {
		keys[generation.FileXattrBlob] = objcodec.Bytes(blob)
	}

	return keys, nil
}

// readlinkFS is satisfied by fs/posix's FS; kept narrow so tests can
// stub it without a real filesystem.
type readlinkFS interface {
	Readlink(path string) (string, error)
}

func lreadlink(xfs XattrFS, path string) (string, error) {
	rl, ok := xfs.(readlinkFS)
	if !ok {
		return "", errors.New("posixmeta: FS does not implement Readlink")
	}
	return rl.Readlink(path)
}

// getXattrsAsBlob collects every extended attribute of path into the
// binary format set_xattrs_from_blob expects: an 8-byte big-endian
// length for the NUL-joined name block, the names themselves, an
// 8-byte big-endian length per value, then the concatenated values. It
// returns (nil, nil) if path has no extended attributes or the
// filesystem does not support them.
func getXattrsAsBlob(xfs XattrFS, path string) ([]byte, error) {
	names, err := xfs.LListXattr(path)
	if err != nil {
		if xattr.IsNotExist(err) || isUnsupported(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	var nameBlob bytes.Buffer
	values := make([][]byte, 0, len(names))
	kept := make([]string, 0, len(names))
	for _, name := range names {
		value, err := xfs.LGetXattr(path, name)
		if err != nil {
			if xattr.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		kept = append(kept, name)
		values = append(values, value)
	}
	for _, name := range kept {
		nameBlob.WriteString(name)
		nameBlob.WriteByte(0)
	}

	var out bytes.Buffer
	writeUint64(&out, uint64(nameBlob.Len()))
	out.Write(nameBlob.Bytes())
	for _, v := range values {
		writeUint64(&out, uint64(len(v)))
	}
	for _, v := range values {
		out.Write(v)
	}
	return out.Bytes(), nil
}

func isUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EACCES)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// parseXattrBlob is the inverse of getXattrsAsBlob, used by
// SetXattrsFromBlob and by tests.
func parseXattrBlob(blob []byte) (names []string, values [][]byte, err error) {
	if len(blob) < 8 {
		return nil, nil, errors.New("posixmeta: xattr blob too short")
	}
	nameBlobLen := binary.BigEndian.Uint64(blob[:8])
	rest := blob[8:]
	if uint64(len(rest)) < nameBlobLen {
		return nil, nil, errors.New("posixmeta: xattr blob truncated in name section")
	}
	nameBlob := rest[:nameBlobLen]
	rest = rest[nameBlobLen:]

	for _, part := range bytes.Split(nameBlob, []byte{0}) {
		if len(part) > 0 {
			names = append(names, string(part))
		}
	}

	if uint64(len(rest)) < 8*uint64(len(names)) {
		return nil, nil, errors.New("posixmeta: xattr blob truncated in length section")
	}
	lengths := make([]uint64, len(names))
	for i := range names {
		lengths[i] = binary.BigEndian.Uint64(rest[:8])
		rest = rest[8:]
	}
	for _, l := range lengths {
		if uint64(len(rest)) < l {
			return nil, nil, errors.New("posixmeta: xattr blob truncated in value section")
		}
		values = append(values, rest[:l])
		rest = rest[l:]
	}
	return names, values, nil
}

// SetXattrsFromBlob restores the extended attributes encoded in blob
// onto path. When userOnly is set (the process is not running as
// root), only "user."-namespaced attributes are restored; others are
// silently skipped, matching set_xattrs_from_blob's non-root behaviour.
func SetXattrsFromBlob(xfs XattrFS, path string, blob []byte, userOnly bool) error {
	names, values, err := parseXattrBlob(blob)
	if err != nil {
		return err
	}
	for i, name := range names {
		if userOnly && !hasPrefix(name, "user.") {
			continue
		}
		if err := xfs.LSetXattr(path, name, values[i]); err != nil {
			return obnamerr.IOError{Filename: path, Strerror: err.Error(), Cause: err}
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Setter restores metadata onto filesystem entries during a restore.
// It mirrors metadata.py's set_metadata: owner and group are restored
// before mode, so a setuid/setgid bit set by mode is not cleared by a
// subsequent chown; setuid/setgid bits are stripped unless the caller
// is root, the caller's uid is the file's recorded uid, or
// AlwaysSetIDBits is set.
type Setter struct {
	// Getuid returns the effective uid of the restoring process.
	// Defaults to syscall.Geteuid when nil.
	Getuid func() int

	// AlwaysSetIDBits keeps setuid/setgid bits even when the restoring
	// process is neither root nor the file's original owner.
	AlwaysSetIDBits bool
}

// ChownSymlinkFS is the extra surface Set needs to restore ownership,
// permissions and symlink targets.
type ChownSymlinkFS interface {
	XattrFS
	Symlink(target, path string) error
	Lchown(path string, uid, gid int) error
	ChmodSymlink(path string, mode uint32) error
	ChmodNotSymlink(path string, mode uint32) error
}

// Set restores keys onto path, returning obnamerr.IOError if any
// individual step fails.
func (s *Setter) Set(xfs ChownSymlinkFS, path string, keys map[generation.FileKey]objcodec.Value) error {
	getuid := s.Getuid
	if getuid == nil {
		getuid = syscall.Geteuid
	}

	mode := intKey(keys, generation.FileMode)
	isSymlink := uint32(mode)&syscall.S_IFMT == syscall.S_IFLNK

	if isSymlink {
		if target, ok := keys[generation.FileSymlinkTarget]; ok {
			if err := xfs.Symlink(string(target.(objcodec.Bytes)), path); err != nil {
				return ioErr(path, "symlink target", err)
			}
		}
	}

	uid := int(intKey(keys, generation.FileUID))
	gid := int(intKey(keys, generation.FileGID))
	if getuid() == 0 {
		if err := xfs.Lchown(path, uid, gid); err != nil {
			return ioErr(path, "uid and gid", err)
		}
	} else {
		_ = xfs.Lchown(path, -1, gid)
	}

	setIDBits := s.AlwaysSetIDBits || getuid() == 0 || getuid() == uid
	m := uint32(mode)
	if !setIDBits {
		m &^= syscall.S_ISUID
		m &^= syscall.S_ISGID
	}
	if isSymlink {
		if err := xfs.ChmodSymlink(path, m); err != nil {
			return ioErr(path, "symlink chmod", err)
		}
	} else {
		if err := xfs.ChmodNotSymlink(path, m); err != nil {
			return ioErr(path, "chmod", err)
		}
	}

	if blob, ok := keys[generation.FileXattrBlob]; ok {
		userOnly := getuid() != 0
		if err := SetXattrsFromBlob(xfs, path, []byte(blob.(objcodec.Bytes)), userOnly); err != nil {
			return err
		}
	}

	return nil
}

func intKey(keys map[generation.FileKey]objcodec.Value, k generation.FileKey) int64 {
	v, ok := keys[k]
	if !ok {
		return 0
	}
	i, ok := v.(objcodec.Int)
	if !ok {
		return 0
	}
	return i.Int64()
}

func ioErr(path, what string, err error) error {
	return obnamerr.IOError{Filename: path, Strerror: what + ": " + err.Error(), Cause: err}
}
