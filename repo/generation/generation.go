// Package generation is one client's snapshot: a COW tree of per-file
// metadata keyed by path, a COW tree of directory children keyed by
// parent path, and the small fixed set of generation-level keys
// recorded by its owning client.
package generation

import (
	"context"
	"sort"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/cowtree"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/pkg/errors"
)

// FileKey enumerates the per-file metadata a generation may record, per
// spec.md §4.9.
type FileKey int

const (
	FileMode FileKey = iota + 1
	FileMTimeSec
	FileMTimeNsec
	FileATimeSec
	FileATimeNsec
	FileNlink
	FileSize
	FileUID
	FileUsername
	FileGID
	FileGroupname
	FileSymlinkTarget
	FileXattrBlob
	FileBlocks
	FileDev
	FileIno
	FileSHA224
	FileSHA256
	FileSHA384
	FileSHA512
	FileTestKey
)

// AllowedFileKeys lists every file key a generation may set, in the
// order format.go's get_allowed_file_keys enumerates them.
func AllowedFileKeys() []FileKey {
	return []FileKey{
		FileTestKey, FileMode, FileMTimeSec, FileMTimeNsec, FileATimeSec,
		FileATimeNsec, FileNlink, FileSize, FileUID, FileUsername, FileGID,
		FileGroupname, FileSymlinkTarget, FileXattrBlob, FileBlocks, FileDev,
		FileIno, FileSHA224, FileSHA256, FileSHA384, FileSHA512,
	}
}

// GenKey enumerates the generation-level metadata a client records
// about each of its generations.
type GenKey int

const (
	GenStarted GenKey = iota + 1
	GenEnded
	GenIsCheckpoint
	GenFileCount
	GenTotalData
	GenTestKey
)

// AllowedGenerationKeys lists every generation key the repository
// recognises.
func AllowedGenerationKeys() []GenKey {
	return []GenKey{
		GenTestKey, GenStarted, GenEnded, GenIsCheckpoint, GenFileCount,
		GenTotalData,
	}
}

const chunksMapKey = "chunks"
const fileKeysMapKey = "keys"

// Generation is one client snapshot's file-key tree and directory
// children tree. A caller obtains one from a client, either freshly
// started (empty delta-only trees cloned from a prior generation) or
// loaded from a previously committed root pair.
type Generation struct {
	fileKeys    *cowtree.Tree
	dirChildren *cowtree.Tree
}

// New wraps a pair of trees as a generation. The trees are normally
// produced by a repo/client.Client starting or loading a generation.
func New(fileKeys, dirChildren *cowtree.Tree) *Generation {
	return &Generation{fileKeys: fileKeys, dirChildren: dirChildren}
}

// FileKeysTree and DirChildrenTree expose the underlying trees so a
// client can commit and persist their roots.
func (g *Generation) FileKeysTree() *cowtree.Tree    { return g.fileKeys }
func (g *Generation) DirChildrenTree() *cowtree.Tree { return g.dirChildren }

func pathKey(path string) objcodec.Value { return objcodec.Bytes(path) }

// AddFile creates an empty file-key entry for path if one does not
// already exist, leaving existing keys and chunk ids untouched.
func (g *Generation) AddFile(ctx context.Context, path string) error {
	exists, err := g.FileExists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return g.fileKeys.Insert(pathKey(path), newFileEntry())
}

// RemoveFile drops path's file-key entry entirely.
func (g *Generation) RemoveFile(path string) error {
	return g.fileKeys.Remove(pathKey(path))
}

// FileExists reports whether path has a file-key entry.
func (g *Generation) FileExists(ctx context.Context, path string) (bool, error) {
	_, ok, err := g.fileKeys.Lookup(ctx, pathKey(path))
	return ok, err
}

// SetFileKeys merges keys into path's recorded metadata, creating the
// entry if necessary.
func (g *Generation) SetFileKeys(ctx context.Context, path string, keys map[FileKey]objcodec.Value) error {
	entry, err := g.loadEntry(ctx, path)
	if err != nil {
		return err
	}
	for k, v := range keys {
		entry.keys[k] = v
	}
	return g.storeEntry(path, entry)
}

// GetFileKeys returns path's recorded metadata.
func (g *Generation) GetFileKeys(ctx context.Context, path string) (map[FileKey]objcodec.Value, error) {
	entry, err := g.loadEntry(ctx, path)
	if err != nil {
		return nil, err
	}
	return entry.keys, nil
}

// AppendFileChunkID appends chunkID to path's ordered chunk list.
func (g *Generation) AppendFileChunkID(ctx context.Context, path string, chunkID bag.ObjectID) error {
	entry, err := g.loadEntry(ctx, path)
	if err != nil {
		return err
	}
	entry.chunks = append(entry.chunks, chunkID)
	return g.storeEntry(path, entry)
}

// ClearFileChunkIDs empties path's chunk list, keeping its file keys.
func (g *Generation) ClearFileChunkIDs(ctx context.Context, path string) error {
	entry, err := g.loadEntry(ctx, path)
	if err != nil {
		return err
	}
	entry.chunks = nil
	return g.storeEntry(path, entry)
}

// GetFileChunkIDs returns path's ordered chunk list.
func (g *Generation) GetFileChunkIDs(ctx context.Context, path string) ([]bag.ObjectID, error) {
	entry, err := g.loadEntry(ctx, path)
	if err != nil {
		return nil, err
	}
	return entry.chunks, nil
}

// GetFileChildren returns the sorted list of path's immediate children,
// or nil if path has no recorded children (it is not a directory, or is
// empty).
func (g *Generation) GetFileChildren(ctx context.Context, path string) ([]string, error) {
	v, ok, err := g.dirChildren.Lookup(ctx, pathKey(path))
	if err != nil || !ok {
		return nil, err
	}
	list, ok := v.(objcodec.List)
	if !ok {
		return nil, errors.Errorf("generation: children of %s are %T, want List", path, v)
	}
	names := make([]string, len(list))
	for i, item := range list {
		b, ok := item.(objcodec.Bytes)
		if !ok {
			return nil, errors.Errorf("generation: child entry of %s is %T, want Bytes", path, item)
		}
		names[i] = string(b)
	}
	return names, nil
}

// SetFileChildren records the sorted list of path's immediate children.
func (g *Generation) SetFileChildren(path string, children []string) error {
	sorted := append([]string(nil), children...)
	sort.Strings(sorted)
	list := make(objcodec.List, len(sorted))
	for i, name := range sorted {
		list[i] = objcodec.Bytes(name)
	}
	return g.dirChildren.Insert(pathKey(path), list)
}

type fileEntry struct {
	keys   map[FileKey]objcodec.Value
	chunks []bag.ObjectID
}

func newFileEntry() objcodec.Value {
	return encodeEntry(fileEntry{keys: map[FileKey]objcodec.Value{}})
}

func (g *Generation) loadEntry(ctx context.Context, path string) (fileEntry, error) {
	v, ok, err := g.fileKeys.Lookup(ctx, pathKey(path))
	if err != nil {
		return fileEntry{}, err
	}
	if !ok {
		return fileEntry{keys: map[FileKey]objcodec.Value{}}, nil
	}
	return decodeEntry(v)
}

func (g *Generation) storeEntry(path string, entry fileEntry) error {
	return g.fileKeys.Insert(pathKey(path), encodeEntry(entry))
}

func encodeEntry(entry fileEntry) objcodec.Value {
	keys := make(objcodec.Map, 0, len(entry.keys))
	for k, v := range entry.keys {
		keys = append(keys, objcodec.MapEntry{Key: fileKeyName(k), Value: v})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })

	chunks := make(objcodec.List, len(entry.chunks))
	for i, id := range entry.chunks {
		chunks[i] = cowtree.ObjectIDValue(id)
	}

	return objcodec.Map{
		{Key: fileKeysMapKey, Value: keys},
		{Key: chunksMapKey, Value: chunks},
	}
}

func decodeEntry(v objcodec.Value) (fileEntry, error) {
	m, ok := v.(objcodec.Map)
	if !ok {
		return fileEntry{}, errors.Errorf("generation: file entry is %T, want Map", v)
	}
	entry := fileEntry{keys: map[FileKey]objcodec.Value{}}

	if keysVal, ok := m.Get(fileKeysMapKey); ok {
		keys, ok := keysVal.(objcodec.Map)
		if !ok {
			return fileEntry{}, errors.Errorf("generation: file keys are %T, want Map", keysVal)
		}
		for _, e := range keys {
			fk, err := fileKeyByName(e.Key)
			if err != nil {
				return fileEntry{}, err
			}
			entry.keys[fk] = e.Value
		}
	}

	if chunksVal, ok := m.Get(chunksMapKey); ok {
		list, ok := chunksVal.(objcodec.List)
		if !ok {
			return fileEntry{}, errors.Errorf("generation: chunk list is %T, want List", chunksVal)
		}
		entry.chunks = make([]bag.ObjectID, len(list))
		for i, item := range list {
			id, err := cowtree.ValueToObjectID(item)
			if err != nil {
				return fileEntry{}, err
			}
			entry.chunks[i] = id
		}
	}

	return entry, nil
}

var fileKeyNames = map[FileKey]string{
	FileMode:          "mode",
	FileMTimeSec:      "mtime_sec",
	FileMTimeNsec:     "mtime_nsec",
	FileATimeSec:      "atime_sec",
	FileATimeNsec:     "atime_nsec",
	FileNlink:         "nlink",
	FileSize:          "size",
	FileUID:           "uid",
	FileUsername:      "username",
	FileGID:           "gid",
	FileGroupname:     "groupname",
	FileSymlinkTarget: "symlink_target",
	FileXattrBlob:     "xattr",
	FileBlocks:        "blocks",
	FileDev:           "dev",
	FileIno:           "ino",
	FileSHA224:        "sha224",
	FileSHA256:        "sha256",
	FileSHA384:        "sha384",
	FileSHA512:        "sha512",
	FileTestKey:       "test",
}

func fileKeyName(k FileKey) string {
	if name, ok := fileKeyNames[k]; ok {
		return name
	}
	return "unknown"
}

func fileKeyByName(name string) (FileKey, error) {
	for k, n := range fileKeyNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.Errorf("generation: unknown file key %q", name)
}
