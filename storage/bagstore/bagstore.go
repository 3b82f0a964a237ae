// Package bagstore is the persistence layer for bags: one file per bag,
// named by a sharded path derived from the bag's numeric id, or by its
// name under named/ for a well-known bag. A numeric bag is written
// exactly once; a well-known bag is overwritten in place.
package bagstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/fsiface"
	"github.com/pkg/errors"
)

const (
	shardDepth = 3
	shardBits  = 12
	skipBits   = 13
	shardMask  = (1 << shardBits) - 1
)

// Store persists bags under a toplevel directory of an fsiface.FS. It
// hands out monotonically increasing numeric ids and maps each id to a
// bounded-depth directory tree so that no single directory grows
// unreasonably large, mirroring the sharded tile layout the teacher
// uses for its own content-addressed files.
type Store struct {
	fs       fsiface.FS
	toplevel string

	mu      sync.Mutex
	nextID  uint64
	scanned bool
}

// New returns a bag store rooted at toplevel on fs. toplevel must
// already exist or be creatable via fs.MakeDirs.
func New(fs fsiface.FS, toplevel string) *Store {
	return &Store{fs: fs, toplevel: strings.TrimRight(toplevel, "/")}
}

// idPath maps a numeric bag id to its sharded file path: the low
// skipBits bits are dropped (they vary fastest and would otherwise
// spread single-bag-per-directory), then the next shardDepth groups of
// shardBits bits each become nested shard directories, most
// significant first, with the full id as the leaf filename.
func idPath(id uint64) string {
	shifted := id >> skipBits
	parts := make([]string, 0, shardDepth+1)
	for i := shardDepth - 1; i >= 0; i-- {
		shard := (shifted >> uint(i*shardBits)) & shardMask
		parts = append(parts, fmt.Sprintf("%03x", shard))
	}
	parts = append(parts, strconv.FormatUint(id, 10))
	return strings.Join(parts, "/")
}

// namedPath maps a well-known bag name to its file path: named bags
// live directly under toplevel/named/ since there are only ever a
// handful of them.
func namedPath(name string) string {
	return "named/" + name
}

func (s *Store) pathFor(id bag.ID) string {
	if id.IsNamed {
		return s.toplevel + "/" + namedPath(id.Named)
	}
	return s.toplevel + "/" + idPath(id.Numeric)
}

// ReserveBagID returns the next unused numeric bag id. Ids are
// monotonic per toplevel for the lifetime of this Store value; a fresh
// Store recovers the high-water mark by scanning existing bag files on
// first use.
func (s *Store) ReserveBagID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanned {
		if err := s.scanHighWaterMark(ctx); err != nil {
			return 0, err
		}
		s.scanned = true
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *Store) scanHighWaterMark(ctx context.Context) error {
	ids, err := s.numericBagIDsLocked(ctx)
	if err != nil {
		return err
	}
	max := uint64(0)
	for _, id := range ids {
		if id >= max {
			max = id + 1
		}
	}
	s.nextID = max
	return nil
}

// PutBag writes the serialised form of b to its sharded path,
// atomically (write-temp, then rename) and creates any missing
// intermediate directories first.
func (s *Store) PutBag(ctx context.Context, b *bag.Bag) error {
	id, ok := b.ID()
	if !ok {
		return bag.ErrBagIDNotSet
	}
	data, err := b.Marshal()
	if err != nil {
		return errors.Wrap(err, "bagstore: marshal bag")
	}
	return s.putBagBytes(ctx, id, data)
}

func (s *Store) putBagBytes(ctx context.Context, id bag.ID, data []byte) error {
	path := s.pathFor(id)
	dir := dirname(path)
	if err := s.fs.MakeDirs(ctx, dir); err != nil {
		return errors.Wrapf(err, "bagstore: makedirs %s", dir)
	}
	if id.IsNamed {
		return errors.Wrapf(s.fs.OverwriteFile(ctx, path, data), "bagstore: overwrite %s", path)
	}
	return errors.Wrapf(s.fs.WriteFile(ctx, path, data), "bagstore: write %s", path)
}

// GetBag reads and decodes the bag stored under id.
func (s *Store) GetBag(ctx context.Context, id bag.ID) (*bag.Bag, error) {
	data, err := s.fs.Cat(ctx, s.pathFor(id))
	if err != nil {
		return nil, errors.Wrapf(err, "bagstore: read bag %s", id)
	}
	b, err := bag.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "bagstore: decode bag %s", id)
	}
	return b, nil
}

// HasBag reports whether a bag is stored under id.
func (s *Store) HasBag(ctx context.Context, id bag.ID) (bool, error) {
	ok, err := s.fs.Exists(ctx, s.pathFor(id))
	if err != nil {
		return false, errors.Wrapf(err, "bagstore: exists %s", id)
	}
	return ok, nil
}

// RemoveBag deletes the bag stored under id. Removing an absent bag is
// not an error.
func (s *Store) RemoveBag(ctx context.Context, id bag.ID) error {
	err := s.fs.Remove(ctx, s.pathFor(id))
	if err != nil {
		exists, existsErr := s.fs.Exists(ctx, s.pathFor(id))
		if existsErr == nil && !exists {
			return nil
		}
		return errors.Wrapf(err, "bagstore: remove %s", id)
	}
	return nil
}

// BagIDs enumerates every numeric bag id currently stored, by walking
// the sharded directory tree. Named (well-known) bags are not included.
func (s *Store) BagIDs(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numericBagIDsLocked(ctx)
}

func (s *Store) numericBagIDsLocked(ctx context.Context) ([]uint64, error) {
	exists, err := s.fs.Exists(ctx, s.toplevel)
	if err != nil {
		return nil, errors.Wrapf(err, "bagstore: exists %s", s.toplevel)
	}
	if !exists {
		return nil, nil
	}
	var ids []uint64
	err = s.fs.ScanTree(ctx, s.toplevel, func(path string, info fsiface.FileInfo) error {
		if info.IsDir {
			return nil
		}
		rel := strings.TrimPrefix(path, s.toplevel+"/")
		if strings.HasPrefix(rel, "named/") {
			return nil
		}
		base := rel
		if i := strings.LastIndex(rel, "/"); i >= 0 {
			base = rel[i+1:]
		}
		n, convErr := strconv.ParseUint(base, 10, 64)
		if convErr != nil {
			return nil
		}
		ids = append(ids, n)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bagstore: scan %s", s.toplevel)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func dirname(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "."
	}
	return path[:i]
}
