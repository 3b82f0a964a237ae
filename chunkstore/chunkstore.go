// Package chunkstore is the content-addressed store for file-content
// chunks: a thin façade over a bag store and a blob store, rooted under
// the repository's chunk-store/ directory.
package chunkstore

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/obnamgo/obnam/storage/bagstore"
	"github.com/obnamgo/obnam/storage/blobstore"
	"github.com/pkg/errors"
)

// Store is the chunk store described by spec.md §4.7.
type Store struct {
	bags  *bagstore.Store
	blobs *blobstore.Store
}

// New returns a chunk store over bags and blobs, which callers should
// have rooted at the repository's chunk-store/ toplevel.
func New(bags *bagstore.Store, blobs *blobstore.Store) *Store {
	return &Store{bags: bags, blobs: blobs}
}

// PutChunkContent stores content and returns its chunk id.
func (s *Store) PutChunkContent(ctx context.Context, content []byte) (bag.ObjectID, error) {
	oid, err := s.blobs.PutBlob(ctx, content)
	if err != nil {
		return bag.ObjectID{}, errors.Wrap(err, "chunkstore: put chunk content")
	}
	return oid, nil
}

// GetChunkContent returns the bytes of the chunk addressed by chunkID,
// failing with obnamerr.ChunkDoesNotExist if it is not present.
func (s *Store) GetChunkContent(ctx context.Context, chunkID bag.ObjectID) ([]byte, error) {
	content, err := s.blobs.GetBlob(ctx, chunkID)
	if err != nil {
		return nil, obnamerr.ChunkDoesNotExist{ChunkID: chunkID.String()}
	}
	return content, nil
}

// HasChunk reports whether chunkID can be read.
func (s *Store) HasChunk(ctx context.Context, chunkID bag.ObjectID) bool {
	_, err := s.GetChunkContent(ctx, chunkID)
	return err == nil
}

// GetBagID returns the bag a chunk id belongs to.
func (s *Store) GetBagID(chunkID bag.ObjectID) bag.ID {
	return chunkID.Bag
}

// GetChunksInBag enumerates the chunk ids held by bagID, in index
// order. A missing bag yields no ids and no error.
func (s *Store) GetChunksInBag(ctx context.Context, bagID bag.ID) ([]bag.ObjectID, error) {
	b, err := s.bags.GetBag(ctx, bagID)
	if err != nil {
		has, hasErr := s.bags.HasBag(ctx, bagID)
		if hasErr == nil && !has {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "chunkstore: get bag %s", bagID)
	}
	ids := make([]bag.ObjectID, b.Len())
	for i := range ids {
		ids[i] = bag.ObjectID{Bag: bagID, Index: uint64(i)}
	}
	return ids, nil
}

// RemoveBag removes the whole bag, ignoring an already-absent bag.
func (s *Store) RemoveBag(ctx context.Context, bagID bag.ID) error {
	return s.bags.RemoveBag(ctx, bagID)
}

// FlushChunks persists the active chunk bag, if any.
func (s *Store) FlushChunks(ctx context.Context) error {
	return s.blobs.Flush(ctx)
}

// GetChunkIDs enumerates every chunk id in the store by reading every
// bag. This is the store's slow path, named explicitly in spec.md §4.7
// as an enumeration of last resort (fsck, migrations); concurrent bags
// are fanned out with an errgroup so the wall-clock cost scales with
// the slowest single bag read rather than their sum.
func (s *Store) GetChunkIDs(ctx context.Context) ([]bag.ObjectID, error) {
	if err := s.FlushChunks(ctx); err != nil {
		return nil, err
	}
	bagIDs, err := s.bags.BagIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "chunkstore: enumerate bag ids")
	}

	var mu sync.Mutex
	var all []bag.ObjectID
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range bagIDs {
		n := n
		g.Go(func() error {
			ids, err := s.GetChunksInBag(gctx, bag.Num(n))
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, ids...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "chunkstore: enumerate chunk ids")
	}
	return all, nil
}
