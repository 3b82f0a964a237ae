package cowtree

import (
	"context"
	"sync"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/storage/bagstore"
	"github.com/obnamgo/obnam/storage/blobstore"
	"github.com/pkg/errors"
)

// LeafStore persists and retrieves leaves. CowTree is indifferent to
// whether a given implementation keeps leaves purely in memory (tests,
// or short-lived scratch trees) or backs them with the repository's
// blob store.
type LeafStore interface {
	PutLeaf(ctx context.Context, leaf *Leaf) (bag.ObjectID, error)
	GetLeaf(ctx context.Context, id bag.ObjectID) (*Leaf, error)
	RemoveLeaf(ctx context.Context, id bag.ObjectID) error
	Flush(ctx context.Context) error
}

// InMemoryLeafStore keeps every leaf in a process-local map, addressed
// by an incrementing counter standing in for a bag id. It never touches
// an FS; it exists for tests and for building a tree that will be
// discarded without ever being committed to disk.
type InMemoryLeafStore struct {
	mu      sync.Mutex
	leaves  map[uint64]*Leaf
	counter uint64
}

// NewInMemoryLeafStore returns an empty in-memory leaf store.
func NewInMemoryLeafStore() *InMemoryLeafStore {
	return &InMemoryLeafStore{leaves: map[uint64]*Leaf{}}
}

func (s *InMemoryLeafStore) PutLeaf(_ context.Context, leaf *Leaf) (bag.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	s.leaves[s.counter] = leaf
	return bag.ObjectID{Bag: bag.Num(s.counter), Index: 0}, nil
}

func (s *InMemoryLeafStore) GetLeaf(_ context.Context, id bag.ObjectID) (*Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leaf, ok := s.leaves[id.Bag.Numeric]
	if !ok {
		return nil, errors.Errorf("cowtree: no such leaf %s", id)
	}
	return leaf, nil
}

func (s *InMemoryLeafStore) RemoveLeaf(_ context.Context, id bag.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leaves, id.Bag.Numeric)
	return nil
}

func (s *InMemoryLeafStore) Flush(context.Context) error { return nil }

// BlobLeafStore persists leaves through the repository's blob store.
// Removing a leaf removes the whole bag that backs it, since PutLeaf
// flushes every leaf into a bag of its own.
type BlobLeafStore struct {
	blobs *blobstore.Store
	bags  *bagstore.Store
}

// NewBlobLeafStore returns a leaf store backed by blobs, whose raw bags
// live in bags.
func NewBlobLeafStore(blobs *blobstore.Store, bags *bagstore.Store) *BlobLeafStore {
	return &BlobLeafStore{blobs: blobs, bags: bags}
}

func (s *BlobLeafStore) PutLeaf(ctx context.Context, leaf *Leaf) (bag.ObjectID, error) {
	encoded, err := encodeLeaf(leaf)
	if err != nil {
		return bag.ObjectID{}, err
	}
	data, err := objcodec.Serialise(encoded)
	if err != nil {
		return bag.ObjectID{}, errors.Wrap(err, "cowtree: serialise leaf")
	}
	oid, err := s.blobs.PutBlob(ctx, data)
	if err != nil {
		return bag.ObjectID{}, errors.Wrap(err, "cowtree: put leaf blob")
	}
	if err := s.blobs.Flush(ctx); err != nil {
		return bag.ObjectID{}, errors.Wrap(err, "cowtree: flush leaf bag")
	}
	return oid, nil
}

func (s *BlobLeafStore) GetLeaf(ctx context.Context, id bag.ObjectID) (*Leaf, error) {
	data, err := s.blobs.GetBlob(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "cowtree: get leaf blob %s", id)
	}
	v, _, err := objcodec.Deserialise(data)
	if err != nil {
		return nil, errors.Wrapf(err, "cowtree: decode leaf blob %s", id)
	}
	return decodeLeaf(v)
}

func (s *BlobLeafStore) RemoveLeaf(ctx context.Context, id bag.ObjectID) error {
	// Leaves written by PutLeaf always occupy a bag on their own, so
	// dropping the bag is equivalent to dropping the leaf.
	if err := s.bags.RemoveBag(ctx, id.Bag); err != nil {
		return errors.Wrapf(err, "cowtree: remove leaf bag %s", id.Bag)
	}
	return nil
}

func (s *BlobLeafStore) Flush(ctx context.Context) error {
	return s.blobs.Flush(ctx)
}
