package cowtree

import (
	"context"
	"sort"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/pkg/errors"
)

const defaultMaxKeysPerLeaf = 1024

// leafListKey is the single key a tree's root ("list node") leaf holds,
// whose value is the serialised LeafList.
var leafListKey = objcodec.Bytes("leaf_list")

// Tree is a persistent, ordered key/value map: a leaf list on disk plus
// an in-memory delta of uncommitted changes. See spec.md §4.6.
type Tree struct {
	store          LeafStore
	leafList       *LeafList
	delta          *delta
	maxKeysPerLeaf int
}

// New returns an empty tree backed by store.
func New(store LeafStore) *Tree {
	return &Tree{
		store:          store,
		leafList:       NewLeafList(),
		delta:          newDelta(),
		maxKeysPerLeaf: defaultMaxKeysPerLeaf,
	}
}

// SetMaxLeafSize overrides the number of keys packed into each leaf on
// commit. It must be at least 2.
func (t *Tree) SetMaxLeafSize(maxKeys int) error {
	if maxKeys < 2 {
		return errors.New("cowtree: max leaf size must be >= 2")
	}
	t.maxKeysPerLeaf = maxKeys
	return nil
}

// SetListNode loads the tree's leaf list from the root leaf at id,
// replacing whatever leaf list (and delta) the tree currently holds.
func (t *Tree) SetListNode(ctx context.Context, id bag.ObjectID) error {
	root, err := t.store.GetLeaf(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "cowtree: load root leaf %s", id)
	}
	serialised, ok, err := root.Lookup(leafListKey)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("cowtree: root leaf %s has no leaf_list key", id)
	}
	leafList, err := UnserialiseLeafList(serialised)
	if err != nil {
		return errors.Wrapf(err, "cowtree: unserialise leaf list from %s", id)
	}
	t.leafList = leafList
	t.delta = newDelta()
	return nil
}

// Lookup returns the value stored under key: the delta wins over
// whatever the leaves say, and a tombstone counts as absent.
func (t *Tree) Lookup(ctx context.Context, key Key) (Value, bool, error) {
	if e, ok, err := t.delta.get(key); err != nil {
		return nil, false, err
	} else if ok {
		if e.Kind == deltaTombstone {
			return nil, false, nil
		}
		return e.Value, true, nil
	}

	leafID, ok := t.leafList.FindLeaf(key)
	if !ok {
		return nil, false, nil
	}
	leaf, err := t.store.GetLeaf(ctx, leafID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "cowtree: load leaf %s", leafID)
	}
	return leaf.Lookup(key)
}

// Insert records key=value in the delta.
func (t *Tree) Insert(key, value Value) error {
	return t.delta.set(key, value)
}

// Remove tombstones key in the delta. Removing a key absent from both
// the delta and the leaves is a no-op.
func (t *Tree) Remove(key Value) error {
	return t.delta.remove(key)
}

// Keys returns every live key: delta insertions not tombstoned, plus
// leaf-stored keys the delta does not override.
func (t *Tree) Keys(ctx context.Context) ([]Key, error) {
	seen := map[string]bool{}
	var keys []Key
	for _, e := range t.delta.entries {
		tok, err := token(e.Key)
		if err != nil {
			return nil, err
		}
		seen[tok] = true
		if e.Kind != deltaTombstone {
			keys = append(keys, e.Key)
		}
	}

	for _, leafID := range t.leafList.Leaves() {
		leaf, err := t.store.GetLeaf(ctx, leafID)
		if err != nil {
			return nil, errors.Wrapf(err, "cowtree: load leaf %s", leafID)
		}
		for _, k := range leaf.Keys() {
			tok, err := token(k)
			if err != nil {
				return nil, err
			}
			if !seen[tok] {
				seen[tok] = true
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

// Commit rebuilds the tree from its live keys into fresh leaves, writes
// a new leaf list, removes every leaf the old leaf list referenced, and
// returns the id of the new root leaf. The tree's in-memory state is
// left pointing at the freshly-committed leaf list with an empty delta.
func (t *Tree) Commit(ctx context.Context) (bag.ObjectID, error) {
	keys, err := t.Keys(ctx)
	if err != nil {
		return bag.ObjectID{}, err
	}
	sort.Slice(keys, func(i, j int) bool { return Compare(keys[i], keys[j]) < 0 })

	newList := NewLeafList()
	leaf := NewLeaf()
	flushLeaf := func() error {
		if leaf.Len() == 0 {
			return nil
		}
		leafKeys := leaf.Keys()
		sort.Slice(leafKeys, func(i, j int) bool { return Compare(leafKeys[i], leafKeys[j]) < 0 })
		id, err := t.store.PutLeaf(ctx, leaf)
		if err != nil {
			return err
		}
		return newList.Add(id, leafKeys[0], leafKeys[len(leafKeys)-1])
	}

	for _, key := range keys {
		value, ok, err := t.Lookup(ctx, key)
		if err != nil {
			return bag.ObjectID{}, err
		}
		if !ok {
			continue
		}
		if err := leaf.Insert(key, value); err != nil {
			return bag.ObjectID{}, err
		}
		if leaf.Len() == t.maxKeysPerLeaf {
			if err := flushLeaf(); err != nil {
				return bag.ObjectID{}, err
			}
			leaf = NewLeaf()
		}
	}
	if err := flushLeaf(); err != nil {
		return bag.ObjectID{}, err
	}

	root := NewLeaf()
	if err := root.Insert(leafListKey, newList.Serialise()); err != nil {
		return bag.ObjectID{}, err
	}
	rootID, err := t.store.PutLeaf(ctx, root)
	if err != nil {
		return bag.ObjectID{}, errors.Wrap(err, "cowtree: put root leaf")
	}
	if err := t.store.Flush(ctx); err != nil {
		return bag.ObjectID{}, errors.Wrap(err, "cowtree: flush")
	}

	for _, oldLeafID := range t.leafList.Leaves() {
		if err := t.store.RemoveLeaf(ctx, oldLeafID); err != nil {
			return bag.ObjectID{}, errors.Wrapf(err, "cowtree: remove old leaf %s", oldLeafID)
		}
	}

	if err := t.SetListNode(ctx, rootID); err != nil {
		return bag.ObjectID{}, err
	}
	return rootID, nil
}
