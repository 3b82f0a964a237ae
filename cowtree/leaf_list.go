package cowtree

import (
	"sort"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/pkg/errors"
)

type leafRecord struct {
	ID       bag.ObjectID
	FirstKey Key
	LastKey  Key
}

// LeafList is the sorted, disjoint index from key range to leaf id that
// a CowTree uses to locate the leaf holding a given key.
type LeafList struct {
	records []leafRecord
}

// NewLeafList returns an empty leaf list.
func NewLeafList() *LeafList {
	return &LeafList{}
}

// Len returns the number of leaves listed.
func (ll *LeafList) Len() int { return len(ll.records) }

// Leaves returns the object id of every listed leaf, in range order.
func (ll *LeafList) Leaves() []bag.ObjectID {
	ids := make([]bag.ObjectID, len(ll.records))
	for i, r := range ll.records {
		ids[i] = r.ID
	}
	return ids
}

// Add records a new leaf's key range. It fails if either endpoint
// already falls inside an existing range, since ranges must stay
// pairwise disjoint.
func (ll *LeafList) Add(id bag.ObjectID, firstKey, lastKey Key) error {
	if _, ok := ll.FindLeaf(firstKey); ok {
		return errors.Errorf("cowtree: leaf list: first key overlaps an existing range")
	}
	if _, ok := ll.FindLeaf(lastKey); ok {
		return errors.Errorf("cowtree: leaf list: last key overlaps an existing range")
	}
	ll.records = append(ll.records, leafRecord{ID: id, FirstKey: firstKey, LastKey: lastKey})
	sort.SliceStable(ll.records, func(i, j int) bool {
		if c := Compare(ll.records[i].FirstKey, ll.records[j].FirstKey); c != 0 {
			return c < 0
		}
		return Compare(ll.records[i].LastKey, ll.records[j].LastKey) < 0
	})
	return nil
}

// FindLeaf returns the id of the leaf whose range contains key.
func (ll *LeafList) FindLeaf(key Key) (bag.ObjectID, bool) {
	for _, r := range ll.records {
		if Compare(r.FirstKey, key) <= 0 && Compare(key, r.LastKey) <= 0 {
			return r.ID, true
		}
	}
	return bag.ObjectID{}, false
}

// ObjectIDValue encodes an ObjectID as the objcodec.Value representation
// used for tree keys: a two-element list of (bag id, index).
func ObjectIDValue(id bag.ObjectID) objcodec.Value {
	return objcodec.List{bagIDValue(id.Bag), objcodec.NewInt(int64(id.Index))}
}

func bagIDValue(id bag.ID) objcodec.Value {
	if id.IsNamed {
		return objcodec.Bytes(id.Named)
	}
	return objcodec.NewInt(int64(id.Numeric))
}

// ValueToObjectID decodes the representation ObjectIDValue produces.
func ValueToObjectID(v objcodec.Value) (bag.ObjectID, error) {
	list, ok := v.(objcodec.List)
	if !ok || len(list) != 2 {
		return bag.ObjectID{}, errors.New("cowtree: malformed object id")
	}
	index, ok := list[1].(objcodec.Int)
	if !ok || !index.IsInt64() {
		return bag.ObjectID{}, errors.New("cowtree: malformed object id index")
	}
	var bagID bag.ID
	switch x := list[0].(type) {
	case objcodec.Bytes:
		bagID = bag.Name(string(x))
	case objcodec.Int:
		if !x.IsInt64() {
			return bag.ObjectID{}, errors.New("cowtree: bag id out of range")
		}
		bagID = bag.Num(uint64(x.Int64()))
	default:
		return bag.ObjectID{}, errors.Errorf("cowtree: malformed bag id %T", list[0])
	}
	return bag.ObjectID{Bag: bagID, Index: uint64(index.Int64())}, nil
}

// Serialise renders the leaf list as the objcodec.Value a CowTree
// stores under the "leaf_list" key of its root leaf.
func (ll *LeafList) Serialise() objcodec.Value {
	out := make(objcodec.List, len(ll.records))
	for i, r := range ll.records {
		out[i] = objcodec.List{ObjectIDValue(r.ID), r.FirstKey, r.LastKey}
	}
	return out
}

// UnserialiseLeafList reconstructs a LeafList from the value Serialise
// produced.
func UnserialiseLeafList(v objcodec.Value) (*LeafList, error) {
	list, ok := v.(objcodec.List)
	if !ok {
		return nil, errors.Errorf("cowtree: leaf list encoding is %T, want List", v)
	}
	ll := NewLeafList()
	for _, item := range list {
		entry, ok := item.(objcodec.List)
		if !ok || len(entry) != 3 {
			return nil, errors.New("cowtree: malformed leaf list entry")
		}
		id, err := ValueToObjectID(entry[0])
		if err != nil {
			return nil, err
		}
		if err := ll.Add(id, entry[1], entry[2]); err != nil {
			return nil, err
		}
	}
	return ll, nil
}
