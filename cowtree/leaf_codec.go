package cowtree

import (
	"github.com/obnamgo/obnam/objcodec"
	"github.com/pkg/errors"
)

// encodeLeaf renders a leaf as the serialised object a LeafStore
// persists: a list of [key, value] pairs. A plain list is used, rather
// than an objcodec.Map, because leaf keys are not restricted to
// strings (spec.md §3 allows any serialisable object as a key).
func encodeLeaf(l *Leaf) (objcodec.Value, error) {
	pairs := l.Pairs()
	out := make(objcodec.List, len(pairs))
	for i, p := range pairs {
		out[i] = objcodec.List{p.Key, p.Value}
	}
	return out, nil
}

func decodeLeaf(v objcodec.Value) (*Leaf, error) {
	list, ok := v.(objcodec.List)
	if !ok {
		return nil, errors.Errorf("cowtree: leaf encoding is %T, want List", v)
	}
	pairs := make([]pair, 0, len(list))
	for _, item := range list {
		entry, ok := item.(objcodec.List)
		if !ok || len(entry) != 2 {
			return nil, errors.New("cowtree: leaf entry is not a [key, value] pair")
		}
		pairs = append(pairs, pair{Key: entry[0], Value: entry[1]})
	}
	l := NewLeaf()
	l.FromPairs(pairs)
	return l, nil
}
