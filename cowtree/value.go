// Package cowtree implements the persistent copy-on-write key/value
// tree used for every index the repository maintains: a sorted,
// disjoint leaf list plus an in-memory delta overlay, committed in bulk
// into freshly-written leaves.
package cowtree

import (
	"bytes"

	"github.com/obnamgo/obnam/objcodec"
	"github.com/pkg/errors"
)

// Key and Value are the closed objcodec.Value sum type: a tree's keys
// and values may be any of the six serialisable shapes.
type Key = objcodec.Value
type Value = objcodec.Value

// tagOrder gives a deterministic, total ordering across the different
// Value kinds so that keys of mixed shape can still be sorted; within
// a kind, ordering follows the natural order of the underlying Go
// value.
func tagOrder(v Value) int {
	switch v.(type) {
	case objcodec.None:
		return 0
	case objcodec.Int:
		return 1
	case objcodec.Bool:
		return 2
	case objcodec.Bytes:
		return 3
	case objcodec.List:
		return 4
	case objcodec.Map:
		return 5
	default:
		return 6
	}
}

// Compare imposes a total order over Key values, used to sort a tree's
// keys before splitting them into leaves and to keep a leaf list
// sorted by first_key.
func Compare(a, b Value) int {
	if oa, ob := tagOrder(a), tagOrder(b); oa != ob {
		return oa - ob
	}
	switch x := a.(type) {
	case objcodec.Int:
		return x.Cmp(b.(objcodec.Int).Int)
	case objcodec.Bool:
		bx, by := bool(x), bool(b.(objcodec.Bool))
		switch {
		case bx == by:
			return 0
		case !bx:
			return -1
		default:
			return 1
		}
	case objcodec.Bytes:
		return bytes.Compare([]byte(x), []byte(b.(objcodec.Bytes)))
	default:
		// None, and the recursive List/Map cases: compare canonical
		// serialised bytes. Serialisation never fails for values that
		// already round-tripped through the closed Value sum type.
		ea, _ := objcodec.Serialise(a)
		eb, _ := objcodec.Serialise(b)
		return bytes.Compare(ea, eb)
	}
}

// token returns a stable string suitable as a Go map key for a Value,
// since List and Map values are not themselves Go-comparable.
func token(v Value) (string, error) {
	b, err := objcodec.Serialise(v)
	if err != nil {
		return "", errors.Wrap(err, "cowtree: serialise key")
	}
	return string(b), nil
}
