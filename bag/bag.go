// Package bag implements the repository's basic unit of persistence: an
// ordered, in-memory batch of opaque blobs sharing one id.
package bag

import (
	"fmt"

	"github.com/obnamgo/obnam/objcodec"
	"github.com/pkg/errors"
)

// ErrBagIDNotSet is returned by Append when the bag has no id yet.
var ErrBagIDNotSet = errors.New("bag: id not set")

// ID identifies a bag. Exactly one of Numeric or Named is meaningful,
// selected by IsNamed — the "well-known blob" convention of spec.md §9.
type ID struct {
	Numeric uint64
	Named   string
	IsNamed bool
}

// Num builds a numeric bag id.
func Num(n uint64) ID { return ID{Numeric: n} }

// Name builds a named (well-known) bag id.
func Name(name string) ID { return ID{Named: name, IsNamed: true} }

// String renders the id for logging and path construction.
func (id ID) String() string {
	if id.IsNamed {
		return id.Named
	}
	return fmt.Sprintf("%d", id.Numeric)
}

// ObjectID addresses one blob inside one bag.
type ObjectID struct {
	Bag   ID
	Index uint64
}

// String renders an ObjectID for logging.
func (o ObjectID) String() string {
	return fmt.Sprintf("%s:%d", o.Bag, o.Index)
}

// Bag is an ordered sequence of opaque byte-string blobs, plus an id
// assigned before the first blob is appended. Bags are immutable once
// written to storage; a Bag value itself is just the in-memory builder
// used on the way in and the view returned on the way out.
type Bag struct {
	id     ID
	hasID  bool
	blobs  [][]byte
	nbytes int
}

// New returns an empty, unidentified bag.
func New() *Bag {
	return &Bag{}
}

// SetID assigns the bag's id. It may be called at most meaningfully once
// per bag; later calls simply replace the id of an otherwise-untouched
// builder.
func (b *Bag) SetID(id ID) {
	b.id = id
	b.hasID = true
}

// ID returns the bag's id, or the zero ID and false if none is set.
func (b *Bag) ID() (ID, bool) {
	return b.id, b.hasID
}

// Append adds blob to the end of the bag and returns its object id.
func (b *Bag) Append(blob []byte) (ObjectID, error) {
	if !b.hasID {
		return ObjectID{}, ErrBagIDNotSet
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	b.blobs = append(b.blobs, cp)
	b.nbytes += len(cp)
	return ObjectID{Bag: b.id, Index: uint64(len(b.blobs) - 1)}, nil
}

// Len returns the number of blobs in the bag.
func (b *Bag) Len() int { return len(b.blobs) }

// Bytes returns the total number of content bytes across all blobs.
func (b *Bag) Bytes() int { return b.nbytes }

// At returns the blob at the given index.
func (b *Bag) At(index int) []byte {
	return b.blobs[index]
}

// Blobs returns all blobs, in append order. The returned slice must not
// be mutated by the caller.
func (b *Bag) Blobs() [][]byte {
	return b.blobs
}

// Marshal encodes the bag in the wire format of spec.md §6.3:
// {"bag_id": id, "blobs": [bytes, ...]}.
func (b *Bag) Marshal() ([]byte, error) {
	id, ok := b.ID()
	if !ok {
		return nil, ErrBagIDNotSet
	}
	blobList := make(objcodec.List, len(b.blobs))
	for i, blob := range b.blobs {
		blobList[i] = objcodec.Bytes(blob)
	}
	m := objcodec.Map{
		{Key: "bag_id", Value: idValue(id)},
		{Key: "blobs", Value: blobList},
	}
	return objcodec.Serialise(m)
}

// Unmarshal decodes a bag previously encoded with Marshal.
func Unmarshal(data []byte) (*Bag, error) {
	v, _, err := objcodec.Deserialise(data)
	if err != nil {
		return nil, errors.Wrap(err, "bag: decode")
	}
	m, ok := v.(objcodec.Map)
	if !ok {
		return nil, errors.New("bag: decoded value is not a map")
	}
	b := New()
	if idVal, ok := m.Get("bag_id"); ok {
		id, err := valueToID(idVal)
		if err != nil {
			return nil, err
		}
		b.SetID(id)
	}
	if blobsVal, ok := m.Get("blobs"); ok {
		list, ok := blobsVal.(objcodec.List)
		if !ok {
			return nil, errors.New("bag: blobs field is not a list")
		}
		for _, item := range list {
			blob, ok := item.(objcodec.Bytes)
			if !ok {
				return nil, errors.New("bag: blob item is not a byte string")
			}
			b.blobs = append(b.blobs, []byte(blob))
			b.nbytes += len(blob)
		}
	}
	if !b.hasID {
		return nil, errors.New("bag: decoded bag has no id")
	}
	return b, nil
}

func idValue(id ID) objcodec.Value {
	if id.IsNamed {
		return objcodec.Bytes(id.Named)
	}
	return objcodec.NewInt(int64(id.Numeric))
}

func valueToID(v objcodec.Value) (ID, error) {
	switch x := v.(type) {
	case objcodec.Bytes:
		return Name(string(x)), nil
	case objcodec.Int:
		if !x.IsInt64() {
			return ID{}, errors.New("bag: numeric bag id out of range")
		}
		return Num(uint64(x.Int64())), nil
	default:
		return ID{}, errors.Errorf("bag: bag_id has unexpected shape %T", v)
	}
}
