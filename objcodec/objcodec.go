// Package objcodec implements the repository's self-describing,
// length-prefixed binary object encoding.
//
// Every encoded value is type_byte(1) | length(8, big-endian) | payload.
// The closed set of supported shapes is None, arbitrary-precision signed
// integer, bool, byte string, list of values and map from string to
// value. Maps special-case entries whose value is an integer or a byte
// string ahead of all other entries, each bucket stored as parallel
// length-prefixed arrays rather than individually framed pairs.
package objcodec

import (
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

type tag byte

const (
	tagNone  tag = 'n'
	tagInt   tag = 'i'
	tagBool  tag = 'b'
	tagBytes tag = 's'
	tagList  tag = 'L'
	tagMap   tag = 'D'
)

const lengthSize = 8

// Value is the closed sum type of everything objcodec can serialise.
// Only the types defined in this package implement it; Serialise refuses
// anything else at compile time, since isValue is unexported.
type Value interface {
	isValue()
}

// None is the absence of a value.
type None struct{}

// Int is an arbitrary-precision signed integer.
type Int struct{ *big.Int }

// NewInt wraps an int64 as an Int value.
func NewInt(v int64) Int { return Int{big.NewInt(v)} }

// Bool is a boolean.
type Bool bool

// Bytes is an opaque byte string.
type Bytes []byte

// List is an ordered sequence of values.
type List []Value

// Map is an ordered map from string key to Value. Entries are kept in a
// slice, not a Go map, so that serialisation order (and therefore the
// encoded bytes) is deterministic regardless of insertion order.
type Map []MapEntry

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   string
	Value Value
}

func (None) isValue()  {}
func (Int) isValue()   {}
func (Bool) isValue()  {}
func (Bytes) isValue() {}
func (List) isValue()  {}
func (Map) isValue()   {}

// Get returns the value for key and whether it was present.
func (m Map) Get(key string) (Value, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Serialise encodes v per the wire format in spec.md §4.1.
func Serialise(v Value) ([]byte, error) {
	switch x := v.(type) {
	case None:
		return frame(tagNone, nil), nil
	case Int:
		if x.Int == nil {
			return nil, errors.New("objcodec: nil Int")
		}
		return frame(tagInt, []byte(x.Int.String())), nil
	case Bool:
		b := byte(0)
		if x {
			b = 1
		}
		return frame(tagBool, []byte{b}), nil
	case Bytes:
		return frame(tagBytes, []byte(x)), nil
	case List:
		var payload []byte
		for i, item := range x {
			enc, err := Serialise(item)
			if err != nil {
				return nil, errors.Wrapf(err, "objcodec: list item %d", i)
			}
			payload = append(payload, enc...)
		}
		return frame(tagList, payload), nil
	case Map:
		payload, err := serialiseMap(x)
		if err != nil {
			return nil, err
		}
		return frame(tagMap, payload), nil
	default:
		return nil, errors.Errorf("objcodec: unsupported value shape %T", v)
	}
}

func frame(t tag, payload []byte) []byte {
	out := make([]byte, 1+lengthSize+len(payload))
	out[0] = byte(t)
	binary.BigEndian.PutUint64(out[1:1+lengthSize], uint64(len(payload)))
	copy(out[1+lengthSize:], payload)
	return out
}

// Deserialise decodes a single framed value. It does not check for
// trailing bytes: callers that know a buffer holds exactly one value may
// ignore the second return; callers splitting a stream of values use it
// as the offset of the next frame.
func Deserialise(data []byte) (Value, int, error) {
	if len(data) < 1+lengthSize {
		return nil, 0, errors.New("objcodec: truncated frame header")
	}
	t := tag(data[0])
	length := binary.BigEndian.Uint64(data[1 : 1+lengthSize])
	start := 1 + lengthSize
	end := start + int(length)
	if end > len(data) {
		return nil, 0, errors.New("objcodec: truncated frame payload")
	}
	payload := data[start:end]

	switch t {
	case tagNone:
		return None{}, end, nil
	case tagInt:
		n, ok := new(big.Int).SetString(string(payload), 10)
		if !ok {
			return nil, 0, errors.Errorf("objcodec: bad integer literal %q", payload)
		}
		return Int{n}, end, nil
	case tagBool:
		if len(payload) != 1 {
			return nil, 0, errors.New("objcodec: bad bool payload length")
		}
		return Bool(payload[0] != 0), end, nil
	case tagBytes:
		out := make([]byte, len(payload))
		copy(out, payload)
		return Bytes(out), end, nil
	case tagList:
		items, err := deserialiseList(payload)
		if err != nil {
			return nil, 0, err
		}
		return items, end, nil
	case tagMap:
		m, err := deserialiseMap(payload)
		if err != nil {
			return nil, 0, err
		}
		return m, end, nil
	default:
		return nil, 0, errors.Errorf("objcodec: unknown type byte %q", t)
	}
}

func deserialiseList(payload []byte) (List, error) {
	var items List
	pos := 0
	for pos < len(payload) {
		v, n, err := Deserialise(payload[pos:])
		if err != nil {
			return nil, errors.Wrap(err, "objcodec: list element")
		}
		items = append(items, v)
		pos += n
	}
	return items, nil
}

// serialiseMap writes int-valued, then byte-string-valued, then all
// remaining entries: each of the first two buckets as a pair of parallel
// length-prefixed string arrays (keys, then values-as-decimal-or-raw
// strings), the remaining bucket as a length-prefixed key array followed
// by each value fully framed in turn.
func serialiseMap(m Map) ([]byte, error) {
	var intKeys, intVals []string
	var strKeys, strVals []string
	var otherKeys []string
	var otherVals []Value

	for _, e := range m {
		switch x := e.Value.(type) {
		case Int:
			if x.Int == nil {
				return nil, errors.New("objcodec: nil map int value")
			}
			intKeys = append(intKeys, e.Key)
			intVals = append(intVals, x.Int.String())
		case Bytes:
			strKeys = append(strKeys, e.Key)
			strVals = append(strVals, string(x))
		default:
			otherKeys = append(otherKeys, e.Key)
			otherVals = append(otherVals, e.Value)
		}
	}

	var out []byte
	out = append(out, serialiseStrList(intKeys)...)
	out = append(out, serialiseStrList(intVals)...)
	out = append(out, serialiseStrList(strKeys)...)
	out = append(out, serialiseStrList(strVals)...)
	out = append(out, serialiseStrList(otherKeys)...)
	for _, v := range otherVals {
		enc, err := Serialise(v)
		if err != nil {
			return nil, errors.Wrap(err, "objcodec: map value")
		}
		out = append(out, enc...)
	}
	return out, nil
}

func deserialiseMap(payload []byte) (Map, error) {
	pos := 0
	var m Map

	intKeys, n, err := deserialiseStrList(payload, pos)
	if err != nil {
		return nil, err
	}
	pos = n
	intVals, n, err := deserialiseStrList(payload, pos)
	if err != nil {
		return nil, err
	}
	pos = n
	for i := range intKeys {
		v, err := parseBigInt(intVals[i])
		if err != nil {
			return nil, err
		}
		m = append(m, MapEntry{Key: intKeys[i], Value: v})
	}

	strKeys, n, err := deserialiseStrList(payload, pos)
	if err != nil {
		return nil, err
	}
	pos = n
	strVals, n, err := deserialiseStrList(payload, pos)
	if err != nil {
		return nil, err
	}
	pos = n
	for i := range strKeys {
		m = append(m, MapEntry{Key: strKeys[i], Value: Bytes(strVals[i])})
	}

	otherKeys, n, err := deserialiseStrList(payload, pos)
	if err != nil {
		return nil, err
	}
	pos = n
	for _, key := range otherKeys {
		val, consumed, err := Deserialise(payload[pos:])
		if err != nil {
			return nil, errors.Wrapf(err, "objcodec: map value for key %q", key)
		}
		pos += consumed
		m = append(m, MapEntry{Key: key, Value: val})
	}

	return m, nil
}

func serialiseStrList(strs []string) []byte {
	n := len(strs)
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(n))
	lengths := make([]byte, 8*n)
	for i, s := range strs {
		binary.BigEndian.PutUint64(lengths[i*8:i*8+8], uint64(len(s)))
	}
	out = append(out, lengths...)
	for _, s := range strs {
		out = append(out, s...)
	}
	return out
}

func deserialiseStrList(data []byte, pos int) ([]string, int, error) {
	if pos+8 > len(data) {
		return nil, 0, errors.New("objcodec: truncated string-list count")
	}
	n := int(binary.BigEndian.Uint64(data[pos : pos+8]))
	pos += 8
	if pos+8*n > len(data) {
		return nil, 0, errors.New("objcodec: truncated string-list lengths")
	}
	lengths := make([]int, n)
	for i := 0; i < n; i++ {
		lengths[i] = int(binary.BigEndian.Uint64(data[pos+i*8 : pos+i*8+8]))
	}
	pos += 8 * n
	strs := make([]string, n)
	for i := 0; i < n; i++ {
		if pos+lengths[i] > len(data) {
			return nil, 0, errors.New("objcodec: truncated string-list payload")
		}
		strs[i] = string(data[pos : pos+lengths[i]])
		pos += lengths[i]
	}
	return strs, pos, nil
}

func parseBigInt(s string) (Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Int{}, errors.Errorf("objcodec: bad integer literal %q", s)
	}
	return Int{n}, nil
}
