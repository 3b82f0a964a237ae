// Package deflate is the fsiface.Filter that implements
// "--compress-with deflate": compress on write, decompress on read.
//
// Grounded on compression_plugin.py's DeflateCompressionFilter. Unlike
// the original, which writes either compressed or raw bytes
// indistinguishably and always decompresses on read, this filter
// prefixes every blob with a one-byte tag so FilterRead can tell which
// case it is looking at — the round trip has to be unambiguous without
// the surrounding hook machinery the original relies on.
package deflate

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/pkg/errors"
)

const (
	tagRaw byte = iota
	tagDeflate
)

// Filter compresses writes with DEFLATE and decompresses matching
// reads. A zero Filter is ready to use.
type Filter struct {
	// Level is the flate compression level; zero selects
	// flate.DefaultCompression.
	Level int
}

// FilterWrite compresses data, unless doing so (plus the one-byte tag)
// would not actually shrink it, in which case data is stored as-is —
// the same "don't bother if it doesn't help" rule compression_plugin.py
// applies.
func (f Filter) FilterWrite(data []byte) ([]byte, error) {
	level := f.Level
	if level == 0 {
		level = flate.DefaultCompression
	}

	var buf bytes.Buffer
	buf.WriteByte(tagDeflate)
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, obnamerr.Wrap(err, "filter/deflate: new writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, obnamerr.Wrap(err, "filter/deflate: compress")
	}
	if err := w.Close(); err != nil {
		return nil, obnamerr.Wrap(err, "filter/deflate: close")
	}

	if buf.Len() < len(data)+1 {
		return buf.Bytes(), nil
	}

	raw := make([]byte, len(data)+1)
	raw[0] = tagRaw
	copy(raw[1:], data)
	return raw, nil
}

// FilterRead reverses FilterWrite.
func (f Filter) FilterRead(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("filter/deflate: empty input")
	}
	switch data[0] {
	case tagRaw:
		return data[1:], nil
	case tagDeflate:
		r := flate.NewReader(bytes.NewReader(data[1:]))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, obnamerr.Wrap(err, "filter/deflate: decompress")
		}
		return out, nil
	default:
		return nil, errors.New("filter/deflate: unknown tag byte")
	}
}
