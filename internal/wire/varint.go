package wire

import (
	"unicode/utf8"

	"github.com/quic-go/quic-go/quicvarint"
)

// Cursor is a restartable reader over an in-memory byte slice. Every method
// either advances pos past a fully-decoded value and returns ok=true, or
// leaves pos untouched and returns ok=false, so a caller can retry the same
// read once more bytes have been appended to the underlying buffer.
type Cursor struct {
	data []byte
	pos  int
}

// NewCursor wraps data for restartable reading.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Pos returns the number of bytes consumed so far.
func (c *Cursor) Pos() int { return c.pos }

// Seek resets the cursor to an earlier position, used to roll back a
// multi-step read that failed partway through.
func (c *Cursor) Seek(pos int) { c.pos = pos }

// Remaining returns the unconsumed tail of the buffer.
func (c *Cursor) Remaining() []byte { return c.data[c.pos:] }

// Done reports whether the cursor has consumed the entire buffer.
func (c *Cursor) Done() bool { return c.pos >= len(c.data) }

// Varint reads one QUIC-style variable-length integer.
func (c *Cursor) Varint() (uint64, bool) {
	v, n, err := quicvarint.Parse(c.data[c.pos:])
	if err != nil {
		return 0, false
	}
	c.pos += n
	return v, true
}

// Byte reads a single fixed byte.
func (c *Cursor) Byte() (byte, bool) {
	if c.pos >= len(c.data) {
		return 0, false
	}
	b := c.data[c.pos]
	c.pos++
	return b, true
}

// Fixed reads exactly n bytes.
func (c *Cursor) Fixed(n int) ([]byte, bool) {
	if n < 0 || c.pos+n > len(c.data) {
		return nil, false
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, true
}

// Bytes reads a varint-length-prefixed byte string.
func (c *Cursor) Bytes() ([]byte, bool) {
	start := c.pos
	length, ok := c.Varint()
	if !ok {
		c.pos = start
		return nil, false
	}
	data, ok := c.Fixed(int(length))
	if !ok {
		c.pos = start
		return nil, false
	}
	return data, true
}

// String reads a varint-length-prefixed byte string and validates it as
// UTF-8, per the data model's rule that invalid UTF-8 is a protocol
// violation. ok is false either for a short buffer (retry later) or for
// invalid UTF-8 (permanent decode failure, distinguished by validUTF8).
func (c *Cursor) String() (s string, ok bool, validUTF8 bool) {
	start := c.pos
	b, ok := c.Bytes()
	if !ok {
		return "", false, true
	}
	if !utf8.Valid(b) {
		c.pos = start
		return "", false, false
	}
	return string(b), true, true
}

// NamespaceTuple reads a track namespace: a varint count followed by that
// many length-prefixed byte strings.
func (c *Cursor) NamespaceTuple() ([]string, bool) {
	start := c.pos
	count, ok := c.Varint()
	if !ok {
		c.pos = start
		return nil, false
	}
	parts := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		b, ok := c.Bytes()
		if !ok {
			c.pos = start
			return nil, false
		}
		parts = append(parts, string(b))
	}
	return parts, true
}

// AppendVarint appends v in its smallest valid QUIC varint encoding.
func AppendVarint(buf []byte, v uint64) []byte {
	return quicvarint.Append(buf, v)
}

// AppendBytes appends a varint-length-prefixed byte string.
func AppendBytes(buf []byte, data []byte) []byte {
	buf = AppendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

// AppendNamespaceTuple appends a track namespace tuple.
func AppendNamespaceTuple(buf []byte, parts []string) []byte {
	buf = AppendVarint(buf, uint64(len(parts)))
	for _, p := range parts {
		buf = AppendBytes(buf, []byte(p))
	}
	return buf
}

// VarintLen returns the number of bytes AppendVarint would use for v.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}

// NamespaceEqual reports whether two track namespaces are element-wise equal.
func NamespaceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NamespaceHasPrefix reports whether ns begins with the element-wise
// sequence prefix.
func NamespaceHasPrefix(ns, prefix []string) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i := range prefix {
		if ns[i] != prefix[i] {
			return false
		}
	}
	return true
}
