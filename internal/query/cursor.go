package query

import "encoding/binary"

// cursor walks a response body sequentially with bounds checking. Every
// read reports success explicitly; a declared length is never trusted
// before being compared against the remaining bytes.
type cursor struct {
	buf []byte
	off int
}

func newCursor(buf []byte, off int) *cursor {
	return &cursor{buf: buf, off: off}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) readByte() (byte, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	b := c.buf[c.off]
	c.off++
	return b, true
}

func (c *cursor) readUint16() (uint16, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v, true
}

func (c *cursor) readUint32() (uint32, bool) {
	if c.remaining() < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, true
}

func (c *cursor) readInt32() (int32, bool) {
	v, ok := c.readUint32()
	return int32(v), ok
}

func (c *cursor) readBytes(n int) ([]byte, bool) {
	if n < 0 || c.remaining() < n {
		return nil, false
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, true
}

// readString32 consumes a 4-byte little-endian length header followed by
// that many bytes. Fails if the declared length exceeds the remaining
// buffer or the per-field cap.
func (c *cursor) readString32(maxLen int) ([]byte, bool) {
	n, ok := c.readUint32()
	if !ok {
		return nil, false
	}
	if int(n) > maxLen {
		return nil, false
	}
	return c.readBytes(int(n))
}

// readString8 is readString32 with a 1-byte length header.
func (c *cursor) readString8(maxLen int) ([]byte, bool) {
	n, ok := c.readByte()
	if !ok {
		return nil, false
	}
	if int(n) > maxLen {
		return nil, false
	}
	return c.readBytes(int(n))
}
