// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package wire implements the primitive codec carried over the shared
// request page: fixed-size integers, GUIDs, length-prefixed byte
// strings, and UCS-2 variable names. All integers are little-endian on
// the wire regardless of host byte order, matching serialize.c in the
// original service.
package wire

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/xcp-ng/varstored/pkg/efistatus"
)

// NameLimit is the maximum number of UCS-2 code units (excluding the
// trailing null) a variable name may contain.
const NameLimit = 1024

// DataLimit is the largest single variable payload the codec will
// accept off the wire, matching the per-variable size quota enforced
// by the store.
const DataLimit = 32 * 1024

// ShmemSize is the size in bytes of the shared request/response page.
const ShmemSize = 16 * 1024

// Cursor is a read/write position into a caller-supplied byte buffer.
// It never grows or shrinks the buffer: Write* fails with
// OutOfResources if the remaining space is insufficient, and Read*
// fails with BufferTooSmall if the buffer is exhausted.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor wraps buf for reading and writing starting at offset 0.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the current byte offset.
func (c *Cursor) Pos() int { return c.pos }

// Remaining returns the number of unread/unwritten bytes left in buf.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Bytes returns the full underlying buffer (not just the consumed
// prefix).
func (c *Cursor) Bytes() []byte { return c.buf }

func (c *Cursor) advance(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, efistatus.New(efistatus.BufferTooSmall, "short read on wire buffer")
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *Cursor) reserve(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, efistatus.New(efistatus.OutOfResources, "response does not fit in shared buffer")
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadUint32 reads a 32-bit little-endian unsigned integer.
func (c *Cursor) ReadUint32() (uint32, error) {
	b, err := c.advance(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteUint32 writes a 32-bit little-endian unsigned integer.
func (c *Cursor) WriteUint32(v uint32) error {
	b, err := c.reserve(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// ReadUint16 reads a 16-bit little-endian unsigned integer.
func (c *Cursor) ReadUint16() (uint16, error) {
	b, err := c.advance(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// WriteUint16 writes a 16-bit little-endian unsigned integer.
func (c *Cursor) WriteUint16(v uint16) error {
	b, err := c.reserve(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// ReadUint64 reads a 64-bit little-endian unsigned integer.
func (c *Cursor) ReadUint64() (uint64, error) {
	b, err := c.advance(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 writes a 64-bit little-endian unsigned integer.
func (c *Cursor) WriteUint64(v uint64) error {
	b, err := c.reserve(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// ReadUintn reads a platform-sized unsigned integer. It is always
// serialized as 64-bit little-endian on the wire regardless of host
// word size, per §4.1.
func (c *Cursor) ReadUintn() (uint64, error) {
	return c.ReadUint64()
}

// WriteUintn writes a platform-sized unsigned integer as 64-bit
// little-endian.
func (c *Cursor) WriteUintn(v uint64) error {
	return c.WriteUint64(v)
}

// ReadBool reads a single-byte boolean.
func (c *Cursor) ReadBool() (bool, error) {
	b, err := c.advance(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// WriteBool writes a single-byte boolean.
func (c *Cursor) WriteBool(v bool) error {
	b, err := c.reserve(1)
	if err != nil {
		return err
	}
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
	return nil
}

// ReadGUID reads a 16-byte UEFI GUID.
func (c *Cursor) ReadGUID() (GUID, error) {
	var g GUID
	b, err := c.advance(16)
	if err != nil {
		return g, err
	}
	g.Data1 = binary.LittleEndian.Uint32(b[0:4])
	g.Data2 = binary.LittleEndian.Uint16(b[4:6])
	g.Data3 = binary.LittleEndian.Uint16(b[6:8])
	copy(g.Data4[:], b[8:16])
	return g, nil
}

// WriteGUID writes a 16-byte UEFI GUID.
func (c *Cursor) WriteGUID(g GUID) error {
	b, err := c.reserve(16)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[0:4], g.Data1)
	binary.LittleEndian.PutUint16(b[4:6], g.Data2)
	binary.LittleEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:16], g.Data4[:])
	return nil
}

// ReadData reads a uintn length prefix followed by that many raw
// bytes. maxLen bounds the accepted length (0 disables the bound).
func (c *Cursor) ReadData(maxLen uint64) ([]byte, error) {
	n, err := c.ReadUintn()
	if err != nil {
		return nil, err
	}
	if maxLen != 0 && n > maxLen {
		return nil, efistatus.Newf(efistatus.InvalidParameter, "data length %d exceeds limit %d", n, maxLen)
	}
	b, err := c.advance(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// WriteData writes a uintn length prefix followed by the raw bytes.
func (c *Cursor) WriteData(data []byte) error {
	if err := c.WriteUintn(uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	b, err := c.reserve(len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// ReadName reads a variable name encoded as data whose bytes are the
// UCS-2 encoding of the name including a trailing null code unit, and
// returns the name with the trailing null stripped.
func (c *Cursor) ReadName() ([]uint16, error) {
	raw, err := c.ReadData(2 * (NameLimit + 1))
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, efistatus.New(efistatus.InvalidParameter, "odd-length UCS-2 name")
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	// Strip a single trailing null code unit, if present.
	if n := len(units); n > 0 && units[n-1] == 0 {
		units = units[:n-1]
	}
	if len(units) > NameLimit {
		return nil, efistatus.New(efistatus.InvalidParameter, "variable name too long")
	}
	return units, nil
}

// WriteName writes a variable name as UCS-2 data including a trailing
// null code unit.
func (c *Cursor) WriteName(name []uint16) error {
	raw := make([]byte, 2*(len(name)+1))
	for i, u := range name {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	// Trailing null is already zero from make().
	return c.WriteData(raw)
}

// NameFromString converts a Go string into the UCS-2 code-unit slice
// used as a variable name. Only used for constructing well-known
// variable names in-process (bootstrap variables, the command-line
// tool's argument parsing). Characters outside the basic multilingual
// plane are encoded as UTF-16 surrogate pairs, not rejected.
func NameFromString(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// NameToString converts a UCS-2 code-unit slice back to a Go string,
// for logging and the command-line tool's output.
func NameToString(name []uint16) string {
	return string(utf16.Decode(name))
}
