// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

// Persisted state layout (§6): a header (magic, version) followed by
// a sequence of length-prefixed (name, vendor, attrs, timestamp,
// data, cert?) records in enumeration order, terminated by a
// zero-length name.
const (
	snapshotMagic   uint32 = 0x53524156 // "VARS"
	snapshotVersion uint32 = 1
)

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func nameBytes(name []uint16) []byte {
	b := make([]byte, 2*(len(name)+1))
	for i, u := range name {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

// EncodeSnapshot serializes vars into the durable blob format.
func EncodeSnapshot(vars []varstore.Variable) []byte {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], snapshotVersion)
	buf.Write(hdr[:])

	for _, v := range vars {
		writeLenPrefixed(&buf, nameBytes(v.Name))
		var vendorBuf [16]byte
		vc := wire.NewCursor(vendorBuf[:])
		_ = vc.WriteGUID(v.Vendor)
		buf.Write(vendorBuf[:])
		var attrBuf [4]byte
		binary.LittleEndian.PutUint32(attrBuf[:], uint32(v.Attrs))
		buf.Write(attrBuf[:])
		buf.Write(wire.EncodeEFITime(v.Timestamp))
		writeLenPrefixed(&buf, v.Data)
		writeLenPrefixed(&buf, v.Cert)
	}

	// Terminator: a zero-length name record.
	writeLenPrefixed(&buf, nil)

	return buf.Bytes()
}

// DecodeSnapshot parses the durable blob format written by
// EncodeSnapshot.
func DecodeSnapshot(blob []byte) ([]varstore.Variable, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("snapshot too short for header")
	}
	magic := binary.LittleEndian.Uint32(blob[0:4])
	version := binary.LittleEndian.Uint32(blob[4:8])
	if magic != snapshotMagic {
		return nil, fmt.Errorf("bad snapshot magic 0x%x", magic)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}

	pos := 8
	readLenPrefixed := func() ([]byte, error) {
		if pos+8 > len(blob) {
			return nil, fmt.Errorf("truncated snapshot: length prefix")
		}
		n := binary.LittleEndian.Uint64(blob[pos : pos+8])
		pos += 8
		if pos+int(n) > len(blob) {
			return nil, fmt.Errorf("truncated snapshot: payload")
		}
		b := blob[pos : pos+int(n)]
		pos += int(n)
		return b, nil
	}

	var out []varstore.Variable
	for {
		nameRaw, err := readLenPrefixed()
		if err != nil {
			return nil, err
		}
		if len(nameRaw) == 0 {
			break // terminator
		}
		if len(nameRaw)%2 != 0 {
			return nil, fmt.Errorf("odd-length name in snapshot")
		}
		name := make([]uint16, len(nameRaw)/2)
		for i := range name {
			name[i] = binary.LittleEndian.Uint16(nameRaw[2*i:])
		}
		if n := len(name); n > 0 && name[n-1] == 0 {
			name = name[:n-1]
		}

		if pos+16 > len(blob) {
			return nil, fmt.Errorf("truncated snapshot: vendor guid")
		}
		vc := wire.NewCursor(blob[pos : pos+16])
		vendor, err := vc.ReadGUID()
		if err != nil {
			return nil, err
		}
		pos += 16

		if pos+4 > len(blob) {
			return nil, fmt.Errorf("truncated snapshot: attributes")
		}
		attrs := varstore.Attr(binary.LittleEndian.Uint32(blob[pos : pos+4]))
		pos += 4

		if pos+16 > len(blob) {
			return nil, fmt.Errorf("truncated snapshot: timestamp")
		}
		tc := wire.NewCursor(blob[pos : pos+16])
		ts, err := tc.ReadEFITime()
		if err != nil {
			return nil, err
		}
		pos += 16

		data, err := readLenPrefixed()
		if err != nil {
			return nil, err
		}
		cert, err := readLenPrefixed()
		if err != nil {
			return nil, err
		}

		out = append(out, varstore.Variable{
			Name: name, Vendor: vendor, Attrs: attrs, Timestamp: ts,
			Data: append([]byte(nil), data...), Cert: append([]byte(nil), cert...),
		})
	}
	return out, nil
}
