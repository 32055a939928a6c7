// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import "fmt"

// GUID is a UEFI 128-bit vendor identifier, laid out exactly as
// EFI_GUID: a 32-bit field, two 16-bit fields, and an 8-byte trailer,
// each scalar field little-endian on the wire.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

// Well-known vendor namespaces referenced by the auth engine and key
// hierarchy.
var (
	GlobalVariableGUID = GUID{0x8BE4DF61, 0x93CA, 0x11D2,
		[8]byte{0xAA, 0x0D, 0x00, 0xE0, 0x98, 0x03, 0x2B, 0x8C}}
	ImageSecurityDatabaseGUID = GUID{0xD719B2CB, 0x3D3A, 0x4596,
		[8]byte{0xA3, 0xBC, 0xDA, 0xD0, 0x0E, 0x67, 0x65, 0x6F}}
)
