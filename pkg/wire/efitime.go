// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import (
	"encoding/binary"
)

// EFITime is the UEFI EFI_TIME structure: 16 bytes, used as the
// variable timestamp and embedded in authenticated-write payloads.
// Day-of-week has no field in EFI_TIME; the Pad1/Pad2/Nanosecond
// fields are required to be zero in an authentication payload per
// §4.3.
type EFITime struct {
	Year       uint16
	Month      uint8
	Day        uint8
	Hour       uint8
	Minute     uint8
	Second     uint8
	Pad1       uint8
	Nanosecond uint32
	TimeZone   int16
	Daylight   uint8
	Pad2       uint8
}

// Zero reports whether t is the zeroed EFI_TIME, the value stored for
// variables that do not carry TIME_BASED_AUTH_WRITE_ACCESS.
func (t EFITime) Zero() bool {
	return t == EFITime{}
}

// Before reports whether t is strictly earlier than other, comparing
// fields in the order UEFI defines as significant for monotonicity
// checks (year down to second; nanosecond is advisory only per the
// spec and is not compared here, matching the "strict monotonicity"
// wording of §4.3 which is defined over seconds).
func (t EFITime) Before(other EFITime) bool {
	if t.Year != other.Year {
		return t.Year < other.Year
	}
	if t.Month != other.Month {
		return t.Month < other.Month
	}
	if t.Day != other.Day {
		return t.Day < other.Day
	}
	if t.Hour != other.Hour {
		return t.Hour < other.Hour
	}
	if t.Minute != other.Minute {
		return t.Minute < other.Minute
	}
	return t.Second < other.Second
}

// Equal reports whether t and other denote the same instant at
// second granularity.
func (t EFITime) Equal(other EFITime) bool {
	return t.Year == other.Year && t.Month == other.Month && t.Day == other.Day &&
		t.Hour == other.Hour && t.Minute == other.Minute && t.Second == other.Second
}

// ReadEFITime reads a 16-byte EFI_TIME.
func (c *Cursor) ReadEFITime() (EFITime, error) {
	var t EFITime
	b, err := c.advance(16)
	if err != nil {
		return t, err
	}
	t.Year = binary.LittleEndian.Uint16(b[0:2])
	t.Month = b[2]
	t.Day = b[3]
	t.Hour = b[4]
	t.Minute = b[5]
	t.Second = b[6]
	t.Pad1 = b[7]
	t.Nanosecond = binary.LittleEndian.Uint32(b[8:12])
	t.TimeZone = int16(binary.LittleEndian.Uint16(b[12:14]))
	t.Daylight = b[14]
	t.Pad2 = b[15]
	return t, nil
}

// WriteEFITime writes a 16-byte EFI_TIME.
func (c *Cursor) WriteEFITime(t EFITime) error {
	b, err := c.reserve(16)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b[0:2], t.Year)
	b[2] = t.Month
	b[3] = t.Day
	b[4] = t.Hour
	b[5] = t.Minute
	b[6] = t.Second
	b[7] = t.Pad1
	binary.LittleEndian.PutUint32(b[8:12], t.Nanosecond)
	binary.LittleEndian.PutUint16(b[12:14], uint16(t.TimeZone))
	b[14] = t.Daylight
	b[15] = t.Pad2
	return nil
}

// EncodeEFITime returns the 16-byte wire form of t in a new slice, used by the
// auth engine when building the digest input (it needs the raw bytes,
// not a cursor over the whole shared page).
func EncodeEFITime(t EFITime) []byte {
	buf := make([]byte, 16)
	c := &Cursor{buf: buf}
	if err := c.WriteEFITime(t); err != nil {
		// 16-byte buffer for a 16-byte write cannot fail.
		panic(err)
	}
	return buf
}
