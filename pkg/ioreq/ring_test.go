// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ioreq

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSharedIOPageRejectsUndersizedBuffer(t *testing.T) {
	_, err := NewSharedIOPage(make([]byte, 10), 2)
	assert.Error(t, err)
}

func TestSharedIOPageStateRoundTrip(t *testing.T) {
	buf := make([]byte, 2*syncSlotSize)
	p, err := NewSharedIOPage(buf, 2)
	require.NoError(t, err)

	assert.Equal(t, StateIOReqNone, p.State(0))
	p.SetState(1, StateIOReqReady)
	assert.Equal(t, StateIOReqReady, p.State(1))
	assert.Equal(t, StateIOReqNone, p.State(0))
}

func TestSharedIOPageReadDecodesSlot(t *testing.T) {
	buf := make([]byte, syncSlotSize)
	p, err := NewSharedIOPage(buf, 1)
	require.NoError(t, err)

	binary.LittleEndian.PutUint64(buf[0:], 0x100)  // Addr
	binary.LittleEndian.PutUint64(buf[8:], 0x42)   // Data
	binary.LittleEndian.PutUint32(buf[16:], 1)     // Count
	binary.LittleEndian.PutUint32(buf[20:], 4)     // Size
	buf[28] = 0x1                                  // Dir = write
	buf[29] = byte(TypePIO)
	p.SetState(0, StateIOReqReady)

	req := p.Read(0)
	assert.EqualValues(t, 0x100, req.Addr)
	assert.EqualValues(t, 0x42, req.Data)
	assert.EqualValues(t, 4, req.Size)
	assert.Equal(t, DirWrite, req.Dir)
	assert.Equal(t, TypePIO, req.Type)
	assert.Equal(t, StateIOReqReady, req.State)
}

func TestNewBufferedIOPageRejectsUndersizedBuffer(t *testing.T) {
	_, err := NewBufferedIOPage(make([]byte, 10))
	assert.Error(t, err)
}

func writeBufSlot(buf []byte, slot uint32, typ IOReqType, dir Direction, sizeLog2 uint8, addr uint64, data32 uint32) {
	off := bufHeaderSize + int(slot%BufferSlotNum)*bufSlotSize
	buf[off] = byte(typ)
	buf[off+1] = byte(dir)
	buf[off+2] = sizeLog2
	binary.LittleEndian.PutUint64(buf[off+4:], addr)
	binary.LittleEndian.PutUint32(buf[off+12:], data32)
}

func TestBufferedIOPagePointersAndSlot(t *testing.T) {
	buf := make([]byte, bufHeaderSize+BufferSlotNum*bufSlotSize)
	p, err := NewBufferedIOPage(buf)
	require.NoError(t, err)

	assert.EqualValues(t, 0, p.ReadPointer())
	assert.EqualValues(t, 0, p.WritePointer())

	writeBufSlot(buf, 0, TypePIO, DirWrite, 2, 0x100, 0xabcd)
	binary.LittleEndian.PutUint32(buf[4:], 1) // write_pointer = 1

	assert.EqualValues(t, 1, p.WritePointer())
	slot := p.Slot(0)
	assert.Equal(t, TypePIO, slot.Type)
	assert.Equal(t, DirWrite, slot.Dir)
	assert.EqualValues(t, 2, slot.SizeLog2)
	assert.EqualValues(t, 0x100, slot.Addr)
	assert.EqualValues(t, 0xabcd, slot.Data32)

	p.AdvanceReadPointer(1)
	assert.EqualValues(t, 1, p.ReadPointer())
}
