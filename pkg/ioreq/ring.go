// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ioreq

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// SharedIOPage is the mmap'd synchronous ring: one fixed-size slot per
// vCPU. The backing buffer is owned by the caller (normally obtained
// by mmap'ing the page frame number the hypervisor hands back during
// lifecycle step 5); this type only interprets it.
type SharedIOPage struct {
	buf   []byte
	vcpus int
}

// syncSlotSize is the per-vCPU slot stride in bytes.
const syncSlotSize = 32

// NewSharedIOPage wraps buf, which must be at least vcpus*syncSlotSize
// bytes, as a synchronous ring.
func NewSharedIOPage(buf []byte, vcpus int) (*SharedIOPage, error) {
	if len(buf) < vcpus*syncSlotSize {
		return nil, errTooSmall("shared iopage", vcpus*syncSlotSize, len(buf))
	}
	return &SharedIOPage{buf: buf, vcpus: vcpus}, nil
}

func (p *SharedIOPage) slot(i int) []byte {
	return p.buf[i*syncSlotSize : (i+1)*syncSlotSize]
}

func u32ptr(b []byte) *uint32 { return (*uint32)(unsafe.Pointer(&b[0])) }
func u64ptr(b []byte) *uint64 { return (*uint64)(unsafe.Pointer(&b[0])) }

// State atomically loads the handshake state for vCPU i.
func (p *SharedIOPage) State(i int) State {
	return State(atomic.LoadUint32(u32ptr(p.slot(i)[24:])))
}

// SetState atomically stores the handshake state for vCPU i.
func (p *SharedIOPage) SetState(i int, s State) {
	atomic.StoreUint32(u32ptr(p.slot(i)[24:]), uint32(s))
}

// Read decodes the full request for vCPU i. Callers must only trust
// the result after observing State(i) == StateIOReqReady.
func (p *SharedIOPage) Read(i int) IOReq {
	s := p.slot(i)
	flags := s[28]
	return IOReq{
		Addr:      atomic.LoadUint64(u64ptr(s[0:])),
		Data:      atomic.LoadUint64(u64ptr(s[8:])),
		Count:     atomic.LoadUint32(u32ptr(s[16:])),
		Size:      atomic.LoadUint32(u32ptr(s[20:])),
		State:     State(atomic.LoadUint32(u32ptr(s[24:]))),
		Dir:       Direction(flags & 0x1),
		DataIsPtr: flags&0x2 != 0,
		Df:        flags&0x4 != 0,
		Type:      IOReqType(s[29]),
	}
}

// BufferedIOPage is the mmap'd lock-free SPSC ring: a read_pointer,
// write_pointer, and BufferSlotNum fixed-size slots.
type BufferedIOPage struct {
	buf []byte
}

const (
	bufSlotSize   = 16
	bufHeaderSize = 8
)

// NewBufferedIOPage wraps buf as a buffered ring.
func NewBufferedIOPage(buf []byte) (*BufferedIOPage, error) {
	want := bufHeaderSize + BufferSlotNum*bufSlotSize
	if len(buf) < want {
		return nil, errTooSmall("buffered iopage", want, len(buf))
	}
	return &BufferedIOPage{buf: buf}, nil
}

// ReadPointer atomically loads the consumer's cursor.
func (p *BufferedIOPage) ReadPointer() uint32 { return atomic.LoadUint32(u32ptr(p.buf[0:])) }

// WritePointer atomically loads the producer's cursor (written only
// by the guest).
func (p *BufferedIOPage) WritePointer() uint32 { return atomic.LoadUint32(u32ptr(p.buf[4:])) }

// AdvanceReadPointer publishes a new consumer cursor with release
// semantics, matching the original's "advance read_pointer only after
// handling" discipline: by the time a concurrent reader observes the
// new value via atomic load, every store this goroutine made to slot
// contents has already happened, per the Go memory model's guarantee
// for atomic operations.
func (p *BufferedIOPage) AdvanceReadPointer(rp uint32) {
	atomic.StoreUint32(u32ptr(p.buf[0:]), rp)
}

// Slot decodes the buffered-ring entry at ring position pos; pos is a
// raw ring pointer and is reduced modulo BufferSlotNum here.
func (p *BufferedIOPage) Slot(pos uint32) BufIOReq {
	slot := pos % BufferSlotNum
	s := p.buf[bufHeaderSize+int(slot)*bufSlotSize : bufHeaderSize+(int(slot)+1)*bufSlotSize]
	return BufIOReq{
		Type:     IOReqType(s[0]),
		Dir:      Direction(s[1]),
		SizeLog2: s[2],
		Addr:     atomic.LoadUint64(u64ptr(s[4:])),
		Data32:   atomic.LoadUint32(u32ptr(s[12:])),
	}
}

func errTooSmall(what string, want, got int) error {
	return fmt.Errorf("%s buffer too small: want at least %d bytes, got %d", what, want, got)
}
