// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ioreq implements the I/O dispatcher: the two hypervisor
// shared-memory rings through which the guest signals "a request is
// waiting in the shared buffer", grounded on
// varstored_poll_iopage()/varstored_poll_buffered_iopage() in the
// original service and on the mmap'd-region idiom used elsewhere for
// shared hardware pages (go-nvlib's nvpci/mmio).
package ioreq

import "fmt"

// IOReqType identifies the kind of hypervisor I/O request. Only PIO is
// acted on; the rest are acknowledged and dropped per §4.5.
type IOReqType uint8

const (
	TypePIO        IOReqType = 0
	TypeCopy       IOReqType = 1
	TypePCIConfig  IOReqType = 2
	TypeTimeoffset IOReqType = 7
	TypeInvalidate IOReqType = 5
)

func (t IOReqType) String() string {
	switch t {
	case TypePIO:
		return "PIO"
	case TypeCopy:
		return "COPY"
	case TypePCIConfig:
		return "PCI_CONFIG"
	case TypeTimeoffset:
		return "TIMEOFFSET"
	case TypeInvalidate:
		return "INVALIDATE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Direction is the read/write direction of an I/O request.
type Direction uint8

const (
	DirRead  Direction = 0
	DirWrite Direction = 1
)

// State is the three-state handshake carried in each synchronous-ring
// slot.
type State uint32

const (
	StateIOReqNone      State = 0
	StateIOReqReady     State = 1
	StateIOReqInprocess State = 2
	StateIORespReady     State = 3
)

// IOReq is one decoded synchronous-ring slot (shared_iopage_t's
// per-vCPU vcpu_ioreq entry in the original layout).
type IOReq struct {
	Addr       uint64
	Data       uint64
	Count      uint32
	Size       uint32
	State      State
	Dir        Direction
	DataIsPtr  bool
	Df         bool
	Type       IOReqType
}

// BufIOReq is one decoded buffered-ring slot (buf_ioreq_t). size is
// stored as a power-of-two exponent in the real layout (1<<size
// bytes); a size field of 3 ("8 bytes") spans two consecutive slots,
// with the high 32 bits of Data carried in the second slot's Data32.
type BufIOReq struct {
	Type    IOReqType
	Dir     Direction
	SizeLog2 uint8
	Addr    uint64
	Data32  uint32
}

// BufferSlotNum is the number of slots in the buffered ring
// (IOREQ_BUFFER_SLOT_NUM in the Xen public headers).
const BufferSlotNum = 511
