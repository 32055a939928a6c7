// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ioreq

import (
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "ioreq")

// Notifier signals the event-channel port bound to vCPU i, waking the
// guest's waiting vCPU once its response slot is ready
// (xc_evtchn_notify in the original service).
type Notifier interface {
	Notify(vcpu int) error
}

// RequestHandler processes one fully-assembled request sitting in the
// shared wire buffer and overwrites it with the response. It is
// satisfied by *command.Handler's Dispatch method.
type RequestHandler interface {
	Dispatch(buf []byte) error
}

// Dispatcher owns both rings plus the separate fixed-size shared wire
// buffer the guest and service exchange command/response frames
// through. BaseAddr is the PIO address the guest writes to in order
// to signal "the buffer is ready"; it is learned during lifecycle
// step 11 (register the PIO trap address).
type Dispatcher struct {
	Sync     *SharedIOPage
	Buffered *BufferedIOPage
	Shmem    []byte
	BaseAddr uint64
	Notifier Notifier
	Handler  RequestHandler
}

// handle executes req if it is an actionable PIO write to BaseAddr;
// every other request type is acknowledged (by the caller advancing
// past it) without further action, per §4.5.
func (d *Dispatcher) handle(req IOReq) {
	if req.Type != TypePIO || req.Dir != DirWrite || req.DataIsPtr {
		return
	}
	if req.Addr != d.BaseAddr {
		log.WithField("addr", req.Addr).Debug("PIO write to unregistered address; ignoring")
		return
	}
	if err := d.Handler.Dispatch(d.Shmem); err != nil {
		log.WithError(err).Error("command dispatch failed")
	}
}

// PollSync services vCPU i's synchronous-ring slot if it is in
// IOREQ_READY, following the exact state transitions and
// notification order from varstored_poll_iopage().
func (d *Dispatcher) PollSync(i int) error {
	if d.Sync.State(i) != StateIOReqReady {
		return nil
	}

	req := d.Sync.Read(i)
	d.Sync.SetState(i, StateIOReqInprocess)

	d.handle(req)

	d.Sync.SetState(i, StateIORespReady)
	return d.Notifier.Notify(i)
}

// PollBuffered drains every entry currently available in the buffered
// ring, mirroring varstored_poll_buffered_iopage()'s outer/inner loop
// structure: re-reads write_pointer after each inner drain in case the
// guest produced more entries while this one was being handled.
func (d *Dispatcher) PollBuffered() {
	for {
		rp := d.Buffered.ReadPointer()
		wp := d.Buffered.WritePointer()
		if rp == wp {
			return
		}

		for rp != wp {
			slot := d.Buffered.Slot(rp)

			req := IOReq{
				Size:      1 << slot.SizeLog2,
				Count:     1,
				Addr:      slot.Addr,
				Data:      uint64(slot.Data32),
				State:     StateIOReqReady,
				Dir:       slot.Dir,
				Df:        true,
				Type:      slot.Type,
				DataIsPtr: false,
			}
			rp++

			if req.Size == 8 {
				hi := d.Buffered.Slot(rp)
				req.Data |= uint64(hi.Data32) << 32
				rp++
			}

			d.handle(req)
		}

		d.Buffered.AdvanceReadPointer(rp)
	}
}
