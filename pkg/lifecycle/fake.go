// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package lifecycle

import (
	"context"
	"fmt"
)

// FakeHypervisor is an in-process Hypervisor that allocates its two
// shared pages as ordinary Go byte slices instead of mapping foreign
// domain memory. It exists because the hypervisor control library is
// explicitly out of scope for this service (spec.md §1): tests and
// cmd/varstored drive the full lifecycle phase sequence against this
// fake rather than real hardware. The buffered page is 8 KiB so that
// it holds the ring layout ioreq.NewBufferedIOPage expects.
type FakeHypervisor struct {
	Vcpus        int
	SyncPageSize int
	BufPageSize  int

	opened      bool
	evtchnOpen  bool
	pagesMapped bool
	nextPort    uint32
}

// NewFakeHypervisor returns a fake presenting vcpus virtual CPUs.
func NewFakeHypervisor(vcpus int) *FakeHypervisor {
	return &FakeHypervisor{Vcpus: vcpus, SyncPageSize: 4096, BufPageSize: 8192, nextPort: 1}
}

func (f *FakeHypervisor) OpenInterface() error {
	f.opened = true
	return nil
}

func (f *FakeHypervisor) DomainInfo(domid uint32) (int, error) {
	if !f.opened {
		return 0, fmt.Errorf("interface not open")
	}
	return f.Vcpus, nil
}

func (f *FakeHypervisor) WaitIOReqServerPages(ctx context.Context) (int, error) {
	return 1, nil
}

func (f *FakeHypervisor) RegisterIOReqServer() (ioservid uint32, syncPFN, bufPFN uint64, bufPort uint32, err error) {
	return 1, 1, 2, f.allocPort(), nil
}

func (f *FakeHypervisor) MapPages(syncPFN, bufPFN uint64) ([]byte, []byte, error) {
	f.pagesMapped = true
	return make([]byte, f.SyncPageSize), make([]byte, f.BufPageSize), nil
}

func (f *FakeHypervisor) UnmapPages(sync, buffered []byte) error {
	if !f.pagesMapped {
		return fmt.Errorf("pages not mapped")
	}
	f.pagesMapped = false
	return nil
}

func (f *FakeHypervisor) EnableIOReqServer(ioservid uint32) error { return nil }

func (f *FakeHypervisor) OpenEvtchn() error {
	f.evtchnOpen = true
	return nil
}

func (f *FakeHypervisor) BindInterdomain(vcpu int, remotePort uint32) (uint32, error) {
	if !f.evtchnOpen {
		return 0, fmt.Errorf("event channel interface not open")
	}
	return f.allocPort(), nil
}

func (f *FakeHypervisor) BindBuffered(remotePort uint32) (uint32, error) {
	return f.allocPort(), nil
}

func (f *FakeHypervisor) RegisterTrapAddress(ioservid uint32, addr uint64) error { return nil }

func (f *FakeHypervisor) NotifyPort(localPort uint32) error { return nil }

func (f *FakeHypervisor) CloseEvtchn() error {
	f.evtchnOpen = false
	return nil
}

func (f *FakeHypervisor) CloseInterface() error {
	f.opened = false
	return nil
}

func (f *FakeHypervisor) UnbindPort(localPort uint32) error { return nil }

func (f *FakeHypervisor) UnregisterIOReqServer(ioservid uint32) error { return nil }

func (f *FakeHypervisor) allocPort() uint32 {
	p := f.nextPort
	f.nextPort++
	return p
}
