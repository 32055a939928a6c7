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

type fakeNotifier struct {
	notified []int
}

func (n *fakeNotifier) Notify(vcpu int) error {
	n.notified = append(n.notified, vcpu)
	return nil
}

type fakeHandler struct {
	calls int
}

func (h *fakeHandler) Dispatch(buf []byte) error {
	h.calls++
	buf[0] = 0xff
	return nil
}

const dispatcherBaseAddr = 0x100

func TestPollSyncIgnoresNonReadySlot(t *testing.T) {
	buf := make([]byte, syncSlotSize)
	sync, err := NewSharedIOPage(buf, 1)
	require.NoError(t, err)
	notifier := &fakeNotifier{}
	handler := &fakeHandler{}
	d := &Dispatcher{Sync: sync, Notifier: notifier, Handler: handler, BaseAddr: dispatcherBaseAddr}

	require.NoError(t, d.PollSync(0))
	assert.Zero(t, handler.calls)
	assert.Empty(t, notifier.notified)
}

func TestPollSyncDispatchesPIOWriteAndNotifies(t *testing.T) {
	buf := make([]byte, syncSlotSize)
	sync, err := NewSharedIOPage(buf, 1)
	require.NoError(t, err)

	binary.LittleEndian.PutUint64(buf[0:], dispatcherBaseAddr)
	buf[28] = byte(DirWrite)
	buf[29] = byte(TypePIO)
	sync.SetState(0, StateIOReqReady)

	shmem := make([]byte, 16)
	notifier := &fakeNotifier{}
	handler := &fakeHandler{}
	d := &Dispatcher{Sync: sync, Shmem: shmem, Notifier: notifier, Handler: handler, BaseAddr: dispatcherBaseAddr}

	require.NoError(t, d.PollSync(0))
	assert.Equal(t, 1, handler.calls)
	assert.Equal(t, []int{0}, notifier.notified)
	assert.Equal(t, StateIORespReady, sync.State(0))
	assert.Equal(t, byte(0xff), shmem[0])
}

func TestPollSyncIgnoresNonMatchingAddress(t *testing.T) {
	buf := make([]byte, syncSlotSize)
	sync, err := NewSharedIOPage(buf, 1)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(buf[0:], 0x999)
	buf[28] = byte(DirWrite)
	buf[29] = byte(TypePIO)
	sync.SetState(0, StateIOReqReady)

	notifier := &fakeNotifier{}
	handler := &fakeHandler{}
	d := &Dispatcher{Sync: sync, Notifier: notifier, Handler: handler, BaseAddr: dispatcherBaseAddr}

	require.NoError(t, d.PollSync(0))
	assert.Zero(t, handler.calls)
	assert.Equal(t, StateIORespReady, sync.State(0))
}

func TestPollBufferedDrainsSingleEntry(t *testing.T) {
	buf := make([]byte, bufHeaderSize+BufferSlotNum*bufSlotSize)
	buffered, err := NewBufferedIOPage(buf)
	require.NoError(t, err)

	writeBufSlot(buf, 0, TypePIO, DirWrite, 2, dispatcherBaseAddr, 0)
	binary.LittleEndian.PutUint32(buf[4:], 1)

	shmem := make([]byte, 16)
	handler := &fakeHandler{}
	d := &Dispatcher{Buffered: buffered, Shmem: shmem, BaseAddr: dispatcherBaseAddr, Handler: handler}

	d.PollBuffered()
	assert.Equal(t, 1, handler.calls)
	assert.EqualValues(t, 1, buffered.ReadPointer())
}

func TestPollBufferedHandlesEightByteTwoSlotEntry(t *testing.T) {
	buf := make([]byte, bufHeaderSize+BufferSlotNum*bufSlotSize)
	buffered, err := NewBufferedIOPage(buf)
	require.NoError(t, err)

	// size log2 == 3 => 8 bytes, split across two slots: low 32 bits in
	// the first slot's Data32, high 32 bits in the second's.
	writeBufSlot(buf, 0, TypePIO, DirWrite, 3, dispatcherBaseAddr, 0xaaaaaaaa)
	writeBufSlot(buf, 1, TypePIO, DirWrite, 3, dispatcherBaseAddr, 0xbbbbbbbb)
	binary.LittleEndian.PutUint32(buf[4:], 2)

	handler := &fakeHandler{}
	d := &Dispatcher{Buffered: buffered, Shmem: make([]byte, 16), BaseAddr: dispatcherBaseAddr, Handler: handler}

	d.PollBuffered()
	assert.Equal(t, 1, handler.calls)
	assert.EqualValues(t, 2, buffered.ReadPointer())
}

func TestPollBufferedIgnoresNonPIOEntries(t *testing.T) {
	buf := make([]byte, bufHeaderSize+BufferSlotNum*bufSlotSize)
	buffered, err := NewBufferedIOPage(buf)
	require.NoError(t, err)

	writeBufSlot(buf, 0, TypeCopy, DirWrite, 2, dispatcherBaseAddr, 0)
	binary.LittleEndian.PutUint32(buf[4:], 1)

	handler := &fakeHandler{}
	d := &Dispatcher{Buffered: buffered, Shmem: make([]byte, 16), BaseAddr: dispatcherBaseAddr, Handler: handler}

	d.PollBuffered()
	assert.Zero(t, handler.calls)
	assert.EqualValues(t, 1, buffered.ReadPointer())
}
