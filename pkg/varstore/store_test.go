// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package varstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcp-ng/varstored/pkg/efistatus"
	"github.com/xcp-ng/varstored/pkg/wire"
)

func nameOf(s string) []uint16 { return wire.NameFromString(s) }

func TestUpsertAndLookup(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(nameOf("BootOrder"), wire.GlobalVariableGUID,
		NonVolatile|BootserviceAccess|RuntimeAccess, wire.EFITime{}, []byte{0x01, 0x00}))

	v := s.Lookup(nameOf("BootOrder"), wire.GlobalVariableGUID)
	require.NotNil(t, v)
	assert.Equal(t, []byte{0x01, 0x00}, v.Data)
	assert.Equal(t, 1, s.Len())
}

func TestUpsertRejectsReservedAttrs(t *testing.T) {
	s := New()
	err := s.Upsert(nameOf("X"), wire.GlobalVariableGUID, EnhancedAuthAccess, wire.EFITime{}, []byte{1})
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.InvalidParameter, se.Code)
}

func TestUpsertRejectsRuntimeWithoutBootservice(t *testing.T) {
	s := New()
	err := s.Upsert(nameOf("X"), wire.GlobalVariableGUID, RuntimeAccess, wire.EFITime{}, []byte{1})
	assert.Error(t, err)
}

func TestUpsertEnforcesPerVariableLimit(t *testing.T) {
	s := New()
	big := make([]byte, MaxVariableSize+1)
	err := s.Upsert(nameOf("Big"), wire.GlobalVariableGUID, BootserviceAccess, wire.EFITime{}, big)
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.OutOfResources, se.Code)
}

func TestUpsertEnforcesAggregateQuota(t *testing.T) {
	s := New()
	chunk := make([]byte, 40*1024)
	require.NoError(t, s.Upsert(nameOf("First"), wire.GlobalVariableGUID, NonVolatile|BootserviceAccess, wire.EFITime{}, chunk))

	err := s.Upsert(nameOf("Second"), wire.GlobalVariableGUID, NonVolatile|BootserviceAccess, wire.EFITime{}, chunk)
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.OutOfResources, se.Code)
}

func TestUpsertReplaceDoesNotDoubleCountQuota(t *testing.T) {
	s := New()
	chunk := make([]byte, 40*1024)
	require.NoError(t, s.Upsert(nameOf("First"), wire.GlobalVariableGUID, NonVolatile|BootserviceAccess, wire.EFITime{}, chunk))
	// Replacing the same key with the same size must not be rejected as
	// if it were additive.
	require.NoError(t, s.Upsert(nameOf("First"), wire.GlobalVariableGUID, NonVolatile|BootserviceAccess, wire.EFITime{}, chunk))
	assert.Equal(t, 1, s.Len())
}

func TestRemoveDeletesAndFreesQuota(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(nameOf("A"), wire.GlobalVariableGUID, NonVolatile|BootserviceAccess, wire.EFITime{}, []byte("data")))
	s.Remove(nameOf("A"), wire.GlobalVariableGUID)
	assert.Nil(t, s.Lookup(nameOf("A"), wire.GlobalVariableGUID))
	assert.Equal(t, 0, s.Len())

	_, remaining, _ := s.RemainingStorage(NonVolatile)
	assert.EqualValues(t, AggregateQuota, remaining)
}

func TestAppendConcatenatesData(t *testing.T) {
	s := New()
	attrs := BootserviceAccess | RuntimeAccess
	require.NoError(t, s.Upsert(nameOf("Log"), wire.GlobalVariableGUID, attrs, wire.EFITime{}, []byte("a")))
	require.NoError(t, s.Append(nameOf("Log"), wire.GlobalVariableGUID, attrs|AppendWrite, wire.EFITime{}, []byte("b")))

	v := s.Lookup(nameOf("Log"), wire.GlobalVariableGUID)
	require.NotNil(t, v)
	assert.Equal(t, []byte("ab"), v.Data)
}

func TestAppendRejectsAttributeMismatch(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(nameOf("Log"), wire.GlobalVariableGUID, BootserviceAccess, wire.EFITime{}, []byte("a")))
	err := s.Append(nameOf("Log"), wire.GlobalVariableGUID, BootserviceAccess|RuntimeAccess|AppendWrite, wire.EFITime{}, []byte("b"))
	assert.Error(t, err)
}

func TestAppendRejectsNonExistent(t *testing.T) {
	s := New()
	err := s.Append(nameOf("Missing"), wire.GlobalVariableGUID, BootserviceAccess|AppendWrite, wire.EFITime{}, []byte("b"))
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.NotFound, se.Code)
}

func TestAppendRejectsStaleTimestampWhenTimeBased(t *testing.T) {
	s := New()
	attrs := BootserviceAccess | RuntimeAccess | TimeBasedAuthWriteAccess
	later := wire.EFITime{Year: 2024, Month: 6, Day: 2}
	earlier := wire.EFITime{Year: 2024, Month: 6, Day: 1}
	require.NoError(t, s.Upsert(nameOf("Auth"), wire.GlobalVariableGUID, attrs, later, []byte("a")))

	err := s.Append(nameOf("Auth"), wire.GlobalVariableGUID, attrs|AppendWrite, earlier, []byte("b"))
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.SecurityViolation, se.Code)
}

func TestIterAfterFollowsInsertionOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(nameOf("Alpha"), wire.GlobalVariableGUID, BootserviceAccess, wire.EFITime{}, []byte("1")))
	require.NoError(t, s.Upsert(nameOf("Beta"), wire.GlobalVariableGUID, BootserviceAccess, wire.EFITime{}, []byte("2")))

	n, v, ok, err := s.IterAfter(nil, wire.GUID{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alpha", wire.NameToString(n))
	assert.Equal(t, wire.GlobalVariableGUID, v)

	n2, _, ok, err := s.IterAfter(n, v)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Beta", wire.NameToString(n2))

	_, _, ok, err = s.IterAfter(n2, v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIterAfterUnknownEntryFails(t *testing.T) {
	s := New()
	_, _, _, err := s.IterAfter(nameOf("Ghost"), wire.GlobalVariableGUID)
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.NotFound, se.Code)
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(nameOf("Alpha"), wire.GlobalVariableGUID, NonVolatile|BootserviceAccess, wire.EFITime{}, []byte("1")))
	require.NoError(t, s.Upsert(nameOf("Beta"), wire.GlobalVariableGUID, NonVolatile|BootserviceAccess, wire.EFITime{}, []byte("22")))

	snap := s.Snapshot()
	require.Len(t, snap, 2)

	loaded := New()
	loaded.Load(snap)
	assert.Equal(t, 2, loaded.Len())
	v := loaded.Lookup(nameOf("Beta"), wire.GlobalVariableGUID)
	require.NotNil(t, v)
	assert.Equal(t, []byte("22"), v.Data)
}

func TestDeletesVariable(t *testing.T) {
	assert.True(t, DeletesVariable(BootserviceAccess, 0))
	assert.True(t, DeletesVariable(NonVolatile, 4))
	assert.False(t, DeletesVariable(BootserviceAccess, 4))
}
