// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package efistatus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndAs(t *testing.T) {
	err := New(NotFound, "variable not found")
	se, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, se.Code)
	assert.Contains(t, se.Error(), "variable not found")
}

func TestTooSmallCarriesRequiredSize(t *testing.T) {
	err := TooSmall(4096)
	se, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, BufferTooSmall, se.Code)
	assert.EqualValues(t, 4096, se.RequiredSize)
}

func TestAsRejectsPlainErrors(t *testing.T) {
	_, ok := As(errors.New("not a status error"))
	assert.False(t, ok)
}

func TestCodeStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "Success", Success.String())
	assert.NotEmpty(t, Code(0xdead).String())
}
