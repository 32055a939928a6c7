// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcp-ng/varstored/pkg/xsclient"
)

func TestCreateWritesPidAndLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "varstored.pid")
	f, err := Create(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCreateFailsWhenAlreadyLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "varstored.pid")
	f1, err := Create(path)
	require.NoError(t, err)
	defer f1.Close()

	_, err = Create(path)
	assert.Error(t, err)
}

func TestPublishAndRetractPid(t *testing.T) {
	c := xsclient.NewMemory()
	require.NoError(t, PublishPid(c, 3))

	v, ok, err := c.Read(xsclient.PidPath(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(os.Getpid()), v)

	RetractPid(c, 3)
	_, ok, err = c.Read(xsclient.PidPath(3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetractPidOnMissingKeyDoesNotPanic(t *testing.T) {
	c := xsclient.NewMemory()
	assert.NotPanics(t, func() { RetractPid(c, 99) })
}
