// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package xsclient models the narrow slice of the orchestration store
// (XenStore in the original service) that this daemon reads at
// startup and writes during its lifecycle: the per-domain platform
// policy keys under /local/domain/<domid>/platform/*, and the
// varstored-pid announcement key. It is deliberately small: the full
// store protocol (watches, transactions, permissions) is out of scope.
package xsclient

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Client is the orchestration-store surface this daemon depends on.
// Memory is the only implementation in this tree; there is no
// transport to a real host store.
type Client interface {
	// Read returns the value at path, or ("", false) if the key does
	// not exist. A transport failure is returned as an error.
	Read(path string) (string, bool, error)

	// Write sets the value at path, creating intermediate nodes as
	// needed.
	Write(path, value string) error

	// Remove deletes the value at path. It is not an error to remove
	// an absent key.
	Remove(path string) error

	// Close releases any transport resources held by the client.
	Close() error
}

// PlatformSecureBootPath is the per-domain key carrying the
// "true"/"false" secure-boot-enable policy string.
func PlatformSecureBootPath(domid uint32) string {
	return fmt.Sprintf("/local/domain/%d/platform/secureboot", domid)
}

// PlatformAuthEnforcePath is the per-domain key carrying the
// "true"/"false" authenticated-write-enforcement policy string.
func PlatformAuthEnforcePath(domid uint32) string {
	return fmt.Sprintf("/local/domain/%d/platform/auth-enforce", domid)
}

// PidPath is the per-domain key this daemon publishes its own pid to,
// so that toolstack components can locate and signal it.
func PidPath(domid uint32) string {
	return fmt.Sprintf("/local/domain/%d/varstored-pid", domid)
}

// Memory is an in-process Client backed by a map, standing in for the
// real store in tests and in cmd/varstored.
type Memory struct {
	mu   sync.Mutex
	vals map[string]string
}

// NewMemory returns an empty in-memory client.
func NewMemory() *Memory {
	return &Memory{vals: make(map[string]string)}
}

func (m *Memory) Read(path string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[path]
	return v, ok, nil
}

func (m *Memory) Write(path, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[path] = value
	return nil
}

func (m *Memory) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, path)
	return nil
}

func (m *Memory) Close() error { return nil }

// ReadBool reads path and interprets it the way the original service
// parses its two platform policy strings: present-and-exactly-"true"
// for secureboot, anything-but-"false" (including absent) for
// auth-enforce. The caller supplies defaultMissing for an absent key.
func ReadBool(c Client, path string, trueValue string, defaultMissing bool) (bool, error) {
	v, ok, err := c.Read(path)
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", path)
	}
	if !ok {
		return defaultMissing, nil
	}
	return v == trueValue, nil
}
