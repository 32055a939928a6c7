// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

// Memory is the "tester" backend: it holds no durable state at all
// and always reports InitFirstBoot. It is the backend selected by
// --nonpersistent and used by tests; it never touches a real
// orchestration database. The varstore-get tool uses Durable instead.
type Memory struct {
	args map[string]string
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{args: make(map[string]string)}
}

func (m *Memory) ParseArg(key, value string) bool {
	m.args[key] = value
	return true
}

func (m *Memory) CheckArgs() bool { return true }

func (m *Memory) Init(store *varstore.Store) (InitStatus, error) {
	return InitFirstBoot, nil
}

func (m *Memory) Resume(store *varstore.Store) error {
	// Nothing durable to restore from; treat as a fresh store.
	return nil
}

func (m *Memory) Save(store *varstore.Store) error {
	return nil
}

func (m *Memory) NotifySetVariable(name []uint16, vendor wire.GUID, attrs varstore.Attr, ts wire.EFITime, data []byte) {
}

// Arg returns a previously parsed argument, for tests that need to
// assert on what was passed via --arg.
func (m *Memory) Arg(key string) (string, bool) {
	v, ok := m.args[key]
	return v, ok
}
