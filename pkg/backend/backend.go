// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package backend defines the pluggable persistence interface and its
// two implementations: an in-memory backend used by tests and by
// --nonpersistent, and a durable backend (also used by the
// varstore-get companion tool) that serializes the store to an
// embedded database standing in for the orchestration database.
package backend

import (
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

// InitStatus is the result of Backend.Init.
type InitStatus int

const (
	InitFailure InitStatus = iota
	InitSuccess
	InitFirstBoot
)

// Backend is the capability set a persistence implementation provides,
// modeled directly on the original service's function-pointer table
// (struct backend in varstored.c): parse_arg/check_args for CLI
// argument plumbing, init/resume/save for the load/save lifecycle, and
// an optional write-through notification hook.
type Backend interface {
	// ParseArg accepts a backend-specific --arg key:value pair.
	// Returns false if key is not recognized.
	ParseArg(key, value string) bool

	// CheckArgs validates that all required arguments have been
	// supplied, after option parsing completes.
	CheckArgs() bool

	// Init loads durable state, or declares InitFirstBoot if none
	// exists yet.
	Init(store *varstore.Store) (InitStatus, error)

	// Resume restores from a snapshot written by a prior Save.
	Resume(store *varstore.Store) error

	// Save persists store's current contents. Invoked once, on clean
	// shutdown.
	Save(store *varstore.Store) error

	// NotifySetVariable is an optional write-through hook invoked
	// after every successful SetVariable, before the response is sent
	// to the guest. Implementations that do not need write-through
	// persistence may no-op.
	NotifySetVariable(name []uint16, vendor wire.GUID, attrs varstore.Attr, ts wire.EFITime, data []byte)
}
