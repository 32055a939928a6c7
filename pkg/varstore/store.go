// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package varstore holds the set of UEFI variables for one guest and
// enforces the attribute/size/count invariants from §3–§4.2 of the
// specification: unique (name, vendor) keys, a 64 KiB aggregate quota
// over non-volatile variables, a 32 KiB per-variable cap, and APPEND
// semantics.
package varstore

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/xcp-ng/varstored/pkg/efistatus"
	"github.com/xcp-ng/varstored/pkg/wire"
)

var log = logrus.WithField("subsystem", "varstore")

// AggregateQuota is the total size, in bytes, that NON_VOLATILE
// variables (name bytes plus data) may occupy.
const AggregateQuota = 64 * 1024

// MaxVariableSize is the largest single variable's data may be.
const MaxVariableSize = 32 * 1024

// Variable is one UEFI variable entry.
type Variable struct {
	Name      []uint16
	Vendor    wire.GUID
	Attrs     Attr
	Timestamp wire.EFITime
	Data      []byte

	// Cert caches the signer of the last accepted authenticated write,
	// binding ownership of this variable name for future
	// trust-on-first-use writes (§4.3 step 3, "any other authenticated
	// variable").
	Cert []byte
}

func (v *Variable) nameBytesLen() int { return 2 * (len(v.Name) + 1) }

func (v *Variable) sizeForQuota() int {
	return len(v.Data) + v.nameBytesLen()
}

type key struct {
	name   string
	vendor wire.GUID
}

func keyOf(name []uint16, vendor wire.GUID) key {
	b := make([]byte, len(name)*2)
	for i, u := range name {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return key{name: string(b), vendor: vendor}
}

// Store is the in-memory mapping from (name, vendor) to Variable.
// Iteration follows insertion order (see DESIGN.md, Open Question a),
// which is reproducible across a process's lifetime and, because the
// durable backend persists records in enumeration order, across
// restarts too.
type Store struct {
	records map[key]*Variable
	order   []key

	nvBytes int // running total counted toward AggregateQuota
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[key]*Variable)}
}

// Lookup returns the variable for (name, vendor), or nil if absent.
func (s *Store) Lookup(name []uint16, vendor wire.GUID) *Variable {
	if v, ok := s.records[keyOf(name, vendor)]; ok {
		return v
	}
	return nil
}

func (s *Store) quotaAfter(removed, added *Variable) int {
	total := s.nvBytes
	if removed != nil && removed.Attrs.Has(NonVolatile) {
		total -= removed.sizeForQuota()
	}
	if added != nil && added.Attrs.Has(NonVolatile) {
		total += added.sizeForQuota()
	}
	return total
}

func validateAttrs(a Attr) error {
	if a&reservedAttrs != 0 {
		return efistatus.New(efistatus.InvalidParameter, "reserved attribute bits set")
	}
	if a.Has(RuntimeAccess) && !a.Has(BootserviceAccess) {
		return efistatus.New(efistatus.InvalidParameter, "RUNTIME_ACCESS requires BOOTSERVICE_ACCESS")
	}
	return nil
}

// Upsert atomically replaces (or creates) the record for (name,
// vendor). No partial update is ever visible to a concurrent lookup:
// the record map entry is swapped in a single assignment.
func (s *Store) Upsert(name []uint16, vendor wire.GUID, attrs Attr, ts wire.EFITime, data []byte) error {
	if len(name) == 0 || len(name) > wire.NameLimit {
		return efistatus.New(efistatus.InvalidParameter, "invalid variable name length")
	}
	if len(data) > MaxVariableSize {
		return efistatus.New(efistatus.OutOfResources, "variable data exceeds per-variable limit")
	}
	if err := validateAttrs(attrs); err != nil {
		return err
	}

	k := keyOf(name, vendor)
	existing := s.records[k]

	nameCopy := append([]uint16(nil), name...)
	dataCopy := append([]byte(nil), data...)
	candidate := &Variable{Name: nameCopy, Vendor: vendor, Attrs: attrs, Timestamp: ts, Data: dataCopy}
	if existing != nil {
		candidate.Cert = existing.Cert
	}

	if newTotal := s.quotaAfter(existing, candidate); newTotal > AggregateQuota {
		return efistatus.New(efistatus.OutOfResources, "aggregate non-volatile storage quota exceeded")
	}

	s.nvBytes = s.quotaAfter(existing, candidate)
	s.records[k] = candidate
	if existing == nil {
		s.order = append(s.order, k)
	}
	return nil
}

// Append concatenates data to the existing record's data. The
// incoming attribute set, with APPEND_WRITE cleared, must equal the
// stored attribute set (also with APPEND_WRITE cleared, defensively);
// the incoming timestamp must not be older than the stored one.
func (s *Store) Append(name []uint16, vendor wire.GUID, attrs Attr, ts wire.EFITime, data []byte) error {
	if err := validateAttrs(attrs); err != nil {
		return err
	}
	k := keyOf(name, vendor)
	existing := s.records[k]
	if existing == nil {
		return efistatus.New(efistatus.NotFound, "no existing variable to append to")
	}
	if existing.Attrs.WithoutAppend() != attrs.WithoutAppend() {
		return efistatus.New(efistatus.InvalidParameter, "attribute mismatch on append")
	}
	if existing.Attrs.Has(TimeBasedAuthWriteAccess) && ts.Before(existing.Timestamp) {
		return efistatus.New(efistatus.SecurityViolation, "append timestamp older than stored timestamp")
	}

	newData := make([]byte, 0, len(existing.Data)+len(data))
	newData = append(newData, existing.Data...)
	newData = append(newData, data...)

	if len(newData) > MaxVariableSize {
		return efistatus.New(efistatus.OutOfResources, "appended data exceeds per-variable limit")
	}

	candidate := &Variable{
		Name: existing.Name, Vendor: vendor, Attrs: existing.Attrs,
		Timestamp: ts, Data: newData, Cert: existing.Cert,
	}
	if newTotal := s.quotaAfter(existing, candidate); newTotal > AggregateQuota {
		return efistatus.New(efistatus.OutOfResources, "aggregate non-volatile storage quota exceeded")
	}
	s.nvBytes = s.quotaAfter(existing, candidate)
	s.records[k] = candidate
	return nil
}

// Remove deletes the record for (name, vendor), if present.
func (s *Store) Remove(name []uint16, vendor wire.GUID) {
	k := keyOf(name, vendor)
	existing, ok := s.records[k]
	if !ok {
		return
	}
	if existing.Attrs.Has(NonVolatile) {
		s.nvBytes -= existing.sizeForQuota()
	}
	delete(s.records, k)
	for i, ok2 := range s.order {
		if ok2 == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// SetCert records the signer certificate bound to the last accepted
// authenticated write for (name, vendor). No-op if the variable is
// absent (it must already have been written by Upsert/Append).
func (s *Store) SetCert(name []uint16, vendor wire.GUID, cert []byte) {
	if v, ok := s.records[keyOf(name, vendor)]; ok {
		v.Cert = cert
	}
}

// IterAfter implements the enumeration step behind GetNextVariableName:
// passing an empty name returns the first entry; passing a
// non-existent (name, vendor) fails with NotFound; passing the last
// entry returns (nil, nil, NotFound)-equivalent via ok=false.
func (s *Store) IterAfter(name []uint16, vendor wire.GUID) (outName []uint16, outVendor wire.GUID, ok bool, err error) {
	if len(name) == 0 {
		if len(s.order) == 0 {
			return nil, wire.GUID{}, false, nil
		}
		v := s.records[s.order[0]]
		return v.Name, v.Vendor, true, nil
	}

	k := keyOf(name, vendor)
	idx := -1
	for i, kk := range s.order {
		if kk == k {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, wire.GUID{}, false, efistatus.New(efistatus.NotFound, "variable not found for enumeration")
	}
	if idx+1 >= len(s.order) {
		return nil, wire.GUID{}, false, nil
	}
	v := s.records[s.order[idx+1]]
	return v.Name, v.Vendor, true, nil
}

// RemainingStorage reports (maxStorage, remaining, maxVariableSize)
// for the attribute mask supplied in QueryVariableInfo. Only the
// NON_VOLATILE accounting is modeled (the quota this store tracks);
// volatile variables are not subject to the aggregate quota.
func (s *Store) RemainingStorage(attrs Attr) (max, remaining, maxSize uint64) {
	max = AggregateQuota
	remaining = AggregateQuota - uint64(s.nvBytes)
	maxSize = MaxVariableSize
	return
}

// Len returns the number of variables currently stored.
func (s *Store) Len() int { return len(s.order) }

// Snapshot returns every variable in enumeration order, for the
// backend's save path. The returned slice shares no memory with the
// store's internal state.
func (s *Store) Snapshot() []Variable {
	out := make([]Variable, 0, len(s.order))
	for _, k := range s.order {
		v := s.records[k]
		cp := *v
		cp.Name = append([]uint16(nil), v.Name...)
		cp.Data = append([]byte(nil), v.Data...)
		cp.Cert = append([]byte(nil), v.Cert...)
		out = append(out, cp)
	}
	return out
}

// Load replaces the store's contents with vars, in the given order,
// bypassing quota validation (the backend is trusted to hand back
// exactly what it was given on Snapshot). Used by Backend.Init /
// Resume.
func (s *Store) Load(vars []Variable) {
	s.records = make(map[key]*Variable, len(vars))
	s.order = s.order[:0]
	s.nvBytes = 0
	for i := range vars {
		v := vars[i]
		k := keyOf(v.Name, v.Vendor)
		cp := v
		s.records[k] = &cp
		s.order = append(s.order, k)
		if cp.Attrs.Has(NonVolatile) {
			s.nvBytes += cp.sizeForQuota()
		}
	}
	log.WithField("count", len(s.order)).Debug("loaded variable store snapshot")
}
