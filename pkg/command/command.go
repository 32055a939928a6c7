// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package command implements the six-opcode request dispatcher: it
// decodes a request from the shared buffer via pkg/wire, validates
// it, consults pkg/varstore and pkg/auth, and serializes a response
// back into the same buffer.
package command

import (
	"github.com/sirupsen/logrus"

	"github.com/xcp-ng/varstored/pkg/auth"
	"github.com/xcp-ng/varstored/pkg/backend"
	"github.com/xcp-ng/varstored/pkg/efistatus"
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

var log = logrus.WithField("subsystem", "command")

// Opcode identifies one of the six recognized UEFI variable
// operations carried over the wire.
type Opcode uint32

const (
	OpGetVariable        Opcode = 1
	OpSetVariable        Opcode = 2
	OpGetNextVariable    Opcode = 3
	OpQueryVariableInfo  Opcode = 4
	OpNotifySBFailure    Opcode = 5
	OpGetPlatformConfig  Opcode = 6
)

// ProtocolVersion is the only wire protocol version this handler
// understands.
const ProtocolVersion uint32 = 1

// PlatformConfig flags returned by GET_PLATFORM_CONFIG, a bitmask the
// guest firmware uses to learn the service's policy without issuing a
// GetVariable round-trip.
const (
	PlatformConfigSecureBoot uint32 = 0x1
	PlatformConfigAuthEnforce uint32 = 0x2
)

// Handler dispatches decoded requests against a Store, an auth Engine,
// and a persistence Backend. It holds no per-request state and is
// only ever invoked from the single main-loop thread (§5).
type Handler struct {
	Store            *varstore.Store
	Auth             *auth.Engine
	Backend          backend.Backend
	SecureBootEnable bool
	AuthEnforce      bool
}

// Dispatch decodes one request from buf, executes it, and overwrites
// buf with the response, per the wire format in §4.1/§6: request
// (version, opcode, payload), response (status, payload). Any error
// --- wire, quota, attribute, auth, lookup, or buffer --- is packed
// into the response status rather than returned to the caller; the
// only errors Dispatch itself returns are for requests so malformed
// that a response cannot be framed at all (caller should treat this as
// an I/O dispatcher-level problem, not a guest-visible one).
func (h *Handler) Dispatch(buf []byte) error {
	req := wire.NewCursor(buf)

	version, err := req.ReadUint32()
	if err != nil {
		return writeStatus(buf, efistatus.New(efistatus.InvalidParameter, "missing version"))
	}
	if version != ProtocolVersion {
		return writeStatus(buf, efistatus.Newf(efistatus.Unsupported, "unsupported protocol version %d", version))
	}

	opcodeRaw, err := req.ReadUint32()
	if err != nil {
		return writeStatus(buf, efistatus.New(efistatus.InvalidParameter, "missing opcode"))
	}
	opcode := Opcode(opcodeRaw)

	var result error
	switch opcode {
	case OpGetVariable:
		result = h.getVariable(req, buf)
	case OpSetVariable:
		result = h.setVariable(req, buf)
	case OpGetNextVariable:
		result = h.getNextVariable(req, buf)
	case OpQueryVariableInfo:
		result = h.queryVariableInfo(req, buf)
	case OpNotifySBFailure:
		result = h.notifySBFailure(req, buf)
	case OpGetPlatformConfig:
		result = h.getPlatformConfig(req, buf)
	default:
		result = efistatus.Newf(efistatus.InvalidParameter, "unknown opcode %d", opcodeRaw)
	}

	if se, ok := efistatus.As(result); ok {
		return writeStatus(buf, se)
	}
	if result != nil {
		// A non-status error is a decode/frame failure; surface it as
		// InvalidParameter per the wire-error rule in the error
		// taxonomy (§7.1).
		log.WithError(result).WithField("opcode", opcode).Warn("command failed without a status code")
		return writeStatus(buf, efistatus.Newf(efistatus.InvalidParameter, "%v", result))
	}
	return nil
}

// writeStatus overwrites buf with a bare status response (success,
// or an error with no payload beyond the optional required size).
func writeStatus(buf []byte, se *efistatus.Error) error {
	resp := wire.NewCursor(buf)
	if err := resp.WriteUintn(uint64(se.Code)); err != nil {
		return err
	}
	if se.Code == efistatus.BufferTooSmall {
		return resp.WriteUintn(se.RequiredSize)
	}
	return nil
}

func writeSuccess(buf []byte, fill func(resp *wire.Cursor) error) error {
	resp := wire.NewCursor(buf)
	if err := resp.WriteUintn(uint64(efistatus.Success)); err != nil {
		return err
	}
	return fill(resp)
}

func (h *Handler) getVariable(req *wire.Cursor, buf []byte) error {
	name, err := req.ReadName()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed name")
	}
	vendor, err := req.ReadGUID()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed vendor guid")
	}
	maxData, err := req.ReadUintn()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed max_data")
	}

	v := h.Store.Lookup(name, vendor)
	if v == nil {
		return efistatus.New(efistatus.NotFound, "variable not found")
	}
	if uint64(len(v.Data)) > maxData {
		return efistatus.TooSmall(uint64(len(v.Data)))
	}

	return writeSuccess(buf, func(resp *wire.Cursor) error {
		if err := resp.WriteUint32(uint32(v.Attrs)); err != nil {
			return err
		}
		return resp.WriteData(v.Data)
	})
}

func (h *Handler) setVariable(req *wire.Cursor, buf []byte) error {
	name, err := req.ReadName()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed name")
	}
	vendor, err := req.ReadGUID()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed vendor guid")
	}
	attrsRaw, err := req.ReadUint32()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed attributes")
	}
	attrs := varstore.Attr(attrsRaw)
	atRuntime, err := req.ReadBool()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed at_runtime flag")
	}
	data, err := req.ReadData(wire.DataLimit)
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed data")
	}

	existing := h.Store.Lookup(name, vendor)

	if atRuntime && !attrs.Has(varstore.RuntimeAccess) {
		if existing == nil || !existing.Attrs.Has(varstore.RuntimeAccess) {
			return efistatus.New(efistatus.InvalidParameter, "runtime write to a variable without RUNTIME_ACCESS")
		}
	}
	if existing != nil && !attrs.Has(varstore.AppendWrite) && existing.Attrs.WithoutAppend() != attrs.WithoutAppend() {
		return efistatus.New(efistatus.InvalidParameter, "attribute mismatch on existing variable")
	}

	ts := wire.EFITime{}
	content := data
	var signer []byte

	if attrs.Has(varstore.TimeBasedAuthWriteAccess) {
		result, err := h.Auth.VerifyAuthenticatedWrite(name, vendor, attrs, data)
		if err != nil {
			return err
		}
		ts = result.Timestamp
		content = result.Content
		signer = result.Signer
	}

	deletes := varstore.DeletesVariable(attrs, len(content)) && !attrs.Has(varstore.AppendWrite)
	if deletes {
		if existing == nil {
			return efistatus.New(efistatus.NotFound, "delete of nonexistent variable")
		}
		// The secure-boot legality check must run, and be handled,
		// before the store is mutated: a rejected delete (e.g. PK
		// cleared while Deployed) must leave the variable in place,
		// not remove it and then merely report a status the guest
		// cannot act on.
		if err := h.Auth.CheckDelete(name, vendor); err != nil {
			return err
		}
		h.Store.Remove(name, vendor)
	} else if attrs.Has(varstore.AppendWrite) {
		if err := h.Store.Append(name, vendor, attrs, ts, content); err != nil {
			return err
		}
	} else {
		if err := h.Store.Upsert(name, vendor, attrs, ts, content); err != nil {
			return err
		}
	}
	if !deletes && len(signer) > 0 {
		// Cached only once the record exists; SetCert ignores absent
		// variables.
		h.Store.SetCert(name, vendor, signer)
	}

	if err := h.Auth.Transition(name, vendor, !deletes); err != nil {
		return err
	}

	if h.Backend != nil {
		h.Backend.NotifySetVariable(name, vendor, attrs, ts, content)
	}

	return writeSuccess(buf, func(resp *wire.Cursor) error { return nil })
}

func (h *Handler) getNextVariable(req *wire.Cursor, buf []byte) error {
	maxName, err := req.ReadUintn()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed max_name")
	}
	name, err := req.ReadName()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed name")
	}
	vendor, err := req.ReadGUID()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed vendor guid")
	}

	nextName, nextVendor, ok, err := h.Store.IterAfter(name, vendor)
	if err != nil {
		return err
	}
	if !ok {
		return efistatus.New(efistatus.NotFound, "no more variables")
	}
	if required := uint64(2 * (len(nextName) + 1)); required > maxName {
		return efistatus.TooSmall(required)
	}

	return writeSuccess(buf, func(resp *wire.Cursor) error {
		if err := resp.WriteName(nextName); err != nil {
			return err
		}
		return resp.WriteGUID(nextVendor)
	})
}

func (h *Handler) queryVariableInfo(req *wire.Cursor, buf []byte) error {
	attrsRaw, err := req.ReadUint32()
	if err != nil {
		return efistatus.New(efistatus.InvalidParameter, "malformed attributes")
	}
	max, remaining, maxSize := h.Store.RemainingStorage(varstore.Attr(attrsRaw))

	return writeSuccess(buf, func(resp *wire.Cursor) error {
		if err := resp.WriteUint64(max); err != nil {
			return err
		}
		if err := resp.WriteUint64(remaining); err != nil {
			return err
		}
		return resp.WriteUint64(maxSize)
	})
}

// notifySBFailure (opcode 5) has no request or response payload
// beyond the status. This implementation logs the event at warning
// level and takes no store action, since its guest-visible side
// effects are undocumented and speculative handling risks masking a
// real firmware signal.
func (h *Handler) notifySBFailure(req *wire.Cursor, buf []byte) error {
	log.Warn("guest firmware reported a secure-boot verification failure")
	return writeSuccess(buf, func(resp *wire.Cursor) error { return nil })
}

func (h *Handler) getPlatformConfig(req *wire.Cursor, buf []byte) error {
	var flags uint32
	if h.SecureBootEnable {
		flags |= PlatformConfigSecureBoot
	}
	if h.AuthEnforce {
		flags |= PlatformConfigAuthEnforce
	}
	return writeSuccess(buf, func(resp *wire.Cursor) error {
		return resp.WriteUint32(flags)
	})
}
