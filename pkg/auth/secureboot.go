// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package auth implements the time-based authenticated write protocol
// (§4.3), the platform key hierarchy, and secure-boot mode
// transitions.
package auth

import (
	"bytes"
	"crypto/x509"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mozilla.org/pkcs7"

	"github.com/xcp-ng/varstored/pkg/efistatus"
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

var log = logrus.WithField("subsystem", "auth")

// SecureBootMode is one of the four UEFI secure-boot operational
// states.
type SecureBootMode int

const (
	Setup SecureBootMode = iota
	Audit
	User
	Deployed
)

func (m SecureBootMode) String() string {
	switch m {
	case Setup:
		return "Setup"
	case Audit:
		return "Audit"
	case User:
		return "User"
	case Deployed:
		return "Deployed"
	default:
		return "Unknown"
	}
}

// Well-known variable names in the global namespace that drive
// secure-boot mode transitions, plus the image-security namespace
// databases.
var (
	NamePK           = wire.NameFromString("PK")
	NameKEK          = wire.NameFromString("KEK")
	NameDB           = wire.NameFromString("db")
	NameDBX          = wire.NameFromString("dbx")
	NameDBT          = wire.NameFromString("dbt")
	NameDBR          = wire.NameFromString("dbr")
	NameAuditMode    = wire.NameFromString("AuditMode")
	NameDeployedMode = wire.NameFromString("DeployedMode")
	NameSetupMode    = wire.NameFromString("SetupMode")
)

func imageSecurityVar(name []uint16) bool {
	s := wire.NameToString(name)
	return s == "db" || s == "dbx" || s == "dbt" || s == "dbr"
}

// Engine evaluates authenticated writes and tracks secure-boot state
// against a backing Store. It holds no goroutine-local state; it is
// called synchronously from the command handler on the single main
// loop thread (§5, "all state mutations occur on the main task").
type Engine struct {
	store            *varstore.Store
	secureBootEnable bool
	authEnforce      bool
	mode             SecureBootMode
}

// NewEngine returns an Engine bound to store. secureBootEnable and
// authEnforce mirror the two policy booleans read by C9 at startup.
func NewEngine(store *varstore.Store, secureBootEnable, authEnforce bool) *Engine {
	e := &Engine{store: store, secureBootEnable: secureBootEnable, authEnforce: authEnforce}
	e.recomputeMode()
	return e
}

// Mode returns the engine's current secure-boot state.
func (e *Engine) Mode() SecureBootMode { return e.mode }

func (e *Engine) recomputeMode() {
	pk := e.store.Lookup(NamePK, wire.GlobalVariableGUID)
	if pk == nil {
		if audit := e.store.Lookup(NameAuditMode, wire.GlobalVariableGUID); audit != nil && len(audit.Data) > 0 && audit.Data[0] != 0 {
			e.mode = Audit
			return
		}
		e.mode = Setup
		return
	}
	if deployed := e.store.Lookup(NameDeployedMode, wire.GlobalVariableGUID); deployed != nil && len(deployed.Data) > 0 && deployed.Data[0] != 0 {
		e.mode = Deployed
		return
	}
	if audit := e.store.Lookup(NameAuditMode, wire.GlobalVariableGUID); audit != nil && len(audit.Data) > 0 && audit.Data[0] != 0 {
		e.mode = Audit
		return
	}
	e.mode = User
}

// win certificate header layout (WIN_CERTIFICATE_UEFI_GUID), 24 bytes
// before the PKCS#7 blob.
const (
	winCertHdrSize   = 24
	winCertRevision  = 0x0200
	winCertTypePKCS7 = 0x0EF1
)

// efiCertTypePKCS7GUID is EFI_CERT_TYPE_PKCS7_GUID.
var efiCertTypePKCS7GUID = wire.GUID{0x4AAFD29D, 0x68DF, 0x49EE,
	[8]byte{0x8A, 0xA9, 0x34, 0x7D, 0x37, 0x56, 0x65, 0xA7}}

// parsedAuth2 is the decoded EFI_VARIABLE_AUTHENTICATION_2 envelope.
type parsedAuth2 struct {
	timestamp wire.EFITime
	pkcs7Blob []byte
	content   []byte // new variable content, following the envelope
}

func parseAuthentication2(payload []byte) (*parsedAuth2, error) {
	c := wire.NewCursor(payload)
	ts, err := c.ReadEFITime()
	if err != nil {
		return nil, efistatus.New(efistatus.InvalidParameter, "truncated authentication payload: timestamp")
	}
	if ts.Pad1 != 0 || ts.Nanosecond != 0 || ts.Daylight != 0 || ts.Pad2 != 0 {
		return nil, efistatus.New(efistatus.SecurityViolation, "non-zero reserved EFI_TIME fields")
	}

	hdrStart := c.Pos()
	dwLength, err := c.ReadUint32()
	if err != nil {
		return nil, efistatus.New(efistatus.InvalidParameter, "truncated WIN_CERTIFICATE header")
	}
	revision, err := c.ReadUint16()
	if err != nil {
		return nil, efistatus.New(efistatus.InvalidParameter, "truncated WIN_CERTIFICATE header")
	}
	certType, err := c.ReadUint16()
	if err != nil {
		return nil, efistatus.New(efistatus.InvalidParameter, "truncated WIN_CERTIFICATE header")
	}
	certTypeGUID, err := c.ReadGUID()
	if err != nil {
		return nil, efistatus.New(efistatus.InvalidParameter, "truncated WIN_CERTIFICATE_UEFI_GUID")
	}

	if revision != winCertRevision || certType != winCertTypePKCS7 || certTypeGUID != efiCertTypePKCS7GUID {
		return nil, efistatus.New(efistatus.SecurityViolation, "unsupported certificate format")
	}
	if int(dwLength) < winCertHdrSize || hdrStart+int(dwLength) > len(payload) {
		return nil, efistatus.New(efistatus.InvalidParameter, "invalid WIN_CERTIFICATE length")
	}

	blobLen := int(dwLength) - winCertHdrSize
	blob := payload[c.Pos() : c.Pos()+blobLen]

	content := payload[hdrStart+int(dwLength):]

	return &parsedAuth2{timestamp: ts, pkcs7Blob: blob, content: content}, nil
}

// VerifyResult is the outcome of a successful authenticated-write
// verification.
type VerifyResult struct {
	Timestamp wire.EFITime
	Content   []byte
	Signer    []byte // DER-encoded signer certificate, cached for trust-on-first-use
}

// VerifyAuthenticatedWrite validates a SetVariable payload carrying
// TIME_BASED_AUTH_WRITE_ACCESS, per the five-step procedure in §4.3.
func (e *Engine) VerifyAuthenticatedWrite(name []uint16, vendor wire.GUID, attrs varstore.Attr, payload []byte) (*VerifyResult, error) {
	parsed, err := parseAuthentication2(payload)
	if err != nil {
		return nil, err
	}

	existing := e.store.Lookup(name, vendor)

	// Step 1: strict monotonicity, except APPEND_WRITE permits equality.
	if existing != nil && existing.Attrs.Has(varstore.TimeBasedAuthWriteAccess) {
		if attrs.Has(varstore.AppendWrite) {
			if parsed.timestamp.Before(existing.Timestamp) {
				return nil, efistatus.New(efistatus.SecurityViolation, "append timestamp older than stored timestamp")
			}
		} else if !existing.Timestamp.Before(parsed.timestamp) {
			return nil, efistatus.New(efistatus.SecurityViolation, "timestamp is not strictly newer than stored timestamp")
		}
	}

	// Step 2: digest over name || vendor || attrs || timestamp || content.
	digest := buildDigest(name, vendor, attrs, parsed.timestamp, parsed.content)

	// Step 3: choose trust anchors by variable identity.
	anchors, anchorsKnown := e.trustAnchors(name, vendor, existing)
	if !anchorsKnown {
		// Bootstrap: the blob's own signer is the only anchor, so any
		// signature that verifies over the digest is accepted.
		if p7, perr := pkcs7.Parse(parsed.pkcs7Blob); perr == nil {
			if s := p7.GetOnlySigner(); s != nil {
				anchors = [][]byte{s.Raw}
			}
		}
	}

	// Step 4: verify PKCS#7 signed-data against the digest.
	signer, verifyErr := verifyPKCS7(parsed.pkcs7Blob, digest, anchors)

	if verifyErr != nil {
		if !e.authEnforce {
			// Step 5: permissive mode still enforces monotonicity
			// (already checked above) but treats a signature failure
			// as success, logging the fact.
			log.WithError(verifyErr).WithField("variable", wire.NameToString(name)).
				Warn("authenticated write signature rejected but auth_enforce is disabled; allowing")
			return &VerifyResult{Timestamp: parsed.timestamp, Content: parsed.content}, nil
		}
		return nil, efistatus.Newf(efistatus.SecurityViolation, "authentication failed: %v", verifyErr)
	}
	if !anchorsKnown {
		// No trust anchors exist yet for this identity (e.g. PK in
		// Setup mode): any syntactically valid signature is accepted,
		// as specified for PK bootstrap; signer is cached for TOFU.
		log.WithField("variable", wire.NameToString(name)).Debug("accepting write with no established trust anchor (bootstrap)")
	}

	return &VerifyResult{Timestamp: parsed.timestamp, Content: parsed.content, Signer: signer}, nil
}

func buildDigest(name []uint16, vendor wire.GUID, attrs varstore.Attr, ts wire.EFITime, content []byte) []byte {
	var buf bytes.Buffer
	for _, u := range name {
		buf.WriteByte(byte(u))
		buf.WriteByte(byte(u >> 8))
	}
	gc := wire.NewCursor(make([]byte, 16))
	_ = gc.WriteGUID(vendor)
	buf.Write(gc.Bytes())
	attrBuf := make([]byte, 4)
	attrBuf[0] = byte(attrs)
	attrBuf[1] = byte(attrs >> 8)
	attrBuf[2] = byte(attrs >> 16)
	attrBuf[3] = byte(attrs >> 24)
	buf.Write(attrBuf)
	buf.Write(wire.EncodeEFITime(ts))
	buf.Write(content)
	return buf.Bytes()
}

// trustAnchors returns the set of certificates that may sign a write
// to (name, vendor), and whether any anchors currently exist (false
// for first-time PK bootstrap in Setup mode, which accepts any
// signature).
func (e *Engine) trustAnchors(name []uint16, vendor wire.GUID, existing *varstore.Variable) ([][]byte, bool) {
	isGlobal := vendor == wire.GlobalVariableGUID
	nameStr := wire.NameToString(name)

	switch {
	case isGlobal && nameStr == "PK":
		pk := e.store.Lookup(NamePK, wire.GlobalVariableGUID)
		if pk == nil {
			if e.mode == Setup {
				return nil, false
			}
			return nil, true // no anchors, not bootstrap: rejects everything
		}
		return [][]byte{pk.Cert}, true

	case isGlobal && nameStr == "KEK":
		pk := e.store.Lookup(NamePK, wire.GlobalVariableGUID)
		if pk == nil {
			return nil, true
		}
		return [][]byte{pk.Cert}, true

	case vendor == wire.ImageSecurityDatabaseGUID && imageSecurityVar(name):
		var anchors [][]byte
		if pk := e.store.Lookup(NamePK, wire.GlobalVariableGUID); pk != nil && len(pk.Cert) > 0 {
			anchors = append(anchors, pk.Cert)
		}
		anchors = append(anchors, kekCerts(e.store)...)
		return anchors, true

	default:
		var anchors [][]byte
		if pk := e.store.Lookup(NamePK, wire.GlobalVariableGUID); pk != nil && len(pk.Cert) > 0 {
			anchors = append(anchors, pk.Cert)
		}
		anchors = append(anchors, kekCerts(e.store)...)
		if existing != nil && len(existing.Cert) > 0 {
			anchors = append(anchors, existing.Cert)
		}
		return anchors, true
	}
}

// kekCerts extracts the individual certificates stored in the KEK
// signature database (EFI_SIGNATURE_LIST format is out of scope for
// parsing here beyond treating the stored KEK payload as a
// concatenation of DER certificates, consistent with how db/dbx are
// authored in this service's bootstrap data).
func kekCerts(store *varstore.Store) [][]byte {
	kek := store.Lookup(NameKEK, wire.GlobalVariableGUID)
	if kek == nil || len(kek.Data) == 0 {
		return nil
	}
	certs, err := x509.ParseCertificates(kek.Data)
	if err != nil {
		// Not a bare DER chain; fall back to treating the whole blob
		// as a single trust anchor.
		return [][]byte{kek.Data}
	}
	out := make([][]byte, 0, len(certs))
	for _, c := range certs {
		out = append(out, c.Raw)
	}
	return out
}

// verifyPKCS7 parses blob as a detached PKCS#7 signed-data structure
// over digest and checks the signature against one of anchors. It
// returns the DER-encoded signer certificate on success.
func verifyPKCS7(blob, digest []byte, anchors [][]byte) ([]byte, error) {
	p7, err := pkcs7.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#7: %w", err)
	}
	p7.Content = digest

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("no signer certificate in PKCS#7 blob")
	}

	if len(anchors) == 0 {
		return nil, fmt.Errorf("no trust anchor established for this variable")
	}
	trusted := false
	for _, a := range anchors {
		if bytes.Equal(a, signer.Raw) {
			trusted = true
			break
		}
		if ac, aerr := x509.ParseCertificate(a); aerr == nil {
			if err := signer.CheckSignatureFrom(ac); err == nil {
				trusted = true
				break
			}
		}
	}
	if !trusted {
		return nil, fmt.Errorf("signer certificate is not a recognized trust anchor")
	}

	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("PKCS#7 signature verification failed: %w", err)
	}

	return signer.Raw, nil
}

// CheckDelete reports whether deleting (name, vendor) is currently
// permitted by the secure-boot mode machine. It performs no mutation
// and must be called, and its error handled, before the caller commits
// a delete to the store: PK may not be cleared while SecureBootState
// is Deployed (§4.3), and a store mutation that already happened
// cannot be un-done once Transition discovers the violation after the
// fact.
func (e *Engine) CheckDelete(name []uint16, vendor wire.GUID) error {
	if vendor != wire.GlobalVariableGUID {
		return nil
	}
	if wire.NameToString(name) == "PK" && e.mode == Deployed {
		return efistatus.New(efistatus.WriteProtected, "cannot clear PK while Deployed")
	}
	return nil
}

// Transition applies the secure-boot mode side effects of a write
// that just completed (§4.3 "Secure-boot mode transitions"). It must
// be called after the write is committed to the store, and only after
// CheckDelete (for a delete) has already confirmed the mutation is
// legal. set indicates whether the variable now exists with non-empty
// data (false for a delete).
func (e *Engine) Transition(name []uint16, vendor wire.GUID, set bool) error {
	if vendor != wire.GlobalVariableGUID {
		e.recomputeMode()
		return nil
	}
	nameStr := wire.NameToString(name)
	prev := e.mode
	switch nameStr {
	case "PK":
		if set && prev == Setup {
			e.mode = User
			log.Info("secure-boot mode transition: Setup -> User (PK installed)")
		} else if !set {
			if prev == Deployed {
				return efistatus.New(efistatus.WriteProtected, "cannot clear PK while Deployed")
			}
			e.mode = Setup
			log.Info("secure-boot mode transition: -> Setup (PK cleared)")
		}
	case "AuditMode":
		if prev == Setup && set {
			e.mode = Audit
			log.Info("secure-boot mode transition: Setup -> Audit")
		}
	case "DeployedMode":
		if prev == User && set {
			e.mode = Deployed
			log.Info("secure-boot mode transition: User -> Deployed")
		}
	}
	e.recomputeMode()
	return nil
}
