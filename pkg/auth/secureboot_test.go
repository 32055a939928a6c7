// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/xcp-ng/varstored/pkg/efistatus"
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

func TestModeStartsInSetupWithoutPK(t *testing.T) {
	store := varstore.New()
	e := NewEngine(store, true, true)
	assert.Equal(t, Setup, e.Mode())
}

func TestTransitionSetupToUserOnPKInstall(t *testing.T) {
	store := varstore.New()
	e := NewEngine(store, true, true)

	require.NoError(t, store.Upsert(NamePK, wire.GlobalVariableGUID,
		varstore.NonVolatile|varstore.BootserviceAccess|varstore.RuntimeAccess|varstore.TimeBasedAuthWriteAccess,
		wire.EFITime{}, []byte("pk")))
	require.NoError(t, e.Transition(NamePK, wire.GlobalVariableGUID, true))
	assert.Equal(t, User, e.Mode())
}

func TestCheckDeleteClearingPKWhileDeployedIsRejected(t *testing.T) {
	store := varstore.New()
	e := NewEngine(store, true, true)
	require.NoError(t, store.Upsert(NamePK, wire.GlobalVariableGUID,
		varstore.BootserviceAccess|varstore.RuntimeAccess, wire.EFITime{}, []byte("pk")))
	require.NoError(t, e.Transition(NamePK, wire.GlobalVariableGUID, true))
	require.NoError(t, store.Upsert(NameDeployedMode, wire.GlobalVariableGUID,
		varstore.BootserviceAccess|varstore.RuntimeAccess, wire.EFITime{}, []byte{1}))
	require.NoError(t, e.Transition(NameDeployedMode, wire.GlobalVariableGUID, true))
	require.Equal(t, Deployed, e.Mode())

	// CheckDelete must run, and be obeyed, before any store mutation:
	// a command handler that honors its error never calls store.Remove
	// in the first place.
	err := e.CheckDelete(NamePK, wire.GlobalVariableGUID)
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.WriteProtected, se.Code)

	assert.NotNil(t, store.Lookup(NamePK, wire.GlobalVariableGUID), "PK must remain in place when the delete is rejected")
	assert.Equal(t, Deployed, e.Mode(), "secure-boot mode must be unaffected by a rejected delete")
}

// selfSignedCert issues a fresh RSA key and self-signed certificate,
// standing in for the vendor-supplied signer used to bootstrap PK.
func selfSignedCert(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test signer"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func signAuth2Payload(t *testing.T, cert *x509.Certificate, key *rsa.PrivateKey, ts wire.EFITime,
	name []uint16, vendor wire.GUID, attrs varstore.Attr, content []byte) []byte {
	t.Helper()

	digest := buildDigest(name, vendor, attrs, ts, content)

	sd, err := pkcs7.NewSignedData(digest)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	sd.Detach()
	blob, err := sd.Finish()
	require.NoError(t, err)

	var payload []byte
	payload = append(payload, wire.EncodeEFITime(ts)...)

	hdr := make([]byte, 8)
	dwLength := uint32(winCertHdrSize + len(blob))
	hdr[0] = byte(dwLength)
	hdr[1] = byte(dwLength >> 8)
	hdr[2] = byte(dwLength >> 16)
	hdr[3] = byte(dwLength >> 24)
	hdr[4] = byte(winCertRevision)
	hdr[5] = byte(winCertRevision >> 8)
	hdr[6] = byte(winCertTypePKCS7)
	hdr[7] = byte(winCertTypePKCS7 >> 8)
	payload = append(payload, hdr...)

	gc := wire.NewCursor(make([]byte, 16))
	require.NoError(t, gc.WriteGUID(efiCertTypePKCS7GUID))
	payload = append(payload, gc.Bytes()...)

	payload = append(payload, blob...)
	payload = append(payload, content...)
	return payload
}

func TestVerifyAuthenticatedWriteBootstrapsPKWithAnySignature(t *testing.T) {
	store := varstore.New()
	e := NewEngine(store, true, true)
	cert, key := selfSignedCert(t)

	ts := wire.EFITime{Year: 2024, Month: 1, Day: 1}
	attrs := varstore.NonVolatile | varstore.BootserviceAccess | varstore.RuntimeAccess | varstore.TimeBasedAuthWriteAccess
	payload := signAuth2Payload(t, cert, key, ts, NamePK, wire.GlobalVariableGUID, attrs, []byte("pk-data"))

	res, err := e.VerifyAuthenticatedWrite(NamePK, wire.GlobalVariableGUID, attrs, payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("pk-data"), res.Content)
	assert.Equal(t, cert.Raw, res.Signer)
}

func TestVerifyAuthenticatedWriteRejectsStaleTimestamp(t *testing.T) {
	store := varstore.New()
	e := NewEngine(store, true, true)
	cert, key := selfSignedCert(t)

	attrs := varstore.NonVolatile | varstore.BootserviceAccess | varstore.RuntimeAccess | varstore.TimeBasedAuthWriteAccess
	first := wire.EFITime{Year: 2024, Month: 6, Day: 2}
	payload1 := signAuth2Payload(t, cert, key, first, NamePK, wire.GlobalVariableGUID, attrs, []byte("v1"))
	res, err := e.VerifyAuthenticatedWrite(NamePK, wire.GlobalVariableGUID, attrs, payload1)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(NamePK, wire.GlobalVariableGUID, attrs, res.Timestamp, res.Content))
	store.SetCert(NamePK, wire.GlobalVariableGUID, res.Signer)

	stale := wire.EFITime{Year: 2024, Month: 6, Day: 1}
	payload2 := signAuth2Payload(t, cert, key, stale, NamePK, wire.GlobalVariableGUID, attrs, []byte("v2"))
	_, err = e.VerifyAuthenticatedWrite(NamePK, wire.GlobalVariableGUID, attrs, payload2)
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.SecurityViolation, se.Code)
}

func TestVerifyAuthenticatedWriteRejectsUntrustedSignerWhenEnforced(t *testing.T) {
	store := varstore.New()
	e := NewEngine(store, true, true)
	pkCert, pkKey := selfSignedCert(t)
	otherCert, otherKey := selfSignedCert(t)

	attrs := varstore.NonVolatile | varstore.BootserviceAccess | varstore.RuntimeAccess | varstore.TimeBasedAuthWriteAccess
	ts := wire.EFITime{Year: 2024, Month: 1, Day: 1}
	payload := signAuth2Payload(t, pkCert, pkKey, ts, NamePK, wire.GlobalVariableGUID, attrs, []byte("pk-data"))
	res, err := e.VerifyAuthenticatedWrite(NamePK, wire.GlobalVariableGUID, attrs, payload)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(NamePK, wire.GlobalVariableGUID, attrs, res.Timestamp, res.Content))
	store.SetCert(NamePK, wire.GlobalVariableGUID, res.Signer)
	require.NoError(t, e.Transition(NamePK, wire.GlobalVariableGUID, true))

	dbAttrs := varstore.NonVolatile | varstore.BootserviceAccess | varstore.RuntimeAccess | varstore.TimeBasedAuthWriteAccess
	dbPayload := signAuth2Payload(t, otherCert, otherKey, ts, NameDB, wire.ImageSecurityDatabaseGUID, dbAttrs, []byte("evil"))
	_, err = e.VerifyAuthenticatedWrite(NameDB, wire.ImageSecurityDatabaseGUID, dbAttrs, dbPayload)
	se, ok := efistatus.As(err)
	require.True(t, ok)
	assert.Equal(t, efistatus.SecurityViolation, se.Code)
}

func TestVerifyAuthenticatedWritePermissiveModeAllowsUntrustedSigner(t *testing.T) {
	store := varstore.New()
	e := NewEngine(store, true, false) // authEnforce=false
	pkCert, pkKey := selfSignedCert(t)
	otherCert, otherKey := selfSignedCert(t)

	attrs := varstore.NonVolatile | varstore.BootserviceAccess | varstore.RuntimeAccess | varstore.TimeBasedAuthWriteAccess
	ts := wire.EFITime{Year: 2024, Month: 1, Day: 1}
	payload := signAuth2Payload(t, pkCert, pkKey, ts, NamePK, wire.GlobalVariableGUID, attrs, []byte("pk-data"))
	res, err := e.VerifyAuthenticatedWrite(NamePK, wire.GlobalVariableGUID, attrs, payload)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(NamePK, wire.GlobalVariableGUID, attrs, res.Timestamp, res.Content))
	store.SetCert(NamePK, wire.GlobalVariableGUID, res.Signer)
	require.NoError(t, e.Transition(NamePK, wire.GlobalVariableGUID, true))

	dbPayload := signAuth2Payload(t, otherCert, otherKey, ts, NameDB, wire.ImageSecurityDatabaseGUID, attrs, []byte("unsigned-by-pk"))
	res2, err := e.VerifyAuthenticatedWrite(NameDB, wire.ImageSecurityDatabaseGUID, attrs, dbPayload)
	require.NoError(t, err)
	assert.Equal(t, []byte("unsigned-by-pk"), res2.Content)
}
