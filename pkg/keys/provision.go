// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package keys implements first-boot provisioning of the secure-boot
// key hierarchy and the bootstrap variables UEFI firmware expects to
// find even before any key is enrolled (§4.8, recovered from
// setup_variables()/setup_keys() in the original service).
package keys

import (
	"github.com/sirupsen/logrus"

	"github.com/xcp-ng/varstored/pkg/auth"
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

var log = logrus.WithField("subsystem", "keys")

// SeedVariable is one vendor-supplied variable installed at first
// boot: either a member of the key hierarchy (PK/KEK/db/dbx/dbt/dbr)
// or a bootstrap mode variable.
type SeedVariable struct {
	Name   []uint16
	Vendor wire.GUID
	Attrs  varstore.Attr
	Data   []byte
}

// BootstrapVariables returns the non-key bootstrap variables
// recovered from setup_variables(): SecureBootEnable, CustomMode,
// SetupMode, AuditMode, DeployedMode. These carry BOOTSERVICE|RUNTIME
// access and no authentication, matching how UEFI firmware queries
// secure-boot status before any key material exists.
func BootstrapVariables() []SeedVariable {
	rtbs := varstore.BootserviceAccess | varstore.RuntimeAccess
	return []SeedVariable{
		{Name: wire.NameFromString("SetupMode"), Vendor: wire.GlobalVariableGUID, Attrs: rtbs, Data: []byte{1}},
		{Name: auth.NameAuditMode, Vendor: wire.GlobalVariableGUID, Attrs: rtbs, Data: []byte{0}},
		{Name: auth.NameDeployedMode, Vendor: wire.GlobalVariableGUID, Attrs: rtbs, Data: []byte{0}},
		{Name: wire.NameFromString("SecureBootEnable"), Vendor: wire.GlobalVariableGUID,
			Attrs: varstore.NonVolatile | rtbs, Data: []byte{0}},
		{Name: wire.NameFromString("CustomMode"), Vendor: wire.GlobalVariableGUID,
			Attrs: varstore.NonVolatile | rtbs, Data: []byte{0}},
	}
}

// Provisioner installs vendor-supplied key material the first time
// the backend reports InitFirstBoot.
type Provisioner struct {
	// PK, KEK, DB, DBX, DBT, DBR hold the DER-encoded signature-list
	// payloads for each member of the key hierarchy. A nil/empty PK
	// leaves the store in Setup mode (no vendor keys configured).
	PK, KEK, DB, DBX, DBT, DBR []byte
}

// Provision installs the bootstrap variables and, if configured, the
// vendor key hierarchy into store. It is called exactly once, only
// when Backend.Init returns InitFirstBoot.
func (p *Provisioner) Provision(store *varstore.Store) error {
	var zero wire.EFITime

	for _, bv := range BootstrapVariables() {
		if err := store.Upsert(bv.Name, bv.Vendor, bv.Attrs, zero, bv.Data); err != nil {
			return err
		}
	}

	install := func(name []uint16, vendor wire.GUID, data []byte) error {
		if len(data) == 0 {
			return nil
		}
		attrs := varstore.NonVolatile | varstore.BootserviceAccess | varstore.RuntimeAccess | varstore.TimeBasedAuthWriteAccess
		if err := store.Upsert(name, vendor, attrs, zero, data); err != nil {
			return err
		}
		store.SetCert(name, vendor, data)
		log.WithField("variable", wire.NameToString(name)).Info("installed vendor key at first boot")
		return nil
	}

	if err := install(auth.NamePK, wire.GlobalVariableGUID, p.PK); err != nil {
		return err
	}
	if err := install(auth.NameKEK, wire.GlobalVariableGUID, p.KEK); err != nil {
		return err
	}
	if err := install(auth.NameDB, wire.ImageSecurityDatabaseGUID, p.DB); err != nil {
		return err
	}
	if err := install(auth.NameDBX, wire.ImageSecurityDatabaseGUID, p.DBX); err != nil {
		return err
	}
	if err := install(auth.NameDBT, wire.ImageSecurityDatabaseGUID, p.DBT); err != nil {
		return err
	}
	if err := install(auth.NameDBR, wire.ImageSecurityDatabaseGUID, p.DBR); err != nil {
		return err
	}

	return nil
}
