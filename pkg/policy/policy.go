// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package policy reads the two startup policy booleans from the
// orchestration store, grounded on initialize_settings() in the
// original service: whether secure boot is enabled for this guest, and
// whether authenticated-write verification is enforced or merely
// logged.
package policy

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xcp-ng/varstored/pkg/xsclient"
)

var log = logrus.WithField("subsystem", "policy")

// Settings is the pair of booleans read once at startup and held
// fixed for the lifetime of the process; the original service has no
// mechanism for observing a change to these keys after initialization.
type Settings struct {
	SecureBootEnable bool
	AuthEnforce      bool
}

// Load reads Settings for domid from c. Matching initialize_settings,
// secureboot defaults to false when the key is absent (an unreadable
// value is treated the same as "false"), while auth-enforce defaults
// to true when absent (permissive mode must be explicitly requested).
func Load(c xsclient.Client, domid uint32) (Settings, error) {
	secureBoot, err := xsclient.ReadBool(c, xsclient.PlatformSecureBootPath(domid), "true", false)
	if err != nil {
		return Settings{}, errors.Wrap(err, "reading secure-boot policy")
	}

	authEnforceRaw, present, err := c.Read(xsclient.PlatformAuthEnforcePath(domid))
	if err != nil {
		return Settings{}, errors.Wrap(err, "reading auth-enforce policy")
	}
	authEnforce := !present || authEnforceRaw != "false"

	s := Settings{SecureBootEnable: secureBoot, AuthEnforce: authEnforce}
	if s.SecureBootEnable {
		log.Info("secure boot policy: enabled")
	} else {
		log.Info("secure boot policy: disabled")
	}
	if s.AuthEnforce {
		log.Info("authenticated variables: enforcing")
	} else {
		log.Info("authenticated variables: permissive")
	}
	return s, nil
}
