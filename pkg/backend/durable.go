// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

var log = logrus.WithField("subsystem", "backend")

// ErrBucketNotFound is returned internally when the schema bucket has
// not yet been created; it surfaces as InitFirstBoot rather than an
// error to callers of Init.
var ErrBucketNotFound = errors.New("bucket not found")

// Durable is the persistent backend, standing in for the "xapidb"
// backend: it serializes the full store to a single blob value in an
// embedded database, matching the orchestration-database contract
// that a subsequent process invoking resume after a successful save
// observes the exact same variable store contents.
type Durable struct {
	path string
	db   *bolt.DB
}

// NewDurable returns a Durable backend that will open its database
// file at path once required arguments are supplied via ParseArg and
// validated via CheckArgs, matching the original service's --arg
// plumbing ("db-path:<path>").
func NewDurable() *Durable {
	return &Durable{}
}

// defaultDBDir is where a bare "uuid" argument resolves its database
// file, matching the companion tool's convention of addressing a VM
// by UUID rather than by an explicit path (tools/varstore-get.c's
// `db->parse_arg("uuid", argv[optind])`).
const defaultDBDir = "/var/lib/varstored"

func (d *Durable) ParseArg(key, value string) bool {
	switch key {
	case "db-path":
		d.path = value
		return true
	case "uuid":
		d.path = defaultDBDir + "/" + value + ".db"
		return true
	default:
		return false
	}
}

func (d *Durable) CheckArgs() bool {
	return d.path != ""
}

func (d *Durable) open() error {
	if d.db != nil {
		return nil
	}
	db, err := bolt.Open(d.path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "opening durable backend database at %s", d.path)
	}
	d.db = db
	return nil
}

func (d *Durable) Init(store *varstore.Store) (InitStatus, error) {
	if err := d.open(); err != nil {
		return InitFailure, err
	}

	var blob []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		bkt := getStoreBucket(tx)
		if bkt == nil {
			return ErrBucketNotFound
		}
		v := bkt.Get(keySnapshot)
		if v == nil {
			return ErrBucketNotFound
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, ErrBucketNotFound) {
		log.Info("no prior durable snapshot found; first boot")
		return InitFirstBoot, nil
	}
	if err != nil {
		return InitFailure, err
	}

	vars, err := DecodeSnapshot(blob)
	if err != nil {
		return InitFailure, errors.Wrap(err, "decoding durable snapshot")
	}
	store.Load(vars)
	return InitSuccess, nil
}

func (d *Durable) Resume(store *varstore.Store) error {
	status, err := d.Init(store)
	if err != nil {
		return err
	}
	if status == InitFirstBoot {
		return fmt.Errorf("resume requested but no prior snapshot exists at %s", d.path)
	}
	return nil
}

func (d *Durable) Save(store *varstore.Store) error {
	if err := d.open(); err != nil {
		return err
	}
	blob := EncodeSnapshot(store.Snapshot())
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := createStoreBucket(tx)
		if err != nil {
			return err
		}
		return bkt.Put(keySnapshot, blob)
	})
	if err != nil {
		return errors.Wrap(err, "saving durable snapshot")
	}
	log.WithField("variables", store.Len()).Info("saved durable snapshot")
	return nil
}

func (d *Durable) NotifySetVariable(name []uint16, vendor wire.GUID, attrs varstore.Attr, ts wire.EFITime, data []byte) {
	log.WithFields(logrus.Fields{
		"variable": wire.NameToString(name),
		"vendor":   vendor.String(),
	}).Trace("set_variable notification")
}

// Close releases the underlying database handle, if open.
func (d *Durable) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}
