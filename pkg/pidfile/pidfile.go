// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package pidfile implements exclusive-lock pidfile creation and
// publication of the process id to the orchestration store, grounded
// on create_pidfile()/xs_write_pid() in the original service.
package pidfile

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xcp-ng/varstored/pkg/xsclient"
)

var log = logrus.WithField("subsystem", "pidfile")

// File is a created, locked pidfile. The lock is held for the
// lifetime of the process; Close releases it and closes the
// underlying descriptor, but never removes the file (matching the
// original service, which "leaves the pid file open and locked").
type File struct {
	f *os.File
}

// Create opens path, truncating and creating it if necessary, takes
// an exclusive non-blocking advisory lock, and writes the calling
// process's pid followed by a newline. It fails if the file is
// already locked by another process.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pidfile %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "locking pidfile %s", path)
	}

	pid := fmt.Sprintf("%d\n", os.Getpid())
	if _, err := f.WriteString(pid); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "writing pidfile %s", path)
	}

	log.WithField("path", path).WithField("pid", os.Getpid()).Info("created pidfile")
	return &File{f: f}, nil
}

// Close releases the advisory lock and closes the underlying
// descriptor. The file itself is left in place.
func (p *File) Close() error {
	if p == nil || p.f == nil {
		return nil
	}
	return p.f.Close()
}

// PublishPid writes this process's pid to the orchestration store at
// the per-domain varstored-pid key, matching xs_write_pid().
func PublishPid(c xsclient.Client, domid uint32) error {
	path := xsclient.PidPath(domid)
	pid := fmt.Sprintf("%d", os.Getpid())
	if err := c.Write(path, pid); err != nil {
		return errors.Wrapf(err, "publishing pid to %s", path)
	}
	log.WithField("path", path).WithField("pid", pid).Debug("published pid to orchestration store")
	return nil
}

// RetractPid removes the varstored-pid key, matching the teardown
// behavior in the original service's signal/exit path ("Couldn't
// remove varstore pid from xenstore" is logged, not fatal, on
// failure).
func RetractPid(c xsclient.Client, domid uint32) {
	path := xsclient.PidPath(domid)
	if err := c.Remove(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to remove pid from orchestration store")
	}
}
