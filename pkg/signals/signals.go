// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package signals implements the handled-signal table and shutdown
// plumbing: SIGTERM, SIGINT, SIGHUP and SIGABRT trigger a graceful
// teardown, after which SIGTERM stops the main loop and the others
// exit the process; SIGUSR1 is accepted and logged but otherwise a
// no-op, and the fatal set triggers a backtrace before the process
// dies.
package signals

import (
	"bytes"
	"os"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "signals")

// SetLogger overrides the package logger for callers that want a
// differently tagged entry.
func SetLogger(logger *logrus.Entry) {
	log = logger
}

// ShutdownCb is invoked exactly once, from the signal goroutine, the
// first time a terminating signal (SIGTERM, SIGINT, SIGHUP or SIGABRT)
// is observed. It must perform the reverse-order lifecycle teardown (§4.6) and is
// expected not to block indefinitely. A non-nil return reports that
// the backend failed to save on the way down, per spec.md §7.8 ("a
// failing save on a clean shutdown path is reported via exit code 1
// only").
type ShutdownCb func(sig syscall.Signal) error

// handledSignalsMap records every signal this package acts on: true
// marks a signal fatal (backtrace then exit), false marks it
// recognized-but-survived. TERM/INT/HUP/ABRT all trigger teardown
// rather than an immediate crash dump — ABRT included, since a
// security-agent process should tear down its hypervisor hooks
// cleanly even when asked to abort.
var handledSignalsMap = map[syscall.Signal]bool{
	syscall.SIGBUS:  true,
	syscall.SIGILL:  true,
	syscall.SIGSEGV: true,
	syscall.SIGSYS:  true,
	syscall.SIGTRAP: true,
	syscall.SIGUSR1: false,
	syscall.SIGTERM: false,
	syscall.SIGINT:  false,
	syscall.SIGHUP:  false,
	syscall.SIGABRT: false,
}

// ShutdownSignals is the set that triggers teardown. SIGTERM
// additionally stops the main loop rather than exiting the process
// directly; the others exit once teardown completes, with code 0, or
// 1 if the shutdown callback returned an error.
var ShutdownSignals = map[syscall.Signal]bool{
	syscall.SIGTERM: true,
	syscall.SIGINT:  true,
	syscall.SIGHUP:  true,
	syscall.SIGABRT: true,
}

// FatalSignal reports whether sig should abort the process.
func FatalSignal(sig syscall.Signal) bool {
	fatal, ok := handledSignalsMap[sig]
	return ok && fatal
}

// HandledSignals returns every signal this package's Notify loop acts on.
func HandledSignals() []syscall.Signal {
	out := make([]syscall.Signal, 0, len(handledSignalsMap))
	for s := range handledSignalsMap {
		out = append(out, s)
	}
	return out
}

// Backtrace writes a full goroutine stack dump to the log, one line
// per log entry.
func Backtrace() {
	var buf bytes.Buffer
	for _, p := range pprof.Profiles() {
		pprof.Lookup(p.Name()).WriteTo(&buf, 2)
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		if line != "" {
			log.Error(line)
		}
	}
}

// Die logs a backtrace and terminates the process with exit code 1,
// reserved for an internal invariant violation.
func Die() {
	Backtrace()
	os.Exit(1)
}
