// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package signals

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Notify starts a goroutine that watches every handled signal. Each of
// TERM/INT/HUP/ABRT invokes shutdown exactly once; a repeat while
// teardown is still running is logged rather than re-entering it.
// After shutdown returns, SIGTERM lets the caller's main loop exit on
// its own (signaled via the returned stop channel's closing) and the
// shutdown error it observed is available from shutdownErr, so the
// caller can set its own exit code; the other three signals call
// os.Exit directly, matching varstored_sigterm()'s two branches, with
// the exit code reflecting whether shutdown reported an error. SIGUSR1
// is logged and otherwise ignored; the crash set calls Die().
// MainLoopStop is closed exactly once, on the first SIGTERM.
func Notify(shutdown ShutdownCb) (mainLoopStop <-chan struct{}, shutdownErr func() error, stop func()) {
	sigCh := make(chan os.Signal, 8)
	watched := make([]os.Signal, 0, len(handledSignalsMap))
	for s := range handledSignalsMap {
		watched = append(watched, s)
	}
	signal.Notify(sigCh, watched...)

	done := make(chan struct{})
	stopCh := make(chan struct{})
	shutdownOnce := make(chan struct{}, 1)
	shutdownOnce <- struct{}{}

	var mu sync.Mutex
	var lastErr error

	go func() {
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				s := sig.(syscall.Signal)
				switch {
				case ShutdownSignals[s]:
					select {
					case <-shutdownOnce:
						log.WithField("signal", s).Info("received shutdown signal")
						err := shutdown(s)
						mu.Lock()
						lastErr = err
						mu.Unlock()
						if err != nil {
							log.WithError(err).Warn("shutdown completed with an error")
						}
						if s == syscall.SIGTERM {
							close(stopCh)
						} else if err != nil {
							os.Exit(1)
						} else {
							os.Exit(0)
						}
					default:
						log.WithField("signal", s).Warn("received repeat shutdown signal during teardown")
					}
				case s == syscall.SIGUSR1:
					log.WithField("signal", s).Info("received SIGUSR1 (no-op)")
				case FatalSignal(s):
					log.WithField("signal", s).Error("received fatal signal")
					Die()
				default:
					log.WithField("signal", s).Debug("received unhandled signal")
				}
			case <-done:
				return
			}
		}
	}()

	errFn := func() error {
		mu.Lock()
		defer mu.Unlock()
		return lastErr
	}
	stopFn := func() {
		close(done)
		signal.Stop(sigCh)
	}
	return stopCh, errFn, stopFn
}
