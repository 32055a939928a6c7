// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command varstored is the UEFI variable runtime service: it binds
// the lifecycle supervisor, command handler, auth engine, and a
// persistence backend together behind the CLI surface named in
// spec.md §6, grounded on cli/main.go's urfave/cli App construction.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/xcp-ng/varstored/pkg/auth"
	"github.com/xcp-ng/varstored/pkg/backend"
	"github.com/xcp-ng/varstored/pkg/command"
	"github.com/xcp-ng/varstored/pkg/keys"
	"github.com/xcp-ng/varstored/pkg/lifecycle"
	"github.com/xcp-ng/varstored/pkg/signals"
	"github.com/xcp-ng/varstored/pkg/xsclient"
)

var log = logrus.WithField("subsystem", "main")

// defaultTrapAddress is the PIO base address the service registers
// with the I/O-request server; it is a fixed protocol constant shared
// with the guest firmware build, not a runtime option.
const defaultTrapAddress = 0x100

func main() {
	app := cli.NewApp()
	app.Name = "varstored"
	app.Usage = "UEFI non-volatile variable runtime service"
	app.Flags = []cli.Flag{
		cli.UintFlag{Name: "domain", Usage: "guest domain identifier (required)"},
		cli.BoolFlag{Name: "resume", Usage: "restore from a prior snapshot instead of initializing fresh"},
		cli.BoolFlag{Name: "nonpersistent", Usage: "disable durable writes; hold the store in memory only"},
		cli.StringFlag{Name: "pidfile", Usage: "exclusive-lock pidfile path"},
		cli.StringFlag{Name: "backend", Value: "xapidb", Usage: "persistence backend name"},
		cli.StringSliceFlag{Name: "arg", Usage: "key:value argument forwarded to the backend's parse_arg"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level (trace, debug, info, warn, error)"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "log format (text, json)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("fatal error")
		if ue, ok := err.(usageError); ok && ue.usage {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks an error as a CLI usage failure, mapped to exit
// code 2 per spec.md §6.
type usageError struct {
	error
	usage bool
}

func newUsageError(format string, args ...interface{}) error {
	return usageError{error: fmt.Errorf(format, args...), usage: true}
}

func run(c *cli.Context) error {
	configureLogging(c.String("log-level"), c.String("log-format"))

	if !c.IsSet("domain") {
		cli.ShowAppHelp(c)
		return newUsageError("--domain is required")
	}
	domid := uint32(c.Uint("domain"))

	be, err := buildBackend(c)
	if err != nil {
		return err
	}
	if !be.CheckArgs() {
		return newUsageError("missing required --arg for backend %q", c.String("backend"))
	}

	xs := xsclient.NewMemory()

	hv := lifecycle.NewFakeHypervisor(1)
	sup := lifecycle.New(hv, lifecycle.Config{
		Domid:       domid,
		TrapAddress: defaultTrapAddress,
		Backend:     be,
		Pidfile:     c.String("pidfile"),
		XS:          xs,
		Provisioner: &keys.Provisioner{},
	})

	ctx := context.Background()
	if err := sup.Initialize(ctx, c.Bool("resume")); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	engine := auth.NewEngine(sup.Store, sup.Settings.SecureBootEnable, sup.Settings.AuthEnforce)
	handler := &command.Handler{
		Store:            sup.Store,
		Auth:             engine,
		Backend:          be,
		SecureBootEnable: sup.Settings.SecureBootEnable,
		AuthEnforce:      sup.Settings.AuthEnforce,
	}
	sup.Dispatcher.Handler = handler

	runMainLoop(ctx, sup, hv)
	return nil
}

func buildBackend(c *cli.Context) (backend.Backend, error) {
	var be backend.Backend
	if c.Bool("nonpersistent") {
		be = backend.NewMemory()
	} else {
		switch name := c.String("backend"); name {
		case "xapidb":
			be = backend.NewDurable()
		default:
			return nil, newUsageError("unknown backend %q", name)
		}
	}

	for _, kv := range c.StringSlice("arg") {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 {
			return nil, newUsageError("malformed --arg %q, expected key:value", kv)
		}
		if !be.ParseArg(parts[0], parts[1]) {
			return nil, newUsageError("backend does not recognize arg key %q", parts[0])
		}
	}
	return be, nil
}

// runMainLoop services both rings until a SIGTERM asks the loop to
// stop. A stop is acted on as soon as it arrives; the rings are
// polled once every 5 seconds, on each tick, since there is no
// event-channel wait to wake the loop earlier.
func runMainLoop(ctx context.Context, sup *lifecycle.Supervisor, hv *lifecycle.FakeHypervisor) {
	stopCh, shutdownErr, stopSignals := signals.Notify(func(sig syscall.Signal) error {
		return sup.Teardown(ctx)
	})
	defer stopSignals()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			if err := shutdownErr(); err != nil {
				log.WithError(err).Error("clean shutdown failed to save backend state")
				os.Exit(1)
			}
			log.Info("main loop exiting after clean shutdown")
			return
		case <-ticker.C:
			sup.Dispatcher.PollBuffered()
			for i := 0; i < hv.Vcpus; i++ {
				if err := sup.Dispatcher.PollSync(i); err != nil {
					log.WithError(err).WithField("vcpu", i).Warn("error servicing synchronous ring")
				}
			}
		}
	}
}

func configureLogging(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{})
	}

	log.WithField("level", lvl).WithField("format", format).Info("varstored starting")
}
