// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command varstore-get is the companion inspection tool recovered
// from tools/varstore-get.c: it loads a guest's persisted variable
// store by VM UUID and prints one variable's data (or, with -a, its
// attribute flags) to standard output, dispatching through the exact
// same command.Handler path the service itself uses.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/xcp-ng/varstored/pkg/auth"
	"github.com/xcp-ng/varstored/pkg/backend"
	"github.com/xcp-ng/varstored/pkg/command"
	"github.com/xcp-ng/varstored/pkg/varstore"
	"github.com/xcp-ng/varstored/pkg/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-a] [-h] <vm-uuid> <guid> <name>\n", os.Args[0])
}

func main() {
	os.Exit(run())
}

func run() int {
	showAttr := flag.Bool("a", false, "print attribute flags instead of data")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 3 {
		usage()
		return 1
	}
	vmUUID, guidStr, name := flag.Arg(0), flag.Arg(1), flag.Arg(2)
	if _, err := uuid.Parse(vmUUID); err != nil {
		fmt.Fprintf(os.Stderr, "malformed vm-uuid %q: %v\n", vmUUID, err)
		return 1
	}

	be := backend.NewDurable()
	be.ParseArg("uuid", vmUUID)
	if !be.CheckArgs() {
		fmt.Fprintln(os.Stderr, "failed to configure backend")
		return 1
	}

	store := varstore.New()
	if _, err := be.Init(store); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load variable store: %v\n", err)
		return 1
	}

	guid, err := parseGUID(guidStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse GUID: %v\n", err)
		return 1
	}

	engine := auth.NewEngine(store, false, true)
	handler := &command.Handler{Store: store, Auth: engine, Backend: be}

	buf := make([]byte, wire.ShmemSize)
	req := wire.NewCursor(buf)
	if err := req.WriteUint32(command.ProtocolVersion); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := req.WriteUint32(uint32(command.OpGetVariable)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := req.WriteName(wire.NameFromString(name)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := req.WriteGUID(guid); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := req.WriteUintn(wire.DataLimit); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if err := handler.Dispatch(buf); err != nil {
		fmt.Fprintf(os.Stderr, "dispatch failed: %v\n", err)
		return 1
	}

	return printResult(buf, *showAttr)
}

func printResult(buf []byte, showAttr bool) int {
	resp := wire.NewCursor(buf)
	status, err := resp.ReadUintn()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if status != 0 {
		fmt.Fprintf(os.Stderr, "GetVariable failed: status 0x%x\n", status)
		return 1
	}

	attrRaw, err := resp.ReadUint32()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	attr := varstore.Attr(attrRaw)

	if showAttr {
		fmt.Printf("Attributes = 0x%08x (%d)\n", uint32(attr), uint32(attr))
		printAttr(attr, varstore.NonVolatile, "EFI_VARIABLE_NON_VOLATILE")
		printAttr(attr, varstore.BootserviceAccess, "EFI_VARIABLE_BOOTSERVICE_ACCESS")
		printAttr(attr, varstore.RuntimeAccess, "EFI_VARIABLE_RUNTIME_ACCESS")
		printAttr(attr, varstore.HardwareErrorRecord, "EFI_VARIABLE_HARDWARE_ERROR_RECORD")
		printAttr(attr, varstore.TimeBasedAuthWriteAccess, "EFI_VARIABLE_TIME_BASED_AUTHENTICATED_WRITE_ACCESS")
		printAttr(attr, varstore.AppendWrite, "EFI_VARIABLE_APPEND_WRITE")
		printAttr(attr, varstore.EnhancedAuthAccess, "EFI_VARIABLE_ENHANCED_AUTHENTICATED_ACCESS")
		printAttr(attr, varstore.AuthenticatedWriteAccess, "EFI_VARIABLE_AUTHENTICATED_WRITE_ACCESS")
		return 0
	}

	data, err := resp.ReadData(wire.DataLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if _, err := os.Stdout.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write out data: %v\n", err)
		return 1
	}
	return 0
}

func printAttr(attr, bit varstore.Attr, name string) {
	if attr.Has(bit) {
		fmt.Println(name)
	}
}

func parseGUID(s string) (wire.GUID, error) {
	var g wire.GUID
	var data4 [8]byte
	n, err := fmt.Sscanf(s, "%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		&g.Data1, &g.Data2, &g.Data3,
		&data4[0], &data4[1], &data4[2], &data4[3], &data4[4], &data4[5], &data4[6], &data4[7])
	if err != nil || n != 11 {
		return wire.GUID{}, fmt.Errorf("malformed GUID %q", s)
	}
	g.Data4 = data4
	return g, nil
}
