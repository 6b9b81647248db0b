// patchram: Broadcom PatchRAM Device Firmware Upgrade utility.
// Copyright (C) 2026 patchram contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benbaker76/patchram/internal/firmware"
	"github.com/benbaker76/patchram/internal/hci"
	"github.com/benbaker76/patchram/internal/transport"
	"github.com/benbaker76/patchram/internal/upgrade"
)

func main() {
	fmt.Println("patchram, Broadcom PatchRAM DFU (Device Firmware Upgrade) utility.")
	fmt.Println("Based on the original dfu-tool/dfu-programmer and BrcmPatchRAM drivers.")
	fmt.Println()

	if len(os.Args) != 4 {
		fmt.Println("Usage: patchram <vendorId hex> <productId hex> <firmware.hex|firmware.dfu>")
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	vid, pid, err := parseIDs(os.Args[1], os.Args[2])
	if err != nil {
		logger.Fatalf("invalid device id: %v", err)
	}

	path := os.Args[3]
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Fatalf("reading firmware file %q: %v", path, err)
	}

	instructions, err := loadInstructions(path, raw)
	if err != nil {
		logger.Fatalf("parsing firmware: %v", err)
	}

	cfg := upgrade.DefaultConfig()
	cfg.UseHandshake = hci.SupportsHandshake(vid, pid)

	fmt.Printf("[%04x:%04x]: initiating DFU for USB device\n", vid, pid)

	host := &transport.Device{}
	ok, err := upgrade.Upgrade(context.Background(), host, vid, pid, instructions, cfg, logger.Printf)
	if err != nil {
		logger.Fatalf("upgrade: %v", err)
	}
	if !ok {
		fmt.Println("Upgrade failed.")
		os.Exit(1)
	}

	fmt.Println("Done.")
}

func parseIDs(vidArg, pidArg string) (uint16, uint16, error) {
	vid, err := strconv.ParseUint(vidArg, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("vendorId %q: %w", vidArg, err)
	}
	pid, err := strconv.ParseUint(pidArg, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("productId %q: %w", pidArg, err)
	}
	return uint16(vid), uint16(pid), nil
}

// loadInstructions dispatches on the firmware file's extension exactly as
// main() in main.cpp does: .hex and .dfu are parsed directly as Intel HEX,
// anything else is assumed zlib-compressed and decompressed first. There is
// no fallback if decompression fails for an unrecognized extension — that
// is treated as a parse error, not a retry as plain HEX.
func loadInstructions(path string, raw []byte) ([][]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".hex" || ext == ".dfu" {
		return firmware.ParseHex(raw)
	}

	decompressed, err := firmware.Decompress(raw)
	if err != nil {
		return nil, err
	}
	return firmware.ParseHex(decompressed)
}
