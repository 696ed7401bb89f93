// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package ltfs defines the boundary to the LTFS tape library and drive
// control plane (mount/unmount/format/check, library moves, capacity
// queries). Real implementations shell out to mtx/ltfs tooling; Fake is an
// in-memory stand-in for tests and is driven by pkg/retry-style transient
// failures to exercise the Tape Mover's retry paths.
package ltfs

import (
	"github.com/ltfsdm/ltfsdmd/internal/core"
)

// Library is the core's view of the tape library and its drives.
type Library interface {
	// Inventorize lists every drive and cartridge the library currently
	// reports, for initial Inventory population and the rescan a retrieve
	// request triggers.
	Inventorize() (drives []string, cartridges map[string]Cartridge, err error)

	// Move physically relocates a cartridge into or out of a drive slot
	// without mounting its filesystem (used ahead of Format/Check).
	Move(driveID, tapeID string) error

	// Mount loads tapeID into driveID and mounts its LTFS filesystem.
	Mount(driveID, tapeID string) error

	// Unmount unmounts and ejects tapeID from driveID back to its slot.
	Unmount(driveID, tapeID string) error

	// Format writes a fresh LTFS volume label to tapeID in driveID.
	// force allows reformatting an already-labeled cartridge.
	Format(driveID, tapeID string, force bool) error

	// Check runs an LTFS consistency check against tapeID in driveID.
	Check(driveID, tapeID string) error

	// FreeSpace returns a mounted cartridge's remaining capacity.
	FreeSpace(tapeID string) (int64, error)
}

// Cartridge is the library's report of one cartridge's physical state.
type Cartridge struct {
	Pool           string
	State          core.CartridgeState
	FreeSpace      int64
	WriteProtected bool
}

// Fake is an in-memory Library for tests.
type Fake struct {
	Drives     []string
	Cartridges map[string]Cartridge

	// FailOps names operations ("mount", "unmount", ...) that should
	// return an error on their next call, then clear themselves so
	// retry-driven callers can exercise a recover-then-succeed path.
	FailOps map[string]bool
}

// NewFake returns a Fake with the given drives/cartridges pre-populated.
func NewFake(drives []string, cartridges map[string]Cartridge) *Fake {
	return &Fake{Drives: drives, Cartridges: cartridges, FailOps: make(map[string]bool)}
}

func (f *Fake) fail(op string) bool {
	if f.FailOps[op] {
		f.FailOps[op] = false
		return true
	}
	return false
}

func (f *Fake) Inventorize() ([]string, map[string]Cartridge, error) {
	return f.Drives, f.Cartridges, nil
}

func (f *Fake) Move(driveID, tapeID string) error {
	if f.fail("move") {
		return core.ErrInaccessible
	}
	return nil
}

func (f *Fake) Mount(driveID, tapeID string) error {
	if f.fail("mount") {
		return core.ErrInaccessible
	}
	c := f.Cartridges[tapeID]
	c.State = core.Mounted
	f.Cartridges[tapeID] = c
	return nil
}

func (f *Fake) Unmount(driveID, tapeID string) error {
	if f.fail("unmount") {
		return core.ErrInaccessible
	}
	c := f.Cartridges[tapeID]
	c.State = core.Unmounted
	f.Cartridges[tapeID] = c
	return nil
}

func (f *Fake) Format(driveID, tapeID string, force bool) error {
	c, ok := f.Cartridges[tapeID]
	if ok && c.State != core.Unknown && !force {
		return core.ErrAlreadyFormatted
	}
	if f.fail("format") {
		return core.ErrInaccessible
	}
	c.State = core.Unmounted
	f.Cartridges[tapeID] = c
	return nil
}

func (f *Fake) Check(driveID, tapeID string) error {
	if f.fail("check") {
		return core.ErrTapeStateErr
	}
	return nil
}

func (f *Fake) FreeSpace(tapeID string) (int64, error) {
	c, ok := f.Cartridges[tapeID]
	if !ok {
		return 0, core.ErrTapeNotExists
	}
	return c.FreeSpace, nil
}
