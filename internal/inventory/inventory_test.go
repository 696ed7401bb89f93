// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package inventory

import (
	"testing"
	"time"

	"github.com/ltfsdm/ltfsdmd/internal/core"
)

func TestPoolLifecycle(t *testing.T) {
	inv := New()
	inv.AddCartridge("T1", "")

	if err := inv.PoolCreate("p1"); err != nil {
		t.Fatalf("PoolCreate: %s", err)
	}
	if err := inv.PoolCreate("p1"); err != core.ErrPoolExists {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}
	if err := inv.PoolAdd("p1", "T1"); err != nil {
		t.Fatalf("PoolAdd: %s", err)
	}
	if err := inv.PoolAdd("p1", "T1"); err != core.ErrTapeExistsInPool {
		t.Fatalf("expected ErrTapeExistsInPool, got %v", err)
	}
	tapes, err := inv.PoolTapes("p1")
	if err != nil || len(tapes) != 1 || tapes[0] != "T1" {
		t.Fatalf("expected [T1], got %v err=%v", tapes, err)
	}
	if err := inv.PoolDelete("p1"); err != core.ErrPoolNotEmpty {
		t.Fatalf("expected ErrPoolNotEmpty, got %v", err)
	}
	if err := inv.PoolRemove("p1", "T1"); err != nil {
		t.Fatalf("PoolRemove: %s", err)
	}
	if err := inv.PoolDelete("p1"); err != nil {
		t.Fatalf("PoolDelete: %s", err)
	}
}

func TestDriveIsUsableRespectsPendingMove(t *testing.T) {
	inv := New()
	inv.AddDrive("D1")

	if !inv.DriveIsUsable("D1", 1, "p1") {
		t.Fatal("fresh drive should be usable")
	}
	inv.SetMoveRequest("D1", 1, "p1")
	if !inv.DriveIsUsable("D1", 1, "p1") {
		t.Fatal("drive should remain usable for the same pending request")
	}
	if inv.DriveIsUsable("D1", 2, "p1") {
		t.Fatal("drive should not be usable for a different request")
	}
	inv.ClearMoveRequest("D1")
	if !inv.DriveIsUsable("D1", 2, "p1") {
		t.Fatal("drive should be usable again once the move request clears")
	}
}

func TestMakeUseAndRelease(t *testing.T) {
	inv := New()
	inv.AddDrive("D1")
	inv.AddCartridge("T1", "p1")

	inv.MakeUse("D1", "T1")
	d, _ := inv.GetDrive("D1")
	c, _ := inv.GetCartridge("T1")
	if !d.Busy {
		t.Fatal("drive should be busy after MakeUse")
	}
	if c.State != core.Inuse {
		t.Fatalf("expected Inuse, got %s", c.State)
	}

	inv.Release("D1", "T1")
	d, _ = inv.GetDrive("D1")
	c, _ = inv.GetCartridge("T1")
	if d.Busy {
		t.Fatal("drive should not be busy after Release")
	}
	if c.State != core.Mounted {
		t.Fatalf("expected Mounted, got %s", c.State)
	}
}

func TestWaitForReleaseUnblocksOnRelease(t *testing.T) {
	inv := New()
	inv.AddDrive("D1")
	inv.AddCartridge("T1", "p1")
	inv.MakeUse("D1", "T1")

	done := make(chan struct{})
	go func() {
		inv.WaitForRelease("T1")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForRelease returned before the cartridge was released")
	case <-time.After(50 * time.Millisecond):
	}

	inv.Release("D1", "T1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForRelease did not unblock after Release")
	}
}

func TestRequestYieldLowersThresholdOnly(t *testing.T) {
	inv := New()
	inv.AddDrive("D1")
	inv.AddCartridge("T1", "p1")

	if _, ok := inv.ToUnblock("D1"); ok {
		t.Fatal("fresh drive should have no pending yield")
	}
	inv.RequestYield("D1", "T1", core.OpMigration)
	op, ok := inv.ToUnblock("D1")
	if !ok || op != core.OpMigration {
		t.Fatalf("expected OpMigration threshold, got %s ok=%v", op, ok)
	}
	if !inv.IsRequested("T1") {
		t.Fatal("cartridge should be marked Requested")
	}

	// A lower-priority (higher ordinal) yield request must not raise the
	// threshold back up.
	inv.RequestYield("D1", "T1", core.OpUnmount)
	op, _ = inv.ToUnblock("D1")
	if op != core.OpMigration {
		t.Fatalf("threshold should stay at OpMigration, got %s", op)
	}

	inv.ResetToUnblock("D1")
	if _, ok := inv.ToUnblock("D1"); ok {
		t.Fatal("ResetToUnblock should clear the pending yield")
	}
	inv.UnsetRequested("T1")
	if inv.IsRequested("T1") {
		t.Fatal("UnsetRequested should clear the Requested flag")
	}
}
