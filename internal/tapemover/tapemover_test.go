// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package tapemover

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	test "github.com/ltfsdm/ltfsdmd/pkg/testutil"

	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/inventory"
	"github.com/ltfsdm/ltfsdmd/internal/ltfs"
	"github.com/ltfsdm/ltfsdmd/internal/queuestore"
	"github.com/ltfsdm/ltfsdmd/internal/termstate"
)

func newTestMover(t *testing.T, lib ltfs.Library, inv *inventory.Inventory) *Mover {
	t.Helper()
	path := filepath.Join(test.TempDir(), "tapemover-test.db")
	store, err := queuestore.Open(path)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(lib, inv, store, termstate.New())
}

func TestMountSucceedsAndReleasesResources(t *testing.T) {
	inv := inventory.New()
	inv.AddDrive("D1")
	inv.AddCartridge("T1", "p1")
	inv.MakeUse("D1", "T1")
	inv.SetMoveRequest("D1", 1, "p1")

	lib := ltfs.NewFake([]string{"D1"}, map[string]ltfs.Cartridge{"T1": {Pool: "p1"}})
	m := newTestMover(t, lib, inv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.AddRequest(Request{Op: core.OpMount, DriveID: "D1", TapeID: "T1", ReqNum: 1, Pool: "p1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c, _ := inv.GetCartridge("T1")
		if c.State == core.Mounted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	c, _ := inv.GetCartridge("T1")
	if c.State != core.Mounted {
		t.Fatalf("expected cartridge Mounted, got %s", c.State)
	}
	d, _ := inv.GetDrive("D1")
	if d.Busy {
		t.Fatal("drive should be released after a successful mount")
	}
	if inv.RequestExists(1, "p1") {
		t.Fatal("move request bookkeeping should be cleared once picked up")
	}
}

func TestMountRetriesThenSucceeds(t *testing.T) {
	inv := inventory.New()
	inv.AddDrive("D1")
	inv.AddCartridge("T1", "p1")
	inv.MakeUse("D1", "T1")

	lib := ltfs.NewFake([]string{"D1"}, map[string]ltfs.Cartridge{"T1": {Pool: "p1"}})
	lib.FailOps["mount"] = true
	m := newTestMover(t, lib, inv)
	m.retrier.MinSleep = time.Millisecond
	m.retrier.MaxSleep = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.AddRequest(Request{Op: core.OpMount, DriveID: "D1", TapeID: "T1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c, _ := inv.GetCartridge("T1")
		if c.State == core.Mounted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c, _ := inv.GetCartridge("T1")
	if c.State != core.Mounted {
		t.Fatalf("expected cartridge Mounted after retry, got %s", c.State)
	}
}
