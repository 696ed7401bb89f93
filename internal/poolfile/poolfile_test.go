// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package poolfile

import (
	"path/filepath"
	"testing"

	test "github.com/ltfsdm/ltfsdmd/pkg/testutil"

	"github.com/ltfsdm/ltfsdmd/internal/inventory"
)

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	inv := inventory.New()
	path := filepath.Join(test.TempDir(), "no-such-pools.txt")
	if err := Load(path, inv); err != nil {
		t.Fatalf("Load of a missing file should succeed, got %s", err)
	}
	if len(inv.Pools()) != 0 {
		t.Fatal("expected no pools")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	inv := inventory.New()
	inv.AddCartridge("T1", "")
	inv.AddCartridge("T2", "")
	if err := inv.PoolCreate("p1"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolCreate("p2"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolAdd("p1", "T1"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolAdd("p1", "T2"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(test.TempDir(), "pools.txt")
	if err := Save(path, inv); err != nil {
		t.Fatalf("Save: %s", err)
	}

	got := inventory.New()
	got.AddCartridge("T1", "")
	got.AddCartridge("T2", "")
	if err := Load(path, got); err != nil {
		t.Fatalf("Load: %s", err)
	}

	pools := got.Pools()
	if len(pools) != 2 {
		t.Fatalf("expected 2 pools, got %v", pools)
	}
	tapes, err := got.PoolTapes("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tapes) != 2 {
		t.Fatalf("expected 2 tapes in p1, got %v", tapes)
	}
	empty, err := got.PoolTapes("p2")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected p2 empty, got %v", empty)
	}
}

func TestLoadIsIdempotentAgainstExistingMembership(t *testing.T) {
	inv := inventory.New()
	inv.AddCartridge("T1", "")
	if err := inv.PoolCreate("p1"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolAdd("p1", "T1"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(test.TempDir(), "pools.txt")
	if err := Save(path, inv); err != nil {
		t.Fatalf("Save: %s", err)
	}

	// A "retrieve" reload re-runs Load against an inventory that already
	// has this exact membership; it must not fail just because the pool
	// and its tape are already present.
	if err := Load(path, inv); err != nil {
		t.Fatalf("Load against already-loaded membership should succeed, got %s", err)
	}
	tapes, err := inv.PoolTapes("p1")
	if err != nil || len(tapes) != 1 || tapes[0] != "T1" {
		t.Fatalf("expected p1=[T1] unchanged, got tapes=%v err=%v", tapes, err)
	}
}

func TestCacheRebuildThenTapes(t *testing.T) {
	inv := inventory.New()
	inv.AddCartridge("T1", "")
	inv.AddCartridge("T2", "")
	if err := inv.PoolCreate("p1"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolCreate("p2"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolAdd("p1", "T1"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(test.TempDir(), "pools.bolt")
	cache, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %s", err)
	}
	defer cache.Close()

	if err := cache.Rebuild(inv); err != nil {
		t.Fatalf("Rebuild: %s", err)
	}

	tapes, ok, err := cache.Tapes("p1")
	if err != nil || !ok || len(tapes) != 1 || tapes[0] != "T1" {
		t.Fatalf("expected p1=[T1], got tapes=%v ok=%v err=%v", tapes, ok, err)
	}
	tapes, ok, err = cache.Tapes("p2")
	if err != nil || !ok || len(tapes) != 0 {
		t.Fatalf("expected p2 empty but known, got tapes=%v ok=%v err=%v", tapes, ok, err)
	}
	_, ok, err = cache.Tapes("no-such-pool")
	if err != nil || ok {
		t.Fatalf("expected unknown pool, got ok=%v err=%v", ok, err)
	}

	// Rebuild discards stale entries from a previous generation.
	inv2 := inventory.New()
	if err := inv2.PoolCreate("p3"); err != nil {
		t.Fatal(err)
	}
	if err := cache.Rebuild(inv2); err != nil {
		t.Fatalf("Rebuild: %s", err)
	}
	if _, ok, _ := cache.Tapes("p1"); ok {
		t.Fatal("expected p1 to be gone after rebuilding from a fresh inventory")
	}
}
