// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	test "github.com/ltfsdm/ltfsdmd/pkg/testutil"

	"github.com/ltfsdm/ltfsdmd/internal/connector"
	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/dispatchclient"
	"github.com/ltfsdm/ltfsdmd/internal/fileop"
	"github.com/ltfsdm/ltfsdmd/internal/inventory"
	"github.com/ltfsdm/ltfsdmd/internal/ltfs"
	"github.com/ltfsdm/ltfsdmd/internal/proto"
	"github.com/ltfsdm/ltfsdmd/internal/poolfile"
	"github.com/ltfsdm/ltfsdmd/internal/queuestore"
	"github.com/ltfsdm/ltfsdmd/internal/scheduler"
	"github.com/ltfsdm/ltfsdmd/internal/tapemover"
	"github.com/ltfsdm/ltfsdmd/internal/termstate"
)

// testServer wires up a minimal daemon (store/inventory/scheduler/ops) and
// serves it over a real TCP listener, for exercising the wire protocol
// end to end through dispatchclient.
type testServer struct {
	ln       net.Listener
	store    *queuestore.Store
	inv      *inventory.Inventory
	term     *termstate.State
	lib      *ltfs.Fake
	poolFile string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	t.Cleanup(func() { ln.Close() })
	return newTestServerOn(t, ln)
}

func newTestServerOn(t *testing.T, ln net.Listener) *testServer {
	t.Helper()
	// test.TempDir() is shared by every test in this process, so start
	// each server from an empty store and pool file.
	path := filepath.Join(test.TempDir(), "dispatch-test.db")
	os.Remove(path)
	store, err := queuestore.Open(path)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { store.Close() })

	inv := inventory.New()
	conn := connector.NewFake()
	lib := ltfs.NewFake(nil, map[string]ltfs.Cartridge{})
	term := termstate.New()
	mover := tapemover.New(lib, inv, store, term)
	ops := map[core.Operation]fileop.Operation{
		core.OpMigration:   fileop.NewMigration(store, conn, inv, term),
		core.OpSelRecall:   fileop.NewSelRecall(store, conn, inv, term),
		core.OpTransRecall: fileop.NewTransRecall(store, conn, inv, term),
	}
	sched := scheduler.New(store, inv, mover, term, ops)

	poolFile := filepath.Join(test.TempDir(), "pools.txt")
	os.Remove(poolFile)
	poolCache, err := poolfile.OpenCache(poolFile + ".bolt")
	if err != nil {
		t.Fatalf("OpenCache: %s", err)
	}
	t.Cleanup(func() { poolCache.Close() })

	var reqCounter int64
	deps := Deps{
		Store: store, Inv: inv, Sched: sched, Term: term, Ops: ops,
		SessionKey: 1,
		NextReqNum: func() int64 { return atomic.AddInt64(&reqCounter, 1) },
		Lib:        lib,
		PoolFile:   poolFile,
		PoolCache:  poolCache,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mover.Run(ctx)
	go sched.Run(ctx)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d := New(conn, deps)
			go d.Serve(ctx)
		}
	}()

	return &testServer{ln: ln, store: store, inv: inv, term: term, lib: lib, poolFile: poolFile}
}

func TestAddAndMigrateRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	srv.inv.AddCartridge("T1", "p1")
	srv.inv.PoolCreate("p1")
	srv.inv.PoolAdd("p1", "T1")

	clt, err := dispatchclient.Dial(srv.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer clt.Close()

	addResp, err := clt.Add("/managed/fs")
	if err != nil || !addResp.Success {
		t.Fatalf("Add: resp=%+v err=%v", addResp, err)
	}

	migResp, err := clt.Migrate([]string{"p1"})
	if err != nil || !migResp.Success {
		t.Fatalf("Migrate: resp=%+v err=%v", migResp, err)
	}
	if migResp.ReqNum == 0 {
		t.Fatal("expected a non-zero request number")
	}
}

func TestMigrateRejectsUnknownPool(t *testing.T) {
	srv := newTestServer(t)

	clt, err := dispatchclient.Dial(srv.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer clt.Close()

	resp, err := clt.Migrate([]string{"no-such-pool"})
	if err != nil {
		t.Fatalf("Migrate: %s", err)
	}
	if resp.Success || resp.ErrCode != core.ErrNotAllPoolsExist {
		t.Fatalf("expected ErrNotAllPoolsExist, got %+v", resp)
	}
}

func TestPoolManagementRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	srv.inv.AddCartridge("T1", "")

	clt, err := dispatchclient.Dial(srv.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer clt.Close()

	if resp, err := clt.Pool("create", "p1", ""); err != nil || !resp.Success {
		t.Fatalf("pool create: resp=%+v err=%v", resp, err)
	}
	if resp, err := clt.Pool("add", "p1", "T1"); err != nil || !resp.Success {
		t.Fatalf("pool add: resp=%+v err=%v", resp, err)
	}

	info, err := clt.InfoPools()
	if err != nil || !info.Success {
		t.Fatalf("InfoPools: resp=%+v err=%v", info, err)
	}
	if tapes, ok := info.Pools["p1"]; !ok || len(tapes) != 1 || tapes[0] != "T1" {
		t.Fatalf("expected p1=[T1], got %v", info.Pools)
	}
}

func TestStopDrainsWithNoInFlightWork(t *testing.T) {
	srv := newTestServer(t)

	clt, err := dispatchclient.Dial(srv.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer clt.Close()

	done := make(chan struct{})
	go func() {
		resp, err := clt.Stop(false, false)
		if err != nil {
			t.Errorf("Stop: %s", err)
		}
		if resp.NumReqs != 0 {
			t.Errorf("expected NumReqs=0, got %d", resp.NumReqs)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not complete")
	}
	if !srv.term.Terminate() {
		t.Fatal("expected termination to have been requested")
	}
}

// TestAddAndMigrateRoundTripOverUnixSocket exercises the same protocol as
// TestAddAndMigrateRoundTrip but over a Unix-domain-socket listener built
// with nettest, driving the wire codec directly rather than through
// dispatchclient.
func TestAddAndMigrateRoundTripOverUnixSocket(t *testing.T) {
	ln, err := nettest.NewLocalListener("unix")
	if err != nil {
		t.Skipf("unix sockets unavailable: %s", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := newTestServerOn(t, ln)
	srv.inv.AddCartridge("T1", "p1")
	srv.inv.PoolCreate("p1")
	srv.inv.PoolAdd("p1", "T1")

	conn, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer conn.Close()
	cdc := proto.NewCodec(conn)

	if err := cdc.Send(&proto.Envelope{Kind: proto.KindAddReq, SessionKey: 1, Payload: proto.AddReq{FsName: "/managed/fs"}}); err != nil {
		t.Fatalf("Send AddReq: %s", err)
	}
	addEnv, err := cdc.Recv()
	if err != nil {
		t.Fatalf("Recv AddResp: %s", err)
	}
	if !addEnv.Payload.(proto.AddResp).Success {
		t.Fatalf("expected AddResp.Success, got %+v", addEnv.Payload)
	}

	if err := cdc.Send(&proto.Envelope{Kind: proto.KindMigrateReq, SessionKey: 1, Payload: proto.MigrateReq{Pools: []string{"p1"}}}); err != nil {
		t.Fatalf("Send MigrateReq: %s", err)
	}
	migEnv, err := cdc.Recv()
	if err != nil {
		t.Fatalf("Recv MigrateResp: %s", err)
	}
	migResp := migEnv.Payload.(proto.MigrateResp)
	if !migResp.Success || migResp.ReqNum == 0 {
		t.Fatalf("expected a successful MigrateResp with a request number, got %+v", migResp)
	}
}

// TestRetrieveTriggersInventorize confirms handleRetrieve rescans the
// library (spec.md §4.6: retrieve "triggers inventorize") rather than only
// re-queueing failed files: a cartridge added to the fake library after
// the server starts must show up in the inventory once a retrieve fires.
func TestRetrieveTriggersInventorize(t *testing.T) {
	srv := newTestServer(t)

	clt, err := dispatchclient.Dial(srv.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer clt.Close()

	if _, ok := srv.inv.GetCartridge("T9"); ok {
		t.Fatal("T9 should not be known yet")
	}
	srv.lib.Cartridges["T9"] = ltfs.Cartridge{FreeSpace: 123}

	resp, err := clt.Retrieve(0)
	if err != nil {
		t.Fatalf("Retrieve: %s", err)
	}
	if !resp.Success {
		t.Fatalf("expected Retrieve success, got %+v", resp)
	}

	if _, ok := srv.inv.GetCartridge("T9"); !ok {
		t.Fatal("expected T9 to be discovered by the inventorize triggered by retrieve")
	}
}

// TestPoolMutationPersistsAcrossReload confirms handlePool persists pool
// membership (spec.md §4.6: pool {create,delete,add,remove} "mutate pool
// membership and persist") rather than only mutating the in-memory
// inventory: a mutation made through the wire protocol must survive a
// fresh Load from the same pool file, independent of the live server.
func TestPoolMutationPersistsAcrossReload(t *testing.T) {
	srv := newTestServer(t)
	srv.inv.AddCartridge("T1", "")

	clt, err := dispatchclient.Dial(srv.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer clt.Close()

	if resp, err := clt.Pool("create", "p1", ""); err != nil || !resp.Success {
		t.Fatalf("pool create: resp=%+v err=%v", resp, err)
	}
	if resp, err := clt.Pool("add", "p1", "T1"); err != nil || !resp.Success {
		t.Fatalf("pool add: resp=%+v err=%v", resp, err)
	}

	reloaded := inventory.New()
	reloaded.AddCartridge("T1", "")
	if err := poolfile.Load(srv.poolFile, reloaded); err != nil {
		t.Fatalf("Load: %s", err)
	}
	tapes, err := reloaded.PoolTapes("p1")
	if err != nil || len(tapes) != 1 || tapes[0] != "T1" {
		t.Fatalf("expected pool mutation to survive a fresh Load, got tapes=%v err=%v", tapes, err)
	}
}
