// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ltfsdm/ltfsdmd/internal/config"
	"github.com/ltfsdm/ltfsdmd/internal/connector"
	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/dispatch"
	"github.com/ltfsdm/ltfsdmd/internal/fileop"
	"github.com/ltfsdm/ltfsdmd/internal/inventory"
	"github.com/ltfsdm/ltfsdmd/internal/lockfile"
	"github.com/ltfsdm/ltfsdmd/internal/ltfs"
	"github.com/ltfsdm/ltfsdmd/internal/poolfile"
	"github.com/ltfsdm/ltfsdmd/internal/queuestore"
	"github.com/ltfsdm/ltfsdmd/internal/scheduler"
	"github.com/ltfsdm/ltfsdmd/internal/tapemover"
	"github.com/ltfsdm/ltfsdmd/internal/termstate"
)

func defaultConfig() config.Config {
	return config.DefaultProdConfig
}

func fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

func run() {
	if !*forceRun {
		lock, err := lockfile.Acquire(cfg.LockFile)
		if err != nil {
			fatalf("another ltfsdmd is already running: %s", err)
		}
		defer lock.Release()
	}

	if err := poolfile.Dir(cfg.DBPath); err != nil {
		fatalf("creating data directory: %s", err)
	}

	store, err := queuestore.Open(cfg.DBPath)
	if err != nil {
		fatalf("opening queue store: %s", err)
	}
	defer store.Close()

	inv := inventory.New()

	lib := ltfs.NewFake(nil, map[string]ltfs.Cartridge{})
	if err := inv.Inventorize(lib); err != nil {
		log.Warningf("inventorizing library: %s", err)
	}
	if err := poolfile.Load(cfg.PoolFile, inv); err != nil {
		log.Warningf("loading pool file: %s", err)
	}

	poolCache, err := poolfile.OpenCache(cfg.PoolFile + ".bolt")
	if err != nil {
		log.Warningf("opening pool cache: %s", err)
	} else {
		defer poolCache.Close()
		if err := poolCache.Rebuild(inv); err != nil {
			log.Warningf("rebuilding pool cache: %s", err)
		}
	}

	conn := connector.NewFake()
	term := termstate.New()
	mover := tapemover.New(lib, inv, store, term)

	ops := map[core.Operation]fileop.Operation{
		core.OpMigration:   fileop.NewMigration(store, conn, inv, term),
		core.OpSelRecall:   fileop.NewSelRecall(store, conn, inv, term),
		core.OpTransRecall: fileop.NewTransRecall(store, conn, inv, term),
		core.OpFormat:      fileop.NewFormat(store, lib, inv, term, false),
		core.OpCheck:       fileop.NewCheck(store, lib, inv, term),
	}

	sched := scheduler.New(store, inv, mover, term, ops)

	var reqCounter int64
	deps := dispatch.Deps{
		Store: store, Inv: inv, Sched: sched, Term: term, Ops: ops,
		SessionKey: 1,
		NextReqNum: func() int64 { return atomic.AddInt64(&reqCounter, 1) },
		Lib:        lib,
		PoolFile:   cfg.PoolFile,
		PoolCache:  poolCache,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mover.Run(ctx)
	go sched.Run(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics server: %s", err)
			}
		}()
	}

	ln, err := net.Listen(cfg.Network, cfg.Addr)
	if err != nil {
		fatalf("listening on %s:%s: %s", cfg.Network, cfg.Addr, err)
	}
	log.Infof("ltfsdmd listening on %s:%s", cfg.Network, cfg.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	go func() {
		for range sigCh {
			ln.Close()
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if term.Terminate() {
				break
			}
			log.Errorf("accept: %s", err)
			continue
		}
		d := dispatch.New(conn, deps)
		go d.Serve(ctx)
	}

	if err := poolfile.Save(cfg.PoolFile, inv); err != nil {
		log.Errorf("saving pool file: %s", err)
	}
	if poolCache != nil {
		if err := poolCache.Rebuild(inv); err != nil {
			log.Warningf("rebuilding pool cache: %s", err)
		}
	}
}
