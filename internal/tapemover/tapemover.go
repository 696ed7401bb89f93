// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package tapemover runs the bare tape-motion operations (mount, move,
// unmount) the scheduler dispatches ahead of a file operation worker. It is
// a single-worker queue: the library only lets one robotic move happen at
// a time, so work is serialized through one goroutine rather than a pool.
package tapemover

import (
	"context"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/inventory"
	"github.com/ltfsdm/ltfsdmd/internal/ltfs"
	"github.com/ltfsdm/ltfsdmd/internal/queuestore"
	"github.com/ltfsdm/ltfsdmd/internal/termstate"
	"github.com/ltfsdm/ltfsdmd/pkg/retry"
)

// Request is one tape-motion job: move, mount or unmount tapeID using
// driveID, on behalf of reqNum/pool (for RequestExists/move-request
// bookkeeping) so the scheduler won't double-enqueue it.
type Request struct {
	Op      core.Operation // Mount, Move or Unmount
	DriveID string
	TapeID  string
	ReqNum  int64
	Pool    string
}

// Mover serializes tape-motion requests against the library.
type Mover struct {
	lib   ltfs.Library
	inv   *inventory.Inventory
	store *queuestore.Store
	term  *termstate.State
	queue chan Request

	retrier retry.Retrier
}

// New returns a Mover whose worker goroutine must be started with Run. term
// is woken after every completed motion so the scheduler's main loop
// re-scans for newly-available resources instead of waiting for the next
// dispatcher-driven update.
func New(lib ltfs.Library, inv *inventory.Inventory, store *queuestore.Store, term *termstate.State) *Mover {
	return &Mover{
		lib:   lib,
		inv:   inv,
		store: store,
		term:  term,
		queue: make(chan Request, 64),
		retrier: retry.Retrier{
			MinSleep:      time.Second,
			MaxSleep:      30 * time.Second,
			MaxNumRetries: 5,
		},
	}
}

// AddRequest enqueues a tape-motion request. Called by the scheduler after
// resAvail/resAvailTapeMove decides a mount/move/unmount is needed.
func (m *Mover) AddRequest(r Request) {
	m.queue <- r
}

// Run drains the queue until ctx is cancelled, executing one tape motion
// at a time.
func (m *Mover) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.queue:
			m.execRequest(ctx, r)
		}
	}
}

func (m *Mover) execRequest(ctx context.Context, r Request) {
	var opErr error
	success, cancelled := m.retrier.Do(ctx, func(attempt int) bool {
		switch r.Op {
		case core.OpMount:
			opErr = m.lib.Mount(r.DriveID, r.TapeID)
		case core.OpMove:
			opErr = m.lib.Move(r.DriveID, r.TapeID)
		case core.OpUnmount:
			opErr = m.lib.Unmount(r.DriveID, r.TapeID)
		default:
			opErr = errors.Errorf("tapemover: unexpected operation %s", r.Op)
		}
		if opErr != nil {
			log.Warningf("tapemover: %s %s on %s attempt %d: %s", r.Op, r.TapeID, r.DriveID, attempt, opErr)
		}
		return opErr == nil
	})

	m.inv.ClearMoveRequest(r.DriveID)

	if cancelled {
		return
	}
	if !success {
		m.inv.Release(r.DriveID, r.TapeID)
		m.term.Notify()
		return
	}

	switch r.Op {
	case core.OpMount:
		m.inv.SetCartridgeState(r.TapeID, core.Mounted, r.DriveID)
	case core.OpUnmount:
		m.inv.SetCartridgeState(r.TapeID, core.Unmounted, "")
	case core.OpMove:
		m.inv.SetCartridgeState(r.TapeID, core.Mounted, r.DriveID)
	}
	m.inv.Release(r.DriveID, r.TapeID)
	m.term.Notify()
}
