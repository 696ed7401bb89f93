// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package scheduler runs the single goroutine that pulls NEW requests off
// the persistent queue in priority order and, for each, decides whether
// the drive/cartridge resources it needs are available right now
// (resAvail and its op-specific helpers), dispatching to the Tape Mover or
// a file operation worker once they are.
package scheduler

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/fileop"
	"github.com/ltfsdm/ltfsdmd/internal/inventory"
	"github.com/ltfsdm/ltfsdmd/internal/queuestore"
	"github.com/ltfsdm/ltfsdmd/internal/tapemover"
	"github.com/ltfsdm/ltfsdmd/internal/termstate"
)

// Scheduler drives the server's request queue against the inventory,
// dispatching work to the Tape Mover and the file operation workers.
type Scheduler struct {
	store *queuestore.Store
	inv   *inventory.Inventory
	mover *tapemover.Mover
	term  *termstate.State

	ops map[core.Operation]fileop.Operation

	wg sync.WaitGroup
}

// New returns a Scheduler. ops must have an entry for every non-tape-move
// operation (SelRecall, TransRecall, Migration, Format, Check).
func New(store *queuestore.Store, inv *inventory.Inventory, mover *tapemover.Mover, term *termstate.State,
	ops map[core.Operation]fileop.Operation) *Scheduler {
	return &Scheduler{store: store, inv: inv, mover: mover, term: term, ops: ops}
}

// Notify wakes the scheduler's main loop, e.g. after a new request has
// been enqueued.
func (s *Scheduler) Notify() {
	s.term.Notify()
}

// Run is the scheduler's main loop: wait for an update, scan NEW requests
// in priority order, dispatch whatever resAvail says is ready, repeat
// until termination is requested. On exit it waits for in-flight workers
// to finish, then wakes every cartridge condvar so nothing stays blocked
// on a preempted resource.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.term.WaitForUpdate()
		if s.term.Terminate() {
			break
		}
		s.scanOnce()
	}
	s.wg.Wait()
	s.inv.NotifyAll()
}

func (s *Scheduler) scanOnce() {
	rows, err := s.store.SelectNewRequests()
	if err != nil {
		log.Errorf("scheduler: SelectNewRequests: %s", err)
		return
	}
	for _, r := range rows {
		s.tryDispatch(r)
	}
}

func (s *Scheduler) tryDispatch(r queuestore.RequestRow) {
	var minFileSize int64
	if r.Operation == core.OpMigration {
		size, ok, err := s.store.SmallestMigrationJobSize(r.ReqNum, r.ReplNum)
		if err != nil {
			log.Errorf("scheduler: SmallestMigrationJobSize(%d,%d): %s", r.ReqNum, r.ReplNum, err)
			return
		}
		if !ok {
			// No unassigned RESIDENT jobs left for this replica; nothing
			// to dispatch.
			return
		}
		minFileSize = size
	}

	driveID, tapeID, ok := s.resAvail(r, minFileSize)
	if !ok {
		return
	}

	switch {
	case r.Operation.IsTapeMove():
		s.store.ReserveTapeMove(r.ReqNum)
		s.inv.SetMoveRequest(driveID, r.ReqNum, r.Pool)
		s.mover.AddRequest(tapemover.Request{Op: r.Operation, DriveID: driveID, TapeID: tapeID, ReqNum: r.ReqNum, Pool: r.Pool})
	case r.Operation == core.OpMigration:
		s.store.ReserveMigration(r.ReqNum, r.ReplNum, r.Pool, tapeID)
		s.dispatchWorker(r, driveID, tapeID)
	case r.Operation == core.OpSelRecall, r.Operation == core.OpTransRecall:
		s.store.ReserveRecall(r.ReqNum, tapeID)
		s.dispatchWorker(r, driveID, tapeID)
	default: // Format, Check
		s.store.ReserveTapeMove(r.ReqNum)
		s.dispatchWorker(r, driveID, tapeID)
	}
}

func (s *Scheduler) dispatchWorker(r queuestore.RequestRow, driveID, tapeID string) {
	op, ok := s.ops[r.Operation]
	if !ok {
		log.Errorf("scheduler: no worker registered for %s", r.Operation)
		s.inv.Release(driveID, tapeID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		op.ExecRequest(r.ReqNum, int64(r.ReplNum), driveID, tapeID)
	}()
}

// resAvail dispatches to the op-specific resource check, mirroring the
// original's single entry point over resAvailTapeMove/poolResAvail/
// tapeResAvail.
func (s *Scheduler) resAvail(r queuestore.RequestRow, minFileSize int64) (driveID, tapeID string, ok bool) {
	switch {
	case r.Operation.IsTapeMove():
		return s.resAvailTapeMove(r)
	case r.Operation == core.OpMigration && r.TapeID == "":
		return s.poolResAvail(r, minFileSize)
	default:
		return s.tapeResAvail(r)
	}
}

// resAvailTapeMove implements the original's resAvailTapeMove: a bare
// mount/move/unmount only proceeds if its target drive is idle and, for
// mount/move, has no cartridge already loaded; for unmount, the named
// cartridge must actually be mounted in that exact drive.
func (s *Scheduler) resAvailTapeMove(r queuestore.RequestRow) (string, string, bool) {
	if !s.inv.DriveIsUsable(r.DriveID, r.ReqNum, r.Pool) {
		return "", "", false
	}
	d, ok := s.inv.GetDrive(r.DriveID)
	if !ok {
		return "", "", false
	}
	switch r.Operation {
	case core.OpMount, core.OpMove:
		if d.CartridgeID != "" {
			return "", "", false
		}
	case core.OpUnmount:
		if d.CartridgeID != r.TapeID {
			return "", "", false
		}
	}
	s.inv.MakeUse(r.DriveID, r.TapeID)
	return r.DriveID, r.TapeID, true
}

// tapeResAvail implements the original's tapeResAvail for a request that
// already names a specific cartridge (recall, or a migration replica
// that's already chosen its tape): reserve it if mounted and the drive is
// free; otherwise arrange to mount it (evicting another tape if needed) or
// ask the current holder to yield it, and report not-yet-available either
// way.
func (s *Scheduler) tapeResAvail(r queuestore.RequestRow) (string, string, bool) {
	c, ok := s.inv.GetCartridge(r.TapeID)
	if !ok {
		return "", "", false
	}
	if c.State == core.Moving || c.State == core.Inuse {
		return "", "", false
	}
	if c.State == core.Mounted {
		if !s.inv.DriveIsUsable(c.DriveID, r.ReqNum, r.Pool) {
			return "", "", false
		}
		s.inv.MakeUse(c.DriveID, r.TapeID)
		return c.DriveID, r.TapeID, true
	}

	// Look for an empty, usable drive to mount this cartridge into.
	for _, driveID := range s.inv.Drives() {
		d, _ := s.inv.GetDrive(driveID)
		if d.CartridgeID != "" || !s.inv.DriveIsUsable(driveID, r.ReqNum, r.Pool) {
			continue
		}
		if c.State == core.Unmounted {
			if !s.inv.RequestExists(r.ReqNum, r.Pool) {
				s.inv.SetMoveRequest(driveID, r.ReqNum, r.Pool)
				s.mover.AddRequest(tapemover.Request{Op: core.OpMount, DriveID: driveID, TapeID: r.TapeID, ReqNum: r.ReqNum, Pool: r.Pool})
			}
			return "", "", false
		}
	}

	// No empty drive: evict whatever's mounted in a usable drive so this
	// cartridge can take its place next pass.
	for _, driveID := range s.inv.Drives() {
		d, _ := s.inv.GetDrive(driveID)
		if d.CartridgeID == "" || !s.inv.DriveIsUsable(driveID, r.ReqNum, r.Pool) {
			continue
		}
		if !s.inv.RequestExists(r.ReqNum, r.Pool) {
			s.inv.SetMoveRequest(driveID, r.ReqNum, r.Pool)
			s.mover.AddRequest(tapemover.Request{Op: core.OpUnmount, DriveID: driveID, TapeID: d.CartridgeID, ReqNum: r.ReqNum, Pool: r.Pool})
		}
		return "", "", false
	}

	if s.inv.IsRequested(r.TapeID) {
		return "", "", false
	}

	// No drive is free to evict either: pick the first drive with no
	// preemption pending, or with a pending threshold less urgent than
	// this request, lower its ToUnblock to this request's priority and
	// flag the wanted cartridge as requested.
	for _, driveID := range s.inv.Drives() {
		toUnblock, has := s.inv.ToUnblock(driveID)
		if has && r.Operation < toUnblock {
			s.inv.RequestYield(driveID, r.TapeID, r.Operation)
			break
		}
		if !has {
			s.inv.RequestYield(driveID, r.TapeID, r.Operation)
			break
		}
	}
	return "", "", false
}

// poolResAvail implements the original's poolResAvail, with the duplicate
// pending-motion check moved ahead of the final unmount search (see
// scheduler design notes): try an already-mounted cartridge with enough
// free space first, then mount an unmounted one, then evict a non-pool
// cartridge to make room, checking RequestExists before every enqueue.
func (s *Scheduler) poolResAvail(r queuestore.RequestRow, minFileSize int64) (string, string, bool) {
	tapes, err := s.inv.PoolTapes(r.Pool)
	if err != nil || len(tapes) == 0 {
		return "", "", false
	}

	hasUnmounted := false
	for _, tapeID := range tapes {
		c, ok := s.inv.GetCartridge(tapeID)
		if !ok {
			continue
		}
		if c.State == core.Mounted && c.FreeSpace >= minFileSize && !c.WriteProtected {
			if !s.inv.DriveIsUsable(c.DriveID, r.ReqNum, r.Pool) {
				continue
			}
			s.inv.MakeUse(c.DriveID, tapeID)
			return c.DriveID, tapeID, true
		}
		if c.State == core.Unmounted {
			hasUnmounted = true
		}
	}
	if !hasUnmounted {
		return "", "", false
	}

	if s.inv.RequestExists(r.ReqNum, r.Pool) {
		return "", "", false
	}

	// Mount the first usable unmounted pool cartridge into an empty
	// usable drive.
	for _, tapeID := range tapes {
		c, ok := s.inv.GetCartridge(tapeID)
		if !ok || c.State != core.Unmounted || c.FreeSpace < minFileSize || c.WriteProtected {
			continue
		}
		for _, driveID := range s.inv.Drives() {
			d, _ := s.inv.GetDrive(driveID)
			if d.CartridgeID != "" || !s.inv.DriveIsUsable(driveID, r.ReqNum, r.Pool) {
				continue
			}
			s.inv.SetMoveRequest(driveID, r.ReqNum, r.Pool)
			s.mover.AddRequest(tapemover.Request{Op: core.OpMount, DriveID: driveID, TapeID: tapeID, ReqNum: r.ReqNum, Pool: r.Pool})
			return "", "", false
		}
	}

	// No empty drive: evict a non-pool cartridge from a usable drive.
	for _, driveID := range s.inv.Drives() {
		d, _ := s.inv.GetDrive(driveID)
		if d.CartridgeID == "" || !s.inv.DriveIsUsable(driveID, r.ReqNum, r.Pool) {
			continue
		}
		c, ok := s.inv.GetCartridge(d.CartridgeID)
		if !ok || c.Pool == r.Pool {
			continue
		}
		s.inv.SetMoveRequest(driveID, r.ReqNum, r.Pool)
		s.mover.AddRequest(tapemover.Request{Op: core.OpUnmount, DriveID: driveID, TapeID: d.CartridgeID, ReqNum: r.ReqNum, Pool: r.Pool})
		return "", "", false
	}

	return "", "", false
}
