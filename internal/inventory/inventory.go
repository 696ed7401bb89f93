// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package inventory holds the server's in-memory view of drives, cartridges
// and pools. The original server guarded this state with one recursive
// mutex shared by the scheduler and every worker; Go has no native
// recursive mutex, so instead every exported method takes the lock itself
// and unexported helpers (suffixed "Locked") assume it is already held and
// are only ever called from within another exported method, never across a
// goroutine boundary. This mirrors the lock/cond shape of the teacher's
// FineGrainedLock without needing reentrancy.
package inventory

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/ltfs"
)

// Drive is a tape drive slot in the library.
type Drive struct {
	ID string

	// Busy is true while a worker owns the drive for I/O or a tape move
	// is in flight.
	Busy bool
	// CartridgeID is the cartridge currently loaded, or "" if empty.
	CartridgeID string

	// MoveReqNum/MovePool identify the tape-move request (if any) already
	// enqueued against this drive, used to avoid double-enqueueing a
	// mount/move/unmount for the same request.
	MoveReqNum int64
	MovePool   string

	// ToUnblock is the priority of the highest-priority operation waiting
	// on this drive's cartridge; core.Operation's ordinal doubles as
	// priority, lower is more urgent. noToUnblock means nothing pending.
	ToUnblock core.Operation
}

// noToUnblock is the sentinel meaning no preemption is pending on a drive.
const noToUnblock = core.Operation(1 << 30)

// Cartridge is a tape cartridge, whether in a library slot or loaded.
type Cartridge struct {
	ID    string
	Pool  string
	State core.CartridgeState

	// DriveID is set while the cartridge is Moving/Inuse/Mounted.
	DriveID string

	// FreeSpace is the last-known free capacity in bytes.
	FreeSpace int64

	// WriteProtected mirrors the cartridge's physical write-protect tab.
	WriteProtected bool

	// Requested marks that a higher-priority operation is waiting for
	// this cartridge to be released; a worker holding the cartridge
	// observes it through Inventory.IsRequested and gives it up cooperatively.
	Requested bool

	mu   sync.Mutex
	cond *sync.Cond
}

// Pool is a named group of cartridges migrations may target.
type Pool struct {
	Name   string
	Tapes  map[string]bool
}

// Inventory is the server's drive/cartridge/pool state.
type Inventory struct {
	mu sync.Mutex

	drives     map[string]*Drive
	cartridges map[string]*Cartridge
	pools      map[string]*Pool
}

// New returns an empty Inventory.
func New() *Inventory {
	return &Inventory{
		drives:     make(map[string]*Drive),
		cartridges: make(map[string]*Cartridge),
		pools:      make(map[string]*Pool),
	}
}

// AddDrive registers a drive discovered by Inventorize.
func (inv *Inventory) AddDrive(id string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.drives[id]; !ok {
		inv.drives[id] = &Drive{ID: id, MoveReqNum: core.UnsetReqNum, ToUnblock: noToUnblock}
	}
}

// AddCartridge registers a cartridge discovered by Inventorize.
func (inv *Inventory) AddCartridge(id, pool string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.cartridges[id]; !ok {
		c := &Cartridge{ID: id, Pool: pool, State: core.Unknown}
		c.cond = sync.NewCond(&c.mu)
		inv.cartridges[id] = c
	}
}

// Inventorize rescans the library and merges what it reports into the
// inventory, holding the lock for the whole rescan so no worker observes a
// half-merged view. A previously-unknown drive is added as AddDrive would
// add it; a previously-unknown cartridge takes the pool, state, free space
// and write-protect flag the library reports. An already-known cartridge
// keeps its current pool assignment (pool membership is authoritative from
// the pool file, not the library) but has its free-space and write-protect
// reports refreshed.
func (inv *Inventory) Inventorize(lib ltfs.Library) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	drives, cartridges, err := lib.Inventorize()
	if err != nil {
		return err
	}
	for _, id := range drives {
		if _, ok := inv.drives[id]; !ok {
			inv.drives[id] = &Drive{ID: id, MoveReqNum: core.UnsetReqNum, ToUnblock: noToUnblock}
		}
	}
	for id, lc := range cartridges {
		c, ok := inv.cartridges[id]
		if !ok {
			c = &Cartridge{ID: id, Pool: lc.Pool, State: lc.State,
				FreeSpace: lc.FreeSpace, WriteProtected: lc.WriteProtected}
			c.cond = sync.NewCond(&c.mu)
			inv.cartridges[id] = c
			continue
		}
		c.FreeSpace = lc.FreeSpace
		c.WriteProtected = lc.WriteProtected
	}
	return nil
}

// GetDrive returns a copy of a drive's state, or ok=false if unknown.
func (inv *Inventory) GetDrive(id string) (Drive, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.drives[id]
	if !ok {
		return Drive{}, false
	}
	return *d, true
}

// GetCartridge returns a copy of a cartridge's state, or ok=false if unknown.
func (inv *Inventory) GetCartridge(id string) (Cartridge, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.cartridges[id]
	if !ok {
		return Cartridge{}, false
	}
	return Cartridge{ID: c.ID, Pool: c.Pool, State: c.State, DriveID: c.DriveID,
		FreeSpace: c.FreeSpace, WriteProtected: c.WriteProtected, Requested: c.Requested}, true
}

// Drives returns the IDs of every known drive.
func (inv *Inventory) Drives() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, len(inv.drives))
	for id := range inv.drives {
		out = append(out, id)
	}
	return out
}

// Cartridges returns the IDs of every known cartridge.
func (inv *Inventory) Cartridges() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, len(inv.cartridges))
	for id := range inv.cartridges {
		out = append(out, id)
	}
	return out
}

// PoolCreate adds an empty pool, failing with core.ErrPoolExists if it
// already exists.
func (inv *Inventory) PoolCreate(name string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.pools[name]; ok {
		return core.ErrPoolExists
	}
	inv.pools[name] = &Pool{Name: name, Tapes: make(map[string]bool)}
	return nil
}

// PoolDelete removes an empty pool, failing with core.ErrPoolNotExists or
// core.ErrPoolNotEmpty.
func (inv *Inventory) PoolDelete(name string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	p, ok := inv.pools[name]
	if !ok {
		return core.ErrPoolNotExists
	}
	if len(p.Tapes) != 0 {
		return core.ErrPoolNotEmpty
	}
	delete(inv.pools, name)
	return nil
}

// PoolAdd adds a cartridge to a pool, failing if the pool is unknown, the
// cartridge is unknown, or the cartridge is already in the pool.
func (inv *Inventory) PoolAdd(name, tapeID string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	p, ok := inv.pools[name]
	if !ok {
		return core.ErrPoolNotExists
	}
	c, ok := inv.cartridges[tapeID]
	if !ok {
		return core.ErrTapeNotExists
	}
	if p.Tapes[tapeID] {
		return core.ErrTapeExistsInPool
	}
	p.Tapes[tapeID] = true
	c.Pool = name
	return nil
}

// PoolRemove removes a cartridge from a pool.
func (inv *Inventory) PoolRemove(name, tapeID string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	p, ok := inv.pools[name]
	if !ok {
		return core.ErrPoolNotExists
	}
	if !p.Tapes[tapeID] {
		return core.ErrTapeNotExistsInPool
	}
	delete(p.Tapes, tapeID)
	if c, ok := inv.cartridges[tapeID]; ok && c.Pool == name {
		c.Pool = ""
	}
	return nil
}

// WritePools serializes pool membership to w as "pool\ttape" lines (or a
// bare "pool" line for an empty pool), sorted for a stable on-disk
// representation. This is the pure serialization half of the original's
// writePools; callers needing crash-safe persistence write to a temp file
// and rename it into place (see internal/poolfile.Save).
func (inv *Inventory) WritePools(w io.Writer) error {
	pools := inv.Pools()
	sort.Strings(pools)
	for _, pool := range pools {
		tapes, err := inv.PoolTapes(pool)
		if err != nil {
			return err
		}
		if len(tapes) == 0 {
			if _, err := fmt.Fprintf(w, "%s\n", pool); err != nil {
				return err
			}
			continue
		}
		sort.Strings(tapes)
		for _, t := range tapes {
			if _, err := fmt.Fprintf(w, "%s\t%s\n", pool, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pools returns every pool name known to the inventory.
func (inv *Inventory) Pools() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, len(inv.pools))
	for name := range inv.pools {
		out = append(out, name)
	}
	return out
}

// PoolTapes returns the cartridge IDs belonging to a pool.
func (inv *Inventory) PoolTapes(name string) ([]string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	p, ok := inv.pools[name]
	if !ok {
		return nil, core.ErrPoolNotExists
	}
	out := make([]string, 0, len(p.Tapes))
	for t := range p.Tapes {
		out = append(out, t)
	}
	return out, nil
}

// RequestExists reports whether a drive already has a tape-move request
// pending for (reqNum, pool), which the scheduler uses to avoid
// double-enqueuing a mount/move/unmount for the same request.
func (inv *Inventory) RequestExists(reqNum int64, pool string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, d := range inv.drives {
		if d.MoveReqNum == reqNum && d.MovePool == pool {
			return true
		}
	}
	return false
}

// SetMoveRequest records that driveID has a pending tape-move request for
// (reqNum, pool), so RequestExists can find it.
func (inv *Inventory) SetMoveRequest(driveID string, reqNum int64, pool string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if d, ok := inv.drives[driveID]; ok {
		d.MoveReqNum, d.MovePool = reqNum, pool
	}
}

// ClearMoveRequest clears a drive's pending tape-move bookkeeping once the
// Tape Mover has picked the request up.
func (inv *Inventory) ClearMoveRequest(driveID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if d, ok := inv.drives[driveID]; ok {
		d.MoveReqNum, d.MovePool = core.UnsetReqNum, ""
	}
}

// MakeUse reserves driveID/tapeID for I/O: marks the drive busy and the
// cartridge Inuse. The scheduler calls this once resAvail has decided to
// dispatch a request against this drive/cartridge pair.
func (inv *Inventory) MakeUse(driveID, tapeID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if d, ok := inv.drives[driveID]; ok {
		d.Busy = true
	}
	if c, ok := inv.cartridges[tapeID]; ok {
		c.State = core.Inuse
		c.DriveID = driveID
	}
}

// Release gives driveID/tapeID back to the pool of available resources
// once a worker finishes using them.
func (inv *Inventory) Release(driveID, tapeID string) {
	inv.mu.Lock()
	if d, ok := inv.drives[driveID]; ok {
		d.Busy = false
	}
	var c *Cartridge
	if cc, ok := inv.cartridges[tapeID]; ok {
		cc.State = core.Mounted
		c = cc
	}
	inv.mu.Unlock()
	if c != nil {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// DriveIsUsable reports whether driveID can be handed a new tape-move
// request: it must not be busy, and any pending move request on it must be
// for the same (reqNum, pool) we're considering.
func (inv *Inventory) DriveIsUsable(driveID string, reqNum int64, pool string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.drives[driveID]
	if !ok || d.Busy {
		return false
	}
	if d.MoveReqNum != core.UnsetReqNum && (d.MoveReqNum != reqNum || d.MovePool != pool) {
		return false
	}
	return true
}

// SetCartridgeState transitions a cartridge's state, e.g. when the Tape
// Mover finishes a mount/unmount.
func (inv *Inventory) SetCartridgeState(tapeID string, state core.CartridgeState, driveID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.cartridges[tapeID]
	if !ok {
		return
	}
	c.State = state
	c.DriveID = driveID
	if d, ok := inv.drives[driveID]; ok {
		switch state {
		case core.Mounted:
			d.CartridgeID = tapeID
		case core.Unmounted:
			if d.CartridgeID == tapeID {
				d.CartridgeID = ""
			}
		}
	}
}

// RequestYield marks tapeID as wanted by a higher-priority operation. A
// worker holding the cartridge observes this via IsRequested and is
// expected to suspend cooperatively. toUnblock is the priority of the
// waiting operation; the drive's ToUnblock is only ever lowered to it
// (toward more urgent), never raised.
func (inv *Inventory) RequestYield(driveID, tapeID string, toUnblock core.Operation) {
	inv.mu.Lock()
	if d, ok := inv.drives[driveID]; ok && toUnblock < d.ToUnblock {
		d.ToUnblock = toUnblock
	}
	c, ok := inv.cartridges[tapeID]
	if ok {
		c.Requested = true
	}
	inv.mu.Unlock()
}

// ToUnblock returns the priority threshold a drive is currently enforcing,
// and whether preemption is pending at all.
func (inv *Inventory) ToUnblock(driveID string) (core.Operation, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.drives[driveID]
	if !ok || d.ToUnblock == noToUnblock {
		return 0, false
	}
	return d.ToUnblock, true
}

// ResetToUnblock clears a drive's preemption threshold once the pending
// request has been serviced.
func (inv *Inventory) ResetToUnblock(driveID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if d, ok := inv.drives[driveID]; ok {
		d.ToUnblock = noToUnblock
	}
}

// IsRequested reports whether a cartridge has a pending yield request.
func (inv *Inventory) IsRequested(tapeID string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.cartridges[tapeID]
	return ok && c.Requested
}

// UnsetRequested clears a cartridge's yield flag once the waiting request
// has moved on to a different resource.
func (inv *Inventory) UnsetRequested(tapeID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if c, ok := inv.cartridges[tapeID]; ok {
		c.Requested = false
	}
}

// WaitForRelease blocks the calling worker until tapeID is no longer Inuse,
// used after RequestYield to wait for the current holder to give it up.
func (inv *Inventory) WaitForRelease(tapeID string) {
	inv.mu.Lock()
	c, ok := inv.cartridges[tapeID]
	inv.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	for {
		inv.mu.Lock()
		state := c.State
		inv.mu.Unlock()
		if state != core.Inuse {
			break
		}
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// NotifyAll wakes every cartridge's condition variable, used once on
// shutdown to unstick any worker blocked in WaitForRelease.
func (inv *Inventory) NotifyAll() {
	inv.mu.Lock()
	cs := make([]*Cartridge, 0, len(inv.cartridges))
	for _, c := range inv.cartridges {
		cs = append(cs, c)
	}
	inv.mu.Unlock()
	for _, c := range cs {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}
