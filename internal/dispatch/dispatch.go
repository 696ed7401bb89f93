// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package dispatch implements the daemon's side of the ltfsdm protocol:
// one Dispatcher per accepted connection, decoding Envelopes and routing
// each to the handler for its Kind.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"os"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/fileop"
	"github.com/ltfsdm/ltfsdmd/internal/inventory"
	"github.com/ltfsdm/ltfsdmd/internal/ltfs"
	"github.com/ltfsdm/ltfsdmd/internal/metrics"
	"github.com/ltfsdm/ltfsdmd/internal/poolfile"
	"github.com/ltfsdm/ltfsdmd/internal/proto"
	"github.com/ltfsdm/ltfsdmd/internal/queuestore"
	"github.com/ltfsdm/ltfsdmd/internal/scheduler"
	"github.com/ltfsdm/ltfsdmd/internal/termstate"
)

var dispatchMetric = metrics.NewOpMetric("ltfsdm_dispatch", "kind")

// Deps are the shared server-side dependencies every Dispatcher needs.
type Deps struct {
	Store      *queuestore.Store
	Inv        *inventory.Inventory
	Sched      *scheduler.Scheduler
	Term       *termstate.State
	Ops        map[core.Operation]fileop.Operation
	SessionKey int64
	NextReqNum func() int64

	// Lib is consulted by handleRetrieve to rescan the library on a
	// "retrieve" request. Nil disables the rescan (e.g. in tests that
	// don't exercise it).
	Lib ltfs.Library
	// PoolFile is the path pool membership is persisted to and reloaded
	// from by handlePool and handleRetrieve respectively.
	PoolFile string
	// PoolCache mirrors pool membership for fast lookup; kept in sync
	// with PoolFile by handlePool. May be nil.
	PoolCache *poolfile.Cache
}

// dedupHintCacheSize bounds the per-connection send-objects dedup cache.
// It only needs to be big enough to catch a client retransmitting the tail
// of its last batch after a timeout, not to remember an entire session.
const dedupHintCacheSize = 4096

type dedupKey struct {
	reqNum   int64
	fileName string
}

// Dispatcher owns one accepted connection for its lifetime.
type Dispatcher struct {
	deps Deps
	conn net.Conn
	cdc  *proto.Codec

	authenticated bool

	// seen is a hint, not a source of truth: a (reqNum, fileName) pair we
	// already forwarded to AddRequest on this connection. A client that
	// times out waiting for an ack and resends the same file would
	// otherwise re-insert it into the queue store only to hit its
	// uniqueness constraint; checking here lets the common case (no
	// retransmit) skip straight through without that round trip.
	seen *lru.Cache
}

// New returns a Dispatcher for a freshly accepted connection.
func New(conn net.Conn, deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps, conn: conn, cdc: proto.NewCodec(conn), seen: lru.New(dedupHintCacheSize)}
}

// Serve processes Envelopes from the connection until it's closed, EOF is
// reached, or ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) {
	defer d.cdc.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		env, err := d.cdc.Recv()
		if err != nil {
			if err != io.EOF {
				log.Infof("dispatch: connection closed: %s", err)
			}
			return
		}
		if !d.authorize(env) {
			continue
		}
		if d.handle(ctx, env) {
			return // connection should be closed (e.g. after stop completes)
		}
	}
}

// authorize checks the session key on every message except the initial
// StatusReq handshake, rejecting with ErrBadSessionKey otherwise.
func (d *Dispatcher) authorize(env *proto.Envelope) bool {
	if env.Kind == proto.KindStatusReq {
		return true
	}
	if env.SessionKey != d.deps.SessionKey {
		d.cdc.Send(&proto.Envelope{Kind: env.Kind, Payload: errorPayload(env.Kind, core.ErrBadSessionKey)})
		return false
	}
	return true
}

func (d *Dispatcher) handle(ctx context.Context, env *proto.Envelope) (closeConn bool) {
	meas := dispatchMetric.Start(kindLabel(env.Kind))
	defer meas.End()

	switch env.Kind {
	case proto.KindStatusReq:
		d.handleStatus()
	case proto.KindAddReq:
		d.handleAdd(env.Payload.(proto.AddReq))
	case proto.KindMigrateReq:
		d.handleMigrate(env.Payload.(proto.MigrateReq))
	case proto.KindRecallReq:
		d.handleRecall(env.Payload.(proto.RecallReq))
	case proto.KindSendObjectsReq:
		d.handleSendObjects(env.Payload.(proto.SendObjectsReq))
	case proto.KindReqStatusReq:
		d.handleReqStatus(env.Payload.(proto.ReqStatusReq))
	case proto.KindInfoReq:
		d.handleInfo(env.Payload.(proto.InfoReq))
	case proto.KindPoolReq:
		d.handlePool(env.Payload.(proto.PoolReq))
	case proto.KindRetrieveReq:
		d.handleRetrieve(env.Payload.(proto.RetrieveReq))
	case proto.KindStopReq:
		return d.handleStop(env.Payload.(proto.StopReq))
	default:
		meas.Failed()
		d.cdc.Send(&proto.Envelope{Kind: env.Kind, Payload: errorPayload(env.Kind, core.ErrUnknownRequest)})
	}
	return false
}

func kindLabel(k proto.Kind) string {
	switch k {
	case proto.KindStatusReq:
		return "status"
	case proto.KindAddReq:
		return "add"
	case proto.KindMigrateReq:
		return "migrate"
	case proto.KindRecallReq:
		return "recall"
	case proto.KindSendObjectsReq:
		return "sendobjects"
	case proto.KindReqStatusReq:
		return "reqstatus"
	case proto.KindInfoReq:
		return "info"
	case proto.KindPoolReq:
		return "pool"
	case proto.KindRetrieveReq:
		return "retrieve"
	case proto.KindStopReq:
		return "stop"
	default:
		return "unknown"
	}
}

func errorPayload(k proto.Kind, code core.Error) interface{} {
	switch k {
	case proto.KindAddReq:
		return proto.AddResp{Success: false, ErrCode: code}
	case proto.KindMigrateReq:
		return proto.MigrateResp{Success: false, ErrCode: code}
	case proto.KindRecallReq:
		return proto.RecallResp{Success: false, ErrCode: code}
	case proto.KindSendObjectsReq:
		return proto.SendObjectsResp{Success: false, ErrCode: code, Pid: os.Getpid()}
	case proto.KindReqStatusReq:
		return proto.ReqStatusResp{Success: false, ErrCode: code}
	case proto.KindPoolReq:
		return proto.PoolResp{Success: false, ErrCode: code}
	case proto.KindRetrieveReq:
		return proto.RetrieveResp{Success: false, ErrCode: code}
	default:
		return proto.InfoRequestsResp{Success: false, ErrCode: code}
	}
}

func (d *Dispatcher) handleStatus() {
	key := d.deps.SessionKey
	if key == 0 {
		key = genSessionKey()
	}
	d.cdc.Send(&proto.Envelope{Kind: proto.KindStatusResp, Payload: proto.StatusResp{
		Success: true, Pid: os.Getpid(), SessionKey: key,
	}})
}

func genSessionKey() int64 {
	var b [8]byte
	rand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:]) &^ (1 << 63))
}

func (d *Dispatcher) handleAdd(req proto.AddReq) {
	// The filesystem is neither checked nor registered with a connector
	// here or anywhere else in the daemon; the request is simply
	// acknowledged with Success.
	d.cdc.Send(&proto.Envelope{Kind: proto.KindAddResp, Payload: proto.AddResp{Success: true}})
}

func (d *Dispatcher) handleMigrate(req proto.MigrateReq) {
	if len(req.Pools) == 0 || len(req.Pools) > core.MaxReplicas {
		d.cdc.Send(&proto.Envelope{Kind: proto.KindMigrateResp, Payload: proto.MigrateResp{
			Success: false, ErrCode: core.ErrWrongPoolNum,
		}})
		return
	}
	for _, p := range req.Pools {
		if _, err := d.deps.Inv.PoolTapes(p); err != nil {
			d.cdc.Send(&proto.Envelope{Kind: proto.KindMigrateResp, Payload: proto.MigrateResp{
				Success: false, ErrCode: core.ErrNotAllPoolsExist,
			}})
			return
		}
	}
	reqNum := d.deps.NextReqNum()
	for replNum, pool := range req.Pools {
		if err := d.deps.Store.InsertRequest(queuestore.RequestRow{
			Operation: core.OpMigration, ReqNum: reqNum, NumRepl: len(req.Pools),
			ReplNum: replNum, Pool: pool, State: core.ReqNew,
		}); err != nil {
			log.Errorf("dispatch: migrate InsertRequest: %s", err)
		}
	}
	d.cdc.Send(&proto.Envelope{Kind: proto.KindMigrateResp, Payload: proto.MigrateResp{
		Success: true, ReqNum: reqNum, NumRepl: len(req.Pools),
	}})
}

func (d *Dispatcher) handleRecall(req proto.RecallReq) {
	reqNum := d.deps.NextReqNum()
	tgt := core.Premigrated
	if req.Resident {
		tgt = core.Resident
	}
	if err := d.deps.Store.InsertRequest(queuestore.RequestRow{
		Operation: core.OpSelRecall, ReqNum: reqNum, TgtState: tgt, NumRepl: 1, State: core.ReqNew,
	}); err != nil {
		log.Errorf("dispatch: recall InsertRequest: %s", err)
	}
	d.cdc.Send(&proto.Envelope{Kind: proto.KindRecallResp, Payload: proto.RecallResp{Success: true, ReqNum: reqNum}})
}

// handleSendObjects implements the streaming receive-objects loop: one ack
// per file (or per end-of-batch sentinel), always carrying ReqNum and Pid
// regardless of whether this particular file succeeded.
func (d *Dispatcher) handleSendObjects(first proto.SendObjectsReq) {
	req := first
	for {
		if req.FileName == "" {
			d.cdc.Send(&proto.Envelope{Kind: proto.KindSendObjectsResp, Payload: proto.SendObjectsResp{
				Success: true, ReqNum: req.ReqNum, Pid: os.Getpid(),
			}})
			return
		}

		key := dedupKey{reqNum: req.ReqNum, fileName: req.FileName}
		resp := proto.SendObjectsResp{Success: true, ReqNum: req.ReqNum, Pid: os.Getpid()}
		if _, dup := d.seen.Get(key); !dup {
			op, state := d.lookupAddTarget(req.ReqNum)
			var err error
			if op != nil {
				err = op.AddRequest(req.ReqNum, 0, []string{req.FileName}, "")
			}
			resp.Success = err == nil
			if err != nil {
				resp.ErrCode = core.Code(err)
			} else {
				d.seen.Add(key, struct{}{})
			}
			_ = state
		}
		d.cdc.Send(&proto.Envelope{Kind: proto.KindSendObjectsResp, Payload: resp})
		d.deps.Sched.Notify()

		env, err := d.cdc.Recv()
		if err != nil {
			return
		}
		if env.Kind != proto.KindSendObjectsReq {
			return
		}
		req = env.Payload.(proto.SendObjectsReq)
	}
}

// lookupAddTarget finds the worker a request's files should be registered
// with by inspecting its operation in the store.
func (d *Dispatcher) lookupAddTarget(reqNum int64) (fileop.Operation, core.RequestState) {
	rows, err := d.deps.Store.SelectNewRequests()
	if err != nil {
		return nil, core.ReqNew
	}
	for _, r := range rows {
		if r.ReqNum == reqNum {
			return d.deps.Ops[r.Operation], r.State
		}
	}
	return nil, core.ReqNew
}

// handleReqStatus answers one ReqStatusReq with one ReqStatusResp, then
// waits on the same connection for the client's next poll until the
// request is done, matching the original protocol's client-paced
// do-while-on-the-same-connection shape.
func (d *Dispatcher) handleReqStatus(req proto.ReqStatusReq) {
	for {
		resident, premigrated, migrated, failed, done := d.queryAny(req.ReqNum)
		d.cdc.Send(&proto.Envelope{Kind: proto.KindReqStatusResp, Payload: proto.ReqStatusResp{
			Success: true, Resident: resident, Premigrated: premigrated,
			Migrated: migrated, Failed: failed, Done: done,
		}})
		if done {
			return
		}
		env, err := d.cdc.Recv()
		if err != nil || env.Kind != proto.KindReqStatusReq {
			return
		}
		req = env.Payload.(proto.ReqStatusReq)
	}
}

// queryAny reports reqNum's counters. Every registered worker reads the
// same per-request job counts, so the first answer without an error is
// used as is.
func (d *Dispatcher) queryAny(reqNum int64) (resident, premigrated, migrated, failed int, done bool) {
	for _, op := range d.deps.Ops {
		r, p, m, f, dn, err := op.QueryResult(reqNum, 0)
		if err == nil {
			return r, p, m, f, dn
		}
	}
	return
}

func (d *Dispatcher) handleInfo(req proto.InfoReq) {
	switch req.What {
	case "drives":
		var rows []proto.InfoDriveRow
		for _, id := range d.deps.Inv.Drives() {
			dr, _ := d.deps.Inv.GetDrive(id)
			rows = append(rows, proto.InfoDriveRow{DriveID: id, Busy: dr.Busy, CartridgeID: dr.CartridgeID})
		}
		d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoDrivesResp, Payload: proto.InfoDrivesResp{Success: true, Rows: rows}})
	case "tapes":
		var ids []string
		var err error
		if req.Pool != "" {
			ids, err = d.deps.Inv.PoolTapes(req.Pool)
		} else {
			ids = d.deps.Inv.Cartridges()
		}
		if err != nil {
			d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoTapesResp, Payload: proto.InfoTapesResp{Success: false, ErrCode: core.Code(err)}})
			return
		}
		var rows []proto.InfoTapeRow
		for _, id := range ids {
			c, ok := d.deps.Inv.GetCartridge(id)
			row := proto.InfoTapeRow{TapeID: id}
			if ok {
				row.Pool = c.Pool
				if c.State == core.Unknown {
					// Sentinel: both Status and State stay empty for a
					// cartridge never inventorized, rather than leaving
					// one populated and the other zero-valued.
					row.Status, row.State = "", ""
				} else {
					row.State = c.State.String()
					row.Status = "ok"
					if c.WriteProtected {
						row.Status = "write-protected"
					}
				}
			}
			rows = append(rows, row)
		}
		d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoTapesResp, Payload: proto.InfoTapesResp{Success: true, Rows: rows}})
	case "pools":
		pools := make(map[string][]string)
		for _, name := range d.deps.Inv.Pools() {
			tapes, _ := d.deps.Inv.PoolTapes(name)
			pools[name] = tapes
		}
		d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoPoolsResp, Payload: proto.InfoPoolsResp{Success: true, Pools: pools}})
	case "jobs":
		rows, err := d.deps.Store.JobsByRequest(req.ReqNum, 0)
		if err != nil {
			d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoJobsResp, Payload: proto.InfoJobsResp{Success: false, ErrCode: core.Code(err)}})
			return
		}
		var out []proto.InfoJobRow
		for _, j := range rows {
			out = append(out, proto.InfoJobRow{FileName: j.FileName, FileState: j.FileState.String(), FileSize: j.FileSize, TapeID: j.TapeID})
		}
		d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoJobsResp, Payload: proto.InfoJobsResp{Success: true, Rows: out}})
	default: // "requests"
		rows, err := d.deps.Store.SelectNewRequests()
		if err != nil {
			d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoRequestsResp, Payload: proto.InfoRequestsResp{Success: false, ErrCode: core.Code(err)}})
			return
		}
		var out []proto.InfoRequestRow
		for _, r := range rows {
			out = append(out, proto.InfoRequestRow{ReqNum: r.ReqNum, Operation: r.Operation.String(), State: r.State.String(), Pool: r.Pool, TapeID: r.TapeID})
		}
		d.cdc.Send(&proto.Envelope{Kind: proto.KindInfoRequestsResp, Payload: proto.InfoRequestsResp{Success: true, Rows: out}})
	}
}

func (d *Dispatcher) handlePool(req proto.PoolReq) {
	var err error
	switch req.Action {
	case "create":
		err = d.deps.Inv.PoolCreate(req.Pool)
	case "delete":
		err = d.deps.Inv.PoolDelete(req.Pool)
	case "add":
		err = d.deps.Inv.PoolAdd(req.Pool, req.TapeID)
	case "remove":
		err = d.deps.Inv.PoolRemove(req.Pool, req.TapeID)
	default:
		err = core.ErrUnknownRequest
	}
	if err == nil {
		d.persistPools()
	}
	resp := proto.PoolResp{Success: err == nil}
	if err != nil {
		resp.ErrCode = core.Code(err)
	}
	d.cdc.Send(&proto.Envelope{Kind: proto.KindPoolResp, Payload: resp})
}

// persistPools writes pool membership to PoolFile and refreshes PoolCache
// so a mutation survives a non-graceful restart instead of only living in
// memory until the next clean shutdown.
func (d *Dispatcher) persistPools() {
	if d.deps.PoolFile != "" {
		if err := poolfile.Save(d.deps.PoolFile, d.deps.Inv); err != nil {
			log.Errorf("dispatch: saving pool file: %s", err)
		}
	}
	if d.deps.PoolCache != nil {
		if err := d.deps.PoolCache.Rebuild(d.deps.Inv); err != nil {
			log.Errorf("dispatch: rebuilding pool cache: %s", err)
		}
	}
}

// handleRetrieve rescans the library (inventorize) and reloads pool
// membership from disk, then re-queues any FAILED files from a prior
// request as a fresh selective recall.
func (d *Dispatcher) handleRetrieve(req proto.RetrieveReq) {
	if d.deps.Lib != nil {
		if err := d.deps.Inv.Inventorize(d.deps.Lib); err != nil {
			log.Errorf("dispatch: retrieve inventorize: %s", err)
		}
	}
	if d.deps.PoolFile != "" {
		if err := poolfile.Load(d.deps.PoolFile, d.deps.Inv); err != nil {
			log.Errorf("dispatch: retrieve reloading pool file: %s", err)
		}
	}

	rows, err := d.deps.Store.JobsByRequest(req.ReqNum, 0)
	if err != nil {
		d.cdc.Send(&proto.Envelope{Kind: proto.KindRetrieveResp, Payload: proto.RetrieveResp{Success: false, ErrCode: core.Code(err)}})
		return
	}
	newReq := d.deps.NextReqNum()
	var files []string
	for _, j := range rows {
		if j.FileState == core.Failed {
			files = append(files, j.FileName)
		}
	}
	if err := d.deps.Store.InsertRequest(queuestore.RequestRow{
		Operation: core.OpSelRecall, ReqNum: newReq, NumRepl: 1, State: core.ReqNew,
	}); err != nil {
		d.cdc.Send(&proto.Envelope{Kind: proto.KindRetrieveResp, Payload: proto.RetrieveResp{Success: false, ErrCode: core.Code(err)}})
		return
	}
	if op, ok := d.deps.Ops[core.OpSelRecall]; ok {
		op.AddRequest(newReq, 0, files, "")
	}
	d.deps.Sched.Notify()
	d.cdc.Send(&proto.Envelope{Kind: proto.KindRetrieveResp, Payload: proto.RetrieveResp{Success: true, NewReq: newReq}})
}

// handleStop implements the stop drain loop: mark termination requested,
// then repeatedly report how many requests remain in-progress until none
// do, at which point the connection is closed and the scheduler's waiting
// workers are released.
func (d *Dispatcher) handleStop(req proto.StopReq) (closeConn bool) {
	d.deps.Term.RequestStop(req.Forced, req.Finish)
	d.deps.Sched.Notify()
	for {
		n, err := d.deps.Store.CountInProgress()
		if err != nil {
			n = 0
		}
		d.cdc.Send(&proto.Envelope{Kind: proto.KindStopResp, Payload: proto.StopResp{Success: n == 0, NumReqs: n}})
		if n == 0 {
			return true
		}
		env, err := d.cdc.Recv()
		if err != nil || env.Kind != proto.KindStopReq {
			return true
		}
	}
}
