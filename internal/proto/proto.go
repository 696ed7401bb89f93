// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package proto defines the wire messages exchanged between the ltfsdm CLI
// client and the ltfsdmd daemon over one persistent, session-keyed TCP
// connection. Every message is carried inside an Envelope and gob-encoded;
// see Codec for the framing.
package proto

import "github.com/ltfsdm/ltfsdmd/internal/core"

// Kind identifies which payload an Envelope carries.
type Kind int

const (
	KindStatusReq Kind = iota
	KindStatusResp
	KindAddReq
	KindAddResp
	KindMigrateReq
	KindMigrateResp
	KindRecallReq
	KindRecallResp
	KindSendObjectsReq
	KindSendObjectsResp
	KindReqStatusReq
	KindReqStatusResp
	KindInfoReq
	KindInfoRequestsResp
	KindInfoJobsResp
	KindInfoDrivesResp
	KindInfoTapesResp
	KindInfoPoolsResp
	KindPoolReq
	KindPoolResp
	KindRetrieveReq
	KindRetrieveResp
	KindStopReq
	KindStopResp
)

// Envelope wraps every message on the wire with its Kind and session key,
// so the dispatcher can authenticate and route it with a single type
// switch over Kind before decoding the concrete payload that follows.
type Envelope struct {
	Kind       Kind
	SessionKey int64
	Payload    interface{}
}

// StatusReq asks the daemon to report it is alive; sent before a session
// key has been negotiated.
type StatusReq struct{}

// StatusResp reports the daemon's pid and assigns the session its key.
type StatusResp struct {
	Success    bool
	Pid        int
	SessionKey int64
}

// AddReq registers a managed filesystem.
type AddReq struct {
	FsName string
}

// AddResp reports the result of AddReq.
type AddResp struct {
	Success bool
	ErrCode core.Error
}

// MigrateReq starts a migration request targeting one or more pools (one
// tape replica per pool, up to core.MaxReplicas).
type MigrateReq struct {
	Pools []string
}

// MigrateResp reports the request number assigned, so the client can
// stream files with SendObjectsReq and later poll with ReqStatusReq.
type MigrateResp struct {
	Success bool
	ErrCode core.Error
	ReqNum  int64
	NumRepl int
}

// RecallReq starts a selective recall request. Resident is stored as the
// request's target state (RESIDENT when true, PREMIGRATED otherwise); the
// recall worker does not read it and returns every recalled file to
// RESIDENT.
type RecallReq struct {
	Resident bool
}

// RecallResp reports the request number assigned.
type RecallResp struct {
	Success bool
	ErrCode core.Error
	ReqNum  int64
}

// SendObjectsReq streams one batch of file paths belonging to an
// already-started migrate/recall request. An empty FileName ends the
// batch (mirrors the original protocol's sentinel-terminated stream).
type SendObjectsReq struct {
	ReqNum   int64
	FileName string
}

// SendObjectsResp acknowledges one file (or the end-of-batch sentinel).
// Success/ErrCode report this file specifically; ReqNum and Pid are
// carried on every ack, including failed ones, so a client that only
// inspects the last response of a batch still learns the request number.
type SendObjectsResp struct {
	Success bool
	ErrCode core.Error
	ReqNum  int64
	Pid     int
}

// ReqStatusReq polls a request's progress once. The server answers each
// ReqStatusReq with one ReqStatusResp and keeps reading further polls on
// the same connection until a response reports Done.
type ReqStatusReq struct {
	ReqNum int64
}

// ReqStatusResp reports per-file-state counters.
type ReqStatusResp struct {
	Success     bool
	ErrCode     core.Error
	Resident    int
	Premigrated int
	Migrated    int
	Failed      int
	Done        bool
}

// InfoReq asks for one of the info sub-reports.
type InfoReq struct {
	What    string // "requests", "jobs", "drives", "tapes", "pools"
	ReqNum  int64  // for "jobs"
	Pool    string // for "tapes" scoped to one pool
}

// InfoRequestRow is one row of `info requests`.
type InfoRequestRow struct {
	ReqNum    int64
	Operation string
	State     string
	Pool      string
	TapeID    string
}

// InfoRequestsResp lists every request the store knows about.
type InfoRequestsResp struct {
	Success bool
	ErrCode core.Error
	Rows    []InfoRequestRow
}

// InfoJobRow is one row of `info jobs`.
type InfoJobRow struct {
	FileName  string
	FileState string
	FileSize  int64
	TapeID    string
}

// InfoJobsResp lists a request's job rows.
type InfoJobsResp struct {
	Success bool
	ErrCode core.Error
	Rows    []InfoJobRow
}

// InfoDriveRow is one row of `info drives`.
type InfoDriveRow struct {
	DriveID     string
	Busy        bool
	CartridgeID string
}

// InfoDrivesResp lists every known drive.
type InfoDrivesResp struct {
	Success bool
	ErrCode core.Error
	Rows    []InfoDriveRow
}

// InfoTapeRow is one row of `info tapes`. A cartridge that hasn't yet been
// inventorized reports both Status and State as empty strings, rather than
// leaving one populated and the other zero-valued.
type InfoTapeRow struct {
	TapeID string
	Pool   string
	Status string
	State  string
}

// InfoTapesResp lists cartridges, optionally scoped to one pool.
type InfoTapesResp struct {
	Success bool
	ErrCode core.Error
	Rows    []InfoTapeRow
}

// InfoPoolsResp lists every pool and its member tapes.
type InfoPoolsResp struct {
	Success bool
	ErrCode core.Error
	Pools   map[string][]string
}

// PoolReq performs a pool management operation.
type PoolReq struct {
	Action string // "create", "delete", "add", "remove"
	Pool   string
	TapeID string // for "add"/"remove"
}

// PoolResp reports the result of PoolReq.
type PoolResp struct {
	Success bool
	ErrCode core.Error
}

// RetrieveReq asks the daemon to rescan the library, reload pool
// membership, and re-submit a request's FAILED files as a fresh selective
// recall request.
type RetrieveReq struct {
	ReqNum int64
}

// RetrieveResp reports the new request number created.
type RetrieveResp struct {
	Success bool
	ErrCode core.Error
	NewReq  int64
}

// StopReq asks the daemon to shut down. Forced and Finish are recorded in
// the daemon's termination state; the stop drain loop and the workers
// behave the same whatever their values.
type StopReq struct {
	Forced bool
	Finish bool
}

// StopResp is sent repeatedly while the daemon drains in-flight requests;
// Success becomes true once none remain, at which point the connection is
// closed by the server.
type StopResp struct {
	Success bool
	NumReqs int
}
