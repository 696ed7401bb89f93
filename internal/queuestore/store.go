// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package queuestore is the persistent request/job queue backing the
// scheduler. It is a thin, mutex-serialized wrapper around a SQLite
// database holding the REQUEST_QUEUE and JOB_QUEUE tables, modeled on
// the prepared-statement style of a single-writer sqlite handle.
package queuestore

import (
	"database/sql"
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	// Import sqlite3 driver so that we can open a db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	"github.com/ltfsdm/ltfsdmd/internal/core"
)

const (
	createRequestQueue = `CREATE TABLE IF NOT EXISTS REQUEST_QUEUE (
		OPERATION  INTEGER NOT NULL,
		REQ_NUM    INTEGER NOT NULL,
		TGT_STATE  INTEGER NOT NULL,
		NUM_REPL   INTEGER NOT NULL,
		REPL_NUM   INTEGER NOT NULL,
		POOL       TEXT NOT NULL,
		TAPE_ID    TEXT NOT NULL,
		DRIVE_ID   TEXT NOT NULL,
		STATE      INTEGER NOT NULL,
		PRIMARY KEY (REQ_NUM, REPL_NUM)
	)`

	createJobQueue = `CREATE TABLE IF NOT EXISTS JOB_QUEUE (
		OPERATION  INTEGER NOT NULL,
		FILE_NAME  TEXT NOT NULL,
		REQ_NUM    INTEGER NOT NULL,
		REPL_NUM   INTEGER NOT NULL,
		FILE_SIZE  INTEGER NOT NULL,
		TAPE_ID    TEXT NOT NULL,
		FILE_STATE INTEGER NOT NULL,
		PRIMARY KEY (FILE_NAME, REQ_NUM, REPL_NUM)
	)`
)

// RequestRow is one row of REQUEST_QUEUE.
type RequestRow struct {
	Operation core.Operation
	ReqNum    int64
	TgtState  core.FileState
	NumRepl   int
	ReplNum   int
	Pool      string
	TapeID    string
	DriveID   string
	State     core.RequestState
}

// JobRow is one row of JOB_QUEUE.
type JobRow struct {
	Operation core.Operation
	FileName  string
	ReqNum    int64
	ReplNum   int
	FileSize  int64
	TapeID    string
	FileState core.FileState
}

// StoreError wraps a failure from the underlying sqlite3 driver with the
// operation that triggered it, so callers can branch on distinct failure
// kinds (e.g. job uniqueness violations) without inspecting driver
// internals directly.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("queuestore: %s: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Code maps a StoreError to a core.Error, distinguishing duplicate-job
// insertions from any other store failure, per spec's propagation policy.
func (e *StoreError) Code() core.Error {
	var sqliteErr sqlite3.Error
	if e.Op == "InsertJob" && errors.As(e.Err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return core.ErrDuplicateJob
		}
	}
	return core.ErrGeneral
}

// Store is the persistent queue store. All access is serialized through
// a single mutex, matching the single-writer discipline the spec
// requires for a store that must be usable from multiple goroutines.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	insertRequestStmt   *sql.Stmt
	updateRequestStmt   *sql.Stmt
	reserveTapeMoveStmt *sql.Stmt
	reserveMigStmt      *sql.Stmt
	reserveRecStmt      *sql.Stmt
	selectNewStmt       *sql.Stmt
	countInProgStmt     *sql.Stmt

	insertJobStmt        *sql.Stmt
	updateJobStateStmt   *sql.Stmt
	requeueJobsStmt      *sql.Stmt
	jobsByRequestStmt    *sql.Stmt
	jobCountsStmt        *sql.Stmt
	smallestMigJobStmt   *sql.Stmt
}

// Open creates or opens the sqlite database at path and prepares every
// statement the store needs, failing fast (as the teacher's SqliteDB
// constructor does) if any of them can't be prepared.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening queue store")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createRequestQueue); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating REQUEST_QUEUE")
	}
	if _, err := db.Exec(createJobQueue); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating JOB_QUEUE")
	}

	s := &Store{db: db}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("queuestore: opened %s", path)
	return s, nil
}

func (s *Store) prepare() error {
	type stmtDef struct {
		dst **sql.Stmt
		sql string
	}
	defs := []stmtDef{
		{&s.insertRequestStmt, `INSERT INTO REQUEST_QUEUE
			(OPERATION, REQ_NUM, TGT_STATE, NUM_REPL, REPL_NUM, POOL, TAPE_ID, DRIVE_ID, STATE)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.updateRequestStmt, `UPDATE REQUEST_QUEUE SET STATE=? WHERE REQ_NUM=?`},
		{&s.reserveTapeMoveStmt, `UPDATE REQUEST_QUEUE SET STATE=? WHERE REQ_NUM=?`},
		{&s.reserveMigStmt, `UPDATE REQUEST_QUEUE SET STATE=?, TAPE_ID=? WHERE REQ_NUM=? AND REPL_NUM=? AND POOL=?`},
		{&s.reserveRecStmt, `UPDATE REQUEST_QUEUE SET STATE=? WHERE REQ_NUM=? AND TAPE_ID=?`},
		{&s.selectNewStmt, `SELECT OPERATION, REQ_NUM, TGT_STATE, NUM_REPL, REPL_NUM, POOL, TAPE_ID, DRIVE_ID, STATE
			FROM REQUEST_QUEUE WHERE STATE=? ORDER BY OPERATION ASC, REQ_NUM ASC`},
		{&s.countInProgStmt, `SELECT COUNT(*) FROM REQUEST_QUEUE WHERE STATE=?`},
		{&s.insertJobStmt, `INSERT INTO JOB_QUEUE
			(OPERATION, FILE_NAME, REQ_NUM, REPL_NUM, FILE_SIZE, TAPE_ID, FILE_STATE)
			VALUES (?, ?, ?, ?, ?, ?, ?)`},
		{&s.updateJobStateStmt, `UPDATE JOB_QUEUE SET FILE_STATE=? WHERE FILE_NAME=? AND REQ_NUM=? AND REPL_NUM=?`},
		{&s.requeueJobsStmt, `UPDATE JOB_QUEUE SET TAPE_ID='' WHERE REQ_NUM=? AND REPL_NUM=? AND TAPE_ID=?`},
		{&s.jobsByRequestStmt, `SELECT OPERATION, FILE_NAME, REQ_NUM, REPL_NUM, FILE_SIZE, TAPE_ID, FILE_STATE
			FROM JOB_QUEUE WHERE REQ_NUM=? AND REPL_NUM=? ORDER BY FILE_SIZE ASC`},
		{&s.jobCountsStmt, `SELECT FILE_STATE, COUNT(*) FROM JOB_QUEUE WHERE REQ_NUM=? GROUP BY FILE_STATE`},
		{&s.smallestMigJobStmt, `SELECT MIN(FILE_SIZE) FROM JOB_QUEUE WHERE REQ_NUM=? AND REPL_NUM=? AND FILE_STATE=? AND TAPE_ID=''`},
	}
	for _, d := range defs {
		stmt, err := s.db.Prepare(d.sql)
		if err != nil {
			return errors.Wrapf(err, "preparing statement %q", d.sql)
		}
		*d.dst = stmt
	}
	return nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// InsertRequest inserts a new REQUEST_QUEUE row in state r.State (the
// dispatcher always admits requests as NEW).
func (s *Store) InsertRequest(r RequestRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertRequestStmt.Exec(int(r.Operation), r.ReqNum, int(r.TgtState),
		r.NumRepl, r.ReplNum, r.Pool, r.TapeID, r.DriveID, int(r.State))
	if err != nil {
		return &StoreError{Op: "InsertRequest", Err: err}
	}
	return nil
}

// UpdateRequestState sets a request's lifecycle state.
func (s *Store) UpdateRequestState(reqNum int64, state core.RequestState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateRequestStmt.Exec(int(state), reqNum)
	if err != nil {
		return &StoreError{Op: "UpdateRequestState", Err: err}
	}
	return nil
}

// ReserveTapeMove atomically marks a mount/move/unmount request INPROGRESS.
func (s *Store) ReserveTapeMove(reqNum int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.reserveTapeMoveStmt.Exec(int(core.ReqInProgress), reqNum)
	if err != nil {
		return &StoreError{Op: "ReserveTapeMove", Err: err}
	}
	return nil
}

// ReserveMigration atomically marks a migration replica INPROGRESS and
// records the tape chosen for it.
func (s *Store) ReserveMigration(reqNum int64, replNum int, pool, tapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.reserveMigStmt.Exec(int(core.ReqInProgress), tapeID, reqNum, replNum, pool)
	if err != nil {
		return &StoreError{Op: "ReserveMigration", Err: err}
	}
	return nil
}

// ReserveRecall atomically marks a recall request INPROGRESS for a tape.
func (s *Store) ReserveRecall(reqNum int64, tapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.reserveRecStmt.Exec(int(core.ReqInProgress), reqNum, tapeID)
	if err != nil {
		return &StoreError{Op: "ReserveRecall", Err: err}
	}
	return nil
}

// SelectNewRequests returns every NEW request, ordered operation-code major
// (i.e. by scheduling priority) and reqNum minor, matching the ordering the
// scheduler's single SELECT relies on.
func (s *Store) SelectNewRequests() ([]RequestRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.selectNewStmt.Query(int(core.ReqNew))
	if err != nil {
		return nil, &StoreError{Op: "SelectNewRequests", Err: err}
	}
	defer rows.Close()

	var out []RequestRow
	for rows.Next() {
		var r RequestRow
		var op, tgt, state int
		if err := rows.Scan(&op, &r.ReqNum, &tgt, &r.NumRepl, &r.ReplNum,
			&r.Pool, &r.TapeID, &r.DriveID, &state); err != nil {
			return nil, &StoreError{Op: "SelectNewRequests", Err: err}
		}
		r.Operation = core.Operation(op)
		r.TgtState = core.FileState(tgt)
		r.State = core.RequestState(state)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "SelectNewRequests", Err: err}
	}
	return out, nil
}

// CountInProgress returns the number of requests currently INPROGRESS,
// used by the stop handler's drain loop (invariant I6).
func (s *Store) CountInProgress() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.countInProgStmt.QueryRow(int(core.ReqInProgress)).Scan(&n); err != nil {
		return 0, &StoreError{Op: "CountInProgress", Err: err}
	}
	return n, nil
}

// InsertJob inserts a new JOB_QUEUE row in state RESIDENT (migration) or
// its recall-appropriate starting state. Uniqueness violations on
// (FileName, ReqNum, ReplNum) surface as core.ErrDuplicateJob via
// StoreError.Code, so the dispatcher can report a per-file diagnostic
// without aborting the rest of the batch.
func (s *Store) InsertJob(j JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertJobStmt.Exec(int(j.Operation), j.FileName, j.ReqNum, j.ReplNum,
		j.FileSize, j.TapeID, int(j.FileState))
	if err != nil {
		return &StoreError{Op: "InsertJob", Err: err}
	}
	return nil
}

// UpdateJobState transitions one job's FileState.
func (s *Store) UpdateJobState(fileName string, reqNum int64, replNum int, state core.FileState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateJobStateStmt.Exec(int(state), fileName, reqNum, replNum)
	if err != nil {
		return &StoreError{Op: "UpdateJobState", Err: err}
	}
	return nil
}

// RequeueJobsClearTape clears TapeID on every remaining job for
// (reqNum, replNum) that was assigned to tapeID, so the scheduler will pick
// a fresh cartridge from the pool on its next pass. Called by the migration
// worker when a higher-priority operation has requested its cartridge; no
// caller reacts to a full tape.
func (s *Store) RequeueJobsClearTape(reqNum int64, replNum int, tapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.requeueJobsStmt.Exec(reqNum, replNum, tapeID)
	if err != nil {
		return &StoreError{Op: "RequeueJobsClearTape", Err: err}
	}
	return nil
}

// JobsByRequest returns every job for (reqNum, replNum) in ascending
// FileSize order, matching the migration worker's bin-packing iteration.
func (s *Store) JobsByRequest(reqNum int64, replNum int) ([]JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.jobsByRequestStmt.Query(reqNum, replNum)
	if err != nil {
		return nil, &StoreError{Op: "JobsByRequest", Err: err}
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		var j JobRow
		var op, state int
		if err := rows.Scan(&op, &j.FileName, &j.ReqNum, &j.ReplNum, &j.FileSize, &j.TapeID, &state); err != nil {
			return nil, &StoreError{Op: "JobsByRequest", Err: err}
		}
		j.Operation = core.Operation(op)
		j.FileState = core.FileState(state)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "JobsByRequest", Err: err}
	}
	return out, nil
}

// JobCounts aggregates a request's jobs by state for the status-poll
// response.
func (s *Store) JobCounts(reqNum int64) (resident, premigrated, migrated, failed int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, qerr := s.jobCountsStmt.Query(reqNum)
	if qerr != nil {
		err = &StoreError{Op: "JobCounts", Err: qerr}
		return
	}
	defer rows.Close()

	for rows.Next() {
		var state int
		var n int64
		if serr := rows.Scan(&state, &n); serr != nil {
			err = &StoreError{Op: "JobCounts", Err: serr}
			return
		}
		switch core.FileState(state) {
		case core.Resident:
			resident = n
		case core.Premigrated:
			premigrated = n
		case core.Migrated:
			migrated = n
		case core.Failed:
			failed = n
		}
	}
	if rerr := rows.Err(); rerr != nil {
		err = &StoreError{Op: "JobCounts", Err: rerr}
	}
	return
}

// SmallestMigrationJobSize returns the smallest RESIDENT, not-yet-assigned
// job size for (reqNum, replNum), used by the scheduler to compute
// minFileSize before calling poolResAvail. Returns (0, false) if there are
// no such jobs left (e.g. the replica is done).
func (s *Store) SmallestMigrationJobSize(reqNum int64, replNum int) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var size sql.NullInt64
	if err := s.smallestMigJobStmt.QueryRow(reqNum, replNum, int(core.Resident)).Scan(&size); err != nil {
		return 0, false, &StoreError{Op: "SmallestMigrationJobSize", Err: err}
	}
	if !size.Valid {
		return 0, false, nil
	}
	return size.Int64, true, nil
}
