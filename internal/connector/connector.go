// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package connector defines the filesystem connector boundary: the calls
// the core makes against the managed POSIX filesystem (extended attribute
// reads/writes, stub creation, data copy) without depending on any
// particular filesystem's kernel module or FUSE bridge. Real
// implementations live out of tree; Fake is an in-memory stand-in for
// tests.
package connector

import (
	"io"

	"github.com/ltfsdm/ltfsdmd/internal/core"
)

// Connector is the core's view of the managed filesystem.
type Connector interface {
	// Add registers path as a filesystem the core manages, failing with
	// core.ErrFSCheck or core.ErrFSAdd.
	Add(path string) error

	// FileState returns the migration state recorded in a file's
	// extended attributes.
	FileState(path string) (core.FileState, error)

	// SetFileState updates a file's migration state attribute.
	SetFileState(path string, state core.FileState) error

	// Open returns a reader positioned at the start of path's data, for
	// migration to copy to tape.
	Open(path string) (io.ReadCloser, error)

	// Stub truncates path's local data and marks it Migrated, recording
	// which tape/pool replica(s) hold the authoritative copy.
	Stub(path string, tapeIDs []string) error

	// Restore writes data back into path's local extents and marks it
	// Resident, undoing Stub.
	Restore(path string, data io.Reader) error

	// Size returns a file's logical size in bytes.
	Size(path string) (int64, error)
}

// Fake is an in-memory Connector for tests: a map from path to file record.
type Fake struct {
	Files map[string]*FakeFile
}

// FakeFile is one file tracked by Fake.
type FakeFile struct {
	State FileStateRecord
	Data  []byte
	Tapes []string
}

// FileStateRecord aliases core.FileState to keep the Fake type self
// contained for callers that only import connector.
type FileStateRecord = core.FileState

// NewFake returns an empty Fake connector.
func NewFake() *Fake {
	return &Fake{Files: make(map[string]*FakeFile)}
}

// Put seeds a file for a test, defaulting its state to Resident.
func (f *Fake) Put(path string, data []byte) {
	f.Files[path] = &FakeFile{State: core.Resident, Data: append([]byte(nil), data...)}
}

func (f *Fake) Add(path string) error { return nil }

func (f *Fake) FileState(path string) (core.FileState, error) {
	ff, ok := f.Files[path]
	if !ok {
		return 0, core.ErrFSCheck
	}
	return ff.State, nil
}

func (f *Fake) SetFileState(path string, state core.FileState) error {
	ff, ok := f.Files[path]
	if !ok {
		return core.ErrFSCheck
	}
	ff.State = state
	return nil
}

type fakeReader struct {
	data []byte
	pos  int
}

func (r *fakeReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *fakeReader) Close() error { return nil }

func (f *Fake) Open(path string) (io.ReadCloser, error) {
	ff, ok := f.Files[path]
	if !ok {
		return nil, core.ErrFSCheck
	}
	return &fakeReader{data: ff.Data}, nil
}

func (f *Fake) Stub(path string, tapeIDs []string) error {
	ff, ok := f.Files[path]
	if !ok {
		return core.ErrFSCheck
	}
	ff.State = core.Migrated
	ff.Tapes = append([]string(nil), tapeIDs...)
	ff.Data = nil
	return nil
}

func (f *Fake) Restore(path string, data io.Reader) error {
	ff, ok := f.Files[path]
	if !ok {
		return core.ErrFSCheck
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	ff.Data = b
	ff.State = core.Resident
	return nil
}

func (f *Fake) Size(path string) (int64, error) {
	ff, ok := f.Files[path]
	if !ok {
		return 0, core.ErrFSCheck
	}
	return int64(len(ff.Data)), nil
}
