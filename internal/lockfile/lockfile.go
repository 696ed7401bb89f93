// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package lockfile implements the daemon's single-instance guard: an
// advisory lock file recording the owning pid, checked for liveness via
// gosigar rather than trusting a stale pid blindly.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/pkg/errors"
)

// ErrAlreadyRunning is returned by Acquire when a live daemon already
// holds the lock file.
var ErrAlreadyRunning = errors.New("lockfile: another ltfsdmd instance is already running")

// Lock is an acquired, held lock file; Release removes it.
type Lock struct {
	path string
}

// Acquire creates path recording the current pid, failing with
// ErrAlreadyRunning if path already names a live process.
func Acquire(path string) (*Lock, error) {
	if pid, ok := readPid(path); ok && processAlive(pid) {
		return nil, ErrAlreadyRunning
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "lockfile: create")
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return nil, errors.Wrap(err, "lockfile: write pid")
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid names a running process, using gosigar
// rather than a bare signal-0 kill so this also works for the tests' fake
// pids without requiring kill permissions.
func processAlive(pid int) bool {
	state := sigar.ProcState{}
	return state.Get(pid) == nil
}
