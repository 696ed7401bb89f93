// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	test "github.com/ltfsdm/ltfsdmd/pkg/testutil"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(test.TempDir(), "ltfsdmd.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %s", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to exist: %s", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %s", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected lock file to be removed after Release")
	}
}

func TestAcquireFailsAgainstOwnLiveProcess(t *testing.T) {
	path := filepath.Join(test.TempDir(), "ltfsdmd.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %s", err)
	}
	defer lock.Release()

	if _, err := Acquire(path); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestAcquireIgnoresStalePid(t *testing.T) {
	path := filepath.Join(test.TempDir(), "ltfsdmd.lock")
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("expected Acquire to succeed over a stale pid, got %s", err)
	}
	lock.Release()
}
