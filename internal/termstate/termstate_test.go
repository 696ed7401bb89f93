// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package termstate

import (
	"testing"
	"time"
)

func TestRequestStopSetsFlags(t *testing.T) {
	s := New()
	if s.Terminate() || s.Forced() || s.Finish() {
		t.Fatal("fresh state should report no termination")
	}
	s.RequestStop(true, false)
	if !s.Terminate() || !s.Forced() || s.Finish() {
		t.Fatalf("expected terminate+forced only, got terminate=%v forced=%v finish=%v",
			s.Terminate(), s.Forced(), s.Finish())
	}
}

func TestWaitForUpdateWakesOnNotify(t *testing.T) {
	s := New()
	done := make(chan struct{})
	go func() {
		s.WaitForUpdate()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForUpdate returned before Notify")
	case <-time.After(50 * time.Millisecond):
	}

	s.Notify()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForUpdate did not wake on Notify")
	}
}

func TestWaitForTerminateWakesOnRequestStop(t *testing.T) {
	s := New()
	done := make(chan struct{})
	go func() {
		s.WaitForTerminate()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForTerminate returned before RequestStop")
	case <-time.After(50 * time.Millisecond):
	}

	s.RequestStop(false, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForTerminate did not wake on RequestStop")
	}
}

func TestWaitForUpdateReturnsImmediatelyOnceTerminating(t *testing.T) {
	s := New()
	s.RequestStop(false, false)

	done := make(chan struct{})
	go func() {
		s.WaitForUpdate()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForUpdate should return immediately once terminating")
	}
}
