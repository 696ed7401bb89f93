// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package termstate holds the daemon's shutdown flags and the condition
// variables the scheduler and dispatcher wait on while draining.
package termstate

import "sync"

// State tracks the three monotonic shutdown flags. Terminate ends the
// scheduler's main loop, which then waits for in-flight workers; Forced
// and Finish only report whether the stop request carried those flags,
// and no worker or scheduler path changes its behaviour on them.
type State struct {
	mu sync.Mutex

	terminate       bool
	forcedTerminate bool
	finishTerminate bool

	// updCond wakes the scheduler goroutine whenever the request queue or
	// the shutdown flags change.
	updCond *sync.Cond
	// termCond wakes goroutines blocked in WaitForTerminate.
	termCond *sync.Cond
}

// New returns a fresh, non-terminating State.
func New() *State {
	s := &State{}
	s.updCond = sync.NewCond(&s.mu)
	s.termCond = sync.NewCond(&s.mu)
	return s
}

// Terminate reports whether shutdown has been requested.
func (s *State) Terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminate
}

// Forced reports whether shutdown was requested with the force flag.
func (s *State) Forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forcedTerminate
}

// Finish reports whether shutdown was requested with the finish flag.
func (s *State) Finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishTerminate
}

// RequestStop begins shutdown, recording the forced and finish flags for
// Forced and Finish to report.
func (s *State) RequestStop(forced, finish bool) {
	s.mu.Lock()
	s.terminate = true
	if forced {
		s.forcedTerminate = true
	}
	if finish {
		s.finishTerminate = true
	}
	s.mu.Unlock()
	s.updCond.Broadcast()
	s.termCond.Broadcast()
}

// WaitForUpdate blocks until Notify is called or shutdown is requested,
// whichever happens first. Used by the scheduler's main loop.
func (s *State) WaitForUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminate {
		return
	}
	s.updCond.Wait()
}

// Notify wakes any goroutine blocked in WaitForUpdate, e.g. after a new
// request is enqueued.
func (s *State) Notify() {
	s.updCond.Broadcast()
}

// WaitForTerminate blocks until RequestStop has been called.
func (s *State) WaitForTerminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.terminate {
		s.termCond.Wait()
	}
}
