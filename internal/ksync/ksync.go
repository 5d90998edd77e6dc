// Package ksync provides the counting semaphore and mutex primitives used
// throughout the kernel core (spec.md §4.9): down blocks until count > 0
// then decrements; up increments and wakes the highest-priority waiter,
// tie-broken by wait order. Mutex is a binary semaphore plus owner
// identity. No priority donation (explicit Non-goal).
//
// The waiter queue reuses parray.Array — the exact same 64-wide
// priority-bitmap structure the scheduler uses for its ready queues — so
// "wake the highest-priority waiter, FIFO within a priority" is the same
// PopHighest call the scheduler already relies on, not a second
// implementation of priority ordering.
package ksync

import (
	"sync"

	"github.com/joeycumines/go-kerncore/internal/kerr"
	"github.com/joeycumines/go-kerncore/internal/parray"
	"github.com/joeycumines/go-kerncore/internal/thread"
)

// Semaphore is a counting semaphore gating access via a non-negative
// count. Interrupt handlers may only call Up (never Down), per spec.md §5.
type Semaphore struct {
	mu      sync.Mutex
	value   int
	waiters *parray.Array[thread.TID]
	sched   *thread.Scheduler
}

// NewSemaphore constructs a semaphore bound to sched with the given
// initial count.
func NewSemaphore(sched *thread.Scheduler, value int) *Semaphore {
	return &Semaphore{
		value:   value,
		waiters: parray.New[thread.TID](),
		sched:   sched,
	}
}

// Down blocks the calling thread (identified by tid) until the count is
// positive, then decrements it.
func (s *Semaphore) Down(tid thread.TID) {
	for {
		s.mu.Lock()
		if s.value > 0 {
			s.value--
			s.mu.Unlock()
			return
		}
		t := s.sched.Thread(tid)
		s.waiters.Push(t.Priority, tid)
		s.mu.Unlock()

		s.sched.Block(tid)
		// Rescheduled: re-check the count rather than assuming Up
		// reserved it for us, matching the classic semaphore loop
		// (spurious-wake safe).
	}
}

// Up increments the count and, if any thread is waiting, unblocks the
// highest-priority one (ties broken by wait order). Safe to call from
// interrupt context.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.value++
	tid, _, ok := s.waiters.PopHighest()
	s.mu.Unlock()

	if ok {
		_ = s.sched.Unblock(tid)
	}
}

// Value returns the current count, for diagnostics/tests only.
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Mutex is a binary semaphore with owner tracking. No priority donation:
// a low-priority holder blocking a high-priority waiter is accepted as a
// known limitation (spec.md Non-goals).
type Mutex struct {
	sema  *Semaphore
	mu    sync.Mutex
	owner thread.TID
	held  bool
}

// NewMutex constructs an unheld mutex bound to sched.
func NewMutex(sched *thread.Scheduler) *Mutex {
	return &Mutex{sema: NewSemaphore(sched, 1)}
}

// Acquire blocks until the mutex is free, then takes ownership as tid.
func (m *Mutex) Acquire(tid thread.TID) {
	m.sema.Down(tid)
	m.mu.Lock()
	m.owner = tid
	m.held = true
	m.mu.Unlock()
}

// Release gives up ownership. Panics if tid is not the current owner —
// releasing a lock you don't hold is a kernel programming error, not a
// recoverable runtime condition.
func (m *Mutex) Release(tid thread.TID) {
	m.mu.Lock()
	if !m.held || m.owner != tid {
		m.mu.Unlock()
		panic(kerr.Wrap("ksync.Mutex.Release: not held by caller", kerr.ErrBadUserPointer))
	}
	m.held = false
	m.mu.Unlock()
	m.sema.Up()
}

// IsHeldBy reports whether tid currently holds the mutex.
func (m *Mutex) IsHeldBy(tid thread.TID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held && m.owner == tid
}
