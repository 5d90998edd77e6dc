// Package parray implements the 64-wide priority-indexed ready-queue array
// used by the scheduler: 64 FIFO queues, one per priority level, plus a
// 64-bit bitmap of non-empty queues so "find the highest non-empty
// priority" is a single Go runtime bits.LeadingZeros64 call rather than a
// linear scan.
//
// Grounded on the teacher's ChunkedIngress (ingress.go) and timerHeap
// (loop.go): both are "a queue plus O(1) or O(log n) selection of the next
// item to run" data structures guarded by a single mutex. parray follows
// the same shape — mutex-guarded slice-backed queues, no lock-free
// cleverness — because the teacher's own comment on ChunkedIngress notes
// mutex outperforming lock-free under the contention patterns that matter
// here, and a single CPU's ready queue never sees more than one producer
// plus one consumer at a time regardless.
package parray

import (
	"math/bits"
	"sync"
	"unsafe"
)

// Levels is the number of priority levels (spec.md: p ∈ [0, 63]).
const Levels = 64

// Array is a 64-wide priority array of FIFO queues of T, with a bitmap for
// O(1) highest-non-empty-priority lookup. Zero value is not usable; use
// New.
type Array[T any] struct {
	mu      sync.Mutex
	queues  [Levels][]T
	nonzero uint64 // bit i set iff queues[i] is non-empty
}

// New returns an empty Array.
func New[T any]() *Array[T] {
	return &Array[T]{}
}

// Push appends item to the back of the queue at the given priority.
func (a *Array[T]) Push(priority int, item T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues[priority] = append(a.queues[priority], item)
	a.nonzero |= 1 << uint(priority)
}

// PopHighest removes and returns the front item of the highest non-empty
// priority queue. ok is false if the array is empty.
func (a *Array[T]) PopHighest() (item T, priority int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonzero == 0 {
		return item, 0, false
	}
	// Priority 63 is highest; bits.LeadingZeros64 on a 64-bit word gives
	// the distance from the top bit, so 63-lz is the highest set bit
	// index.
	p := 63 - bits.LeadingZeros64(a.nonzero)
	q := a.queues[p]
	item = q[0]
	if len(q) == 1 {
		a.queues[p] = nil
		a.nonzero &^= 1 << uint(p)
	} else {
		a.queues[p] = q[1:]
	}
	return item, p, true
}

// Empty reports whether every queue is empty.
func (a *Array[T]) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonzero == 0
}

// Len returns the total number of queued items across all priorities.
func (a *Array[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, q := range a.queues {
		n += len(q)
	}
	return n
}

// Swap exchanges the contents of a and b in O(1) — used by the scheduler
// to flip active/expired when active empties (spec.md §3 Runqueue
// invariant).
func Swap[T any](a, b *Array[T]) {
	if a == b {
		return
	}
	// Lock in a stable order (pointer identity) to avoid deadlock if two
	// goroutines swap the same pair concurrently from opposite sides.
	first, second := a, b
	if uintptr(unsafe.Pointer(b)) < uintptr(unsafe.Pointer(a)) {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	defer first.mu.Unlock()
	defer second.mu.Unlock()
	a.queues, b.queues = b.queues, a.queues
	a.nonzero, b.nonzero = b.nonzero, a.nonzero
}
