// Package alarm implements the sleep/wake list (spec.md §4.2): threads
// blocked until a tick deadline, ordered so the tick handler only has to
// look at the head of the list.
//
// Grounded directly on the teacher's timerHeap (loop.go): a container/heap
// min-heap ordered by wake time. spec.md describes a "sorted list"; a
// binary heap gives the same "wake in non-decreasing wake_tick order"
// guarantee (§5 Ordering guarantees) with O(log n) insertion instead of
// O(n), which matters once hundreds of threads sleep concurrently, so the
// heap is used instead of a literal insertion-sorted slice.
package alarm

import (
	"container/heap"
	"sync"

	"github.com/joeycumines/go-kerncore/internal/thread"
)

// entry is one sleeping-thread record (spec.md §3): the thread and the
// tick at which it should wake.
type entry struct {
	tid  thread.TID
	wake uint64
}

// entryHeap implements heap.Interface, ordered by wake tick ascending.
type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].wake < h[j].wake }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Queue is the global sleep list. One Queue exists per kernel instance.
type Queue struct {
	mu   sync.Mutex
	heap entryHeap
	now  uint64
}

// NewQueue returns an empty sleep queue with the tick counter at 0.
func NewQueue() *Queue {
	return &Queue{}
}

// Now returns the current tick count.
func (q *Queue) Now() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now
}

// Sleep inserts (tid, now+ticks) into the list. The caller is responsible
// for having already transitioned tid to Blocked via the scheduler before
// calling Sleep, and for calling the scheduler's Block afterward — Queue
// itself has no scheduler dependency so it can be unit tested in
// isolation (the wake side does need one; see Wake).
func (q *Queue) Sleep(tid thread.TID, ticks uint64) (wakeAt uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wakeAt = q.now + ticks
	heap.Push(&q.heap, entry{tid: tid, wake: wakeAt})
	return wakeAt
}

// Tick advances the tick counter by one and returns every thread whose
// wake deadline has now passed, in non-decreasing wake-tick order. The
// caller (the kernel's tick handler) is responsible for unblocking each
// returned TID via the scheduler; Queue only tracks deadlines.
func (q *Queue) Tick() []thread.TID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now++

	var woken []thread.TID
	for q.heap.Len() > 0 && q.heap[0].wake <= q.now {
		e := heap.Pop(&q.heap).(entry)
		woken = append(woken, e.tid)
	}
	return woken
}

// Len returns the number of threads currently sleeping.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
