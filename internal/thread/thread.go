// Package thread implements the priority-array scheduler (spec.md §3, §4.1):
// threads, the paired active/expired PriorityArray runqueue, create/block/
// unblock/yield/exit, and timeslice accounting.
//
// Go has nothing resembling a real timer interrupt that can force a
// goroutine to stop executing between two arbitrary instructions, so the
// preemption point here is a cooperative Checkpoint call: the code running
// "as" a thread must call (*Scheduler).Checkpoint(tid) periodically (e.g.
// from a user-program busy loop; no kernel path calls it internally),
// the same way the teacher's event loop can only act at its own dispatch
// boundaries (see loop.go's isLoopThread()/fast-path affinity checks — a
// cooperative checkpoint by another name). Everything else — the two
// PriorityArrays, the bitmap scan, the timeslice arithmetic, the
// active/expired swap — is exactly as spec.md describes.
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-kerncore/internal/kerr"
	"github.com/joeycumines/go-kerncore/internal/klog"
	"github.com/joeycumines/go-kerncore/internal/parray"
)

// TID identifies a thread. TIDInvalid is returned by Create on allocator
// exhaustion; it is not the zero value because tid 0 would otherwise be
// indistinguishable from an unset field.
type TID uint64

// TIDInvalid is the sentinel returned when thread allocation fails.
const TIDInvalid TID = ^TID(0)

// idleTID is the reserved identity of the scheduler's idle thread, selected
// by next_to_run when both arrays are empty.
const idleTID TID = 0

// State is a thread's lifecycle state (spec.md §3 Thread).
type State int

const (
	StateBlocked State = iota
	StateReady
	StateRunning
	StateDying
)

func (s State) String() string {
	switch s {
	case StateBlocked:
		return "blocked"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDying:
		return "dying"
	default:
		return "unknown"
	}
}

// Entry is a thread's body. It receives aux exactly as passed to Create,
// mirroring Pintos's thread_create(name, priority, function, aux).
type Entry func(aux any)

// Thread is the scheduler's record for one thread of control. Fields
// touched only under Scheduler.mu are not separately synchronized.
type Thread struct {
	TID      TID
	Name     string
	Priority int // p ∈ [0, 63]

	state           State
	timeslice       int // priority + 5
	ticksSinceYield int
	preempt         bool // set by Tick, consumed by Checkpoint

	ExitStatus int32

	Parent   TID
	HasChild bool // set by caller wiring (kproc) — scheduler itself is parent-agnostic

	entry Entry
	aux   any

	resume chan struct{} // scheduler -> thread: "you may run/continue now"
	done   chan struct{} // thread -> scheduler: "I have returned from entry"
}

// Timeslice returns the thread's current timeslice in ticks.
func (t *Thread) Timeslice() int { return t.timeslice }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State { return t.state }

// Scheduler owns the active/expired PriorityArrays and all thread records.
// Exactly one Scheduler exists per kernel instance (spec.md Design Notes:
// "per-thread singletons... model as process-wide state").
type Scheduler struct {
	mu sync.Mutex // the "interrupts disabled" discipline of spec.md §5

	active  *parray.Array[TID]
	expired *parray.Array[TID]

	threads map[TID]*Thread
	current TID
	nextTID atomic.Uint64

	dyingPrev TID // lazily reaped at the top of the next schedule()
	hasDying  bool

	idle *Thread
}

// NewScheduler constructs a Scheduler with its idle thread installed.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		active:  parray.New[TID](),
		expired: parray.New[TID](),
		threads: make(map[TID]*Thread),
	}
	s.nextTID.Store(uint64(idleTID) + 1)
	s.idle = &Thread{
		TID:      idleTID,
		Name:     "idle",
		Priority: 0,
		state:    StateRunning,
		resume:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.threads[idleTID] = s.idle
	s.current = idleTID
	return s
}

func (s *Scheduler) allocTID() TID {
	id := s.nextTID.Add(1) - 1
	if TID(id) == TIDInvalid {
		return TIDInvalid
	}
	return TID(id)
}

// Create allocates a new thread in the Blocked state and immediately
// unblocks it (spec.md §4.1). entry may be nil for tests that only need
// scheduler bookkeeping and drive the thread by hand via Checkpoint.
func (s *Scheduler) Create(name string, priority int, entry Entry, aux any) (TID, error) {
	if priority < 0 || priority >= parray.Levels {
		return TIDInvalid, kerr.Wrap("thread.Create: priority out of range", kerr.ErrBadUserPointer)
	}

	tid := s.allocTID()
	if tid == TIDInvalid {
		return TIDInvalid, kerr.ErrSchedulerExhausted
	}

	t := &Thread{
		TID:       tid,
		Name:      name,
		Priority:  priority,
		state:     StateBlocked,
		timeslice: priority + 5,
		entry:     entry,
		aux:       aux,
		resume:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.threads[tid] = t
	s.mu.Unlock()

	if entry != nil {
		go s.runThread(t)
	}

	if err := s.Unblock(tid); err != nil {
		return TIDInvalid, err
	}

	klog.Debug(klog.CategoryScheduler, "thread created", nil)
	return tid, nil
}

// runThread is the goroutine body hosting a real Entry. It waits to be
// dispatched, runs the entry to completion (the entry is expected to call
// Checkpoint periodically if it loops), then calls Exit.
func (s *Scheduler) runThread(t *Thread) {
	<-t.resume
	t.entry(t.aux)
	s.Exit(t.TID, 0)
	close(t.done)
}

// Block transitions tid from Running to Blocked and yields the CPU. The
// caller must be the currently-running thread (mirrors spec.md §4.1:
// "caller must hold the interrupts-off discipline").
func (s *Scheduler) Block(tid TID) {
	s.mu.Lock()
	t := s.threads[tid]
	t.state = StateBlocked
	s.mu.Unlock()
	s.schedule(tid)
}

// Unblock moves t from Blocked to Ready, inserting it into active at its
// priority. If t's priority exceeds the current thread's and the current
// thread isn't idle, the current thread yields immediately (spec.md §4.1).
func (s *Scheduler) Unblock(tid TID) error {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return kerr.Wrap("thread.Unblock: unknown tid", kerr.ErrBadUserPointer)
	}
	if t.state != StateBlocked {
		s.mu.Unlock()
		return kerr.ErrThreadNotBlocked
	}
	t.state = StateReady
	s.active.Push(t.Priority, tid)

	cur := s.threads[s.current]
	shouldYield := cur.TID != idleTID && t.Priority > cur.Priority
	s.mu.Unlock()

	klog.Debug(klog.CategoryScheduler, "thread unblocked", nil)

	if shouldYield {
		s.Yield(cur.TID)
	}
	return nil
}

// Yield re-queues the current thread at its own priority (unless it is
// idle) and reschedules.
func (s *Scheduler) Yield(tid TID) {
	s.mu.Lock()
	t := s.threads[tid]
	if t.TID != idleTID {
		t.state = StateReady
		s.active.Push(t.Priority, tid)
	}
	s.mu.Unlock()
	s.schedule(tid)
}

// Exit marks tid Dying and reschedules. The thread's resources are
// released lazily by whichever thread is scheduled next (spec.md §4.1).
func (s *Scheduler) Exit(tid TID, status int32) {
	s.mu.Lock()
	t := s.threads[tid]
	t.state = StateDying
	t.ExitStatus = status
	s.mu.Unlock()
	s.schedule(tid)
}

// Current returns the TID of the currently-running thread.
func (s *Scheduler) Current() TID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Thread returns the record for tid, or nil if unknown. The returned
// pointer's mutable fields are only safe to read while holding no other
// assumptions about concurrent scheduler activity; callers outside this
// package should treat it as a read-only snapshot.
func (s *Scheduler) Thread(tid TID) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[tid]
}

// Kick gives the scheduler a chance to dispatch a ready thread when the
// idle thread is currently "running" (e.g. right after boot, once the
// first real threads have been created). It is a no-op if a non-idle
// thread is already current.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == idleTID {
		s.schedule(idleTID)
	}
}

// Tick charges one tick against the running thread's timeslice. When the
// timeslice is exhausted, preemption is requested (consumed at the next
// Checkpoint call) rather than applied immediately — mirroring spec.md
// §4.1: "the interrupt requests preemption on return".
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.threads[s.current]
	if cur.TID == idleTID {
		return
	}
	cur.ticksSinceYield++
	if cur.ticksSinceYield >= cur.timeslice {
		cur.preempt = true
	}
}

// Checkpoint is the cooperative preemption point a running thread calls
// from within its own body. If a preemption is pending it recomputes the
// thread's timeslice, inserts it at the tail of expired, and blocks until
// rescheduled — otherwise it returns immediately.
func (s *Scheduler) Checkpoint(tid TID) {
	s.mu.Lock()
	t := s.threads[tid]
	if !t.preempt {
		s.mu.Unlock()
		return
	}
	t.preempt = false
	t.ticksSinceYield = 0
	t.timeslice = t.Priority + 5
	t.state = StateReady
	s.expired.Push(t.Priority, tid)
	s.mu.Unlock()

	s.schedule(tid)
}

// schedule reaps the previously-Dying thread (if any), selects the next
// thread to run via next_to_run, installs it as current, and — if it has
// a real Entry goroutine — dispatches it by signalling its resume channel.
// The caller (from), if it transitioned to Blocked/Dying/Ready, blocks on
// its own resume channel here until it is rescheduled.
func (s *Scheduler) schedule(from TID) {
	s.mu.Lock()

	if s.hasDying {
		delete(s.threads, s.dyingPrev)
		s.hasDying = false
	}

	fromThread := s.threads[from]
	if fromThread.state == StateDying {
		s.dyingPrev = from
		s.hasDying = true
	}

	next := s.nextToRun()
	s.current = next.TID
	if next.TID != idleTID {
		next.state = StateRunning
	}
	s.mu.Unlock()

	if next.TID != from && next.entry != nil {
		select {
		case next.resume <- struct{}{}:
		default:
		}
	}

	if fromThread.state != StateDying && from != idleTID && from != next.TID && fromThread.entry != nil {
		<-fromThread.resume
	}
}

// nextToRun implements spec.md §4.1's next_to_run: idle if both arrays are
// empty; swap active/expired if active is empty; then pop the front of the
// highest-priority non-empty queue.
func (s *Scheduler) nextToRun() *Thread {
	if s.active.Empty() {
		if s.expired.Empty() {
			return s.idle
		}
		parray.Swap(s.active, s.expired)
	}
	tid, _, ok := s.active.PopHighest()
	if !ok {
		return s.idle
	}
	return s.threads[tid]
}
