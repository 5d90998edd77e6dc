// Package kproc implements the process/thread exit cascade (spec.md
// §4.7's "mf_table_destroy on thread exit", expanded by SPEC_FULL.md §D
// item 7 from original_source/pintos's userprog/process.c): mmap
// write-back, supplemental page table teardown, frame release, then the
// open-file table and parent/child exit-status handoff, in that exact
// order.
package kproc

import (
	"sync"

	"github.com/joeycumines/go-kerncore/internal/swap"
	"github.com/joeycumines/go-kerncore/internal/thread"
	"github.com/joeycumines/go-kerncore/internal/vm"
)

// OpenFile is one entry in a thread's open-file table.
type OpenFile struct {
	FD   int
	File vm.BackingFile
}

// OpenFileTable is a thread's open-file table stub (spec.md §1 lists the
// syscall/FD layer itself as out of scope; kerncore only needs enough of
// it to close every handle on exit in the right order).
type OpenFileTable struct {
	mu    sync.Mutex
	files map[int]vm.BackingFile
}

// NewOpenFileTable returns an empty table.
func NewOpenFileTable() *OpenFileTable {
	return &OpenFileTable{files: make(map[int]vm.BackingFile)}
}

// Add installs fd → file, for callers of the (out-of-scope) syscall
// dispatcher driving this simulation's open() path.
func (t *OpenFileTable) Add(fd int, file vm.BackingFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[fd] = file
}

// CloseAll closes every open file descriptor, returning an aggregate of
// any close errors.
func (t *OpenFileTable) CloseAll(closeFile func(vm.BackingFile) error) []error {
	t.mu.Lock()
	files := make([]vm.BackingFile, 0, len(t.files))
	for fd, f := range t.files {
		files = append(files, f)
		delete(t.files, fd)
	}
	t.mu.Unlock()

	var errs []error
	for _, f := range files {
		if closeFile != nil {
			if err := closeFile(f); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// ExitStatus is the record a parent consults for a child's termination
// code, released to the parent on exit or freed if the parent has itself
// already exited (spec.md §3/§6).
type ExitStatus struct {
	TID        thread.TID
	Status     int32
	ParentDone bool
}

// ProcessTable tracks one exit-status record per exited thread, keyed by
// tid, standing in for Pintos's child-list-of-exit-status-structs.
type ProcessTable struct {
	mu       sync.Mutex
	statuses map[thread.TID]*ExitStatus
}

// NewProcessTable returns an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{statuses: make(map[thread.TID]*ExitStatus)}
}

// Record installs tid's exit status, making it visible to a parent's
// later wait call. If the parent has already recorded itself as done
// (ParentGone was called first), the record is dropped immediately
// instead of leaking.
func (p *ProcessTable) Record(tid thread.TID, status int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.statuses[tid]; ok && existing.ParentDone {
		delete(p.statuses, tid)
		return
	}
	p.statuses[tid] = &ExitStatus{TID: tid, Status: status}
}

// Wait returns tid's recorded exit status and removes the record (a
// process may be waited for only once, matching Pintos semantics).
func (p *ProcessTable) Wait(tid thread.TID) (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.statuses[tid]
	if !ok {
		return 0, false
	}
	delete(p.statuses, tid)
	return e.Status, true
}

// ParentGone marks tid's record (if the child hasn't exited yet, this is
// a no-op placeholder the child's own Record call will observe; if the
// child already exited and the parent never waited, this frees it).
func (p *ProcessTable) ParentGone(tid thread.TID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.statuses[tid]; ok {
		delete(p.statuses, e.TID)
		return
	}
	p.statuses[tid] = &ExitStatus{TID: tid, ParentDone: true}
}

// Exit runs the process-exit cascade for tid: mmap table write-back,
// supplemental table teardown (freeing swap slots), frame release,
// open-file table close, then the exit-status handoff. Mmap write-back
// runs before supplemental teardown, the reverse of the order SPEC_FULL.md
// §D item 7 lists, because it reads each mapped page's supplemental entry
// (see DESIGN.md, "Open questions and deviations" item 1).
func Exit(
	tid thread.TID,
	status int32,
	sup *vm.SupplementalTable,
	area *swap.Area,
	mmaps *vm.MmapTable,
	pagedir vm.PageDirectory,
	frames *vm.FrameTable,
	mmapIDs []vm.MapID,
	closeFile func(vm.BackingFile) error,
	files *OpenFileTable,
	procs *ProcessTable,
) []error {
	var errs []error

	// 1. Mmap table: write back dirty pages before the supplemental
	// table entries they depend on are torn down.
	for _, id := range mmapIDs {
		if err := vm.Munmap(tid, sup, mmaps, pagedir, frames, id, closeFile); err != nil {
			errs = append(errs, err)
		}
	}

	// 2. Supplemental page table: free swap slots held by any remaining
	// entries.
	sup.Destroy(area)

	// 3. Frame table: release every frame this thread still owns.
	frames.RemoveFramesOf(tid)

	// 4. Open-file table.
	errs = append(errs, files.CloseAll(closeFile)...)

	// 5. Exit-status handoff to the parent (or immediate release if the
	// parent has already exited).
	procs.Record(tid, status)

	return errs
}
