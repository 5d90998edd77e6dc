// Package pagefault implements the page-fault dispatcher (spec.md §4.6):
// round the faulting address to a page, consult the faulting thread's
// supplemental table, and either synthesise a stack-growth page, load the
// entry's backing content, or kill the thread.
package pagefault

import (
	"time"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/kerr"
	"github.com/joeycumines/go-kerncore/internal/kmetrics"
	"github.com/joeycumines/go-kerncore/internal/swap"
	"github.com/joeycumines/go-kerncore/internal/thread"
	"github.com/joeycumines/go-kerncore/internal/vm"
)

// Stack-growth heuristic constants (SPEC_FULL.md §D item 8, taken from
// original_source/pintos's userprog/exception.c convention): a fault a
// few bytes below the recorded stack pointer is treated as a PUSHA/PUSH
// instruction growing the stack, up to a fixed maximum.
const (
	MaxStackPages        = 2048 // 8 MiB / PageSize
	stackGrowthTolerance = 32   // PUSHA writes 32 bytes below the old esp
)

// Kill is returned when the fault cannot be resolved and the faulting
// thread must be terminated with status -1 (spec.md §7).
var Kill = kerr.ErrBadUserPointer

// Handler dispatches page faults for one kernel instance.
type Handler struct {
	Frames  *vm.FrameTable
	Pagedir vm.PageDirectory
	Area    *swap.Area
	Tables  func(owner thread.TID) (*vm.SupplementalTable, bool)
	// StackTop is the highest legal user stack address (the simulation's
	// stand-in for PHYS_BASE); stack growth below it is capped at
	// MaxStackPages. Zero means unbounded (no cap enforced).
	StackTop uintptr
	// Metrics and Latency are optional; nil disables instrumentation.
	Metrics *kmetrics.Counters
	Latency *kmetrics.LatencyMetrics
}

// Handle resolves one page fault. va is the faulting address (not yet
// page-rounded), write reports whether the fault was on a write access,
// userMode reports whether the faulting code was user-mode, and sp is the
// faulting thread's most recently recorded user stack pointer (used for
// the stack-growth heuristic).
func (h *Handler) Handle(owner thread.TID, va uintptr, write, userMode bool, sp uintptr) error {
	start := time.Now()
	defer func() {
		if h.Metrics != nil {
			h.Metrics.PageFaults.Add(1)
		}
		if h.Latency != nil {
			h.Latency.Record(time.Since(start))
		}
	}()

	if !userMode {
		return Kill
	}

	page := va &^ (diskio.PageSize - 1)

	table, hasTable := h.Tables(owner)
	if !hasTable {
		return Kill
	}

	entry, found := table.Get(page)
	if !found {
		if !looksLikeStackGrowth(va, sp, h.StackTop) {
			return Kill
		}
		return h.installAnon(owner, page)
	}

	if write && !entry.Writable {
		return Kill
	}

	return h.load(owner, page, entry, table)
}

// looksLikeStackGrowth applies spec.md §4.6 step 2's heuristic: va must be
// at most stackGrowthTolerance bytes below the recorded stack pointer
// (legal PUSH/PUSHA territory), and, if stackTop is set, the resulting
// stack must not reach back further than MaxStackPages below it.
func looksLikeStackGrowth(va, sp, stackTop uintptr) bool {
	if va >= sp || sp-va > stackGrowthTolerance {
		return false
	}
	if stackTop == 0 {
		return true
	}
	maxGrowth := uintptr(MaxStackPages) * diskio.PageSize
	if stackTop < maxGrowth {
		return true
	}
	return va >= stackTop-maxGrowth
}

func (h *Handler) installAnon(owner thread.TID, page uintptr) error {
	frame, err := h.Frames.GetFrame(owner, page, true)
	if err != nil {
		return err
	}
	h.Pagedir.Install(owner, page, frame.Index, true)
	h.Frames.MarkInstalled(frame)
	return nil
}

func (h *Handler) load(owner thread.TID, page uintptr, entry *vm.PageEntry, table *vm.SupplementalTable) error {
	frame, err := h.Frames.GetFrame(owner, page, entry.Writable)
	if err != nil {
		return err
	}

	switch entry.Kind {
	case vm.KindExec, vm.KindFile:
		if entry.ReadBytes > 0 {
			if _, err := entry.File.ReadAt(frame.Data[:entry.ReadBytes], entry.Offset); err != nil {
				return kerr.Wrap("pagefault: file read failed", kerr.ErrIOFailure)
			}
		}
		for i := entry.ReadBytes; i < diskio.PageSize; i++ {
			frame.Data[i] = 0
		}
		if entry.Kind == vm.KindExec && entry.Writable {
			// Writable exec pages are consumed on first load (the open
			// question on writable exec pages): the entry is destroyed, and any
			// future eviction re-captures the page as Swap.
			table.Remove(page)
		}
	case vm.KindSwap:
		if err := h.Area.ReadSwap(frame.Data[:], entry.Slot); err != nil {
			return kerr.Wrap("pagefault: swap read failed", kerr.ErrIOFailure)
		}
		table.Remove(page)
	}

	h.Pagedir.Install(owner, page, frame.Index, entry.Writable)
	h.Frames.MarkInstalled(frame)
	return nil
}
