// Package kerr defines the sentinel error values the kernel core raises,
// and the handful of wrapping helpers used to attach context to them while
// keeping errors.Is/errors.As working through the chain.
package kerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Kill/panic policy for each is decided by the caller
// (thread.Scheduler, vm.FrameTable, pagefault.Handler, cache.Cache); kerr only names the
// condition.
var (
	// ErrOutOfMemory is raised when the user frame pool or an internal
	// allocation is exhausted. Kernel threads assert; user threads are
	// killed with status -1.
	ErrOutOfMemory = errors.New("kerncore: out of memory")

	// ErrSwapFull is raised when write_swap finds no free slot and the
	// swap area is already at capacity. Unrecoverable: the caller should
	// treat this as a kernel panic.
	ErrSwapFull = errors.New("kerncore: swap area full")

	// ErrBadUserPointer is raised for a PHYS_BASE violation, an unmapped
	// and non-growable stack access, or any other access a user thread
	// has no right to make. The offending thread is killed with status -1.
	ErrBadUserPointer = errors.New("kerncore: bad user pointer")

	// ErrFileNotFound mirrors a failed open/lookup at the FS boundary.
	ErrFileNotFound = errors.New("kerncore: file not found")

	// ErrCreateFailed mirrors a failed file creation at the FS boundary.
	ErrCreateFailed = errors.New("kerncore: create failed")

	// ErrIOFailure is raised when an expected-length read or write from a
	// backing file returns short or errors. The affected thread is killed.
	ErrIOFailure = errors.New("kerncore: io failure")

	// ErrInvalidMmap is raised for mmap argument validation failures:
	// bad fd, zero addr, misalignment, zero length, or an overlapping
	// region.
	ErrInvalidMmap = errors.New("kerncore: invalid mmap request")

	// ErrThreadNotBlocked is raised when unblock is called on a thread
	// that isn't in the Blocked state (a scheduler usage bug).
	ErrThreadNotBlocked = errors.New("kerncore: thread not blocked")

	// ErrSchedulerExhausted is returned by Create when the tid allocator
	// has been exhausted; see thread.TIDInvalid.
	ErrSchedulerExhausted = errors.New("kerncore: scheduler thread table exhausted")
)

// Wrap attaches a message to cause, preserving errors.Is/errors.As against
// cause. It is a thin convenience over fmt.Errorf("%s: %w", ...), kept as
// its own function so call sites read as kernel-error construction rather
// than ad-hoc formatting.
func Wrap(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// Aggregate collects multiple causes behind a single error value, e.g. when
// tearing down a thread's mmap table and swap slots where any individual
// step failing shouldn't stop the rest from running.
type Aggregate struct {
	Op     string
	Errors []error
}

func (a *Aggregate) Error() string {
	if len(a.Errors) == 0 {
		return a.Op + ": no errors"
	}
	return fmt.Sprintf("%s: %d error(s), first: %v", a.Op, len(a.Errors), a.Errors[0])
}

// Unwrap enables errors.Is/errors.As to search every collected cause.
func (a *Aggregate) Unwrap() []error {
	return a.Errors
}

// Is reports whether target is an *Aggregate, matching regardless of
// contents (mirrors the teacher's AggregateError.Is: a structural check,
// not a content comparison).
func (a *Aggregate) Is(target error) bool {
	var other *Aggregate
	return errors.As(target, &other)
}

// NewAggregate returns nil if errs contains no non-nil error, otherwise an
// *Aggregate of the non-nil subset.
func NewAggregate(op string, errs ...error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &Aggregate{Op: op, Errors: kept}
}
