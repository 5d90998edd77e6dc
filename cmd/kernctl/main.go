// Command kernctl boots a kerncore.Kernel and drives it with a simple
// ticking demo: create a couple of threads, fault in some anonymous
// pages, let the frame table evict under pressure, and print the
// resulting metrics.
//
// Run with: go run ./cmd/kernctl/
package main

import (
	"fmt"
	"os"
	"time"

	kerncore "github.com/joeycumines/go-kerncore"
	"github.com/joeycumines/go-kerncore/internal/thread"
)

func main() {
	k := kerncore.Boot(
		kerncore.WithFrameCount(8),
		kerncore.WithSwapSlots(32),
		kerncore.WithDiskSectors(1024),
		kerncore.WithLogWriter(os.Stderr),
		kerncore.WithStackTop(0x80000000),
	)
	defer k.Disk.Close()
	defer k.Cache.Close()

	a, err := k.NewThread("producer", 31, nil, nil, 0)
	if err != nil {
		panic(err)
	}
	b, err := k.NewThread("consumer", 20, nil, nil, 0)
	if err != nil {
		panic(err)
	}

	// Fault in more anonymous pages than there are frames, forcing the
	// frame table to evict under the enhanced-second-chance sweep.
	for i := 0; i < 12; i++ {
		owner := a
		if i%3 == 0 {
			owner = b
		}
		// Each fault lands 4 bytes below the recorded stack pointer, inside
		// the stack region under StackTop, so the handler treats it as
		// stack growth and installs a fresh anonymous page.
		va := uintptr(0x80000000 - (i+1)*0x1000)
		sp := va + 4
		if err := k.PageFaults.Handle(owner, va, true, true, sp); err != nil {
			fmt.Printf("fault for %d at %#x killed: %v\n", owner, va, err)
		}
	}

	for i := 0; i < 5; i++ {
		k.Tick()
		time.Sleep(time.Millisecond)
	}

	fmt.Printf("frames in use: %d/%d\n", k.Frames.InUse(), k.Frames.Capacity())
	fmt.Printf("swap slots used: %d, free: %d\n", k.Swap.Cnt(), k.Swap.FreeCount())
	fmt.Printf("cache entries: %d\n", k.Cache.Len())

	for _, tid := range []thread.TID{a, b} {
		errs := k.Exit(tid, 0, nil, nil)
		for _, e := range errs {
			fmt.Printf("exit(%d): %v\n", tid, e)
		}
		if status, ok := k.Wait(tid); ok {
			fmt.Printf("thread %d exited with status %d\n", tid, status)
		}
	}
}
