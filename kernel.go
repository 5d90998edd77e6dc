// Package kerncore wires together the priority-scheduled thread runtime,
// demand-paged virtual memory, and buffered block cache described in
// spec.md into a single bootable simulation.
package kerncore

import (
	"io"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/joeycumines/go-kerncore/internal/alarm"
	"github.com/joeycumines/go-kerncore/internal/cache"
	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/klog"
	"github.com/joeycumines/go-kerncore/internal/kmetrics"
	"github.com/joeycumines/go-kerncore/internal/kproc"
	"github.com/joeycumines/go-kerncore/internal/ksync"
	"github.com/joeycumines/go-kerncore/internal/pagefault"
	"github.com/joeycumines/go-kerncore/internal/swap"
	"github.com/joeycumines/go-kerncore/internal/thread"
	"github.com/joeycumines/go-kerncore/internal/vm"
)

// Config configures a Kernel at boot, following the teacher's functional-
// options pattern (options.go's LoopOption/loopOptionImpl).
type Config struct {
	FrameCount    int
	SwapSlots     int
	DiskSectors   int
	CacheTickFreq int
	LogWriter     io.Writer
	StackTop      uintptr
	DiskRateLimit map[time.Duration]int
}

// Option configures a Config.
type Option func(*Config)

func WithFrameCount(n int) Option      { return func(c *Config) { c.FrameCount = n } }
func WithSwapSlots(n int) Option       { return func(c *Config) { c.SwapSlots = n } }
func WithDiskSectors(n int) Option     { return func(c *Config) { c.DiskSectors = n } }
func WithCacheTickFreq(n int) Option   { return func(c *Config) { c.CacheTickFreq = n } }
func WithLogWriter(w io.Writer) Option { return func(c *Config) { c.LogWriter = w } }
func WithStackTop(v uintptr) Option    { return func(c *Config) { c.StackTop = v } }

// WithDiskRateLimit caps simulated disk throughput to the given sliding
// windows (e.g. {time.Second: 20000} for 20k sector ops/sec), so a full
// write-behind flush can't starve other disk traffic. Unset (the
// default) leaves the disk unthrottled.
func WithDiskRateLimit(rates map[time.Duration]int) Option {
	return func(c *Config) { c.DiskRateLimit = rates }
}

func defaultConfig() Config {
	return Config{
		FrameCount:    256,
		SwapSlots:     1024,
		DiskSectors:   1024 * diskio.SectorsPerPage,
		CacheTickFreq: cache.BFCTickFreq,
	}
}

// Kernel is one booted instance of the teaching OS core (spec.md §2): the
// scheduler, alarm queue, frame table, swap area, supplemental page
// tables, buffered block cache, page-fault handler, and process exit
// machinery, all sharing one simulated disk.
type Kernel struct {
	Scheduler  *thread.Scheduler
	Alarm      *alarm.Queue
	Disk       *diskio.Disk
	Swap       *swap.Area
	Pagedir    *vm.SimplePageDirectory
	Frames     *vm.FrameTable
	Cache      *cache.Cache
	PageFaults *pagefault.Handler
	Metrics    *kmetrics.Counters
	FaultLat   *kmetrics.LatencyMetrics
	CacheLat   *kmetrics.LatencyMetrics

	supTables  map[thread.TID]*vm.SupplementalTable
	mmapTables map[thread.TID]*vm.MmapTable
	openFiles  map[thread.TID]*kproc.OpenFileTable
	procs      *kproc.ProcessTable

	faultSemasMu sync.Mutex
	faultSemas   map[thread.TID]*ksync.Semaphore
}

// Boot constructs and wires a Kernel (spec.md §2's control-flow
// paragraph): the scheduler and alarm queue drive tick-based
// preemption/wakeups, the frame table evicts through the swap area, and
// all file-content I/O funnels through the buffered block cache.
func Boot(opts ...Option) *Kernel {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.LogWriter != nil {
		klog.Set(klog.Default(cfg.LogWriter))
	}

	k := &Kernel{
		Scheduler:  thread.NewScheduler(),
		Alarm:      alarm.NewQueue(),
		Disk:       diskio.New(cfg.DiskSectors, diskio.WithRateLimit(cfg.DiskRateLimit)),
		Pagedir:    vm.NewSimplePageDirectory(),
		Metrics:    &kmetrics.Counters{},
		FaultLat:   &kmetrics.LatencyMetrics{},
		CacheLat:   &kmetrics.LatencyMetrics{},
		supTables:  make(map[thread.TID]*vm.SupplementalTable),
		mmapTables: make(map[thread.TID]*vm.MmapTable),
		openFiles:  make(map[thread.TID]*kproc.OpenFileTable),
		procs:      kproc.NewProcessTable(),
		faultSemas: make(map[thread.TID]*ksync.Semaphore),
	}

	k.Swap = swap.NewArea(k.Disk, cfg.SwapSlots)
	k.Swap.SetMetrics(k.Metrics)
	k.Frames = vm.NewFrameTable(cfg.FrameCount, k.Pagedir, k.Swap, k.supplementalFor, nil)
	k.Frames.SetMetrics(k.Metrics)
	k.Frames.SetFaultSemas(k.faultSemaFor)
	k.Cache = cache.New(k.Disk, cache.WithTickFreq(cfg.CacheTickFreq), cache.WithMetrics(k.Metrics, k.CacheLat))
	k.PageFaults = &pagefault.Handler{
		Frames:   k.Frames,
		Pagedir:  k.Pagedir,
		Area:     k.Swap,
		Tables:   k.supplementalFor,
		StackTop: cfg.StackTop,
		Metrics:  k.Metrics,
		Latency:  k.FaultLat,
	}

	klog.Info(klog.CategoryProcess, "kernel booted", func(b *logiface.Builder[*stumpy.Event]) {
		b.Int("frame_count", cfg.FrameCount)
		b.Int("swap_slots", cfg.SwapSlots)
	})
	return k
}

func (k *Kernel) supplementalFor(owner thread.TID) (*vm.SupplementalTable, bool) {
	t, ok := k.supTables[owner]
	return t, ok
}

func (k *Kernel) faultSemaFor(owner thread.TID) *ksync.Semaphore {
	k.faultSemasMu.Lock()
	defer k.faultSemasMu.Unlock()
	if s, ok := k.faultSemas[owner]; ok {
		return s
	}
	s := ksync.NewSemaphore(k.Scheduler, 1)
	k.faultSemas[owner] = s
	return s
}

// NewThread creates a user thread with a fresh supplemental page table,
// mmap table, and open-file table (spec.md §3's per-process state),
// registered with the scheduler (spec.md §4.1 create).
func (k *Kernel) NewThread(name string, priority int, entry thread.Entry, aux any, parent thread.TID) (thread.TID, error) {
	tid, err := k.Scheduler.Create(name, priority, entry, aux)
	if err != nil {
		return tid, err
	}
	k.supTables[tid] = vm.NewSupplementalTable()
	k.mmapTables[tid] = vm.NewMmapTable()
	k.openFiles[tid] = kproc.NewOpenFileTable()
	return tid, nil
}

// Tick drives one timer interrupt (spec.md §2/§5): charges the running
// thread's timeslice, wakes due sleepers, and advances the cache's
// write-behind counter.
func (k *Kernel) Tick() {
	k.Scheduler.Tick()
	for _, tid := range k.Alarm.Tick() {
		_ = k.Scheduler.Unblock(tid)
	}
	k.Cache.Tick()
}

// Exit tears down tid's user address space and hands its exit status to
// its parent (spec.md §4.7, SPEC_FULL.md §D item 7), then marks the
// thread Dying in the scheduler.
func (k *Kernel) Exit(tid thread.TID, status int32, mmapIDs []vm.MapID, closeFile func(vm.BackingFile) error) []error {
	sup := k.supTables[tid]
	mmaps := k.mmapTables[tid]
	files := k.openFiles[tid]

	errs := kproc.Exit(tid, status, sup, k.Swap, mmaps, k.Pagedir, k.Frames, mmapIDs, closeFile, files, k.procs)

	delete(k.supTables, tid)
	delete(k.mmapTables, tid)
	delete(k.openFiles, tid)

	k.faultSemasMu.Lock()
	delete(k.faultSemas, tid)
	k.faultSemasMu.Unlock()

	k.Scheduler.Exit(tid, status)
	return errs
}

// Wait returns the exit status a previously-exited child tid recorded,
// consuming the record (spec.md §6: thread lifecycle consumes exit
// status exactly once).
func (k *Kernel) Wait(tid thread.TID) (int32, bool) {
	return k.procs.Wait(tid)
}
