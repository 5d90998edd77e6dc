// Package diskio models the two raw-disk collaborators spec.md treats as
// external (§6): disk_read/disk_write at sector granularity, feeding both
// the swap area and the buffered block cache.
//
// Completion signalling is grounded on the teacher's wake-pipe design
// (wakeup_linux.go/fd_unix.go): a real disk raises an interrupt on
// completion rather than letting the requester poll, so Disk exposes
// WaitForCompletion the same way the event loop exposes its wake pipe for
// "something happened, go check" notification, backed by a real
// golang.org/x/sys/unix pipe on Linux/Darwin and a channel-only stand-in
// elsewhere (wake_other.go), mirroring poller_windows.go's IOCP fallback
// role for the teacher's poller.
//
// Throughput is capped with github.com/joeycumines/go-catrate so a full
// write-behind flush (cache.go §4.8) can't starve other disk traffic —
// the same sliding-window limiter the pack uses elsewhere for inbound
// event throttling, applied here to simulated sector operations/second.
package diskio

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/go-kerncore/internal/kerr"
)

// SectorSize is the fixed disk sector size (spec.md §6).
const SectorSize = 512

// PageSize is the VM page size (spec.md §6): eight sectors per page.
const PageSize = 4096

// SectorsPerPage is PageSize / SectorSize.
const SectorsPerPage = PageSize / SectorSize

// Sector is one disk block.
type Sector [SectorSize]byte

// Disk is an in-memory stand-in for a raw block device: fixed-size sector
// storage allocated in New, a completion-wakeup channel/pipe, and an
// optional rate limiter.
type Disk struct {
	mu      sync.Mutex
	sectors []Sector
	limiter *catrate.Limiter
	wake    wakeSignal
}

// Option configures a Disk. Mirrors the teacher's functional-options
// pattern (options.go).
type Option func(*diskConfig)

type diskConfig struct {
	rates map[time.Duration]int
}

// WithRateLimit caps disk operations per the given sliding windows, e.g.
// WithRateLimit(map[time.Duration]int{time.Second: 20000}) for 20k
// sector ops/sec. Unset means unlimited.
func WithRateLimit(rates map[time.Duration]int) Option {
	return func(c *diskConfig) { c.rates = rates }
}

// New constructs a Disk with capacity sectors pre-allocated.
func New(capacitySectors int, opts ...Option) *Disk {
	cfg := &diskConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	d := &Disk{
		sectors: make([]Sector, capacitySectors),
		wake:    newWakeSignal(),
	}
	if len(cfg.rates) > 0 {
		d.limiter = catrate.NewLimiter(cfg.rates)
	}
	return d
}

// Capacity returns the number of sectors currently backed.
func (d *Disk) Capacity() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sectors)
}

func (d *Disk) throttle() {
	if d.limiter == nil {
		return
	}
	for {
		when, ok := d.limiter.Allow("sector_io")
		if ok {
			return
		}
		time.Sleep(time.Until(when))
	}
}

// ReadSector reads sector n into buf (which must be SectorSize bytes).
func (d *Disk) ReadSector(n int, buf []byte) error {
	if len(buf) != SectorSize {
		return kerr.Wrap("diskio.ReadSector: bad buffer size", kerr.ErrIOFailure)
	}
	d.throttle()

	d.mu.Lock()
	if n < 0 || n >= len(d.sectors) {
		d.mu.Unlock()
		return kerr.Wrap(fmt.Sprintf("diskio.ReadSector: sector %d out of range", n), kerr.ErrIOFailure)
	}
	copy(buf, d.sectors[n][:])
	d.mu.Unlock()

	d.wake.signal()
	return nil
}

// WriteSector writes buf (SectorSize bytes) to sector n.
func (d *Disk) WriteSector(n int, buf []byte) error {
	if len(buf) != SectorSize {
		return kerr.Wrap("diskio.WriteSector: bad buffer size", kerr.ErrIOFailure)
	}
	d.throttle()

	d.mu.Lock()
	if n < 0 || n >= len(d.sectors) {
		d.mu.Unlock()
		return kerr.Wrap(fmt.Sprintf("diskio.WriteSector: sector %d out of range", n), kerr.ErrIOFailure)
	}
	copy(d.sectors[n][:], buf)
	d.mu.Unlock()

	d.wake.signal()
	return nil
}

// WaitForCompletion blocks until at least one sector operation has
// completed since the last call, or the timeout elapses (ok=false).
// It serves consumers that want interrupt-style notification instead of
// polling; the block cache and swap area do not call it.
func (d *Disk) WaitForCompletion(timeout time.Duration) (ok bool) {
	return d.wake.wait(timeout)
}

// Close releases the completion-signalling resources.
func (d *Disk) Close() error {
	return d.wake.close()
}
