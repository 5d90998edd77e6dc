// Package fsiface names the external collaborator contract spec.md §6
// leaves out of scope: the on-disk inode/directory filesystem, the raw
// disk driver, and the real-time clock. kerncore's core subsystems
// consume these as interfaces only; a real implementation (or, for
// kerncore's own tests, the in-memory diskio.Disk) is wired in by
// whoever constructs a Kernel.
package fsiface

import "github.com/joeycumines/go-kerncore/internal/diskio"

// Disk is the raw block-device contract (spec.md §6): disk_read/
// disk_write at sector granularity.
type Disk interface {
	ReadSector(n int, buf []byte) error
	WriteSector(n int, buf []byte) error
}

var _ Disk = (*diskio.Disk)(nil)

// Inode is the on-disk file abstraction the buffered block cache and the
// supplemental page table read/write through (spec.md §6: byte_to_sector,
// file_read_at, file_write_at, file_length, file_reopen, file_close).
type Inode interface {
	// ByteToSector returns the sector index backing the given byte
	// offset, or -1 if the offset is past the end of the file.
	ByteToSector(offset int64) int
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Length() int64
	// Reopen returns an independent handle to the same underlying file,
	// used by mmap so a later Close of the original fd does not
	// invalidate the mapping (spec.md §4.7).
	Reopen() (Inode, error)
	Close() error
}

// Clock is the real-time-clock source used to timestamp frames
// (spec.md §6: rtc_get_time).
type Clock interface {
	Now() int64
}
