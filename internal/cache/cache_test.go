package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/fsiface"
)

// fakeInode maps a single test file 1:1 onto disk sectors starting at
// baseSector, with a fixed byte length.
type fakeInode struct {
	name       string
	baseSector int
	length     int64
}

func (f *fakeInode) ByteToSector(offset int64) int {
	if offset >= f.length {
		return -1
	}
	return f.baseSector + int(offset/diskio.SectorSize)
}

func (f *fakeInode) ReadAt(buf []byte, offset int64) (int, error)  { return 0, nil }
func (f *fakeInode) WriteAt(buf []byte, offset int64) (int, error) { return 0, nil }
func (f *fakeInode) Length() int64                                 { return f.length }
func (f *fakeInode) Reopen() (fsiface.Inode, error)                { return f, nil }
func (f *fakeInode) Close() error                                  { return nil }

var _ fsiface.Inode = (*fakeInode)(nil)

func newTestCache(t *testing.T, sectors int) *Cache {
	t.Helper()
	disk := diskio.New(sectors)
	t.Cleanup(func() { _ = disk.Close() })
	c := New(disk, WithTickFreq(1000))
	t.Cleanup(c.Close)
	return c
}

func TestReadYourWriteThroughCache(t *testing.T) {
	// P4: write followed by read with no intervening writer returns what
	// was written.
	c := newTestCache(t, 4)
	inode := &fakeInode{name: "f", baseSector: 0, length: diskio.SectorSize * 2}

	require.NoError(t, c.Write(inode, 0, []byte("hello")))

	out := make([]byte, 5)
	require.NoError(t, c.Read(inode, 0, out))
	require.Equal(t, []byte("hello"), out)
}

func TestFlushAllClearsDirtyAndReachesDisk(t *testing.T) {
	// P5 / scenario 6: after flush, no dirty entry remains and the disk
	// sector holds the written bytes.
	disk := diskio.New(4)
	defer disk.Close()
	c := New(disk, WithTickFreq(1000))
	defer c.Close()

	inode := &fakeInode{name: "f", baseSector: 0, length: diskio.SectorSize}
	require.NoError(t, c.Write(inode, 0, []byte("hello")))

	require.NoError(t, c.FlushAll())

	var sector [diskio.SectorSize]byte
	require.NoError(t, disk.ReadSector(0, sector[:]))
	require.Equal(t, []byte("hello"), sector[:5])
}

func TestFlushAllSkipsPinnedEntry(t *testing.T) {
	// spec.md §4.8: accessor_count > 0 must not be flushed concurrently
	// by write-behind.
	disk := diskio.New(4)
	defer disk.Close()
	c := New(disk, WithTickFreq(1000))
	defer c.Close()

	inode := &fakeInode{name: "f", baseSector: 0, length: diskio.SectorSize}
	require.NoError(t, c.Write(inode, 0, []byte("hello")))

	c.mu.Lock()
	e := c.entries[0]
	c.mu.Unlock()
	e.mu.Lock()
	e.accessorCount++
	e.mu.Unlock()

	require.NoError(t, c.FlushAll())

	var sector [diskio.SectorSize]byte
	require.NoError(t, disk.ReadSector(0, sector[:]))
	require.NotEqual(t, []byte("hello"), sector[:5])

	e.mu.Lock()
	e.accessorCount--
	e.mu.Unlock()

	require.NoError(t, c.FlushAll())
	require.NoError(t, disk.ReadSector(0, sector[:]))
	require.Equal(t, []byte("hello"), sector[:5])
}

func TestPeriodicTickFlushesDirtyEntries(t *testing.T) {
	disk := diskio.New(4)
	defer disk.Close()
	c := New(disk, WithTickFreq(3))
	defer c.Close()

	inode := &fakeInode{name: "f", baseSector: 0, length: diskio.SectorSize}
	require.NoError(t, c.Write(inode, 0, []byte("tick")))

	c.Tick()
	c.Tick()
	c.Tick() // 3rd tick crosses the threshold, triggers FlushAll

	var sector [diskio.SectorSize]byte
	require.NoError(t, disk.ReadSector(0, sector[:]))
	require.Equal(t, []byte("tick"), sector[:4])
}

func TestCacheEvictsWhenFull(t *testing.T) {
	disk := diskio.New(Capacity + 4)
	defer disk.Close()
	c := New(disk, WithTickFreq(1000))
	defer c.Close()

	for i := 0; i < Capacity+2; i++ {
		inode := &fakeInode{name: "f", baseSector: i, length: diskio.SectorSize}
		require.NoError(t, c.Write(inode, 0, []byte("x")))
	}

	require.Equal(t, Capacity, c.Len())
}

func TestReadAheadPrefetchesNextSector(t *testing.T) {
	disk := diskio.New(4)
	defer disk.Close()
	c := New(disk, WithTickFreq(1000))
	defer c.Close()

	inode := &fakeInode{name: "f", baseSector: 0, length: diskio.SectorSize * 2}
	require.NoError(t, disk.WriteSector(1, append([]byte("next-sector"), make([]byte, diskio.SectorSize-11)...)))

	out := make([]byte, 4)
	require.NoError(t, c.Read(inode, 0, out))

	require.Eventually(t, func() bool {
		return c.Len() == 2
	}, time.Second, 5*time.Millisecond)
}
