// Package cache implements the buffered block cache (spec.md §4.8): a
// fixed 64-entry, sector-keyed cache sitting in front of fsiface.Disk,
// with clock-replacement eviction, write-behind, and read-ahead.
//
// Read-ahead is dispatched to a bounded worker goroutine rather than
// inline recursion into the lookup path, resolving spec.md §9's open
// question about look_up re-entering itself under the same lock
// discipline (SPEC_FULL.md §D item 9: original_source/pintos's
// filesys/buf_cache.c spawns read-ahead as a separate detached task).
// Victim selection reuses the moving-cursor clock pattern grounded on the
// teacher's registry.go Scavenge cursor, the same pattern internal/vm's
// frame table uses for physical-frame eviction.
package cache

import (
	"sync"
	"time"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/fsiface"
	"github.com/joeycumines/go-kerncore/internal/kerr"
	"github.com/joeycumines/go-kerncore/internal/kmetrics"
)

// Capacity is the fixed number of cache entries (spec.md §4.8).
const Capacity = 64

// BFCTickFreq is the default write-behind period in timer ticks.
const BFCTickFreq = 100

// Entry is one cache slot (spec.md §3): a sector's worth of data, keyed
// by (inode, sector-aligned offset).
type Entry struct {
	mu            sync.Mutex
	inode         fsiface.Inode
	offset        int64
	data          [diskio.SectorSize]byte
	dirty         bool
	accessed      bool
	accessorCount int
	evictable     bool
}

type key struct {
	inode  fsiface.Inode
	offset int64
}

// readAheadReq is a best-effort prefetch request handed to the detached
// worker.
type readAheadReq struct {
	inode  fsiface.Inode
	offset int64
}

// Cache is the buffered block cache for one disk.
type Cache struct {
	mu        sync.Mutex // serializes lookup/list mutation (spec.md §4.8 invariant)
	entries   []*Entry
	index     map[key]*Entry
	cursor    int
	disk      fsiface.Disk
	tickFreq  int
	tickCount int

	readAhead chan readAheadReq
	closeOnce sync.Once
	closed    chan struct{}

	metrics *kmetrics.Counters
	latency *kmetrics.LatencyMetrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithTickFreq overrides BFCTickFreq.
func WithTickFreq(ticks int) Option {
	return func(c *Cache) { c.tickFreq = ticks }
}

// WithMetrics installs optional counters and fetch-latency tracking; nil
// (the default) disables instrumentation.
func WithMetrics(m *kmetrics.Counters, lat *kmetrics.LatencyMetrics) Option {
	return func(c *Cache) { c.metrics = m; c.latency = lat }
}

// New constructs an empty cache over disk and starts its read-ahead
// worker.
func New(disk fsiface.Disk, opts ...Option) *Cache {
	c := &Cache{
		index:     make(map[key]*Entry),
		disk:      disk,
		tickFreq:  BFCTickFreq,
		readAhead: make(chan readAheadReq, Capacity),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readAheadWorker()
	return c
}

// Close stops the read-ahead worker. It does not flush; call FlushAll
// first if a clean shutdown is required (spec.md §4.8 invariant: only
// after the shutdown flush may storage be freed).
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Read copies size bytes starting at (inode, offset) into buf, fetching
// the backing sector on a miss, then opportunistically prefetches the
// next sector (spec.md §4.8 read-ahead).
func (c *Cache) Read(inode fsiface.Inode, offset int64, buf []byte) error {
	entry, sectorOff, err := c.fetch(inode, offset)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	n := copy(buf, entry.data[sectorOff:])
	entry.accessed = true
	entry.mu.Unlock()
	if n < len(buf) {
		return kerr.Wrap("cache.Read: short read", kerr.ErrIOFailure)
	}

	c.maybeReadAhead(inode, offset)
	return nil
}

// Write copies buf into the cache entry backing (inode, offset), marking
// it dirty; the disk itself is only updated by a later write-behind pass
// or an explicit flush.
func (c *Cache) Write(inode fsiface.Inode, offset int64, buf []byte) error {
	entry, sectorOff, err := c.fetch(inode, offset)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	n := copy(entry.data[sectorOff:], buf)
	entry.dirty = true
	entry.accessed = true
	entry.mu.Unlock()
	if n < len(buf) {
		return kerr.Wrap("cache.Write: short write", kerr.ErrIOFailure)
	}
	return nil
}

// fetch returns the entry backing the sector containing offset,
// allocating or evicting as needed, and the byte offset within that
// sector that offset corresponds to.
func (c *Cache) fetch(inode fsiface.Inode, offset int64) (*Entry, int, error) {
	start := time.Now()
	defer func() {
		if c.latency != nil {
			c.latency.Record(time.Since(start))
		}
	}()

	sector := inode.ByteToSector(offset)
	if sector < 0 {
		return nil, 0, kerr.Wrap("cache.fetch: offset past end of file", kerr.ErrIOFailure)
	}
	sectorOff := int(offset % diskio.SectorSize)
	alignedOffset := offset - int64(sectorOff)
	k := key{inode, alignedOffset}

	c.mu.Lock()
	if e, ok := c.index[k]; ok {
		e.mu.Lock()
		e.accessorCount++
		e.mu.Unlock()
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheHits.Add(1)
		}
		defer c.release(e)
		return e, sectorOff, nil
	}

	if c.metrics != nil {
		c.metrics.CacheMisses.Add(1)
	}

	var entry *Entry
	if len(c.entries) < Capacity {
		entry = &Entry{inode: inode, offset: alignedOffset, evictable: true}
		c.entries = append(c.entries, entry)
	} else {
		victim, err := c.selectVictimLocked()
		if err != nil {
			c.mu.Unlock()
			return nil, 0, err
		}
		if c.metrics != nil {
			c.metrics.CacheEvictions.Add(1)
		}
		entry = victim
	}
	entry.mu.Lock()
	oldKey := key{entry.inode, entry.offset}
	wasDirty := entry.dirty
	entry.accessorCount++
	entry.inode = inode
	entry.offset = alignedOffset
	entry.mu.Unlock()
	delete(c.index, oldKey)
	c.index[k] = entry
	c.mu.Unlock()

	if wasDirty {
		if err := c.writeBack(entry, oldKey); err != nil {
			c.release(entry)
			return nil, 0, err
		}
	}

	entry.mu.Lock()
	err := c.disk.ReadSector(sector, entry.data[:])
	if err == nil {
		entry.dirty = false
		entry.accessed = false
	}
	entry.mu.Unlock()
	if err != nil {
		c.release(entry)
		return nil, 0, kerr.Wrap("cache.fetch: disk read failed", kerr.ErrIOFailure)
	}

	defer c.release(entry)
	return entry, sectorOff, nil
}

// release drops the pin fetch placed on entry.
func (c *Cache) release(e *Entry) {
	e.mu.Lock()
	e.accessorCount--
	e.mu.Unlock()
}

// selectVictimLocked runs the clock sweep (spec.md §4.8): a candidate is
// eligible when accessor_count == 0 and evictable; an eligible accessed
// candidate has its bit cleared and is skipped, an eligible non-accessed
// candidate is chosen. Must be called with c.mu held.
func (c *Cache) selectVictimLocked() (*Entry, error) {
	n := len(c.entries)
	for i := 0; i < 2*n; i++ {
		idx := (c.cursor + i) % n
		e := c.entries[idx]
		e.mu.Lock()
		eligible := e.accessorCount == 0 && e.evictable
		if !eligible {
			e.mu.Unlock()
			continue
		}
		if e.accessed {
			e.accessed = false
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()
		c.cursor = (idx + 1) % n
		return e, nil
	}
	return nil, kerr.Wrap("cache.selectVictim: no evictable entry", kerr.ErrOutOfMemory)
}

// writeBack flushes e's current contents to k's inode/sector. Caller
// holds no lock on e.
func (c *Cache) writeBack(e *Entry, k key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	sector := k.inode.ByteToSector(k.offset)
	if sector < 0 {
		return kerr.Wrap("cache.writeBack: offset past end of file", kerr.ErrIOFailure)
	}
	data := e.data
	if err := c.disk.WriteSector(sector, data[:]); err != nil {
		return kerr.Wrap("cache.writeBack: disk write failed", kerr.ErrIOFailure)
	}
	e.dirty = false
	return nil
}

// maybeReadAhead dispatches a best-effort prefetch of the sector
// following offset if it is still within inode's length.
func (c *Cache) maybeReadAhead(inode fsiface.Inode, offset int64) {
	next := offset + diskio.SectorSize
	if next >= inode.Length() {
		return
	}
	select {
	case c.readAhead <- readAheadReq{inode: inode, offset: next}:
	default:
		// Worker backlog full; skip this prefetch, it is an optimisation
		// only.
	}
}

func (c *Cache) readAheadWorker() {
	for {
		select {
		case <-c.closed:
			return
		case req := <-c.readAhead:
			_, _, _ = c.fetch(req.inode, req.offset)
		}
	}
}

// Tick advances the write-behind tick counter, flushing all dirty
// entries every tickFreq ticks (spec.md §4.8 write-behind).
func (c *Cache) Tick() {
	c.mu.Lock()
	c.tickCount++
	due := c.tickCount >= c.tickFreq
	if due {
		c.tickCount = 0
	}
	c.mu.Unlock()
	if due {
		_ = c.FlushAll()
	}
}

// FlushAll writes back every dirty, unpinned entry (used for the periodic
// write-behind pass and on shutdown). Entries with accessor_count > 0 are
// skipped: spec.md §4.8's invariant forbids a write-behind from flushing
// an entry a concurrent accessor is still reading or writing (the next
// due tick, or the caller's own eventual flush, picks it up once it is
// unpinned).
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	entries := make([]*Entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()

	var agg []error
	for _, e := range entries {
		e.mu.Lock()
		k := key{e.inode, e.offset}
		pinned := e.accessorCount > 0
		e.mu.Unlock()
		if pinned {
			continue
		}
		if err := c.writeBack(e, k); err != nil {
			agg = append(agg, err)
		}
	}
	if c.metrics != nil {
		c.metrics.CacheFlushes.Add(1)
	}
	return kerr.NewAggregate("cache.FlushAll", agg...)
}

// FlushInode writes back every dirty, unpinned entry belonging to inode
// (used on file close/rename, spec.md §4.8); see FlushAll on why pinned
// entries are skipped.
func (c *Cache) FlushInode(inode fsiface.Inode) error {
	c.mu.Lock()
	var matching []*Entry
	for _, e := range c.entries {
		e.mu.Lock()
		if e.inode == inode {
			matching = append(matching, e)
		}
		e.mu.Unlock()
	}
	c.mu.Unlock()

	var agg []error
	for _, e := range matching {
		e.mu.Lock()
		k := key{inode, e.offset}
		pinned := e.accessorCount > 0
		e.mu.Unlock()
		if pinned {
			continue
		}
		if err := c.writeBack(e, k); err != nil {
			agg = append(agg, err)
		}
	}
	return kerr.NewAggregate("cache.FlushInode", agg...)
}

// Len reports the number of live entries, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
