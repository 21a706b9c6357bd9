// Package mempool provides a size-class slab allocator over anonymous
// memory mappings. Objects are addressed by opaque handles so that the
// owning table stays pointer-free; a handle maps to raw memory on demand.
//
// Allocation is two-phase by contract: a non-waiting attempt only takes
// free chunks from already-mapped segments, while a waiting attempt may
// map a new segment. Callers that hold restricted contexts issue the
// non-waiting attempt first and retry with wait set.
package mempool

import (
	"sync"
	"sync/atomic"

	"github.com/Giulio2002/zram/mmap"
)

// PageSize is the object granularity of the largest class. Allocations at
// or above HugeClassSize round up to a full page.
const PageSize = 4096

const (
	// classStride is the spacing between adjacent size classes.
	classStride = 64

	// numClasses is the number of sub-page classes (64..3520 bytes).
	numClasses = 55

	// hugeClassSize is the threshold at or above which an object is
	// stored in a full-page chunk. Compression that cannot get below
	// this size is not worth keeping compressed.
	hugeClassSize = (numClasses + 1) * classStride

	// segmentPages is the number of pages mapped per segment.
	segmentPages = 64

	// pageClass is the class index of the full-page class.
	pageClass = numClasses
)

// Handle is an opaque reference to an allocated chunk. The zero Handle is
// never returned by Alloc and means "no allocation".
type Handle uint64

// Handle layout: class+1 in bits 48..55 (so the zero value stays
// invalid), segment in bits 24..47, chunk in bits 0..23.
func makeHandle(class, seg int, chunk uint32) Handle {
	return Handle(uint64(class+1)<<48 | uint64(seg)<<24 | uint64(chunk))
}

func (h Handle) parts() (class, seg int, chunk uint32) {
	v := uint64(h)
	return int(v>>48&0xff) - 1, int(v >> 24 & 0xffffff), uint32(v & 0xffffff)
}

// segment is a single anonymous mapping carved into fixed-size chunks.
type segment struct {
	mem    *mmap.Map
	chunks *chunkMap
}

// class groups all segments serving one chunk size.
type class struct {
	mu        sync.Mutex
	chunkSize int
	segments  []*segment
}

// Pool is a slab allocator with per-class locking. All methods are safe
// for concurrent use.
type Pool struct {
	classes        [numClasses + 1]class
	totalPages     atomic.Int64
	pagesCompacted atomic.Int64
}

// New creates an empty pool. No memory is mapped until the first waiting
// allocation.
func New() *Pool {
	p := &Pool{}
	for i := 0; i < numClasses; i++ {
		p.classes[i].chunkSize = (i + 1) * classStride
	}
	p.classes[pageClass].chunkSize = PageSize
	return p
}

// HugeClassSize returns the size at or above which objects occupy a full
// page. The value is fixed per pool geometry.
func (p *Pool) HugeClassSize() int {
	return hugeClassSize
}

// TotalPages returns the number of pages currently mapped by the pool.
func (p *Pool) TotalPages() int64 {
	return p.totalPages.Load()
}

// PagesCompacted returns the cumulative number of pages released by
// Compact over the pool's lifetime.
func (p *Pool) PagesCompacted() int64 {
	return p.pagesCompacted.Load()
}

// classFor maps an allocation size to its zero-based class index.
func classFor(size int) int {
	if size >= hugeClassSize {
		return pageClass
	}
	ci := (size+classStride-1)/classStride - 1
	if ci > pageClass {
		ci = pageClass
	}
	return ci
}

// Alloc reserves a chunk large enough for size bytes and returns its
// handle, or 0 when no chunk is available. With wait false only existing
// segments are searched; with wait true a new segment may be mapped.
func (p *Pool) Alloc(size int, wait bool) Handle {
	if size <= 0 || size > PageSize {
		return 0
	}

	ci := classFor(size)
	c := &p.classes[ci]

	c.mu.Lock()
	defer c.mu.Unlock()

	for si, seg := range c.segments {
		if seg == nil {
			continue
		}
		if chunk, ok := seg.chunks.take(); ok {
			return makeHandle(ci, si, chunk)
		}
	}

	if !wait {
		return 0
	}

	seg, err := newSegment(c.chunkSize)
	if err != nil {
		return 0
	}
	c.segments = append(c.segments, seg)
	p.totalPages.Add(segmentPages)

	chunk, _ := seg.chunks.take()
	return makeHandle(ci, len(c.segments)-1, chunk)
}

func newSegment(chunkSize int) (*segment, error) {
	m, err := mmap.New(segmentPages * PageSize)
	if err != nil {
		return nil, err
	}
	nchunks := uint32(segmentPages * PageSize / chunkSize)
	return &segment{
		mem:    m,
		chunks: newChunkMap(nchunks),
	}, nil
}

// Free releases the chunk behind handle. Freeing the zero handle is a
// no-op. The chunk's segment stays mapped until Compact finds it empty.
func (p *Pool) Free(h Handle) {
	if h == 0 {
		return
	}
	ci, si, chunk := h.parts()
	c := &p.classes[ci]

	c.mu.Lock()
	defer c.mu.Unlock()

	if si >= len(c.segments) || c.segments[si] == nil {
		return
	}
	// put refuses chunks that are not taken, so double frees are no-ops.
	c.segments[si].chunks.put(chunk)
}

// Map returns the raw memory of the chunk behind handle. The slice stays
// valid until the chunk is freed or the pool compacted; callers bracket
// access with Unmap per the pool contract.
func (p *Pool) Map(h Handle) []byte {
	if h == 0 {
		return nil
	}
	ci, si, chunk := h.parts()
	c := &p.classes[ci]

	c.mu.Lock()
	defer c.mu.Unlock()

	if si >= len(c.segments) || c.segments[si] == nil {
		return nil
	}
	seg := c.segments[si]
	if !seg.chunks.taken(chunk) {
		return nil
	}
	off := int(chunk) * c.chunkSize
	return seg.mem.Data()[off : off+c.chunkSize]
}

// Unmap releases the mapping obtained from Map. The memory stays resident;
// the call exists to bracket access in the allocator contract.
func (p *Pool) Unmap(h Handle) {}

// Compact unmaps segments with no live chunks and returns the number of
// pages released.
func (p *Pool) Compact() int64 {
	var released int64

	for ci := range p.classes {
		c := &p.classes[ci]
		c.mu.Lock()
		for si, seg := range c.segments {
			if seg == nil || !seg.chunks.unused() {
				continue
			}
			// Handles encode the segment index, so the slot is
			// tombstoned rather than compacted away.
			_ = seg.mem.Close()
			c.segments[si] = nil
			released += segmentPages
		}
		// Trim trailing tombstones so the slice does not grow unboundedly.
		for len(c.segments) > 0 && c.segments[len(c.segments)-1] == nil {
			c.segments = c.segments[:len(c.segments)-1]
		}
		c.mu.Unlock()
	}

	p.totalPages.Add(-released)
	p.pagesCompacted.Add(released)
	return released
}

// Close unmaps every segment. The pool must not be used afterwards.
func (p *Pool) Close() {
	for ci := range p.classes {
		c := &p.classes[ci]
		c.mu.Lock()
		for _, seg := range c.segments {
			if seg != nil {
				_ = seg.mem.Close()
			}
		}
		c.segments = nil
		c.mu.Unlock()
	}
	p.totalPages.Store(0)
}
