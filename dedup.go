package zram

import (
	"bytes"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/spaolacci/murmur3"

	"github.com/Giulio2002/zram/internal/fastmap"
	"github.com/Giulio2002/zram/mempool"
)

// entry is one pool-allocated object holding a slot's compressed (or raw)
// bytes. Entries are reference counted; without dedup the count never
// leaves 1 and an entry belongs to exactly one slot.
type entry struct {
	handle   mempool.Handle
	len      uint32
	checksum uint32
	refs     atomic.Int32
	next     *entry // checksum-bucket chain, managed by the dedup index
}

// entrySize approximates the per-entry metadata cost for the
// meta_data_size accounting.
const entrySize = int64(unsafe.Sizeof(entry{}))

// entryAlloc allocates a pool object of the given size and wraps it in an
// entry with one reference. Returns nil when the pool cannot satisfy the
// request in the given mode.
func (d *Device) entryAlloc(size int, wait bool) *entry {
	h := d.pool.Alloc(size, wait)
	if h == 0 {
		return nil
	}
	e := &entry{handle: h, len: uint32(size)}
	e.refs.Store(1)
	if d.dedup != nil {
		d.dedup.metaDataSize.Add(entrySize)
	}
	return e
}

// entryFree drops one reference and releases the pool object on the last.
func (d *Device) entryFree(e *entry) {
	if d.dedup != nil {
		if !d.dedup.put(e) {
			return
		}
		d.dedup.metaDataSize.Add(-entrySize)
	} else if e.refs.Add(-1) != 0 {
		return
	}
	d.pool.Free(e.handle)
}

// dedupIndex maps page checksums to chains of refcounted entries. The
// index has its own lock; it is never touched under a slot lock.
type dedupIndex struct {
	mu    sync.Mutex
	table fastmap.Uint32Map

	dupDataSize  atomic.Int64
	metaDataSize atomic.Int64

	d *Device
}

func newDedupIndex(d *Device) *dedupIndex {
	return &dedupIndex{d: d}
}

// checksumPage hashes the uncompressed page content.
func checksumPage(page []byte) uint32 {
	return murmur3.Sum32(page)
}

// find looks up an entry whose content is byte-identical to page. On a
// hit the entry gains a reference. The checksum is returned either way so
// the caller can insert a fresh entry after compression.
func (dd *dedupIndex) find(page []byte) (*entry, uint32) {
	checksum := checksumPage(page)

	dd.mu.Lock()
	defer dd.mu.Unlock()

	head := (*entry)(dd.table.Get(checksum))
	for e := head; e != nil; e = e.next {
		if dd.match(e, page) {
			e.refs.Add(1)
			dd.dupDataSize.Add(int64(e.len))
			return e, checksum
		}
	}
	return nil, checksum
}

// match reports whether the entry decodes to exactly page.
func (dd *dedupIndex) match(e *entry, page []byte) bool {
	src := dd.d.pool.Map(e.handle)
	defer dd.d.pool.Unmap(e.handle)

	if int(e.len) == PageSize {
		return bytes.Equal(src[:PageSize], page)
	}

	strm := dd.d.comp.Get()
	defer dd.d.comp.Put(strm)

	scratch := make([]byte, PageSize)
	if err := strm.Decompress(scratch, src[:e.len]); err != nil {
		return false
	}
	return bytes.Equal(scratch, page)
}

// insert publishes a freshly allocated entry under its checksum.
func (dd *dedupIndex) insert(e *entry, checksum uint32) {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	e.checksum = checksum
	e.next = (*entry)(dd.table.Get(checksum))
	dd.table.Set(checksum, unsafe.Pointer(e))
}

// put drops one reference. Returns true when this was the last reference
// and the caller owns the pool object; the entry is unlinked first so a
// concurrent find cannot resurrect it.
func (dd *dedupIndex) put(e *entry) bool {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	if e.refs.Add(-1) != 0 {
		dd.dupDataSize.Add(-int64(e.len))
		return false
	}
	dd.remove(e)
	return true
}

// remove unlinks the entry from its checksum chain. Entries that were
// never inserted (failed writes) are not on any chain.
func (dd *dedupIndex) remove(e *entry) {
	head := (*entry)(dd.table.Get(e.checksum))
	if head == nil {
		return
	}
	if head == e {
		if e.next == nil {
			dd.table.Delete(e.checksum)
		} else {
			dd.table.Set(e.checksum, unsafe.Pointer(e.next))
		}
		e.next = nil
		return
	}
	for prev := head; prev.next != nil; prev = prev.next {
		if prev.next == e {
			prev.next = e.next
			e.next = nil
			return
		}
	}
}
