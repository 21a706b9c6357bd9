package zram

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

// pageSameFilled reports whether every machine word of the page equals
// the first one, returning that word as the fill element.
func pageSameFilled(page []byte) (uint64, bool) {
	element := binary.LittleEndian.Uint64(page)
	for off := 8; off < PageSize; off += 8 {
		if binary.LittleEndian.Uint64(page[off:]) != element {
			return 0, false
		}
	}
	return element, true
}

// fillPage replicates the element word across the page.
func fillPage(page []byte, element uint64) {
	binary.LittleEndian.PutUint64(page, element)
	for off := 8; off < PageSize; off *= 2 {
		copy(page[off:], page[:off])
	}
}

// accessed records an access to the slot: the idle state is cleared and,
// when tracking is on, the access time stamped. Caller holds the slot
// lock.
func (d *Device) accessed(index uint32) {
	d.table.clearFlag(index, flagIdle)
	d.table.clearIdleCount(index)
	if d.accessTracking() {
		d.table.slots[index].acTime = time.Now().UnixNano()
	}
}

// freeSlot releases whatever the slot holds and clears its metadata.
// Caller holds the slot lock. flagUnderWB is deliberately left alone:
// clearing it is the writeback engine's duty, so an in-flight backing
// block cannot be freed twice.
func (d *Device) freeSlot(index uint32) {
	t := d.table

	t.slots[index].acTime = 0
	if t.testFlag(index, flagIdle) {
		t.clearFlag(index, flagIdle)
		t.clearIdleCount(index)
	}

	if t.testFlag(index, flagCompressLow) {
		t.clearFlag(index, flagCompressLow)
		d.stats.lowratioPages.Add(-1)
	}

	if t.testFlag(index, flagHuge) {
		t.clearFlag(index, flagHuge)
		d.stats.hugePages.Add(-1)
	}

	if t.testFlag(index, flagWB) {
		t.clearFlag(index, flagWB)
		d.freeBlockBdev(t.element(index))
		t.setElement(index, 0)
		d.stats.pagesStored.Add(-1)
		return
	}

	// No memory is allocated for same element filled pages.
	if t.testFlag(index, flagSame) {
		t.clearFlag(index, flagSame)
		t.setElement(index, 0)
		d.stats.samePages.Add(-1)
		d.stats.pagesStored.Add(-1)
		return
	}

	e := t.entryAt(index)
	if e == nil {
		return
	}

	d.entryFree(e)
	d.stats.comprDataSize.Add(-int64(t.size(index)))
	d.stats.pagesStored.Add(-1)

	t.setEntry(index, nil)
	t.setSize(index, 0)
}

// writePage stores one full page into the slot. The non-publish work
// (same-fill probe, dedup probe, compression, allocation, populate) runs
// without the slot lock; publication re-acquires it and the last
// publisher wins.
func (d *Device) writePage(page []byte, index uint32) error {
	var (
		e        *entry
		compLen  int
		element  uint64
		same     bool
		checksum uint32
	)

	if el, ok := pageSameFilled(page); ok {
		element = el
		same = true
		d.stats.samePages.Add(1)
	} else {
		if d.dedup != nil {
			e, checksum = d.dedup.find(page)
		}
		if e != nil {
			compLen = int(e.len)
		} else {
			var err error
			e, compLen, err = d.compressAndStore(page, checksum)
			if err != nil {
				return err
			}
		}
	}

	// Free the slot's previous content before publishing the new one.
	d.table.lock(index)
	d.freeSlot(index)

	if same {
		d.table.setFlag(index, flagSame)
		d.table.setElement(index, element)
	} else {
		if compLen == PageSize {
			d.table.setFlag(index, flagHuge)
			d.stats.hugePages.Add(1)
		}
		d.table.setEntry(index, e)
		d.table.setSize(index, compLen)

		if (PageSize-compLen)*100/PageSize < int(d.lowCompressRatio.Load()) {
			d.table.setFlag(index, flagCompressLow)
			d.stats.lowratioPages.Add(1)
		}
	}
	d.table.unlock(index)

	d.stats.pagesStored.Add(1)
	updateMax(&d.stats.pagesStoredMax, d.stats.pagesStored.Load())
	return nil
}

// compressAndStore compresses the page, allocates a pool entry and
// populates it. Allocation is two-phase: the first attempt does not grow
// the pool; on failure the stream is released, a writestall recorded and
// the page recompressed after a growing allocation, because the stream
// that produced the first buffer has been returned.
func (d *Device) compressAndStore(page []byte, checksum uint32) (*entry, int, error) {
	strm := d.comp.Get()

	compLen, err := strm.Compress(page)
	if err != nil {
		d.comp.Put(strm)
		d.log.Error("compression failed", zap.Error(err))
		return nil, 0, WrapError(ErrIO, err)
	}
	if compLen >= d.hugeClassSize {
		compLen = PageSize
	}

	e := d.entryAlloc(compLen, false)
	if e == nil {
		d.comp.Put(strm)
		d.stats.writestall.Add(1)

		e = d.entryAlloc(compLen, true)
		if e == nil {
			return nil, 0, NewError(ErrNoMem)
		}

		// Redo the compression: the stream that produced the first
		// buffer has been recycled. Same codec, same input, same
		// length, so the entry stays valid.
		strm = d.comp.Get()
		compLen, err = strm.Compress(page)
		if err != nil {
			d.comp.Put(strm)
			d.entryFree(e)
			return nil, 0, WrapError(ErrIO, err)
		}
		if compLen >= d.hugeClassSize {
			compLen = PageSize
		}
		if compLen > int(e.len) {
			d.comp.Put(strm)
			d.entryFree(e)
			return nil, 0, NewError(ErrNoMem)
		}
	}

	allocedPages := d.pool.TotalPages()
	updateMax(&d.stats.maxUsedPages, allocedPages)

	if limit := d.limitPages.Load(); limit != 0 && allocedPages > limit {
		d.comp.Put(strm)
		d.entryFree(e)
		return nil, 0, NewError(ErrNoMem)
	}

	dst := d.pool.Map(e.handle)
	src := strm.Buffer[:compLen]
	if compLen == PageSize {
		src = page
	}
	copy(dst, src)
	d.comp.Put(strm)
	d.pool.Unmap(e.handle)

	d.stats.comprDataSize.Add(int64(compLen))
	if d.dedup != nil {
		d.dedup.insert(e, checksum)
	}
	return e, compLen, nil
}

// readPageSlot reads one full page from the slot into dst. When the slot
// has been written back, the backing read either chains onto the parent
// request or completes synchronously on the backing worker. access=false
// is used by the writeback engine so its internal reads do not disturb
// the idle state they are about to consume.
func (d *Device) readPageSlot(dst []byte, index uint32, parent *Bio, sync bool, access bool) error {
	t := d.table

	t.lock(index)
	if access {
		d.accessed(index)
	}

	if t.testFlag(index, flagWB) {
		blk := t.element(index)
		t.unlock(index)
		return d.readFromBdev(dst, blk, parent, sync)
	}

	e := t.entryAt(index)
	if e == nil || t.testFlag(index, flagSame) {
		var element uint64
		if t.testFlag(index, flagSame) {
			element = t.element(index)
		}
		fillPage(dst, element)
		t.unlock(index)
		return nil
	}

	size := t.size(index)
	src := d.pool.Map(e.handle)

	var err error
	if size == PageSize {
		copy(dst, src[:PageSize])
	} else {
		// The stream pool is sized to hardware parallelism, so this
		// wait is bounded; it never sleeps on I/O.
		strm := d.comp.Get()
		err = strm.Decompress(dst, src[:size])
		d.comp.Put(strm)
	}
	d.pool.Unmap(e.handle)
	t.unlock(index)

	if err != nil {
		d.log.Error("decompression failed",
			zap.Uint32("page", index), zap.Error(err))
		return WrapError(ErrIO, err)
	}
	return nil
}

// readSlice reads an arbitrary slice of the slot. Full-page reads go
// straight to the destination; partial reads decompress into a scratch
// page first. Partial backing reads complete synchronously because the
// caller needs the bytes in-line.
func (d *Device) readSlice(buf []byte, index uint32, offset int, parent *Bio, access bool) error {
	partial := offset != 0 || len(buf) != PageSize

	page := buf
	if partial {
		page = make([]byte, PageSize)
	}

	if err := d.readPageSlot(page, index, parent, partial, access); err != nil {
		return err
	}

	if partial {
		copy(buf, page[offset:offset+len(buf)])
	}
	return nil
}

// writeSlice writes an arbitrary slice of the slot. A partial write reads
// the current page, overlays the slice and takes the full-page path.
func (d *Device) writeSlice(buf []byte, index uint32, offset int) error {
	if offset == 0 && len(buf) == PageSize {
		return d.writePage(buf, index)
	}

	// This is a partial IO. Read the full page before writing the
	// changes.
	page := make([]byte, PageSize)
	if err := d.readPageSlot(page, index, nil, true, true); err != nil {
		return err
	}
	copy(page[offset:], buf)
	return d.writePage(page, index)
}
