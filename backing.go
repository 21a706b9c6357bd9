package zram

import (
	"math/bits"
	"os"
	"sync/atomic"

	"code.hybscloud.com/spin"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// bdevBitmap tracks backing block allocation with one bit per block.
// It is lock-free: reservation is an atomic test-and-set that retries on
// contention. Bit 0 is permanently reserved so a zero block index can
// double as "none".
type bdevBitmap struct {
	words   []atomic.Uint64
	nrPages uint64
}

func newBdevBitmap(nrPages uint64) *bdevBitmap {
	b := &bdevBitmap{
		words:   make([]atomic.Uint64, (nrPages+63)/64),
		nrPages: nrPages,
	}
	b.words[0].Store(1) // reserve block 0
	return b
}

// alloc reserves the first free block, returning 0 when the device is
// full.
func (b *bdevBitmap) alloc() uint64 {
	sw := spin.Wait{}
	for wi := range b.words {
		for {
			w := b.words[wi].Load()
			if w == ^uint64(0) {
				break
			}
			bit := uint64(bits.TrailingZeros64(^w))
			idx := uint64(wi)*64 + bit
			if idx >= b.nrPages {
				return 0
			}
			if b.words[wi].CompareAndSwap(w, w|1<<bit) {
				return idx
			}
			sw.Once()
		}
	}
	return 0
}

// free releases a reserved block.
func (b *bdevBitmap) free(idx uint64) {
	if idx == 0 || idx >= b.nrPages {
		return
	}
	b.words[idx/64].And(^(uint64(1) << (idx % 64)))
}

// isSet reports whether the block is reserved.
func (b *bdevBitmap) isSet(idx uint64) bool {
	if idx >= b.nrPages {
		return false
	}
	return b.words[idx/64].Load()&(1<<(idx%64)) != 0
}

// bdevReq is one synchronous read request for the backing worker.
type bdevReq struct {
	dst  []byte
	blk  uint64
	done chan error
}

// backingDev is an attached backing block device: an open file or block
// device storing one page per block, plus the allocation bitmap, the
// preallocated writeback scratch buffer and the worker that serves
// synchronous reads.
type backingDev struct {
	file    *os.File
	path    string
	nrPages uint64
	bitmap  *bdevBitmap

	// scratch is MaxWritebackSize contiguous pages for batch writeback.
	scratch []byte

	reqs chan bdevReq
	stop chan struct{}
}

// BackingDev returns the path of the attached backing device, or "none".
func (d *Device) BackingDev() string {
	d.initMu.RLock()
	defer d.initMu.RUnlock()
	if d.backing == nil {
		return "none"
	}
	return d.backing.path
}

// SetBackingDev attaches a backing block device or regular file. Only
// allowed before Init. The store size is probed from the file and
// converted to page-sized blocks; a device smaller than two pages is
// rejected because block 0 is reserved.
func (d *Device) SetBackingDev(path string) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initDone() {
		d.log.Info("cannot setup backing device for initialized device")
		return NewError(ErrBusy)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return WrapError(ErrNoDev, err)
	}

	size, err := bdevSize(file)
	if err != nil {
		file.Close()
		return WrapError(ErrNotBlock, err)
	}

	nrPages := uint64(size) >> PageShift
	if nrPages < 2 {
		file.Close()
		return NewError(ErrInvalid)
	}

	d.resetBdevLocked()

	bd := &backingDev{
		file:    file,
		path:    path,
		nrPages: nrPages,
		bitmap:  newBdevBitmap(nrPages),
		scratch: make([]byte, MaxWritebackSize*PageSize),
		reqs:    make(chan bdevReq),
		stop:    make(chan struct{}),
	}
	go bd.worker()

	d.backing = bd
	d.log.Info("setup backing device",
		zap.String("path", path), zap.Uint64("pages", nrPages))
	return nil
}

// bdevSize returns the byte size of a regular file or block device.
func bdevSize(file *os.File) (int64, error) {
	fi, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Mode()&os.ModeDevice != 0 {
		return blockDeviceSize(int(file.Fd()))
	}
	return fi.Size(), nil
}

// ResetBackingDev detaches the backing device. Only allowed before Init
// (a live device may hold written-back slots).
func (d *Device) ResetBackingDev() error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initDone() {
		return NewError(ErrBusy)
	}
	d.resetBdevLocked()
	return nil
}

// resetBdevLocked tears down the backing device. Caller holds initMu for
// writing.
func (d *Device) resetBdevLocked() {
	bd := d.backing
	if bd == nil {
		return
	}
	close(bd.stop)
	bd.file.Close()
	d.backing = nil
}

// worker serves synchronous backing reads on a dedicated goroutine, for
// callers whose context cannot nest chained I/O.
func (bd *backingDev) worker() {
	for {
		select {
		case req := <-bd.reqs:
			req.done <- bd.readBlock(req.dst, req.blk)
		case <-bd.stop:
			return
		}
	}
}

// readBlock reads one page-sized block.
func (bd *backingDev) readBlock(dst []byte, blk uint64) error {
	off := int64(blk) << PageShift
	for n := 0; n < PageSize; {
		r, err := bd.file.ReadAt(dst[n:PageSize], off+int64(n))
		n += r
		if err != nil {
			return err
		}
	}
	return nil
}

// writeBlocks writes a contiguous run of pages with a single vectored
// submission starting at block startBlk.
func (bd *backingDev) writeBlocks(startBlk uint64, pages [][]byte) error {
	off := int64(startBlk) << PageShift

	iovs := make([][]byte, len(pages))
	copy(iovs, pages)

	for len(iovs) > 0 {
		n, err := unix.Pwritev(int(bd.file.Fd()), iovs, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n <= 0 {
			return unix.EIO
		}
		off += int64(n)
		for n > 0 && len(iovs) > 0 {
			if n >= len(iovs[0]) {
				n -= len(iovs[0])
				iovs = iovs[1:]
			} else {
				iovs[0] = iovs[0][n:]
				n = 0
			}
		}
	}
	return nil
}

// freeBlockBdev releases a backing block and its accounting.
func (d *Device) freeBlockBdev(blk uint64) {
	if d.backing == nil {
		return
	}
	d.backing.bitmap.free(blk)
	d.stats.bdCount.Add(-1)
}

// allocBlockBdev reserves a backing block, returning 0 when full.
func (d *Device) allocBlockBdev() uint64 {
	blk := d.backing.bitmap.alloc()
	if blk != 0 {
		d.stats.bdCount.Add(1)
	}
	return blk
}

// readFromBdev reads the block into dst. With a parent the read chains
// onto it and completes asynchronously; otherwise, with sync set, it runs
// on the dedicated worker. A sync read without a worker available cannot
// happen while the device is live.
func (d *Device) readFromBdev(dst []byte, blk uint64, parent *Bio, sync bool) error {
	bd := d.backing
	if bd == nil {
		return NewError(ErrIO)
	}
	d.stats.bdReads.Add(1)

	if parent != nil && !sync {
		parent.chain()
		go func() {
			parent.endChained(bd.readBlock(dst, blk))
		}()
		return nil
	}

	done := make(chan error, 1)
	select {
	case bd.reqs <- bdevReq{dst: dst, blk: blk, done: done}:
	case <-bd.stop:
		return NewError(ErrIO)
	}
	if err := <-done; err != nil {
		return WrapError(ErrIO, err)
	}
	return nil
}
