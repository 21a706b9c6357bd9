package zram

import (
	"context"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Writeback modes
const (
	hugeWriteback = 1 << 0
	idleWriteback = 1 << 1
)

// parseWritebackArg parses the writeback command: "huge", "idle",
// "idle <max>" or "idle <max> <min_idle>".
func parseWritebackArg(arg string) (mode int, wbMax uint64, wbIdleMin uint, err error) {
	wbMax = math.MaxUint64
	wbIdleMin = wbIdleDefault

	fields := strings.Fields(strings.TrimSpace(arg))
	if len(fields) == 0 {
		return 0, 0, 0, NewError(ErrInvalid)
	}

	switch fields[0] {
	case "huge":
		if len(fields) != 1 {
			return 0, 0, 0, NewError(ErrInvalid)
		}
		return hugeWriteback, wbMax, wbIdleMin, nil
	case "idle":
		if len(fields) > 3 {
			return 0, 0, 0, NewError(ErrInvalid)
		}
		if len(fields) >= 2 {
			wbMax, err = strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, 0, 0, NewError(ErrInvalid)
			}
		}
		if len(fields) == 3 {
			min, perr := strconv.ParseUint(fields[2], 10, 32)
			if perr != nil {
				return 0, 0, 0, NewError(ErrInvalid)
			}
			wbIdleMin = uint(min)
			if wbIdleMin > wbIdleMax {
				wbIdleMin = wbIdleMax
			}
		}
		return idleWriteback, wbMax, wbIdleMin, nil
	default:
		return 0, 0, 0, NewError(ErrInvalid)
	}
}

// Writeback evicts eligible slots to the backing device. The argument is
// the writeback command ("huge", "idle", "idle <max> <min_idle>"). It
// returns the number of pages published to the backing store. The scan is
// cancelled between slots when ctx is done.
func (d *Device) Writeback(ctx context.Context, arg string) (int, error) {
	mode, wbMax, wbIdleMin, err := parseWritebackArg(arg)
	if err != nil {
		return 0, err
	}

	d.initMu.RLock()
	defer d.initMu.RUnlock()

	if !d.initDone() {
		return 0, NewError(ErrInvalid)
	}
	bd := d.backing
	if bd == nil {
		return 0, NewError(ErrNoDev)
	}

	t := d.table
	nrPages := t.numSlots()

	var (
		batch      []uint32 // slot index per batched scratch page
		blkIdx     uint64   // reserved but unconsumed backing block
		startBlk   uint64   // first block of the running batch
		wbPagesNr  int
		flushCount int
		retErr     error
	)

	for index := uint32(0); index < nrPages; index++ {
		if cerr := ctx.Err(); cerr != nil {
			d.log.Info("stop writeback on cancellation")
			retErr = WrapError(ErrInterrupted, cerr)
			break
		}

		d.wbLimitMu.Lock()
		if d.wbLimitEnable && d.bdWbLimit == 0 {
			d.wbLimitMu.Unlock()
			retErr = NewError(ErrNoSpace)
			break
		}
		d.wbLimitMu.Unlock()

		if blkIdx == 0 {
			blkIdx = d.allocBlockBdev()
			if blkIdx == 0 {
				retErr = NewError(ErrNoSpace)
				break
			}
			if len(batch) == 0 {
				startBlk = blkIdx
			}
		}

		// Flush when the batch is full or the new block is not
		// contiguous with it.
		if len(batch) >= MaxWritebackSize ||
			startBlk+uint64(len(batch)) != blkIdx {
			wbPagesNr += d.flushBatch(startBlk, batch)
			flushCount++
			startBlk = blkIdx
			batch = batch[:0]
		}

		if uint64(wbPagesNr) >= wbMax {
			break
		}

		t.lock(index)
		if !t.allocated(index) ||
			t.testFlag(index, flagWB) ||
			!t.testFlag(index, flagCompressLow) ||
			t.testFlag(index, flagUnderWB) {
			t.unlock(index)
			continue
		}
		if mode&idleWriteback != 0 &&
			(!t.testFlag(index, flagIdle) || t.idleCount(index) < wbIdleMin) {
			t.unlock(index)
			continue
		}
		if mode&hugeWriteback != 0 && !t.testFlag(index, flagHuge) {
			t.unlock(index)
			continue
		}

		// Clearing flagUnderWB is the duty of this engine; freeSlot
		// never touches it. flagIdle is (re)set here as the commit
		// tag: the idle pass refuses to mark a slot that is under
		// writeback, so at flush time the tag can only still be
		// present if nothing freed or rewrote the slot in between.
		t.setFlag(index, flagUnderWB)
		t.setFlag(index, flagIdle)
		t.unlock(index)

		page := bd.scratch[len(batch)*PageSize : (len(batch)+1)*PageSize]
		if err := d.readPageSlot(page, index, nil, true, false); err != nil {
			t.lock(index)
			t.clearFlag(index, flagUnderWB)
			t.clearFlag(index, flagIdle)
			t.clearIdleCount(index)
			t.unlock(index)
			// The reserved block stays for the next candidate.
			continue
		}

		batch = append(batch, index)
		blkIdx = 0
	}

	if len(batch) > 0 {
		wbPagesNr += d.flushBatch(startBlk, batch)
		flushCount++
	}
	if blkIdx != 0 {
		d.freeBlockBdev(blkIdx)
	}

	d.log.Info("flush finished",
		zap.Int("mode", mode),
		zap.Int("pages", wbPagesNr),
		zap.Int("flushes", flushCount))
	return wbPagesNr, retErr
}

// flushBatch writes the batched pages to the contiguous backing range at
// startBlk and publishes the surviving slots. Returns the number of
// slots published; on write failure every slot is rolled back to its
// pre-writeback state and 0 returned.
func (d *Device) flushBatch(startBlk uint64, batch []uint32) int {
	if len(batch) == 0 {
		return 0
	}

	t := d.table
	bd := d.backing

	pages := make([][]byte, len(batch))
	for i := range pages {
		pages[i] = bd.scratch[i*PageSize : (i+1)*PageSize]
	}

	if err := bd.writeBlocks(startBlk, pages); err != nil {
		d.log.Warn("writeback batch failed",
			zap.Uint64("block", startBlk),
			zap.Int("pages", len(batch)),
			zap.Error(err))
		for i, index := range batch {
			t.lock(index)
			t.clearFlag(index, flagUnderWB)
			t.clearFlag(index, flagIdle)
			t.clearIdleCount(index)
			t.unlock(index)
			d.freeBlockBdev(startBlk + uint64(i))
		}
		return 0
	}

	published := 0
	for i, index := range batch {
		d.stats.bdWrites.Add(1)

		// The slot lock was dropped while the batch was in flight, so
		// the slot may have been freed or rewritten. A free is caught
		// by the allocated check. The subtle case is
		// freed/reallocated/marked idle again: the idle pass never
		// marks a slot carrying flagUnderWB, so a missing idle tag
		// proves an intervening write and the commit is abandoned.
		t.lock(index)
		if !t.allocated(index) || !t.testFlag(index, flagIdle) {
			t.clearFlag(index, flagUnderWB)
			t.clearFlag(index, flagIdle)
			t.clearIdleCount(index)
			t.unlock(index)
			d.freeBlockBdev(startBlk + uint64(i))
			continue
		}

		d.freeSlot(index)
		t.clearFlag(index, flagUnderWB)
		t.setFlag(index, flagWB)
		t.setElement(index, startBlk+uint64(i))
		d.stats.pagesStored.Add(1)
		published++

		d.wbLimitMu.Lock()
		if d.wbLimitEnable && d.bdWbLimit > 0 {
			d.bdWbLimit--
		}
		d.wbLimitMu.Unlock()
		t.unlock(index)
	}
	return published
}

// MarkIdle runs the idle pass: every allocated low-ratio slot that is
// neither written back nor under writeback gains one idle age and the
// idle flag. Returns the number of newly marked slots.
func (d *Device) MarkIdle() (int, error) {
	d.initMu.RLock()
	defer d.initMu.RUnlock()

	if !d.initDone() {
		return 0, NewError(ErrInvalid)
	}

	t := d.table
	marked := 0
	for index := uint32(0); index < t.numSlots(); index++ {
		// Do not mark a slot under writeback: flagIdle is the
		// writeback commit tag (see flushBatch).
		t.lock(index)
		if t.size(index) > 0 &&
			t.testFlag(index, flagCompressLow) &&
			!t.testFlag(index, flagUnderWB) &&
			!t.testFlag(index, flagWB) {
			t.incIdleCount(index)
			if !t.testFlag(index, flagIdle) {
				t.setFlag(index, flagIdle)
				marked++
			}
		}
		t.unlock(index)
	}

	d.log.Info("mark idle finished", zap.Int("pages", marked))
	return marked, nil
}

// MarkNew clears the idle state of every slot.
func (d *Device) MarkNew() error {
	d.initMu.RLock()
	defer d.initMu.RUnlock()

	if !d.initDone() {
		return NewError(ErrInvalid)
	}

	t := d.table
	for index := uint32(0); index < t.numSlots(); index++ {
		t.lock(index)
		t.clearFlag(index, flagIdle)
		t.clearIdleCount(index)
		t.unlock(index)
	}
	return nil
}

// idleHistogram counts eligible slots by idle age. Eligible slots are
// allocated, low-ratio and not (under) writeback — the same population
// the idle pass walks.
func (d *Device) idleHistogram() ([wbIdleMax + 1]int64, error) {
	var hist [wbIdleMax + 1]int64

	d.initMu.RLock()
	defer d.initMu.RUnlock()

	if !d.initDone() {
		return hist, NewError(ErrInvalid)
	}

	t := d.table
	for index := uint32(0); index < t.numSlots(); index++ {
		t.lock(index)
		if t.size(index) > 0 &&
			t.testFlag(index, flagCompressLow) &&
			!t.testFlag(index, flagWB) &&
			!t.testFlag(index, flagUnderWB) {
			if count := t.idleCount(index); count <= wbIdleMax {
				hist[count]++
			}
		}
		t.unlock(index)
	}
	return hist, nil
}
