package zram

import "sync/atomic"

// deviceStats holds the device counters. Totals use plain atomic add/sub;
// historical maxima use a CAS loop.
type deviceStats struct {
	comprDataSize  atomic.Int64 // compressed bytes resident in the pool
	pagesStored    atomic.Int64 // allocated slots
	hugePages      atomic.Int64 // slots stored raw
	samePages      atomic.Int64 // same-fill slots
	lowratioPages  atomic.Int64 // slots below the savings threshold
	pagesStoredMax atomic.Int64 // historical max of pagesStored
	maxUsedPages   atomic.Int64 // historical max of pool pages

	numReads     atomic.Int64
	numWrites    atomic.Int64
	failedReads  atomic.Int64
	failedWrites atomic.Int64
	invalidIO    atomic.Int64
	notifyFree   atomic.Int64
	missFree     atomic.Int64
	writestall   atomic.Int64

	bdCount  atomic.Int64 // backing blocks in use
	bdReads  atomic.Int64
	bdWrites atomic.Int64
}

// reset zeroes every counter in place.
func (s *deviceStats) reset() {
	s.comprDataSize.Store(0)
	s.pagesStored.Store(0)
	s.hugePages.Store(0)
	s.samePages.Store(0)
	s.lowratioPages.Store(0)
	s.pagesStoredMax.Store(0)
	s.maxUsedPages.Store(0)
	s.numReads.Store(0)
	s.numWrites.Store(0)
	s.failedReads.Store(0)
	s.failedWrites.Store(0)
	s.invalidIO.Store(0)
	s.notifyFree.Store(0)
	s.missFree.Store(0)
	s.writestall.Store(0)
	s.bdCount.Store(0)
	s.bdReads.Store(0)
	s.bdWrites.Store(0)
}

// updateMax raises m to v if v is larger, racing writers notwithstanding.
func updateMax(m *atomic.Int64, v int64) {
	for {
		cur := m.Load()
		if v <= cur || m.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Stats is a point-in-time snapshot of the device counters.
type Stats struct {
	// mm_stat
	OrigDataSize  int64 // pages stored, in bytes
	ComprDataSize int64
	MemUsed       int64 // pool pages, in bytes
	MemLimit      int64
	MemUsedMax    int64
	SamePages     int64
	PagesCompacted int64
	HugePages     int64
	DupDataSize   int64
	MetaDataSize  int64
	LowratioPages int64

	// io_stat
	FailedReads  int64
	FailedWrites int64
	InvalidIO    int64
	NotifyFree   int64

	// bd_stat (pages)
	BdCount  int64
	BdReads  int64
	BdWrites int64

	// debug_stat
	Writestall int64
	MissFree   int64

	NumReads  int64
	NumWrites int64
}

// Stats returns a snapshot of the device counters. Pool-derived fields are
// zero while the device is not initialized.
func (d *Device) Stats() Stats {
	d.initMu.RLock()
	defer d.initMu.RUnlock()

	s := Stats{
		OrigDataSize:  d.stats.pagesStored.Load() << PageShift,
		ComprDataSize: d.stats.comprDataSize.Load(),
		MemLimit:      d.limitPages.Load() << PageShift,
		MemUsedMax:    d.stats.maxUsedPages.Load() << PageShift,
		SamePages:     d.stats.samePages.Load(),
		HugePages:     d.stats.hugePages.Load(),
		LowratioPages: d.stats.lowratioPages.Load(),
		FailedReads:   d.stats.failedReads.Load(),
		FailedWrites:  d.stats.failedWrites.Load(),
		InvalidIO:     d.stats.invalidIO.Load(),
		NotifyFree:    d.stats.notifyFree.Load(),
		BdCount:       d.stats.bdCount.Load(),
		BdReads:       d.stats.bdReads.Load(),
		BdWrites:      d.stats.bdWrites.Load(),
		Writestall:    d.stats.writestall.Load(),
		MissFree:      d.stats.missFree.Load(),
		NumReads:      d.stats.numReads.Load(),
		NumWrites:     d.stats.numWrites.Load(),
	}
	if d.initDone() {
		s.MemUsed = d.pool.TotalPages() << PageShift
		s.PagesCompacted = d.pool.PagesCompacted()
	}
	if d.dedup != nil {
		s.DupDataSize = d.dedup.dupDataSize.Load()
		s.MetaDataSize = d.dedup.metaDataSize.Load()
	}
	return s
}
