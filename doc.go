// Package zram is a pure Go implementation of a compressed RAM-backed
// block device.
//
// A device presents a virtual disk divided into page-sized slots. Writes
// are classified (same-fill, deduplicated, compressible, incompressible)
// and stored in a slab pool of anonymous memory; reads reconstruct pages
// on demand. Cold, poorly compressing slots can be evicted in batches to
// a configured backing block device and read back transparently.
//
// Key features:
//   - Per-slot bit-packed metadata with an embedded spin lock; no global
//     I/O lock
//   - Same-fill and huge-page detection, optional content deduplication
//   - Pluggable compression backends (lz4, zstd, snappy)
//   - Batched writeback with idle-age heuristics, quota and cancellation
//   - Block-layer semantics: read, write, discard, write-zeroes
//
// Basic usage:
//
//	dev := zram.New(nil)
//	if err := dev.Init(64 << 20); err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Reset()
//
//	page := make([]byte, zram.PageSize)
//	copy(page, []byte("hello"))
//	if _, err := dev.WriteAt(page, 0); err != nil {
//	    log.Fatal(err)
//	}
//
//	got := make([]byte, zram.PageSize)
//	if _, err := dev.ReadAt(got, 0); err != nil {
//	    log.Fatal(err)
//	}
package zram
