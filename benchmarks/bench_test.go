package benchmarks

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Giulio2002/zram"
)

// newDevice creates an initialized device for benchmarking.
func newDevice(b *testing.B, algo string, disksize uint64) *zram.Device {
	b.Helper()
	d := zram.New(nil)
	if err := d.SetCompressor(algo); err != nil {
		b.Fatal(err)
	}
	if err := d.Init(disksize); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(d.Reset)
	return d
}

// textPage is a compressible page resembling real memory content.
func textPage() []byte {
	page := make([]byte, zram.PageSize)
	text := []byte("the quick brown fox jumps over the lazy dog. ")
	for off := 0; off < len(page); off += len(text) {
		copy(page[off:], text)
	}
	return page
}

func benchWrite(b *testing.B, algo string, page []byte) {
	d := newDevice(b, algo, 64<<20)
	slots := int64(d.DiskSize() >> 12)

	b.SetBytes(zram.PageSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.WriteAt(page, (int64(i)%slots)<<12); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWriteCompressible(b *testing.B) {
	for _, algo := range []string{"lz4", "zstd", "snappy"} {
		b.Run(algo, func(b *testing.B) {
			benchWrite(b, algo, textPage())
		})
	}
}

func BenchmarkWriteIncompressible(b *testing.B) {
	page := make([]byte, zram.PageSize)
	if _, err := rand.Read(page); err != nil {
		b.Fatal(err)
	}
	benchWrite(b, "lz4", page)
}

func BenchmarkWriteSameFill(b *testing.B) {
	benchWrite(b, "lz4", make([]byte, zram.PageSize))
}

func BenchmarkRead(b *testing.B) {
	for _, algo := range []string{"lz4", "zstd", "snappy"} {
		b.Run(algo, func(b *testing.B) {
			d := newDevice(b, algo, 64<<20)
			page := textPage()
			const slots = 1024
			for i := int64(0); i < slots; i++ {
				if _, err := d.WriteAt(page, i<<12); err != nil {
					b.Fatal(err)
				}
			}

			got := make([]byte, zram.PageSize)
			b.SetBytes(zram.PageSize)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := d.ReadAt(got, (int64(i)%slots)<<12); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkParallelReadWrite(b *testing.B) {
	d := newDevice(b, "lz4", 64<<20)
	page := textPage()
	const slots = 4096
	for i := int64(0); i < slots; i++ {
		if _, err := d.WriteAt(page, i<<12); err != nil {
			b.Fatal(err)
		}
	}

	b.SetBytes(zram.PageSize)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		buf := make([]byte, zram.PageSize)
		i := int64(0)
		for pb.Next() {
			off := (i % slots) << 12
			if i%4 == 0 {
				if _, err := d.WriteAt(page, off); err != nil {
					b.Fatal(err)
				}
			} else {
				if _, err := d.ReadAt(buf, off); err != nil {
					b.Fatal(err)
				}
			}
			i++
		}
	})
}

func BenchmarkWriteback(b *testing.B) {
	dir := b.TempDir()
	path := filepath.Join(dir, "backing.img")
	f, err := os.Create(path)
	if err != nil {
		b.Fatal(err)
	}
	if err := f.Truncate(8 << 20); err != nil {
		b.Fatal(err)
	}
	f.Close()

	d := zram.New(nil)
	if err := d.SetBackingDev(path); err != nil {
		b.Fatal(err)
	}
	if err := d.Init(8 << 20); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(d.Reset)

	page := make([]byte, zram.PageSize)
	if _, err := rand.Read(page[:3*zram.PageSize/4]); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for s := int64(0); s < 256; s++ {
			if _, err := d.WriteAt(page, s<<12); err != nil {
				b.Fatal(err)
			}
		}
		if err := d.SetAttr("idle", "all"); err != nil {
			b.Fatal(err)
		}
		if err := d.SetAttr("idle", "all"); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		if _, err := d.Writeback(context.Background(), "idle 1000 2"); err != nil {
			b.Fatal(err)
		}
	}
}
