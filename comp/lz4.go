package comp

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Backend compresses pages with the LZ4 block format. The Compressor
// value carries the per-stream hash table between calls.
type lz4Backend struct {
	c lz4.Compressor
}

func newLZ4() Backend {
	return &lz4Backend{}
}

func (b *lz4Backend) Compress(dst, src []byte) (int, error) {
	n, err := b.c.CompressBlock(src, dst)
	if err != nil {
		return 0, err
	}
	// CompressBlock returns 0 for incompressible input.
	return n, nil
}

func (b *lz4Backend) Decompress(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if n != len(dst) {
		return fmt.Errorf("%w: short output %d", ErrDecompress, n)
	}
	return nil
}
