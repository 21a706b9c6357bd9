package comp

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdBackend compresses pages with single-threaded zstd codecs. Window
// and concurrency are pinned down so each stream owns its state.
type zstdBackend struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() Backend {
	enc, _ := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
		zstd.WithWindowSize(4<<10))
	dec, _ := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1))
	return &zstdBackend{enc: enc, dec: dec}
}

func (b *zstdBackend) Compress(dst, src []byte) (int, error) {
	out := b.enc.EncodeAll(src, dst[:0])
	if len(out) > cap(dst) {
		// Did not fit in the stream buffer: not worth keeping.
		return 0, nil
	}
	return len(out), nil
}

func (b *zstdBackend) Decompress(dst, src []byte) error {
	out, err := b.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("%w: expanded to %d bytes", ErrDecompress, len(out))
	}
	return nil
}
