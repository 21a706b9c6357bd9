package comp

import (
	"fmt"

	"github.com/golang/snappy"
)

// snappyBackend compresses pages with the snappy block format.
type snappyBackend struct{}

func newSnappy() Backend {
	return snappyBackend{}
}

func (snappyBackend) Compress(dst, src []byte) (int, error) {
	out := snappy.Encode(dst, src)
	return len(out), nil
}

func (snappyBackend) Decompress(dst, src []byte) error {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("%w: expanded to %d bytes", ErrDecompress, len(out))
	}
	return nil
}
