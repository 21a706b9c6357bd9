// Package comp provides page compression backends behind a common stream
// contract. A stream bundles one backend codec with its scratch buffer;
// streams are pooled at hardware parallelism so compression never
// allocates on the hot path.
package comp

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// PageSize is the unit of compression. Every source buffer handed to
// Compress and every destination handed to Decompress is exactly one page.
const PageSize = 4096

// Errors returned by streams.
var (
	ErrUnknownAlgorithm = errors.New("comp: unknown algorithm")
	ErrDecompress       = errors.New("comp: decompression failed")
)

// Backend is a block codec for single pages.
//
// Compress writes the compressed form of src (one page) into dst and
// returns the compressed length. A return of 0 with nil error means the
// page is incompressible for this codec and should be stored raw.
// Decompress expands src into dst, which is exactly one page long.
type Backend interface {
	Compress(dst, src []byte) (int, error)
	Decompress(dst, src []byte) error
}

// backends is the registry of available codecs, keyed by name.
var backends = map[string]func() Backend{
	"lz4":    newLZ4,
	"zstd":   newZstd,
	"snappy": newSnappy,
}

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "lz4"

// Available reports whether name is a registered algorithm.
func Available(name string) bool {
	_, ok := backends[name]
	return ok
}

// Algorithms returns the registered algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stream is a single-owner compression context: one codec instance plus a
// destination buffer sized for the worst case. A stream is obtained from a
// Pool, used, and put back; it is not safe for concurrent use.
type Stream struct {
	backend Backend
	// Buffer holds the output of the last Compress call. Sized with
	// headroom because some codecs expand incompressible input before
	// the caller decides to store the page raw.
	Buffer []byte
}

// Compress compresses the page in src into the stream's buffer and
// returns the compressed length. Returns PageSize when the page does not
// compress, signalling the caller to store it raw.
func (s *Stream) Compress(src []byte) (int, error) {
	n, err := s.backend.Compress(s.Buffer, src)
	if err != nil {
		return 0, err
	}
	if n == 0 || n >= PageSize {
		return PageSize, nil
	}
	return n, nil
}

// Decompress expands src into dst, which must be exactly one page.
func (s *Stream) Decompress(dst, src []byte) error {
	return s.backend.Decompress(dst, src)
}

// Pool hands out streams to at most hardware-parallelism concurrent users,
// modelling per-CPU compression streams. Get blocks while all streams are
// taken.
type Pool struct {
	name    string
	streams chan *Stream
}

// NewPool creates a pool of streams for the named algorithm, sized to
// runtime.GOMAXPROCS(0).
func NewPool(name string) (*Pool, error) {
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}

	n := runtime.GOMAXPROCS(0)
	p := &Pool{
		name:    name,
		streams: make(chan *Stream, n),
	}
	for i := 0; i < n; i++ {
		p.streams <- &Stream{
			backend: ctor(),
			Buffer:  make([]byte, maxCompressedLen()),
		}
	}
	return p, nil
}

// Name returns the pool's algorithm name.
func (p *Pool) Name() string {
	return p.name
}

// Size returns the number of streams the pool was created with.
func (p *Pool) Size() int {
	return cap(p.streams)
}

// maxCompressedLen is the stream buffer size: the largest worst-case
// block expansion across the registered codecs.
func maxCompressedLen() int {
	n := lz4.CompressBlockBound(PageSize)
	if m := snappy.MaxEncodedLen(PageSize); m > n {
		n = m
	}
	if m := PageSize + 256; m > n { // zstd frame overhead
		n = m
	}
	return n
}

// Get acquires a stream, blocking until one is free.
func (p *Pool) Get() *Stream {
	return <-p.streams
}

// Put returns a stream to the pool.
func (p *Pool) Put(s *Stream) {
	p.streams <- s
}
