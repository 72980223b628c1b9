// Package pool implements a fixed-chunk-size allocator backed by an
// intrusive singly-linked free list threaded through the free chunks'
// own bytes.
package pool

import (
	"errors"
	"unsafe"

	"github.com/t0byn/memory-allocator/align"
	"github.com/t0byn/memory-allocator/errsink"
)

// DefaultAlignment is used when a caller omits an explicit alignment.
const DefaultAlignment = 8

// nodeSize is sizeof(pool_node): one pointer-sized next field.
const nodeSize = int(unsafe.Sizeof(uintptr(0)))

var (
	ErrOutOfCapacity  = errors.New("pool: out of capacity")
	ErrForeignPointer = errors.New("pool: pointer not owned by this pool")
	ErrInvalidInit    = errors.New("pool: chunk size smaller than minimum node size")
)

// Stats reports lightweight usage counters for one Pool instance.
type Stats struct {
	Allocations uint64
	Frees       uint64
	TotalChunks int
	FreeChunks  int
}

// Option configures a Pool at construction time.
type Option func(*poolConfig)

type poolConfig struct {
	align int
}

// WithAlignment overrides DefaultAlignment.
func WithAlignment(a int) Option {
	return func(c *poolConfig) { c.align = a }
}

// Pool hands out fixed-size chunks from a caller-owned buffer.
type Pool struct {
	buf       []byte
	chunkSize int
	freeHead  int // byte offset into buf, or -1 for empty

	allocations uint64
	frees       uint64
}

// New aligns base and chunkSize up to align (default 8), then threads every
// resulting chunk into the free list in ascending address order, so the
// first Alloc pops the highest-address chunk (LIFO). It panics if the
// aligned chunk size is smaller than a pointer, a fatal
// programming-contract violation.
func New(buf []byte, chunkSize int, opts ...Option) *Pool {
	cfg := poolConfig{align: DefaultAlignment}
	for _, opt := range opts {
		opt(&cfg)
	}

	base := uintptr(0)
	if len(buf) > 0 {
		base = uintptr(unsafe.Pointer(&buf[0]))
	}
	alignedBase := align.Forward(base, uintptr(cfg.align))
	trim := int(alignedBase - base)
	alignedBuf := buf[trim:]

	alignedChunk := int(align.Forward(uintptr(chunkSize), uintptr(cfg.align)))
	if alignedChunk < nodeSize {
		panic(ErrInvalidInit)
	}

	p := &Pool{buf: alignedBuf, chunkSize: alignedChunk, freeHead: -1}
	p.FreeAll()
	return p
}

func (p *Pool) chunkCount() int {
	if p.chunkSize == 0 {
		return 0
	}
	return len(p.buf) / p.chunkSize
}

func (p *Pool) readNext(offset int) int {
	v := *(*int)(unsafe.Pointer(&p.buf[offset]))
	return v
}

func (p *Pool) writeNext(offset int, next int) {
	*(*int)(unsafe.Pointer(&p.buf[offset])) = next
}

// Alloc pops the head of the free list and returns a zero-filled chunk. It
// fails with ErrOutOfCapacity when the pool is exhausted.
func (p *Pool) Alloc() ([]byte, error) {
	if p.freeHead == -1 {
		errsink.Report("pool.Alloc", ErrOutOfCapacity, "chunk_size", p.chunkSize)
		return nil, ErrOutOfCapacity
	}

	offset := p.freeHead
	p.freeHead = p.readNext(offset)

	region := p.buf[offset : offset+p.chunkSize]
	clear(region)
	p.allocations++
	return region, nil
}

// Free returns a chunk to the head of the free list. A nil slice is a
// no-op. An out-of-range pointer fails with ErrForeignPointer. Double-free
// is not detected; the chunk is simply pushed back onto the free list
// again, which can corrupt it if the caller allocates in between.
func (p *Pool) Free(ptr []byte) error {
	if ptr == nil {
		return nil
	}

	offset, ok := p.offsetOf(ptr)
	if !ok {
		errsink.Report("pool.Free", ErrForeignPointer, "chunk_size", p.chunkSize)
		return ErrForeignPointer
	}

	p.writeNext(offset, p.freeHead)
	p.freeHead = offset
	p.frees++
	return nil
}

// FreeAll rebuilds the full free list across every chunk in the buffer.
func (p *Pool) FreeAll() {
	p.freeHead = -1
	count := p.chunkCount()
	for i := 0; i < count; i++ {
		offset := i * p.chunkSize
		p.writeNext(offset, p.freeHead)
		p.freeHead = offset
	}
}

// Stats returns current usage counters.
func (p *Pool) Stats() Stats {
	total := p.chunkCount()
	free := 0
	for off := p.freeHead; off != -1; {
		free++
		off = p.readNext(off)
	}
	return Stats{
		Allocations: p.allocations,
		Frees:       p.frees,
		TotalChunks: total,
		FreeChunks:  free,
	}
}

func (p *Pool) offsetOf(ptr []byte) (int, bool) {
	if len(ptr) == 0 || len(p.buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&p.buf[0]))
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	if addr < base || addr >= base+uintptr(len(p.buf)) {
		return 0, false
	}
	return int(addr - base), true
}
