// Package stack implements a last-in-first-out region allocator. Every
// allocation is preceded by a small header recording the padding used and
// the offset of the previous top, so frees can only unwind in strict LIFO
// order.
package stack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/t0byn/memory-allocator/align"
	"github.com/t0byn/memory-allocator/errsink"
)

// DefaultAlignment is used when a caller omits an explicit alignment.
const DefaultAlignment = 8

// headerSize is sizeof(prevOffset uintptr, padding byte) packed into the
// buffer: 8 bytes of prevOffset followed by 1 byte of padding.
const headerSize = 9

// maxAlign is the largest alignment representable by the header's
// byte-sized padding field; requested alignments are clamped at init-time
// to this value.
const maxAlign = 1 << 7

var (
	ErrOutOfCapacity       = errors.New("stack: out of capacity")
	ErrForeignPointer      = errors.New("stack: pointer not owned by this stack")
	ErrOutOfOrderFree      = errors.New("stack: free received a non-top pointer")
	ErrDoubleFreeSuspected = errors.New("stack: pointer is past the current top")
)

// Stats reports lightweight usage counters for one Stack instance.
type Stats struct {
	Allocations   uint64
	Frees         uint64
	Offset        int
	Capacity      int
	HighWaterMark int
}

// Option configures a Stack at construction time.
type Option func(*Stack)

// WithAlignment overrides DefaultAlignment, clamped to maxAlign.
func WithAlignment(a int) Option {
	return func(s *Stack) { s.defaultAlign = clampAlign(uintptr(a)) }
}

func clampAlign(a uintptr) uintptr {
	if a > maxAlign {
		return maxAlign
	}
	return a
}

// Stack is a LIFO allocator over (base, capacity, offset, prevOffset).
type Stack struct {
	buf          []byte
	offset       int
	prevOffset   int
	defaultAlign uintptr

	allocations   uint64
	frees         uint64
	highWaterMark int
}

// New binds the stack to buf.
func New(buf []byte, opts ...Option) *Stack {
	s := &Stack{buf: buf, defaultAlign: DefaultAlignment}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stack) base() uintptr {
	if len(s.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.buf[0]))
}

func (s *Stack) resolveAlign(a int) uintptr {
	if a <= 0 {
		return s.defaultAlign
	}
	return clampAlign(uintptr(a))
}

func writeHeader(dst []byte, prevOffset int, padding byte) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(prevOffset))
	dst[8] = padding
}

func readHeader(src []byte) (prevOffset int, padding byte) {
	return int(binary.LittleEndian.Uint64(src[0:8])), src[8]
}

// Alloc computes the padding required to fit the header and satisfy
// alignment, bumps the stack, and returns a zero-filled slice.
func (s *Stack) Alloc(size int, alignment int) ([]byte, error) {
	al := s.resolveAlign(alignment)
	startAddr := s.base() + uintptr(s.offset)
	padding := int(align.PaddingWithHeader(startAddr, headerSize, al))

	if s.offset+padding+size > len(s.buf) {
		errsink.Report("stack.Alloc", ErrOutOfCapacity,
			"requested", size, "padding", padding, "available", len(s.buf)-s.offset)
		return nil, ErrOutOfCapacity
	}

	headerStart := s.offset + padding - headerSize
	writeHeader(s.buf[headerStart:headerStart+headerSize], s.prevOffset, byte(padding))

	region := s.buf[s.offset+padding : s.offset+padding+size]
	clear(region)

	s.prevOffset = s.offset
	s.offset += padding + size
	s.allocations++
	if s.offset > s.highWaterMark {
		s.highWaterMark = s.offset
	}

	return region, nil
}

// Resize grows, shrinks, frees (newSize==0), or reallocates old depending
// on whether it is the current top.
//
// As in Arena.Resize, old's length substitutes for the source's explicit
// old-size parameter: the current-top check is offset+len(old)==s.offset
// rather than offset+old_size==s.offset. Callers must pass the exact slice
// a prior Alloc/Resize returned, not a sub-slice of it.
func (s *Stack) Resize(old []byte, newSize int, alignment int) ([]byte, error) {
	if old == nil {
		return s.Alloc(newSize, alignment)
	}
	if newSize == 0 {
		s.Free(old)
		return nil, nil
	}

	offset, ok := s.offsetOf(old)
	if !ok {
		errsink.Report("stack.Resize", ErrForeignPointer, "pointer", fmt.Sprintf("%p", unsafe.Pointer(&old[0])))
		return nil, ErrForeignPointer
	}

	if offset > s.offset {
		// Double-free indication: tolerated, reported, state unchanged.
		errsink.Report("stack.Resize", ErrDoubleFreeSuspected, "offset", offset)
		return nil, nil
	}

	oldSize := len(old)
	if offset+oldSize == s.offset {
		s.offset = s.offset - oldSize + newSize
		if s.offset > len(s.buf) {
			s.offset = offset + oldSize // restore: overflow, fail
			errsink.Report("stack.Resize", ErrOutOfCapacity,
				"requested", newSize, "available", len(s.buf)-offset)
			return nil, ErrOutOfCapacity
		}
		if newSize > oldSize {
			clear(s.buf[s.offset-(newSize-oldSize) : s.offset])
		}
		if s.offset > s.highWaterMark {
			s.highWaterMark = s.offset
		}
		return s.buf[offset : offset+newSize], nil
	}

	newPtr, err := s.Alloc(newSize, alignment)
	if err != nil {
		return nil, err
	}
	n := min(oldSize, newSize)
	copy(newPtr[:n], old[:n])
	return newPtr, nil
}

// Free validates that ptr is the current top and unwinds one frame. A
// pointer past the top is tolerated as a no-op (already freed); an
// interior, non-top pointer fails with ErrOutOfOrderFree and leaves state
// unchanged.
func (s *Stack) Free(ptr []byte) {
	offset, ok := s.offsetOf(ptr)
	if !ok {
		errsink.Report("stack.Free", ErrForeignPointer, "pointer", fmt.Sprintf("%p", unsafe.Pointer(&ptr[0])))
		return
	}

	if offset > s.offset {
		return // already freed
	}

	headerStart := offset - headerSize
	prevOffsetFromHeader, padding := readHeader(s.buf[headerStart : headerStart+headerSize])
	reconstructedPrev := offset - int(padding)
	if reconstructedPrev != s.prevOffset {
		errsink.Report("stack.Free", ErrOutOfOrderFree, "offset", offset, "stack_top", s.prevOffset)
		return
	}

	s.offset = s.prevOffset
	s.prevOffset = prevOffsetFromHeader
	s.frees++
}

// FreeAll resets both offsets to zero, invalidating every outstanding slice.
func (s *Stack) FreeAll() {
	s.offset = 0
	s.prevOffset = 0
}

// Stats returns current usage counters.
func (s *Stack) Stats() Stats {
	return Stats{
		Allocations:   s.allocations,
		Frees:         s.frees,
		Offset:        s.offset,
		Capacity:      len(s.buf),
		HighWaterMark: s.highWaterMark,
	}
}

func (s *Stack) offsetOf(p []byte) (int, bool) {
	if len(p) == 0 || len(s.buf) == 0 {
		return 0, false
	}
	base := s.base()
	ptr := uintptr(unsafe.Pointer(&p[0]))
	if ptr < base || ptr >= base+uintptr(len(s.buf)) {
		return 0, false
	}
	return int(ptr - base), true
}
