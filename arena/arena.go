// Package arena implements a monotonic bump allocator over a caller-owned
// buffer, with scoped rollback via Savepoint. It performs no dynamic growth
// of its backing buffer and is not safe for concurrent use.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/t0byn/memory-allocator/align"
	"github.com/t0byn/memory-allocator/errsink"
)

// DefaultAlignment is used when a caller omits an explicit alignment.
const DefaultAlignment = 8

// Predefined errors this allocator can produce.
var (
	ErrOutOfCapacity = errors.New("arena: out of capacity")
	ErrForeignPointer = errors.New("arena: pointer not owned by this arena")
)

// Stats reports lightweight, non-atomic usage counters for one Arena
// instance. It is not a heap-wide statistics facility.
type Stats struct {
	Allocations  uint64
	Offset       int
	Capacity     int
	HighWaterMark int
}

// Option configures an Arena at construction time.
type Option func(*Arena)

// WithAlignment overrides DefaultAlignment for Alloc and Resize calls that
// pass an alignment of 0 or less.
func WithAlignment(a int) Option {
	return func(ar *Arena) { ar.defaultAlign = uintptr(a) }
}

// Arena is a bump allocator over (base, capacity, offset).
type Arena struct {
	buf          []byte
	offset       int
	defaultAlign uintptr

	allocations   uint64
	highWaterMark int
}

// New binds arena to buf. The arena does not zero buf on init; it only
// resets offset to zero, matching arena_init in the original source.
func New(buf []byte, opts ...Option) *Arena {
	a := &Arena{buf: buf, defaultAlign: DefaultAlignment}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arena) base() uintptr {
	if len(a.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.buf[0]))
}

// Alloc bumps the arena to the next address aligned to align (0 means use
// the arena's default alignment) and returns a zero-filled slice of size
// bytes. It fails with ErrOutOfCapacity, leaving the arena unchanged, when
// the request does not fit.
func (a *Arena) Alloc(size int, alignment int) ([]byte, error) {
	al := a.resolveAlign(alignment)

	nextAddr := align.Forward(a.base()+uintptr(a.offset), al)
	offset := int(nextAddr - a.base())

	if offset+size > len(a.buf) {
		errsink.Report("arena.Alloc", ErrOutOfCapacity,
			"requested", size, "available", len(a.buf)-a.offset)
		return nil, ErrOutOfCapacity
	}

	a.offset = offset + size
	a.allocations++
	if a.offset > a.highWaterMark {
		a.highWaterMark = a.offset
	}

	region := a.buf[offset : offset+size]
	clear(region)
	return region, nil
}

// Resize grows or shrinks an existing allocation. A tail allocation is
// resized in place; anything else is reallocated and copied, stranding the
// old region (arenas never reclaim interior blocks).
//
// old's length stands in for the explicit old-size parameter of the
// source this was ported from: a Go slice already carries its own length,
// so tail detection here is oldOffset+len(old)==offset rather than
// old_offset+old_size==offset. A caller that resizes a sub-slice of a
// larger allocation (len(old) less than what Alloc originally returned)
// will see different tail-detection results than the original; this
// allocator assumes old is exactly the slice a prior Alloc/Resize
// returned.
func (a *Arena) Resize(old []byte, newSize int, alignment int) ([]byte, error) {
	if old == nil {
		return a.Alloc(newSize, alignment)
	}

	oldOffset, ok := a.offsetOf(old)
	if !ok {
		errsink.Report("arena.Resize", ErrForeignPointer, "pointer", fmt.Sprintf("%p", unsafe.Pointer(&old[0])))
		return nil, ErrForeignPointer
	}

	if oldOffset+len(old) == a.offset {
		if oldOffset+newSize > len(a.buf) {
			errsink.Report("arena.Resize", ErrOutOfCapacity,
				"requested", newSize, "available", len(a.buf)-oldOffset)
			return nil, ErrOutOfCapacity
		}
		a.offset = oldOffset + newSize
		if newSize > len(old) {
			clear(a.buf[a.offset-(newSize-len(old)) : a.offset])
		}
		if a.offset > a.highWaterMark {
			a.highWaterMark = a.offset
		}
		return a.buf[oldOffset : oldOffset+newSize], nil
	}

	newPtr, err := a.Alloc(newSize, alignment)
	if err != nil {
		return nil, err
	}
	n := min(len(old), newSize)
	copy(newPtr[:n], old[:n])
	return newPtr, nil
}

// Free is a no-op: the arena never reclaims individual allocations.
func (a *Arena) Free([]byte) {}

// FreeAll resets the arena to empty in O(1); every previously returned
// slice is invalidated.
func (a *Arena) FreeAll() {
	a.offset = 0
}

// Stats returns current usage counters.
func (a *Arena) Stats() Stats {
	return Stats{
		Allocations:   a.allocations,
		Offset:        a.offset,
		Capacity:      len(a.buf),
		HighWaterMark: a.highWaterMark,
	}
}

func (a *Arena) resolveAlign(alignment int) uintptr {
	if alignment <= 0 {
		return a.defaultAlign
	}
	return uintptr(alignment)
}

func (a *Arena) offsetOf(p []byte) (int, bool) {
	if len(p) == 0 || len(a.buf) == 0 {
		return 0, false
	}
	base := a.base()
	ptr := uintptr(unsafe.Pointer(&p[0]))
	if ptr < base || ptr >= base+uintptr(len(a.buf)) {
		return 0, false
	}
	return int(ptr - base), true
}

// Savepoint captures an Arena's offset so that End can roll back every
// allocation made since Start, in O(1). Savepoints must be ended in LIFO
// order by the caller; the allocator does not enforce nesting.
type Savepoint struct {
	arena  *Arena
	offset int
}

// Start captures the arena's current offset.
func (a *Arena) Start() Savepoint {
	return Savepoint{arena: a, offset: a.offset}
}

// End restores the arena's offset to what it was at Start, discarding every
// allocation and free made in between.
func (s Savepoint) End() {
	s.arena.offset = s.offset
}
