// Package freelist implements a coalescing free-list allocator: free blocks
// are threaded through their own bytes in a singly-linked list sorted by
// ascending address, split on allocation and coalesced with their
// immediate neighbors on free.
package freelist

import (
	"errors"
	"unsafe"

	"github.com/t0byn/memory-allocator/align"
	"github.com/t0byn/memory-allocator/errsink"
)

// DefaultAlignment is used when a caller omits an explicit alignment.
const DefaultAlignment = 8

// Policy selects how Alloc searches the free list for a fit.
type Policy int

const (
	// FirstFit takes the first free block large enough to satisfy the
	// request.
	FirstFit Policy = iota
	// BestFit scans every free block and takes the one with the smallest
	// surplus.
	BestFit
)

// wordSize is the size of one machine word, used to lay out the intrusive
// node and allocation header fields.
const wordSize = int(unsafe.Sizeof(uintptr(0)))

// nodeSize is sizeof(FreeListNode): block_size (uintptr) + next (uintptr),
// the minimum size any free block must have to host linkage.
const nodeSize = wordSize * 2

// headerSize is sizeof(FreeListAllocationHeader): padding + block_size.
const headerSize = uintptr(unsafe.Sizeof(uintptr(0))) * 2

var (
	ErrOutOfCapacity  = errors.New("freelist: out of capacity")
	ErrNoFit          = errors.New("freelist: no free block large enough")
	ErrInvalidInit    = errors.New("freelist: buffer smaller than one free-list node")
)

// Stats reports lightweight usage counters for one FreeList instance.
//
// BytesUsed counts header + padding + payload for every live allocation,
// not payload alone. Alloc's capacity check compares against this same
// inflated figure, which can reject a request that would otherwise fit
// once fragmentation overhead is ignored; this is intentional, not a bug.
type Stats struct {
	Allocations uint64
	Frees       uint64
	BytesUsed   int
	Capacity    int
}

// Option configures a FreeList at construction time.
type Option func(*config)

type config struct {
	align  int
	policy Policy
}

// WithAlignment overrides DefaultAlignment.
func WithAlignment(a int) Option {
	return func(c *config) { c.align = a }
}

// WithPolicy selects the search policy (default FirstFit).
func WithPolicy(p Policy) Option {
	return func(c *config) { c.policy = p }
}

// FreeList is a sorted, coalescing singly-linked free-block allocator.
type FreeList struct {
	buf        []byte
	used       int
	freeHead   int // byte offset, or -1
	policy     Policy
	defaultAln int

	allocations uint64
	frees       uint64
}

// New initializes the buffer as a single free block covering its entire
// capacity. It panics with ErrInvalidInit if buf is smaller than one node,
// a fatal programming-contract violation.
func New(buf []byte, opts ...Option) *FreeList {
	cfg := config{align: DefaultAlignment, policy: FirstFit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(buf) < nodeSize {
		panic(ErrInvalidInit)
	}

	fl := &FreeList{buf: buf, policy: cfg.policy, defaultAln: cfg.align}
	fl.FreeAll()
	return fl
}

func (fl *FreeList) base() uintptr {
	return uintptr(unsafe.Pointer(&fl.buf[0]))
}

func (fl *FreeList) nodeBlockSize(offset int) int {
	return int(*(*uintptr)(unsafe.Pointer(&fl.buf[offset])))
}

func (fl *FreeList) setNodeBlockSize(offset int, size int) {
	*(*uintptr)(unsafe.Pointer(&fl.buf[offset])) = uintptr(size)
}

func (fl *FreeList) nodeNext(offset int) int {
	return int(*(*int)(unsafe.Pointer(&fl.buf[offset+wordSize])))
}

func (fl *FreeList) setNodeNext(offset int, next int) {
	*(*int)(unsafe.Pointer(&fl.buf[offset+wordSize])) = next
}

func (fl *FreeList) writeAllocHeader(userOffset int, padding int, blockSize int) {
	headerOffset := userOffset - int(headerSize)
	*(*uintptr)(unsafe.Pointer(&fl.buf[headerOffset])) = uintptr(padding)
	*(*uintptr)(unsafe.Pointer(&fl.buf[headerOffset+wordSize])) = uintptr(blockSize)
}

func (fl *FreeList) readAllocHeader(userOffset int) (padding int, blockSize int) {
	headerOffset := userOffset - int(headerSize)
	padding = int(*(*uintptr)(unsafe.Pointer(&fl.buf[headerOffset])))
	blockSize = int(*(*uintptr)(unsafe.Pointer(&fl.buf[headerOffset+wordSize])))
	return
}

// Alloc rounds size up to fit a free-list node, searches the free list per
// the configured policy, splits the found block if the surplus exceeds one
// node, and returns a zero-filled user region.
func (fl *FreeList) Alloc(size int, alignment int) ([]byte, error) {
	al := fl.resolveAlign(alignment)

	if size < nodeSize {
		size = nodeSize
	}

	if len(fl.buf)-fl.used < size || fl.freeHead == -1 {
		errsink.Report("freelist.Alloc", ErrOutOfCapacity, "requested", size, "available", len(fl.buf)-fl.used)
		return nil, ErrOutOfCapacity
	}

	var (
		prevOffset  = -1
		foundOffset = -1
		requireSize = 0
		padding     = 0
	)

	switch fl.policy {
	case BestFit:
		minDiff := int(^uint(0) >> 1)
		prev := -1
		off := fl.freeHead
		for off != -1 {
			pad := int(align.PaddingWithHeader(fl.base()+uintptr(off), headerSize, al))
			req := pad + size
			blockSize := fl.nodeBlockSize(off)
			if blockSize >= req && blockSize-req < minDiff {
				requireSize = req
				padding = pad
				minDiff = blockSize - req
				foundOffset = off
				prevOffset = prev
			}
			prev = off
			off = fl.nodeNext(off)
		}
	default: // FirstFit
		prev := -1
		off := fl.freeHead
		for off != -1 {
			pad := int(align.PaddingWithHeader(fl.base()+uintptr(off), headerSize, al))
			req := pad + size
			if fl.nodeBlockSize(off) >= req {
				requireSize = req
				padding = pad
				foundOffset = off
				prevOffset = prev
				break
			}
			prev = off
			off = fl.nodeNext(off)
		}
	}

	if foundOffset == -1 {
		errsink.Report("freelist.Alloc", ErrNoFit, "requested", size)
		return nil, ErrNoFit
	}

	foundBlockSize := fl.nodeBlockSize(foundOffset)
	if foundBlockSize-requireSize > nodeSize {
		newNodeOffset := foundOffset + requireSize
		fl.setNodeBlockSize(newNodeOffset, foundBlockSize-requireSize)
		fl.setNodeBlockSize(foundOffset, requireSize)
		fl.insertNode(foundOffset, newNodeOffset)
		foundBlockSize = requireSize
	}

	fl.removeNode(prevOffset, foundOffset)
	fl.used += foundBlockSize

	userOffset := foundOffset + padding
	fl.writeAllocHeader(userOffset, padding, foundBlockSize)

	fl.allocations++
	region := fl.buf[userOffset : userOffset+size]
	clear(region)
	return region, nil
}

// Free reconstructs the block's origin and size from its allocation
// header, reinserts it into the sorted free list, then coalesces with its
// immediate predecessor and successor only.
func (fl *FreeList) Free(ptr []byte) {
	userOffset, ok := fl.offsetOf(ptr)
	if !ok {
		return
	}

	padding, blockSize := fl.readAllocHeader(userOffset)
	newNodeOffset := userOffset - padding
	fl.setNodeBlockSize(newNodeOffset, blockSize)

	prevOffset := -1
	off := fl.freeHead
	for off != -1 {
		if off > newNodeOffset {
			break
		}
		prevOffset = off
		off = fl.nodeNext(off)
	}

	fl.insertNode(prevOffset, newNodeOffset)
	fl.used -= blockSize
	fl.frees++
	fl.coalesce(prevOffset, newNodeOffset)
}

func (fl *FreeList) insertNode(prevOffset, nodeOffset int) {
	if prevOffset == -1 {
		fl.setNodeNext(nodeOffset, fl.freeHead)
		fl.freeHead = nodeOffset
	} else {
		fl.setNodeNext(nodeOffset, fl.nodeNext(prevOffset))
		fl.setNodeNext(prevOffset, nodeOffset)
	}
}

func (fl *FreeList) removeNode(prevOffset, nodeOffset int) {
	if prevOffset == -1 {
		fl.freeHead = fl.nodeNext(nodeOffset)
	} else {
		fl.setNodeNext(prevOffset, fl.nodeNext(nodeOffset))
	}
}

func (fl *FreeList) coalesce(prevOffset, nodeOffset int) {
	if nodeOffset != -1 {
		next := fl.nodeNext(nodeOffset)
		if next != -1 && nodeOffset+fl.nodeBlockSize(nodeOffset) == next {
			fl.setNodeBlockSize(nodeOffset, fl.nodeBlockSize(nodeOffset)+fl.nodeBlockSize(next))
			fl.setNodeNext(nodeOffset, fl.nodeNext(next))
		}
	}

	if prevOffset != -1 && nodeOffset != -1 && prevOffset+fl.nodeBlockSize(prevOffset) == nodeOffset {
		fl.setNodeBlockSize(prevOffset, fl.nodeBlockSize(prevOffset)+fl.nodeBlockSize(nodeOffset))
		fl.setNodeNext(prevOffset, fl.nodeNext(nodeOffset))
	}
}

// FreeAll rebuilds the buffer into a single free block covering its entire
// capacity.
func (fl *FreeList) FreeAll() {
	fl.used = 0
	fl.setNodeBlockSize(0, len(fl.buf))
	fl.setNodeNext(0, -1)
	fl.freeHead = 0
}

// Stats returns current usage counters.
func (fl *FreeList) Stats() Stats {
	return Stats{
		Allocations: fl.allocations,
		Frees:       fl.frees,
		BytesUsed:   fl.used,
		Capacity:    len(fl.buf),
	}
}

func (fl *FreeList) resolveAlign(a int) uintptr {
	if a <= 0 {
		return uintptr(fl.defaultAln)
	}
	return uintptr(a)
}

func (fl *FreeList) offsetOf(p []byte) (int, bool) {
	if len(p) == 0 || len(fl.buf) == 0 {
		return 0, false
	}
	base := fl.base()
	ptr := uintptr(unsafe.Pointer(&p[0]))
	if ptr < base || ptr >= base+uintptr(len(fl.buf)) {
		return 0, false
	}
	return int(ptr - base), true
}
