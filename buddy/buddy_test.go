package buddy_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/t0byn/memory-allocator/buddy"
)

func offsetOf(t *testing.T, buf, p []byte) int {
	t.Helper()
	base := uintptr(unsafe.Pointer(&buf[0]))
	addr := uintptr(unsafe.Pointer(&p[0]))
	return int(addr - base)
}

// 128-byte buffer, align 8 (tree height 4). a=alloc(4), c=alloc(5),
// b=alloc(9), d=alloc(10), e=alloc(6), in that order, must succeed and yield
// disjoint regions; freeing b, d, a, c in that order must coalesce
// everything back except e.
func TestBuddySequentialAllocFreeScenario(t *testing.T) {
	buf := make([]byte, 128)
	bd := buddy.New(buf)

	a, err := bd.Alloc(4)
	require.NoError(t, err)
	require.Len(t, a, 8)
	require.Equal(t, 0, offsetOf(t, buf, a))

	c, err := bd.Alloc(5)
	require.NoError(t, err)
	require.Len(t, c, 8)
	require.Equal(t, 8, offsetOf(t, buf, c))

	b, err := bd.Alloc(9)
	require.NoError(t, err)
	require.Len(t, b, 16)
	require.Equal(t, 16, offsetOf(t, buf, b))

	d, err := bd.Alloc(10)
	require.NoError(t, err)
	require.Len(t, d, 16)
	require.Equal(t, 32, offsetOf(t, buf, d))

	e, err := bd.Alloc(6)
	require.NoError(t, err)
	require.Len(t, e, 8)
	require.Equal(t, 48, offsetOf(t, buf, e))

	require.NoError(t, bd.Free(b))
	require.NoError(t, bd.Free(d))
	require.NoError(t, bd.Free(a))
	require.NoError(t, bd.Free(c))

	// Everything below e's 64-byte half should have coalesced back into one
	// free 32-byte node starting at offset 0.
	merged, err := bd.Alloc(28)
	require.NoError(t, err)
	require.Equal(t, 0, offsetOf(t, buf, merged))
	require.Len(t, merged, 32)

	bd.FreeAll()
	whole, err := bd.Alloc(128)
	require.NoError(t, err, "free_all must zero the tree so the full buffer is allocatable again")
	require.Len(t, whole, 128)
}

// Requesting the full buffer while any allocation remains outstanding
// fails and leaves the tree unchanged.
func TestBuddyExhaustion(t *testing.T) {
	buf := make([]byte, 128)
	bd := buddy.New(buf)

	_, err := bd.Alloc(8)
	require.NoError(t, err)

	before := bd.DebugString()
	_, err = bd.Alloc(128)
	require.ErrorIs(t, err, buddy.ErrOutOfCapacity)
	require.Equal(t, before, bd.DebugString(), "a failed alloc must not mutate the tree")
}

func TestBuddyAllocationIsZeroed(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xFF
	}
	bd := buddy.New(buf)
	p, err := bd.Alloc(16)
	require.NoError(t, err)
	for _, v := range p {
		require.Equal(t, byte(0), v)
	}
}

func TestBuddyFreeForeignPointerFails(t *testing.T) {
	buf := make([]byte, 64)
	bd := buddy.New(buf)
	foreign := make([]byte, 8)
	require.ErrorIs(t, bd.Free(foreign), buddy.ErrForeignPointer)
}

func TestBuddyInitPanicsOnNonPowerOfTwoSize(t *testing.T) {
	buf := make([]byte, 100)
	require.Panics(t, func() {
		buddy.New(buf)
	})
}

func TestBuddyStatsTracksAllocationsAndFrees(t *testing.T) {
	buf := make([]byte, 64)
	bd := buddy.New(buf)

	p, err := bd.Alloc(8)
	require.NoError(t, err)
	require.Equal(t, uint64(1), bd.Stats().Allocations)

	require.NoError(t, bd.Free(p))
	require.Equal(t, uint64(1), bd.Stats().Frees)
}
