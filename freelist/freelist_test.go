package freelist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/t0byn/memory-allocator/freelist"
)

func TestFreeListAllocFreeRoundTrip(t *testing.T) {
	buf := make([]byte, 1024)
	fl := freelist.New(buf)

	p, err := fl.Alloc(32, 8)
	require.NoError(t, err)
	require.Len(t, p, 32)

	usedAfterAlloc := fl.Stats().BytesUsed
	require.Greater(t, usedAfterAlloc, 0)

	fl.Free(p)
	require.Equal(t, 0, fl.Stats().BytesUsed)
}

func TestFreeListAddressesStayIncreasingAndCoalesced(t *testing.T) {
	buf := make([]byte, 512)
	fl := freelist.New(buf)

	a, err := fl.Alloc(32, 8)
	require.NoError(t, err)
	b, err := fl.Alloc(32, 8)
	require.NoError(t, err)
	c, err := fl.Alloc(32, 8)
	require.NoError(t, err)

	fl.Free(a)
	fl.Free(b)
	fl.Free(c)

	// Full coalescence: back to a single free block covering everything.
	p, err := fl.Alloc(len(buf)-64, 8)
	require.NoError(t, err, "freeing all blocks should coalesce back into one block spanning the buffer")
	require.NotNil(t, p)
}

// TestFreeListBestFitMinimizesSurplus builds two non-adjacent free holes of
// different sizes -- a larger one at the lower address, a smaller
// (but still adequate) one at the higher address -- and confirms best-fit
// consumes the smaller hole for a tiny request, leaving the larger hole
// intact for a later allocation that only it can satisfy. First-fit would
// instead consume the larger (address-first) hole, which would make the
// later allocation fail.
func TestFreeListBestFitMinimizesSurplus(t *testing.T) {
	buf := make([]byte, 300)
	fl := freelist.New(buf, freelist.WithPolicy(freelist.BestFit))

	guard1, err := fl.Alloc(8, 8)
	require.NoError(t, err)
	big, err := fl.Alloc(80, 8) // frees into the larger hole
	require.NoError(t, err)
	guard2, err := fl.Alloc(8, 8)
	require.NoError(t, err)
	small, err := fl.Alloc(24, 8) // frees into the smaller hole
	require.NoError(t, err)

	// Consume exactly what remains so there is no third, untracked hole.
	remaining := len(buf) - fl.Stats().BytesUsed
	guard3, err := fl.Alloc(remaining-16, 8)
	require.NoError(t, err)
	require.Equal(t, len(buf), fl.Stats().BytesUsed)

	fl.Free(big)
	fl.Free(small)
	_, _, _ = guard1, guard2, guard3 // kept allocated as separators

	tiny, err := fl.Alloc(8, 8)
	require.NoError(t, err, "best-fit should satisfy a tiny request from either hole")
	require.NotNil(t, tiny)

	// If best-fit picked the smaller hole for the tiny request (as it
	// should), the larger hole is still intact and can satisfy a request
	// that the smaller hole never could have.
	large, err := fl.Alloc(60, 8)
	require.NoError(t, err, "the larger hole must still be available after the tiny best-fit allocation")
	require.NotNil(t, large)
}

func TestFreeListOutOfCapacity(t *testing.T) {
	buf := make([]byte, 64)
	fl := freelist.New(buf)
	_, err := fl.Alloc(1024, 8)
	require.ErrorIs(t, err, freelist.ErrOutOfCapacity)
}

func TestFreeListInitPanicsOnUndersizedBuffer(t *testing.T) {
	buf := make([]byte, 4)
	require.Panics(t, func() {
		freelist.New(buf)
	})
}

func TestFreeListAllocationIsZeroed(t *testing.T) {
	buf := make([]byte, 256)
	for i := range buf {
		buf[i] = 0xFF
	}
	fl := freelist.New(buf)
	p, err := fl.Alloc(32, 8)
	require.NoError(t, err)
	for _, b := range p {
		require.Equal(t, byte(0), b)
	}
}

func TestFreeListFreeAllRestoresSingleBlock(t *testing.T) {
	buf := make([]byte, 256)
	fl := freelist.New(buf)

	_, err := fl.Alloc(64, 8)
	require.NoError(t, err)
	fl.FreeAll()
	require.Equal(t, 0, fl.Stats().BytesUsed)

	p, err := fl.Alloc(len(buf)-16, 8)
	require.NoError(t, err, "after FreeAll the whole buffer should be available again")
	require.NotNil(t, p)
}
