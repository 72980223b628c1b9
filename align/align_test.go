package align_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t0byn/memory-allocator/align"
)

func TestIsPowerOfTwo(t *testing.T) {
	cases := []struct {
		in   uintptr
		want bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{64, true},
		{96, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, align.IsPowerOfTwo(c.in), "input %d", c.in)
	}
}

func TestForward(t *testing.T) {
	require.Equal(t, uintptr(0), align.Forward(0, 8))
	require.Equal(t, uintptr(8), align.Forward(1, 8))
	require.Equal(t, uintptr(8), align.Forward(8, 8))
	require.Equal(t, uintptr(16), align.Forward(9, 8))
	require.Equal(t, uintptr(64), align.Forward(33, 32))
}

func TestForwardPanicsOnNonPowerOfTwo(t *testing.T) {
	require.Panics(t, func() {
		align.Forward(10, 3)
	})
}

func TestPaddingWithHeader(t *testing.T) {
	// addr already aligned, header fits in one extra alignment step.
	p := align.PaddingWithHeader(64, 9, 8)
	require.Equal(t, uintptr(16), p)
	require.Equal(t, uintptr(0), (64+p)%8)
	require.GreaterOrEqual(t, p, uintptr(9))

	// addr not aligned: padding must first fix alignment, then grow to
	// cover the header.
	p2 := align.PaddingWithHeader(5, 9, 8)
	require.Equal(t, uintptr(0), (5+p2)%8)
	require.GreaterOrEqual(t, p2, uintptr(9))
}
