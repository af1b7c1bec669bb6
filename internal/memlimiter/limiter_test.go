package memlimiter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsumeAndRelease(t *testing.T) {
	l := New("root")
	require.Equal(t, uint32(math.MaxUint32), l.RemainingInPool())

	require.True(t, l.Consume(100))
	require.Equal(t, uint32(100), l.Consumed())
	require.Equal(t, uint32(math.MaxUint32-100), l.RemainingInPool())

	l.Release(40)
	require.Equal(t, uint32(60), l.Consumed())
	require.Equal(t, uint32(math.MaxUint32-60), l.RemainingInPool())
}

func TestConsumeFailsClosed(t *testing.T) {
	l := New("root")
	require.True(t, l.Consume(math.MaxUint32-10))
	require.False(t, l.Consume(11))
	// a request exactly equal to remaining succeeds
	require.True(t, l.Consume(10))
	require.Equal(t, uint32(0), l.RemainingInPool())
	require.False(t, l.Consume(1))
}

func TestDerivedHandlesShareThePoolInvariant(t *testing.T) {
	root := New("root")
	a := root.Derived()
	b := root.Derived()

	require.True(t, a.Consume(1000))
	require.True(t, b.Consume(2000))

	initial := uint32(math.MaxUint32)
	sumConsumed := a.Consumed() + b.Consumed()
	require.Equal(t, initial, a.RemainingInPool()+sumConsumed)

	a.Close()
	require.Equal(t, uint32(0), a.Consumed())
	require.Equal(t, initial-b.Consumed(), root.RemainingInPool())
}

func TestConsumeMulOverflow(t *testing.T) {
	l := New("root")
	require.False(t, l.ConsumeMul(math.MaxUint32, 2))
	require.True(t, l.ConsumeMul(10, 5))
	require.Equal(t, uint32(50), l.Consumed())
}

func TestLeastRemainingWatermark(t *testing.T) {
	l := New("root")
	require.True(t, l.Consume(1000))
	low := l.LeastRemaining()
	l.Release(500)
	require.True(t, l.Consume(200))
	// watermark must not rise back up after a release+smaller-consume cycle
	require.Equal(t, low, l.LeastRemaining())
}
