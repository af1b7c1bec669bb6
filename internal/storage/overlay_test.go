package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genvm-run/genvm/internal/calldata"
)

// fakeHost is an in-memory HostReader standing in for the durable,
// pre-execution state returned by internal/hostwire in production.
type fakeHost struct {
	slots map[calldata.SlotID][]byte
}

func newFakeHost() *fakeHost {
	return &fakeHost{slots: make(map[calldata.SlotID][]byte)}
}

func (h *fakeHost) set(slot calldata.SlotID, index uint32, data []byte) {
	buf := h.slots[slot]
	need := int(index) + len(data)
	if len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[index:], data)
	h.slots[slot] = buf
}

func (h *fakeHost) StorageRead(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error {
	src := h.slots[slot]
	for i := range buf {
		pos := int(index) + i
		if pos < len(src) {
			buf[i] = src[pos]
		} else {
			buf[i] = 0
		}
	}
	return nil
}

func unlimited() PageLimiter { return NewPageLimiter(1 << 30) }

func TestSinglePageOverwriteAndReadBack(t *testing.T) {
	host := newFakeHost()
	s := New(calldata.Address{1}, host, unlimited())
	slot := calldata.Indirection(calldata.ZeroSlot, 7)

	require.NoError(t, s.Write(context.Background(), slot, 4, []byte{1, 2, 3}))

	got := make([]byte, 32)
	require.NoError(t, s.Read(context.Background(), slot, 0, got))
	require.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, got)
}

func TestPageSpanningWrite(t *testing.T) {
	host := newFakeHost()
	s := New(calldata.Address{1}, host, unlimited())
	slot := calldata.ZeroSlot

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(t, s.Write(context.Background(), slot, 20, data))

	got := make([]byte, 40)
	require.NoError(t, s.Read(context.Background(), slot, 20, got))
	require.Equal(t, data, got)

	// page 0 (bytes 0..31) must have its first 20 bytes untouched (host
	// zeros) and bytes 20..31 overlaid.
	page0 := make([]byte, 32)
	require.NoError(t, s.Read(context.Background(), slot, 0, page0))
	for i := 0; i < 20; i++ {
		require.Equal(t, byte(0), page0[i])
	}
	for i := 20; i < 32; i++ {
		require.Equal(t, data[i-20], page0[i])
	}
}

func TestReadFallsThroughToHostUntilOverridden(t *testing.T) {
	host := newFakeHost()
	slot := calldata.ZeroSlot
	host.set(slot, 0, []byte{9, 9, 9, 9})

	s := New(calldata.Address{1}, host, unlimited())

	got := make([]byte, 4)
	require.NoError(t, s.Read(context.Background(), slot, 0, got))
	require.Equal(t, []byte{9, 9, 9, 9}, got)

	require.NoError(t, s.Write(context.Background(), slot, 1, []byte{5}))
	require.NoError(t, s.Read(context.Background(), slot, 0, got))
	require.Equal(t, []byte{9, 5, 9, 9}, got)
}

func TestLockedSlotWriteIsJustAnotherSlot(t *testing.T) {
	host := newFakeHost()
	s := New(calldata.Address{1}, host, unlimited())
	locked := calldata.Indirection(calldata.ZeroSlot, calldata.LockedSlotsSlotOffset)

	require.NoError(t, s.Write(context.Background(), locked, 0, []byte{1}))

	delta := s.MakeDelta()
	require.Len(t, delta, 1)
	require.Equal(t, locked[:], delta[0].Key[:calldata.SlotSize])
}

func TestForkDiscardsReentrantWrites(t *testing.T) {
	host := newFakeHost()
	s := New(calldata.Address{1}, host, unlimited())
	slot := calldata.ZeroSlot
	require.NoError(t, s.Write(context.Background(), slot, 0, []byte{1, 2, 3, 4}))

	child := s.Fork()
	require.NoError(t, child.Write(context.Background(), slot, 0, []byte{9, 9, 9, 9}))

	parentView := make([]byte, 4)
	require.NoError(t, s.Read(context.Background(), slot, 0, parentView))
	require.Equal(t, []byte{1, 2, 3, 4}, parentView)

	childView := make([]byte, 4)
	require.NoError(t, child.Read(context.Background(), slot, 0, childView))
	require.Equal(t, []byte{9, 9, 9, 9}, childView)
}

func TestMakeDeltaCoalescesAdjacentPages(t *testing.T) {
	host := newFakeHost()
	s := New(calldata.Address{1}, host, unlimited())
	slot := calldata.ZeroSlot

	data := make([]byte, 96) // exactly 3 pages
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, s.Write(context.Background(), slot, 0, data))

	delta := s.MakeDelta()
	require.Len(t, delta, 1)
	require.Equal(t, data, delta[0].Value)
}

func TestPageLimiterFailsClosed(t *testing.T) {
	host := newFakeHost()
	s := New(calldata.Address{1}, host, NewPageLimiter(1))
	slot := calldata.ZeroSlot

	require.NoError(t, s.Write(context.Background(), slot, 0, []byte{1}))
	err := s.Write(context.Background(), slot, 32, []byte{2})
	require.Error(t, err)
}
