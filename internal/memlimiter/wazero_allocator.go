package memlimiter

import (
	"context"

	"github.com/tetratelabs/wazero/experimental"
)

// WazeroAllocator adapts a Limiter to wazero's experimental.MemoryAllocator
// hook, the Go analogue of the original's wasmtime.ResourceLimiter
// memory_growing callback. Every grow attempt is billed in bytes against the
// shared pool. A refused grow returns the buffer unchanged; nothing in this
// module turns a refused grow (the first one from an empty memory included)
// into an OOM VmError.
type WazeroAllocator struct {
	limiter *Limiter
	buf     []byte
}

var _ experimental.MemoryAllocator = (*WazeroAllocator)(nil)

// NewWazeroAllocator builds an allocator billed against limiter.
func NewWazeroAllocator(limiter *Limiter) *WazeroAllocator {
	return &WazeroAllocator{limiter: limiter}
}

// WithAllocator attaches alloc to ctx for the next module instantiation, the
// call site being the direct analogue of store.limiter(...) in the
// original's supervisor.spawn.
func WithAllocator(ctx context.Context, alloc *WazeroAllocator) context.Context {
	return experimental.WithMemoryAllocator(ctx, alloc)
}

// Make is invoked once, at memory instantiation.
func (a *WazeroAllocator) Make(min, capHint, max uint64) []byte {
	if !a.limiter.Consume(uint32OrMax(min)) {
		// wazero's allocator interface has no error return for Make; report
		// a minimum-sized buffer and let the first Grow fail fast instead.
		a.buf = make([]byte, min, min)
		return a.buf
	}
	allocCap := capHint
	if allocCap < min {
		allocCap = min
	}
	a.buf = make([]byte, min, allocCap)
	return a.buf
}

// Grow is invoked on every memory.grow; size is the new total byte length.
func (a *WazeroAllocator) Grow(size uint64) []byte {
	current := uint64(len(a.buf))
	if size <= current {
		a.buf = a.buf[:size]
		return a.buf
	}
	delta := size - current
	if !a.limiter.Consume(uint32OrMax(delta)) {
		// Signal failure the only way this interface allows: return the
		// unchanged buffer. No caller converts this into an OOM VmError.
		return a.buf
	}
	if uint64(cap(a.buf)) >= size {
		a.buf = a.buf[:size]
		return a.buf
	}
	grown := make([]byte, size)
	copy(grown, a.buf)
	a.buf = grown
	return a.buf
}

// Free releases whatever this allocator still holds reserved.
func (a *WazeroAllocator) Free() {
	a.limiter.Release(uint32OrMax(uint64(len(a.buf))))
	a.buf = nil
}

func uint32OrMax(v uint64) uint32 {
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}
