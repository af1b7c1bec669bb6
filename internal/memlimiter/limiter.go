// Package memlimiter implements the hierarchical memory/page reservation
// counters shared across nested VMs: a single pool of remaining units, with
// per-handle "derived" views that each track their own consumption so a
// handle's share is released back to the pool when the handle is dropped.
//
// Grounded on wazero's own RuntimeConfig.WithMemoryLimitPages wiring,
// generalized to the CAS-loop hierarchical-counter design of the original
// executor's rt/memlimiter.rs.
package memlimiter

import (
	"math"
	"sync/atomic"
)

// Consts are the fixed per-unit charges billed outside of raw memory growth:
// table growth, file mappings and fd allocations. Mirrors public_abi's
// MemoryLimiterConsts.
const (
	TableEntryUnits   uint32 = 64
	FileMappingUnits  uint32 = 256
	FdAllocationUnits uint32 = 96
)

// pool is the shared backing store for one supervisor's worth of memory
// accounting. Multiple Limiter handles derive from the same pool.
type pool struct {
	remaining       atomic.Uint32
	leastRemaining  atomic.Uint32
}

func newPool() *pool {
	p := &pool{}
	p.remaining.Store(math.MaxUint32)
	p.leastRemaining.Store(math.MaxUint32)
	return p
}

// Limiter is one handle into a shared pool. Each derived handle (a nested
// VM's arena) tracks its own consumed total so it can release exactly its
// share back to the pool when it is no longer needed.
type Limiter struct {
	id       string
	data     *pool
	consumed atomic.Uint32
}

// New creates a fresh pool and returns its root handle.
func New(id string) *Limiter {
	return &Limiter{id: id, data: newPool()}
}

// Derived returns a new handle sharing this Limiter's pool: a child arena,
// the Go analogue of the original's Limiter::derived().
func (l *Limiter) Derived() *Limiter {
	return &Limiter{id: l.id, data: l.data}
}

// Consumed reports how many units this specific handle has reserved.
func (l *Limiter) Consumed() uint32 { return l.consumed.Load() }

// RemainingInPool reports the pool-wide remaining budget.
func (l *Limiter) RemainingInPool() uint32 { return l.data.remaining.Load() }

// LeastRemaining reports the pool-wide low-water mark ever observed.
func (l *Limiter) LeastRemaining() uint32 { return l.data.leastRemaining.Load() }

// Consume attempts to reserve delta units from the shared pool. Returns
// false, without side effects, if the pool does not have delta units free.
func (l *Limiter) Consume(delta uint32) bool {
	for {
		remaining := l.data.remaining.Load()
		if delta > remaining {
			return false
		}
		next := remaining - delta
		if l.data.remaining.CompareAndSwap(remaining, next) {
			for {
				least := l.data.leastRemaining.Load()
				if next >= least || l.data.leastRemaining.CompareAndSwap(least, next) {
					break
				}
			}
			l.consumed.Add(delta)
			return true
		}
	}
}

// ConsumeMul reserves delta*multiplier units, failing closed (no partial
// reservation) on overflow, matching consume_mul's checked multiply.
func (l *Limiter) ConsumeMul(delta, multiplier uint32) bool {
	if multiplier != 0 && delta > math.MaxUint32/multiplier {
		return false
	}
	return l.Consume(delta * multiplier)
}

// Release returns delta units to the pool and subtracts them from this
// handle's consumed total.
func (l *Limiter) Release(delta uint32) {
	l.data.remaining.Add(delta)
	l.consumed.Add(^(delta - 1)) // consumed -= delta, via two's complement
}

// Close releases whatever this handle currently has reserved back to the
// pool — the Go analogue of the original's Drop impl for LimiterInner.
// Safe to call once; a nil receiver is a no-op.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	if c := l.consumed.Swap(0); c != 0 {
		l.data.remaining.Add(c)
	}
}
