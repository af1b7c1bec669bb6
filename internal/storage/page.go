// Package storage implements the copy-on-write page overlay every running
// contract sees its persistent storage through: page-granular reads and
// writes are served from an in-memory override first, falling back to the
// host only for the bytes no override covers.
//
// Grounded on the original executor's rt/vm/storage.rs, adapted from Rust's
// persistent rpds::RedBlackTreeMap to a plain Go map guarded by an explicit
// copy on fork (see clone) since the standard library has no
// structurally-shared map type — documented in DESIGN.md.
package storage

import (
	"fmt"
	"sync/atomic"

	"github.com/genvm-run/genvm/internal/calldata"
)

// PageLimiter bounds the total number of distinct pages a Storage overlay
// (and any of its sandboxed children) may hold, mirroring rt/vm/storage.rs's
// Limiter: a consume-only shared counter, no release, failing closed.
type PageLimiter struct {
	remaining *atomic.Uint64
}

// NewPageLimiter creates a limiter with budget pages available.
func NewPageLimiter(pages uint64) PageLimiter {
	v := &atomic.Uint64{}
	v.Store(pages)
	return PageLimiter{remaining: v}
}

// Consume reserves amount pages, failing with an error (never partially
// reserving) if fewer than amount remain.
func (l PageLimiter) Consume(amount uint64) error {
	for {
		cur := l.remaining.Load()
		if amount > cur {
			return fmt.Errorf("storage: out of storage-page budget: want %d have %d", amount, cur)
		}
		if l.remaining.CompareAndSwap(cur, cur-amount) {
			return nil
		}
	}
}

// page is one 32-byte storage page's contents.
type page = [calldata.PageSize]byte

// pagesOverlay is the in-memory override map for one Storage: pages written
// during this execution, keyed by PageID, charged against a PageLimiter.
type pagesOverlay struct {
	limiter PageLimiter
	pages   map[calldata.PageID]page
}

func newPagesOverlay(limiter PageLimiter) *pagesOverlay {
	return &pagesOverlay{limiter: limiter, pages: make(map[calldata.PageID]page)}
}

func (o *pagesOverlay) get(key calldata.PageID) (page, bool) {
	p, ok := o.pages[key]
	return p, ok
}

func (o *pagesOverlay) writePage(key calldata.PageID, value page) error {
	if _, ok := o.pages[key]; !ok {
		if err := o.limiter.Consume(1); err != nil {
			return err
		}
	}
	o.pages[key] = value
	return nil
}

// clone returns an independent copy of the overlay sharing the same
// limiter, the explicit-copy stand-in for the original's structurally-shared
// insert used when a VM forks a sandboxed sub-execution.
func (o *pagesOverlay) clone() *pagesOverlay {
	cp := make(map[calldata.PageID]page, len(o.pages))
	for k, v := range o.pages {
		cp[k] = v
	}
	return &pagesOverlay{limiter: o.limiter, pages: cp}
}

// Delta is one contiguous run of overridden bytes, ready to ship back to the
// host as a write-set entry: a page-aligned key plus the (possibly
// multi-page) coalesced value. Mirrors rt/vm/storage.rs's Delta.
type Delta struct {
	Key   [calldata.PageIDBytesLen]byte
	Value []byte
}
