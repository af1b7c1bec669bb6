package storage

import (
	"context"
	"sort"

	"github.com/genvm-run/genvm/internal/calldata"
)

// HostReader is the narrow host-storage surface a Storage overlay needs: a
// raw byte-range read of the durable, pre-execution state. Calls land on
// internal/hostwire's Host in production and on a fake in tests.
type HostReader interface {
	StorageRead(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error
}

// Storage is one contract's page-overlaid view of persistent storage: reads
// are served from the overlay first, falling back to host for any bytes the
// overlay doesn't cover; writes land in the overlay only, to be flushed by
// the caller via MakeDelta once execution finishes successfully.
type Storage struct {
	Address calldata.Address
	host    HostReader
	pages   *pagesOverlay
}

// New creates a Storage for address backed by host, billing page overrides
// against limiter.
func New(address calldata.Address, host HostReader, limiter PageLimiter) *Storage {
	return &Storage{Address: address, host: host, pages: newPagesOverlay(limiter)}
}

// Fork returns an independent Storage seeing the same host and the same
// overlay contents as of the call, for a sandboxed sub-execution that must
// not be able to mutate the parent's view.
func (s *Storage) Fork() *Storage {
	return &Storage{Address: s.Address, host: s.host, pages: s.pages.clone()}
}

// ReadPageOverride exposes a single page's override, if any, without
// touching the host — used by callers that already know the page boundary.
func (s *Storage) ReadPageOverride(key calldata.PageID) ([32]byte, bool) {
	return s.pages.get(key)
}

// Read fills buf with len(buf) bytes starting at index within slot,
// preferring overridden pages and falling back to the host for whatever the
// overlay does not cover.
func (s *Storage) Read(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	startIndex := int(index)
	endIndex := startIndex + len(buf)
	startPage := startIndex / calldata.PageSize
	endPage := (endIndex - 1) / calldata.PageSize

	needHostStart := startIndex
	needHostEnd := endIndex

	for p := startPage; p <= endPage; p++ {
		if _, ok := s.pages.get(calldata.PageID{Slot: slot, Index: uint32(p)}); ok {
			needHostStart = (p + 1) * calldata.PageSize
		} else {
			break
		}
	}
	for p := endPage; p >= startPage; p-- {
		if _, ok := s.pages.get(calldata.PageID{Slot: slot, Index: uint32(p)}); ok {
			needHostEnd = p * calldata.PageSize
		} else {
			break
		}
	}

	if needHostStart < needHostEnd {
		hostLen := needHostEnd - needHostStart
		bufOffset := needHostStart - startIndex
		if err := s.host.StorageRead(ctx, slot, uint32(needHostStart), buf[bufOffset:bufOffset+hostLen]); err != nil {
			return err
		}
	}

	for p := startPage; p <= endPage; p++ {
		pageData, ok := s.pages.get(calldata.PageID{Slot: slot, Index: uint32(p)})
		if !ok {
			continue
		}
		pageStart := p * calldata.PageSize
		pageEnd := pageStart + calldata.PageSize

		overlapStart := max(startIndex, pageStart)
		overlapEnd := min(endIndex, pageEnd)
		if overlapStart >= overlapEnd {
			continue
		}
		srcOffset := overlapStart - pageStart
		dstOffset := overlapStart - startIndex
		copyLen := overlapEnd - overlapStart
		copy(buf[dstOffset:dstOffset+copyLen], pageData[srcOffset:srcOffset+copyLen])
	}

	return nil
}

func (s *Storage) writeSinglePage(ctx context.Context, id calldata.PageID, offsetInPage int, buf []byte) error {
	var pageData page

	if offsetInPage == 0 && len(buf) == calldata.PageSize {
		copy(pageData[:], buf)
	} else {
		if existing, ok := s.pages.get(id); ok {
			pageData = existing
		} else {
			pageStart := uint32(int(id.Index) * calldata.PageSize)
			if err := s.host.StorageRead(ctx, id.Slot, pageStart, pageData[:]); err != nil {
				return err
			}
		}
		copy(pageData[offsetInPage:offsetInPage+len(buf)], buf)
	}

	return s.pages.writePage(id, pageData)
}

// Write overlays len(buf) bytes starting at index within slot. A write
// spanning more than one page reads through any partial boundary pages (via
// override or host) before overlaying the whole span; full middle pages are
// written without a read.
func (s *Storage) Write(ctx context.Context, slot calldata.SlotID, index uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	startIndex := int(index)
	endIndex := startIndex + len(buf)
	startPage := startIndex / calldata.PageSize
	endPage := (endIndex - 1) / calldata.PageSize

	if startPage == endPage {
		id := calldata.PageID{Slot: slot, Index: uint32(startPage)}
		return s.writeSinglePage(ctx, id, startIndex%calldata.PageSize, buf)
	}

	firstPageStart := startPage * calldata.PageSize
	lastPageStart := endPage * calldata.PageSize

	partialFirst := startIndex > firstPageStart
	partialLast := endIndex < lastPageStart+calldata.PageSize

	if partialFirst {
		id := calldata.PageID{Slot: slot, Index: uint32(startPage)}
		var pageData page
		if existing, ok := s.pages.get(id); ok {
			pageData = existing
		} else if err := s.host.StorageRead(ctx, slot, uint32(firstPageStart), pageData[:]); err != nil {
			return err
		}
		offsetInPage := startIndex % calldata.PageSize
		copyLen := calldata.PageSize - offsetInPage
		copy(pageData[offsetInPage:], buf[:copyLen])
		if err := s.pages.writePage(id, pageData); err != nil {
			return err
		}
	}

	if partialLast {
		id := calldata.PageID{Slot: slot, Index: uint32(endPage)}
		var pageData page
		if existing, ok := s.pages.get(id); ok {
			pageData = existing
		} else if err := s.host.StorageRead(ctx, slot, uint32(lastPageStart), pageData[:]); err != nil {
			return err
		}
		endOffsetInPage := endIndex % calldata.PageSize
		srcOffset := len(buf) - endOffsetInPage
		copy(pageData[:endOffsetInPage], buf[srcOffset:])
		if err := s.pages.writePage(id, pageData); err != nil {
			return err
		}
	}

	for p := startPage; p <= endPage; p++ {
		pageStart := p * calldata.PageSize
		pageEnd := pageStart + calldata.PageSize
		if (p == startPage && startIndex > pageStart) || (p == endPage && endIndex < pageEnd) {
			continue
		}
		id := calldata.PageID{Slot: slot, Index: uint32(p)}
		srcOffset := pageStart - startIndex
		var pageData page
		copy(pageData[:], buf[srcOffset:srcOffset+calldata.PageSize])
		if err := s.pages.writePage(id, pageData); err != nil {
			return err
		}
	}

	return nil
}

// MakeDelta snapshots the overlay into the sorted, run-length-coalesced
// Delta list the host expects as a write-set: consecutive pages of the same
// slot are merged into a single multi-page Delta entry.
func (s *Storage) MakeDelta() []Delta {
	keys := make([]calldata.PageID, 0, len(s.pages.pages))
	for k := range s.pages.pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	var out []Delta
	for _, k := range keys {
		v := s.pages.pages[k]
		if k.Index != 0 {
			prev := calldata.PageID{Slot: k.Slot, Index: k.Index - 1}
			if _, ok := s.pages.pages[prev]; ok {
				// Sorted iteration guarantees prev was the immediately
				// preceding entry, so it is always the tail of out.
				last := &out[len(out)-1]
				last.Value = append(last.Value, v[:]...)
				continue
			}
		}
		out = append(out, Delta{Key: k.Bytes(), Value: append([]byte(nil), v[:]...)})
	}
	return out
}
