package buf

import (
	"sync"
	"sync/atomic"

	"github.com/dctree/dctree/page"
)

// Frame owns one page buffer plus pinning and dirty bookkeeping, per
// spec.md §3.5. Its tenant page id can change across the frame's
// lifetime as eviction recycles it for a different page.
type Frame struct {
	// pageID is only mutated while mu is held exclusively (during
	// eviction recycling), so readers holding any latch on the frame
	// always see a consistent id/content pairing.
	pageID uint32
	page   *page.Page

	// mu is the frame's latch: spec.md §5 calls for exclusive
	// (writer) and optionally shared (reader) semantics. sync.RWMutex
	// gives dctree both at the cost the spec explicitly allows ("a
	// single exclusive mutex is acceptable").
	mu sync.RWMutex

	pinCount int32 // atomic
	dirty    int32 // atomic bool: 0 or 1

	// listElem tracks this frame's position in the eviction pool's
	// LRU list; nil when the frame is pinned (not a candidate).
	listElem *evictElem
}

func newFrame(pageID uint32, p *page.Page) *Frame {
	return &Frame{pageID: pageID, page: p, pinCount: 1}
}

// PageID returns the page currently held by this frame.
func (f *Frame) PageID() uint32 { return atomic.LoadUint32(&f.pageID) }

// PinCount returns the frame's current pin count.
func (f *Frame) PinCount() int32 { return atomic.LoadInt32(&f.pinCount) }

// IsDirty reports whether the frame has unflushed writes.
func (f *Frame) IsDirty() bool { return atomic.LoadInt32(&f.dirty) == 1 }

// PinGuard is a scoped reference that prevents its frame from being
// evicted. It carries no lock by itself; callers latch the frame via
// RLock/Lock to actually read or mutate its bytes, following the
// fix-then-lock two-step spec.md's latch coupling protocol (§4.5.1)
// relies on.
type PinGuard struct {
	mgr   *BufMgr
	frame *Frame
}

// PageID returns the pinned frame's current page id.
func (g *PinGuard) PageID() uint32 { return g.frame.PageID() }

// Unpin releases the pin. Once the count reaches zero the frame
// becomes a candidate for eviction. Unpin is idempotent-unsafe like a
// destructor: callers must call it exactly once per pin, typically
// via defer immediately after a successful Fix/AllocPage.
func (g *PinGuard) Unpin() {
	if atomic.AddInt32(&g.frame.pinCount, -1) == 0 {
		g.mgr.evict.insert(g.frame)
	}
}

// ReadGuard is a frame latched in shared mode.
type ReadGuard struct {
	pin *PinGuard
}

// RLock latches the frame in shared mode. Multiple ReadGuards may be
// held concurrently by different pins of the same frame.
func (g *PinGuard) RLock() *ReadGuard {
	g.frame.mu.RLock()
	return &ReadGuard{pin: g}
}

// Page returns the frame's page for reading. The returned pointer
// must not be retained past Unlock.
func (rg *ReadGuard) Page() *page.Page { return rg.pin.frame.page }

// PageID returns the latched frame's current page id.
func (rg *ReadGuard) PageID() uint32 { return rg.pin.PageID() }

// Unlock releases the shared latch and returns the still-pinned guard
// so the caller can either fix a child (completing latch coupling) or
// unpin.
func (rg *ReadGuard) Unlock() *PinGuard {
	rg.pin.frame.mu.RUnlock()
	return rg.pin
}

// WriteGuard is a frame latched in exclusive mode.
type WriteGuard struct {
	pin *PinGuard
}

// Lock latches the frame in exclusive mode.
func (g *PinGuard) Lock() *WriteGuard {
	g.frame.mu.Lock()
	return &WriteGuard{pin: g}
}

// Page returns the frame's page for reading or mutation.
func (wg *WriteGuard) Page() *page.Page { return wg.pin.frame.page }

// PageID returns the latched frame's current page id.
func (wg *WriteGuard) PageID() uint32 { return wg.pin.PageID() }

// SetDirty marks the frame dirty; BufMgr flushes dirty frames before
// recycling them and may flush them opportunistically otherwise.
func (wg *WriteGuard) SetDirty() { atomic.StoreInt32(&wg.pin.frame.dirty, 1) }

// Unlock releases the exclusive latch and returns the still-pinned guard.
func (wg *WriteGuard) Unlock() *PinGuard {
	wg.pin.frame.mu.Unlock()
	return wg.pin
}
