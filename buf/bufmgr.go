// Package buf implements the buffer manager: it maps page ids to
// in-memory frames, pins, evicts, reads, and writes pages, and
// allocates new ones, per spec.md §4.3.
package buf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dctree/dctree/dcerr"
	"github.com/dctree/dctree/env"
	"github.com/dctree/dctree/page"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MetaPageID is the heap file's fixed meta page, per spec.md §3.1.
const MetaPageID uint32 = 0

// BufMgr owns the file handle, the active frame map, and the
// eviction pool for a single heap file.
type BufMgr struct {
	e        env.Env
	file     env.File
	path     string
	pageSize uint32

	active *shardedFrameMap
	evict  *evictionPool

	nextPageID uint32 // atomic, per-spec wait-free allocation

	// missMu serializes the evict-read-install sequence of a fix_page
	// miss. spec.md §4.3 invariant 2 ("at most one frame per pid")
	// would otherwise race if two fixers miss on the same pid
	// concurrently and each tried to install a different frame for
	// it; a single mutex here is the "acceptable at the cost of
	// reduced parallelism" option spec.md §5 explicitly allows.
	missMu sync.Mutex

	log   *logrus.Entry
	RunID uuid.UUID
}

// Open opens or creates the heap file at path. If the file is empty,
// page 0 is allocated as an initialized meta page and written
// synchronously, per spec.md §4.3.
func Open(e env.Env, path string, pageSize uint32, log *logrus.Entry) (*BufMgr, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	f, err := e.OpenFile(path)
	if err != nil {
		return nil, dcerr.IO("open heap file", err)
	}

	size, err := f.FileSize()
	if err != nil {
		return nil, dcerr.IO("stat heap file", err)
	}

	m := &BufMgr{
		e:        e,
		file:     f,
		path:     path,
		pageSize: pageSize,
		active:   newShardedFrameMap(),
		evict:    newEvictionPool(),
		RunID:    uuid.New(),
		log:      log.WithField("run_id", "pending"),
	}
	m.log = log.WithFields(logrus.Fields{"component": "bufmgr", "run_id": m.RunID, "path": path})

	if size == 0 {
		meta := page.Alloc(pageSize)
		meta.Init(metaOpaqueSize)
		if err := env.WriteExactAt(f, meta.Buf, 0); err != nil {
			return nil, dcerr.IO("write initial meta page", err)
		}
		if err := f.SyncAll(); err != nil {
			return nil, dcerr.IO("sync initial meta page", err)
		}
		atomic.StoreUint32(&m.nextPageID, 1)
		m.log.Info("initialized new heap file")
	} else {
		atomic.StoreUint32(&m.nextPageID, uint32(uint64(size)/uint64(pageSize)))
		m.log.WithField("pages", m.nextPageID).Info("opened existing heap file")
	}

	return m, nil
}

// metaOpaqueSize is the meta page's opaque area: a single PageId
// holding the tree's root (0 until the first insert allocates it).
const metaOpaqueSize = 4

// PageSize returns the fixed page size this buffer manager was opened with.
func (m *BufMgr) PageSize() uint32 { return m.pageSize }

// NextPageID returns the current allocation frontier, exposed so
// callers can validate a page id without fixing it.
func (m *BufMgr) NextPageID() uint32 { return atomic.LoadUint32(&m.nextPageID) }

// AllocPage returns a newly allocated, pinned frame for a fresh page.
// The id is assigned by an atomic fetch-and-add; a future freelist
// would intercept here before extending the file (spec.md §4.3).
func (m *BufMgr) AllocPage() (*PinGuard, error) {
	pid := atomic.AddUint32(&m.nextPageID, 1) - 1
	f := newFrame(pid, page.Alloc(m.pageSize))
	atomic.StoreInt32(&f.dirty, 1)
	m.active.set(pid, f)
	return &PinGuard{mgr: m, frame: f}, nil
}

// DeallocPage returns a page to the freelist. Out of scope for the
// insert/lookup flow this engine implements (spec.md §3.6, §4.3);
// delete and merge are future work (spec.md §9).
func (m *BufMgr) DeallocPage(pid uint32) error {
	return dcerr.NotImplemented(fmt.Sprintf("dealloc_page(%d): delete/merge not implemented", pid))
}

// FixPage pins page id, reading it from disk on a miss. Reentrant: a
// second fix of the same id increments the pin count (spec.md §4.3
// invariant 5).
func (m *BufMgr) FixPage(pid uint32) (*PinGuard, error) {
	if pid >= atomic.LoadUint32(&m.nextPageID) {
		return nil, dcerr.PageNotFound(fmt.Sprintf("page %d", pid))
	}

	if f, ok := m.tryPin(pid); ok {
		return &PinGuard{mgr: m, frame: f}, nil
	}

	m.missMu.Lock()
	defer m.missMu.Unlock()

	// Re-check: another goroutine may have loaded pid while we
	// waited for missMu.
	if f, ok := m.tryPin(pid); ok {
		return &PinGuard{mgr: m, frame: f}, nil
	}

	for {
		victim := m.evict.evict()
		if victim == nil {
			victim = newFrame(pid, page.Alloc(m.pageSize))
			victim.pinCount = 0
		}

		victim.mu.Lock()
		if atomic.LoadInt32(&victim.pinCount) != 0 {
			// Someone fixed this frame under its old id in the window
			// between evict() popping it off the LRU list and us taking
			// its latch here; it is no longer a valid eviction
			// candidate (and is no longer on the LRU list, so it simply
			// falls out of consideration once unlocked).
			victim.mu.Unlock()
			continue
		}

		oldPID := victim.pageID
		if atomic.LoadInt32(&victim.dirty) == 1 {
			if err := m.writeFrameLocked(victim); err != nil {
				victim.mu.Unlock()
				return nil, err
			}
		}
		if err := m.readPageLocked(victim.page, pid); err != nil {
			victim.mu.Unlock()
			return nil, err
		}
		victim.pageID = pid
		atomic.StoreInt32(&victim.dirty, 0)
		atomic.StoreInt32(&victim.pinCount, 1)
		victim.mu.Unlock()

		if oldPID != pid {
			m.active.deleteIfMatches(oldPID, victim)
		}
		m.active.set(pid, victim)
		return &PinGuard{mgr: m, frame: victim}, nil
	}
}

// tryPin looks up pid in the active map and pins it, re-validating
// under the frame's own latch that it still holds pid: the unlocked
// map read can observe a frame that a concurrent eviction has already
// popped off the LRU list and is about to recycle for a different
// page, and taking the latch here serializes with that recycle (which
// takes the same latch exclusively in FixPage's miss path), so one of
// the two always loses the race cleanly instead of silently sharing a
// frame under the wrong identity.
func (m *BufMgr) tryPin(pid uint32) (*Frame, bool) {
	f, ok := m.active.get(pid)
	if !ok {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.PageID() != pid {
		return nil, false
	}
	atomic.AddInt32(&f.pinCount, 1)
	m.evict.delete(f)
	return f, true
}

func (m *BufMgr) readPageLocked(p *page.Page, pid uint32) error {
	pos := int64(pid) * int64(m.pageSize)
	if err := env.ReadExactAt(m.file, p.Buf, pos); err != nil {
		return dcerr.IO(fmt.Sprintf("read page %d", pid), err)
	}
	return nil
}

// writeFrameLocked writes frame's current bytes to disk. Caller must
// hold frame.mu (any mode is fine: we only read the buffer).
func (m *BufMgr) writeFrameLocked(f *Frame) error {
	pos := int64(f.pageID) * int64(m.pageSize)
	if err := env.WriteExactAt(m.file, f.page.Buf, pos); err != nil {
		// Per spec.md §4.3 invariant 4 and §4.5.5: a flush failure
		// leaves the frame dirty and propagates to the caller that
		// forced it.
		return dcerr.IO(fmt.Sprintf("flush page %d", f.pageID), err)
	}
	atomic.StoreInt32(&f.dirty, 0)
	return nil
}

// FlushPage writes a dirty page to disk and clears its dirty bit.
// Never clears the pin (spec.md §4.3). A page with no resident frame
// is clean, so flushing it is a no-op.
func (m *BufMgr) FlushPage(pid uint32) error {
	f, ok := m.active.get(pid)
	if !ok {
		if pid >= atomic.LoadUint32(&m.nextPageID) {
			return dcerr.PageNotFound(fmt.Sprintf("flush: page %d", pid))
		}
		// Frames leave the active map only after their dirty bytes
		// were written, so there is nothing newer to write.
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if atomic.LoadInt32(&f.dirty) == 0 {
		return nil
	}
	return m.writeFrameLocked(f)
}

// FlushAll flushes every currently active dirty frame and durably
// syncs the file. Used by the library facade's persistence path
// (spec.md §8 scenario 6: "sync_all").
func (m *BufMgr) FlushAll() error {
	for _, sh := range m.active.shards {
		sh.mu.RLock()
		frames := make([]*Frame, 0, len(sh.m))
		for _, f := range sh.m {
			frames = append(frames, f)
		}
		sh.mu.RUnlock()
		for _, f := range frames {
			if err := m.FlushPage(f.PageID()); err != nil {
				return err
			}
		}
	}
	return m.file.SyncAll()
}

// Close flushes and closes the underlying file.
func (m *BufMgr) Close() error {
	if err := m.FlushAll(); err != nil {
		return err
	}
	return m.file.Close()
}
