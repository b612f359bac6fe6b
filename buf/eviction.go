package buf

import (
	"container/list"
	"sync"
)

// evictElem is the token a Frame keeps to locate (and O(1) remove)
// its own entry in the eviction pool's LRU list.
type evictElem struct {
	le *list.Element
}

// evictionPool tracks frames eligible for eviction (pin_count == 0)
// in least-recently-unpinned order, per spec.md §4.4. The replacement
// policy is explicitly left to the implementer as long as it is
// pin-aware; dctree uses plain LRU, same as the teacher's buffer
// manager aims for with its latch hash table's victim scan.
type evictionPool struct {
	mu   sync.Mutex
	list *list.List // each Value is *Frame
}

func newEvictionPool() *evictionPool {
	return &evictionPool{list: list.New()}
}

// insert marks frame as evictable. Called exactly when a frame's pin
// count drops to zero.
func (p *evictionPool) insert(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.listElem != nil {
		// Already a candidate; this can happen if Unpin races with a
		// concurrent pin-then-unpin on the same frame. Leave it be.
		return
	}
	e := p.list.PushBack(f)
	f.listElem = &evictElem{le: e}
}

// delete removes frame from the candidate pool, e.g. because it was
// pinned again before eviction got to it.
func (p *evictionPool) delete(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.listElem == nil {
		return
	}
	p.list.Remove(f.listElem.le)
	f.listElem = nil
}

// evict detaches and returns the least-recently-unpinned frame, or
// nil if the pool is empty.
func (p *evictionPool) evict() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.list.Front()
	if e == nil {
		return nil
	}
	p.list.Remove(e)
	f := e.Value.(*Frame)
	f.listElem = nil
	return f
}
