package buf

import "sync"

// numShards controls the fan-out of the active frame map. spec.md §5
// calls for "a fine-grained concurrent map (e.g., sharded hash map)"
// for the page_id -> frame mapping; this generalizes the teacher's
// fixed hashTable []HashEntry chain array (bufmgr.go) into a slice of
// independently-locked shards.
const numShards = 64

type shard struct {
	mu sync.RWMutex
	m  map[uint32]*Frame
}

type shardedFrameMap struct {
	shards [numShards]*shard
}

func newShardedFrameMap() *shardedFrameMap {
	m := &shardedFrameMap{}
	for i := range m.shards {
		m.shards[i] = &shard{m: make(map[uint32]*Frame)}
	}
	return m
}

func (m *shardedFrameMap) shardFor(pid uint32) *shard {
	return m.shards[pid%numShards]
}

func (m *shardedFrameMap) get(pid uint32) (*Frame, bool) {
	sh := m.shardFor(pid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	f, ok := sh.m[pid]
	return f, ok
}

func (m *shardedFrameMap) set(pid uint32, f *Frame) {
	sh := m.shardFor(pid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.m[pid] = f
}

// deleteIfMatches removes the pid -> f mapping only if it still
// points at f, so a stale removal from a recycled frame can't clobber
// a newer mapping that has since taken the same pid.
func (m *shardedFrameMap) deleteIfMatches(pid uint32, f *Frame) {
	sh := m.shardFor(pid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.m[pid]; ok && cur == f {
		delete(sh.m, pid)
	}
}
