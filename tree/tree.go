// Package tree implements the latch-coupled B-link tree described in
// spec.md §4.5: navigation with move-right, point lookup, and
// insert-with-split (leaf split, parent downlink insertion, and root
// split). Delete and merge are explicitly out of scope (spec.md §9).
package tree

import (
	"bytes"
	"encoding/binary"

	"github.com/dctree/dctree/buf"
	"github.com/dctree/dctree/dcerr"
	"github.com/dctree/dctree/env"
	"github.com/dctree/dctree/page"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// leafRecOverhead and internalRecOverhead bound the worst-case bytes
// a single record adds, used by the safe-child predicate below.
const (
	leafRecOverhead     = 1 + 2 + 2 // flag + key_len + value_len
	internalRecOverhead = 1 + 2 + 4 // flag + key_len + pid
)

// Tree is a B-link tree rooted at a buffer manager's meta page.
type Tree struct {
	bm  *buf.BufMgr
	log *logrus.Entry
}

// Open opens (or creates) the heap file at path via a buffer manager
// and returns a Tree ready for Get/Insert, per spec.md §4.5 `open`.
func Open(e env.Env, path string, pageSize uint32, log *logrus.Entry) (*Tree, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	bm, err := buf.Open(e, path, pageSize, log)
	if err != nil {
		return nil, err
	}
	return &Tree{bm: bm, log: log.WithField("component", "tree")}, nil
}

// Close flushes and closes the underlying heap file.
func (t *Tree) Close() error { return t.bm.Close() }

// RootPID exposes the current root page id, for operational tooling
// (cmd/dctreectl's stats subcommand).
func (t *Tree) RootPID() (uint32, error) { return t.rootPID() }

// PageSize returns the heap file's fixed page size.
func (t *Tree) PageSize() uint32 { return t.bm.PageSize() }

// NextPageID returns the current page-allocation frontier.
func (t *Tree) NextPageID() uint32 { return t.bm.NextPageID() }

// RunID returns the run identifier stamped by the buffer manager on Open.
func (t *Tree) RunID() uuid.UUID { return t.bm.RunID }

// rootPID reads the current root page id from the meta page.
func (t *Tree) rootPID() (uint32, error) {
	pin, err := t.bm.FixPage(buf.MetaPageID)
	if err != nil {
		return 0, err
	}
	defer pin.Unpin()
	rg := pin.RLock()
	defer rg.Unlock()
	return binary.LittleEndian.Uint32(rg.Page().OpaqueData()), nil
}

// setRootPID atomically updates the meta page's root pointer under
// the meta frame's exclusive latch, per spec.md §5 ("the meta page's
// root pointer is updated under exclusive lock").
func (t *Tree) setRootPID(pid uint32) error {
	pin, err := t.bm.FixPage(buf.MetaPageID)
	if err != nil {
		return err
	}
	defer pin.Unpin()
	wg := pin.Lock()
	binary.LittleEndian.PutUint32(wg.Page().OpaqueData(), pid)
	wg.SetDirty()
	wg.Unlock()
	return nil
}

// initRoot allocates the first root page (an empty leaf) and installs
// it via the meta page, handling the race where two concurrent
// inserts both observe an empty tree by letting the loser discard its
// allocation and retry against the winner's root.
func (t *Tree) initRoot() error {
	pin, err := t.bm.AllocPage()
	if err != nil {
		return err
	}
	wg := pin.Lock()
	nd := Node{wg.Page()}
	nd.InitLeaf()
	nd.SetRoot()
	wg.SetDirty()
	wg.Unlock()
	newPID := pin.PageID()
	pin.Unpin()

	// The empty-root check and the install happen under one exclusive
	// latch on the meta page, so only one racing initializer installs.
	meta, err := t.bm.FixPage(buf.MetaPageID)
	if err != nil {
		return err
	}
	defer meta.Unpin()
	wg = meta.Lock()
	defer wg.Unlock()
	op := wg.Page().OpaqueData()
	if binary.LittleEndian.Uint32(op) != 0 {
		// Another goroutine won the race; our allocated page becomes
		// permanently unreachable garbage (no freelist to return it to
		// yet, per spec.md §4.3/§9). Harmless: it is simply never
		// referenced.
		return nil
	}
	binary.LittleEndian.PutUint32(op, newPID)
	wg.SetDirty()
	return nil
}

// Get performs a point lookup. found is false exactly when key is
// absent, matching spec.md §4.5's Option<value_bytes> semantics.
func (t *Tree) Get(key []byte) (value []byte, found bool, err error) {
	root, err := t.rootPID()
	if err != nil {
		return nil, false, err
	}
	if root == 0 {
		return nil, false, nil
	}

	pin, err := t.bm.FixPage(root)
	if err != nil {
		return nil, false, err
	}
	rg := pin.RLock()

	for {
		nd := Node{rg.Page()}

		if hk, ok := nd.HighKey(); ok && bytes.Compare(hk, key) <= 0 {
			rightPID := nd.RightSibling()
			rightPin, err := t.bm.FixPage(rightPID)
			if err != nil {
				rg.Unlock().Unpin()
				return nil, false, err
			}
			rightRG := rightPin.RLock()
			rg.Unlock().Unpin()
			rg = rightRG
			continue
		}

		if nd.IsLeaf() {
			slot, ok := nd.FindLeafSlot(key)
			if !ok {
				rg.Unlock().Unpin()
				return nil, false, nil
			}
			rec, err := nd.GetSlot(slot)
			if err != nil {
				rg.Unlock().Unpin()
				return nil, false, err
			}
			_, v, err := DecodeLeaf(rec)
			if err != nil {
				rg.Unlock().Unpin()
				return nil, false, err
			}
			out := append([]byte(nil), v...)
			rg.Unlock().Unpin()
			return out, true, nil
		}

		childPID, err := nd.FindChild(key)
		if err != nil {
			rg.Unlock().Unpin()
			return nil, false, err
		}
		childPin, err := t.bm.FixPage(childPID)
		if err != nil {
			rg.Unlock().Unpin()
			return nil, false, err
		}
		childRG := childPin.RLock()
		rg.Unlock().Unpin()
		rg = childRG
	}
}

// Insert installs key/value, splitting nodes bottom-up as needed.
// Returns KEY_ALREADY_EXISTS if key is already present.
func (t *Tree) Insert(key, value []byte) error {
	if len(key) == 0 {
		return dcerr.KeyTooLarge("key must not be empty")
	}
	if len(key) > MaxKeyLen {
		return dcerr.KeyTooLarge("key exceeds 65535 bytes")
	}
	if len(value) > MaxValueLen {
		return dcerr.ValueTooLarge("value exceeds 65535 bytes")
	}

	for {
		root, err := t.rootPID()
		if err != nil {
			return err
		}
		if root == 0 {
			if err := t.initRoot(); err != nil {
				return err
			}
			continue
		}
		return t.insertFrom(root, key, value)
	}
}

// safeExtra estimates the bytes this specific insert could add to nd,
// used to decide whether nd is "safe" (won't split) and thus whether
// its ancestors can be released early (spec.md §4.5.1). For a leaf
// this is the actual incoming record size, since the value bytes are
// already known; for an internal node it's the worst-case downlink a
// split one level down could propagate up, whose key is bounded by
// the same incoming key (the promoted key is always drawn from the
// records being split).
func safeExtra(nd Node, key, value []byte) int {
	if nd.IsLeaf() {
		return leafRecOverhead + len(key) + len(value)
	}
	return internalRecOverhead + len(key)
}

// insertFrom navigates from root with exclusive latch coupling,
// retaining ancestors only along an unsafe path, then inserts (or
// splits) at the leaf.
func (t *Tree) insertFrom(root uint32, key, value []byte) error {
	pin, err := t.bm.FixPage(root)
	if err != nil {
		return err
	}
	cur := pin.Lock()
	var stack []*buf.WriteGuard

	for {
		nd := Node{cur.Page()}

		for {
			hk, ok := nd.HighKey()
			if !ok || bytes.Compare(hk, key) > 0 {
				break
			}
			rightPID := nd.RightSibling()
			rightPin, err := t.bm.FixPage(rightPID)
			if err != nil {
				unlockAll(cur, stack)
				return err
			}
			rightWG := rightPin.Lock()
			cur.Unlock().Unpin()
			cur = rightWG
			nd = Node{cur.Page()}
		}

		if nd.IsIncompleteSplit() {
			_, midSplit := nd.HighKey()
			if err := t.helpCompleteSplit(cur, stack); err != nil {
				return err
			}
			if midSplit {
				// Installing the missing downlink released cur and
				// every retained ancestor, so the insert starts over
				// from the (possibly new) root.
				return t.Insert(key, value)
			}
			// A rightmost node only had its stray flag cleared; cur is
			// still exclusively latched and stack is unchanged.
		}

		if nd.IsLeaf() {
			break
		}

		childPID, err := nd.FindChild(key)
		if err != nil {
			unlockAll(cur, stack)
			return err
		}
		childPin, err := t.bm.FixPage(childPID)
		if err != nil {
			unlockAll(cur, stack)
			return err
		}
		childWG := childPin.Lock()
		childNode := Node{childWG.Page()}

		if !childNode.WillOverfull(safeExtra(childNode, key, value)) {
			for _, a := range stack {
				a.Unlock().Unpin()
			}
			stack = stack[:0]
			cur.Unlock().Unpin()
		} else {
			stack = append(stack, cur)
		}
		cur = childWG
	}

	return t.insertIntoLeaf(cur, stack, key, value)
}

// helpCompleteSplit installs the missing parent downlink for a node
// found with INCOMPLETE_SPLIT set, per spec.md §4.5.4: "a navigator
// that encounters INCOMPLETE_SPLIT on a node it will modify must
// first help complete the split". It reads the split key (its own
// high key) and right sibling pid directly off the node, then walks
// the retained stack the same way propagateSplit does.
func (t *Tree) helpCompleteSplit(cur *buf.WriteGuard, stack []*buf.WriteGuard) error {
	nd := Node{cur.Page()}
	hk, ok := nd.HighKey()
	if !ok {
		// Rightmost node can't be mid-split (it has no right sibling
		// to be incomplete about); nothing to do.
		nd.ClearIncompleteSplit()
		cur.SetDirty()
		return nil
	}
	splitKey := append([]byte(nil), hk...)
	rightPID := nd.RightSibling()

	if len(stack) == 0 {
		// cur is (or was) the root: the missing parent is the tree
		// root itself, so this is a root split still in progress.
		return t.installNewRoot(cur, splitKey, rightPID)
	}
	parent := stack[len(stack)-1]
	remaining := stack[:len(stack)-1]
	return t.propagateSplit(remaining, splitKey, rightPID, cur, parent)
}

// insertIntoLeaf rejects duplicates, inserts in sorted position if
// there is room, or splits the leaf (and propagates upward) if not.
func (t *Tree) insertIntoLeaf(leaf *buf.WriteGuard, stack []*buf.WriteGuard, key, value []byte) error {
	nd := Node{leaf.Page()}
	slot, exists := nd.FindLeafSlot(key)
	if exists {
		unlockAll(leaf, stack)
		return dcerr.KeyAlreadyExists(string(key))
	}

	rec := EncodeLeaf(key, value)
	if err := leaf.Page().InsertSlot(rec, slot); err == nil {
		leaf.SetDirty()
		unlockAll(leaf, stack)
		return nil
	} else if !page.IsPageFull(err) {
		unlockAll(leaf, stack)
		return err
	}

	return t.splitLeafAndPropagate(leaf, stack, key, value)
}

// splitLeafAndPropagate splits a full leaf around the incoming
// record, then installs the new downlink in the retained ancestor
// chain (splitting further up as needed), per spec.md §4.5.3.
func (t *Tree) splitLeafAndPropagate(leaf *buf.WriteGuard, stack []*buf.WriteGuard, key, value []byte) error {
	nd := Node{leaf.Page()}

	records, err := nd.decodeLeafRecords()
	if err != nil {
		unlockAll(leaf, stack)
		return err
	}
	insertAt := 0
	for insertAt < len(records) && bytes.Compare(records[insertAt].Key, key) < 0 {
		insertAt++
	}
	records = append(records, leafRecord{})
	copy(records[insertAt+1:], records[insertAt:])
	records[insertAt] = leafRecord{Key: key, Value: value}

	splitIdx := chooseLeafSplitIndex(records)
	leftRecs, rightRecs := records[:splitIdx], records[splitIdx:]
	if len(leftRecs) == 0 || len(rightRecs) == 0 {
		unlockAll(leaf, stack)
		return dcerr.Corrupt("PAGE_FULL: record too large to split")
	}

	oldRightPID := nd.RightSibling()
	level := nd.Level()
	wasRoot := nd.IsRoot()

	rightPin, err := t.bm.AllocPage()
	if err != nil {
		unlockAll(leaf, stack)
		return err
	}
	rightWG := rightPin.Lock()
	rNode := Node{rightWG.Page()}
	rNode.InitLeaf()
	rNode.SetLevel(level)
	rNode.SetLeftSibling(leaf.PageID())
	rNode.SetRightSibling(oldRightPID)

	if oldRightPID != 0 {
		if err := t.fixLeftSiblingPointer(oldRightPID, rightPin.PageID()); err != nil {
			rightWG.Unlock().Unpin()
			unlockAll(leaf, stack)
			return err
		}
	}

	rSlot := uint16(1)
	// R's high key (if any) is L's old high key: the min key of L's
	// original right neighbor, unchanged by this split.
	oldHighKey, hadOldHighKey := nd.HighKey()
	if hadOldHighKey {
		if err := rightWG.Page().InsertSlot(EncodeLeaf(oldHighKey, nil), rSlot); err != nil {
			rightWG.Unlock().Unpin()
			unlockAll(leaf, stack)
			return err
		}
		rSlot++
	}
	for _, r := range rightRecs {
		if err := rightWG.Page().InsertSlot(EncodeLeaf(r.Key, r.Value), rSlot); err != nil {
			rightWG.Unlock().Unpin()
			unlockAll(leaf, stack)
			return err
		}
		rSlot++
	}
	rightWG.SetDirty()

	splitKey := append([]byte(nil), rightRecs[0].Key...)

	// Rebuild L truncated to its left half, now non-rightmost.
	leftSibling := nd.LeftSibling()
	leaf.Page().Init(NodeOpaqueSize)
	lNode := Node{leaf.Page()}
	lNode.InitLeaf()
	lNode.SetLevel(level)
	lNode.SetLeftSibling(leftSibling)
	lNode.SetRightSibling(rightPin.PageID())
	if wasRoot {
		lNode.SetRoot()
	}
	lNode.SetIncompleteSplit()
	lSlot := uint16(1)
	if err := leaf.Page().InsertSlot(EncodeLeaf(splitKey, nil), lSlot); err != nil {
		rightWG.Unlock().Unpin()
		unlockAll(leaf, stack)
		return err
	}
	lSlot++
	for _, r := range leftRecs {
		if err := leaf.Page().InsertSlot(EncodeLeaf(r.Key, r.Value), lSlot); err != nil {
			rightWG.Unlock().Unpin()
			unlockAll(leaf, stack)
			return err
		}
		lSlot++
	}
	leaf.SetDirty()
	rightWG.Unlock().Unpin()

	if len(stack) == 0 {
		return t.installNewRoot(leaf, splitKey, rightPin.PageID())
	}
	parent := stack[len(stack)-1]
	remaining := stack[:len(stack)-1]
	return t.propagateSplit(remaining, splitKey, rightPin.PageID(), leaf, parent)
}

// propagateSplit installs (splitKey, newRightPID) — the downlink
// produced by splitting leftWG — into parent, splitting parent in
// turn (and recursing up `stack`) if it doesn't fit.
func (t *Tree) propagateSplit(stack []*buf.WriteGuard, splitKey []byte, newRightPID uint32, leftWG, parent *buf.WriteGuard) error {
	for {
		pn := Node{parent.Page()}
		slot := pn.FindDownlinkInsertSlot(splitKey)
		rec := EncodeInternal(splitKey, newRightPID)

		if err := parent.Page().InsertSlot(rec, slot); err == nil {
			Node{leftWG.Page()}.ClearIncompleteSplit()
			leftWG.SetDirty()
			leftWG.Unlock().Unpin()
			parent.SetDirty()
			parent.Unlock().Unpin()
			for _, a := range stack {
				a.Unlock().Unpin()
			}
			return nil
		} else if !page.IsPageFull(err) {
			leftWG.Unlock().Unpin()
			unlockAll(parent, stack)
			return err
		}

		Node{leftWG.Page()}.ClearIncompleteSplit()
		leftWG.SetDirty()
		leftWG.Unlock().Unpin()

		newKey, newPID, err := t.splitInternal(parent, splitKey, newRightPID)
		if err != nil {
			unlockAll(parent, stack)
			return err
		}

		if len(stack) == 0 {
			return t.installNewRoot(parent, newKey, newPID)
		}
		leftWG = parent
		splitKey, newRightPID = newKey, newPID
		parent = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
	}
}

// splitInternal splits a full internal node around an incoming
// (newKey, newPID) downlink, returning the key/pid to promote to the
// next ancestor up (the new right internal page's pid).
func (t *Tree) splitInternal(wg *buf.WriteGuard, newKey []byte, newPID uint32) ([]byte, uint32, error) {
	nd := Node{wg.Page()}

	entries, err := nd.decodeDownlinks()
	if err != nil {
		return nil, 0, err
	}
	insertAt := 1 // never displaces the -inf entry at index 0
	for insertAt < len(entries) && bytes.Compare(entries[insertAt].Key, newKey) < 0 {
		insertAt++
	}
	entries = append(entries, downlink{})
	copy(entries[insertAt+1:], entries[insertAt:])
	entries[insertAt] = downlink{Key: append([]byte(nil), newKey...), PID: newPID}

	splitIdx := chooseInternalSplitIndex(entries)
	leftEntries, rightEntries := entries[:splitIdx], entries[splitIdx:]
	if len(rightEntries) == 0 {
		return nil, 0, dcerr.Corrupt("PAGE_FULL: internal downlink too large to split")
	}
	promotedKey := append([]byte(nil), rightEntries[0].Key...)

	oldRightPID := nd.RightSibling()
	oldHighKey, hadOldHighKey := nd.HighKey()
	level := nd.Level()
	leftSibling := nd.LeftSibling()
	wasRoot := nd.IsRoot()

	rightPin, err := t.bm.AllocPage()
	if err != nil {
		return nil, 0, err
	}
	rightWG := rightPin.Lock()
	rNode := Node{rightWG.Page()}
	rNode.InitInternal(level)
	rNode.SetLeftSibling(wg.PageID())
	rNode.SetRightSibling(oldRightPID)

	if oldRightPID != 0 {
		if err := t.fixLeftSiblingPointer(oldRightPID, rightPin.PageID()); err != nil {
			rightWG.Unlock().Unpin()
			return nil, 0, err
		}
	}

	rSlot := uint16(1)
	if hadOldHighKey {
		if err := rightWG.Page().InsertSlot(EncodeInternal(oldHighKey, 0), rSlot); err != nil {
			rightWG.Unlock().Unpin()
			return nil, 0, err
		}
		rSlot++
	}
	if err := rightWG.Page().InsertSlot(EncodeInternal(nil, rightEntries[0].PID), rSlot); err != nil {
		rightWG.Unlock().Unpin()
		return nil, 0, err
	}
	rSlot++
	for _, e := range rightEntries[1:] {
		if err := rightWG.Page().InsertSlot(EncodeInternal(e.Key, e.PID), rSlot); err != nil {
			rightWG.Unlock().Unpin()
			return nil, 0, err
		}
		rSlot++
	}
	rightWG.SetDirty()
	rightWG.Unlock().Unpin()

	wg.Page().Init(NodeOpaqueSize)
	lNode := Node{wg.Page()}
	lNode.InitInternal(level)
	lNode.SetLeftSibling(leftSibling)
	lNode.SetRightSibling(rightPin.PageID())
	if wasRoot {
		lNode.SetRoot()
	}
	lNode.SetIncompleteSplit()

	lSlot := uint16(1)
	if err := wg.Page().InsertSlot(EncodeInternal(promotedKey, 0), lSlot); err != nil {
		return nil, 0, err
	}
	lSlot++
	for _, e := range leftEntries {
		if err := wg.Page().InsertSlot(EncodeInternal(e.Key, e.PID), lSlot); err != nil {
			return nil, 0, err
		}
		lSlot++
	}
	wg.SetDirty()

	return promotedKey, rightPin.PageID(), nil
}

// installNewRoot allocates a fresh internal root above oldTop (the
// former root, still exclusively locked), pointing at oldTop and its
// new right sibling, and atomically swings the meta page to it.
func (t *Tree) installNewRoot(oldTop *buf.WriteGuard, splitKey []byte, newRightPID uint32) error {
	oldNode := Node{oldTop.Page()}
	level := oldNode.Level()
	oldNode.ClearIncompleteSplit()
	oldNode.ClearRoot()
	oldTopPID := oldTop.PageID()
	oldTop.SetDirty()

	newRootPin, err := t.bm.AllocPage()
	if err != nil {
		oldTop.Unlock().Unpin()
		return err
	}
	newRootWG := newRootPin.Lock()
	nrNode := Node{newRootWG.Page()}
	nrNode.InitInternal(level + 1)
	nrNode.SetRoot()
	if err := newRootWG.Page().InsertSlot(EncodeInternal(nil, oldTopPID), 1); err != nil {
		newRootWG.Unlock().Unpin()
		oldTop.Unlock().Unpin()
		return err
	}
	if err := newRootWG.Page().InsertSlot(EncodeInternal(splitKey, newRightPID), 2); err != nil {
		newRootWG.Unlock().Unpin()
		oldTop.Unlock().Unpin()
		return err
	}
	newRootWG.SetDirty()
	newRootPID := newRootWG.PageID()
	newRootWG.Unlock().Unpin()

	oldTop.Unlock().Unpin()
	return t.setRootPID(newRootPID)
}

// fixLeftSiblingPointer updates pid's left-sibling pointer to newLeft,
// keeping the left-sibling chain consistent after a split inserts a
// new node between two existing siblings.
func (t *Tree) fixLeftSiblingPointer(pid, newLeft uint32) error {
	pin, err := t.bm.FixPage(pid)
	if err != nil {
		return err
	}
	defer pin.Unpin()
	wg := pin.Lock()
	Node{wg.Page()}.SetLeftSibling(newLeft)
	wg.SetDirty()
	wg.Unlock()
	return nil
}

// chooseLeafSplitIndex picks a split point that balances the two
// halves by byte size rather than record count, per spec.md §4.5.3.
func chooseLeafSplitIndex(records []leafRecord) int {
	total := 0
	sizes := make([]int, len(records))
	for i, r := range records {
		sizes[i] = leafRecOverhead + len(r.Key) + len(r.Value)
		total += sizes[i]
	}
	target := total / 2
	running := 0
	for i, s := range sizes {
		running += s
		if running >= target {
			idx := i + 1
			if idx >= len(records) {
				idx = len(records) - 1
			}
			if idx < 1 {
				idx = 1
			}
			return idx
		}
	}
	return len(records) / 2
}

// chooseInternalSplitIndex mirrors chooseLeafSplitIndex for internal
// downlink entries; index 0 (the -inf entry) always stays left.
func chooseInternalSplitIndex(entries []downlink) int {
	total := 0
	sizes := make([]int, len(entries))
	for i, e := range entries {
		sizes[i] = internalRecOverhead + len(e.Key)
		total += sizes[i]
	}
	target := total / 2
	running := 0
	for i, s := range sizes {
		running += s
		if running >= target && i >= 1 {
			if i+1 >= len(entries) {
				return len(entries) - 1
			}
			return i + 1
		}
	}
	if len(entries) <= 1 {
		return len(entries)
	}
	return len(entries) / 2
}

func unlockAll(cur *buf.WriteGuard, stack []*buf.WriteGuard) {
	cur.Unlock().Unpin()
	for _, a := range stack {
		a.Unlock().Unpin()
	}
}
