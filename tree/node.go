package tree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/dctree/dctree/dcerr"
	"github.com/dctree/dctree/page"
)

// NodeOpaqueSize is the 14-byte node opaque area from spec.md §3.3:
// left sibling (4) + right sibling (4) + tree level (4) + flags (2).
const NodeOpaqueSize = 14

const (
	offLeftSibling  = 0
	offRightSibling = 4
	offLevel        = 8
	offNodeFlags    = 12
)

// Node flag bits (opaque-area flags, distinct from page.Page's
// reserved header flags byte).
const (
	flagLeaf uint16 = 1 << iota
	flagRoot
	flagIncompleteSplit
)

// Node wraps a page.Page with the B+-tree node semantics of spec.md
// §3.3-3.4: sibling links, level, state flags, and slot conventions
// that vary with leaf/internal-ness and rightmost-ness.
type Node struct {
	*page.Page
}

// InitLeaf lays out p as a fresh, empty leaf node at level 0.
func (n Node) InitLeaf() {
	n.Page.Init(NodeOpaqueSize)
	n.setNodeFlags(flagLeaf)
	n.SetLevel(0)
}

// InitInternal lays out p as a fresh, empty internal node at level.
func (n Node) InitInternal(level uint32) {
	n.Page.Init(NodeOpaqueSize)
	n.setNodeFlags(0)
	n.SetLevel(level)
}

func (n Node) opaque() []byte { return n.OpaqueData() }

// LeftSibling returns the left sibling PageId, 0 if leftmost.
func (n Node) LeftSibling() uint32 {
	return binary.LittleEndian.Uint32(n.opaque()[offLeftSibling:])
}

// SetLeftSibling writes the left sibling PageId.
func (n Node) SetLeftSibling(pid uint32) {
	binary.LittleEndian.PutUint32(n.opaque()[offLeftSibling:], pid)
}

// RightSibling returns the right sibling PageId, 0 if rightmost.
func (n Node) RightSibling() uint32 {
	return binary.LittleEndian.Uint32(n.opaque()[offRightSibling:])
}

// SetRightSibling writes the right sibling PageId.
func (n Node) SetRightSibling(pid uint32) {
	binary.LittleEndian.PutUint32(n.opaque()[offRightSibling:], pid)
}

// IsRightmost reports whether this node has no right sibling.
func (n Node) IsRightmost() bool { return n.RightSibling() == 0 }

// Level returns the node's tree level: 0 for a leaf, increasing toward the root.
func (n Node) Level() uint32 { return binary.LittleEndian.Uint32(n.opaque()[offLevel:]) }

// SetLevel writes the node's tree level.
func (n Node) SetLevel(level uint32) {
	binary.LittleEndian.PutUint32(n.opaque()[offLevel:], level)
}

func (n Node) nodeFlags() uint16 {
	o := n.opaque()
	return uint16(o[offNodeFlags]) | uint16(o[offNodeFlags+1])<<8
}

func (n Node) setNodeFlags(f uint16) {
	o := n.opaque()
	o[offNodeFlags] = byte(f)
	o[offNodeFlags+1] = byte(f >> 8)
}

// IsLeaf reports whether this node is a leaf.
func (n Node) IsLeaf() bool { return n.nodeFlags()&flagLeaf != 0 }

// IsRoot reports whether this node is the tree's current root.
func (n Node) IsRoot() bool { return n.nodeFlags()&flagRoot != 0 }

// SetRoot marks this node as the tree's root.
func (n Node) SetRoot() { n.setNodeFlags(n.nodeFlags() | flagRoot) }

// ClearRoot clears the root flag, e.g. when a new root is installed above it.
func (n Node) ClearRoot() { n.setNodeFlags(n.nodeFlags() &^ flagRoot) }

// IsIncompleteSplit reports whether this node produced a right sibling
// whose downlink has not yet been installed in the parent.
func (n Node) IsIncompleteSplit() bool { return n.nodeFlags()&flagIncompleteSplit != 0 }

// SetIncompleteSplit marks this node as having an unresolved split.
func (n Node) SetIncompleteSplit() { n.setNodeFlags(n.nodeFlags() | flagIncompleteSplit) }

// ClearIncompleteSplit marks the split resolved (parent downlink installed).
func (n Node) ClearIncompleteSplit() { n.setNodeFlags(n.nodeFlags() &^ flagIncompleteSplit) }

// hasHighKey reports whether slot 1 holds a high key rather than data
// (true for any non-rightmost node, leaf or internal).
func (n Node) hasHighKey() bool { return !n.IsRightmost() }

// HighKey returns the node's high key and true if it has one (i.e. it
// is not the rightmost node at its level). Per spec.md §3.4 the high
// key occupies slot 1 of a non-rightmost node.
func (n Node) HighKey() ([]byte, bool) {
	if !n.hasHighKey() {
		return nil, false
	}
	rec, err := n.GetSlot(1)
	if err != nil {
		return nil, false
	}
	var key []byte
	if n.IsLeaf() {
		key, _, err = DecodeLeaf(rec)
	} else {
		key, _, err = DecodeInternal(rec)
	}
	if err != nil {
		return nil, false
	}
	return key, true
}

// firstDataSlot returns the first slot id holding real data (leaf) or
// the first real (non -inf) downlink (internal).
func (n Node) firstDataSlot() uint16 {
	s := uint16(1)
	if n.hasHighKey() {
		s++ // skip high key
	}
	if !n.IsLeaf() {
		s++ // skip -inf downlink
	}
	return s
}

// negInfSlot returns the slot id of the internal node's -inf downlink.
func (n Node) negInfSlot() uint16 {
	if n.hasHighKey() {
		return 2
	}
	return 1
}

// FindLeafSlot binary-searches a leaf's data slots for key, returning
// the slot id and true on an exact match, or the slot id the key would
// occupy (and false) on a miss.
func (n Node) FindLeafSlot(key []byte) (slot uint16, found bool) {
	first := n.firstDataSlot()
	last := n.MaxSlot()
	count := int(last) - int(first) + 1
	if count < 0 {
		count = 0
	}
	idx := sort.Search(count, func(i int) bool {
		rec, err := n.GetSlot(first + uint16(i))
		if err != nil {
			return true
		}
		k, _, _ := DecodeLeaf(rec)
		return bytes.Compare(k, key) >= 0
	})
	slot = first + uint16(idx)
	if idx < count {
		rec, err := n.GetSlot(slot)
		if err == nil {
			k, _, _ := DecodeLeaf(rec)
			if bytes.Equal(k, key) {
				return slot, true
			}
		}
	}
	return slot, false
}

// FindChild resolves which downlink subtree key belongs to, per the
// convention that the key stored alongside a downlink is the lowest
// key reachable through it: the search returns the rightmost real
// downlink whose key is <= the target, falling back to the -inf
// downlink when the target precedes every real key.
func (n Node) FindChild(key []byte) (uint32, error) {
	first := n.firstDataSlot()
	last := n.MaxSlot()
	count := int(last) - int(first) + 1
	if count < 0 {
		count = 0
	}
	// idx is the first position whose key is > target.
	idx := sort.Search(count, func(i int) bool {
		rec, err := n.GetSlot(first + uint16(i))
		if err != nil {
			return true
		}
		k, _, _ := DecodeInternal(rec)
		return bytes.Compare(k, key) > 0
	})
	if idx == 0 {
		rec, err := n.GetSlot(n.negInfSlot())
		if err != nil {
			return 0, err
		}
		_, pid, err := DecodeInternal(rec)
		return pid, err
	}
	rec, err := n.GetSlot(first + uint16(idx-1))
	if err != nil {
		return 0, err
	}
	_, pid, err := DecodeInternal(rec)
	return pid, err
}

// FindDownlinkInsertSlot returns the 1-based slot id at which a new
// (key, pid) downlink belongs among this internal node's real
// downlinks, sorted ascending.
func (n Node) FindDownlinkInsertSlot(key []byte) uint16 {
	first := n.firstDataSlot()
	last := n.MaxSlot()
	count := int(last) - int(first) + 1
	if count < 0 {
		count = 0
	}
	idx := sort.Search(count, func(i int) bool {
		rec, err := n.GetSlot(first + uint16(i))
		if err != nil {
			return true
		}
		k, _, _ := DecodeInternal(rec)
		return bytes.Compare(k, key) >= 0
	})
	return first + uint16(idx)
}

// downlink is a decoded internal-node entry; Key is nil for the -inf slot.
type downlink struct {
	Key []byte
	PID uint32
}

// decodeDownlinks returns every downlink on this internal node,
// including the -inf entry at index 0, excluding the high-key slot.
func (n Node) decodeDownlinks() ([]downlink, error) {
	var out []downlink
	rec, err := n.GetSlot(n.negInfSlot())
	if err != nil {
		return nil, err
	}
	_, pid, err := DecodeInternal(rec)
	if err != nil {
		return nil, err
	}
	out = append(out, downlink{Key: nil, PID: pid})

	first := n.firstDataSlot()
	for s := first; s <= n.MaxSlot(); s++ {
		rec, err := n.GetSlot(s)
		if err != nil {
			return nil, err
		}
		k, pid, err := DecodeInternal(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, downlink{Key: append([]byte(nil), k...), PID: pid})
	}
	return out, nil
}

// decodeLeafRecords returns every data record on this leaf, excluding
// the high-key slot.
func (n Node) decodeLeafRecords() ([]leafRecord, error) {
	var out []leafRecord
	first := n.firstDataSlot()
	for s := first; s <= n.MaxSlot(); s++ {
		rec, err := n.GetSlot(s)
		if err != nil {
			return nil, err
		}
		k, v, err := DecodeLeaf(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, leafRecord{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	return out, nil
}

type leafRecord struct {
	Key   []byte
	Value []byte
}
