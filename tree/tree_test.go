package tree

import (
	"fmt"
	"sort"
	"testing"

	"github.com/dctree/dctree/dcerr"
	"github.com/dctree/dctree/env"
	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// TestEmptyThenSingleInsert is spec.md §8 end-to-end scenario 1.
func TestEmptyThenSingleInsert(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := tr.Insert([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, ok, err := tr.Get([]byte("k1"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get(k1) = %q, %v, %v; want v1, true, nil", v, ok, err)
	}
	_, ok, err = tr.Get([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v; want false, nil", ok, err)
	}
}

// TestDuplicateRejected is spec.md §8 end-to-end scenario 2.
func TestDuplicateRejected(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := tr.Insert([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err = tr.Insert([]byte("k"), []byte("v2"))
	if !dcerr.IsKind(err, dcerr.KindKeyAlreadyExists) {
		t.Fatalf("second insert err = %v, want KEY_ALREADY_EXISTS", err)
	}
	v, ok, err := tr.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get(k) = %q, %v, %v; want v1, true, nil", v, ok, err)
	}
}

// fixedKey and fixedValue produce the 16-byte keys/values of spec.md
// §8 end-to-end scenario 3 ("0000"..."0399", padded to 16 bytes).
func fixedKey(i int) []byte   { return []byte(fmt.Sprintf("%04d------------", i))[:16] }
func fixedValue(i int) []byte { return []byte(fmt.Sprintf("%04dvvvvvvvvvvvv", i))[:16] }

// TestLeafSplitAndSortedIteration covers spec.md §8 scenarios 3 and 4.
func TestLeafSplitAndSortedIteration(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 400
	for i := 0; i < n; i++ {
		if err := tr.Insert(fixedKey(i), fixedValue(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		v, ok, err := tr.Get(fixedKey(i))
		if err != nil || !ok || string(v) != string(fixedValue(i)) {
			t.Fatalf("Get(%d) = %q, %v, %v; want %q, true, nil", i, v, ok, err, fixedValue(i))
		}
	}

	root, err := tr.rootPID()
	if err != nil {
		t.Fatalf("rootPID: %v", err)
	}
	rootPin, err := tr.bm.FixPage(root)
	if err != nil {
		t.Fatalf("FixPage(root): %v", err)
	}
	rg := rootPin.RLock()
	rootNode := Node{rg.Page()}
	if rootNode.IsLeaf() {
		rg.Unlock().Unpin()
		t.Fatal("root is still a leaf after 400 inserts; expected an internal split")
	}
	downlinks, err := rootNode.decodeDownlinks()
	rg.Unlock().Unpin()
	if err != nil {
		t.Fatalf("decodeDownlinks: %v", err)
	}
	if len(downlinks) < 2 {
		t.Fatalf("root has %d downlinks, want >= 2", len(downlinks))
	}

	// Walk the leftmost leaf, then the right-sibling chain, collecting keys.
	leafPID, err := leftmostLeaf(tr, root)
	if err != nil {
		t.Fatalf("leftmostLeaf: %v", err)
	}
	var got []string
	for leafPID != 0 {
		pin, err := tr.bm.FixPage(leafPID)
		if err != nil {
			t.Fatalf("FixPage(%d): %v", leafPID, err)
		}
		rg := pin.RLock()
		nd := Node{rg.Page()}
		recs, err := nd.decodeLeafRecords()
		if err != nil {
			rg.Unlock().Unpin()
			t.Fatalf("decodeLeafRecords: %v", err)
		}
		for _, r := range recs {
			got = append(got, string(r.Key))
		}
		next := nd.RightSibling()
		rg.Unlock().Unpin()
		leafPID = next
	}

	if len(got) != n {
		t.Fatalf("chain yielded %d keys, want %d", len(got), n)
	}
	if !sort.StringsAreSorted(got) {
		t.Fatal("leaf chain keys not in sorted order")
	}
	seen := map[string]bool{}
	for _, k := range got {
		if seen[k] {
			t.Fatalf("duplicate key %q in leaf chain", k)
		}
		seen[k] = true
	}
	for i := 0; i < n; i++ {
		if got[i] != string(fixedKey(i)) {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], fixedKey(i))
		}
	}
}

func leftmostLeaf(tr *Tree, pid uint32) (uint32, error) {
	for {
		pin, err := tr.bm.FixPage(pid)
		if err != nil {
			return 0, err
		}
		rg := pin.RLock()
		nd := Node{rg.Page()}
		if nd.IsLeaf() {
			rg.Unlock().Unpin()
			return pid, nil
		}
		rec, err := nd.GetSlot(nd.negInfSlot())
		if err != nil {
			rg.Unlock().Unpin()
			return 0, err
		}
		_, childPID, err := DecodeInternal(rec)
		rg.Unlock().Unpin()
		if err != nil {
			return 0, err
		}
		pid = childPID
	}
}

// TestRootSplit is spec.md §8 end-to-end scenario 5.
func TestRootSplit(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// About 50 keys per leaf and about 150 downlinks per internal page:
	// 10000 keys need more leaves than one internal root can hold.
	const n = 10000
	for i := 0; i < n; i++ {
		if err := tr.Insert(fixedKey(i), fixedValue(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	root, err := tr.rootPID()
	if err != nil {
		t.Fatalf("rootPID: %v", err)
	}
	pin, err := tr.bm.FixPage(root)
	if err != nil {
		t.Fatalf("FixPage(root): %v", err)
	}
	rg := pin.RLock()
	nd := Node{rg.Page()}
	if !nd.IsRoot() {
		rg.Unlock().Unpin()
		t.Fatal("current root page lacks ROOT flag")
	}
	if nd.Level() < 2 {
		rg.Unlock().Unpin()
		t.Fatalf("root level = %d; expected tree to have grown past one internal level", nd.Level())
	}
	rg.Unlock().Unpin()

	for i := 0; i < n; i++ {
		v, ok, err := tr.Get(fixedKey(i))
		if err != nil || !ok || string(v) != string(fixedValue(i)) {
			t.Fatalf("Get(%d) after root split = %q, %v, %v", i, v, ok, err)
		}
	}
}

// TestPersistence is spec.md §8 end-to-end scenario 6.
func TestPersistence(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 400
	for i := 0; i < n; i++ {
		if err := tr.Insert(fixedKey(i), fixedValue(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tr2, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for i := 0; i < n; i++ {
		v, ok, err := tr2.Get(fixedKey(i))
		if err != nil || !ok || string(v) != string(fixedValue(i)) {
			t.Fatalf("Get(%d) after reopen = %q, %v, %v", i, v, ok, err)
		}
	}
}

// TestGetOnEmptyTreeReturnsNotFound checks the freshly-opened,
// never-inserted-to path returns (nil, false, nil), matching
// spec.md §8 invariant 6.
func TestGetOnEmptyTreeReturnsNotFound(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, ok, err := tr.Get([]byte("anything"))
	if err != nil || ok {
		t.Fatalf("Get on empty tree = ok=%v err=%v; want false, nil", ok, err)
	}
}

// TestKeyTooLargeRejected exercises the key bound from spec.md §4.5.
func TestKeyTooLargeRejected(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	big := make([]byte, 70000)
	err = tr.Insert(big, []byte("v"))
	if !dcerr.IsKind(err, dcerr.KindKeyTooLarge) {
		t.Fatalf("Insert(big key) err = %v, want KEY_TOO_LARGE", err)
	}
}

// TestHighKeyInvariant checks spec.md §8 invariant 2 directly against
// a tree that has split at least once.
func TestHighKeyInvariant(t *testing.T) {
	e := env.NewSimEnv()
	tr, err := Open(e, "t1", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 400
	for i := 0; i < n; i++ {
		if err := tr.Insert(fixedKey(i), fixedValue(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	root, err := tr.rootPID()
	if err != nil {
		t.Fatalf("rootPID: %v", err)
	}
	leafPID, err := leftmostLeaf(tr, root)
	if err != nil {
		t.Fatalf("leftmostLeaf: %v", err)
	}

	checked := 0
	for leafPID != 0 {
		pin, err := tr.bm.FixPage(leafPID)
		if err != nil {
			t.Fatalf("FixPage: %v", err)
		}
		rg := pin.RLock()
		nd := Node{rg.Page()}
		hk, hasHK := nd.HighKey()
		right := nd.RightSibling()
		rg.Unlock().Unpin()

		if hasHK {
			rpin, err := tr.bm.FixPage(right)
			if err != nil {
				t.Fatalf("FixPage(right): %v", err)
			}
			rrg := rpin.RLock()
			rnd := Node{rrg.Page()}
			recs, err := rnd.decodeLeafRecords()
			rrg.Unlock().Unpin()
			if err != nil {
				t.Fatalf("decodeLeafRecords: %v", err)
			}
			if len(recs) == 0 || string(recs[0].Key) != string(hk) {
				t.Fatalf("high_key(n)=%q != min_key(right_sibling)=%v", hk, recs)
			}
			checked++
		}
		leafPID = right
	}
	if checked == 0 {
		t.Fatal("no non-rightmost leaf found to check the high-key invariant on")
	}
}
