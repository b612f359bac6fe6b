package buf

import (
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

func TestOpenEmptyFileInitializesMetaPage(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := m.NextPageID(); got != 1 {
		t.Fatalf("NextPageID after init = %d, want 1", got)
	}

	pin, err := m.FixPage(MetaPageID)
	if err != nil {
		t.Fatalf("FixPage(meta): %v", err)
	}
	rg := pin.RLock()
	if got := len(rg.Page().Buf); got != 4096 {
		t.Fatalf("meta page size = %d, want 4096", got)
	}
	rg.Unlock().Unpin()
}

func TestAllocPageAssignsSequentialIDs(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var ids []uint32
	for i := 0; i < 3; i++ {
		pin, err := m.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage: %v", err)
		}
		ids = append(ids, pin.PageID())
		pin.Unpin()
	}
	want := []uint32{1, 2, 3}
	for i, id := range ids {
		if id != want[i] {
			t.Fatalf("ids[%d] = %d, want %d", i, id, want[i])
		}
	}
}

func TestFixPageOutOfRangeReturnsPageNotFound(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = m.FixPage(999)
	if !dcerr.IsKind(err, dcerr.KindPageNotFound) {
		t.Fatalf("FixPage(999) err = %v, want PAGE_NOT_FOUND", err)
	}
}

func TestFixPageHitIncrementsPinCount(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pin1, err := m.FixPage(MetaPageID)
	if err != nil {
		t.Fatalf("first FixPage: %v", err)
	}
	pin2, err := m.FixPage(MetaPageID)
	if err != nil {
		t.Fatalf("second FixPage: %v", err)
	}

	f, ok := m.active.get(MetaPageID)
	if !ok {
		t.Fatal("meta page not in active map")
	}
	if f.PinCount() != 2 {
		t.Fatalf("pin count = %d, want 2", f.PinCount())
	}
	pin1.Unpin()
	if f.PinCount() != 1 {
		t.Fatalf("pin count after one unpin = %d, want 1", f.PinCount())
	}
	pin2.Unpin()
	if f.PinCount() != 0 {
		t.Fatalf("pin count after both unpins = %d, want 0", f.PinCount())
	}
}

func TestFixPageMissReadsFromDisk(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	alloc, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	wg := alloc.Lock()
	copy(wg.Page().OpaqueData(), []byte{0xAB})
	wg.SetDirty()
	wg.Unlock()
	pid := alloc.PageID()
	alloc.Unpin()

	if err := m.FlushPage(pid); err != nil {
		t.Fatalf("FlushPage: %v", err)
	}

	// Force eviction by removing from the active map directly is not
	// exposed; instead reopen a fresh BufMgr over the same file to
	// exercise the on-disk read path end to end.
	m2, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pin, err := m2.FixPage(pid)
	if err != nil {
		t.Fatalf("FixPage after reopen: %v", err)
	}
	rg := pin.RLock()
	if got := rg.Page().OpaqueData()[0]; got != 0xAB {
		t.Fatalf("opaque byte = %x, want ab", got)
	}
	rg.Unlock().Unpin()
}

func TestFlushPageNoOpWhenClean(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.FlushPage(MetaPageID); err != nil {
		t.Fatalf("FlushPage clean meta page: %v", err)
	}
}

func TestDeallocPageNotImplemented(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = m.DeallocPage(0)
	if !dcerr.IsKind(err, dcerr.KindNotImplemented) {
		t.Fatalf("DeallocPage err = %v, want NOT_IMPLEMENTED", err)
	}
}

func TestCloseFlushesDirtyFrames(t *testing.T) {
	e := env.NewSimEnv()
	m, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pin, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	wg := pin.Lock()
	copy(wg.Page().OpaqueData(), []byte{0x42})
	wg.SetDirty()
	wg.Unlock()
	pid := pin.PageID()
	pin.Unpin()

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(e, "heap", 4096, testLog())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	p2, err := m2.FixPage(pid)
	if err != nil {
		t.Fatalf("FixPage after close/reopen: %v", err)
	}
	rg := p2.RLock()
	if got := rg.Page().OpaqueData()[0]; got != 0x42 {
		t.Fatalf("opaque byte after reopen = %x, want 42", got)
	}
	rg.Unlock().Unpin()
}
