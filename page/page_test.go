package page

import (
	"bytes"
	"testing"
)

func TestInitInvariants(t *testing.T) {
	tests := []struct {
		name        string
		size        uint32
		specialSize uint16
	}{
		{"no opaque area", DefaultSize, 0},
		{"14 byte node opaque", DefaultSize, 14},
		{"small page", MinSize, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Alloc(tt.size)
			p.Init(tt.specialSize)

			if p.Lower() != HeaderSize {
				t.Errorf("lower = %d, want %d", p.Lower(), HeaderSize)
			}
			if got, want := p.Upper(), uint16(tt.size)-tt.specialSize; got != want {
				t.Errorf("upper = %d, want %d", got, want)
			}
			if p.SpecialStart() != p.Upper() {
				t.Errorf("special start = %d, want %d", p.SpecialStart(), p.Upper())
			}
			if !(HeaderSize <= p.Lower() && p.Lower() <= p.Upper() && p.Upper() <= p.SpecialStart()) {
				t.Errorf("header_size <= lower <= upper <= special_start violated")
			}
		})
	}
}

func TestInsertSlotAndGetSlot(t *testing.T) {
	p := Alloc(DefaultSize)
	p.Init(0)

	records := [][]byte{[]byte("record-1"), []byte("record-2"), []byte("record-3")}
	for i, r := range records {
		if err := p.InsertSlot(r, uint16(i+1)); err != nil {
			t.Fatalf("InsertSlot(%d) failed: %v", i+1, err)
		}
	}

	if got, want := p.MaxSlot(), uint16(len(records)); got != want {
		t.Fatalf("MaxSlot() = %d, want %d", got, want)
	}
	for i, want := range records {
		got, err := p.GetSlot(uint16(i + 1))
		if err != nil {
			t.Fatalf("GetSlot(%d) failed: %v", i+1, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("GetSlot(%d) = %q, want %q", i+1, got, want)
		}
	}
}

func TestInsertSlotShiftsExisting(t *testing.T) {
	p := Alloc(DefaultSize)
	p.Init(0)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(p.InsertSlot([]byte("a"), 1))
	must(p.InsertSlot([]byte("c"), 2))
	must(p.InsertSlot([]byte("b"), 2)) // insert between a and c

	want := []string{"a", "b", "c"}
	for i, w := range want {
		got, err := p.GetSlot(uint16(i + 1))
		must(err)
		if string(got) != w {
			t.Errorf("slot %d = %q, want %q", i+1, got, w)
		}
	}
}

func TestInsertSlotPageFull(t *testing.T) {
	p := Alloc(MinSize)
	p.Init(0)

	big := make([]byte, MinSize)
	err := p.InsertSlot(big, 1)
	if err == nil || !IsPageFull(err) {
		t.Fatalf("expected PAGE_FULL, got %v", err)
	}
}

func TestWillOverfullSoundness(t *testing.T) {
	p := Alloc(MinSize)
	p.Init(0)

	rec := bytes.Repeat([]byte{'x'}, 32)
	if p.WillOverfull(len(rec)) {
		t.Fatalf("WillOverfull reported true but page is nearly empty")
	}
	if err := p.InsertSlot(rec, 1); err != nil {
		t.Fatalf("insert after WillOverfull()==false must succeed: %v", err)
	}
}

func TestGetSlotInvalidID(t *testing.T) {
	p := Alloc(DefaultSize)
	p.Init(0)
	if _, err := p.GetSlot(0); err == nil {
		t.Fatal("expected error for slot 0")
	}
	if _, err := p.GetSlot(1); err == nil {
		t.Fatal("expected error for slot past MaxSlot")
	}
}

func TestOpaqueDataRoundTrip(t *testing.T) {
	p := Alloc(DefaultSize)
	p.Init(14)
	op := p.OpaqueData()
	if len(op) != 14 {
		t.Fatalf("opaque area length = %d, want 14", len(op))
	}
	copy(op, []byte{1, 2, 3, 4})
	if p.OpaqueData()[0] != 1 || p.OpaqueData()[3] != 4 {
		t.Fatalf("opaque area write did not persist")
	}
}
