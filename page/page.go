// Package page implements the slotted-page binary layout shared by
// every on-disk page of a dctree heap file: a fixed header, an
// ascending line-pointer array, and descending record storage that
// meets the opaque area from below. See spec.md §3.1-3.3.
package page

import (
	"encoding/binary"

	"github.com/dctree/dctree/dcerr"
)

// Default and bound page sizes. The spec contemplates 4096 (default)
// and 8192; any power of two from MinSize to MaxSize is accepted.
const (
	DefaultSize = 4096
	MinSize     = 512
	MaxSize     = 1 << 15
)

// Header field offsets and sizes, little-endian throughout.
const (
	offLSN          = 0
	offChecksum     = 8
	offFlags        = 10
	offLower        = 11
	offUpper        = 13
	offSpecialStart = 15
	HeaderSize      = 17
)

// lpSize is the byte size of one packed line pointer.
const lpSize = 4

// Page is a fixed-size contiguous byte buffer: the unit of I/O,
// locking, and allocation. It owns no other page's bytes and holds no
// pointers to other pages -- only PageId values travel between nodes.
type Page struct {
	Buf []byte
}

// Alloc allocates a zeroed page buffer of the given size. size must
// be a power of two in [MinSize, MaxSize].
func Alloc(size uint32) *Page {
	if size < MinSize || size > MaxSize || size&(size-1) != 0 {
		panic("page: size must be a power of two between MinSize and MaxSize")
	}
	return &Page{Buf: make([]byte, size)}
}

// CopyOf returns a deep copy of p, used when a split needs a working
// snapshot of a page's current content without holding its frame
// latch across the rebuild.
func CopyOf(p *Page) *Page {
	cp := make([]byte, len(p.Buf))
	copy(cp, p.Buf)
	return &Page{Buf: cp}
}

// Size returns the page's fixed byte size.
func (p *Page) Size() uint32 { return uint32(len(p.Buf)) }

// Init zeroes the buffer and lays out an empty page whose opaque area
// is specialSize bytes, per spec.md §4.2 `init`.
func (p *Page) Init(specialSize uint16) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	special := uint16(len(p.Buf)) - specialSize
	p.setLower(HeaderSize)
	p.setUpper(special)
	p.setSpecialStart(special)
}

func (p *Page) getU16(off int) uint16 { return binary.LittleEndian.Uint16(p.Buf[off : off+2]) }
func (p *Page) putU16(off int, v uint16) { binary.LittleEndian.PutUint16(p.Buf[off:off+2], v) }

// LSN returns the reserved log sequence number slot (recovery is out
// of scope; this is read/written for on-disk format fidelity only).
func (p *Page) LSN() uint64 { return binary.LittleEndian.Uint64(p.Buf[offLSN : offLSN+8]) }

// SetLSN writes the reserved LSN slot.
func (p *Page) SetLSN(v uint64) { binary.LittleEndian.PutUint64(p.Buf[offLSN:offLSN+8], v) }

// Checksum returns the reserved checksum slot (unused).
func (p *Page) Checksum() uint16 { return p.getU16(offChecksum) }

// SetChecksum writes the reserved checksum slot (unused).
func (p *Page) SetChecksum(v uint16) { p.putU16(offChecksum, v) }

// Flags returns the reserved page-header flags byte (distinct from
// the node opaque-area flags in package tree).
func (p *Page) Flags() uint8 { return p.Buf[offFlags] }

// SetFlags writes the reserved page-header flags byte.
func (p *Page) SetFlags(v uint8) { p.Buf[offFlags] = v }

// Lower returns the byte offset of the first unused byte after the
// line-pointer array.
func (p *Page) Lower() uint16 { return p.getU16(offLower) }

func (p *Page) setLower(v uint16) { p.putU16(offLower, v) }

// Upper returns the byte offset of the lowest-addressed record payload.
func (p *Page) Upper() uint16 { return p.getU16(offUpper) }

func (p *Page) setUpper(v uint16) { p.putU16(offUpper, v) }

// SpecialStart returns the byte offset of the page's opaque area.
func (p *Page) SpecialStart() uint16 { return p.getU16(offSpecialStart) }

func (p *Page) setSpecialStart(v uint16) { p.putU16(offSpecialStart, v) }

// MaxSlot returns the number of currently occupied slots in the
// line-pointer array (slot ids 1..MaxSlot are valid to fetch).
func (p *Page) MaxSlot() uint16 {
	return (p.Lower() - HeaderSize) / lpSize
}

// OpaqueData returns the page's per-type opaque area, mutable.
func (p *Page) OpaqueData() []byte { return p.Buf[p.SpecialStart():] }

func lpOffset(slot uint16) int { return HeaderSize + int(slot-1)*lpSize }

// linePointer packs (offset, flags, length) into the 32-bit layout
// from spec.md §3.2 invariant 3: [off:15 | flags:2 | len:15].
type lpFlag uint32

const (
	lpUnused lpFlag = 0
	lpNormal lpFlag = 1
	lpDead   lpFlag = 3
)

func packLP(off uint16, flag lpFlag, length uint16) uint32 {
	return uint32(off)<<17 | uint32(flag)<<15 | uint32(length)
}

func unpackLP(v uint32) (off uint16, flag lpFlag, length uint16) {
	off = uint16(v >> 17)
	flag = lpFlag((v >> 15) & 0x3)
	length = uint16(v & 0x7fff)
	return
}

func (p *Page) readLP(slot uint16) uint32 {
	o := lpOffset(slot)
	return binary.LittleEndian.Uint32(p.Buf[o : o+4])
}

func (p *Page) writeLP(slot uint16, v uint32) {
	o := lpOffset(slot)
	binary.LittleEndian.PutUint32(p.Buf[o:o+4], v)
}

func (p *Page) validSlot(slot uint16) bool {
	return slot >= 1 && slot <= p.MaxSlot()
}

// GetSlot returns the byte slice of the record stored at slot,
// without copying. The slice aliases the page buffer and must not be
// retained past the holder's pin.
func (p *Page) GetSlot(slot uint16) ([]byte, error) {
	if !p.validSlot(slot) {
		return nil, dcerr.Corrupt("invalid slot id")
	}
	off, flag, length := unpackLP(p.readLP(slot))
	if flag == lpUnused {
		return nil, dcerr.Corrupt("read of unused slot")
	}
	if int(off)+int(length) > len(p.Buf) {
		return nil, dcerr.Corrupt("slot offset/length out of page bounds")
	}
	return p.Buf[off : off+length], nil
}

// IsDead reports whether the slot is marked dead (tombstoned). dctree
// never marks slots dead itself (delete is out of scope) but the flag
// is decoded for on-disk format completeness.
func (p *Page) IsDead(slot uint16) bool {
	_, flag, _ := unpackLP(p.readLP(slot))
	return flag == lpDead
}

// WillOverfull reports whether inserting a record of extra bytes
// would not fit in the page's current free space, accounting for the
// new line pointer. It is a sound under-approximation: if it returns
// false, the corresponding InsertSlot is guaranteed to succeed.
func (p *Page) WillOverfull(extra int) bool {
	free := int(p.Upper()) - int(p.Lower())
	return extra+lpSize > free
}

// InsertSlot stores record's bytes and inserts a line pointer for it
// at the 1-based position slot, shifting any existing entries at or
// after slot up by one. It fails with a PAGE_FULL-flavored error if
// there is insufficient free space; the tree layer treats that as a
// signal to split, never surfacing it to the library caller (spec.md §7).
func (p *Page) InsertSlot(record []byte, slot uint16) error {
	maxSlot := p.MaxSlot()
	if slot < 1 || slot > maxSlot+1 {
		return dcerr.Corrupt("insert slot id out of range")
	}
	if p.WillOverfull(len(record)) {
		return pageFullErr
	}

	newUpper := p.Upper() - uint16(len(record))
	copy(p.Buf[newUpper:p.Upper()], record)

	// Shift line pointers [slot, maxSlot] up by one slot to make room.
	for s := int(maxSlot); s >= int(slot); s-- {
		p.writeLP(uint16(s+1), p.readLP(uint16(s)))
	}
	p.writeLP(slot, packLP(newUpper, lpNormal, uint16(len(record))))

	p.setLower(p.Lower() + lpSize)
	p.setUpper(newUpper)
	return nil
}

// pageFullErr is internal to the page/tree layers: it triggers a
// split. When a record is too large to fit on a page even after a
// split, it is returned from the library's Insert call.
var pageFullErr = dcerr.Corrupt("PAGE_FULL")

// IsPageFull reports whether err is the internal page-full signal
// returned by InsertSlot.
func IsPageFull(err error) bool { return err == pageFullErr }

// FreeBytes returns the number of bytes currently free between the
// line-pointer array and the record area (spec.md §3.2 invariant 2;
// the per-page freelist of reclaimed record bytes is future work, so
// this is the whole free count for dctree today).
func (p *Page) FreeBytes() uint16 { return p.Upper() - p.Lower() }
