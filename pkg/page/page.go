// Package page implements the generic disk-page header and the item-page
// line-pointer layout shared by the heap and the B-tree (spec §4.3).
//
// Every disk page begins with an 8-byte LSN. Item pages lay out their
// payload as:
//
//	[lower:u16][upper:u16][line-ptr 0][line-ptr 1]...  ...[item N][...][item 0]
//
// Line pointers live in [HEADER, lower); items live in [upper, len(payload)).
// Line-pointer *slot numbers* are 1-based (spec's item pointer offsets);
// a line pointer's stored byte offset is 0 only when the slot is dead.
package page

import (
	"encoding/binary"

	"github.com/nainya/wiredb/pkg/dbtypes"
)

// LSNSize is the size of the leading LSN field common to every disk page.
const LSNSize = 8

// GetLSN reads the LSN from the start of a full page buffer.
func GetLSN(buf []byte) dbtypes.LSN {
	return dbtypes.LSN(binary.LittleEndian.Uint64(buf[0:LSNSize]))
}

// SetLSN stamps the LSN at the start of a full page buffer.
func SetLSN(buf []byte, lsn dbtypes.LSN) {
	binary.LittleEndian.PutUint64(buf[0:LSNSize], uint64(lsn))
}

// ItemHeaderSize is the size of the lower/upper pair at the front of every
// item-page payload. This is the "HEADER" spec §3/§4.3 refers to, measured
// from the start of the item-page payload (which may itself be offset into
// the full page buffer by a type-specific sub-header, e.g. the B-tree
// prev/next/level/flags block).
const ItemHeaderSize = 4

// LinePointerSize is the size of one (offset:u16, length:u16) line pointer.
const LinePointerSize = 4

// ItemPage is a view over the item-page payload region of a page buffer.
// It does not own the memory: all mutations write through to the
// underlying full page buffer the caller sliced it from.
type ItemPage struct {
	buf []byte
}

// NewItemPage wraps payload (everything from the start of the item-page
// header to the end of the page) as an ItemPage view.
func NewItemPage(payload []byte) ItemPage { return ItemPage{buf: payload} }

// Init resets the page to empty: lower points past the header, upper points
// at the end of the payload.
func (p ItemPage) Init() {
	p.setLower(ItemHeaderSize)
	p.setUpper(uint16(len(p.buf)))
}

func (p ItemPage) Lower() uint16 { return binary.LittleEndian.Uint16(p.buf[0:2]) }
func (p ItemPage) Upper() uint16 { return binary.LittleEndian.Uint16(p.buf[2:4]) }

func (p ItemPage) setLower(v uint16) { binary.LittleEndian.PutUint16(p.buf[0:2], v) }
func (p ItemPage) setUpper(v uint16) { binary.LittleEndian.PutUint16(p.buf[2:4], v) }

// NumLinePointers returns the number of line-pointer slots, including dead
// ones.
func (p ItemPage) NumLinePointers() uint16 {
	return (p.Lower() - ItemHeaderSize) / LinePointerSize
}

// FreeSpace returns the number of bytes available for a new item, reserving
// room for the line pointer that would describe it.
func (p ItemPage) FreeSpace() int {
	free := int(p.Upper()) - int(p.Lower()) - LinePointerSize
	if free < 0 {
		return 0
	}
	return free
}

func (p ItemPage) linePointerPos(slot uint16) int {
	return ItemHeaderSize + int(slot-1)*LinePointerSize
}

// LinePointer returns the (byteOffset, length) stored at slot (1-based). A
// byteOffset of 0 means the slot is dead (no item).
func (p ItemPage) LinePointer(slot uint16) (offset, length uint16) {
	pos := p.linePointerPos(slot)
	return binary.LittleEndian.Uint16(p.buf[pos : pos+2]),
		binary.LittleEndian.Uint16(p.buf[pos+2 : pos+4])
}

func (p ItemPage) setLinePointer(slot uint16, offset, length uint16) {
	pos := p.linePointerPos(slot)
	binary.LittleEndian.PutUint16(p.buf[pos:pos+2], offset)
	binary.LittleEndian.PutUint16(p.buf[pos+2:pos+4], length)
}

// GetItem returns the item bytes stored at slot. Returns nil if the slot is
// dead.
func (p ItemPage) GetItem(slot uint16) []byte {
	off, length := p.LinePointer(slot)
	if off == 0 {
		return nil
	}
	return p.buf[off : off+length]
}

// ItemDead reports whether slot has no live item.
func (p ItemPage) ItemDead(slot uint16) bool {
	off, _ := p.LinePointer(slot)
	return off == 0
}

// PutItem appends data at the top of the free area and records a line
// pointer at target (1-based; default is NumLinePointers()+1, the first
// free slot). If target names an existing slot and overwrite is false,
// line pointers from target..end shift right by one slot to make room for
// the new one. Returns the slot the item was stored at.
//
// target == 0 means "append a new slot at the end".
func (p ItemPage) PutItem(data []byte, target uint16, overwrite bool) (uint16, error) {
	n := p.NumLinePointers()
	if target == 0 {
		target = n + 1
	}
	if target > n+1 {
		return 0, dbtypes.New(dbtypes.KindInvalidArgument, "page.PutItem",
			"target slot beyond end of line-pointer array")
	}

	needed := len(data)
	newLower := p.Lower()
	insertingSlot := target == n+1 || (target <= n && !overwrite)
	if insertingSlot {
		newLower += LinePointerSize
	}
	if int(p.Upper())-needed < int(newLower) {
		return 0, dbtypes.New(dbtypes.KindProgramLimitExceed, "page.PutItem",
			"not enough free space on page")
	}
	newUpper := p.Upper() - uint16(needed)

	if insertingSlot && target <= n {
		// Shift existing slots [target, n] right by one to open a gap.
		for slot := n; slot >= target; slot-- {
			off, length := p.LinePointer(slot)
			p.setLinePointerRaw(slot+1, off, length)
			if slot == target {
				break
			}
		}
	}

	copy(p.buf[newUpper:newUpper+uint16(needed)], data)
	p.setUpper(newUpper)
	if insertingSlot {
		p.setLower(newLower)
	}
	p.setLinePointer(target, newUpper, uint16(needed))
	return target, nil
}

// setLinePointerRaw writes a line pointer at a slot number that may not yet
// be inside [1, Lower()) — used while shifting the array during PutItem,
// before Lower() has been advanced.
func (p ItemPage) setLinePointerRaw(slot uint16, offset, length uint16) {
	pos := ItemHeaderSize + int(slot-1)*LinePointerSize
	binary.LittleEndian.PutUint16(p.buf[pos:pos+2], offset)
	binary.LittleEndian.PutUint16(p.buf[pos+2:pos+4], length)
}

// OverwriteItem replaces the bytes of an existing, same-length item in
// place without moving the line pointer or touching free space. Used for
// heap hint-bit updates.
func (p ItemPage) OverwriteItem(slot uint16, data []byte) {
	off, length := p.LinePointer(slot)
	if int(length) != len(data) {
		panic("page.OverwriteItem: length mismatch")
	}
	copy(p.buf[off:off+length], data)
}

// MarkDead zeroes a line pointer's offset, leaving the slot allocated but
// empty. The item bytes are not reclaimed (no compaction in this design).
func (p ItemPage) MarkDead(slot uint16) {
	_, length := p.LinePointer(slot)
	p.setLinePointer(slot, 0, length)
}
