// Package btree implements the Lehman-Yao B-tree index: right-linked pages
// with high keys, top-down descent, and split-then-link-up insertion
// (spec §4.5). Descents and structural changes are serialized by the
// tree-wide lock BTree.mu; there is no per-page latch coupling.
package btree

import (
	"encoding/binary"

	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/page"
)

// Flags is the B-tree page flag bitmask.
type Flags uint32

const (
	IsLeaf Flags = 1 << iota
	IsMeta
	IsRoot
)

// Page header layout, right after the 8-byte LSN: prev(8) next(8) level(4)
// flags(4), then the item-page payload.
const (
	offPrev   = 0
	offNext   = offPrev + 8
	offLevel  = offNext + 8
	offFlags  = offLevel + 4
	headerLen = offFlags + 4
)

// payloadOffset is where the item-page view begins, relative to the start
// of a full page buffer (including the 8-byte LSN).
const payloadOffset = page.LSNSize + headerLen

// metaMagic identifies a well-formed meta page.
const metaMagic uint32 = 0x42547239

// Meta page layout, sharing the same header (all zero) followed by
// {magic:u32, root:u64} instead of an item page.
const (
	offMetaMagic = 0
	offMetaRoot  = offMetaMagic + 4
)

func header(buf []byte) []byte { return buf[page.LSNSize:] }

func GetPrev(buf []byte) dbtypes.PageNum {
	return dbtypes.PageNum(binary.LittleEndian.Uint64(header(buf)[offPrev:]))
}

func SetPrev(buf []byte, prev dbtypes.PageNum) {
	binary.LittleEndian.PutUint64(header(buf)[offPrev:], uint64(prev))
}

func GetNext(buf []byte) dbtypes.PageNum {
	return dbtypes.PageNum(binary.LittleEndian.Uint64(header(buf)[offNext:]))
}

func SetNext(buf []byte, next dbtypes.PageNum) {
	binary.LittleEndian.PutUint64(header(buf)[offNext:], uint64(next))
}

func GetLevel(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(header(buf)[offLevel:])
}

func SetLevel(buf []byte, level uint32) {
	binary.LittleEndian.PutUint32(header(buf)[offLevel:], level)
}

func GetFlags(buf []byte) Flags {
	return Flags(binary.LittleEndian.Uint32(header(buf)[offFlags:]))
}

func SetFlags(buf []byte, f Flags) {
	binary.LittleEndian.PutUint32(header(buf)[offFlags:], uint32(f))
}

func AddFlags(buf []byte, f Flags) { SetFlags(buf, GetFlags(buf)|f) }
func ClearFlags(buf []byte, f Flags) { SetFlags(buf, GetFlags(buf)&^f) }

func IsRightmost(buf []byte) bool { return GetNext(buf) == dbtypes.InvalidPageNum }

// highKeyOffset is always 1: by convention every non-rightmost page keeps
// its upper bound at the first line-pointer slot.
func highKeyOffset() uint16 { return 1 }

// firstKeyOffset is the first slot holding a real (non-high-key) tuple.
func firstKeyOffset(buf []byte) uint16 {
	if IsRightmost(buf) {
		return highKeyOffset()
	}
	return highKeyOffset() + 1
}

// itemPage returns the item-page view of a data page's payload.
func itemPage(buf []byte) page.ItemPage {
	return page.NewItemPage(buf[payloadOffset:])
}

// initDataPage zeroes the link header, marks the page rightmost (no next
// sibling) and initializes the item-page payload.
func initDataPage(buf []byte) {
	h := header(buf)
	for i := range h[:headerLen] {
		h[i] = 0
	}
	SetNext(buf, dbtypes.InvalidPageNum)
	itemPage(buf).Init()
}

func pageType(buf []byte) (isLeaf, isMeta bool) {
	f := GetFlags(buf)
	return f&IsLeaf != 0, f&IsMeta != 0
}

func initMetaPage(buf []byte) {
	h := header(buf)
	for i := range h[:headerLen] {
		h[i] = 0
	}
	AddFlags(buf, IsMeta)
	payload := h[headerLen:]
	binary.LittleEndian.PutUint32(payload[offMetaMagic:], metaMagic)
	binary.LittleEndian.PutUint64(payload[offMetaRoot:], 0)
}

func getMetaRoot(buf []byte) dbtypes.PageNum {
	payload := header(buf)[headerLen:]
	return dbtypes.PageNum(binary.LittleEndian.Uint64(payload[offMetaRoot:]))
}

func setMetaRoot(buf []byte, root dbtypes.PageNum) {
	payload := header(buf)[headerLen:]
	binary.LittleEndian.PutUint64(payload[offMetaRoot:], uint64(root))
}

func getMetaMagic(buf []byte) uint32 {
	payload := header(buf)[headerLen:]
	return binary.LittleEndian.Uint32(payload[offMetaMagic:])
}
