package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/nainya/wiredb/pkg/dbtypes"
)

// IndexTuple is one entry on a B-tree page: a search key plus the pointer
// it resolves to. On an internal page the pointer's Page field is a
// downlink to a child page (Offset is a placeholder, always 1); on a leaf
// page it is the real heap row the key indexes. The high key stored at
// every non-rightmost page's first slot is also an IndexTuple; it is a copy
// of the right sibling's first tuple, and its pointer is never read.
type IndexTuple struct {
	Key         []byte
	ItemPointer dbtypes.ItemPointer
}

// encodeIndexTuple lays out [keyLen:u16][key][page:u32][offset:u16].
func encodeIndexTuple(t IndexTuple) []byte {
	buf := make([]byte, 2+len(t.Key)+4+2)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(t.Key)))
	copy(buf[2:2+len(t.Key)], t.Key)
	off := 2 + len(t.Key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(t.ItemPointer.Page))
	binary.LittleEndian.PutUint16(buf[off+4:off+6], t.ItemPointer.Offset)
	return buf
}

func decodeIndexTuple(buf []byte) IndexTuple {
	keyLen := binary.LittleEndian.Uint16(buf[0:2])
	key := buf[2 : 2+keyLen]
	off := int(2 + keyLen)
	pageNum := dbtypes.PageNum(binary.LittleEndian.Uint32(buf[off : off+4]))
	offset := binary.LittleEndian.Uint16(buf[off+4 : off+6])
	return IndexTuple{Key: key, ItemPointer: dbtypes.ItemPointer{Page: pageNum, Offset: offset}}
}

// downlink extracts the child page number from an internal-page tuple.
func downlink(t IndexTuple) dbtypes.PageNum { return t.ItemPointer.Page }

// CompareFunc orders two raw keys the way the index's caller defines
// ordering; it must impose a total order consistent across the whole
// index's lifetime.
type CompareFunc func(a, b []byte) int

// ByteCompare is the default CompareFunc for byte-string keys.
var ByteCompare CompareFunc = bytes.Compare
