// Package heap implements MVCC table storage: tuples live in item pages
// (pkg/page), each stamped with the inserting/deleting transaction's XID
// and a set of visibility hint bits (spec §4.4).
package heap

import (
	"encoding/binary"

	"github.com/nainya/wiredb/pkg/dbtypes"
	"github.com/nainya/wiredb/pkg/txn"
)

// Flags is the tuple visibility hint bitmask.
type Flags uint32

const (
	MinCommitted Flags = 1 << iota
	MaxCommitted
	MinInvalid
	MaxInvalid
)

// tupleHeaderSize is flags(4) + min-XID(4) + max-XID(4).
const tupleHeaderSize = 12

// Tuple is one heap record, as stored in an item page's payload: runtime
// fields (table identity, item pointer) are not part of the serialized
// form.
type Tuple struct {
	Flags  Flags
	MinXID dbtypes.XID
	MaxXID dbtypes.XID
	Data   []byte
}

func encodeTuple(t Tuple) []byte {
	buf := make([]byte, tupleHeaderSize+len(t.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(t.MinXID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(t.MaxXID))
	copy(buf[tupleHeaderSize:], t.Data)
	return buf
}

func decodeTuple(buf []byte) Tuple {
	return Tuple{
		Flags:  Flags(binary.LittleEndian.Uint32(buf[0:4])),
		MinXID: dbtypes.XID(binary.LittleEndian.Uint32(buf[4:8])),
		MaxXID: dbtypes.XID(binary.LittleEndian.Uint32(buf[8:12])),
		Data:   buf[tupleHeaderSize:],
	}
}

// encodeFlags rewrites just the leading flags word of an already-encoded
// tuple, for in-place hint-bit updates.
func encodeFlagsInto(buf []byte, f Flags) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f))
}

// Visible implements spec §4.4's visibility algorithm. It returns whether
// the tuple is visible to snapshot from selfXID's point of view, and the
// (possibly updated) hint-bit flags the caller should write back — which
// may differ from tuple.Flags even when visible is false.
func Visible(t Tuple, snap *txn.Snapshot, selfXID dbtypes.XID, status *txn.StatusTable) (visible bool, newFlags Flags, err error) {
	flags := t.Flags

	if flags&MinCommitted == 0 {
		switch {
		case t.MinXID == dbtypes.InvalidXID:
			return false, flags, nil
		case t.MinXID == selfXID:
			return flags&MaxInvalid != 0 || t.MaxXID != selfXID, flags, nil
		case snap.InProgress(t.MinXID):
			return false, flags, nil
		default:
			st, err := status.GetStatus(t.MinXID)
			if err != nil {
				return false, flags, err
			}
			switch st {
			case txn.StatusCommitted:
				flags |= MinCommitted
			case txn.StatusAborted, txn.StatusError:
				flags |= MinInvalid
				return false, flags, nil
			default: // still in progress per the status table
				return false, flags, nil
			}
		}
	} else if snap.InProgress(t.MinXID) {
		return false, flags, nil
	}

	if flags&MaxInvalid != 0 {
		return true, flags, nil
	}

	if flags&MaxCommitted == 0 {
		switch {
		case t.MaxXID == selfXID:
			return false, flags, nil
		case snap.InProgress(t.MaxXID):
			return true, flags, nil
		default:
			st, err := status.GetStatus(t.MaxXID)
			if err != nil {
				return false, flags, err
			}
			if st == txn.StatusAborted || st == txn.StatusError {
				flags |= MaxInvalid
				return true, flags, nil
			}
			if st == txn.StatusCommitted {
				flags |= MaxCommitted
				return false, flags, nil
			}
			return true, flags, nil
		}
	}

	if snap.InProgress(t.MaxXID) {
		return true, flags, nil
	}
	return false, flags, nil
}
